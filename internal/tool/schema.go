// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError 参数校验失败，Problems 会原样反馈给模型
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// JSONSchema 转为标准 JSON Schema 文档
func (s Schema) JSONSchema() map[string]any {
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	}
	if s.Description != "" {
		doc["description"] = s.Description
	}
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.jsonSchema()
	}
	doc["properties"] = props
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		doc["required"] = req
	}
	return doc
}

func (p SchemaProperty) jsonSchema() map[string]any {
	m := map[string]any{}
	if p.Type != "" {
		m["type"] = p.Type
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		m["enum"] = p.Enum
	}
	if p.Items != nil {
		m["items"] = p.Items.jsonSchema()
	}
	if len(p.Properties) > 0 {
		props := make(map[string]any, len(p.Properties))
		for name, sub := range p.Properties {
			props[name] = sub.jsonSchema()
		}
		m["properties"] = props
	}
	if p.Minimum != nil {
		m["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		m["maximum"] = *p.Maximum
	}
	return m
}

// Without 返回去掉指定参数的 Schema 副本（凭证参数对模型隐藏）
func (s Schema) Without(params ...string) Schema {
	if len(params) == 0 {
		return s
	}
	drop := make(map[string]bool, len(params))
	for _, p := range params {
		drop[p] = true
	}
	out := Schema{Type: s.Type, Description: s.Description, Properties: make(map[string]SchemaProperty, len(s.Properties))}
	for k, v := range s.Properties {
		if !drop[k] {
			out.Properties[k] = v
		}
	}
	for _, r := range s.Required {
		if !drop[r] {
			out.Required = append(out.Required, r)
		}
	}
	return out
}

// Validator 编译后的参数校验器
type Validator struct {
	tool   string
	schema Schema
	js     *jsonschema.Schema
}

// CompileSchema 编译工具参数 Schema
func CompileSchema(toolName string, s Schema) (*Validator, error) {
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := toolName + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	js, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{tool: toolName, schema: s, js: js}, nil
}

// Validate 校验并补全默认值，返回规范化后的参数副本
func (v *Validator) Validate(params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+len(v.schema.Properties))
	for k, val := range params {
		merged[k] = val
	}
	for name, p := range v.schema.Properties {
		if _, ok := merged[name]; !ok && p.Default != nil {
			merged[name] = p.Default
		}
	}
	normalized, err := normalize(merged)
	if err != nil {
		return nil, &ValidationError{Tool: v.tool, Problems: []string{err.Error()}}
	}
	if err := v.js.Validate(normalized); err != nil {
		return nil, &ValidationError{Tool: v.tool, Problems: problems(err)}
	}
	return normalized, nil
}

// normalize 通过 JSON 往返，把调用方的任意 Go 值转为校验器期望的形态
func normalize(params map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("parameters are not JSON encodable: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func problems(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "- "))
	}
	if len(out) == 0 {
		out = []string{err.Error()}
	}
	sort.Strings(out)
	return out
}
