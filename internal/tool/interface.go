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
	"context"
	"strings"
)

// Schema 表示工具参数的 JSON Schema（参数阶段仅向模型提供所选工具的这一份）
type Schema struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty 表示 Schema 中单个属性的描述
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"` // string | number | integer | boolean | object | array
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Default     any                       `json:"default,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Minimum     *float64                  `json:"minimum,omitempty"`
	Maximum     *float64                  `json:"maximum,omitempty"`
}

// Tool Runtime 级工具接口
type Tool interface {
	Name() string
	// Description 首行作为推理阶段的一行能力提示
	Description() string
	Schema() Schema
	// Execute 的失败应优先以 Result{Success:false} 表达；返回 error 同样会被包装为失败结果
	Execute(ctx context.Context, input map[string]any) (Result, error)
}

// Credential 将 secret 绑定到执行参数 Param 上，模型永远看不到也无法提供该参数
type Credential struct {
	Param  string `json:"param"`
	Secret string `json:"secret"`
}

// CredentialedTool 声明执行前需要预绑定的凭证
type CredentialedTool interface {
	Tool
	Credentials() []Credential
}

// Hint 工具名 + 一行提示，推理阶段的工具目录只包含这些
type Hint struct {
	Name string `json:"name"`
	Hint string `json:"hint"`
}

const maxHintLen = 120

// HintFor 取描述首行并截断
func HintFor(t Tool) Hint {
	desc := strings.TrimSpace(t.Description())
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = strings.TrimSpace(desc[:i])
	}
	if r := []rune(desc); len(r) > maxHintLen {
		desc = string(r[:maxHintLen-3]) + "..."
	}
	return Hint{Name: t.Name(), Hint: desc}
}

// Definition 单个工具的完整定义（参数阶段使用）
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Func 以函数实现 Tool，便于测试和轻量内置工具
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      Schema
	Fn              func(ctx context.Context, input map[string]any) (Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }
func (f *Func) Schema() Schema      { return f.ToolSchema }

func (f *Func) Execute(ctx context.Context, input map[string]any) (Result, error) {
	return f.Fn(ctx, input)
}
