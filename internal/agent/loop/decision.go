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

package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decision 推理阶段的结构化输出
type Decision struct {
	Analysis    string      `json:"analysis"`
	Tool        string      `json:"tool,omitempty"`
	Intent      string      `json:"intent,omitempty"`
	StateUpdate StateUpdate `json:"state_update"`
	Done        bool        `json:"done"`
	Response    string      `json:"response,omitempty"`
}

var errNoJSON = errors.New("no JSON object found in model output")

// extractJSON 从模型输出中取出第一个完整的 JSON 对象，容忍 ``` 代码块和前后说明文字
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errNoJSON
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errNoJSON
}

// ParseDecision 解析推理阶段输出
func ParseDecision(text string) (Decision, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Decision{}, err
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("invalid decision JSON: %w", err)
	}
	d.Tool = strings.TrimSpace(d.Tool)
	if strings.EqualFold(d.Tool, "none") || d.Tool == "null" {
		d.Tool = ""
	}
	if d.Tool == "" && !d.Done && d.StateUpdate.IsZero() && d.Analysis == "" {
		return Decision{}, errors.New("decision selects no tool, is not done and changes nothing")
	}
	return d, nil
}

// ParseParams 解析参数阶段输出；{"parameters": {...}} 包装且 Schema 未声明该字段时自动解包
func ParseParams(text string, declared map[string]bool) (map[string]any, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid parameters JSON: %w", err)
	}
	if len(params) == 1 {
		for _, wrapper := range []string{"parameters", "params", "arguments"} {
			if inner, ok := params[wrapper].(map[string]any); ok && !declared[wrapper] {
				return inner, nil
			}
		}
	}
	return params, nil
}
