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
	"fmt"
	"sort"
	"strings"

	"github.com/huandu/go-clone"
)

// 状态上限；每次修改都会执行，保证序列化大小与轮数无关
const (
	MaxCompletedSteps = 20
	MaxVariables      = 50
	MaxPendingActions = 10

	maxEntryRunes     = 200
	maxKeyRunes       = 64
	maxValueBytes     = 2048
	maxErrorRunes     = 1000
	truncatedValueTag = "...(truncated)"
)

// AtomicState 取代会话历史的结构化状态，模型每轮只看到它
type AtomicState struct {
	CompletedSteps []string       `json:"completed_steps"`
	Variables      map[string]any `json:"variables"`
	PendingActions []string       `json:"pending_actions"`
	CurrentStep    int            `json:"current_step"`
	ErrorContext   string         `json:"error_context,omitempty"`

	// varOrder 变量写入顺序，超限时淘汰最久未写入的 key
	varOrder []string
}

// NewAtomicState 创建空状态
func NewAtomicState() *AtomicState {
	return &AtomicState{
		CompletedSteps: []string{},
		Variables:      map[string]any{},
		PendingActions: []string{},
	}
}

// StringList 接受 JSON 字符串或数组，模型常把单个步骤写成字符串
type StringList []string

// UnmarshalJSON 实现 json.Unmarshaler
func (l *StringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*l = StringList{}
		} else {
			*l = StringList{single}
		}
		return nil
	}
	var many []any
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected string or array: %w", err)
	}
	out := make(StringList, 0, len(many))
	for _, v := range many {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else if v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	*l = out
	return nil
}

// StateUpdate 推理阶段提议的状态变更
type StateUpdate struct {
	CompletedSteps  StringList     `json:"completed_steps,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	RemoveVariables []string       `json:"remove_variables,omitempty"`
	// PendingActions 出现时整体替换
	PendingActions *StringList `json:"pending_actions,omitempty"`
	CurrentStep    *int        `json:"current_step,omitempty"`
}

// IsZero 没有任何变更
func (u StateUpdate) IsZero() bool {
	return len(u.CompletedSteps) == 0 && len(u.Variables) == 0 && len(u.RemoveVariables) == 0 &&
		u.PendingActions == nil && u.CurrentStep == nil
}

// Apply 应用变更并返回新增的完成步骤数
func (s *AtomicState) Apply(u StateUpdate) int {
	added := 0
	for _, step := range u.CompletedSteps {
		if s.AddCompletedStep(step) {
			added++
		}
	}
	for _, k := range u.RemoveVariables {
		s.RemoveVariable(k)
	}
	// 按 key 排序写入，保证淘汰顺序确定
	keys := make([]string, 0, len(u.Variables))
	for k := range u.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.SetVariable(k, u.Variables[k])
	}
	if u.PendingActions != nil {
		s.SetPendingActions(*u.PendingActions)
	}
	if u.CurrentStep != nil && *u.CurrentStep >= 0 {
		s.CurrentStep = *u.CurrentStep
	}
	return added
}

// AddCompletedStep 追加完成步骤，超出上限淘汰最旧的；空串忽略
func (s *AtomicState) AddCompletedStep(step string) bool {
	step = clip(strings.TrimSpace(step), maxEntryRunes)
	if step == "" {
		return false
	}
	s.CompletedSteps = append(s.CompletedSteps, step)
	if over := len(s.CompletedSteps) - MaxCompletedSteps; over > 0 {
		s.CompletedSteps = append([]string(nil), s.CompletedSteps[over:]...)
	}
	return true
}

// SetVariable 写入变量；过大的值替换为截断后的字符串，超出 key 上限淘汰最久未写入的
func (s *AtomicState) SetVariable(key string, value any) {
	key = clip(strings.TrimSpace(key), maxKeyRunes)
	if key == "" {
		return
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[key] = boundValue(value)
	s.touch(key)
	for len(s.Variables) > MaxVariables && len(s.varOrder) > 0 {
		oldest := s.varOrder[0]
		s.varOrder = s.varOrder[1:]
		delete(s.Variables, oldest)
	}
}

// RemoveVariable 删除变量
func (s *AtomicState) RemoveVariable(key string) {
	delete(s.Variables, key)
	for i, k := range s.varOrder {
		if k == key {
			s.varOrder = append(s.varOrder[:i:i], s.varOrder[i+1:]...)
			break
		}
	}
}

func (s *AtomicState) touch(key string) {
	for i, k := range s.varOrder {
		if k == key {
			s.varOrder = append(s.varOrder[:i:i], s.varOrder[i+1:]...)
			break
		}
	}
	s.varOrder = append(s.varOrder, key)
}

// SetPendingActions 替换待办列表；超出上限时保留最前面的
func (s *AtomicState) SetPendingActions(actions []string) {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if a = clip(strings.TrimSpace(a), maxEntryRunes); a != "" {
			out = append(out, a)
		}
		if len(out) == MaxPendingActions {
			break
		}
	}
	s.PendingActions = out
}

// SetError 记录错误上下文
func (s *AtomicState) SetError(msg string) {
	s.ErrorContext = clip(msg, maxErrorRunes)
}

// ClearError 成功轮次后清空错误上下文
func (s *AtomicState) ClearError() {
	s.ErrorContext = ""
}

// Normalize 对外部传入的种子状态执行全部上限
func (s *AtomicState) Normalize() {
	steps := s.CompletedSteps
	s.CompletedSteps = []string{}
	for _, st := range steps {
		s.AddCompletedStep(st)
	}
	vars := s.Variables
	s.Variables = map[string]any{}
	s.varOrder = nil
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.SetVariable(k, vars[k])
	}
	s.SetPendingActions(s.PendingActions)
	if s.CurrentStep < 0 {
		s.CurrentStep = 0
	}
	s.SetError(s.ErrorContext)
}

// Clone 深拷贝
func (s *AtomicState) Clone() *AtomicState {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(*AtomicState)
}

// JSON 紧凑序列化，供推理阶段使用
func (s *AtomicState) JSON() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Size 序列化后的字节数
func (s *AtomicState) Size() int {
	return len(s.JSON())
}

func clip(s string, maxRunes int) string {
	if len(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}

// boundValue 序列化超过 maxValueBytes 的值替换为截断字符串
func boundValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return clip(fmt.Sprint(v), maxValueBytes/4)
	}
	if len(b) <= maxValueBytes {
		return v
	}
	// 以 rune 截断，JSON 转义最多放大 6 倍，留出余量
	return clip(string(b), maxValueBytes/8) + truncatedValueTag
}
