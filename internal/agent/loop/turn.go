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
	"time"

	"agentd/internal/tool"
)

// TokenUsage 单轮或整次运行的 token 用量
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add 累加
func (u *TokenUsage) Add(o TokenUsage) {
	u.Input += o.Input
	u.Output += o.Output
}

// ToolCall 一次工具调用记录
type ToolCall struct {
	ID      string         `json:"id,omitempty"`
	Tool    string         `json:"tool"`
	Intent  string         `json:"intent,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Result  tool.Result    `json:"result"`
	Latency time.Duration  `json:"latency"`
	// Executed 为 false 表示参数校验失败或工具未知，未真正执行
	Executed bool `json:"executed"`
}

// Turn 一轮记录，只用于观测，永不回送模型
type Turn struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Tokens    TokenUsage    `json:"tokens"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	ModelText string        `json:"model_text,omitempty"`
	Analysis  string        `json:"analysis,omitempty"`
	PlanStep  int           `json:"plan_step"`
	Done      bool          `json:"done,omitempty"`
	NewSteps  int           `json:"new_steps"`
	Failed    bool          `json:"failed,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Progressed 本轮是否新增了完成步骤
func (t Turn) Progressed() bool { return t.NewSteps > 0 }

// ToolFailed 本轮的工具调用是否失败
func (t Turn) ToolFailed() bool {
	for _, c := range t.ToolCalls {
		if !c.Result.Success {
			return true
		}
	}
	return false
}
