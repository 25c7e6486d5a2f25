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

	"agentd/internal/agent/loopdetect"
)

// ExitState 终止状态，每个 LoopResult 恰好一个
type ExitState string

const (
	ExitCompleted        ExitState = "completed"
	ExitTimeout          ExitState = "timeout"
	ExitMaxTurns         ExitState = "max_turns"
	ExitError            ExitState = "error"
	ExitLoopDetected     ExitState = "loop_detected"
	ExitEscalationNeeded ExitState = "escalation_needed"
	ExitCancelled        ExitState = "cancelled"
)

// Succeeded 只有 completed 视为成功
func (s ExitState) Succeeded() bool { return s == ExitCompleted }

// Metrics 整次运行的聚合指标
type Metrics struct {
	Turns        int           `json:"turns"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	ModelCalls   int           `json:"model_calls"`
	ToolCalls    int           `json:"tool_calls"`
	ToolFailures int           `json:"tool_failures"`
	Duration     time.Duration `json:"duration"`
}

// FollowUp 运行结束后请求运行时追加的后续事件
type FollowUp struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// LoopResult 一次 Execute 的终态产物，返回后归调用方独占
type LoopResult struct {
	Status      ExitState            `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	Response    string               `json:"response"`
	Trace       []Turn               `json:"trace"`
	State       *AtomicState         `json:"state"`
	Metrics     Metrics              `json:"metrics"`
	Reflections []ReflectionDecision `json:"reflections,omitempty"`
	PlanUpdates []PlanUpdate         `json:"plan_updates,omitempty"`
	Loop        *loopdetect.Verdict  `json:"loop,omitempty"`
	FollowUp    *FollowUp            `json:"follow_up,omitempty"`
}
