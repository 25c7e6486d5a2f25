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
	"context"
	"time"

	"agentd/internal/tool"
)

// PlanUpdate 计划钩子的输出
type PlanUpdate struct {
	// CompletedStep 本次标记完成的计划步骤下标，-1 表示无
	CompletedStep int `json:"completed_step"`
	// CurrentStep 之后生效的步骤下标
	CurrentStep int    `json:"current_step"`
	Replan      bool   `json:"replan,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Planner 计划钩子
type Planner interface {
	// PlanContext 注入推理阶段的计划上下文，无活动计划时返回空串
	PlanContext() string
	// MaybeAdvancePlan 每轮结束后调用
	MaybeAdvancePlan(ctx context.Context, completedSteps []string) *PlanUpdate
}

// ReflectAction 反思决策
type ReflectAction string

const (
	ReflectContinue  ReflectAction = "continue"
	ReflectAdjust    ReflectAction = "adjust"
	ReflectPivot     ReflectAction = "pivot"
	ReflectTerminate ReflectAction = "terminate"
	ReflectEscalate  ReflectAction = "escalate"
)

// ReflectionDecision 反思钩子的输出
type ReflectionDecision struct {
	Action   ReflectAction `json:"action"`
	Reason   string        `json:"reason,omitempty"`
	Guidance string        `json:"guidance,omitempty"`
	Turn     int           `json:"turn"`
}

// Reflector 反思钩子，在连续若干轮无进展后调用
type Reflector interface {
	MaybeReflect(ctx context.Context, tail []Turn) *ReflectionDecision
}

// Outcome 一次工具调用的结果，交给学习钩子
type Outcome struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params,omitempty"`
	Result  tool.Result    `json:"result"`
	Latency time.Duration  `json:"latency"`
}

// Learner 学习钩子
type Learner interface {
	// RecordOutcome 不应阻塞
	RecordOutcome(ctx context.Context, o Outcome)
	// Advisory 注入下一轮推理阶段的建议，可为空
	Advisory() string
}

// Hooks 三个钩子都可缺省
type Hooks struct {
	Planner   Planner
	Reflector Reflector
	Learner   Learner
}

func (h Hooks) merge(fallback Hooks) Hooks {
	if h.Planner == nil {
		h.Planner = fallback.Planner
	}
	if h.Reflector == nil {
		h.Reflector = fallback.Reflector
	}
	if h.Learner == nil {
		h.Learner = fallback.Learner
	}
	return h
}
