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

// Package reflection 提供执行循环的默认反思钩子：按最近几轮的失败形态给出调整建议，
// 多次反思仍无进展时请求人工介入。
package reflection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentd/internal/agent/loop"
)

// DefaultMaxReflections 超过该次数的反思直接 escalate
const DefaultMaxReflections = 2

// RuleReflector 单次运行使用；并发安全
type RuleReflector struct {
	// MaxReflections 允许的调整次数，之后 escalate
	MaxReflections int
	// TerminateOnExhaustion 为 true 时以 terminate 替代 escalate
	TerminateOnExhaustion bool

	mu    sync.Mutex
	count int
}

var _ loop.Reflector = (*RuleReflector)(nil)

// New 创建规则反思器
func New(maxReflections int) *RuleReflector {
	if maxReflections <= 0 {
		maxReflections = DefaultMaxReflections
	}
	return &RuleReflector{MaxReflections: maxReflections}
}

// Count 已反思次数
func (r *RuleReflector) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// MaybeReflect 实现 loop.Reflector
func (r *RuleReflector) MaybeReflect(_ context.Context, tail []loop.Turn) *loop.ReflectionDecision {
	if len(tail) == 0 {
		return nil
	}
	r.mu.Lock()
	r.count++
	n := r.count
	limit := r.MaxReflections
	if limit <= 0 {
		limit = DefaultMaxReflections
	}
	r.mu.Unlock()

	if n > limit {
		action := loop.ReflectEscalate
		if r.TerminateOnExhaustion {
			action = loop.ReflectTerminate
		}
		return &loop.ReflectionDecision{
			Action: action,
			Reason: fmt.Sprintf("no progress after %d reflections over %d-turn windows", limit, len(tail)),
		}
	}

	failed, toolless := 0, 0
	lastErr := map[string]string{}
	for _, t := range tail {
		if t.Failed || t.ToolFailed() {
			failed++
		}
		if len(t.ToolCalls) == 0 {
			toolless++
		}
		for _, c := range t.ToolCalls {
			if !c.Result.Success {
				lastErr[c.Tool] = c.Result.Error
			}
		}
	}

	switch {
	case failed*2 >= len(tail):
		var parts []string
		for name, e := range lastErr {
			parts = append(parts, fmt.Sprintf("%s: %s", name, e))
		}
		sort.Strings(parts)
		g := "Recent turns keep failing."
		if len(parts) > 0 {
			g = "Recent tool calls keep failing (" + strings.Join(parts, "; ") + ")."
		}
		return &loop.ReflectionDecision{
			Action:   loop.ReflectPivot,
			Reason:   fmt.Sprintf("%d of the last %d turns failed", failed, len(tail)),
			Guidance: g + " Switch to a different tool or a different approach instead of retrying.",
		}
	case toolless == len(tail):
		return &loop.ReflectionDecision{
			Action:   loop.ReflectAdjust,
			Reason:   fmt.Sprintf("no tool used in the last %d turns", len(tail)),
			Guidance: "Stop deliberating: pick a concrete tool call, or finish with done=true if the task is complete.",
		}
	default:
		return &loop.ReflectionDecision{
			Action:   loop.ReflectAdjust,
			Reason:   fmt.Sprintf("no completed steps in the last %d turns", len(tail)),
			Guidance: "Record finished work in state_update.completed_steps and move on to the next pending action.",
		}
	}
}
