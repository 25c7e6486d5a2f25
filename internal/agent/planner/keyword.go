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

// Package planner 提供执行循环的默认计划钩子：按关键词重叠判断计划步骤是否完成。
package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"agentd/internal/agent/loop"
)

// DefaultOverlapThreshold 步骤关键词与已完成步骤关键词的默认重叠比例
const DefaultOverlapThreshold = 0.4

// Step 计划中的一步
type Step struct {
	Description   string   `json:"description"`
	ExpectedTools []string `json:"expected_tools,omitempty"`
}

// Plan 线性计划
type Plan struct {
	Goal  string `json:"goal,omitempty"`
	Steps []Step `json:"steps"`
}

// PlanFromStrings 由步骤描述构造计划
func PlanFromStrings(goal string, steps []string) Plan {
	p := Plan{Goal: goal, Steps: make([]Step, 0, len(steps))}
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			p.Steps = append(p.Steps, Step{Description: s})
		}
	}
	return p
}

// Option KeywordPlanner 选项
type Option func(*KeywordPlanner)

// WithThreshold 设置重叠阈值，取值 (0,1]
func WithThreshold(t float64) Option {
	return func(p *KeywordPlanner) {
		if t > 0 && t <= 1 {
			p.threshold = t
		}
	}
}

// WithReplanAfter 当前步骤连续 n 轮未推进时请求重新规划；0 表示不请求
func WithReplanAfter(n int) Option {
	return func(p *KeywordPlanner) { p.replanAfter = n }
}

// KeywordPlanner 单次运行的计划钩子，不可跨运行复用
type KeywordPlanner struct {
	mu          sync.Mutex
	plan        Plan
	stepTokens  []map[string]struct{}
	threshold   float64
	replanAfter int

	current   int
	stalls    int
	replanned bool
}

var _ loop.Planner = (*KeywordPlanner)(nil)

// NewKeywordPlanner 创建计划钩子
func NewKeywordPlanner(plan Plan, opts ...Option) *KeywordPlanner {
	p := &KeywordPlanner{plan: plan, threshold: DefaultOverlapThreshold}
	for _, o := range opts {
		o(p)
	}
	p.stepTokens = make([]map[string]struct{}, len(plan.Steps))
	for i, s := range plan.Steps {
		p.stepTokens[i] = tokenSet(s.Description)
	}
	return p
}

// Current 当前步骤下标，全部完成时等于步骤数
func (p *KeywordPlanner) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// PlanContext 实现 loop.Planner
func (p *KeywordPlanner) PlanContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.plan.Steps)
	if n == 0 || p.current >= n {
		return ""
	}
	var b strings.Builder
	if p.plan.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", p.plan.Goal)
	}
	s := p.plan.Steps[p.current]
	fmt.Fprintf(&b, "Current step %d/%d: %s", p.current+1, n, s.Description)
	if len(s.ExpectedTools) > 0 {
		fmt.Fprintf(&b, " (suggested tools: %s)", strings.Join(s.ExpectedTools, ", "))
	}
	if p.current+1 < n {
		fmt.Fprintf(&b, "\nNext: %s", p.plan.Steps[p.current+1].Description)
	}
	return b.String()
}

// MaybeAdvancePlan 实现 loop.Planner：当前步骤关键词被已完成步骤覆盖到阈值即推进，可一次推进多步
func (p *KeywordPlanner) MaybeAdvancePlan(_ context.Context, completed []string) *loop.PlanUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current >= len(p.plan.Steps) {
		return nil
	}
	have := make(map[string]struct{})
	for _, c := range completed {
		for t := range tokenSet(c) {
			have[t] = struct{}{}
		}
	}
	last := -1
	for p.current < len(p.plan.Steps) && overlap(p.stepTokens[p.current], have) >= p.threshold {
		last = p.current
		p.current++
	}
	if last >= 0 {
		p.stalls = 0
		return &loop.PlanUpdate{CompletedStep: last, CurrentStep: p.current, Reason: "step completed"}
	}
	p.stalls++
	if p.replanAfter > 0 && p.stalls >= p.replanAfter && !p.replanned {
		p.replanned = true
		return &loop.PlanUpdate{
			CompletedStep: -1,
			CurrentStep:   p.current,
			Replan:        true,
			Reason:        fmt.Sprintf("step %d made no progress for %d turns", p.current+1, p.stalls),
		}
	}
	return nil
}

func overlap(step, have map[string]struct{}) float64 {
	if len(step) == 0 {
		return 1
	}
	hit := 0
	for t := range step {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(step))
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {}, "that": {}, "this": {},
	"then": {}, "all": {}, "any": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
}

// tokenSet 小写化并按非字母数字切分，丢弃停用词和过短的词
func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
