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

// Package learning 提供执行循环的默认学习钩子：统计每个工具最近的成功率与延迟，
// 对持续失败的工具生成下一轮推理的建议。
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentd/internal/agent/loop"
)

const (
	// DefaultWindow 每个工具保留的最近结果数
	DefaultWindow = 20
	// 失败率达到 failureRate 且样本不少于 minSamples 时给出建议
	failureRate = 0.5
	minSamples  = 2
	maxAdvised  = 5
)

// ToolStats 单个工具的聚合统计
type ToolStats struct {
	Tool        string        `json:"tool"`
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	AvgLatency  time.Duration `json:"avg_latency"`
	LastError   string        `json:"last_error,omitempty"`
	FailureRate float64       `json:"failure_rate"`
}

type sample struct {
	ok      bool
	latency time.Duration
}

type window struct {
	samples   []sample
	lastError string
}

// OutcomeTracker 可在多个运行之间共享，并发安全
type OutcomeTracker struct {
	mu     sync.RWMutex
	size   int
	byTool map[string]*window
}

var _ loop.Learner = (*OutcomeTracker)(nil)

// NewOutcomeTracker 创建学习钩子；size<=0 使用默认窗口
func NewOutcomeTracker(size int) *OutcomeTracker {
	if size <= 0 {
		size = DefaultWindow
	}
	return &OutcomeTracker{size: size, byTool: map[string]*window{}}
}

// RecordOutcome 实现 loop.Learner
func (t *OutcomeTracker) RecordOutcome(_ context.Context, o loop.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.byTool[o.Tool]
	if !ok {
		w = &window{}
		t.byTool[o.Tool] = w
	}
	w.samples = append(w.samples, sample{ok: o.Result.Success, latency: o.Latency})
	if over := len(w.samples) - t.size; over > 0 {
		w.samples = append([]sample(nil), w.samples[over:]...)
	}
	if !o.Result.Success {
		w.lastError = o.Result.Error
	}
}

// Stats 按工具名排序的统计快照
func (t *OutcomeTracker) Stats() []ToolStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ToolStats, 0, len(t.byTool))
	for name, w := range t.byTool {
		out = append(out, w.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

func (w *window) stats(name string) ToolStats {
	s := ToolStats{Tool: name, Calls: len(w.samples), LastError: w.lastError}
	var total time.Duration
	for _, sm := range w.samples {
		if !sm.ok {
			s.Failures++
		}
		total += sm.latency
	}
	if s.Calls > 0 {
		s.AvgLatency = total / time.Duration(s.Calls)
		s.FailureRate = float64(s.Failures) / float64(s.Calls)
	}
	return s
}

// Advisory 实现 loop.Learner；没有需要提醒的工具时返回空串
func (t *OutcomeTracker) Advisory() string {
	var lines []string
	for _, s := range t.Stats() {
		if s.Calls < minSamples || s.FailureRate < failureRate {
			continue
		}
		line := fmt.Sprintf("%s failed %d of its last %d calls", s.Tool, s.Failures, s.Calls)
		if s.LastError != "" {
			line += fmt.Sprintf(" (last error: %s)", clip(s.LastError, 120))
		}
		lines = append(lines, line)
		if len(lines) == maxAdvised {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "; ") + ". Prefer alternatives or change the parameters."
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
