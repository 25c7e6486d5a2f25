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

package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"agentd/internal/agent/loop"
	"agentd/pkg/metrics"
	"agentd/pkg/tracing"
)

const maxHistoryResponse = 500

// Outcome 一次已回收的调用
type Outcome struct {
	AgentID    string           `json:"agent_id"`
	Event      AgentEvent       `json:"event"`
	Result     *loop.LoopResult `json:"result"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Summary 结果摘要
func (o Outcome) Summary() *Summary {
	s := &Summary{EventID: o.Event.ID, AgentID: o.AgentID}
	if o.Result == nil {
		return s
	}
	res := o.Result
	s.Status = res.Status
	s.Reason = res.Reason
	s.Response = res.Response
	s.Turns = res.Metrics.Turns
	s.InputTokens = res.Metrics.InputTokens
	s.OutputTokens = res.Metrics.OutputTokens
	s.Duration = res.Metrics.Duration
	if res.FollowUp != nil {
		s.FollowUp = res.FollowUp.Message
	}
	return s
}

// dispatch 为每个空闲且队列非空的活跃 Agent 派发一个事件；池满即停止，不阻塞
func (r *Runtime) dispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedIDsLocked() {
		a := r.agents[id]
		if !a.active || a.running != nil || r.inflight[id] != nil || a.queue.Len() == 0 {
			continue
		}
		if !r.slots.TryAcquire(1) {
			return
		}
		e := a.queue.Pop()
		e.Status = StatusRunning
		inf := &inflight{event: e, started: r.now()}
		a.running = inf
		r.inflight[id] = inf
		a.status = AgentRunning
		metrics.RuntimeQueueDepth.WithLabelValues(id).Set(float64(a.queue.Len()))
		metrics.RuntimeWorkersBusy.Set(float64(r.busy.Add(1)))

		cfg := a.cfg
		r.wg.Add(1)
		go r.work(cfg, inf)
		r.log.Debug("事件已派发", "agent_id", id, "event_id", e.ID, "priority", e.Priority, "source", e.Source)
	}
}

func (r *Runtime) work(cfg AgentConfig, inf *inflight) {
	defer r.wg.Done()
	ctx, span := tracing.StartEventSpan(r.runCtx, cfg.ID, inf.event.ID, inf.event.Source)
	res := r.invoke(ctx, cfg, inf)
	span.SetAttributes(attribute.String("loop.exit_state", string(res.Status)))
	span.End()

	r.mu.Lock()
	r.completed = append(r.completed, completion{
		agentID:    cfg.ID,
		inf:        inf,
		result:     res,
		finishedAt: r.now(),
	})
	r.mu.Unlock()

	metrics.RuntimeWorkersBusy.Set(float64(r.busy.Add(-1)))
	r.slots.Release(1)
}

// invoke 调用 Invoker；panic 与空结果都转换为 error 退出状态
func (r *Runtime) invoke(ctx context.Context, cfg AgentConfig, inf *inflight) (res *loop.LoopResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Agent 调用 panic", "agent_id", cfg.ID, "event_id", inf.event.ID, "panic", p)
			res = &loop.LoopResult{Status: loop.ExitError, Reason: fmt.Sprintf("invoker panic: %v", p)}
		}
	}()
	res = r.invoker.Invoke(ctx, Invocation{
		Agent:       cfg,
		Event:       *inf.event.clone(),
		CancelCheck: inf.cancelled.Load,
	})
	if res == nil {
		res = &loop.LoopResult{Status: loop.ExitError, Reason: "invoker returned no result"}
	}
	return res
}

// harvest 回收已完成的调用：更新指标与历史、通知同步等待方、发布结果、追加后续事件
func (r *Runtime) harvest(ctx context.Context) {
	r.mu.Lock()
	done := r.completed
	r.completed = nil
	outcomes := make([]Outcome, 0, len(done))
	for _, c := range done {
		e := c.inf.event
		res := c.result
		if res.Status.Succeeded() {
			e.Status = StatusCompleted
		} else {
			e.Status = StatusFailed
		}
		o := Outcome{AgentID: c.agentID, Event: *e.clone(), Result: res, FinishedAt: c.finishedAt}
		outcomes = append(outcomes, o)
		r.resolveLocked(e.ID, waitResult{summary: o.Summary()})
		metrics.RuntimeEventsTotal.WithLabelValues(e.Priority.String(), string(e.Status)).Inc()

		if r.inflight[c.agentID] == c.inf {
			delete(r.inflight, c.agentID)
		}
		a, ok := r.agents[c.agentID]
		if !ok || a.running != c.inf {
			continue
		}
		a.running = nil
		if a.active {
			a.status = AgentIdle
		} else {
			a.status = AgentStopped
		}
		if res.Status.Succeeded() {
			a.metrics.EventsProcessed++
		} else {
			a.metrics.EventsFailed++
		}
		a.record(HistoryEntry{
			EventID:    e.ID,
			Source:     e.Source,
			Priority:   e.Priority,
			ExitState:  res.Status,
			Reason:     res.Reason,
			Response:   clipRunes(res.Response, maxHistoryResponse),
			Turns:      res.Metrics.Turns,
			Duration:   c.finishedAt.Sub(c.inf.started),
			FinishedAt: c.finishedAt,
		}, r.cfg.HistorySize)
		r.log.Info("事件已完成", "agent_id", c.agentID, "event_id", e.ID, "exit_state", res.Status,
			"turns", res.Metrics.Turns, "reason", res.Reason)

		if res.FollowUp != nil && a.active && res.FollowUp.Message != "" {
			r.enqueueLocked(a, EventSpec{
				Message:    res.FollowUp.Message,
				Source:     AgentSource(a.cfg.ID),
				SessionKey: e.SessionKey,
				Metadata:   map[string]any{"follow_up_of": e.ID, "reason": res.FollowUp.Reason},
			})
		}
	}
	r.mu.Unlock()

	if r.opts.Outcomes == nil {
		return
	}
	for _, o := range outcomes {
		if err := r.opts.Outcomes.PublishOutcome(ctx, o); err != nil {
			r.log.Warn("发布调用结果失败", "agent_id", o.AgentID, "event_id", o.Event.ID, "error", err)
		}
	}
}

func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
