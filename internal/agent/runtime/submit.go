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
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentd/internal/agent/loop"
	apperrors "agentd/pkg/errors"
	"agentd/pkg/metrics"
)

// SubmitMode 提交方式
type SubmitMode string

const (
	ModeAsync SubmitMode = "async"
	ModeSync  SubmitMode = "sync"
)

// SubmitOptions 提交选项
type SubmitOptions struct {
	Mode SubmitMode
	// Priority 为 nil 时按来源取默认值（human → HIGH）
	Priority   *Priority
	Source     string
	SessionKey string
	// Wait 同步模式的等待上限，<=0 使用 Config.SyncWait
	Wait     time.Duration
	Metadata map[string]any
}

// Summary 调用结果摘要
type Summary struct {
	EventID      string         `json:"event_id"`
	AgentID      string         `json:"agent_id"`
	Status       loop.ExitState `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Response     string         `json:"response"`
	Turns        int            `json:"turns"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Duration     time.Duration  `json:"duration"`
	FollowUp     string         `json:"follow_up,omitempty"`
}

// Receipt 提交回执；同步模式下 Result 为调用结果
type Receipt struct {
	EventID    string      `json:"event_id"`
	AgentID    string      `json:"agent_id"`
	Status     EventStatus `json:"status"`
	Priority   Priority    `json:"priority"`
	QueueDepth int         `json:"queue_depth"`
	Result     *Summary    `json:"result,omitempty"`
}

// Submit 向 Agent 提交一条消息。异步模式入队后立即返回；同步模式等待该事件被回收。
// 提交的事件本身因队列溢出被丢弃时返回 ErrQueueFull。
func (r *Runtime) Submit(ctx context.Context, agentID, message string, opts SubmitOptions) (*Receipt, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "message is required")
	}
	if opts.Source == "" {
		opts.Source = SourceHuman
	}
	spec := EventSpec{
		Message:    message,
		Source:     opts.Source,
		SessionKey: opts.SessionKey,
		Priority:   opts.Priority,
		Metadata:   opts.Metadata,
	}

	r.mu.Lock()
	e, depth, err := r.submitLocked(agentID, spec)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	receipt := &Receipt{EventID: e.ID, AgentID: agentID, Status: e.Status, Priority: e.Priority, QueueDepth: depth}
	if opts.Mode != ModeSync {
		r.mu.Unlock()
		return receipt, nil
	}
	ch := make(chan waitResult, 1)
	r.waiters[e.ID] = ch
	r.mu.Unlock()

	wait := opts.Wait
	if wait <= 0 {
		wait = r.cfg.SyncWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			receipt.Status = StatusDropped
			return receipt, res.err
		}
		receipt.Result = res.summary
		receipt.Status = StatusCompleted
		if !res.summary.Status.Succeeded() {
			receipt.Status = StatusFailed
		}
		return receipt, nil
	case <-timer.C:
		r.forgetWaiter(e.ID)
		return receipt, apperrors.Wrapf(apperrors.ErrWaitTimeout, "event %s not finished after %s", e.ID, wait)
	case <-ctx.Done():
		r.forgetWaiter(e.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return receipt, apperrors.Wrapf(apperrors.ErrWaitTimeout, "event %s: %v", e.ID, ctx.Err())
		}
		return receipt, ctx.Err()
	}
}

// Enqueue 按 EventSpec 入队，供 webhook、其他 Agent 和定时任务使用
func (r *Runtime) Enqueue(_ context.Context, agentID string, spec EventSpec) (*AgentEvent, error) {
	if strings.TrimSpace(spec.Message) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "message is required")
	}
	if spec.Source == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "source is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, _, err := r.submitLocked(agentID, spec)
	if err != nil {
		return nil, err
	}
	return e.clone(), nil
}

func (r *Runtime) submitLocked(agentID string, spec EventSpec) (*AgentEvent, int, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return nil, 0, apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", agentID)
	}
	if !a.active {
		return nil, 0, apperrors.Wrapf(apperrors.ErrAgentInactive, "agent %s", agentID)
	}
	e, dropped := r.enqueueLocked(a, spec)
	if dropped == e {
		return nil, a.queue.Len(), apperrors.Wrapf(apperrors.ErrQueueFull,
			"agent %s queue is full (%d) with higher-priority or newer events", agentID, a.queue.Limit())
	}
	return e, a.queue.Len(), nil
}

// enqueueLocked 创建事件并放入队列或待审批列表；返回事件及因溢出被丢弃的事件
func (r *Runtime) enqueueLocked(a *agentState, spec EventSpec) (e *AgentEvent, dropped *AgentEvent) {
	e = &AgentEvent{
		ID:         uuid.NewString(),
		AgentID:    a.cfg.ID,
		Priority:   spec.priority(),
		Message:    spec.Message,
		SessionKey: spec.SessionKey,
		Source:     spec.Source,
		Status:     StatusActive,
		Seq:        r.nextSeqLocked(),
		EnqueuedAt: r.now(),
		Metadata:   spec.Metadata,
	}
	if e.SessionKey == "" {
		e.SessionKey = a.cfg.ID + ":" + spec.Source
	}
	if a.cfg.requiresApproval(e.Source) {
		if len(a.pending) >= a.queue.Limit() {
			r.dropLocked(a, e, "approval_overflow")
			return e, e
		}
		e.Status = StatusPendingApproval
		a.pending = append(a.pending, e)
		metrics.RuntimeEventsTotal.WithLabelValues(e.Priority.String(), "pending_approval").Inc()
		return e, nil
	}
	return e, r.pushLocked(a, e)
}

func (r *Runtime) pushLocked(a *agentState, e *AgentEvent) *AgentEvent {
	e.Status = StatusActive
	dropped := a.queue.Push(e)
	metrics.RuntimeEventsTotal.WithLabelValues(e.Priority.String(), "enqueued").Inc()
	if dropped != nil {
		r.dropLocked(a, dropped, "overflow")
	}
	metrics.RuntimeQueueDepth.WithLabelValues(a.cfg.ID).Set(float64(a.queue.Len()))
	return dropped
}

func (r *Runtime) forgetWaiter(eventID string) {
	r.mu.Lock()
	delete(r.waiters, eventID)
	r.mu.Unlock()
}

func (r *Runtime) findPendingLocked(agentID, eventID string) (*agentState, int, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return nil, -1, apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", agentID)
	}
	for i, e := range a.pending {
		if e.ID == eventID {
			return a, i, nil
		}
	}
	return a, -1, apperrors.Wrapf(apperrors.ErrEventNotFound, "event %s is not awaiting approval", eventID)
}

// Approve 将待审批事件移入正常队列，保留原始入队顺序
func (r *Runtime) Approve(agentID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, i, err := r.findPendingLocked(agentID, eventID)
	if err != nil {
		return err
	}
	e := a.pending[i]
	a.pending = append(a.pending[:i], a.pending[i+1:]...)
	if dropped := r.pushLocked(a, e); dropped == e {
		return apperrors.Wrapf(apperrors.ErrQueueFull, "agent %s queue is full", agentID)
	}
	r.log.Info("事件已审批", "agent_id", agentID, "event_id", eventID)
	return nil
}

// Reject 丢弃待审批事件
func (r *Runtime) Reject(agentID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, i, err := r.findPendingLocked(agentID, eventID)
	if err != nil {
		return err
	}
	e := a.pending[i]
	a.pending = append(a.pending[:i], a.pending[i+1:]...)
	r.dropLocked(a, e, "rejected")
	return nil
}

// Cancel 请求取消 Agent 的在途调用，循环在下一个轮次边界以 cancelled 结束
func (r *Runtime) Cancel(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", agentID)
	}
	if a.running == nil {
		return apperrors.Wrapf(apperrors.ErrNotFound, "agent %s has no running invocation", agentID)
	}
	a.running.cancelled.Store(true)
	return nil
}
