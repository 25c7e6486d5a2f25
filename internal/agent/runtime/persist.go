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
	"time"

	apperrors "agentd/pkg/errors"
	"agentd/pkg/metrics"
)

// PersistedQueue 单个 Agent 的持久化队列：未派发的事件与待审批事件
type PersistedQueue struct {
	AgentID string       `json:"agent_id"`
	Events  []AgentEvent `json:"events"`
	Pending []AgentEvent `json:"pending,omitempty"`
	SavedAt time.Time    `json:"saved_at"`
}

// QueueStore 队列持久化后端
type QueueStore interface {
	SaveQueues(ctx context.Context, queues []PersistedQueue) error
	LoadQueues(ctx context.Context) ([]PersistedQueue, error)
}

// Restore 从 QueueStore 装载队列；已注册的 Agent 立即合并，其余留待 Register 认领
func (r *Runtime) Restore(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	queues, err := r.opts.Store.LoadQueues(ctx)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrPersistence, "load queues: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, pq := range queues {
		for _, e := range pq.Events {
			if e.Seq > r.seq {
				r.seq = e.Seq
			}
		}
		for _, e := range pq.Pending {
			if e.Seq > r.seq {
				r.seq = e.Seq
			}
		}
		total += len(pq.Events) + len(pq.Pending)
		if a, ok := r.agents[pq.AgentID]; ok {
			r.loadPersisted(a, pq)
			metrics.RuntimeQueueDepth.WithLabelValues(pq.AgentID).Set(float64(a.queue.Len()))
			continue
		}
		r.restored[pq.AgentID] = pq
	}
	r.log.Info("队列已恢复", "agents", len(queues), "events", total)
	return nil
}

func (r *Runtime) loadPersisted(a *agentState, pq PersistedQueue) {
	events := make([]*AgentEvent, 0, len(pq.Events))
	for i := range pq.Events {
		e := pq.Events[i].clone()
		e.AgentID = a.cfg.ID
		e.Status = StatusActive
		events = append(events, e)
	}
	a.queue.restore(events)
	for i := range pq.Pending {
		e := pq.Pending[i].clone()
		e.AgentID = a.cfg.ID
		e.Status = StatusPendingApproval
		a.pending = append(a.pending, e)
	}
}

// Persist 保存所有 Agent 的队列（含空队列）以及尚未被认领的已恢复队列
func (r *Runtime) Persist(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	r.mu.Lock()
	now := r.now()
	queues := make([]PersistedQueue, 0, len(r.agents)+len(r.restored))
	total := 0
	for _, id := range r.sortedIDsLocked() {
		a := r.agents[id]
		pq := PersistedQueue{AgentID: id, Events: a.queue.Items(), SavedAt: now}
		for _, e := range a.pending {
			pq.Pending = append(pq.Pending, *e.clone())
		}
		total += len(pq.Events) + len(pq.Pending)
		queues = append(queues, pq)
	}
	for _, pq := range r.restored {
		pq.SavedAt = now
		queues = append(queues, pq)
	}
	r.mu.Unlock()

	if err := r.opts.Store.SaveQueues(ctx, queues); err != nil {
		return apperrors.Wrapf(apperrors.ErrPersistence, "save queues: %v", err)
	}
	r.log.Info("队列已持久化", "agents", len(queues), "events", total)
	return nil
}
