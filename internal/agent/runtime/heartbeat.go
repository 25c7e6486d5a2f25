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
	"hash/fnv"
	"time"

	"agentd/pkg/metrics"
)

// HeartbeatOffset 由 Agent ID 的 FNV-1a 哈希得到的确定性错峰偏移，取值 [0, interval)
func HeartbeatOffset(agentID string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	return time.Duration(h.Sum64() % uint64(interval))
}

// scheduleHeartbeat 首次心跳安排在 now + 偏移
func (r *Runtime) scheduleHeartbeat(a *agentState, now time.Time) {
	if a.hbInterval <= 0 {
		a.hbNext = time.Time{}
		return
	}
	a.hbNext = now.Add(HeartbeatOffset(a.cfg.ID, a.hbInterval))
}

// fireHeartbeats 为到期的活跃 Agent 追加 LOW 心跳事件；队列中已有未处理的心跳时只顺延不重复追加
func (r *Runtime) fireHeartbeats(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedIDsLocked() {
		a := r.agents[id]
		if !a.active || a.hbInterval <= 0 || now.Before(a.hbNext) {
			continue
		}
		a.hbNext = a.hbNext.Add(a.hbInterval)
		if !a.hbNext.After(now) {
			a.hbNext = now.Add(a.hbInterval)
		}
		if a.queue.Contains(func(e *AgentEvent) bool { return e.Source == SourceHeartbeat }) {
			continue
		}
		e, dropped := r.enqueueLocked(a, EventSpec{
			Message:    a.hbMessage,
			Source:     SourceHeartbeat,
			SessionKey: id + ":heartbeat",
		})
		if dropped == e {
			continue
		}
		a.hbLast = now
		a.metrics.HeartbeatsFired++
		metrics.RuntimeHeartbeatsTotal.Inc()
	}
}

// enqueueDueTasks 把到期的定时任务转为 NORMAL 事件
func (r *Runtime) enqueueDueTasks(ctx context.Context, now time.Time) {
	if r.opts.Tasks == nil {
		return
	}
	due, err := r.opts.Tasks.Due(ctx, now)
	if err != nil {
		r.log.Warn("读取到期任务失败", "error", err)
		return
	}
	for _, t := range due {
		_, err := r.Enqueue(ctx, t.AgentID, EventSpec{
			Message:    t.Message,
			Source:     TaskSourceTag(t.ID),
			SessionKey: t.SessionKey,
			Metadata:   map[string]any{"task_id": t.ID},
		})
		if err != nil {
			r.log.Warn("定时任务入队失败", "task_id", t.ID, "agent_id", t.AgentID, "error", err)
		}
	}
}
