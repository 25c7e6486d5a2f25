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

import "sort"

// DefaultQueueSize 每个 Agent 队列的默认上限
const DefaultQueueSize = 20

// EventQueue 有界优先队列：按优先级降序、同优先级按 Seq 升序。
// 非并发安全，由 Runtime 的锁保护。
type EventQueue struct {
	items []*AgentEvent
	limit int
}

// NewEventQueue 创建队列；limit<=0 使用默认值
func NewEventQueue(limit int) *EventQueue {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &EventQueue{limit: limit}
}

func less(a, b *AgentEvent) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Push 插入事件；超过上限时丢弃最低优先级中最早入队的事件并返回它（可能就是 e 本身）
func (q *EventQueue) Push(e *AgentEvent) (dropped *AgentEvent) {
	i := sort.Search(len(q.items), func(i int) bool { return less(e, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
	if len(q.items) <= q.limit {
		return nil
	}
	// 末尾是最低优先级段，段首是该段最早入队的事件
	lowest := q.items[len(q.items)-1].Priority
	v := len(q.items) - 1
	for v > 0 && q.items[v-1].Priority == lowest {
		v--
	}
	dropped = q.items[v]
	q.items = append(q.items[:v], q.items[v+1:]...)
	return dropped
}

// Pop 取出最高优先级、最早入队的事件
func (q *EventQueue) Pop() *AgentEvent {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e
}

// Peek 查看队首
func (q *EventQueue) Peek() *AgentEvent {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len 队列长度
func (q *EventQueue) Len() int { return len(q.items) }

// Limit 队列上限
func (q *EventQueue) Limit() int { return q.limit }

// Remove 按 ID 移除
func (q *EventQueue) Remove(id string) *AgentEvent {
	for i, e := range q.items {
		if e.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e
		}
	}
	return nil
}

// Contains 队列中是否存在满足条件的事件
func (q *EventQueue) Contains(match func(*AgentEvent) bool) bool {
	for _, e := range q.items {
		if match(e) {
			return true
		}
	}
	return false
}

// Items 按调度顺序返回事件副本
func (q *EventQueue) Items() []AgentEvent {
	out := make([]AgentEvent, len(q.items))
	for i, e := range q.items {
		out[i] = *e.clone()
	}
	return out
}

// Drain 清空并返回所有事件
func (q *EventQueue) Drain() []*AgentEvent {
	out := q.items
	q.items = nil
	return out
}

// restore 原样装载持久化的事件，与现有事件合并排序，不做上限裁剪
func (q *EventQueue) restore(events []*AgentEvent) {
	q.items = append(q.items, events...)
	sort.SliceStable(q.items, func(i, j int) bool { return less(q.items[i], q.items[j]) })
}
