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

// Package queuestore 提供运行时队列的持久化后端：内存、文件、Redis 与 PostgreSQL。
// 每次 SaveQueues 写入完整快照，不在快照中的 Agent 记录会被清除。
package queuestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentd/internal/agent/runtime"
	"agentd/pkg/config"
)

// Store 可关闭的队列存储
type Store interface {
	runtime.QueueStore
	Close() error
}

// New 根据配置创建存储；未启用持久化时返回 nil
func New(ctx context.Context, cfg config.PersistenceConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.KeyPrefix)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}
}

// MemoryStore 进程内存储，用于测试与不需要跨进程恢复的部署
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]runtime.PersistedQueue
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]runtime.PersistedQueue)}
}

// SaveQueues 实现 runtime.QueueStore
func (m *MemoryStore) SaveQueues(_ context.Context, queues []runtime.PersistedQueue) error {
	next := make(map[string]runtime.PersistedQueue, len(queues))
	for _, q := range queues {
		next[q.AgentID] = copyQueue(q)
	}
	m.mu.Lock()
	m.queues = next
	m.mu.Unlock()
	return nil
}

// LoadQueues 实现 runtime.QueueStore，按 AgentID 排序
func (m *MemoryStore) LoadQueues(context.Context) ([]runtime.PersistedQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runtime.PersistedQueue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, copyQueue(q))
	}
	sortQueues(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyQueue(q runtime.PersistedQueue) runtime.PersistedQueue {
	q.Events = append([]runtime.AgentEvent(nil), q.Events...)
	q.Pending = append([]runtime.AgentEvent(nil), q.Pending...)
	return q
}

func sortQueues(qs []runtime.PersistedQueue) {
	sort.Slice(qs, func(i, j int) bool { return qs[i].AgentID < qs[j].AgentID })
}
