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

package queuestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agentd/internal/agent/runtime"
)

// DefaultKeyPrefix Redis 键前缀
const DefaultKeyPrefix = "agentd:queue:"

// RedisStore 每个 Agent 一个字符串键，另有一个集合记录所有 Agent
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并 Ping
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient 复用已有连接
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) indexKey() string          { return s.prefix + "agents" }
func (s *RedisStore) agentKey(id string) string { return s.prefix + "agent:" + id }

// SaveQueues 实现 runtime.QueueStore，在一个 MULTI 中替换全部记录
func (s *RedisStore) SaveQueues(ctx context.Context, queues []runtime.PersistedQueue) error {
	old, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	payloads := make(map[string][]byte, len(queues))
	for _, q := range queues {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal queue %s: %w", q.AgentID, err)
		}
		payloads[q.AgentID] = data
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range old {
			if _, ok := payloads[id]; !ok {
				p.Del(ctx, s.agentKey(id))
			}
		}
		p.Del(ctx, s.indexKey())
		for id, data := range payloads {
			p.Set(ctx, s.agentKey(id), data, 0)
			p.SAdd(ctx, s.indexKey(), id)
		}
		return nil
	})
	return err
}

// LoadQueues 实现 runtime.QueueStore
func (s *RedisStore) LoadQueues(ctx context.Context) ([]runtime.PersistedQueue, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]runtime.PersistedQueue, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var q runtime.PersistedQueue
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("decode queue %s: %w", id, err)
		}
		out = append(out, q)
	}
	sortQueues(out)
	return out, nil
}

// Close 关闭连接
func (s *RedisStore) Close() error { return s.client.Close() }
