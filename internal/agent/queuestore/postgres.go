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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentd/internal/agent/runtime"
)

const schema = `CREATE TABLE IF NOT EXISTS agent_queues (
	agent_id TEXT PRIMARY KEY,
	payload  JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore agent_queues 表，每个 Agent 一行
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接数据库并确保表存在
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create agent_queues: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveQueues 实现 runtime.QueueStore：同一事务内 upsert 快照并删除其余行
func (s *PostgresStore) SaveQueues(ctx context.Context, queues []runtime.PersistedQueue) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids := make([]string, 0, len(queues))
		for _, q := range queues {
			payload, err := json.Marshal(q)
			if err != nil {
				return fmt.Errorf("marshal queue %s: %w", q.AgentID, err)
			}
			savedAt := q.SavedAt
			if savedAt.IsZero() {
				savedAt = time.Now()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO agent_queues (agent_id, payload, saved_at) VALUES ($1, $2, $3)
				 ON CONFLICT (agent_id) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
				q.AgentID, payload, savedAt); err != nil {
				return err
			}
			ids = append(ids, q.AgentID)
		}
		_, err := tx.Exec(ctx, `DELETE FROM agent_queues WHERE NOT (agent_id = ANY($1))`, ids)
		return err
	})
}

// LoadQueues 实现 runtime.QueueStore
func (s *PostgresStore) LoadQueues(ctx context.Context) ([]runtime.PersistedQueue, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM agent_queues ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runtime.PersistedQueue
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var q runtime.PersistedQueue
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
