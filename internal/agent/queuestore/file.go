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
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"agentd/internal/agent/runtime"
)

const fileSuffix = ".queue.json"

// FileStore 每个 Agent 一个 JSON 文件，写临时文件后 rename 保证原子替换
type FileStore struct {
	dir string
}

// NewFileStore 创建目录并返回存储
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("queue store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Agent ID 可能含路径分隔符，文件名做转义
func (s *FileStore) path(agentID string) string {
	return filepath.Join(s.dir, url.PathEscape(agentID)+fileSuffix)
}

// SaveQueues 实现 runtime.QueueStore
func (s *FileStore) SaveQueues(_ context.Context, queues []runtime.PersistedQueue) error {
	keep := make(map[string]bool, len(queues))
	for _, q := range queues {
		data, err := json.MarshalIndent(q, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal queue %s: %w", q.AgentID, err)
		}
		p := s.path(q.AgentID)
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, p); err != nil {
			return err
		}
		keep[filepath.Base(p)] = true
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) || keep[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// LoadQueues 实现 runtime.QueueStore；目录不存在视为空
func (s *FileStore) LoadQueues(context.Context) ([]runtime.PersistedQueue, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []runtime.PersistedQueue
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var q runtime.PersistedQueue
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		out = append(out, q)
	}
	sortQueues(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
