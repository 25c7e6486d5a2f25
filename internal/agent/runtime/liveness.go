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
	"os"
	"path/filepath"
	"time"

	"agentd/internal/storage/cache"
)

// DefaultLivenessKey 缓存存活标记的默认键
const DefaultLivenessKey = "runtime:liveness"

// FileLiveness 把 tick 时间写入文件，供外部探针读取
type FileLiveness struct {
	Path string
}

// Mark 实现 LivenessMarker
func (f FileLiveness) Mark(_ context.Context, now time.Time) error {
	if f.Path == "" {
		return fmt.Errorf("liveness path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(now.UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// ReadFileLiveness 读取存活文件中的时间
func ReadFileLiveness(path string) (time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(b))
}

// CacheLiveness 把 tick 时间写入缓存，TTL 过期即视为失活
type CacheLiveness struct {
	Store cache.Store
	Key   string
	TTL   time.Duration
}

// Mark 实现 LivenessMarker
func (c CacheLiveness) Mark(ctx context.Context, now time.Time) error {
	key := c.Key
	if key == "" {
		key = DefaultLivenessKey
	}
	return c.Store.Set(ctx, key, now.UTC(), c.TTL)
}
