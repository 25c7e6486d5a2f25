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

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentd/pkg/metrics"
)

// LimitConfig 单个工具的限流配置
type LimitConfig struct {
	QPS           float64 // 每秒请求数限制，<=0 不限
	MaxConcurrent int     // 最大并发数，<=0 不限（仍受全局池约束）
	Burst         int     // 令牌桶容量（可选，默认为 QPS）
}

// RateLimiter 工具维度的限流器，支持 QPS + 并发控制；未配置的工具不限流
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*toolLimiter
}

type toolLimiter struct {
	rateLimiter *rate.Limiter
	semaphore   chan struct{}
}

// NewRateLimiter 创建工具限流器
func NewRateLimiter(configs map[string]LimitConfig) *RateLimiter {
	l := &RateLimiter{limiters: make(map[string]*toolLimiter)}
	for name, cfg := range configs {
		l.Set(name, cfg)
	}
	return l
}

// Set 设置或替换某工具的限流配置
func (l *RateLimiter) Set(toolName string, cfg LimitConfig) {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.QPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	tl := &toolLimiter{}
	if cfg.QPS > 0 {
		tl.rateLimiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}
	if cfg.MaxConcurrent > 0 {
		tl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	l.mu.Lock()
	l.limiters[toolName] = tl
	l.mu.Unlock()
}

func (l *RateLimiter) get(toolName string) *toolLimiter {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiters[toolName]
}

// Wait 等待获取执行许可；成功后必须调用 Release
func (l *RateLimiter) Wait(ctx context.Context, toolName string) error {
	tl := l.get(toolName)
	if tl == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitSeconds.WithLabelValues("tool", toolName).Observe(time.Since(start).Seconds())
	}()
	if tl.rateLimiter != nil {
		if err := tl.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}
	}
	if tl.semaphore != nil {
		select {
		case tl.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release 释放并发 slot（在工具真正返回后调用）
func (l *RateLimiter) Release(toolName string) {
	tl := l.get(toolName)
	if tl == nil || tl.semaphore == nil {
		return
	}
	select {
	case <-tl.semaphore:
	default:
	}
}
