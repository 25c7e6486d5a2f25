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

package llm

import (
	"context"
	"time"

	"agentd/pkg/metrics"
)

// RateLimitedClient 包装任意 LLM Client，在真实调用前后执行限流控制，并补全缺失的 usage
type RateLimitedClient struct {
	inner       Client
	rateLimiter *LLMRateLimiter
	counter     *TokenCounter
}

// NewRateLimitedClient 创建带限流的 LLM 客户端。rateLimiter 为 nil 时只做用量统计。
func NewRateLimitedClient(inner Client, rateLimiter *LLMRateLimiter) *RateLimitedClient {
	return &RateLimitedClient{inner: inner, rateLimiter: rateLimiter, counter: DefaultTokenCounter}
}

// Chat 实现 Client，调用前后执行限流
func (c *RateLimitedClient) Chat(ctx context.Context, messages []Message, options GenerateOptions) (*Response, error) {
	provider := c.inner.Provider()
	if c.rateLimiter != nil {
		estimated := c.counter.CountMessages(messages) + options.MaxTokens
		start := time.Now()
		if err := c.rateLimiter.Wait(ctx, provider, estimated); err != nil {
			return nil, err
		}
		if waited := time.Since(start); waited > 100*time.Millisecond {
			metrics.RateLimitWaitSeconds.WithLabelValues("llm", provider).Observe(waited.Seconds())
		}
		defer c.rateLimiter.Release(provider)
	}

	resp, err := c.inner.Chat(ctx, messages, options)
	if err != nil {
		return nil, err
	}
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = c.counter.CountMessages(messages)
	}
	if resp.Usage.CompletionTokens == 0 {
		resp.Usage.CompletionTokens = c.counter.Count(resp.Content)
	}
	c.rateLimiter.RecordTokenUsage(provider, resp.Usage.PromptTokens+resp.Usage.CompletionTokens)
	return resp, nil
}

// Model 返回底层 Client 的模型名称
func (c *RateLimitedClient) Model() string { return c.inner.Model() }

// Provider 返回底层 Client 的提供商名称
func (c *RateLimitedClient) Provider() string { return c.inner.Provider() }
