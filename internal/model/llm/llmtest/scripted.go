// Package llmtest 提供确定性的脚本化模型，供 loop 与 runtime 测试使用
package llmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentd/internal/model/llm"
)

// Reply 一次脚本化回复；Err 非空时返回错误，Delay 模拟模型延迟
type Reply struct {
	Content string
	Err     error
	Delay   time.Duration
	Usage   llm.Usage
}

// Text 构造文本回复
func Text(s string) Reply { return Reply{Content: s} }

// ScriptedClient 按顺序返回预设回复，并记录每次请求
type ScriptedClient struct {
	mu       sync.Mutex
	replies  []Reply
	index    int
	requests [][]llm.Message
	// Fallback 脚本耗尽后使用；为 nil 时返回错误
	Fallback func(messages []llm.Message) Reply
}

// NewScriptedClient 创建脚本化客户端
func NewScriptedClient(replies ...Reply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// Chat 实现 llm.Client
func (s *ScriptedClient) Chat(ctx context.Context, messages []llm.Message, _ llm.GenerateOptions) (*llm.Response, error) {
	s.mu.Lock()
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	s.requests = append(s.requests, cp)
	var r Reply
	switch {
	case s.index < len(s.replies):
		r = s.replies[s.index]
		s.index++
	case s.Fallback != nil:
		r = s.Fallback(cp)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted client exhausted after %d replies", len(s.replies))
	}
	s.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Content: r.Content, Usage: r.Usage}, nil
}

// Requests 返回已记录请求的副本
func (s *ScriptedClient) Requests() [][]llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]llm.Message, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls 已发生的调用次数
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *ScriptedClient) Model() string    { return "scripted" }
func (s *ScriptedClient) Provider() string { return "scripted" }
