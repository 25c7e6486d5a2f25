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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"agentd/internal/tool"
	apperrors "agentd/pkg/errors"
	"agentd/pkg/log"
	"agentd/pkg/metrics"
	"agentd/pkg/secrets"
	"agentd/pkg/tracing"
)

const (
	DefaultWorkers        = 4
	DefaultMaxOutputBytes = 100 * 1024
	DefaultTimeout        = 30 * time.Second
)

// Options Registry 配置
type Options struct {
	Workers        int           // 全局工具执行池大小
	MaxOutputBytes int           // 单次输出上限（含截断提示）
	DefaultTimeout time.Duration // 调用方未指定超时时使用
	Secrets        secrets.Store
	// Credentials 配置层追加的凭证绑定，按工具名
	Credentials map[string][]tool.Credential
	RateLimiter *RateLimiter
	Logger      *log.Logger
}

type entry struct {
	tool      tool.Tool
	validator *tool.Validator
	creds     []tool.Credential
	visible   tool.Schema
}

// Registry 工具注册表：注册、发现、校验与有界并发执行
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry

	opts Options
	pool *semaphore.Weighted
	busy atomic.Int64
	log  *log.Logger
}

// New 创建新的 ToolRegistry
func New(opts Options) *Registry {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Registry{
		tools: make(map[string]*entry),
		opts:  opts,
		pool:  semaphore.NewWeighted(int64(opts.Workers)),
		log:   log.OrDefault(opts.Logger),
	}
}

// Register 注册工具；重名或 Schema 无法编译时报错
func (r *Registry) Register(t tool.Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("%w: tool name is empty", apperrors.ErrInvalidArg)
	}
	var creds []tool.Credential
	if ct, ok := t.(tool.CredentialedTool); ok {
		creds = append(creds, ct.Credentials()...)
	}
	creds = append(creds, r.opts.Credentials[name]...)
	hidden := make([]string, 0, len(creds))
	for _, c := range creds {
		hidden = append(hidden, c.Param)
	}
	visible := t.Schema().Without(hidden...)
	v, err := tool.CompileSchema(name, visible)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", apperrors.ErrToolExists, name)
	}
	r.tools[name] = &entry{tool: t, validator: v, creds: creds, visible: visible}
	return nil
}

// MustRegister 注册失败时 panic，用于启动期内置工具
func (r *Registry) MustRegister(t tool.Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get 按名称获取工具
func (r *Registry) Get(name string) (tool.Tool, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Names 返回按名称排序的工具名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List 返回所有已注册工具（按名称排序）
func (r *Registry) List() []tool.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]tool.Tool, 0, len(names))
	for _, n := range names {
		list = append(list, r.tools[n].tool)
	}
	return list
}

// Has 工具是否存在
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Hints 返回工具名 + 一行提示；names 为空时返回全部，否则按给定顺序、忽略未知名称
func (r *Registry) Hints(names ...string) []tool.Hint {
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]tool.Hint, 0, len(names))
	for _, n := range names {
		if e, ok := r.lookup(n); ok {
			out = append(out, tool.HintFor(e.tool))
		}
	}
	return out
}

// Definition 单个工具的完整定义，凭证参数已隐藏
func (r *Registry) Definition(name string) (tool.Definition, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return tool.Definition{}, false
	}
	return tool.Definition{Name: name, Description: e.tool.Description(), Parameters: e.visible}, true
}

// SchemasForLLM 返回所有工具的完整定义（API 列表与调试使用）
func (r *Registry) SchemasForLLM() ([]byte, error) {
	names := r.Names()
	list := make([]tool.Definition, 0, len(names))
	for _, n := range names {
		if d, ok := r.Definition(n); ok {
			list = append(list, d)
		}
	}
	return json.Marshal(list)
}

// Validate 依据 Schema 校验模型给出的参数；模型提供的凭证参数会被丢弃
func (r *Registry) Validate(name string, params map[string]any) (map[string]any, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, name)
	}
	clean := make(map[string]any, len(params))
	for k, v := range params {
		clean[k] = v
	}
	for _, c := range e.creds {
		delete(clean, c.Param)
	}
	return e.validator.Validate(clean)
}

// Busy 当前占用池的工具调用数
func (r *Registry) Busy() int {
	return int(r.busy.Load())
}

type outcome struct {
	res tool.Result
	err error
}

// Execute 在有界池中执行工具。所有失败都以 Result{Success:false} 返回：
// 未知工具、凭证缺失、超时、panic 和工具自身错误。超时后调用方立即拿到失败结果，
// 工具的 ctx 被取消，池 slot 直到工具真正返回才释放。
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) tool.Result {
	e, ok := r.lookup(name)
	if !ok {
		metrics.ToolCallsTotal.WithLabelValues("unknown", "invalid").Inc()
		return tool.Fail("unknown tool %q", name)
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	callID := uuid.NewString()
	ctx, span := tracing.StartToolSpan(ctx, name, callID)
	defer span.End()

	start := time.Now()
	res := r.execute(ctx, e, name, params, timeout)
	elapsed := time.Since(start)

	res = r.truncate(name, res)
	res = res.WithMetadata("call_id", callID).WithMetadata("latency_ms", elapsed.Milliseconds())

	outcomeLabel := "success"
	if !res.Success {
		outcomeLabel = "failure"
		if timedOut, _ := res.Metadata["timed_out"].(bool); timedOut {
			outcomeLabel = "timeout"
		}
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Bool("tool.success", res.Success))
	metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	metrics.ToolCallsTotal.WithLabelValues(name, outcomeLabel).Inc()
	return res
}

func (r *Registry) execute(ctx context.Context, e *entry, name string, params map[string]any, timeout time.Duration) tool.Result {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := make(map[string]any, len(params)+len(e.creds))
	for k, v := range params {
		input[k] = v
	}
	for _, c := range e.creds {
		if r.opts.Secrets == nil {
			return tool.Fail("credential %s for tool %s unavailable: no secret store configured", c.Secret, name)
		}
		val, err := r.opts.Secrets.Get(callCtx, c.Secret)
		if err != nil {
			r.log.Warn("工具凭证绑定失败", "tool", name, "secret", c.Secret, "error", err)
			return tool.Fail("credential %s for tool %s unavailable", c.Secret, name)
		}
		input[c.Param] = val
	}

	if err := r.opts.RateLimiter.Wait(callCtx, name); err != nil {
		return r.waitFailure(ctx, name, timeout, err)
	}
	if err := r.pool.Acquire(callCtx, 1); err != nil {
		r.opts.RateLimiter.Release(name)
		return r.waitFailure(ctx, name, timeout, err)
	}
	r.busy.Add(1)
	metrics.ToolSlotsBusy.Set(float64(r.busy.Load()))

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			r.busy.Add(-1)
			r.pool.Release(1)
			r.opts.RateLimiter.Release(name)
			if p := recover(); p != nil {
				r.log.Error("工具执行 panic", "tool", name, "panic", p)
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := e.tool.Execute(callCtx, input)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return tool.Fail("%v", o.err)
		}
		if !o.res.Success && o.res.Error == "" {
			o.res.Error = "tool reported failure"
		}
		return o.res
	case <-callCtx.Done():
		return r.waitFailure(ctx, name, timeout, callCtx.Err())
	}
}

func (r *Registry) waitFailure(parent context.Context, name string, timeout time.Duration, err error) tool.Result {
	if parent.Err() != nil {
		return tool.Fail("tool %s cancelled: %v", name, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		r.log.Warn("工具执行超时", "tool", name, "timeout", timeout)
		return tool.Fail("tool %s timed out after %s", name, timeout).WithMetadata("timed_out", true)
	}
	return tool.Fail("tool %s not started: %v", name, err)
}

// truncate 输出超限时按 UTF-8 边界截断并追加提示，总长度不超过上限
func (r *Registry) truncate(name string, res tool.Result) tool.Result {
	limit := r.opts.MaxOutputBytes
	if len(res.Output) <= limit {
		return res
	}
	metrics.ToolOutputTruncatedTotal.WithLabelValues(name).Inc()
	res.Output = Truncate(res.Output, limit)
	return res.WithMetadata("truncated", true)
}

// Truncate 将 s 截断到不超过 limit 字节，包括追加的提示
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	total := len(s)
	keep := limit
	var notice string
	// 提示长度依赖 keep 的位数，两轮即可收敛
	for i := 0; i < 2; i++ {
		notice = fmt.Sprintf("\n[output truncated: showing %d of %d bytes]", keep, total)
		keep = limit - len(notice)
		if keep < 0 {
			keep = 0
		}
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	notice = fmt.Sprintf("\n[output truncated: showing %d of %d bytes]", keep, total)
	out := s[:keep] + notice
	if len(out) > limit {
		return out[:limit]
	}
	return out
}
