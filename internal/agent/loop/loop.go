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

// Package loop 实现单次 Agent 调用的有界执行循环。
// 每轮分推理与参数两个阶段：推理阶段只看到任务、原子状态和工具目录，
// 参数阶段只看到所选工具的一份完整 Schema。执行轨迹只用于观测，不回送模型。
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentd/internal/agent/loopdetect"
	"agentd/internal/model/llm"
	"agentd/internal/tool"
	"agentd/pkg/log"
	"agentd/pkg/metrics"
	"agentd/pkg/tracing"
)

// 默认值
const (
	DefaultMaxTurns               = 20
	DefaultTimeout                = 600 * time.Second
	DefaultToolTimeout            = 30 * time.Second
	DefaultModelRetries           = 2
	DefaultMaxConsecutiveFailures = 3
	DefaultMaxToolFailures        = 5
	DefaultNoProgressTurns        = 3

	maxGuidanceRunes = 1000
	maxAdvisoryRunes = 1000
)

// Config 循环配置，零值字段使用默认值
type Config struct {
	MaxTurns    int
	Timeout     time.Duration
	ToolTimeout time.Duration
	// ModelRetries 每个阶段在模型调用失败或输出无法解析时的重试次数，负数表示不重试
	ModelRetries           int
	MaxConsecutiveFailures int
	// MaxToolFailures 连续工具失败上限
	MaxToolFailures int
	// NoProgressTurns 连续无进展轮数达到该值时调用反思钩子
	NoProgressTurns int
	Instructions    string
	Detector        loopdetect.Config
	Generate        llm.GenerateOptions
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.ModelRetries < 0 {
		c.ModelRetries = 0
	} else if c.ModelRetries == 0 {
		c.ModelRetries = DefaultModelRetries
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.MaxToolFailures <= 0 {
		c.MaxToolFailures = DefaultMaxToolFailures
	}
	if c.NoProgressTurns <= 0 {
		c.NoProgressTurns = DefaultNoProgressTurns
	}
	return c
}

// Executor 循环所需的工具能力，*registry.Registry 满足该接口
type Executor interface {
	Hints(names ...string) []tool.Hint
	Definition(name string) (tool.Definition, bool)
	Validate(name string, params map[string]any) (map[string]any, error)
	Execute(ctx context.Context, name string, params map[string]any, timeout time.Duration) tool.Result
}

// Request 一次调用
type Request struct {
	Task string
	// Tools 允许使用的工具，空表示全部
	Tools []string
	// Seed 初始状态，不会被修改
	Seed     *AtomicState
	MaxTurns int
	Timeout  time.Duration
	// CancelCheck 每轮前后轮询，返回 true 时以 cancelled 结束
	CancelCheck  func() bool
	SessionKey   string
	Instructions string
	// Hooks 覆盖 Loop 级钩子
	Hooks Hooks
}

// Option Loop 选项
type Option func(*Loop)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(lp *Loop) { lp.log = log.OrDefault(l) }
}

// WithHooks 设置默认钩子
func WithHooks(h Hooks) Option {
	return func(lp *Loop) { lp.hooks = h }
}

// WithTokenCounter 设置 usage 缺失时的 token 估算器
func WithTokenCounter(c *llm.TokenCounter) Option {
	return func(lp *Loop) {
		if c != nil {
			lp.counter = c
		}
	}
}

// Loop 执行循环，无调用间状态，可被多个 goroutine 并发使用
type Loop struct {
	model    llm.Client
	tools    Executor
	cfg      Config
	detector *loopdetect.Detector
	hooks    Hooks
	counter  *llm.TokenCounter
	log      *log.Logger
}

// New 创建执行循环
func New(model llm.Client, tools Executor, cfg Config, opts ...Option) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		model:    model,
		tools:    tools,
		cfg:      cfg,
		detector: loopdetect.New(cfg.Detector),
		counter:  llm.DefaultTokenCounter,
		log:      log.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config 返回生效的配置
func (l *Loop) Config() Config { return l.cfg }

// run 单次 Execute 的可变状态
type run struct {
	l        *Loop
	req      Request
	parent   context.Context
	ctx      context.Context
	deadline time.Time
	maxTurns int
	hooks    Hooks
	allowed  map[string]bool
	log      *log.Logger

	state   *AtomicState
	result  *LoopResult
	calls   []loopdetect.Call
	last    *exchange
	notes   []string
	guide   string
	started time.Time

	failedTurns  int
	toolFailures int
	noProgress   int
	lastError    string
	lastResponse string
}

// Execute 运行循环直到某个终止条件成立。所有失败都归类为退出状态，不返回 error。
func (l *Loop) Execute(ctx context.Context, req Request) *LoopResult {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = l.cfg.MaxTurns
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}
	started := time.Now()
	deadline := started.Add(timeout)

	ctx, span := tracing.StartLoopSpan(ctx, req.SessionKey, maxTurns)
	defer span.End()
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	state := NewAtomicState()
	if req.Seed != nil {
		state = req.Seed.Clone()
		state.Normalize()
	}
	var allowed map[string]bool
	if len(req.Tools) > 0 {
		allowed = make(map[string]bool, len(req.Tools))
		for _, n := range req.Tools {
			allowed[n] = true
		}
	}
	r := &run{
		l:        l,
		req:      req,
		parent:   ctx,
		ctx:      runCtx,
		deadline: deadline,
		maxTurns: maxTurns,
		hooks:    req.Hooks.merge(l.hooks),
		allowed:  allowed,
		log:      l.log.With("session_key", req.SessionKey),
		state:    state,
		result:   &LoopResult{Trace: []Turn{}},
		started:  started,
	}

	res := r.loop()
	span.SetAttributes(
		attribute.String("loop.exit_state", string(res.Status)),
		attribute.Int("loop.turns", res.Metrics.Turns),
	)
	if !res.Status.Succeeded() {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

func (r *run) loop() *LoopResult {
	for {
		if st, reason, ok := r.preTurn(); ok {
			return r.finish(st, reason, "")
		}
		t := r.turn(len(r.result.Trace) + 1)
		r.result.Trace = append(r.result.Trace, t)
		if st, reason, ok := r.postTurn(t); ok {
			resp := ""
			if st == ExitCompleted {
				resp = r.lastResponse
			}
			return r.finish(st, reason, resp)
		}
	}
}

func (r *run) cancelled() bool {
	if r.req.CancelCheck != nil && r.req.CancelCheck() {
		return true
	}
	return errors.Is(r.parent.Err(), context.Canceled)
}

func (r *run) timedOut() bool {
	return r.ctx.Err() != nil || !time.Now().Before(r.deadline)
}

// preTurn 每轮开始前：cancelled → timeout → max_turns
func (r *run) preTurn() (ExitState, string, bool) {
	if r.cancelled() {
		return ExitCancelled, "cancelled before turn", true
	}
	if r.timedOut() {
		return ExitTimeout, fmt.Sprintf("loop timed out after %s", time.Since(r.started).Round(time.Millisecond)), true
	}
	if len(r.result.Trace) >= r.maxTurns {
		return ExitMaxTurns, fmt.Sprintf("reached max turns (%d)", r.maxTurns), true
	}
	return "", "", false
}

// postTurn 每轮结束后：cancelled → timeout → loop_detected → 反思 escalate/terminate →
// 连续失败 → completed → max_turns
func (r *run) postTurn(t Turn) (ExitState, string, bool) {
	if r.cancelled() {
		return ExitCancelled, "cancelled", true
	}
	if r.timedOut() {
		return ExitTimeout, fmt.Sprintf("loop timed out after %s", time.Since(r.started).Round(time.Millisecond)), true
	}
	if v := r.l.detector.Check(r.calls); v.Detected {
		r.result.Loop = &v
		return ExitLoopDetected, v.Reason(), true
	}
	if st, reason, ok := r.reflect(t); ok {
		return st, reason, true
	}
	if r.failedTurns >= r.l.cfg.MaxConsecutiveFailures {
		return ExitError, fmt.Sprintf("%d consecutive failed turns: %s", r.failedTurns, r.lastError), true
	}
	if r.toolFailures >= r.l.cfg.MaxToolFailures {
		return ExitError, fmt.Sprintf("%d consecutive tool failures: %s", r.toolFailures, r.lastError), true
	}
	if t.Done {
		return ExitCompleted, "", true
	}
	if len(r.result.Trace) >= r.maxTurns {
		return ExitMaxTurns, fmt.Sprintf("reached max turns (%d)", r.maxTurns), true
	}
	return "", "", false
}

func (r *run) reflect(t Turn) (ExitState, string, bool) {
	if t.Progressed() {
		r.noProgress = 0
		return "", "", false
	}
	r.noProgress++
	if r.hooks.Reflector == nil || r.noProgress < r.l.cfg.NoProgressTurns {
		return "", "", false
	}
	n := r.noProgress
	r.noProgress = 0
	trace := r.result.Trace
	tail := append([]Turn(nil), trace[max(0, len(trace)-n):]...)
	d := r.hooks.Reflector.MaybeReflect(r.ctx, tail)
	if d == nil {
		return "", "", false
	}
	d.Turn = t.Number
	r.result.Reflections = append(r.result.Reflections, *d)
	r.log.Info("反思决策", "turn", t.Number, "action", d.Action, "reason", d.Reason)
	switch d.Action {
	case ReflectAdjust, ReflectPivot:
		g := d.Guidance
		if g == "" {
			g = d.Reason
		}
		r.guide = clip(g, maxGuidanceRunes)
	case ReflectTerminate:
		return ExitError, "reflection terminated the run: " + d.Reason, true
	case ReflectEscalate:
		return ExitEscalationNeeded, d.Reason, true
	}
	return "", "", false
}

func (r *run) finish(st ExitState, reason, response string) *LoopResult {
	res := r.result
	res.Status = st
	res.Reason = reason
	res.Response = response
	res.State = r.state
	res.Metrics.Turns = len(res.Trace)
	res.Metrics.Duration = time.Since(r.started)

	metrics.LoopRunsTotal.WithLabelValues(string(st)).Inc()
	metrics.LoopTurns.Observe(float64(res.Metrics.Turns))
	metrics.LoopDuration.Observe(res.Metrics.Duration.Seconds())
	metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(res.Metrics.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(res.Metrics.OutputTokens))

	r.log.Info("执行循环结束", "exit_state", st, "turns", res.Metrics.Turns, "reason", reason,
		"duration", res.Metrics.Duration)
	return res
}

// turn 执行一轮；本轮的所有失败都记录在返回的 Turn 上
func (r *run) turn(n int) (t Turn) {
	ctx, span := tracing.StartTurnSpan(r.ctx, n)
	defer span.End()
	t = Turn{Number: n, StartedAt: time.Now(), PlanStep: r.state.CurrentStep}
	defer func() {
		t.Duration = time.Since(t.StartedAt)
		r.result.Metrics.InputTokens += t.Tokens.Input
		r.result.Metrics.OutputTokens += t.Tokens.Output
		if t.Failed {
			r.failedTurns++
			r.lastError = t.Error
			r.state.SetError(t.Error)
			span.SetStatus(codes.Error, t.Error)
		} else {
			r.failedTurns = 0
		}
		span.SetAttributes(attribute.Int("turn.new_steps", t.NewSteps), attribute.Bool("turn.done", t.Done))
	}()

	notes := r.notes
	r.notes = nil
	msgs := buildReasoningMessages(r.instructions(), r.reasoningContext(n, notes), r.last)
	var d Decision
	text, err := r.chat(ctx, &t, msgs, func(s string) error {
		var perr error
		d, perr = ParseDecision(s)
		return perr
	})
	t.ModelText = text
	if err != nil {
		t.Failed = true
		t.Error = "reasoning phase failed: " + err.Error()
		return t
	}
	t.Analysis = d.Analysis
	t.NewSteps = r.state.Apply(d.StateUpdate)

	if d.Tool != "" {
		if d.Done {
			r.notes = append(r.notes, "done was ignored because a tool was also selected; finish in a later turn")
		}
		r.callTool(ctx, &t, d)
	} else {
		r.last = nil
		if d.Done {
			if len(r.state.PendingActions) > 0 {
				r.notes = append(r.notes, fmt.Sprintf(
					"done was rejected: pending_actions is not empty (%s); complete or clear them first",
					strings.Join(r.state.PendingActions, "; ")))
			} else {
				t.Done = true
				r.lastResponse = d.Response
				if r.lastResponse == "" {
					r.lastResponse = d.Analysis
				}
			}
		}
	}
	if t.Failed {
		return t
	}
	if !t.ToolFailed() {
		r.state.ClearError()
	}
	r.advancePlan(ctx, &t)
	return t
}

func (r *run) instructions() string {
	if r.req.Instructions != "" {
		return r.req.Instructions
	}
	return r.l.cfg.Instructions
}

func (r *run) reasoningContext(n int, notes []string) reasoningContext {
	rc := reasoningContext{
		Task:     r.req.Task,
		Turn:     n,
		MaxTurns: r.maxTurns,
		State:    r.state,
		Tools:    r.l.tools.Hints(r.req.Tools...),
		Guidance: r.guide,
		Notes:    notes,
	}
	if rc.Tools == nil {
		rc.Tools = []tool.Hint{}
	}
	if r.hooks.Planner != nil {
		rc.Plan = r.hooks.Planner.PlanContext()
	}
	if r.hooks.Learner != nil {
		rc.Advisory = clip(r.hooks.Learner.Advisory(), maxAdvisoryRunes)
	}
	return rc
}

// chat 调用模型并解析，失败时最多重试 ModelRetries 次
func (r *run) chat(ctx context.Context, t *Turn, msgs []llm.Message, parse func(string) error) (string, error) {
	var lastErr error
	var text string
	for attempt := 0; attempt <= r.l.cfg.ModelRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			break
		}
		r.result.Metrics.ModelCalls++
		resp, err := r.l.model.Chat(ctx, msgs, r.l.cfg.Generate)
		if err != nil {
			lastErr = err
			r.log.Warn("模型调用失败", "turn", t.Number, "attempt", attempt+1, "error", err)
			continue
		}
		t.Tokens.Add(r.usage(msgs, resp))
		text = resp.Content
		if err := parse(text); err != nil {
			lastErr = err
			r.log.Warn("模型输出无法解析", "turn", t.Number, "attempt", attempt+1, "error", err)
			msgs = retryMessages(msgs, text, err)
			continue
		}
		return text, nil
	}
	return text, lastErr
}

func (r *run) usage(msgs []llm.Message, resp *llm.Response) TokenUsage {
	u := TokenUsage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
	if u.Input == 0 {
		u.Input = r.l.counter.CountMessages(msgs)
	}
	if u.Output == 0 {
		u.Output = r.l.counter.Count(resp.Content)
	}
	return u
}

// callTool 参数阶段 + 校验 + 执行；失败结果作为反馈进入下一轮推理
func (r *run) callTool(ctx context.Context, t *Turn, d Decision) {
	call := ToolCall{Tool: d.Tool, Intent: d.Intent}
	def, ok := r.l.tools.Definition(d.Tool)
	if !ok || (r.allowed != nil && !r.allowed[d.Tool]) {
		names := make([]string, 0)
		for _, h := range r.l.tools.Hints(r.req.Tools...) {
			names = append(names, h.Name)
		}
		call.Result = tool.Fail("unknown tool %q; available tools: %s", d.Tool, strings.Join(names, ", "))
		r.record(ctx, t, call)
		return
	}

	declared := make(map[string]bool, len(def.Parameters.Properties))
	for k := range def.Parameters.Properties {
		declared[k] = true
	}
	msgs := buildParameterMessages(r.instructions(), parameterContext{
		Intent:    d.Intent,
		Variables: r.state.Variables,
		Tool:      def,
	})
	var params map[string]any
	text, err := r.chat(ctx, t, msgs, func(s string) error {
		var perr error
		params, perr = ParseParams(s, declared)
		return perr
	})
	if err != nil {
		t.Failed = true
		t.Error = fmt.Sprintf("parameter phase for %s failed: %v", d.Tool, err)
		if t.ModelText != "" {
			t.ModelText += "\n"
		}
		t.ModelText += text
		r.last = nil
		return
	}
	call.Params = params

	valid, err := r.l.tools.Validate(d.Tool, params)
	if err != nil {
		call.Result = tool.Fail("invalid parameters for %s: %v", d.Tool, err)
		r.record(ctx, t, call)
		return
	}
	call.Params = valid

	timeout := r.l.cfg.ToolTimeout
	if remaining := time.Until(r.deadline); remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		call.Result = tool.Fail("tool %s not started: loop deadline reached", d.Tool)
		r.record(ctx, t, call)
		return
	}
	call.Executed = true
	start := time.Now()
	call.Result = r.l.tools.Execute(ctx, d.Tool, valid, timeout)
	call.Latency = time.Since(start)
	if id, ok := call.Result.Metadata["call_id"].(string); ok {
		call.ID = id
	}
	r.record(ctx, t, call)
}

func (r *run) record(ctx context.Context, t *Turn, call ToolCall) {
	t.ToolCalls = append(t.ToolCalls, call)
	r.calls = append(r.calls, loopdetect.Call{Tool: call.Tool, Params: call.Params})
	r.result.Metrics.ToolCalls++
	r.last = &exchange{Tool: call.Tool, Intent: call.Intent, Result: call.Result}
	if call.Result.Success {
		r.toolFailures = 0
	} else {
		r.toolFailures++
		r.result.Metrics.ToolFailures++
		r.lastError = fmt.Sprintf("tool %s failed: %s", call.Tool, call.Result.Error)
		r.state.SetError(r.lastError)
	}
	if r.hooks.Learner != nil {
		r.hooks.Learner.RecordOutcome(ctx, Outcome{
			Tool:    call.Tool,
			Params:  call.Params,
			Result:  call.Result,
			Latency: call.Latency,
		})
	}
	r.log.Debug("工具调用完成", "turn", t.Number, "tool", call.Tool, "success", call.Result.Success,
		"latency", call.Latency)
}

func (r *run) advancePlan(ctx context.Context, t *Turn) {
	if r.hooks.Planner == nil {
		return
	}
	u := r.hooks.Planner.MaybeAdvancePlan(ctx, r.state.CompletedSteps)
	if u == nil {
		return
	}
	r.result.PlanUpdates = append(r.result.PlanUpdates, *u)
	if u.CurrentStep >= 0 {
		r.state.CurrentStep = u.CurrentStep
		t.PlanStep = u.CurrentStep
	}
	if u.Replan && r.result.FollowUp == nil {
		msg := "Re-plan the remaining work for: " + r.req.Task
		r.result.FollowUp = &FollowUp{Message: msg, Reason: u.Reason}
	}
}
