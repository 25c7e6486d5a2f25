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

// Package runtime 是 Agent 守护进程的调度核心：每个 Agent 一个有界优先队列和一份状态记录，
// 固定间隔 tick 负责心跳、定时任务、派发与回收，所有 Agent 共享一个有界 worker 池。
// 每个 Agent 同一时刻至多一个在途调用。
package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"agentd/internal/agent/loop"
	apperrors "agentd/pkg/errors"
	"agentd/pkg/log"
	"agentd/pkg/metrics"
	"agentd/pkg/utils"
)

// 默认值
const (
	DefaultTickInterval = time.Second
	DefaultWorkers      = 4
	DefaultSyncWait     = 15 * time.Minute
	DefaultHeartbeatMsg = "Heartbeat: review your pending actions and act if anything needs attention."
	// PersistTimeout 停止时保存队列的时限，与停止 ctx 的截止时间无关
	PersistTimeout      = 10 * time.Second
)

// Config 调度参数，零值字段使用默认值
type Config struct {
	TickInterval time.Duration
	Workers      int
	QueueSize    int
	HistorySize  int
	// DefaultHeartbeatInterval Agent 未指定心跳间隔时使用，0 表示不开启
	DefaultHeartbeatInterval time.Duration
	DefaultHeartbeatMessage  string
	// SyncWait 同步提交未指定等待时长时的上限
	SyncWait time.Duration
}

func (c Config) withDefaults() Config {
	c.TickInterval = utils.Positive(c.TickInterval, DefaultTickInterval)
	c.Workers = utils.Positive(c.Workers, DefaultWorkers)
	c.QueueSize = utils.Positive(c.QueueSize, DefaultQueueSize)
	c.HistorySize = utils.Positive(c.HistorySize, DefaultHistorySize)
	c.DefaultHeartbeatMessage = utils.CoalesceString(c.DefaultHeartbeatMessage, DefaultHeartbeatMsg)
	c.SyncWait = utils.Positive(c.SyncWait, DefaultSyncWait)
	return c
}

// Invocation 交给 Invoker 的一次调用
type Invocation struct {
	Agent AgentConfig
	Event AgentEvent
	// CancelCheck 在循环每轮边界轮询
	CancelCheck func() bool
}

// Invoker 执行一次 Agent 调用，通常包装 loop.Loop
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) *loop.LoopResult
}

// InvokerFunc 函数适配
type InvokerFunc func(ctx context.Context, inv Invocation) *loop.LoopResult

// Invoke 实现 Invoker
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) *loop.LoopResult { return f(ctx, inv) }

// DueTask 到期的定时任务
type DueTask struct {
	ID         string
	AgentID    string
	Message    string
	SessionKey string
}

// TaskSource 定时任务数据源，Runtime 只读取
type TaskSource interface {
	Due(ctx context.Context, now time.Time) ([]DueTask, error)
}

// LivenessMarker 每个 tick 写入存活标记
type LivenessMarker interface {
	Mark(ctx context.Context, now time.Time) error
}

// OutcomeSink 接收每个已回收的调用结果，不应长时间阻塞
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, o Outcome) error
}

// Options 可选协作者
type Options struct {
	Tasks    TaskSource
	Store    QueueStore
	Liveness LivenessMarker
	Outcomes OutcomeSink
	// Clock 测试注入，默认 time.Now
	Clock  func() time.Time
	Logger *log.Logger
}

type completion struct {
	agentID    string
	inf        *inflight
	result     *loop.LoopResult
	finishedAt time.Time
}

type waitResult struct {
	summary *Summary
	err     error
}

// Runtime Agent 调度器
type Runtime struct {
	cfg     Config
	invoker Invoker
	opts    Options
	log     *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	agents    map[string]*agentState
	restored  map[string]PersistedQueue
	// inflight 按 Agent ID 记录在途调用；不随 Deregister 删除，回收时才清理
	inflight  map[string]*inflight
	waiters   map[string]chan waitResult
	completed []completion
	seq       uint64

	slots *semaphore.Weighted
	busy  atomic.Int64
	wg    sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	tickMu   sync.Mutex
	lastTick atomic.Int64

	lifecycle sync.Mutex
	started   bool
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// New 创建调度器
func New(cfg Config, invoker Invoker, opts Options) *Runtime {
	cfg = cfg.withDefaults()
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:       cfg,
		invoker:   invoker,
		opts:      opts,
		log:       log.OrDefault(opts.Logger),
		now:       opts.Clock,
		agents:    make(map[string]*agentState),
		restored:  make(map[string]PersistedQueue),
		inflight:  make(map[string]*inflight),
		waiters:   make(map[string]chan waitResult),
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		runCtx:    runCtx,
		runCancel: cancel,
	}
}

// Config 生效的配置
func (r *Runtime) Config() Config { return r.cfg }

// Register 注册 Agent；若存在尚未认领的已恢复队列则一并装载
func (r *Runtime) Register(cfg AgentConfig) error {
	if cfg.ID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidArg, "agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[cfg.ID]; ok {
		return apperrors.Wrapf(apperrors.ErrAgentExists, "agent %s", cfg.ID)
	}
	a := &agentState{
		cfg:    cfg,
		active: !cfg.Inactive,
		status: AgentIdle,
		queue:  NewEventQueue(r.cfg.QueueSize),
	}
	if !a.active {
		a.status = AgentStopped
	}
	switch {
	case cfg.HeartbeatInterval > 0:
		a.hbInterval = cfg.HeartbeatInterval
	case cfg.HeartbeatInterval == 0:
		a.hbInterval = r.cfg.DefaultHeartbeatInterval
	}
	a.hbMessage = cfg.HeartbeatMessage
	if a.hbMessage == "" {
		a.hbMessage = r.cfg.DefaultHeartbeatMessage
	}
	r.scheduleHeartbeat(a, r.now())
	if pq, ok := r.restored[cfg.ID]; ok {
		delete(r.restored, cfg.ID)
		r.loadPersisted(a, pq)
	}
	r.agents[cfg.ID] = a
	metrics.RuntimeQueueDepth.WithLabelValues(cfg.ID).Set(float64(a.queue.Len()))
	r.log.Info("Agent 已注册", "agent_id", cfg.ID, "active", a.active, "heartbeat", a.hbInterval)
	return nil
}

// Deregister 移除 Agent：丢弃队列与待审批事件，请求取消在途调用。
// 在途调用回收前，同 ID 重新注册的 Agent 不会被派发。
func (r *Runtime) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", id)
	}
	r.dropAllLocked(a, "deregistered")
	if a.running != nil {
		a.running.cancelled.Store(true)
	}
	delete(r.agents, id)
	metrics.RuntimeQueueDepth.DeleteLabelValues(id)
	r.log.Info("Agent 已移除", "agent_id", id)
	return nil
}

// StartAgent 激活 Agent 并重新排期心跳
func (r *Runtime) StartAgent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", id)
	}
	if a.active {
		return nil
	}
	a.active = true
	a.status = AgentIdle
	if a.running != nil {
		a.status = AgentRunning
	}
	r.scheduleHeartbeat(a, r.now())
	return nil
}

// StopAgent 停用 Agent：丢弃队列与待审批事件，请求取消在途调用
func (r *Runtime) StopAgent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", id)
	}
	a.active = false
	a.status = AgentStopped
	r.dropAllLocked(a, "stopped")
	if a.running != nil {
		a.running.cancelled.Store(true)
	}
	return nil
}

// Snapshot 单个 Agent 的快照
func (r *Runtime) Snapshot(id string) (AgentSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return AgentSnapshot{}, apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %s", id)
	}
	return a.snapshot(), nil
}

// List 所有 Agent 的快照，按 ID 排序
func (r *Runtime) List() []AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentSnapshot, 0, len(r.agents))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.agents[id].snapshot())
	}
	return out
}

// Busy 当前占用的 worker 数
func (r *Runtime) Busy() int { return int(r.busy.Load()) }

// LastTick 最近一次 tick 的时间，从未 tick 时为零值
func (r *Runtime) LastTick() time.Time {
	n := r.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Healthy 最近一次 tick 距今不超过 maxAge
func (r *Runtime) Healthy(maxAge time.Duration) bool {
	last := r.LastTick()
	return !last.IsZero() && r.now().Sub(last) <= maxAge
}

func (r *Runtime) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start 恢复持久化队列后启动 tick 循环
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}
	if err := r.Restore(ctx); err != nil {
		return err
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.loopDone = make(chan struct{})
	go r.run()
	r.log.Info("调度器已启动", "tick_interval", r.cfg.TickInterval, "workers", r.cfg.Workers)
	return nil
}

func (r *Runtime) run() {
	defer close(r.loopDone)
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	r.Tick(r.runCtx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Tick(r.runCtx)
		}
	}
}

// Stop 停止 tick 循环，在 ctx 截止前等待在途调用，最后持久化队列。
// ctx 截止时仍未结束的调用被取消，其同步等待方收到 ErrStopped。
func (r *Runtime) Stop(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.started {
		close(r.stopCh)
		<-r.loopDone
		r.started = false
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("停止超时，取消在途调用", "busy", r.Busy())
		r.abandonInflight()
	}

	r.tickMu.Lock()
	r.harvest(r.runCtx)
	r.tickMu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PersistTimeout)
	err := r.Persist(saveCtx)
	cancel()
	r.runCancel()
	if err != nil {
		return err
	}
	r.log.Info("调度器已停止")
	return nil
}

func (r *Runtime) abandonInflight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inf := range r.inflight {
		inf.cancelled.Store(true)
		r.resolveLocked(inf.event.ID, waitResult{
			err: apperrors.Wrapf(apperrors.ErrStopped, "event %s was in flight at shutdown", inf.event.ID),
		})
	}
	r.runCancel()
}

// Tick 执行一次调度：存活标记 → 心跳 → 定时任务 → 派发 → 回收。测试可直接调用。
func (r *Runtime) Tick(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	start := time.Now()
	now := r.now()

	if r.opts.Liveness != nil {
		if err := r.opts.Liveness.Mark(ctx, now); err != nil {
			r.log.Warn("写入存活标记失败", "error", err)
		}
	}
	r.fireHeartbeats(now)
	r.enqueueDueTasks(ctx, now)
	r.dispatch()
	r.harvest(ctx)

	r.lastTick.Store(now.UnixNano())
	metrics.RuntimeTickDuration.Observe(time.Since(start).Seconds())
}

func (r *Runtime) nextSeqLocked() uint64 {
	r.seq++
	return r.seq
}

func (r *Runtime) resolveLocked(eventID string, res waitResult) {
	if ch, ok := r.waiters[eventID]; ok {
		delete(r.waiters, eventID)
		ch <- res
	}
}

// dropLocked 标记事件被丢弃并通知等待方
func (r *Runtime) dropLocked(a *agentState, e *AgentEvent, reason string) {
	e.Status = StatusDropped
	a.metrics.EventsDropped++
	metrics.RuntimeEventsDroppedTotal.WithLabelValues(reason).Inc()
	r.resolveLocked(e.ID, waitResult{err: apperrors.Wrapf(apperrors.ErrEventDropped, "event %s dropped (%s)", e.ID, reason)})
	r.log.Info("事件被丢弃", "agent_id", a.cfg.ID, "event_id", e.ID, "priority", e.Priority, "reason", reason)
}

func (r *Runtime) dropAllLocked(a *agentState, reason string) {
	for _, e := range a.queue.Drain() {
		r.dropLocked(a, e, reason)
	}
	for _, e := range a.pending {
		r.dropLocked(a, e, reason)
	}
	a.pending = nil
	metrics.RuntimeQueueDepth.WithLabelValues(a.cfg.ID).Set(0)
}
