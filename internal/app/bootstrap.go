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

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentd/internal/agent/learning"
	"agentd/internal/agent/loop"
	"agentd/internal/agent/loopdetect"
	"agentd/internal/agent/queuestore"
	"agentd/internal/agent/runtime"
	"agentd/internal/agent/tasks"
	"agentd/internal/eventbus"
	"agentd/internal/model/llm"
	"agentd/internal/storage/cache"
	"agentd/internal/tool"
	"agentd/internal/tool/builtin"
	"agentd/internal/tool/registry"
	"agentd/pkg/config"
	"agentd/pkg/log"
	"agentd/pkg/secrets"
)

// Bootstrap 统一装配：供 serve 命令与测试复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
	Tools   *registry.Registry
	Model   llm.Client
	Loop    *loop.Loop
	Learner *learning.OutcomeTracker
	Invoker *Invoker
	Tasks   *tasks.Scheduler
	Queues  queuestore.Store
	Cache   cache.Store
	Bus     *eventbus.Bus
	Runtime *runtime.Runtime
}

// Option Bootstrap 选项
type Option func(*options)

type options struct {
	model  llm.Client
	logger *log.Logger
	clock  func() time.Time
}

// WithModel 使用给定模型客户端，跳过按配置创建
func WithModel(m llm.Client) Option { return func(o *options) { o.model = m } }

// WithLogger 使用给定日志
func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock 注入运行时与任务表的时钟
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// NewBootstrap 根据配置装配全部组件并注册静态 Agent，不启动运行时
func NewBootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	b := &Bootstrap{Config: cfg, Logger: o.logger}
	if b.Logger == nil {
		logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
		b.Logger = logger
	}

	var err error
	b.Secrets, err = secrets.NewStore(secrets.Config{Provider: cfg.Secrets.Provider, Config: cfg.Secrets.Config, Seed: cfg.Secrets.Seed})
	if err != nil {
		return nil, fmt.Errorf("初始化凭证存储失败: %w", err)
	}

	b.Tools, err = newToolRegistry(cfg, b.Secrets, b.Logger)
	if err != nil {
		return nil, err
	}

	b.Model = o.model
	if b.Model == nil {
		b.Model, err = NewLLMClientFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("初始化模型失败: %w", err)
		}
		if b.Model == nil {
			return nil, errors.New("model.defaults.llm 未配置")
		}
	}

	b.Learner = learning.NewOutcomeTracker(0)
	b.Loop = loop.New(b.Model, b.Tools, loopConfig(cfg), loop.WithLogger(b.Logger), loop.WithTokenCounter(llm.DefaultTokenCounter))
	b.Invoker = NewInvoker(b.Loop, b.Learner, InvokerConfig{
		PlanThreshold: cfg.Loop.PlanOverlapThreshold,
		CarryState:    true,
	}, b.Logger)

	taskOpts := []tasks.Option{tasks.WithLogger(b.Logger)}
	if o.clock != nil {
		taskOpts = append(taskOpts, tasks.WithClock(o.clock))
	}
	b.Tasks, err = tasks.FromConfig(cfg.Tasks, taskOpts...)
	if err != nil {
		return nil, fmt.Errorf("加载定时任务失败: %w", err)
	}

	b.Queues, err = queuestore.New(ctx, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("初始化队列持久化失败: %w", err)
	}

	liveness, err := b.liveness(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.Bus = eventbus.New(b.Logger)
	rtOpts := runtime.Options{
		Tasks:    b.Tasks,
		Liveness: liveness,
		Outcomes: b.Bus,
		Clock:    o.clock,
		Logger:   b.Logger,
	}
	if b.Queues != nil {
		rtOpts.Store = b.Queues
	}
	b.Runtime = runtime.New(runtimeConfig(cfg), b.Invoker, rtOpts)

	for _, ac := range cfg.Agents {
		if err := b.Runtime.Register(runtime.AgentConfigFrom(ac)); err != nil {
			b.Close()
			return nil, fmt.Errorf("注册 Agent %s 失败: %w", ac.ID, err)
		}
	}
	b.Logger.Info("装配完成", "agents", len(cfg.Agents), "tasks", len(cfg.Tasks), "tools", b.Tools.Names(),
		"persistence", cfg.Persistence.Enabled, "model", b.Model.Provider()+"/"+b.Model.Model())
	return b, nil
}

func (b *Bootstrap) liveness(ctx context.Context) (runtime.LivenessMarker, error) {
	lc := b.Config.Runtime.Liveness
	switch lc.Type {
	case "", "none":
		return nil, nil
	case "file":
		return runtime.FileLiveness{Path: lc.Path}, nil
	case "cache":
		store, err := cache.NewCache(ctx, b.Config.Cache)
		if err != nil {
			return nil, fmt.Errorf("初始化缓存失败: %w", err)
		}
		b.Cache = store
		return runtime.CacheLiveness{Store: store, Key: lc.Key, TTL: config.Duration(lc.TTL, 10*time.Second)}, nil
	default:
		return nil, fmt.Errorf("unsupported liveness type: %s", lc.Type)
	}
}

// Close 释放外部连接；运行时需先 Stop
func (b *Bootstrap) Close() {
	if b.Bus != nil {
		_ = b.Bus.Close()
	}
	if b.Queues != nil {
		_ = b.Queues.Close()
	}
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
}

func newToolRegistry(cfg *config.Config, store secrets.Store, logger *log.Logger) (*registry.Registry, error) {
	limits := make(map[string]registry.LimitConfig, len(cfg.RateLimits.Tools))
	for name, l := range cfg.RateLimits.Tools {
		limits[name] = registry.LimitConfig{QPS: l.QPS, MaxConcurrent: l.MaxConcurrent, Burst: l.Burst}
	}
	creds := make(map[string][]tool.Credential, len(cfg.Tools.Credentials))
	for name, bindings := range cfg.Tools.Credentials {
		for _, bd := range bindings {
			creds[name] = append(creds[name], tool.Credential{Param: bd.Param, Secret: bd.Secret})
		}
	}
	reg := registry.New(registry.Options{
		Workers:        cfg.Tools.Workers,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		DefaultTimeout: config.Duration(cfg.Tools.DefaultTimeout, registry.DefaultTimeout),
		Secrets:        store,
		Credentials:    creds,
		RateLimiter:    registry.NewRateLimiter(limits),
		Logger:         logger,
	})
	if err := builtin.RegisterBuiltin(reg, cfg.Tools.Builtin...); err != nil {
		return nil, fmt.Errorf("注册内置工具失败: %w", err)
	}
	return reg, nil
}

func loopConfig(cfg *config.Config) loop.Config {
	lc := cfg.Loop
	return loop.Config{
		MaxTurns:               lc.MaxTurns,
		Timeout:                config.Duration(lc.Timeout, loop.DefaultTimeout),
		ToolTimeout:            config.Duration(lc.ToolTimeout, loop.DefaultToolTimeout),
		ModelRetries:           lc.ModelRetries,
		MaxConsecutiveFailures: lc.MaxConsecutiveFailures,
		NoProgressTurns:        lc.NoProgressTurns,
		Instructions:           lc.Instructions,
		Detector: loopdetect.Config{
			RepeatThreshold: lc.LoopDetection.RepeatThreshold,
			CycleThreshold:  lc.LoopDetection.CycleThreshold,
			MinCycle:        lc.LoopDetection.MinCycle,
			MaxCycle:        lc.LoopDetection.MaxCycle,
		},
		Generate: generateOptions(cfg),
	}
}

func runtimeConfig(cfg *config.Config) runtime.Config {
	rc := cfg.Runtime
	return runtime.Config{
		TickInterval:             config.Duration(rc.TickInterval, runtime.DefaultTickInterval),
		Workers:                  rc.Workers,
		QueueSize:                rc.QueueSize,
		HistorySize:              rc.HistorySize,
		DefaultHeartbeatInterval: config.Duration(rc.HeartbeatInterval, 0),
		DefaultHeartbeatMessage:  rc.HeartbeatMessage,
	}
}
