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

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	apigrpc "agentd/internal/api/grpc"
	"agentd/internal/api/http"
	"agentd/internal/api/http/middleware"
	"agentd/internal/app"
	"agentd/pkg/config"
	"agentd/pkg/log"
	"agentd/pkg/tracing"
)

// App 进程级生命周期：调度器、事件总线消费者、HTTP 与 gRPC 服务
type App struct {
	boot   *app.Bootstrap
	router *http.Router
	hertz  *server.Hertz
	grpc   *apigrpc.Server

	otelProvider provider.OtelProvider
	tracer       *sdktrace.TracerProvider
	logFile      io.Closer

	cancel    context.CancelFunc
	consumers sync.WaitGroup
	startOnce sync.Once
	started   bool
}

// NewApp 基于装配结果创建应用，不启动任何服务
func NewApp(boot *app.Bootstrap) (*App, error) {
	if boot == nil || boot.Runtime == nil {
		return nil, errors.New("bootstrap is not initialized")
	}
	cfg := boot.Config
	handler := http.NewHandler(http.Deps{
		Runtime: boot.Runtime,
		Tasks:   boot.Tasks,
		Bus:     boot.Bus,
		Tools:   boot.Tools,
		Learner: boot.Learner,
		Forget:  boot.Invoker.Forget,
		Logger:  boot.Logger,
	})
	var mw *middleware.Middleware
	if cfg.API.CORS.Enable {
		mw = middleware.NewMiddleware(cfg.API.CORS.AllowOrigins...)
	} else {
		mw = middleware.NewMiddleware()
	}
	router := http.NewRouter(handler, mw, boot.Logger)

	if cfg.API.Middleware.Auth {
		if cfg.API.Middleware.JWTKey == "" {
			return nil, errors.New("api.middleware.auth 已开启但未配置 jwt_key")
		}
		timeout := config.Duration(cfg.API.Middleware.JWTTimeout, time.Hour)
		maxRefresh := config.Duration(cfg.API.Middleware.JWTMaxRefresh, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), timeout, maxRefresh, boot.Secrets)
		if err != nil {
			return nil, fmt.Errorf("JWT 初始化失败: %w", err)
		}
		router.SetJWT(jwtAuth)
		boot.Logger.Info("JWT 认证已启用")
	}

	a := &App{boot: boot, router: router}
	if cfg.API.Grpc.Enable && cfg.API.Grpc.Port > 0 {
		a.grpc = apigrpc.NewServer(boot.Runtime, healthMaxAge(cfg), boot.Logger)
	}
	return a, nil
}

func healthMaxAge(cfg *config.Config) time.Duration {
	return 3 * config.Duration(cfg.Runtime.TickInterval, time.Second)
}

// Start 启动调度器与后台消费者；headless 模式（无 HTTP）直接调用
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() { err = a.start(ctx) })
	return err
}

func (a *App) start(ctx context.Context) error {
	cfg := a.boot.Config
	if err := a.setupHertzLogger(); err != nil {
		return err
	}
	if a.hertz == nil && cfg.Monitoring.Tracing.Enable && a.otelProvider == nil {
		if endpoint := tracingEndpoint(cfg); endpoint != "" {
			tp, err := tracing.InitTracer(tracing.OTelConfig{
				ServiceName:    tracingService(cfg),
				ExportEndpoint: endpoint,
				Insecure:       cfg.Monitoring.Tracing.Insecure,
			})
			if err != nil {
				a.boot.Logger.Warn("链路追踪初始化失败", "error", err)
			} else {
				a.tracer = tp
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	outcomes, err := a.boot.Bus.SubscribeOutcomes(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("订阅调用结果失败: %w", err)
	}
	a.consumers.Add(1)
	go func() {
		defer a.consumers.Done()
		for o := range outcomes {
			a.boot.Logger.Info("调用结果", "agent_id", o.AgentID, "event_id", o.EventID, "source", o.Source,
				"status", o.Status, "turns", o.Turns, "duration", o.Duration)
		}
	}()
	ingress, err := a.boot.Bus.RunStimulusIngress(runCtx, a.boot.Runtime)
	if err != nil {
		cancel()
		return fmt.Errorf("启动刺激入口失败: %w", err)
	}
	a.consumers.Add(1)
	go func() {
		defer a.consumers.Done()
		<-ingress
	}()

	if err := a.boot.Runtime.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("启动调度器失败: %w", err)
	}
	a.started = true

	if a.grpc != nil {
		if err := a.grpc.Start(cfg.API.Grpc.Port, config.Duration(cfg.Runtime.TickInterval, time.Second)); err != nil {
			a.boot.Logger.Warn("gRPC 服务启动失败", "error", err)
			a.grpc = nil
		} else {
			a.boot.Logger.Info("gRPC 健康检查已启动", "port", cfg.API.Grpc.Port)
		}
	}
	return nil
}

// Run 启动调度器与 HTTP 服务，addr 如 ":8080"；阻塞直到 HTTP 服务退出
func (a *App) Run(addr string) error {
	cfg := a.boot.Config
	a.boot.Logger.Info("API 服务启动", "addr", addr)

	if cfg.Monitoring.Tracing.Enable {
		if endpoint := tracingEndpoint(cfg); endpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(tracingService(cfg)),
				provider.WithExportEndpoint(endpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
			a.boot.Logger.Info("链路追踪已启用", "service_name", tracingService(cfg), "endpoint", endpoint)
		}
	}
	if a.hertz == nil {
		a.hertz = a.router.Build(addr)
	}
	if err := a.Start(context.Background()); err != nil {
		return err
	}
	return a.hertz.Run()
}

func (a *App) setupHertzLogger() error {
	cfg := a.boot.Config
	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		a.logFile = f
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
	return nil
}

func tracingService(cfg *config.Config) string {
	if cfg.Monitoring.Tracing.ServiceName != "" {
		return cfg.Monitoring.Tracing.ServiceName
	}
	return "agentd"
}

func tracingEndpoint(cfg *config.Config) string {
	if cfg.Monitoring.Tracing.ExportEndpoint != "" {
		return cfg.Monitoring.Tracing.ExportEndpoint
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Shutdown 优雅关闭：先停止接收请求，再在 ctx 截止前等待在途调用并持久化队列
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭 HTTP 服务: %w", err))
		}
	}
	if a.grpc != nil {
		a.grpc.GracefulStop(ctx)
	}
	if a.started {
		stopCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			stopCtx, cancel = context.WithTimeout(ctx, config.Duration(a.boot.Config.Runtime.ShutdownTimeout, 30*time.Second))
			defer cancel()
		}
		if err := a.boot.Runtime.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("停止调度器: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.boot.Close()
	a.consumers.Wait()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return errors.Join(errs...)
}
