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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/app"
	"agentd/internal/app/api"
	"agentd/pkg/config"
	"agentd/pkg/redaction"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "常驻 Agent 调度守护进程",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTD_CONFIG"), "配置文件路径（yaml/json/toml）")

	load := func() (*config.Config, error) { return config.LoadConfig(configPath) }
	root.AddCommand(
		newServeCmd(load),
		newRunCmd(load),
		newVersionCmd(),
		newConfigCmd(load),
	)
	return root
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动调度器与 HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.API.Port = port
			}
			application, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			runErr := make(chan error, 1)
			go func() {
				if err := application.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					runErr <- err
				}
			}()
			return waitAndShutdown(cfg, application, runErr)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "覆盖 api.port")
	return cmd
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "仅启动调度器（无 HTTP API），适合由事件总线或定时任务驱动的部署",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			application, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := application.Start(cmd.Context()); err != nil {
				return err
			}
			return waitAndShutdown(cfg, application, nil)
		},
	}
}

func build(ctx context.Context, cfg *config.Config) (*api.App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	boot, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化失败: %w", err)
	}
	application, err := api.NewApp(boot)
	if err != nil {
		boot.Close()
		return nil, fmt.Errorf("创建应用失败: %w", err)
	}
	return application, nil
}

func waitAndShutdown(cfg *config.Config, application *api.App, runErr <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var exitErr error
	select {
	case <-sigChan:
	case exitErr = <-runErr:
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Runtime.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		return errors.Join(exitErr, fmt.Errorf("关闭失败: %w", err))
	}
	return exitErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentd %s\n", version)
		},
	}
}

func newConfigCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "配置相关命令"}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "输出合并默认值与环境变量后的有效配置（隐藏密钥）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "校验配置：模型、静态 Agent 与定时任务能否完成装配",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Persistence.Enabled = false
			cfg.Runtime.Liveness.Type = "none"
			boot, err := app.NewBootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			boot.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d agents, %d tasks\n", len(cfg.Agents), len(cfg.Tasks))
			return nil
		},
	})
	return cmd
}

const redacted = redaction.Placeholder

// configPolicy 输出配置前需要遮蔽的字段
var configPolicy = &redaction.Policy{
	Fields: redaction.Redact(
		"API.Middleware.JWTKey",
		"Persistence.Password",
		"Persistence.DSN",
		"Cache.Password",
		"Secrets.Seed.*",
		"Model.LLM.Providers.*.APIKey",
	),
	Keys: []redaction.KeyMask{
		{Under: "Secrets.Config", Contains: "token", Mode: redaction.ModeRedact},
		{Under: "Secrets.Config", Contains: "secret", Mode: redaction.ModeRedact},
	},
}

func printConfig(w io.Writer, cfg *config.Config) error {
	out, err := redaction.NewEngine(configPolicy, nil).RedactValue(cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
