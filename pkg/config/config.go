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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Model       ModelConfig       `mapstructure:"model"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	RateLimits  RateLimitsConfig  `mapstructure:"rate_limits"`
	Agents      []AgentConfig     `mapstructure:"agents"`
	Tasks       []TaskConfig      `mapstructure:"tasks"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Grpc       GrpcConfig       `mapstructure:"grpc"`
}

// GrpcConfig gRPC 健康检查服务配置
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// RuntimeConfig 调度器配置
type RuntimeConfig struct {
	TickInterval      string         `mapstructure:"tick_interval"`      // 默认 1s
	Workers           int            `mapstructure:"workers"`            // 全局调用池，默认 4
	QueueSize         int            `mapstructure:"queue_size"`         // 每 Agent 队列上限，默认 20
	HistorySize       int            `mapstructure:"history_size"`       // 每 Agent 结果历史，默认 50
	HeartbeatInterval string         `mapstructure:"heartbeat_interval"` // Agent 未指定时的默认心跳间隔，空表示不开启
	HeartbeatMessage  string         `mapstructure:"heartbeat_message"`
	ShutdownTimeout   string         `mapstructure:"shutdown_timeout"` // 默认 30s
	Liveness          LivenessConfig `mapstructure:"liveness"`
}

// LivenessConfig 存活标记配置
type LivenessConfig struct {
	Type string `mapstructure:"type"` // file | cache | none
	Path string `mapstructure:"path"` // type=file
	Key  string `mapstructure:"key"`  // type=cache
	TTL  string `mapstructure:"ttl"`  // type=cache，默认 10s
}

// LoopConfig 执行循环配置
type LoopConfig struct {
	MaxTurns               int                 `mapstructure:"max_turns"`
	Timeout                string              `mapstructure:"timeout"`
	ToolTimeout            string              `mapstructure:"tool_timeout"`
	ModelRetries           int                 `mapstructure:"model_retries"`
	MaxConsecutiveFailures int                 `mapstructure:"max_consecutive_failures"`
	NoProgressTurns        int                 `mapstructure:"no_progress_turns"`
	PlanOverlapThreshold   float64             `mapstructure:"plan_overlap_threshold"`
	Instructions           string              `mapstructure:"instructions"`
	LoopDetection          LoopDetectionConfig `mapstructure:"loop_detection"`
}

// LoopDetectionConfig 循环检测阈值
type LoopDetectionConfig struct {
	RepeatThreshold int `mapstructure:"repeat_threshold"`
	CycleThreshold  int `mapstructure:"cycle_threshold"`
	MinCycle        int `mapstructure:"min_cycle"`
	MaxCycle        int `mapstructure:"max_cycle"`
}

// ToolsConfig 工具注册表配置
type ToolsConfig struct {
	Workers        int                                `mapstructure:"workers"`
	MaxOutputBytes int                                `mapstructure:"max_output_bytes"`
	DefaultTimeout string                             `mapstructure:"default_timeout"`
	Builtin        []string                           `mapstructure:"builtin"`
	Credentials    map[string][]ToolCredentialBinding `mapstructure:"credentials"`
}

// ToolCredentialBinding 将 secret 绑定到工具参数
type ToolCredentialBinding struct {
	Param  string `mapstructure:"param"`
	Secret string `mapstructure:"secret"`
}

// PersistenceConfig 队列持久化配置
type PersistenceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // file | redis | postgres | memory
	Dir       string `mapstructure:"dir"`
	DSN       string `mapstructure:"dsn"`
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// SecretsConfig 凭证存储配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // memory | env | vault
	Config   map[string]string `mapstructure:"config"`
	Seed     map[string]string `mapstructure:"seed"`
}

// ModelConfig 模型配置
type ModelConfig struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
}

// LLMConfig LLM 模型配置
type LLMConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig 模型提供商配置
type ProviderConfig struct {
	APIKey  string               `mapstructure:"api_key"`
	BaseURL string               `mapstructure:"base_url"`
	Models  map[string]ModelInfo `mapstructure:"models"`
}

// ModelInfo 模型信息
type ModelInfo struct {
	Name          string  `mapstructure:"name"`
	ContextWindow int     `mapstructure:"context_window"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
}

// DefaultsConfig 默认模型配置，格式 provider.model_key
type DefaultsConfig struct {
	LLM string `mapstructure:"llm"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// RateLimitsConfig 限流配置（Tool + LLM）
type RateLimitsConfig struct {
	Tools map[string]ToolRateLimitConfig `mapstructure:"tools"`
	LLM   map[string]LLMRateLimitConfig  `mapstructure:"llm"`
}

// ToolRateLimitConfig 单个 Tool 的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// LLMRateLimitConfig 单个 LLM Provider 的限流配置
type LLMRateLimitConfig struct {
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// AgentConfig 启动时注册的静态 Agent
type AgentConfig struct {
	ID                string   `mapstructure:"id"`
	Name              string   `mapstructure:"name"`
	Instructions      string   `mapstructure:"instructions"`
	Tools             []string `mapstructure:"tools"`
	HeartbeatInterval string   `mapstructure:"heartbeat_interval"`
	HeartbeatMessage  string   `mapstructure:"heartbeat_message"`
	ApprovalSources   []string `mapstructure:"approval_sources"`
	MaxTurns          int      `mapstructure:"max_turns"`
	Timeout           string   `mapstructure:"timeout"`
	Inactive          bool     `mapstructure:"inactive"`
}

// TaskConfig 静态定时任务
type TaskConfig struct {
	ID       string `mapstructure:"id"`
	AgentID  string `mapstructure:"agent_id"`
	Schedule string `mapstructure:"schedule"` // cron 表达式或 @every 5m
	Message  string `mapstructure:"message"`
	Disabled bool   `mapstructure:"disabled"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		API: APIConfig{Port: 8080, Host: "0.0.0.0", Timeout: "30s"},
		Runtime: RuntimeConfig{
			TickInterval:     "1s",
			Workers:          4,
			QueueSize:        20,
			HistorySize:      50,
			HeartbeatMessage: "heartbeat: review pending work and report status",
			ShutdownTimeout:  "30s",
			Liveness:         LivenessConfig{Type: "none", TTL: "10s", Key: "agentd:liveness"},
		},
		Loop: LoopConfig{
			MaxTurns:               20,
			Timeout:                "600s",
			ToolTimeout:            "30s",
			ModelRetries:           2,
			MaxConsecutiveFailures: 3,
			NoProgressTurns:        3,
			PlanOverlapThreshold:   0.4,
			LoopDetection: LoopDetectionConfig{
				RepeatThreshold: 3,
				CycleThreshold:  3,
				MinCycle:        2,
				MaxCycle:        4,
			},
		},
		Tools: ToolsConfig{
			Workers:        4,
			MaxOutputBytes: 100 * 1024,
			DefaultTimeout: "30s",
			Builtin:        []string{"time.now", "http.request", "state.echo"},
		},
		Persistence: PersistenceConfig{Type: "file", Dir: "data/queues", KeyPrefix: "agentd:queue:"},
		Cache:       CacheConfig{Type: "memory"},
		Secrets:     SecretsConfig{Provider: "memory"},
		Log:         LogConfig{Level: "info", Format: "json"},
		Monitoring: MonitoringConfig{
			Prometheus: PrometheusConfig{Enable: true},
			Tracing:    TracingConfig{ServiceName: "agentd"},
		},
	}
}

// setDefaults 把 Default() 的值注册为 viper 默认值，配置文件只需覆盖差异项
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("runtime.tick_interval", d.Runtime.TickInterval)
	v.SetDefault("runtime.workers", d.Runtime.Workers)
	v.SetDefault("runtime.queue_size", d.Runtime.QueueSize)
	v.SetDefault("runtime.history_size", d.Runtime.HistorySize)
	v.SetDefault("runtime.heartbeat_message", d.Runtime.HeartbeatMessage)
	v.SetDefault("runtime.shutdown_timeout", d.Runtime.ShutdownTimeout)
	v.SetDefault("runtime.liveness.type", d.Runtime.Liveness.Type)
	v.SetDefault("runtime.liveness.ttl", d.Runtime.Liveness.TTL)
	v.SetDefault("runtime.liveness.key", d.Runtime.Liveness.Key)
	v.SetDefault("loop.max_turns", d.Loop.MaxTurns)
	v.SetDefault("loop.timeout", d.Loop.Timeout)
	v.SetDefault("loop.tool_timeout", d.Loop.ToolTimeout)
	v.SetDefault("loop.model_retries", d.Loop.ModelRetries)
	v.SetDefault("loop.max_consecutive_failures", d.Loop.MaxConsecutiveFailures)
	v.SetDefault("loop.no_progress_turns", d.Loop.NoProgressTurns)
	v.SetDefault("loop.plan_overlap_threshold", d.Loop.PlanOverlapThreshold)
	v.SetDefault("loop.loop_detection.repeat_threshold", d.Loop.LoopDetection.RepeatThreshold)
	v.SetDefault("loop.loop_detection.cycle_threshold", d.Loop.LoopDetection.CycleThreshold)
	v.SetDefault("loop.loop_detection.min_cycle", d.Loop.LoopDetection.MinCycle)
	v.SetDefault("loop.loop_detection.max_cycle", d.Loop.LoopDetection.MaxCycle)
	v.SetDefault("tools.workers", d.Tools.Workers)
	v.SetDefault("tools.max_output_bytes", d.Tools.MaxOutputBytes)
	v.SetDefault("tools.default_timeout", d.Tools.DefaultTimeout)
	v.SetDefault("tools.builtin", d.Tools.Builtin)
	v.SetDefault("persistence.type", d.Persistence.Type)
	v.SetDefault("persistence.dir", d.Persistence.Dir)
	v.SetDefault("persistence.key_prefix", d.Persistence.KeyPrefix)
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("secrets.provider", d.Secrets.Provider)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("monitoring.prometheus.enable", d.Monitoring.Prometheus.Enable)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)
}

// LoadConfig 加载配置文件；configPath 为空时只使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// expandEnv 将 ${VAR} 形式的值替换为环境变量，未设置时保留原值
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
		return val
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	for provider, providerConfig := range config.Model.LLM.Providers {
		providerConfig.APIKey = expandEnv(providerConfig.APIKey)
		config.Model.LLM.Providers[provider] = providerConfig
	}
	for k, v := range config.Secrets.Config {
		config.Secrets.Config[k] = expandEnv(v)
	}
	for k, v := range config.Secrets.Seed {
		config.Secrets.Seed[k] = expandEnv(v)
	}
	config.Persistence.DSN = expandEnv(config.Persistence.DSN)
	config.Persistence.Password = expandEnv(config.Persistence.Password)
	config.Cache.Password = expandEnv(config.Cache.Password)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
}

// Duration 解析时长字符串，空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
