package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/daemon 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		LoopRunsTotal, LoopTurns, LoopDuration, LLMTokensTotal,
		ToolDuration, ToolCallsTotal, ToolOutputTruncatedTotal,
		RuntimeQueueDepth, RuntimeEventsTotal, RuntimeEventsDroppedTotal,
		RuntimeHeartbeatsTotal, RuntimeWorkersBusy, RuntimeTickDuration,
		RateLimitWaitSeconds, ToolSlotsBusy, HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// LoopRunsTotal 执行循环结束次数（按退出状态）
var LoopRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_loop_runs_total",
		Help: "执行循环结束次数（按退出状态）",
	},
	[]string{"exit_state"},
)

// LoopTurns 单次执行循环的轮数
var LoopTurns = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "agentd_loop_turns",
		Help:    "单次执行循环的轮数",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30},
	},
)

// LoopDuration 执行循环耗时（秒）
var LoopDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "agentd_loop_duration_seconds",
		Help:    "执行循环耗时（秒）",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	},
)

// LLMTokensTotal LLM 调用 token 数
var LLMTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_llm_tokens_total",
		Help: "LLM 调用 token 总数",
	},
	[]string{"direction"}, // input | output
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agentd_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ToolCallsTotal 工具调用次数
var ToolCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_tool_calls_total",
		Help: "工具调用次数",
	},
	[]string{"tool", "outcome"}, // success | failure | timeout | invalid
)

// ToolOutputTruncatedTotal 输出被截断的工具调用次数
var ToolOutputTruncatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_tool_output_truncated_total",
		Help: "输出被截断的工具调用次数",
	},
	[]string{"tool"},
)

// RuntimeQueueDepth 每个 Agent 的队列长度
var RuntimeQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "agentd_runtime_queue_depth",
		Help: "每个 Agent 的事件队列长度",
	},
	[]string{"agent_id"},
)

// RuntimeEventsTotal 事件处理结果计数
var RuntimeEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_runtime_events_total",
		Help: "事件处理结果计数",
	},
	[]string{"priority", "outcome"},
)

// RuntimeEventsDroppedTotal 被丢弃的事件
var RuntimeEventsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_runtime_events_dropped_total",
		Help: "被丢弃的事件数",
	},
	[]string{"reason"}, // overflow | stopped | rejected | deregistered
)

// RuntimeHeartbeatsTotal 心跳触发次数
var RuntimeHeartbeatsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "agentd_runtime_heartbeats_total",
		Help: "心跳触发次数",
	},
)

// RuntimeWorkersBusy 当前占用的 worker 数
var RuntimeWorkersBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentd_runtime_workers_busy",
		Help: "当前正在执行的调用数",
	},
)

// ToolSlotsBusy 工具执行池占用数
var ToolSlotsBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentd_tool_slots_busy",
		Help: "工具执行池中正在运行的调用数",
	},
)

// RuntimeTickDuration 单次 tick 耗时
var RuntimeTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "agentd_runtime_tick_duration_seconds",
		Help:    "调度 tick 耗时（秒）",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	},
)

// RateLimitWaitSeconds 限流等待耗时
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agentd_rate_limit_wait_seconds",
		Help:    "限流等待耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type", "name"}, // tool | llm
)

// HTTPRequestsTotal API 请求数
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentd_http_requests_total",
		Help: "API 请求总数",
	},
	[]string{"method", "route", "code"},
)

// HTTPRequestDuration API 请求耗时
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agentd_http_request_duration_seconds",
		Help:    "API 请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
