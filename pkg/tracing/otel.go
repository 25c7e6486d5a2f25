// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentd"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartLoopSpan 开始一次执行循环 span
func StartLoopSpan(ctx context.Context, sessionKey string, maxTurns int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loop.execute",
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.Int("loop.max_turns", maxTurns),
		),
	)
}

// StartTurnSpan 开始单轮 span
func StartTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loop.turn",
		trace.WithAttributes(attribute.Int("turn.number", turn)),
	)
}

// StartToolSpan 开始 tool invocation span
func StartToolSpan(ctx context.Context, toolName string, callID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		),
	)
}

// StartEventSpan 开始运行时事件处理 span
func StartEventSpan(ctx context.Context, agentID, eventID, source string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "runtime.event",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("event.id", eventID),
			attribute.String("event.source", source),
		),
	)
}
