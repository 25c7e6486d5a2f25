package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/loop"
	"agentd/internal/agent/runtime"
	"agentd/internal/agent/tasks"
	"agentd/internal/eventbus"
	"agentd/internal/tool/builtin"
	"agentd/internal/tool/registry"
	"agentd/pkg/log"
)

type fixture struct {
	t     *testing.T
	s     *server.Hertz
	rt    *runtime.Runtime
	sched *tasks.Scheduler
}

func echoInvoker() runtime.Invoker {
	return runtime.InvokerFunc(func(_ context.Context, inv runtime.Invocation) *loop.LoopResult {
		return &loop.LoopResult{
			Status:   loop.ExitCompleted,
			Response: "echo: " + inv.Event.Message,
			State:    loop.NewAtomicState(),
			Metrics:  loop.Metrics{Turns: 1},
		}
	})
}

func newFixture(t *testing.T, start bool, configure ...func(*Router)) *fixture {
	t.Helper()
	logger := log.Discard()
	sched := tasks.NewScheduler(tasks.WithLogger(logger))
	bus := eventbus.New(logger)
	rt := runtime.New(runtime.Config{TickInterval: 5 * time.Millisecond, Workers: 2}, echoInvoker(), runtime.Options{
		Tasks: sched, Outcomes: bus, Logger: logger,
	})
	reg := registry.New(registry.Options{Logger: logger})
	require.NoError(t, builtin.RegisterBuiltin(reg, "time.now"))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := bus.RunStimulusIngress(ctx, rt)
	require.NoError(t, err)
	if start {
		require.NoError(t, rt.Start(ctx))
	}
	t.Cleanup(func() {
		if start {
			stopCtx, done := context.WithTimeout(context.Background(), time.Second)
			_ = rt.Stop(stopCtx)
			done()
		}
		cancel()
		_ = bus.Close()
	})

	h := NewHandler(Deps{Runtime: rt, Tasks: sched, Bus: bus, Tools: reg, Logger: logger, HealthMaxAge: time.Second})
	r := NewRouter(h, nil, logger)
	for _, fn := range configure {
		fn(r)
	}
	return &fixture{t: t, s: r.Build(":0"), rt: rt, sched: sched}
}

func (f *fixture) do(method, url string, body any, headers ...ut.Header) (int, map[string]any) {
	f.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(f.t, err)
	}
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	w := ut.PerformRequest(f.s.Engine, method, url, &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}, headers...)
	resp := w.Result()
	out := map[string]any{}
	if b := resp.Body(); len(b) > 0 && bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		require.NoError(f.t, json.Unmarshal(b, &out), string(b))
	}
	return resp.StatusCode(), out
}

func (f *fixture) createAgent(body map[string]any) {
	f.t.Helper()
	code, out := f.do("POST", "/api/agents", body)
	require.Equal(f.t, 201, code, out)
}

func TestHealthDegradedBeforeFirstTick(t *testing.T) {
	f := newFixture(t, false)
	code, out := f.do("GET", "/api/health", nil)
	assert.Equal(t, 503, code)
	assert.Equal(t, "degraded", out["status"])

	f.rt.Tick(context.Background())
	code, out = f.do("GET", "/api/health", nil)
	assert.Equal(t, 200, code)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, out["last_tick"])
}

func TestAgentCRUD(t *testing.T) {
	f := newFixture(t, false)

	code, _ := f.do("POST", "/api/agents", map[string]any{"name": "no id"})
	assert.Equal(t, 400, code)

	f.createAgent(map[string]any{"id": "ops", "name": "Ops", "tools": []string{"time.now"}, "heartbeat_interval": "off", "timeout": "2m"})

	code, out := f.do("POST", "/api/agents", map[string]any{"id": "ops"})
	assert.Equal(t, 409, code)
	assert.Contains(t, out["error"], "ops")

	code, out = f.do("GET", "/api/agents/ops", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "Ops", out["name"])
	assert.Equal(t, "idle", out["status"])
	cfg := out["config"].(map[string]any)
	assert.EqualValues(t, (2 * time.Minute).Nanoseconds(), cfg["timeout"])

	code, out = f.do("GET", "/api/agents", nil)
	require.Equal(t, 200, code)
	assert.Len(t, out["agents"], 1)

	code, out = f.do("POST", "/api/agents/ops/stop", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "stopped", out["status"])
	code, out = f.do("POST", "/api/agents/ops/messages", map[string]any{"message": "hi"})
	assert.Equal(t, 409, code, out)

	code, out = f.do("POST", "/api/agents/ops/start", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "idle", out["status"])

	code, _ = f.do("POST", "/api/agents/ops/cancel", nil)
	assert.Equal(t, 404, code)

	code, _ = f.do("DELETE", "/api/agents/ops", nil)
	assert.Equal(t, 200, code)
	code, _ = f.do("GET", "/api/agents/ops", nil)
	assert.Equal(t, 404, code)
}

func TestSubmitMessage(t *testing.T) {
	f := newFixture(t, true)
	f.createAgent(map[string]any{"id": "a1", "heartbeat_interval": "off"})

	code, out := f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "hello"})
	require.Equal(t, 202, code, out)
	assert.NotEmpty(t, out["event_id"])
	assert.Equal(t, "active", out["status"])

	code, out = f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "ping", "mode": "sync", "wait": "5s"})
	require.Equal(t, 200, code, out)
	assert.Equal(t, "completed", out["status"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "echo: ping", result["response"])

	code, _ = f.do("POST", "/api/agents/a1/messages", map[string]any{"message": " "})
	assert.Equal(t, 400, code)
	code, _ = f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "x", "priority": "urgent"})
	assert.Equal(t, 400, code)
	code, _ = f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "x", "mode": "later"})
	assert.Equal(t, 400, code)
	code, _ = f.do("POST", "/api/agents/missing/messages", map[string]any{"message": "x"})
	assert.Equal(t, 404, code)
}

func TestApprovalEndpoints(t *testing.T) {
	f := newFixture(t, false)
	f.createAgent(map[string]any{"id": "a1", "heartbeat_interval": "off", "approval_sources": []string{"review:"}})

	code, out := f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "deploy", "source": "review:ops"})
	require.Equal(t, 202, code, out)
	assert.Equal(t, "pending_approval", out["status"])
	first := out["event_id"].(string)

	_, out = f.do("POST", "/api/agents/a1/messages", map[string]any{"message": "rollback", "source": "review:ops"})
	second := out["event_id"].(string)

	code, out = f.do("POST", "/api/agents/a1/events/"+first+"/approve", nil)
	require.Equal(t, 200, code, out)
	assert.Equal(t, "approved", out["status"])
	code, _ = f.do("POST", "/api/agents/a1/events/"+first+"/approve", nil)
	assert.Equal(t, 404, code)

	code, _ = f.do("POST", "/api/agents/a1/events/"+second+"/reject", nil)
	assert.Equal(t, 200, code)

	_, out = f.do("GET", "/api/agents/a1", nil)
	assert.EqualValues(t, 1, out["queue_depth"])
	assert.Empty(t, out["pending_approval"])
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t, false)
	f.createAgent(map[string]any{"id": "a1", "heartbeat_interval": "off"})

	code, _ := f.do("POST", "/api/tasks", map[string]any{"id": "t1", "agent_id": "nobody", "schedule": "@daily", "message": "m"})
	assert.Equal(t, 404, code)
	code, _ = f.do("POST", "/api/tasks", map[string]any{"id": "t1", "agent_id": "a1", "schedule": "not a cron", "message": "m"})
	assert.Equal(t, 400, code)

	code, out := f.do("POST", "/api/tasks", map[string]any{"id": "t1", "agent_id": "a1", "schedule": "@daily", "message": "digest", "disabled": true})
	require.Equal(t, 201, code, out)
	assert.Equal(t, false, out["enabled"])

	code, out = f.do("POST", "/api/tasks/t1/enable", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, true, out["enabled"])

	code, _ = f.do("POST", "/api/tasks/t1/trigger", nil)
	require.Equal(t, 200, code)
	require.Eventually(t, func() bool {
		f.rt.Tick(context.Background())
		snap, err := f.rt.Snapshot("a1")
		return err == nil && len(snap.Metrics.History) == 1
	}, 3*time.Second, 10*time.Millisecond)
	snap, _ := f.rt.Snapshot("a1")
	assert.Equal(t, "task:t1", snap.Metrics.History[0].Source)
	assert.Equal(t, "echo: digest", snap.Metrics.History[0].Response)

	code, out = f.do("GET", "/api/tasks", nil)
	require.Equal(t, 200, code)
	assert.Len(t, out["tasks"], 1)

	code, _ = f.do("DELETE", "/api/tasks/t1", nil)
	assert.Equal(t, 200, code)
	code, _ = f.do("GET", "/api/tasks/t1", nil)
	assert.Equal(t, 404, code)
	code, _ = f.do("POST", "/api/tasks/t1/disable", nil)
	assert.Equal(t, 404, code)
}

func TestWebhookEnqueuesThroughBus(t *testing.T) {
	f := newFixture(t, true)
	f.createAgent(map[string]any{"id": "a1", "heartbeat_interval": "off"})

	code, _ := f.do("POST", "/api/webhooks/github/a1", map[string]any{"message": ""})
	assert.Equal(t, 400, code)
	code, _ = f.do("POST", "/api/webhooks/github/nobody", map[string]any{"message": "push"})
	assert.Equal(t, 404, code)

	code, out := f.do("POST", "/api/webhooks/github/a1", map[string]any{"message": "push to main", "payload": map[string]any{"ref": "main"}})
	require.Equal(t, 202, code, out)

	require.Eventually(t, func() bool {
		snap, err := f.rt.Snapshot("a1")
		return err == nil && snap.Metrics.EventsProcessed == 1
	}, 3*time.Second, 10*time.Millisecond)
	snap, _ := f.rt.Snapshot("a1")
	require.Len(t, snap.Metrics.History, 1)
	assert.Equal(t, "webhook:github", snap.Metrics.History[0].Source)
	assert.Equal(t, runtime.PriorityNormal, snap.Metrics.History[0].Priority)
}

func TestToolsAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	code, out := f.do("GET", "/api/tools", nil)
	require.Equal(t, 200, code)
	tools := out["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "time.now", tools[0].(map[string]any)["name"])

	code, out = f.do("GET", "/api/tools/time.now", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "time.now", out["name"])
	code, _ = f.do("GET", "/api/tools/nope", nil)
	assert.Equal(t, 404, code)

	w := ut.PerformRequest(f.s.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.True(t, strings.Contains(string(w.Result().Body()), "agentd_http_requests_total"))
}

func TestStatusFor(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.rt.Snapshot("x")
	assert.Equal(t, 404, statusFor(err))
	assert.Equal(t, 500, statusFor(assert.AnError))
}
