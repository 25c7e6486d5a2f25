package loop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/loopdetect"
	"agentd/internal/model/llm"
	"agentd/internal/model/llm/llmtest"
	"agentd/internal/tool"
	"agentd/internal/tool/registry"
	"agentd/pkg/log"
)

func decision(d map[string]any) llmtest.Reply {
	b, _ := json.Marshal(d)
	return llmtest.Text(string(b))
}

func params(p map[string]any) llmtest.Reply {
	b, _ := json.Marshal(p)
	return llmtest.Text("```json\n" + string(b) + "\n```")
}

func isParameterPhase(msgs []llm.Message) bool {
	return len(msgs) > 0 && strings.HasSuffix(msgs[0].Content, parameterProtocol)
}

type toolRecorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *toolRecorder) record(in map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
}

func (r *toolRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func lookupTool(rec *toolRecorder) tool.Tool {
	return &tool.Func{
		ToolName:        "lookup",
		ToolDescription: "Look up a fact by query\nReturns a short text answer.",
		ToolSchema: tool.Schema{
			Type: "object",
			Properties: map[string]tool.SchemaProperty{
				"q": {Type: "string", Description: "query text"},
			},
			Required: []string{"q"},
		},
		Fn: func(_ context.Context, in map[string]any) (tool.Result, error) {
			rec.record(in)
			return tool.OK("fact about " + in["q"].(string)), nil
		},
	}
}

func otherTool() tool.Tool {
	return &tool.Func{
		ToolName:        "archive",
		ToolDescription: "Archive a record",
		ToolSchema: tool.Schema{
			Type:       "object",
			Properties: map[string]tool.SchemaProperty{"record_id": {Type: "string"}},
		},
		Fn: func(context.Context, map[string]any) (tool.Result, error) { return tool.OK("archived"), nil },
	}
}

func newRegistry(t *testing.T, tools ...tool.Tool) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Options{Logger: log.Discard()})
	for _, tl := range tools {
		require.NoError(t, r.Register(tl))
	}
	return r
}

func newLoop(model llm.Client, reg Executor, cfg Config, opts ...Option) *Loop {
	return New(model, reg, cfg, append([]Option{WithLogger(log.Discard())}, opts...)...)
}

func TestExecuteCompletesAfterToolCall(t *testing.T) {
	rec := &toolRecorder{}
	reg := newRegistry(t, lookupTool(rec), otherTool())
	model := llmtest.NewScriptedClient(
		decision(map[string]any{
			"analysis": "need the fact", "tool": "lookup", "intent": "look up the capital of France",
			"state_update": map[string]any{"pending_actions": []string{"report"}},
		}),
		params(map[string]any{"q": "capital of France"}),
		decision(map[string]any{
			"analysis": "have it", "done": true, "response": "Paris",
			"state_update": map[string]any{
				"completed_steps": []string{"looked up capital"},
				"variables":       map[string]any{"capital": "Paris"},
				"pending_actions": []string{},
			},
		}),
	)

	res := newLoop(model, reg, Config{}).Execute(context.Background(), Request{Task: "What is the capital of France?"})

	require.Equal(t, ExitCompleted, res.Status, res.Reason)
	assert.Equal(t, "Paris", res.Response)
	require.Len(t, res.Trace, 2)
	require.Len(t, res.Trace[0].ToolCalls, 1)
	call := res.Trace[0].ToolCalls[0]
	assert.True(t, call.Executed)
	assert.True(t, call.Result.Success)
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, "Paris", res.State.Variables["capital"])
	assert.Equal(t, 3, res.Metrics.ModelCalls)
	assert.Equal(t, 1, res.Metrics.ToolCalls)
	assert.Positive(t, res.Metrics.InputTokens)
	assert.Positive(t, res.Metrics.OutputTokens)
}

func TestPromptsCarryOnlyNeededSchemas(t *testing.T) {
	rec := &toolRecorder{}
	reg := newRegistry(t, lookupTool(rec), otherTool())
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "a", "tool": "lookup", "intent": "find x"}),
		params(map[string]any{"q": "x"}),
		decision(map[string]any{"analysis": "b", "done": true, "response": "ok"}),
	)
	res := newLoop(model, reg, Config{}).Execute(context.Background(), Request{Task: "find x"})
	require.Equal(t, ExitCompleted, res.Status)

	reqs := model.Requests()
	require.Len(t, reqs, 3)

	// 推理阶段：工具目录只有名称和提示
	reasoning := reqs[0]
	require.Len(t, reasoning, 2)
	assert.Contains(t, reasoning[1].Content, `"name":"lookup"`)
	assert.Contains(t, reasoning[1].Content, `"name":"archive"`)
	assert.Contains(t, reasoning[1].Content, "Look up a fact by query")
	assert.NotContains(t, reasoning[1].Content, "properties")
	assert.NotContains(t, reasoning[1].Content, "Returns a short text answer")

	// 参数阶段：恰好一份 Schema
	param := reqs[1]
	require.True(t, isParameterPhase(param))
	assert.Contains(t, param[1].Content, `"properties"`)
	assert.Contains(t, param[1].Content, `"q"`)
	assert.NotContains(t, param[1].Content, "archive")
	assert.NotContains(t, param[1].Content, "record_id")

	// 下一次推理：上一轮的决策和工具结果各一条，不含更早的历史
	next := reqs[2]
	require.Len(t, next, 4)
	assert.Equal(t, llm.RoleAssistant, next[2].Role)
	assert.Equal(t, llm.RoleTool, next[3].Role)
	assert.Contains(t, next[3].Content, "fact about x")
	assert.NotContains(t, next[1].Content, "fact about x")
}

func TestPromptSizeIndependentOfTurns(t *testing.T) {
	rec := &toolRecorder{}
	reg := newRegistry(t, lookupTool(rec))
	model := llmtest.NewScriptedClient()
	turn := 0
	model.Fallback = func(msgs []llm.Message) llmtest.Reply {
		if isParameterPhase(msgs) {
			return params(map[string]any{"q": "q" + strings.Repeat("z", turn%3)})
		}
		turn++
		return decision(map[string]any{
			"analysis": "working", "tool": "lookup", "intent": "next",
			"state_update": map[string]any{"completed_steps": []string{strings.Repeat("step ", 10) + string(rune('a'+turn%26))}},
		})
	}
	cfg := Config{MaxTurns: 60, Detector: loopdetect.Config{RepeatThreshold: 100, CycleThreshold: 100}}
	res := newLoop(model, reg, cfg).Execute(context.Background(), Request{Task: "long task"})
	require.Equal(t, ExitMaxTurns, res.Status, res.Reason)

	var maxLen int
	for _, r := range model.Requests() {
		if isParameterPhase(r) {
			continue
		}
		n := 0
		for _, m := range r {
			n += len(m.Content)
		}
		if n > maxLen {
			maxLen = n
		}
	}
	// 20 个步骤上限后不再增长
	assert.Less(t, maxLen, 8000)
	assert.Len(t, res.State.CompletedSteps, MaxCompletedSteps)
}

func TestRepeatedIdenticalCallIsDetected(t *testing.T) {
	rec := &toolRecorder{}
	reg := newRegistry(t, lookupTool(rec))
	model := llmtest.NewScriptedClient()
	model.Fallback = func(msgs []llm.Message) llmtest.Reply {
		if isParameterPhase(msgs) {
			return params(map[string]any{"q": "same"})
		}
		return decision(map[string]any{"analysis": "again", "tool": "lookup", "intent": "same lookup"})
	}
	res := newLoop(model, reg, Config{}).Execute(context.Background(), Request{Task: "loop forever"})

	require.Equal(t, ExitLoopDetected, res.Status)
	assert.Len(t, res.Trace, 4)
	require.NotNil(t, res.Loop)
	assert.Equal(t, "lookup", res.Loop.Pattern[0])
	assert.Equal(t, 4, rec.count())
}

func TestToolTimeoutBoundedByLoopDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hang := &tool.Func{
		ToolName:        "hang",
		ToolDescription: "never returns",
		ToolSchema:      tool.Schema{Type: "object"},
		Fn: func(context.Context, map[string]any) (tool.Result, error) {
			<-release
			return tool.OK("late"), nil
		},
	}
	reg := newRegistry(t, hang)
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "call", "tool": "hang", "intent": "wait"}),
		params(map[string]any{}),
	)
	start := time.Now()
	res := newLoop(model, reg, Config{ToolTimeout: time.Minute}).Execute(context.Background(), Request{
		Task:    "hang",
		Timeout: 150 * time.Millisecond,
	})
	assert.Equal(t, ExitTimeout, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, res.Trace, 1)
	assert.False(t, res.Trace[0].ToolCalls[0].Result.Success)
}

func TestCancelCheckStopsAfterTurn(t *testing.T) {
	rec := &toolRecorder{}
	reg := newRegistry(t, lookupTool(rec))
	model := llmtest.NewScriptedClient()
	model.Fallback = func(msgs []llm.Message) llmtest.Reply {
		if isParameterPhase(msgs) {
			return params(map[string]any{"q": "x"})
		}
		return decision(map[string]any{"analysis": "go", "tool": "lookup", "intent": "x"})
	}
	res := newLoop(model, reg, Config{}).Execute(context.Background(), Request{
		Task:        "cancel me",
		CancelCheck: func() bool { return rec.count() >= 1 },
	})
	assert.Equal(t, ExitCancelled, res.Status)
	assert.Len(t, res.Trace, 1)
}

func TestCancelledContextBeforeStart(t *testing.T) {
	model := llmtest.NewScriptedClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newLoop(model, newRegistry(t), Config{}).Execute(ctx, Request{Task: "x"})
	assert.Equal(t, ExitCancelled, res.Status)
	assert.Empty(t, res.Trace)
	assert.Equal(t, 0, model.Calls())
}

func TestDoneBlockedByPendingActions(t *testing.T) {
	model := llmtest.NewScriptedClient(
		decision(map[string]any{
			"analysis": "finished?", "done": true, "response": "early",
			"state_update": map[string]any{"pending_actions": []string{"send summary"}},
		}),
		decision(map[string]any{
			"analysis": "sent", "done": true, "response": "final",
			"state_update": map[string]any{"completed_steps": "sent summary", "pending_actions": []string{}},
		}),
	)
	res := newLoop(model, newRegistry(t), Config{}).Execute(context.Background(), Request{Task: "summarize"})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Equal(t, "final", res.Response)
	require.Len(t, res.Trace, 2)
	assert.False(t, res.Trace[0].Done)
	assert.Contains(t, model.Requests()[1][1].Content, "done was rejected")
}

func TestDoneWithToolRunsToolFirst(t *testing.T) {
	rec := &toolRecorder{}
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "both", "tool": "lookup", "intent": "x", "done": true}),
		params(map[string]any{"q": "x"}),
		decision(map[string]any{"analysis": "now done", "done": true, "response": "ok"}),
	)
	res := newLoop(model, newRegistry(t, lookupTool(rec)), Config{}).Execute(context.Background(), Request{Task: "t"})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Len(t, res.Trace, 2)
	assert.Equal(t, 1, rec.count())
	assert.Contains(t, model.Requests()[2][1].Content, "done was ignored")
}

func TestInvalidParametersFedBackWithoutExecution(t *testing.T) {
	rec := &toolRecorder{}
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "call", "tool": "lookup", "intent": "x"}),
		params(map[string]any{"q": 5}),
		decision(map[string]any{"analysis": "give up", "done": true, "response": "none"}),
	)
	res := newLoop(model, newRegistry(t, lookupTool(rec)), Config{}).Execute(context.Background(), Request{Task: "t"})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Equal(t, 0, rec.count())
	call := res.Trace[0].ToolCalls[0]
	assert.False(t, call.Executed)
	assert.False(t, call.Result.Success)
	assert.Contains(t, call.Result.Error, "invalid parameters for lookup")

	next := model.Requests()[2]
	require.Len(t, next, 4)
	assert.Contains(t, next[3].Content, "invalid parameters")
	assert.Contains(t, next[1].Content, "error_context")
}

func TestUnknownToolFedBack(t *testing.T) {
	rec := &toolRecorder{}
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "call", "tool": "teleport", "intent": "x"}),
		decision(map[string]any{"analysis": "ok", "done": true, "response": "done"}),
	)
	res := newLoop(model, newRegistry(t, lookupTool(rec)), Config{}).Execute(context.Background(), Request{Task: "t"})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Equal(t, 2, model.Calls())
	assert.Contains(t, res.Trace[0].ToolCalls[0].Result.Error, `unknown tool "teleport"`)
}

func TestToolOutsideAllowListIsUnknown(t *testing.T) {
	rec := &toolRecorder{}
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "call", "tool": "lookup", "intent": "x"}),
		decision(map[string]any{"analysis": "ok", "done": true}),
	)
	res := newLoop(model, newRegistry(t, lookupTool(rec), otherTool()), Config{}).Execute(context.Background(), Request{
		Task:  "t",
		Tools: []string{"archive"},
	})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Equal(t, 0, rec.count())
	assert.NotContains(t, model.Requests()[0][1].Content, `"lookup"`)
}

func TestModelRetriedThenTurnFails(t *testing.T) {
	model := llmtest.NewScriptedClient()
	model.Fallback = func([]llm.Message) llmtest.Reply { return llmtest.Reply{Err: errors.New("upstream 503")} }
	res := newLoop(model, newRegistry(t), Config{}).Execute(context.Background(), Request{Task: "t"})

	assert.Equal(t, ExitError, res.Status)
	assert.Contains(t, res.Reason, "upstream 503")
	assert.Len(t, res.Trace, DefaultMaxConsecutiveFailures)
	assert.Equal(t, DefaultMaxConsecutiveFailures*(DefaultModelRetries+1), model.Calls())
	for _, tr := range res.Trace {
		assert.True(t, tr.Failed)
	}
}

func TestUnparsableOutputRetriedWithCorrection(t *testing.T) {
	model := llmtest.NewScriptedClient(
		llmtest.Text("I think we are done here."),
		decision(map[string]any{"analysis": "ok", "done": true, "response": "done"}),
	)
	res := newLoop(model, newRegistry(t), Config{}).Execute(context.Background(), Request{Task: "t"})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Len(t, res.Trace, 1)

	retry := model.Requests()[1]
	require.Len(t, retry, 4)
	assert.Equal(t, llm.RoleAssistant, retry[2].Role)
	assert.Contains(t, retry[3].Content, "single valid JSON object")
}

func TestMaxTurns(t *testing.T) {
	model := llmtest.NewScriptedClient()
	model.Fallback = func([]llm.Message) llmtest.Reply {
		return decision(map[string]any{"analysis": "still thinking"})
	}
	res := newLoop(model, newRegistry(t), Config{MaxTurns: 5}).Execute(context.Background(), Request{Task: "t", MaxTurns: 3})
	assert.Equal(t, ExitMaxTurns, res.Status)
	assert.Len(t, res.Trace, 3)
}

func TestSeedStateNotMutated(t *testing.T) {
	seed := NewAtomicState()
	seed.SetVariable("user", "ada")
	model := llmtest.NewScriptedClient(decision(map[string]any{
		"analysis": "ok", "done": true,
		"state_update": map[string]any{"variables": map[string]any{"greeting": "hi"}},
	}))
	res := newLoop(model, newRegistry(t), Config{}).Execute(context.Background(), Request{Task: "t", Seed: seed})
	require.Equal(t, ExitCompleted, res.Status)
	assert.Len(t, seed.Variables, 1)
	assert.Equal(t, "ada", res.State.Variables["user"])
	assert.Equal(t, "hi", res.State.Variables["greeting"])
	assert.Contains(t, model.Requests()[0][1].Content, "ada")
}

type stubReflector struct {
	action ReflectAction
	calls  atomic.Int32
	tails  []int
}

func (s *stubReflector) MaybeReflect(_ context.Context, tail []Turn) *ReflectionDecision {
	s.calls.Add(1)
	s.tails = append(s.tails, len(tail))
	return &ReflectionDecision{Action: s.action, Reason: "stuck", Guidance: "try another source"}
}

func idleModel() *llmtest.ScriptedClient {
	model := llmtest.NewScriptedClient()
	model.Fallback = func([]llm.Message) llmtest.Reply {
		return decision(map[string]any{"analysis": "nothing new"})
	}
	return model
}

func TestReflectionEscalates(t *testing.T) {
	refl := &stubReflector{action: ReflectEscalate}
	res := newLoop(idleModel(), newRegistry(t), Config{}).Execute(context.Background(), Request{
		Task:  "t",
		Hooks: Hooks{Reflector: refl},
	})
	assert.Equal(t, ExitEscalationNeeded, res.Status)
	assert.Len(t, res.Trace, DefaultNoProgressTurns)
	require.Len(t, res.Reflections, 1)
	assert.Equal(t, DefaultNoProgressTurns, res.Reflections[0].Turn)
	assert.Equal(t, []int{DefaultNoProgressTurns}, refl.tails)
}

func TestReflectionTerminateIsError(t *testing.T) {
	res := newLoop(idleModel(), newRegistry(t), Config{}, WithHooks(Hooks{Reflector: &stubReflector{action: ReflectTerminate}})).
		Execute(context.Background(), Request{Task: "t"})
	assert.Equal(t, ExitError, res.Status)
	assert.Contains(t, res.Reason, "stuck")
}

func TestReflectionGuidanceInjected(t *testing.T) {
	refl := &stubReflector{action: ReflectPivot}
	model := idleModel()
	res := newLoop(model, newRegistry(t), Config{MaxTurns: 4}).Execute(context.Background(), Request{
		Task:  "t",
		Hooks: Hooks{Reflector: refl},
	})
	assert.Equal(t, ExitMaxTurns, res.Status)
	reqs := model.Requests()
	require.Len(t, reqs, 4)
	assert.NotContains(t, reqs[2][1].Content, "try another source")
	assert.Contains(t, reqs[3][1].Content, "try another source")
}

type stubPlanner struct{ replan bool }

func (p *stubPlanner) PlanContext() string { return "step 1: gather data" }

func (p *stubPlanner) MaybeAdvancePlan(context.Context, []string) *PlanUpdate {
	return &PlanUpdate{CompletedStep: -1, CurrentStep: 1, Replan: p.replan, Reason: "plan drifted"}
}

type countingLearner struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (l *countingLearner) RecordOutcome(_ context.Context, o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
}

func (l *countingLearner) Advisory() string { return "lookup is reliable" }

func TestPlannerAndLearnerHooks(t *testing.T) {
	rec := &toolRecorder{}
	model := llmtest.NewScriptedClient(
		decision(map[string]any{"analysis": "a", "tool": "lookup", "intent": "x"}),
		params(map[string]any{"q": "x"}),
		decision(map[string]any{"analysis": "b", "done": true, "response": "ok"}),
	)
	learner := &countingLearner{}
	res := newLoop(model, newRegistry(t, lookupTool(rec)), Config{}).Execute(context.Background(), Request{
		Task:  "t",
		Hooks: Hooks{Planner: &stubPlanner{replan: true}, Learner: learner},
	})
	require.Equal(t, ExitCompleted, res.Status)
	require.Len(t, learner.outcomes, 1)
	assert.Equal(t, "lookup", learner.outcomes[0].Tool)
	require.NotNil(t, res.FollowUp)
	assert.Equal(t, "plan drifted", res.FollowUp.Reason)
	assert.Len(t, res.PlanUpdates, 2)
	assert.Equal(t, 1, res.State.CurrentStep)

	first := model.Requests()[0][1].Content
	assert.Contains(t, first, "step 1: gather data")
	assert.Contains(t, first, "lookup is reliable")
}

func TestConsecutiveToolFailures(t *testing.T) {
	failing := &tool.Func{
		ToolName:        "flaky",
		ToolDescription: "always fails",
		ToolSchema:      tool.Schema{Type: "object", Properties: map[string]tool.SchemaProperty{"n": {Type: "integer"}}},
		Fn: func(context.Context, map[string]any) (tool.Result, error) {
			return tool.Fail("backend down"), nil
		},
	}
	model := llmtest.NewScriptedClient()
	n := 0
	model.Fallback = func(msgs []llm.Message) llmtest.Reply {
		if isParameterPhase(msgs) {
			n++
			return params(map[string]any{"n": n})
		}
		return decision(map[string]any{"analysis": "retry", "tool": "flaky", "intent": "try"})
	}
	res := newLoop(model, newRegistry(t, failing), Config{}).Execute(context.Background(), Request{Task: "t"})
	assert.Equal(t, ExitError, res.Status)
	assert.Equal(t, DefaultMaxToolFailures, res.Metrics.ToolFailures)
	assert.Contains(t, res.Reason, "backend down")
}
