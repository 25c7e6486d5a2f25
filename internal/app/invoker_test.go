package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/learning"
	"agentd/internal/agent/loop"
	"agentd/internal/agent/runtime"
	"agentd/internal/model/llm/llmtest"
	"agentd/internal/tool/registry"
	"agentd/pkg/log"
)

func reply(d map[string]any) llmtest.Reply {
	b, _ := json.Marshal(d)
	return llmtest.Text(string(b))
}

func newTestInvoker(model *llmtest.ScriptedClient, carry bool) *Invoker {
	reg := registry.New(registry.Options{Logger: log.Discard()})
	lp := loop.New(model, reg, loop.Config{}, loop.WithLogger(log.Discard()))
	return NewInvoker(lp, learning.NewOutcomeTracker(0), InvokerConfig{CarryState: carry}, log.Discard())
}

func invocation(agentID, msg string, meta map[string]any) runtime.Invocation {
	return runtime.Invocation{
		Agent: runtime.AgentConfig{ID: agentID, Instructions: "be brief"},
		Event: runtime.AgentEvent{ID: "e1", AgentID: agentID, Message: msg, Metadata: meta},
	}
}

func TestPlanFromMetadata(t *testing.T) {
	_, ok, err := PlanFromMetadata("goal", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	p, ok, err := PlanFromMetadata("goal", map[string]any{MetaPlan: []any{"fetch data", 3, "write report"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "write report", p.Steps[1].Description)

	_, ok, err = PlanFromMetadata("goal", map[string]any{MetaPlan: []string{}})
	require.NoError(t, err)
	assert.False(t, ok)

	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "b", "type": "llm", "description": "summarize"},
			map[string]any{"id": "a", "type": "tool", "tool_name": "http.request", "description": "download"},
		},
		"edges": []any{map[string]any{"from": "a", "to": "b"}},
	}
	p, ok, err = PlanFromMetadata("goal", map[string]any{MetaTaskGraph: graph})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "download", p.Steps[0].Description)
	assert.Equal(t, "goal", p.Goal)

	cyclic := map[string]any{
		"nodes": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
		"edges": []any{map[string]any{"from": "a", "to": "b"}, map[string]any{"from": "b", "to": "a"}},
	}
	_, _, err = PlanFromMetadata("goal", map[string]any{MetaTaskGraph: cyclic})
	assert.Error(t, err)
}

func TestInvokerCarriesStateBetweenRuns(t *testing.T) {
	model := llmtest.NewScriptedClient(
		reply(map[string]any{
			"analysis": "noted", "done": true, "response": "ok",
			"state_update": map[string]any{"variables": map[string]any{"city": "Lisbon"}},
		}),
		reply(map[string]any{"analysis": "recall", "done": true, "response": "Lisbon"}),
	)
	inv := newTestInvoker(model, true)

	res := inv.Invoke(context.Background(), invocation("a1", "remember Lisbon", nil))
	require.Equal(t, loop.ExitCompleted, res.Status, res.Reason)

	res = inv.Invoke(context.Background(), invocation("a1", "which city?", nil))
	require.Equal(t, loop.ExitCompleted, res.Status, res.Reason)
	assert.Equal(t, "Lisbon", res.State.Variables["city"])
	assert.Contains(t, model.Requests()[1][1].Content, "Lisbon")

	inv.Forget("a1")
	assert.Nil(t, inv.seed("a1"))
}

func TestInvokerWithoutCarryStartsFresh(t *testing.T) {
	model := llmtest.NewScriptedClient(
		reply(map[string]any{
			"analysis": "noted", "done": true, "response": "ok",
			"state_update": map[string]any{"variables": map[string]any{"city": "Lisbon"}},
		}),
		reply(map[string]any{"analysis": "x", "done": true, "response": "?"}),
	)
	inv := newTestInvoker(model, false)
	inv.Invoke(context.Background(), invocation("a1", "remember Lisbon", nil))
	res := inv.Invoke(context.Background(), invocation("a1", "which city?", nil))
	_, ok := res.State.Variables["city"]
	assert.False(t, ok)
}

func TestInvokerPassesPlanToPrompt(t *testing.T) {
	model := llmtest.NewScriptedClient(
		reply(map[string]any{"analysis": "done", "done": true, "response": "ok"}),
	)
	inv := newTestInvoker(model, false)
	res := inv.Invoke(context.Background(), invocation("a1", "report", map[string]any{MetaPlan: []string{"gather data", "write report"}}))
	require.Equal(t, loop.ExitCompleted, res.Status, res.Reason)
	assert.Contains(t, model.Requests()[0][1].Content, "gather data")
}
