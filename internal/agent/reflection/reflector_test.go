package reflection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/loop"
	"agentd/internal/tool"
)

func failingTurn(n int) loop.Turn {
	return loop.Turn{Number: n, ToolCalls: []loop.ToolCall{{Tool: "http.request", Result: tool.Fail("HTTP 503")}}}
}

func TestFailureHeavyTailPivots(t *testing.T) {
	r := New(2)
	d := r.MaybeReflect(context.Background(), []loop.Turn{failingTurn(1), failingTurn(2), {Number: 3}})
	require.NotNil(t, d)
	assert.Equal(t, loop.ReflectPivot, d.Action)
	assert.Contains(t, d.Guidance, "http.request: HTTP 503")
}

func TestToollessTailAdjusts(t *testing.T) {
	d := New(2).MaybeReflect(context.Background(), []loop.Turn{{Number: 1}, {Number: 2}, {Number: 3}})
	require.NotNil(t, d)
	assert.Equal(t, loop.ReflectAdjust, d.Action)
	assert.Contains(t, d.Reason, "no tool used")
}

func TestEscalatesAfterLimit(t *testing.T) {
	r := New(1)
	tail := []loop.Turn{{Number: 1}}
	assert.Equal(t, loop.ReflectAdjust, r.MaybeReflect(context.Background(), tail).Action)
	assert.Equal(t, loop.ReflectEscalate, r.MaybeReflect(context.Background(), tail).Action)
	assert.Equal(t, 2, r.Count())

	r = New(1)
	r.TerminateOnExhaustion = true
	r.MaybeReflect(context.Background(), tail)
	assert.Equal(t, loop.ReflectTerminate, r.MaybeReflect(context.Background(), tail).Action)
}

func TestEmptyTail(t *testing.T) {
	assert.Nil(t, New(0).MaybeReflect(context.Background(), nil))
}
