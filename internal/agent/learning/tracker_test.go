package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/loop"
	"agentd/internal/tool"
)

func TestAdvisoryForFailingTool(t *testing.T) {
	tr := NewOutcomeTracker(0)
	ctx := context.Background()
	tr.RecordOutcome(ctx, loop.Outcome{Tool: "http.request", Result: tool.Fail("HTTP 500"), Latency: 10 * time.Millisecond})
	assert.Empty(t, tr.Advisory(), "one sample is not enough")

	tr.RecordOutcome(ctx, loop.Outcome{Tool: "http.request", Result: tool.OK("ok"), Latency: 30 * time.Millisecond})
	tr.RecordOutcome(ctx, loop.Outcome{Tool: "time.now", Result: tool.OK("now")})
	adv := tr.Advisory()
	assert.Contains(t, adv, "http.request failed 1 of its last 2 calls")
	assert.Contains(t, adv, "HTTP 500")
	assert.NotContains(t, adv, "time.now")

	stats := tr.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "http.request", stats[0].Tool)
	assert.Equal(t, 20*time.Millisecond, stats[0].AvgLatency)
	assert.InDelta(t, 0.5, stats[0].FailureRate, 1e-9)
}

func TestWindowDropsOldOutcomes(t *testing.T) {
	tr := NewOutcomeTracker(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tr.RecordOutcome(ctx, loop.Outcome{Tool: "x", Result: tool.Fail("bad")})
	}
	assert.NotEmpty(t, tr.Advisory())
	for i := 0; i < 3; i++ {
		tr.RecordOutcome(ctx, loop.Outcome{Tool: "x", Result: tool.OK("")})
	}
	assert.Empty(t, tr.Advisory())
	assert.Equal(t, 3, tr.Stats()[0].Calls)
}
