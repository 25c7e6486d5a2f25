package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheus(t *testing.T) {
	LoopRunsTotal.WithLabelValues("completed").Inc()
	ToolCallsTotal.WithLabelValues("time.now", "success").Inc()

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "agentd_loop_runs_total")
	assert.Contains(t, out, `exit_state="completed"`)
	assert.Contains(t, out, "agentd_tool_calls_total")
}
