package loop

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEvictsOldestSteps(t *testing.T) {
	s := NewAtomicState()
	for i := 0; i < MaxCompletedSteps+5; i++ {
		s.AddCompletedStep(fmt.Sprintf("step %d", i))
	}
	require.Len(t, s.CompletedSteps, MaxCompletedSteps)
	assert.Equal(t, "step 5", s.CompletedSteps[0])
	assert.Equal(t, fmt.Sprintf("step %d", MaxCompletedSteps+4), s.CompletedSteps[MaxCompletedSteps-1])
}

func TestVariablesEvictLeastRecentlyWritten(t *testing.T) {
	s := NewAtomicState()
	for i := 0; i < MaxVariables; i++ {
		s.SetVariable(fmt.Sprintf("k%02d", i), i)
	}
	// 重写 k00，使 k01 成为最久未写入的
	s.SetVariable("k00", "again")
	s.SetVariable("new", true)
	require.Len(t, s.Variables, MaxVariables)
	assert.Contains(t, s.Variables, "k00")
	assert.Contains(t, s.Variables, "new")
	assert.NotContains(t, s.Variables, "k01")
}

func TestPendingActionsKeepFirst(t *testing.T) {
	s := NewAtomicState()
	actions := make([]string, 15)
	for i := range actions {
		actions[i] = fmt.Sprintf("a%d", i)
	}
	s.SetPendingActions(actions)
	require.Len(t, s.PendingActions, MaxPendingActions)
	assert.Equal(t, "a0", s.PendingActions[0])
	assert.Equal(t, "a9", s.PendingActions[9])
}

func TestLargeVariableValueIsTruncated(t *testing.T) {
	s := NewAtomicState()
	s.SetVariable("blob", strings.Repeat("x", 10000))
	v, ok := s.Variables["blob"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(v, truncatedValueTag))
	b, _ := json.Marshal(v)
	assert.LessOrEqual(t, len(b), maxValueBytes)
}

func TestStateUpdateAcceptsStringStep(t *testing.T) {
	var u StateUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"completed_steps":"fetched page","current_step":2}`), &u))
	s := NewAtomicState()
	assert.Equal(t, 1, s.Apply(u))
	assert.Equal(t, []string{"fetched page"}, s.CompletedSteps)
	assert.Equal(t, 2, s.CurrentStep)
}

func TestPendingActionsReplacedOnlyWhenPresent(t *testing.T) {
	s := NewAtomicState()
	s.SetPendingActions([]string{"a"})

	var u StateUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"variables":{"x":1}}`), &u))
	s.Apply(u)
	assert.Equal(t, []string{"a"}, s.PendingActions)

	require.NoError(t, json.Unmarshal([]byte(`{"pending_actions":[]}`), &u))
	s.Apply(u)
	assert.Empty(t, s.PendingActions)
}

func TestCloneIsDeep(t *testing.T) {
	s := NewAtomicState()
	s.SetVariable("m", map[string]any{"a": 1})
	s.AddCompletedStep("one")
	c := s.Clone()
	c.SetVariable("other", 2)
	c.AddCompletedStep("two")
	c.Variables["m"].(map[string]any)["a"] = 2

	assert.Len(t, s.Variables, 1)
	assert.Equal(t, []string{"one"}, s.CompletedSteps)
	assert.Equal(t, 1, s.Variables["m"].(map[string]any)["a"])
}

func TestNormalizeEnforcesCaps(t *testing.T) {
	s := &AtomicState{
		CompletedSteps: make([]string, 30),
		Variables:      map[string]any{},
		PendingActions: make([]string, 12),
		CurrentStep:    -3,
	}
	for i := range s.CompletedSteps {
		s.CompletedSteps[i] = fmt.Sprintf("s%d", i)
	}
	for i := range s.PendingActions {
		s.PendingActions[i] = fmt.Sprintf("p%d", i)
	}
	for i := 0; i < 60; i++ {
		s.Variables[fmt.Sprintf("v%02d", i)] = i
	}
	s.Normalize()
	assert.Len(t, s.CompletedSteps, MaxCompletedSteps)
	assert.Len(t, s.Variables, MaxVariables)
	assert.Len(t, s.PendingActions, MaxPendingActions)
	assert.Equal(t, 0, s.CurrentStep)
}

// 任意更新序列之后，状态的序列化大小都有与轮数无关的上界
func TestStateSizeBounded(t *testing.T) {
	// 每个条目的最坏情况：rune 截断后按 UTF-8 4 字节与 JSON 引号/逗号估算
	bound := MaxCompletedSteps*(maxEntryRunes*4+3) +
		MaxVariables*(maxKeyRunes*4+4+maxValueBytes) +
		MaxPendingActions*(maxEntryRunes*4+3) +
		maxErrorRunes*4 + 200

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("caps hold after any update sequence", prop.ForAll(
		func(turns int, width int, payload string) bool {
			s := NewAtomicState()
			for i := 0; i < turns; i++ {
				vars := map[string]any{}
				for j := 0; j < width; j++ {
					vars[fmt.Sprintf("%s-%d-%d", payload, i, j)] = strings.Repeat(payload, 50)
				}
				actions := StringList{}
				for j := 0; j < width; j++ {
					actions = append(actions, payload+fmt.Sprint(j))
				}
				s.Apply(StateUpdate{
					CompletedSteps: StringList{strings.Repeat(payload, 20), fmt.Sprint(i)},
					Variables:      vars,
					PendingActions: &actions,
				})
				s.SetError(strings.Repeat(payload, 100))
				if len(s.CompletedSteps) > MaxCompletedSteps || len(s.Variables) > MaxVariables ||
					len(s.PendingActions) > MaxPendingActions {
					return false
				}
			}
			return s.Size() <= bound
		},
		gen.IntRange(0, 80),
		gen.IntRange(0, 15),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
