package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	now := time.Now()
	state := NewState(now)
	assert.Equal(t, StatusPending, state.Status)

	steps := []struct {
		status Status
		action ActionKind
	}{
		{StatusCloning, ActionCloneRepository},
		{StatusAnalyzing, ActionRunTests},
		{StatusReasoning, ActionInvokeLLMReview},
		{StatusPublishing, ActionPublishInlineComments},
		{StatusCompleted, ActionTerminate},
	}
	for _, step := range steps {
		var err error
		state, err = state.Advance(step.status, step.action, now)
		require.NoError(t, err)
		require.NotNil(t, state.CurrentAction)
		assert.Equal(t, step.action, state.CurrentAction.Kind)
		state = state.CompleteAction(now, nil)
	}

	assert.Equal(t, StatusCompleted, state.Status)
	assert.True(t, state.Status.Terminal())
	assert.Len(t, state.CompletedActions, 5)
	for _, a := range state.CompletedActions {
		assert.True(t, a.Success)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	now := time.Now()
	state := NewState(now)

	_, err := state.Advance(StatusReasoning, ActionInvokeLLMReview, now)
	require.Error(t, err)

	_, err = state.Advance(StatusCompleted, ActionTerminate, now)
	require.Error(t, err)

	// Skipping a state from CLONING is rejected too.
	state, err = state.Advance(StatusCloning, ActionCloneRepository, now)
	require.NoError(t, err)
	_, err = state.Advance(StatusPublishing, ActionPublishInlineComments, now)
	require.Error(t, err)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	now := time.Now()
	state := NewState(now).Fail(now, "boom")
	assert.Equal(t, StatusFailed, state.Status)

	_, err := state.Advance(StatusCloning, ActionCloneRepository, now)
	require.Error(t, err)

	// Failing again changes nothing.
	again := state.Fail(now, "other")
	assert.Equal(t, "boom", again.ErrorMessage)
}

func TestFailRecordsInFlightAction(t *testing.T) {
	now := time.Now()
	state := NewState(now)
	state, err := state.Advance(StatusCloning, ActionCloneRepository, now)
	require.NoError(t, err)

	state = state.Fail(now.Add(time.Second), "clone refused")
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "clone refused", state.ErrorMessage)
	require.Len(t, state.CompletedActions, 1)
	assert.False(t, state.CompletedActions[0].Success)
	assert.Equal(t, "clone refused", state.CompletedActions[0].ErrorMessage)
	assert.Nil(t, state.CurrentAction)
}

func TestLastUpdatedIsMonotonic(t *testing.T) {
	now := time.Now()
	state := NewState(now)

	// Mutations with a non-advancing clock still move lastUpdated.
	next := state.WithContext(now, "k", "v")
	assert.True(t, next.LastUpdated.After(state.LastUpdated))

	andThen := next.WithContext(now.Add(-time.Hour), "k2", "v2")
	assert.True(t, andThen.LastUpdated.After(next.LastUpdated))
}

func TestStateValuesShareNothing(t *testing.T) {
	now := time.Now()
	state := NewState(now).WithContext(now, "k", "v")

	mutated := state.WithContext(now, "k", "changed")
	assert.Equal(t, "v", state.Context["k"])
	assert.Equal(t, "changed", mutated.Context["k"])

	advanced, err := state.Advance(StatusCloning, ActionCloneRepository, now)
	require.NoError(t, err)
	completed := advanced.CompleteAction(now, nil)
	assert.Nil(t, completed.CurrentAction)
	assert.NotNil(t, advanced.CurrentAction)
}
