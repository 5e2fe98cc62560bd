package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPhasesHappyPath(t *testing.T) {
	f := New("run-1", PhaseIdle, RunPhases, nil)
	var entered []State
	f.RegisterCallback(PhaseMonitoring, func(id string, from State) {
		assert.Equal(t, "run-1", id)
		entered = append(entered, from)
	})

	for _, e := range []Event{EventAnalyze, EventSolve, EventSolved, EventDisrupt, EventAdjusted, EventComplete} {
		_, err := f.Fire(e)
		require.NoError(t, err, e)
	}
	assert.Equal(t, PhaseDone, f.Current())
	assert.Equal(t, []State{PhaseSolving, PhaseAdjusting}, entered)
}

func TestInvalidTransitionKeepsState(t *testing.T) {
	f := New("run-2", PhaseIdle, RunPhases, nil)
	assert.False(t, f.Can(EventDisrupt))
	st, err := f.Fire(EventDisrupt)
	assert.Error(t, err)
	assert.Equal(t, PhaseIdle, st)
	assert.Equal(t, PhaseIdle, f.Current())

	_, err = f.Fire(EventSolve)
	require.NoError(t, err)
	_, err = f.Fire(EventFail)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, f.Current())
	assert.False(t, f.Can(EventSolve), "失败是终态")
}

func TestModelLifecycle(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		to    State
		ok    bool
	}{
		{VersionRegistered, EventDeploy, VersionShadow, true},
		{VersionShadow, EventPromote, VersionActive, true},
		{VersionRegistered, EventPromote, VersionActive, true},
		{VersionActive, EventRetire, VersionRetired, true},
		{VersionRetired, EventReactivate, VersionActive, true},
		{VersionActive, EventDeploy, VersionActive, false},
		{VersionRetired, EventPromote, VersionRetired, false},
	}
	for _, tt := range tests {
		got, err := ModelLifecycle.Next(tt.from, tt.event)
		if tt.ok {
			require.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
		assert.Equal(t, tt.to, got)
	}
}
