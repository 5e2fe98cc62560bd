package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func singleMachine() []*types.Machine {
	return []*types.Machine{{ID: "M1", Capabilities: []string{"cut"}, Capacity: 1}}
}

// 一台机台上一长一短两个工单，短工单交期紧
func twoJobs() []*types.Job {
	return []*types.Job{
		{ID: "J1", Due: 200, Operations: []*types.Operation{{ID: "J1-1", Capability: "cut", Duration: 50}}},
		{ID: "J2", Due: 20, Operations: []*types.Operation{{ID: "J2-1", Capability: "cut", Duration: 10}}},
	}
}

func startOf(t *testing.T, s *types.Schedule, id string) int {
	t.Helper()
	_, op := s.Operation(id)
	require.NotNil(t, op, id)
	return op.Start
}

func TestRulesOrderOperations(t *testing.T) {
	tests := []struct {
		rule   Rule
		first  string
		second string
	}{
		{SPT, "J2-1", "J1-1"},
		{LPT, "J1-1", "J2-1"},
		{EDD, "J2-1", "J1-1"},
		{MinSlack, "J2-1", "J1-1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			s, err := Schedule(twoJobs(), singleMachine(), tt.rule, Options{})
			require.NoError(t, err)
			require.NoError(t, s.Validate(singleMachine()))
			assert.Equal(t, 0, startOf(t, s, tt.first))
			assert.Greater(t, startOf(t, s, tt.second), 0)
		})
	}
}

func TestScheduleDoesNotMutateInput(t *testing.T) {
	jobs := twoJobs()
	_, err := Schedule(jobs, singleMachine(), SPT, Options{})
	require.NoError(t, err)
	assert.Empty(t, jobs[0].Operations[0].MachineID)
}

func TestScheduleRespectsChainsAndBlockedWindows(t *testing.T) {
	machines := []*types.Machine{
		{ID: "M1", Capabilities: []string{"cut"}},
		{ID: "M2", Capabilities: []string{"drill"}},
	}
	jobs := []*types.Job{{ID: "J1", Due: 100, Operations: []*types.Operation{
		{ID: "J1-1", Capability: "cut", Duration: 20},
		{ID: "J1-2", Capability: "drill", Duration: 10},
	}}}
	s, err := Schedule(jobs, machines, FCFS, Options{
		Blocked: map[string][]types.Interval{"M1": {{Start: 0, End: 30}}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Validate(machines))
	assert.Equal(t, 30, startOf(t, s, "J1-1"))
	assert.Equal(t, 50, startOf(t, s, "J1-2"))
}

func TestScheduleHonoursNowAndReadyAt(t *testing.T) {
	s, err := Schedule(twoJobs(), singleMachine(), SPT, Options{Now: 5, ReadyAt: map[string]int{"J2-1": 40}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, startOf(t, s, "J1-1"), 5)
	assert.GreaterOrEqual(t, startOf(t, s, "J2-1"), 40)
}

func TestScheduleMissingCapability(t *testing.T) {
	jobs := []*types.Job{{ID: "J1", Operations: []*types.Operation{{ID: "J1-1", Capability: "paint", Duration: 5}}}}
	_, err := Schedule(jobs, singleMachine(), SPT, Options{})
	var v *types.ViolationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, types.ViolationCapability, v.Kind)
	assert.Equal(t, "J1-1", v.OperationID)
}

func TestBestPicksLowestObjective(t *testing.T) {
	s, rule, err := Best(twoJobs(), singleMachine(), types.Weights{Tardiness: 1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalTardiness())
	// SPT 和 EDD 都没有拖期，按规则顺序取先出现的
	assert.Equal(t, SPT, rule)
}

func TestEligiblePrefersMachinesThatAreUp(t *testing.T) {
	machines := []*types.Machine{
		{ID: "M1", Capabilities: []string{"cut"}, Status: types.MachineDown},
		{ID: "M2", Capabilities: []string{"cut"}},
		{ID: "M3", Capabilities: []string{"drill"}},
	}
	got := Eligible(machines, "cut")
	require.Len(t, got, 1)
	assert.Equal(t, "M2", got[0].ID)

	machines[1].Status = types.MachineDown
	assert.Len(t, Eligible(machines, "cut"), 2, "全部停机时退回停机机台")
	assert.Empty(t, Eligible(machines, "weld"))
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("EDD")
	require.NoError(t, err)
	assert.Equal(t, EDD, r)

	_, err = ParseRule("random")
	assert.Error(t, err)
}
