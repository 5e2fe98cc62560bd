package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func testConfig(parallel int) config.Config {
	cfg := config.Default()
	cfg.Environment.MaxOperations = 8
	cfg.Environment.MaxMachines = 3
	cfg.Environment.Horizon = 480
	cfg.Environment.DisruptionProb = 0.2
	cfg.Evaluation.Parallelism = parallel
	return *cfg
}

func scenarios(t *testing.T) []sim.Scenario {
	t.Helper()
	machines := []*types.Machine{
		{ID: "M1", Type: "cnc", Capabilities: []string{"cut"}, Capacity: 1},
		{ID: "M2", Type: "cnc", Capabilities: []string{"cut", "weld"}, Capacity: 1},
	}
	jobs := []*types.Job{
		{ID: "J1", Due: 90, Operations: []*types.Operation{
			{ID: "J1-1", Capability: "cut", Duration: 40},
			{ID: "J1-2", Capability: "weld", Duration: 30},
		}},
		{ID: "J2", Due: 60, Operations: []*types.Operation{
			{ID: "J2-1", Capability: "cut", Duration: 50},
		}},
		{ID: "J3", Due: 200, Operations: []*types.Operation{
			{ID: "J3-1", Capability: "weld", Duration: 45},
			{ID: "J3-2", Capability: "cut", Duration: 20},
		}},
	}
	s, err := dispatch.Schedule(jobs, machines, dispatch.FCFS, dispatch.Options{})
	require.NoError(t, err)
	return []sim.Scenario{
		{Name: "a", Seed: 1, Schedule: s, Machines: machines},
		{Name: "b", Seed: 2, Schedule: s, Machines: machines,
			Disruptions: []types.Disruption{{ID: "d1", Type: types.MachineBreakdown, MachineID: "M1", Start: 10, Duration: 45}}},
	}
}

func TestCompareReportsEveryHeuristic(t *testing.T) {
	e := New(testConfig(4), nil)
	env, err := e.NewEnvironment()
	require.NoError(t, err)
	policy := agent.NewHeuristic(env.ActionSpace(), dispatch.EDD, false)

	report, err := e.Compare(context.Background(), policy, scenarios(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Agent.Episodes)
	assert.Len(t, report.Heuristics, len(dispatch.Rules))
	assert.Len(t, report.Dominates, len(dispatch.Rules))
	for rule, s := range report.Heuristics {
		assert.Equal(t, 4, s.Episodes, rule)
		assert.GreaterOrEqual(t, s.OnTimeRate, 0.0)
		assert.LessOrEqual(t, s.OnTimeRate, 1.0)
	}
}

// 并发度不影响结果：每个回合只依赖场景种子
func TestEvaluationIsDeterministic(t *testing.T) {
	scs := scenarios(t)
	var sums []Summary
	for _, parallel := range []int{1, 4} {
		e := New(testConfig(parallel), nil)
		env, err := e.NewEnvironment()
		require.NoError(t, err)
		policy := agent.NewPPO(env.ActionSpace(), config.Default().Agent, 3)
		s, results, err := e.Evaluate(context.Background(), policy, scs, 3)
		require.NoError(t, err)
		assert.Len(t, results, 6)
		sums = append(sums, s)
	}
	assert.Equal(t, sums[0], sums[1])
}

func TestDominates(t *testing.T) {
	base := Summary{MeanReward: 10, MeanTardiness: 5, OnTimeRate: 0.8}
	better := Summary{MeanReward: 12, MeanTardiness: 5, OnTimeRate: 0.8}
	mixed := Summary{MeanReward: 12, MeanTardiness: 9, OnTimeRate: 0.9}
	assert.True(t, Dominates(better, base))
	assert.False(t, Dominates(base, better))
	assert.False(t, Dominates(base, base), "相同指标不算支配")
	assert.False(t, Dominates(mixed, base))
}

func TestCompareHonoursCancellation(t *testing.T) {
	e := New(testConfig(2), nil)
	env, err := e.NewEnvironment()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Compare(ctx, agent.NewHeuristic(env.ActionSpace(), "", true), scenarios(t), 1)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Compare(context.Background(), agent.NewHeuristic(env.ActionSpace(), "", true), nil, 1)
	assert.Error(t, err)
}
