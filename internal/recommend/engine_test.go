package recommend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/predict"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func fixture() (*types.Schedule, []*types.Machine) {
	machines := []*types.Machine{
		{ID: "M1", Capabilities: []string{"cut"}, Capacity: 1},
		{ID: "M2", Capabilities: []string{"cut"}, Capacity: 1, Status: types.MachineDown},
		{ID: "M3", Capabilities: []string{"cut"}, Capacity: 1},
	}
	jobs := []*types.Job{
		{ID: "J1", Due: 1000, Operations: []*types.Operation{
			{ID: "J1-1", Capability: "cut", Duration: 60, MachineID: "M1", Start: 0, End: 60},
			{ID: "J1-2", Capability: "cut", Duration: 60, MachineID: "M1", Start: 60, End: 120},
		}},
		{ID: "J2", Due: 100, Operations: []*types.Operation{
			{ID: "J2-1", Capability: "cut", Duration: 60, MachineID: "M1", Start: 120, End: 180},
		}},
		{ID: "J4", Due: 500, Operations: []*types.Operation{
			{ID: "J4-1", Capability: "cut", Duration: 30, MachineID: "M2", Start: 0, End: 30},
		}},
	}
	return types.NewSchedule(time.Time{}, jobs), machines
}

func summary(recs []types.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Rule + ":" + r.Target
	}
	return out
}

func TestAnalyticRulesWithoutPredictor(t *testing.T) {
	e, err := New(config.Default().Recommend, nil, nil)
	require.NoError(t, err)
	s, machines := fixture()

	recs, err := e.Recommend(s, machines, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"machine_down:M2", "utilization_high:M1", "utilization_low:M3"}, summary(recs))
	assert.Equal(t, types.TierCritical, recs[0].Priority)
	assert.InDelta(t, 30, recs[0].Impact, 1e-9)
	assert.InDelta(t, 180-0.85*180, recs[1].Impact, 1e-9)
	assert.Contains(t, recs[1].Rationale, "M1")
	assert.InDelta(t, 54, recs[2].Impact, 1e-9)
}

func TestPredictorDrivenRulesAreDeduplicated(t *testing.T) {
	cfg := config.Default()
	p, err := predict.New(*cfg, nil)
	require.NoError(t, err)
	e, err := New(cfg.Recommend, p, nil)
	require.NoError(t, err)
	s, machines := fixture()

	recs, err := e.Recommend(s, machines, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"machine_down:M2", "bottleneck_risk:M1", "delay_risk:J2-1", "utilization_low:M3"}, summary(recs),
		"M1 上的两条 capacity 建议只保留影响更大的一条")
	for _, r := range recs {
		assert.GreaterOrEqual(t, r.Confidence, cfg.Recommend.ConfidenceMin)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}

	capped, err := e.Recommend(s, machines, 2)
	require.NoError(t, err)
	assert.Equal(t, summary(recs)[:2], summary(capped))
}

func TestConfiguredRulesOverrideAndExtend(t *testing.T) {
	cfg := config.Default().Recommend
	cfg.Extra = map[string]float64{"min_ops": 3}
	cfg.Rules = []config.RuleConfig{
		{Name: "utilization_low", Type: "workflow", Priority: "medium", Scope: ScopeMachine,
			Condition: "!machine.Down && machine.Utilization < 0.5", Impact: "1"},
		{Name: "crowded", Type: "scheduling", Priority: "high", Scope: ScopeMachine,
			Condition: "machine.Operations >= cfg.min_ops", Impact: "machine.Operations", Message: "{target} 排了 {impact} 道工序"},
	}
	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, e.Rules(), "crowded")

	s, machines := fixture()
	recs, err := e.Recommend(s, machines, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"machine_down:M2", "utilization_high:M1", "crowded:M1", "utilization_low:M3"}, summary(recs))
	assert.Equal(t, types.TierMedium, recs[3].Priority)
	assert.Equal(t, "M1 排了 3 道工序", recs[2].Rationale)
}

func TestRuleCompilationErrors(t *testing.T) {
	for name, rc := range map[string]config.RuleConfig{
		"syntax":   {Name: "x", Type: "capacity", Condition: "machine.Load >"},
		"not bool": {Name: "x", Type: "capacity", Condition: "machine.Load"},
		"field":    {Name: "x", Type: "capacity", Condition: "machine.Missing > 1"},
		"scope":    {Name: "x", Type: "capacity", Scope: "job", Condition: "true"},
		"type":     {Name: "x", Type: "billing", Condition: "true"},
		"no name":  {Type: "capacity", Condition: "true"},
	} {
		cfg := config.Default().Recommend
		cfg.Rules = []config.RuleConfig{rc}
		_, err := New(cfg, nil, nil)
		assert.Error(t, err, name)
	}
}

func TestRankOrdersAndDeduplicates(t *testing.T) {
	recs := []types.Recommendation{
		{Priority: types.TierLow, Type: types.RecWorkflow, Target: "A", Impact: 100, Confidence: 1},
		{Priority: types.TierHigh, Type: types.RecCapacity, Target: "B", Impact: 10, Confidence: 0.5},
		{Priority: types.TierHigh, Type: types.RecCapacity, Target: "C", Impact: 10, Confidence: 0.9},
		{Priority: types.TierCritical, Type: types.RecCapacity, Target: "B", Impact: 1, Confidence: 1},
	}
	ranked := Rank(recs, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"B", "C", "A"}, []string{ranked[0].Target, ranked[1].Target, ranked[2].Target})
	assert.Equal(t, types.TierCritical, ranked[0].Priority)
	assert.Len(t, Rank(recs, 1), 1)

	e, err := New(config.Default().Recommend, nil, nil)
	require.NoError(t, err)
	empty, err := e.Recommend(&types.Schedule{}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
