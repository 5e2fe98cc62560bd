package predict

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func newService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Graph.EmbeddingDim = 8
	cfg.Predict.LearningRate = 1e-2
	s, err := New(*cfg, nil)
	require.NoError(t, err)
	return s
}

// M1 满负荷，M2 停机但有任务，M3 空闲；J3 尚未排程
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
		{ID: "J3", Due: 400, Operations: []*types.Operation{
			{ID: "J3-1", Capability: "cut", Duration: 20},
		}},
	}
	return types.NewSchedule(time.Time{}, jobs), machines
}

func byMachine(res BottleneckResult) map[string]Bottleneck {
	out := map[string]Bottleneck{}
	for _, b := range res.Machines {
		out[b.MachineID] = b
	}
	return out
}

func TestUntrainedBottlenecksFollowUtilization(t *testing.T) {
	s := newService(t)
	sched, machines := fixture()
	res := s.PredictBottlenecks(sched, machines, 0)
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 0.7, res.Threshold)

	got := byMachine(res)
	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, got["M1"].Utilization, 1e-9)
	assert.InDelta(t, sigmoid(1.8), got["M1"].Probability, 1e-9)
	assert.True(t, got["M1"].Bottleneck)
	assert.True(t, got["M2"].Down)
	assert.False(t, got["M3"].Bottleneck)
	assert.Less(t, got["M3"].Probability, got["M2"].Probability)

	strict := s.PredictBottlenecks(sched, machines, 0.95)
	assert.False(t, byMachine(strict)["M1"].Bottleneck)
}

func TestDurationsMarkMissingFeatures(t *testing.T) {
	s := newService(t)
	sched, machines := fixture()
	res := s.PredictDurations(sched, machines)
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Operations, 5)

	for _, p := range res.Operations {
		switch p.OperationID {
		case "J1-1":
			assert.Empty(t, p.Unavailable)
			assert.InDelta(t, 72, p.Predicted, 1e-9)
			assert.InDelta(t, 72-1.96*12, p.Lower, 1e-9)
			assert.InDelta(t, 72+1.96*12, p.Upper, 1e-9)
		case "J3-1":
			assert.Equal(t, []string{FeatureMachine}, p.Unavailable)
			assert.Zero(t, p.Predicted, "缺失特征时不给出数值")
		}
	}
}

func TestDelaysAndCascade(t *testing.T) {
	s := newService(t)
	sched, machines := fixture()
	res := s.PredictDelays(sched, machines, 0)
	require.Equal(t, StatusOK, res.Status)

	got := map[string]DelayPrediction{}
	for _, p := range res.Operations {
		got[p.OperationID] = p
	}
	assert.True(t, got["J2-1"].Delayed)
	assert.InDelta(t, sigmoid(80.0/60.0), got["J2-1"].Probability, 1e-9)
	assert.False(t, got["J1-1"].Delayed)
	assert.Equal(t, 2, got["J1-1"].Downstream)
	assert.InDelta(t, got["J1-1"].Probability*2/4, got["J1-1"].CascadeRisk, 1e-9)
	assert.Equal(t, []string{FeaturePlannedEnd}, got["J3-1"].Unavailable)
	assert.Zero(t, got["J3-1"].Probability)
}

func TestEmptyInputIsInsufficientData(t *testing.T) {
	s := newService(t)
	_, machines := fixture()
	empty := &types.Schedule{}
	assert.Equal(t, StatusInsufficientData, s.PredictBottlenecks(empty, machines, 0).Status)
	assert.Equal(t, StatusInsufficientData, s.PredictDurations(empty, machines).Status)
	assert.Equal(t, StatusInsufficientData, s.PredictDelays(nil, machines, 0).Status)

	sched, _ := fixture()
	a := s.Analyze(sched, nil)
	assert.Equal(t, StatusInsufficientData, a.Bottlenecks.Status)
	assert.NotEmpty(t, a.Delays.Reason)

	// 有工单但没有任何排程结果时无法估计负荷
	unplanned := types.NewSchedule(time.Time{}, []*types.Job{{ID: "J", Operations: []*types.Operation{{ID: "o", Duration: 5}}}})
	assert.Equal(t, StatusInsufficientData, s.PredictBottlenecks(unplanned, machines, 0).Status)
}

func TestFitLearnsResiduals(t *testing.T) {
	s := newService(t)
	sched, machines := fixture()
	before := byMachine(s.PredictBottlenecks(sched, machines, 0))["M3"].Probability

	sample := Sample{
		Schedule:    sched,
		Machines:    machines,
		Bottlenecks: map[string]bool{"M1": false, "M3": true},
		Durations:   map[string]int{"J1-1": 90, "J2-1": 90},
		Delayed:     map[string]bool{"J1-1": true},
	}
	report, err := s.Fit([]Sample{sample}, 60)
	require.NoError(t, err)
	require.Len(t, report.BottleneckLoss, 60)
	assert.Less(t, report.BottleneckLoss[59], report.BottleneckLoss[0])
	assert.Less(t, report.DurationLoss[59], report.DurationLoss[0])
	assert.Less(t, report.DelayLoss[59], report.DelayLoss[0])

	after := byMachine(s.PredictBottlenecks(sched, machines, 0))["M3"].Probability
	assert.Greater(t, after, before)
	assert.False(t, math.IsNaN(after))

	_, err = s.Fit(nil, 1)
	assert.Error(t, err)
}
