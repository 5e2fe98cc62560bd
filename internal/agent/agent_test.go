package agent

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

var space = sim.ActionSpace{Ops: 2, Machines: 1}

func testConfig() config.AgentConfig {
	cfg := config.Default().Agent
	cfg.Hidden = []int{16}
	return cfg
}

func observation(fill float64) sim.Observation {
	vec := make([]float64, space.ObservationSize())
	for i := range vec {
		vec[i] = fill
	}
	mask := make([]bool, space.Size())
	for i := range mask {
		mask[i] = true
	}
	return sim.Observation{Vector: vec, Mask: mask}
}

func TestPPOActRespectsMask(t *testing.T) {
	a := NewPPO(space, testConfig(), 1)
	obs := observation(0.3)
	for i := 1; i < len(obs.Mask); i++ {
		obs.Mask[i] = i == 4
	}
	for range 20 {
		d, err := a.Act(obs, true)
		require.NoError(t, err)
		assert.Contains(t, []int{0, 4}, d.Action)
		assert.GreaterOrEqual(t, d.Confidence, 0.0)
		assert.LessOrEqual(t, d.Confidence, 1.0)
		assert.Zero(t, d.Probs[1])
	}
}

func TestPPOInitialPolicyIsUniform(t *testing.T) {
	a := NewPPO(space, testConfig(), 1)
	d, err := a.Act(observation(0.5), false)
	require.NoError(t, err)
	for _, p := range d.Probs {
		assert.InDelta(t, 1/float64(space.Size()), p, 1e-9)
	}
	assert.InDelta(t, 0, d.Confidence, 1e-9)
}

func TestShapeMismatch(t *testing.T) {
	for _, a := range []Agent{
		NewPPO(space, testConfig(), 1),
		NewSAC(space, testConfig(), 1),
		NewHeuristic(space, "", true),
	} {
		_, err := a.Act(sim.Observation{Vector: []float64{1, 2}}, false)
		assert.ErrorIs(t, err, ErrShapeMismatch, a.Type())
	}
}

// 只有目标动作获得奖励时，更新后该动作的概率应上升
func TestPPOUpdateReinforcesRewardedAction(t *testing.T) {
	cfg := testConfig()
	cfg.PPO.LearningRate = 1e-2
	cfg.PPO.MiniBatch = 32
	a := NewPPO(space, cfg, 3)
	obs := observation(0.2)
	const target = 3

	before, err := a.Act(obs, false)
	require.NoError(t, err)

	for range 5 {
		var b Batch
		for range 64 {
			d, err := a.Act(obs, true)
			require.NoError(t, err)
			r := 0.0
			if d.Action == target {
				r = 1
			}
			b.Transitions = append(b.Transitions, Transition{
				Obs: obs, Action: d.Action, Reward: r, Next: obs, Done: true, LogProb: d.LogProb, Value: d.Value,
			})
		}
		diag, err := a.Update(b)
		require.NoError(t, err)
		assert.True(t, diag.Finite())
		assert.Positive(t, diag.Updates)
	}

	after, err := a.Act(obs, false)
	require.NoError(t, err)
	assert.Greater(t, after.Probs[target], before.Probs[target])
}

func TestReplayBounded(t *testing.T) {
	r := NewReplay(3)
	for i := range 5 {
		r.Add(Transition{Action: i})
	}
	assert.Equal(t, 3, r.Len())
	seen := map[int]bool{}
	for _, tr := range r.buf {
		seen[tr.Action] = true
	}
	assert.Equal(t, map[int]bool{2: true, 3: true, 4: true}, seen)
	assert.Len(t, r.Sample(newRand(1), 10), 10)
	assert.Nil(t, NewReplay(1).Sample(newRand(1), 2))
}

func TestSACWarmupThenUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.SAC.WarmupSteps = 8
	cfg.SAC.BatchSize = 4
	cfg.SAC.BufferSize = 32
	cfg.SAC.LearningRate = 1e-2
	a := NewSAC(space, cfg, 5)
	obs := observation(0.1)
	alpha0 := a.Alpha()

	var last Diagnostics
	for i := range 20 {
		d, err := a.Act(obs, true)
		require.NoError(t, err)
		diag, err := a.Update(Batch{Transitions: []Transition{{
			Obs: obs, Action: d.Action, Reward: float64(i % 2), Next: obs, Done: i%5 == 4,
		}}})
		require.NoError(t, err)
		if i < 7 {
			assert.Zero(t, diag.Updates, "预热期间不应更新")
		}
		last = diag
	}
	assert.Positive(t, last.Updates)
	assert.True(t, last.Finite())
	assert.Equal(t, 20, a.Buffered())
	// 初始策略均匀，熵高于目标熵，α 应下降
	assert.Less(t, a.Alpha(), alpha0)
}

func TestHeuristicPicksLateOperation(t *testing.T) {
	h := NewHeuristic(space, dispatch.EDD, true)
	obs := observation(0)

	d, err := h.Act(obs, false)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Action, "没有逾期工序时不动作")
	assert.True(t, d.Fallback)

	obs.Vector[1*sim.OpFeatures+sim.FeatLate] = 1
	obs.Vector[1*sim.OpFeatures+sim.FeatDue] = -0.2
	d, err = h.Act(obs, false)
	require.NoError(t, err)
	assert.Equal(t, space.Index(types.KindPrioritizeJob, 1, -1), d.Action)
	assert.Less(t, d.Confidence, testConfig().ConfidenceThreshold)

	obs.Mask[d.Action] = false
	d, err = h.Act(obs, false)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Action)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	obs := observation(0.4)
	for _, kind := range []types.AgentType{types.AgentPPO, types.AgentSAC, AgentHeuristic} {
		a, err := New(kind, space, cfg, 11)
		require.NoError(t, err)
		want, err := a.Act(obs, false)
		require.NoError(t, err)

		data, err := a.Snapshot()
		require.NoError(t, err)
		b, err := Load(data, space, cfg)
		require.NoError(t, err)
		assert.Equal(t, kind, b.Type())

		got, err := b.Act(obs, false)
		require.NoError(t, err)
		assert.Equal(t, want.Action, got.Action)
		assert.InDelta(t, want.Value, got.Value, 1e-9)
	}
}

func TestRestoreRejectsOtherSpace(t *testing.T) {
	a := NewPPO(space, testConfig(), 1)
	data, err := a.Snapshot()
	require.NoError(t, err)
	_, err = Load(data, sim.ActionSpace{Ops: 3, Machines: 1}, testConfig())
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New("dqn", space, testConfig(), 1)
	assert.Error(t, err)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence([]float64{1, 0}, []bool{true, false}))
	assert.InDelta(t, 0, Confidence([]float64{0.5, 0.5}, nil), 1e-12)
	assert.InDelta(t, 1-(-0.9*math.Log(0.9)-0.1*math.Log(0.1))/math.Log(2), Confidence([]float64{0.9, 0.1}, nil), 1e-12)
}
