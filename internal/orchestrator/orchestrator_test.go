package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/event"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/fsm"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/persistence"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/solver"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Environment.MaxOperations = 12
	cfg.Environment.MaxMachines = 3
	cfg.Solver.TimeLimit = 5 * time.Second
	return cfg
}

func machines() []*types.Machine {
	return []*types.Machine{
		{ID: "M1", Capabilities: []string{"cut", "drill"}, Capacity: 1},
		{ID: "M2", Capabilities: []string{"cut", "drill"}, Capacity: 1},
	}
}

// fixture: J1 两道工序都在 M1 上，J2 和 J3 在 M2 上
func fixture() (*types.Schedule, []*types.Machine) {
	op := func(id, cap, m string, start, dur int) *types.Operation {
		return &types.Operation{ID: id, Capability: cap, MachineID: m, Start: start, End: start + dur, Duration: dur}
	}
	jobs := []*types.Job{
		{ID: "J1", Due: 200, Operations: []*types.Operation{op("J1-1", "cut", "M1", 0, 60), op("J1-2", "drill", "M1", 60, 30)}},
		{ID: "J2", Due: 100, Operations: []*types.Operation{op("J2-1", "cut", "M2", 0, 30), op("J2-2", "drill", "M2", 30, 30)}},
		{ID: "J3", Due: 300, Operations: []*types.Operation{op("J3-1", "cut", "M2", 60, 20)}},
	}
	return types.NewSchedule(time.Time{}, jobs), machines()
}

func planJobs() []*types.Job {
	op := func(id, cap string, dur int) *types.Operation {
		return &types.Operation{ID: id, Capability: cap, Duration: dur}
	}
	return []*types.Job{
		{ID: "J1", Due: 200, Operations: []*types.Operation{op("J1-1", "cut", 30), op("J1-2", "drill", 20)}},
		{ID: "J2", Due: 200, Operations: []*types.Operation{op("J2-1", "drill", 20), op("J2-2", "cut", 30)}},
		{ID: "J3", Due: 200, Operations: []*types.Operation{op("J3-1", "cut", 10), op("J3-2", "drill", 10)}},
	}
}

func newOrchestrator(t *testing.T, cfg config.Config, deps Deps) *Orchestrator {
	t.Helper()
	o, err := New(cfg, deps, nil)
	require.NoError(t, err)
	return o
}

func track(t *testing.T, o *Orchestrator) string {
	t.Helper()
	s, ms := fixture()
	snap, err := o.Track(context.Background(), s, ms, types.Weights{})
	require.NoError(t, err)
	require.Equal(t, fsm.PhaseMonitoring, snap.Phase)
	return snap.ID
}

func TestPlanReachesMonitoring(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var phases []fsm.State
	bus.Subscribe(event.PhaseChanged, func(e event.Event) {
		mu.Lock()
		phases = append(phases, e.Phase)
		mu.Unlock()
	})

	o := newOrchestrator(t, testConfig(), Deps{Bus: bus})
	res, err := o.Plan(context.Background(), PlanRequest{Jobs: planJobs(), Machines: machines()})
	require.NoError(t, err)

	assert.Equal(t, fsm.PhaseMonitoring, res.Phase)
	assert.Contains(t, []solver.Status{solver.StatusOptimal, solver.StatusFeasible}, res.Status)
	require.NotNil(t, res.Schedule)
	assert.NoError(t, res.Schedule.Validate(machines()))
	assert.Zero(t, res.Schedule.TotalTardiness())
	assert.NotNil(t, res.Analysis)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) >= 4
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, phases, fsm.PhaseSolving)
	assert.Contains(t, phases, fsm.PhaseMonitoring)
	mu.Unlock()
}

func TestPlanInfeasibleFailsRun(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{})
	jobs := planJobs()
	jobs[0].Operations[1].Capability = "paint"

	res, err := o.Plan(context.Background(), PlanRequest{Jobs: jobs, Machines: machines()})
	require.NoError(t, err)
	assert.Equal(t, solver.StatusInfeasible, res.Status)
	assert.Equal(t, fsm.PhaseFailed, res.Phase)
	assert.Nil(t, res.Schedule)

	_, err = o.HandleDisruption(context.Background(), res.RunID, types.Disruption{Type: types.MachineBreakdown, MachineID: "M1", Duration: 10})
	var pe *PhaseError
	assert.ErrorAs(t, err, &pe)
}

func TestDisruptionAffectsOnlyBrokenMachineChain(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{})
	id := track(t, o)

	res, err := o.HandleDisruption(context.Background(), id, types.Disruption{
		Type: types.MachineBreakdown, MachineID: "M1", Start: 10, Duration: 60,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"J1-1", "J1-2"}, res.Affected)
	assert.True(t, res.Changed)
	require.NotNil(t, res.Proposal)
	assert.True(t, res.Proposal.Fallback, "没有注册模型时使用兜底策略")
	assert.Equal(t, agent.AgentHeuristic, res.Proposal.AgentType)

	snap, err := o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Disruptions)
	// M2 上的工序不受影响
	for _, op := range snap.Schedule.Operations() {
		switch op.ID {
		case "J2-1":
			assert.Equal(t, 0, op.Start)
		case "J2-2":
			assert.Equal(t, 30, op.Start)
		}
	}
}

func TestRushOrderReportsInsertedOperations(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{})
	id := track(t, o)

	rush := &types.Job{ID: "R1", Due: 120, Priority: 5, Operations: []*types.Operation{
		{ID: "R1-1", Capability: "cut", Duration: 10},
		{ID: "R1-2", Capability: "drill", Duration: 10},
	}}
	res, err := o.HandleDisruption(context.Background(), id, types.Disruption{Type: types.RushOrder, Start: 5, Job: rush})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.ElementsMatch(t, []string{"R1-1", "R1-2"}, res.Affected)

	snap, err := o.Snapshot(id)
	require.NoError(t, err)
	j := snap.Schedule.Job("R1")
	require.NotNil(t, j, "插单应进入排程")
	for _, op := range j.Operations {
		assert.NotEmpty(t, op.MachineID)
		assert.GreaterOrEqual(t, op.Start, 5)
	}
}

func TestQueuedDisruptionDrainsAfterApproval(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{})
	id := track(t, o)
	ctx := context.Background()

	// 兜底策略置信度低于默认阈值，建议等待确认
	res, err := o.HandleDisruption(ctx, id, types.Disruption{Type: types.ProcessingDelay, OperationID: "J2-1", Duration: 20})
	require.NoError(t, err)
	require.Equal(t, fsm.PhaseAdjusting, res.Phase)
	require.False(t, res.Applied)

	queued, err := o.HandleDisruption(ctx, id, types.Disruption{Type: types.ProcessingDelay, OperationID: "J3-1", Duration: 10})
	require.NoError(t, err)
	assert.True(t, queued.Queued)

	snap, err := o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 1, snap.Disruptions)
	require.NotNil(t, snap.Pending)

	_, err = o.Complete(ctx, id)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, fsm.PhaseAdjusting, pe.Phase)

	_, err = o.ApplyAdjustment(ctx, id, types.ActionSpec{Kind: types.KindNoOp})
	require.NoError(t, err)

	snap, err = o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 2, snap.Disruptions)
	assert.Equal(t, 1, snap.Adjustments)
	// 排队的扰动重新进入调整，产生新的待确认建议
	assert.Equal(t, fsm.PhaseAdjusting, snap.Phase)
	assert.NotNil(t, snap.Pending)

	_, err = o.DismissAdjustment(ctx, id)
	require.NoError(t, err)
	snap, err = o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, fsm.PhaseMonitoring, snap.Phase)
	assert.Nil(t, snap.Pending)

	sum := o.Monitor().Summary()
	assert.Equal(t, 2, sum.Count)
	assert.InDelta(t, 1.0, sum.FallbackRate, 1e-9)

	_, err = o.DismissAdjustment(ctx, id)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestAutoApplyAboveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.ConfidenceThreshold = 0
	o := newOrchestrator(t, cfg, Deps{})
	id := track(t, o)

	res, err := o.HandleDisruption(context.Background(), id, types.Disruption{Type: types.ProcessingDelay, OperationID: "J2-1", Duration: 40})
	require.NoError(t, err)
	assert.Equal(t, fsm.PhaseMonitoring, res.Phase)
	require.NotNil(t, res.Proposal)
	assert.True(t, res.Applied || res.Rejection != "")

	recent := o.Monitor().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, res.Applied, recent[0].Applied)
	assert.Equal(t, id, recent[0].RunID)
}

func TestShadowVersionEvaluatedOnSameState(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.ConfidenceThreshold = 1.01
	space := sim.ActionSpace{Ops: cfg.Environment.MaxOperations, Machines: cfg.Environment.MaxMachines}

	arts := registry.NewMemoryArtifactStore()
	reg := registry.New(registry.NewMemoryStore(), arts, func(_ types.ModelVersion, data []byte) (agent.Agent, error) {
		return agent.Load(data, space, cfg.Agent)
	}, nil)

	data, err := agent.NewPPO(space, cfg.Agent, 7).Snapshot()
	require.NoError(t, err)
	ref1, err := arts.Put("ppo-a", data)
	require.NoError(t, err)
	ref2, err := arts.Put("ppo-b", data)
	require.NoError(t, err)

	v1, err := reg.Register(types.AgentPPO, ref1, nil)
	require.NoError(t, err)
	_, err = reg.Promote(v1.ID)
	require.NoError(t, err)
	v2, err := reg.Register(types.AgentPPO, ref2, nil)
	require.NoError(t, err)
	_, err = reg.Deploy(v2.ID)
	require.NoError(t, err)

	o := newOrchestrator(t, cfg, Deps{Registry: reg})
	id := track(t, o)
	ctx := context.Background()

	prop, err := o.GetAdjustment(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, prop.Version)
	assert.Equal(t, types.AgentPPO, prop.AgentType)
	assert.False(t, prop.Fallback)
	require.Len(t, prop.Shadows, 1)
	assert.Equal(t, v2.ID, prop.Shadows[0].Version)
	assert.True(t, prop.Shadows[0].Agree, "参数相同的影子版本应给出相同动作")
	assert.LessOrEqual(t, len(prop.Alternatives), cfg.Orchestrator.Alternatives)
	for _, alt := range prop.Alternatives {
		assert.NotEqual(t, prop.Action, alt.Action)
	}

	// 影子决策只记录，不执行
	res, err := o.HandleDisruption(ctx, id, types.Disruption{Type: types.ProcessingDelay, OperationID: "J1-1", Duration: 15})
	require.NoError(t, err)
	require.Equal(t, fsm.PhaseAdjusting, res.Phase)
	_, err = o.DismissAdjustment(ctx, id)
	require.NoError(t, err)

	recent := o.Monitor().Recent(1)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].ShadowAgree)
	assert.True(t, *recent[0].ShadowAgree)
	assert.False(t, recent[0].Applied)
}

func TestRunLifecycleErrors(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{})
	ctx := context.Background()

	_, err := o.HandleDisruption(ctx, "missing", types.Disruption{Type: types.MachineBreakdown, MachineID: "M1", Duration: 5})
	assert.ErrorIs(t, err, ErrUnknownRun)

	id := track(t, o)
	_, err = o.Advance(ctx, id, 30)
	require.NoError(t, err)
	_, err = o.Advance(ctx, id, 10)
	assert.Error(t, err, "现场时钟不能倒退")

	snap, err := o.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fsm.PhaseDone, snap.Phase)

	_, err = o.HandleDisruption(ctx, id, types.Disruption{Type: types.MachineBreakdown, MachineID: "M1", Start: 40, Duration: 5})
	var pe *PhaseError
	assert.ErrorAs(t, err, &pe)
	assert.Len(t, o.Runs(), 1)
}

func TestDispatcherLogsJournalFailure(t *testing.T) {
	wal, err := persistence.NewWAL(filepath.Join(t.TempDir(), "disruptions.wal"))
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	d := NewDispatcher(newOrchestrator(t, testConfig(), Deps{}), 1, wal, logger)

	// 所属任务不存在的扰动由分发器标记完成，日志已关闭时写入失败要记录下来
	d.process(context.Background(), Task{RunID: "missing", Disruption: types.Disruption{ID: "d-lost", Type: types.MachineBreakdown, MachineID: "M1"}})
	assert.Contains(t, buf.String(), "写入扰动完成日志失败")
	assert.Contains(t, buf.String(), "d-lost")
}

func TestDispatcherCompletesJournal(t *testing.T) {
	wal, err := persistence.NewWAL(filepath.Join(t.TempDir(), "disruptions.wal"))
	require.NoError(t, err)
	defer wal.Close()

	cfg := testConfig()
	cfg.Orchestrator.ConfidenceThreshold = 0
	o := newOrchestrator(t, cfg, Deps{Journal: wal})
	id := track(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(o, 2, wal, nil)
	go d.Start(ctx)

	for _, dis := range []types.Disruption{
		{Type: types.ProcessingDelay, OperationID: "J1-1", Duration: 10},
		{Type: types.ProcessingDelay, OperationID: "J2-2", Duration: 10},
		{Type: types.MachineBreakdown, MachineID: "M2", Start: 60, Duration: 10},
	} {
		_, err := d.Submit(id, dis)
		require.NoError(t, err)
	}
	_, err = d.Submit("missing", types.Disruption{Type: types.MachineBreakdown, MachineID: "M1", Duration: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := o.Snapshot(id)
		return err == nil && snap.Disruptions == 3
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, err := wal.Recover()
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	d.WaitForCompletion()
	assert.Zero(t, d.Pending())
}

func TestDispatcherRecoverReplaysJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disruptions.wal")
	wal, err := persistence.NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.Append("r1", types.Disruption{ID: "d1", Type: types.MachineBreakdown, MachineID: "M1", Duration: 5}))
	require.NoError(t, wal.Append("r1", types.Disruption{ID: "d2", Type: types.RushOrder}))
	require.NoError(t, wal.Complete("d1"))

	o := newOrchestrator(t, testConfig(), Deps{Journal: wal})
	d := NewDispatcher(o, 1, wal, nil)
	n, err := d.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, d.Pending())
	assert.Empty(t, o.Runs(), "恢复只重新入队，不创建排程任务")
	require.NoError(t, wal.Close())
}
