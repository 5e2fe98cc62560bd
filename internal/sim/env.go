package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/adjust"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/reward"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// ErrNotReset 表示在 Reset 之前调用了 Step
var ErrNotReset = errors.New("sim: environment has not been reset")

// Observation 是环境状态的数值编码
type Observation struct {
	Vector []float64 `json:"vector"`
	Mask   []bool    `json:"mask"` // 动作可行性掩码，长度等于动作空间大小
}

// Info 是每一步的附加信息
type Info struct {
	Time           int                `json:"time"`
	Action         types.ActionSpec   `json:"action"`
	Rejected       bool               `json:"rejected"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	Disruptions    []types.Disruption `json:"disruptions,omitempty"`
	Components     reward.Components  `json:"components"`
	Step           reward.StepData    `json:"step"`
	ProjectedTardy int                `json:"projected_tardiness"`
}

// StepResult 是 Step 的返回值
type StepResult struct {
	Observation Observation
	Reward      float64
	Done        bool
	Info        Info
}

// Snapshot 是环境在某一时刻的只读副本
type Snapshot struct {
	Now      int
	Steps    int
	Schedule *types.Schedule
	Machines []*types.Machine
}

// Environment 作业车间离散时间仿真器
// 同一实例只能被一个 goroutine 使用；并行评估时每个 goroutine 持有自己的实例
type Environment struct {
	cfg    config.EnvironmentConfig
	calc   reward.Calculator
	gen    *generator
	logger *slog.Logger
	space  ActionSpace

	sched    *types.Schedule
	machines []*types.Machine
	cons     adjust.Constraints
	now      int
	steps    int
	maxSteps int
	done     bool
	slots    []*types.Operation // 当前工序槽位，按计划开始时间排序

	pending   []types.Disruption // 外部注入、尚未发生的扰动
	lastUtil  map[string]float64
	typeCodes map[string]float64
	late      map[string]bool
	complete  map[string]bool
	disrupted int
	totals    reward.StepData
}

// New 创建仿真环境
func New(cfg config.EnvironmentConfig, calc reward.Calculator, seed int64, logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.TimeStep <= 0 {
		cfg.TimeStep = 15
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * 60
	}
	if cfg.ActionDelta <= 0 {
		cfg.ActionDelta = adjust.DefaultDelta
	}
	return &Environment{
		cfg:    cfg,
		calc:   calc,
		gen:    newGenerator(cfg, seed),
		logger: logger.With("component", "sim"),
		space:  ActionSpace{Ops: max(cfg.MaxOperations, 1), Machines: max(cfg.MaxMachines, 1)},
	}
}

// Seed 重新设置扰动随机源，相同种子产生相同的扰动序列
func (e *Environment) Seed(seed int64) {
	e.gen = newGenerator(e.cfg, seed)
}

// ActionSpace 返回动作空间
func (e *Environment) ActionSpace() ActionSpace { return e.space }

// Reset 用外部提供的排程重新初始化环境，环境不会自行生成排程
func (e *Environment) Reset(s *types.Schedule, machines []*types.Machine) (Observation, error) {
	if s == nil {
		return Observation{}, fmt.Errorf("sim: reset requires a schedule")
	}
	if err := s.Validate(machines); err != nil {
		return Observation{}, fmt.Errorf("sim: reset with invalid schedule: %w", err)
	}
	e.sched = s.Clone()
	e.machines = types.CloneMachines(machines)
	e.cons = adjust.Constraints{Delta: e.cfg.ActionDelta, Blocked: map[string][]types.Interval{}, ReadyAt: map[string]int{}}
	e.now, e.steps, e.done = 0, 0, false
	e.maxSteps = int(math.Ceil(float64(e.cfg.Horizon) / float64(e.cfg.TimeStep)))
	e.pending = nil
	e.lastUtil = make(map[string]float64)
	e.late = make(map[string]bool)
	e.complete = make(map[string]bool)
	e.disrupted = 0
	e.totals = reward.StepData{}

	e.typeCodes = make(map[string]float64)
	var kinds []string
	for _, m := range e.machines {
		if !slices.Contains(kinds, m.Type) {
			kinds = append(kinds, m.Type)
		}
	}
	slices.Sort(kinds)
	for i, k := range kinds {
		e.typeCodes[k] = float64(i+1) / float64(len(kinds))
	}

	e.advanceStatuses(0)
	for _, j := range e.sched.Jobs {
		if e.jobDone(j) {
			e.complete[j.ID] = true
		}
	}
	e.calc.Reset(reward.StepData{ProjectedTardiness: float64(e.sched.TotalTardiness())})
	return e.Observe(), nil
}

// Inject 注入一个外部扰动，在其发生时刻所在的步内生效
func (e *Environment) Inject(d types.Disruption) {
	e.pending = append(e.pending, d)
}

// Now 返回当前仿真时刻
func (e *Environment) Now() int { return e.now }

// Done 判断回合是否结束
func (e *Environment) Done() bool { return e.done }

// MaxSteps 返回回合步数上限 ceil(horizon / time_step)
func (e *Environment) MaxSteps() int { return e.maxSteps }

// Snapshot 返回当前状态的副本
func (e *Environment) Snapshot() Snapshot {
	return Snapshot{Now: e.now, Steps: e.steps, Schedule: e.sched.Clone(), Machines: types.CloneMachines(e.machines)}
}

// Constraints 返回当前现场约束的副本
func (e *Environment) Constraints() adjust.Constraints { return e.cons.Clone() }

// Decode 把离散下标翻译成具体动作，槽位为空或下标越界时返回 false
func (e *Environment) Decode(idx int) (types.Action, bool) {
	kind, slot, mi, ok := e.space.Split(idx)
	if !ok {
		return nil, false
	}
	if kind == types.KindNoOp {
		return types.NoOp{}, true
	}
	if slot >= len(e.slots) {
		return nil, false
	}
	op := e.slots[slot]
	switch kind {
	case types.KindReassignMachine:
		if mi >= len(e.machines) {
			return nil, false
		}
		return types.ReassignMachine{OperationID: op.ID, MachineID: e.machines[mi].ID}, true
	case types.KindRescheduleEarlier:
		return types.RescheduleEarlier{OperationID: op.ID, Delta: e.cfg.ActionDelta}, true
	case types.KindRescheduleLater:
		return types.RescheduleLater{OperationID: op.ID, Delta: e.cfg.ActionDelta}, true
	case types.KindPrioritizeJob:
		return types.PrioritizeJob{OperationID: op.ID}, true
	case types.KindSplitBatch:
		return types.SplitBatch{OperationID: op.ID}, true
	case types.KindMergeOperations:
		return types.MergeOperations{OperationID: op.ID}, true
	}
	return nil, false
}

// Encode 把具体动作翻译成离散下标，目标不在当前槽位中时返回 false
func (e *Environment) Encode(a types.Action) (int, bool) {
	if a == nil || a.Kind() == types.KindNoOp {
		return 0, true
	}
	slot := slices.IndexFunc(e.slots, func(op *types.Operation) bool { return op.ID == a.Target() })
	if slot < 0 {
		return 0, false
	}
	mi := -1
	if r, ok := a.(types.ReassignMachine); ok {
		mi = slices.IndexFunc(e.machines, func(m *types.Machine) bool { return m.ID == r.MachineID })
	}
	idx := e.space.Index(a.Kind(), slot, mi)
	return idx, idx >= 0
}

// Step 应用动作并推进一个时间步
// 不可行的动作按 no_op 处理并叠加惩罚，不会中断回合
func (e *Environment) Step(idx int) (StepResult, error) {
	if e.sched == nil {
		return StepResult{}, ErrNotReset
	}
	if e.done {
		return StepResult{Observation: e.Observe(), Done: true, Info: Info{Time: e.now}}, nil
	}

	info := Info{Time: e.now}
	action, ok := e.Decode(idx)
	if !ok {
		info.Rejected = true
		info.RejectReason = fmt.Sprintf("action index %d is not available", idx)
		action = types.NoOp{}
	}
	info.Action = types.Spec(action)

	succeeded := false
	if ok && action.Kind() != types.KindNoOp {
		c := e.cons.Clone()
		c.Now = e.now
		next, err := adjust.Apply(e.sched, e.machines, action, c)
		switch {
		case err == nil:
			e.sched = next
			succeeded = true
		case adjust.IsRejection(err):
			info.Rejected = true
			info.RejectReason = err.Error()
		default:
			// 修复失败同样视为拒绝，保持原排程
			info.Rejected = true
			info.RejectReason = err.Error()
			e.logger.Warn("动作应用失败", "action", action.Kind(), "target", action.Target(), "error", err)
		}
	}

	from, to := e.now, e.now+e.cfg.TimeStep
	info.Disruptions, info.Step.DisruptionsHandled = e.disrupt(from, to)
	e.advanceStatuses(to)

	data := e.account(from, to)
	data.ActionSucceeded = succeeded
	data.ActionRejected = info.Rejected
	data.DisruptionsHandled = info.Step.DisruptionsHandled

	e.now = to
	e.steps++
	e.done = e.now >= e.cfg.Horizon || e.steps >= e.maxSteps || e.allDone()
	data.Done = e.done
	data.TotalTardiness = e.totals.TotalTardiness
	data.TotalLate = e.totals.TotalLate
	data.TotalCompleted = e.totals.TotalCompleted
	data.TotalOnTime = e.totals.TotalOnTime

	info.Components = e.calc.Breakdown(data)
	r := info.Components.Sum()
	if info.Rejected {
		r += e.cfg.InvalidActionPenalty
	}
	info.Step = data
	info.ProjectedTardy = e.sched.TotalTardiness()

	outcome := "applied"
	switch {
	case info.Rejected:
		outcome = "rejected"
	case action.Kind() == types.KindNoOp:
		outcome = "no_op"
	}
	metrics.EnvStepsTotal.WithLabelValues(outcome).Inc()

	return StepResult{Observation: e.Observe(), Reward: r, Done: e.done, Info: info}, nil
}

// disrupt 采样随机扰动并处理到期的外部扰动，返回发生的扰动和被吸收的数量
func (e *Environment) disrupt(from, to int) ([]types.Disruption, int) {
	var due []types.Disruption
	rest := e.pending[:0]
	for _, d := range e.pending {
		if d.Start < to {
			d.Start = max(d.Start, from)
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	e.pending = rest
	if d, ok := e.gen.sample(e.sched, e.machines, from, to); ok {
		due = append(due, d)
	}

	handled := 0
	var happened []types.Disruption
	for _, d := range due {
		c := e.cons.Clone()
		c.Now = from
		trial := e.sched.Clone()
		changed, err := adjust.ApplyDisruption(trial, e.machines, d, &c)
		if err != nil {
			e.logger.Warn("扰动处理失败", "disruption", d.ID, "type", d.Type, "error", err)
			continue
		}
		happened = append(happened, d)
		metrics.DisruptionsTotal.WithLabelValues(string(d.Type), "sim").Inc()
		if !changed {
			continue
		}
		e.sched, e.cons = trial, c
		e.disrupted++
		if trial.Validate(e.machines) == nil {
			handled++
		}
	}
	return happened, handled
}

// advanceStatuses 把时刻 t 之前已经开工或完工的工序状态前推，并刷新机台状态
func (e *Environment) advanceStatuses(t int) {
	for _, j := range e.sched.Jobs {
		for _, op := range j.Operations {
			if op.Status == types.OpDone || !op.Assigned() {
				continue
			}
			switch {
			case op.End <= t && (op.Start < t || op.Duration == 0):
				op.Status = types.OpDone
				op.ActualStart, op.ActualEnd = op.Start, op.End
			case op.Start < t:
				op.Status = types.OpRunning
				op.ActualStart = op.Start
			}
		}
		switch {
		case e.jobDone(j):
			j.Status = types.JobComplete
		case j.Due < t:
			j.Status = types.JobLate
		case len(j.Operations) > 0 && j.Operations[0].Started():
			j.Status = types.JobActive
		default:
			j.Status = types.JobPending
		}
	}
	for _, m := range e.machines {
		switch {
		case e.cons.BlockedAt(m.ID, t):
			m.Status = types.MachineDown
		case slices.ContainsFunc(e.sched.OperationsOn(m.ID), func(op *types.Operation) bool {
			return op.Start <= t && t < op.End
		}):
			m.Status = types.MachineBusy
		default:
			m.Status = types.MachineIdle
		}
	}
	e.refreshSlots()
}

func (e *Environment) jobDone(j *types.Job) bool {
	for _, op := range j.Operations {
		if op.Status != types.OpDone {
			return false
		}
	}
	return true
}

func (e *Environment) allDone() bool {
	for _, j := range e.sched.Jobs {
		if !e.jobDone(j) {
			return false
		}
	}
	return true
}

// account 统计 [from, to) 内的完工、逾期和利用率
func (e *Environment) account(from, to int) reward.StepData {
	var d reward.StepData
	for _, j := range e.sched.Jobs {
		if e.complete[j.ID] {
			continue
		}
		if e.jobDone(j) {
			e.complete[j.ID] = true
			d.CompletedJobs++
			end := j.Completion()
			if end <= j.Due {
				d.OnTimeJobs++
			} else {
				d.TardyMinutes += float64(max(0, end-max(j.Due, from)))
				if !e.late[j.ID] {
					e.late[j.ID] = true
					d.NewLateJobs++
				}
			}
			continue
		}
		if j.Due < to {
			d.TardyMinutes += float64(to - max(j.Due, from))
			if !e.late[j.ID] {
				e.late[j.ID] = true
				d.NewLateJobs++
			}
		}
	}

	busy, capacity := 0, 0
	for _, m := range e.machines {
		tl := types.NewTimeline(m.Slots())
		for _, op := range e.sched.OperationsOn(m.ID) {
			tl.Add(types.Interval{Start: op.Start, End: op.End, Ref: op.ID})
		}
		b := tl.BusyMinutes(from, to)
		e.lastUtil[m.ID] = clamp(float64(b)/float64((to-from)*m.Slots()), 0, 1)
		busy += b
		capacity += (to - from) * m.Slots()
	}
	if capacity > 0 {
		d.Utilization = clamp(float64(busy)/float64(capacity), 0, 1)
	}
	d.ProjectedTardiness = float64(e.sched.TotalTardiness())

	e.totals.TotalTardiness += d.TardyMinutes
	e.totals.TotalLate += d.NewLateJobs
	e.totals.TotalCompleted += d.CompletedJobs
	e.totals.TotalOnTime += d.OnTimeJobs
	return d
}

// refreshSlots 重新排列工序槽位：未开工工序在前，之后是已开工工序
func (e *Environment) refreshSlots() {
	ops := e.sched.Operations()
	slices.SortStableFunc(ops, func(a, b *types.Operation) int {
		if a.Started() != b.Started() {
			if a.Started() {
				return 1
			}
			return -1
		}
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(ops) > e.space.Ops {
		ops = ops[:e.space.Ops]
	}
	e.slots = ops
}

// Totals 返回回合累计统计
func (e *Environment) Totals() reward.StepData { return e.totals }

// Schedule 返回当前排程的副本
func (e *Environment) Schedule() *types.Schedule { return e.sched.Clone() }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
