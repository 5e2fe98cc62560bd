package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/adjust"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/event"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/fsm"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/monitoring"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/pq"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/predict"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/recommend"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/solver"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

var (
	// ErrUnknownRun 表示排程任务不存在
	ErrUnknownRun = errors.New("orchestrator: unknown run")
	// ErrNoPending 表示没有等待人工确认的调整
	ErrNoPending = errors.New("orchestrator: no adjustment awaiting approval")
)

// PhaseError 表示操作在排程任务的当前阶段不允许
type PhaseError struct {
	RunID string
	Phase fsm.State
	Op    string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("orchestrator: %s not allowed for run %s in phase %s", e.Op, e.RunID, e.Phase)
}

// Journal 记录扰动处理完成，通常由预写日志实现
type Journal interface {
	Complete(disruptionID string) error
}

// Deps 编排器的可选协作者，nil 字段按默认方式创建或跳过
type Deps struct {
	Registry    *registry.Registry // nil 时始终使用兜底策略
	Monitor     *monitoring.Monitor
	Bus         *event.Bus
	Predictor   *predict.Service
	Recommender *recommend.Engine
	Journal     Journal
}

// PlanRequest 一次排程任务的输入
type PlanRequest struct {
	Jobs      []*types.Job     `json:"jobs"`
	Machines  []*types.Machine `json:"machines"`
	Weights   types.Weights    `json:"weights"`    // 全零时使用配置中的权重
	TimeLimit time.Duration    `json:"time_limit"` // 0 时使用配置值
	Origin    time.Time        `json:"origin"`
}

// PlanResult 排程任务的求解结果
type PlanResult struct {
	RunID           string                 `json:"run_id"`
	Phase           fsm.State              `json:"phase"`
	Status          solver.Status          `json:"status"`
	Schedule        *types.Schedule        `json:"schedule,omitempty"`
	Stats           solver.Stats           `json:"stats"`
	Conflict        solver.ConflictClass   `json:"conflict,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Analysis        *predict.Analysis      `json:"analysis,omitempty"`
	Recommendations []types.Recommendation `json:"recommendations,omitempty"`
}

// Orchestrator 串联求解、实时调整和分析三层能力
// 每个排程任务有独立的阶段状态机和临界区，不同任务之间互不阻塞
type Orchestrator struct {
	cfg         config.Config
	solver      *solver.Solver
	registry    *registry.Registry
	monitor     *monitoring.Monitor
	bus         *event.Bus
	predictor   *predict.Service
	recommender *recommend.Engine
	journal     Journal
	logger      *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// New 创建编排器
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		cfg:         cfg,
		solver:      solver.New(cfg.Solver, logger),
		registry:    deps.Registry,
		monitor:     deps.Monitor,
		bus:         deps.Bus,
		predictor:   deps.Predictor,
		recommender: deps.Recommender,
		journal:     deps.Journal,
		logger:      logger.With("component", "orchestrator"),
		runs:        make(map[string]*run),
	}
	if o.monitor == nil {
		o.monitor = monitoring.New(cfg.Monitoring.Window, logger)
	}
	if o.predictor == nil {
		p, err := predict.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("创建预测服务失败: %w", err)
		}
		o.predictor = p
	}
	if o.recommender == nil {
		r, err := recommend.New(cfg.Recommend, o.predictor, logger)
		if err != nil {
			return nil, fmt.Errorf("创建推荐引擎失败: %w", err)
		}
		o.recommender = r
	}
	if o.cfg.Orchestrator.AgentType == "" {
		o.cfg.Orchestrator.AgentType = string(types.AgentPPO)
	}
	return o, nil
}

// Monitor 返回决策监控器
func (o *Orchestrator) Monitor() *monitoring.Monitor { return o.monitor }

// run 一个排程任务的在线状态，所有字段都在 mu 保护下访问
type run struct {
	id       string
	mu       sync.Mutex
	phase    *fsm.FSM
	machines []*types.Machine
	weights  types.Weights
	sched    *types.Schedule
	cons     adjust.Constraints
	now      int
	queue    *pq.Queue[types.Disruption] // 调整进行中到达的扰动，按严重程度排序
	pending  *Proposal                   // 等待人工确认的调整建议

	disruptions int
	adjustments int
}

func (o *Orchestrator) newRun(machines []*types.Machine, w types.Weights) *run {
	r := &run{
		id:       uuid.NewString(),
		machines: types.CloneMachines(machines),
		weights:  w,
		cons:     adjust.Constraints{Delta: o.cfg.Environment.ActionDelta},
		queue: pq.New(func(a, b types.Disruption) bool {
			return a.Severity() > b.Severity()
		}),
	}
	r.phase = fsm.New(r.id, fsm.PhaseIdle, fsm.RunPhases, o.logger)
	for _, st := range []fsm.State{fsm.PhaseAnalyzing, fsm.PhaseSolving, fsm.PhaseMonitoring, fsm.PhaseAdjusting, fsm.PhaseDone, fsm.PhaseFailed} {
		r.phase.RegisterCallback(st, func(id string, from fsm.State) {
			o.bus.Publish(event.Event{Type: event.PhaseChanged, RunID: id, Phase: r.phase.Current(), From: from})
		})
	}

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()
	o.bus.Publish(event.Event{Type: event.PhaseChanged, RunID: r.id, Phase: fsm.PhaseIdle})
	return r
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return r, nil
}

func (o *Orchestrator) weights(w types.Weights) types.Weights {
	if w.Makespan == 0 && w.Tardiness == 0 {
		return o.cfg.Solver.Weights
	}
	return w
}

// fire 推进阶段，非法转移属于编程错误，只记录日志
func (o *Orchestrator) fire(r *run, ev fsm.Event) {
	if _, err := r.phase.Fire(ev); err != nil {
		o.logger.Error("阶段转移失败", "run_id", r.id, "event", ev, "error", err)
	}
}

func (o *Orchestrator) fail(r *run, err error) {
	o.fire(r, fsm.EventFail)
	o.bus.Publish(event.Event{Type: event.RunFailed, RunID: r.id, Phase: r.phase.Current(), Error: err})
}

// Plan 创建排程任务：可选的分析阶段之后用精确求解器生成初始排程
// 不可行不是错误，返回的结果中 Phase 为 FAILED
func (o *Orchestrator) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	w := o.weights(req.Weights)
	r := o.newRun(req.Machines, w)
	ctx, span := util.StartSpan(ctx, "orchestrator.Plan",
		attribute.String("run_id", r.id),
		attribute.Int("jobs", len(req.Jobs)))
	defer span.End()
	logger := o.logger.With("run_id", r.id, "trace_id", traceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := &PlanResult{RunID: r.id}
	var hint *types.Schedule
	if o.cfg.Orchestrator.Analyze {
		o.fire(r, fsm.EventAnalyze)
		pre, rule, err := dispatch.Best(req.Jobs, r.machines, w, dispatch.Options{Origin: req.Origin})
		if err != nil {
			// 派工规则排不出来时跳过分析，是否可行由求解器判定
			logger.Warn("分析阶段无法构造参考排程", "error", err)
		} else {
			hint = pre
			a := o.predictor.Analyze(pre, r.machines)
			out.Analysis = &a
			logger.Info("分析完成", "reference_rule", rule, "bottlenecks", a.Bottlenecks.Status, "delays", a.Delays.Status)
		}
	}

	o.fire(r, fsm.EventSolve)
	res, err := o.solver.Solve(ctx, solver.Problem{
		Jobs:      req.Jobs,
		Machines:  r.machines,
		Weights:   w,
		TimeLimit: req.TimeLimit,
		Hint:      hint,
		Origin:    req.Origin,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(r, err)
		return nil, fmt.Errorf("run %s: %w", r.id, err)
	}
	out.Status, out.Stats, out.Conflict, out.Reason = res.Status, res.Stats, res.Conflict, res.Reason
	if res.Status == solver.StatusInfeasible || res.Schedule == nil {
		logger.Warn("排程不可行", "conflict", res.Conflict, "reason", res.Reason)
		o.fail(r, fmt.Errorf("infeasible: %s", res.Reason))
		out.Phase = r.phase.Current()
		return out, nil
	}

	r.sched = res.Schedule.Clone()
	o.fire(r, fsm.EventSolved)
	out.Phase = r.phase.Current()
	out.Schedule = r.sched.Clone()

	recs, err := o.recommender.Recommend(r.sched, r.machines, 0)
	if err != nil {
		logger.Warn("生成建议失败", "error", err)
	}
	out.Recommendations = recs

	o.bus.Publish(event.Event{Type: event.RunPlanned, RunID: r.id, Phase: out.Phase, Stats: r.sched.Stats()})
	logger.Info("排程任务进入监控", "status", res.Status, "objective", res.Stats.Objective)
	return out, nil
}

// Track 接管一份外部给出的排程，跳过求解直接进入监控阶段
func (o *Orchestrator) Track(ctx context.Context, s *types.Schedule, machines []*types.Machine, w types.Weights) (*RunSnapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("orchestrator: track requires a schedule")
	}
	if err := s.Validate(machines); err != nil {
		return nil, fmt.Errorf("orchestrator: track invalid schedule: %w", err)
	}
	r := o.newRun(machines, o.weights(w))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sched = s.Clone()
	o.fire(r, fsm.EventSolve)
	o.fire(r, fsm.EventSolved)
	o.bus.Publish(event.Event{Type: event.RunPlanned, RunID: r.id, Phase: r.phase.Current(), Stats: r.sched.Stats()})
	o.logger.Info("接管外部排程", "run_id", r.id, "operations", len(r.sched.Operations()))
	snap := r.snapshot()
	return &snap, nil
}

// requirePhase 检查当前阶段是否在允许列表中
func requirePhase(r *run, op string, allowed ...fsm.State) error {
	cur := r.phase.Current()
	if slices.Contains(allowed, cur) {
		return nil
	}
	return &PhaseError{RunID: r.id, Phase: cur, Op: op}
}

// Advance 把排程任务的现场时钟推进到 now，已到时刻的工序状态随之前推
func (o *Orchestrator) Advance(ctx context.Context, runID string, now int) (*RunSnapshot, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := requirePhase(r, "advance", fsm.PhaseMonitoring, fsm.PhaseAdjusting); err != nil {
		return nil, err
	}
	if now < r.now {
		return nil, fmt.Errorf("orchestrator: clock of run %s is at %d, cannot move back to %d", r.id, r.now, now)
	}
	r.now = now
	o.sync(r)
	snap := r.snapshot()
	return &snap, nil
}

// Complete 结束排程任务；调整进行中时不允许结束
func (o *Orchestrator) Complete(ctx context.Context, runID string) (*RunSnapshot, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := requirePhase(r, "complete", fsm.PhaseMonitoring); err != nil {
		return nil, err
	}
	o.fire(r, fsm.EventComplete)
	snap := r.snapshot()
	o.bus.Publish(event.Event{Type: event.RunCompleted, RunID: r.id, Phase: snap.Phase, Stats: snap.Stats})
	return &snap, nil
}

// Recommendations 对当前在线排程生成建议
func (o *Orchestrator) Recommendations(ctx context.Context, runID string, maxN int) ([]types.Recommendation, error) {
	s, machines, err := o.current(runID)
	if err != nil {
		return nil, err
	}
	return o.recommender.Recommend(s, machines, maxN)
}

// Predict 对当前在线排程运行瓶颈、工时和延误预测
func (o *Orchestrator) Predict(ctx context.Context, runID string) (predict.Analysis, error) {
	s, machines, err := o.current(runID)
	if err != nil {
		return predict.Analysis{}, err
	}
	return o.predictor.Analyze(s, machines), nil
}

// current 返回在线排程和机台的副本，分析在锁外进行
func (o *Orchestrator) current(runID string) (*types.Schedule, []*types.Machine, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched == nil {
		return nil, nil, &PhaseError{RunID: r.id, Phase: r.phase.Current(), Op: "analyze"}
	}
	return r.sched.Clone(), types.CloneMachines(r.machines), nil
}

// RunSnapshot 排程任务的只读视图
type RunSnapshot struct {
	ID          string              `json:"id"`
	Phase       fsm.State           `json:"phase"`
	Now         int                 `json:"now"`
	Schedule    *types.Schedule     `json:"schedule,omitempty"`
	Machines    []*types.Machine    `json:"machines"`
	Stats       types.ScheduleStats `json:"stats"`
	Objective   float64             `json:"objective"`
	Pending     *Proposal           `json:"pending,omitempty"`
	Queued      int                 `json:"queued"`
	Disruptions int                 `json:"disruptions"`
	Adjustments int                 `json:"adjustments"`
}

func (r *run) snapshot() RunSnapshot {
	snap := RunSnapshot{
		ID:          r.id,
		Phase:       r.phase.Current(),
		Now:         r.now,
		Machines:    types.CloneMachines(r.machines),
		Queued:      r.queue.Len(),
		Disruptions: r.disruptions,
		Adjustments: r.adjustments,
	}
	if r.sched != nil {
		snap.Schedule = r.sched.Clone()
		snap.Stats = r.sched.Stats()
		snap.Objective = r.sched.Objective(r.weights)
	}
	if r.pending != nil {
		p := *r.pending
		snap.Pending = &p
	}
	return snap
}

// Snapshot 返回排程任务当前状态的副本
func (o *Orchestrator) Snapshot(runID string) (*RunSnapshot, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	return &snap, nil
}

// Runs 列出全部排程任务，按 ID 排序
func (o *Orchestrator) Runs() []RunSnapshot {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]RunSnapshot, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b RunSnapshot) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
