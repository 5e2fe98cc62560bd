package solver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Status 求解结果状态
type Status string

const (
	StatusOptimal    Status = "optimal"    // 搜索完成，已证明最优
	StatusFeasible   Status = "feasible"   // 提前停止，最优间隙在容差内
	StatusInfeasible Status = "infeasible" // 不存在满足约束的排程
	StatusTimedOut   Status = "timed_out"  // 时间预算耗尽，返回当前最好解
)

// ConflictClass 不可行时冲突的约束类别
type ConflictClass string

const (
	ConflictNone       ConflictClass = ""
	ConflictPrecedence ConflictClass = "precedence"
	ConflictCapacity   ConflictClass = "capacity"
	ConflictCapability ConflictClass = "capability"
)

const defaultTimeLimit = 10 * time.Second

// Problem 是一次求解的输入
type Problem struct {
	Jobs         []*types.Job
	Machines     []*types.Machine
	Weights      types.Weights
	TimeLimit    time.Duration
	Horizon      int     // >0 时所有工序必须在该时刻前完成
	GapTolerance float64 // >0 时间隙达到即停止并返回 Feasible
	Hint         *types.Schedule
	Origin       time.Time
}

// Stats 求解统计信息
type Stats struct {
	Objective float64       `json:"objective"`
	BestBound float64       `json:"best_bound"`
	Gap       float64       `json:"gap"`
	Nodes     int64         `json:"nodes"`
	WallTime  time.Duration `json:"wall_time"`
	Seed      dispatch.Rule `json:"seed_rule,omitempty"` // 初始上界来自哪条派工规则
}

// Result 是一次求解的输出
type Result struct {
	Status   Status          `json:"status"`
	Schedule *types.Schedule `json:"schedule,omitempty"`
	Stats    Stats           `json:"stats"`
	Conflict ConflictClass   `json:"conflict,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Solver 精确求解器
// 分支定界搜索，分支方式为串行调度生成 + 时间线插空，
// 子节点按 (最早开工, 工序 ID, 机台 ID) 排序以保证结果确定
type Solver struct {
	cfg    config.SolverConfig
	logger *slog.Logger
}

// New 创建求解器
func New(cfg config.SolverConfig, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Solver{cfg: cfg, logger: logger.With("component", "solver")}
}

// withDefaults 用配置补全问题中未指定的参数
func (s *Solver) withDefaults(p Problem) Problem {
	if p.Weights == (types.Weights{}) {
		p.Weights = s.cfg.Weights
	}
	if p.TimeLimit <= 0 {
		p.TimeLimit = s.cfg.TimeLimit
	}
	if p.TimeLimit <= 0 {
		p.TimeLimit = defaultTimeLimit
	}
	if p.Horizon == 0 {
		p.Horizon = s.cfg.Horizon
	}
	if p.GapTolerance == 0 {
		p.GapTolerance = s.cfg.GapTolerance
	}
	return p
}

// Solve 求解静态排程
// 只有输入本身不合法（重复 ID、负时长）时才返回 error；
// 不可行和超时都是正常结果，通过 Result.Status 表达
func (s *Solver) Solve(ctx context.Context, p Problem) (*Result, error) {
	p = s.withDefaults(p)
	ctx, span := util.StartSpan(ctx, "solver.Solve",
		attribute.Int("jobs", len(p.Jobs)),
		attribute.Int("machines", len(p.Machines)))
	defer span.End()

	begin := time.Now()
	res, err := s.solve(ctx, p, begin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SolverRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	res.Stats.WallTime = time.Since(begin)

	metrics.SolverRunsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.SolverDuration.Observe(res.Stats.WallTime.Seconds())
	if res.Schedule != nil {
		metrics.SolverObjective.Set(res.Stats.Objective)
	}
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Float64("objective", res.Stats.Objective),
		attribute.Int64("nodes", res.Stats.Nodes))

	traceID, _ := util.TraceIDFromContext(ctx)
	s.logger.Info("求解完成",
		"trace_id", traceID,
		"status", res.Status,
		"objective", res.Stats.Objective,
		"gap", res.Stats.Gap,
		"nodes", res.Stats.Nodes,
		"conflict", res.Conflict,
		"wall_time", res.Stats.WallTime)
	return res, nil
}

func (s *Solver) solve(ctx context.Context, p Problem, begin time.Time) (*Result, error) {
	if err := checkInput(p); err != nil {
		return nil, err
	}

	jobs := make([]*types.Job, len(p.Jobs))
	for i, j := range p.Jobs {
		jobs[i] = j.Clone()
		jobs[i].Normalize()
		for _, op := range jobs[i].Operations {
			op.MachineID, op.Start, op.End = "", 0, 0
			op.ActualStart, op.ActualEnd = 0, 0
			op.Status = types.OpPending
		}
	}
	if len(jobs) == 0 {
		return &Result{Status: StatusOptimal, Schedule: types.NewSchedule(p.Origin, jobs)}, nil
	}

	if res := precheck(p, jobs); res != nil {
		return res, nil
	}

	// 初始上界：最好的派工规则
	seed, rule, err := dispatch.Best(jobs, p.Machines, p.Weights, dispatch.Options{Origin: p.Origin})
	if err != nil {
		return nil, fmt.Errorf("构建初始排程失败: %w", err)
	}

	srch := newSearch(p, jobs)
	if fitsHorizon(seed, p.Horizon) {
		srch.offer(seed, rule)
	}
	if hint := usableHint(p, jobs); hint != nil {
		srch.offer(hint, "")
	}

	deadline := begin.Add(p.TimeLimit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	srch.deadline = deadline
	srch.run()

	res := &Result{Stats: Stats{Nodes: srch.nodes, Seed: srch.seedRule}}
	switch {
	case srch.best == nil && srch.exhausted:
		res.Status = StatusInfeasible
		res.Conflict = ConflictCapacity
		res.Reason = fmt.Sprintf("no assignment completes within horizon %d", p.Horizon)
		return res, nil
	case srch.best == nil:
		res.Status = StatusTimedOut
		res.Reason = "deadline reached before a schedule within the horizon was found"
		return res, nil
	}

	res.Schedule = srch.best
	res.Stats.Objective = srch.bestObj
	if srch.exhausted {
		res.Status = StatusOptimal
		res.Stats.BestBound = srch.bestObj
	} else {
		res.Stats.BestBound = srch.rootBound
		res.Stats.Gap = gap(srch.bestObj, srch.rootBound)
		if p.GapTolerance > 0 && res.Stats.Gap <= p.GapTolerance {
			res.Status = StatusFeasible
		} else {
			res.Status = StatusTimedOut
		}
	}
	return res, nil
}

// gap 返回相对最优间隙
func gap(obj, bound float64) float64 {
	if obj <= bound {
		return 0
	}
	return (obj - bound) / math.Max(math.Abs(obj), 1e-9)
}

// checkInput 检查输入是否合法
func checkInput(p Problem) error {
	seen := make(map[string]bool)
	jobIDs := make(map[string]bool)
	for _, j := range p.Jobs {
		if jobIDs[j.ID] {
			return fmt.Errorf("solver: duplicate job id %q", j.ID)
		}
		jobIDs[j.ID] = true
		for _, op := range j.Operations {
			if seen[op.ID] {
				return fmt.Errorf("solver: duplicate operation id %q", op.ID)
			}
			seen[op.ID] = true
			if op.Duration < 0 {
				return fmt.Errorf("solver: operation %q has negative duration", op.ID)
			}
		}
	}
	machineIDs := make(map[string]bool)
	for _, m := range p.Machines {
		if machineIDs[m.ID] {
			return fmt.Errorf("solver: duplicate machine id %q", m.ID)
		}
		machineIDs[m.ID] = true
	}
	return nil
}

// precheck 在搜索前识别可以直接判定的不可行情况
func precheck(p Problem, jobs []*types.Job) *Result {
	for _, j := range jobs {
		for _, op := range j.Operations {
			capable, up := 0, 0
			for _, m := range p.Machines {
				if m.Can(op.Capability) {
					capable++
					if m.Status != types.MachineDown {
						up++
					}
				}
			}
			if capable == 0 {
				return &Result{Status: StatusInfeasible, Conflict: ConflictCapability,
					Reason: fmt.Sprintf("no machine provides capability %q for operation %s", op.Capability, op.ID)}
			}
			if up == 0 {
				return &Result{Status: StatusInfeasible, Conflict: ConflictCapacity,
					Reason: fmt.Sprintf("every machine providing %q is down (operation %s)", op.Capability, op.ID)}
			}
		}
	}
	if p.Horizon <= 0 {
		return nil
	}
	for _, j := range jobs {
		if j.Release+j.TotalWork() > p.Horizon {
			return &Result{Status: StatusInfeasible, Conflict: ConflictPrecedence,
				Reason: fmt.Sprintf("job %s chain needs %d minutes from release %d, horizon is %d", j.ID, j.TotalWork(), j.Release, p.Horizon)}
		}
	}
	work := make(map[string]int)
	release := make(map[string]int)
	for _, j := range jobs {
		for _, op := range j.Operations {
			if _, ok := release[op.Capability]; !ok {
				release[op.Capability] = j.Release
			}
			release[op.Capability] = min(release[op.Capability], j.Release)
			work[op.Capability] += op.Duration
		}
	}
	for c, w := range work {
		slots := 0
		for _, m := range p.Machines {
			if m.Can(c) && m.Status != types.MachineDown {
				slots += m.Slots()
			}
		}
		if avail := (p.Horizon - release[c]) * slots; w > avail {
			return &Result{Status: StatusInfeasible, Conflict: ConflictCapacity,
				Reason: fmt.Sprintf("capability %q needs %d slot-minutes, only %d available before horizon", c, w, avail)}
		}
	}
	return nil
}

// fitsHorizon 判断排程是否满足时间范围约束
func fitsHorizon(s *types.Schedule, horizon int) bool {
	return s != nil && (horizon <= 0 || s.Makespan() <= horizon)
}

// usableHint 校验外部提供的初始解，只有与本次问题完全一致且可行时才采用
func usableHint(p Problem, jobs []*types.Job) *types.Schedule {
	if p.Hint == nil {
		return nil
	}
	hint := p.Hint.Clone()
	if len(hint.Jobs) != len(jobs) {
		return nil
	}
	for i, j := range jobs {
		h := hint.Jobs[i]
		if h.ID != j.ID || len(h.Operations) != len(j.Operations) || h.Due != j.Due || h.Release != j.Release {
			return nil
		}
		for k, op := range j.Operations {
			ho := h.Operations[k]
			if ho.ID != op.ID || ho.Duration != op.Duration || ho.Capability != op.Capability {
				return nil
			}
		}
		h.Normalize()
	}
	for _, op := range hint.Operations() {
		for _, m := range p.Machines {
			if m.ID == op.MachineID && m.Status == types.MachineDown {
				return nil
			}
		}
	}
	if hint.Validate(p.Machines) != nil || !fitsHorizon(hint, p.Horizon) {
		return nil
	}
	hint.Origin = p.Origin
	return hint
}
