package dispatch

import (
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/pq"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Options 列表排程的附加约束
type Options struct {
	Origin  time.Time
	Now     int                         // 不早于该时刻开工
	Blocked map[string][]types.Interval // 机台不可用窗口
	ReadyAt map[string]int              // 工序级最早开工时间（如缺料）
}

// candidate 是就绪队列中的元素
type candidate struct {
	job *types.Job
	op  *types.Operation
	est int
}

// Eligible 返回具备能力的机台；停机机台只在没有其他选择时才参与
func Eligible(machines []*types.Machine, capability string) []*types.Machine {
	var up, down []*types.Machine
	for _, m := range machines {
		if !m.Can(capability) {
			continue
		}
		if m.Status == types.MachineDown {
			down = append(down, m)
		} else {
			up = append(up, m)
		}
	}
	if len(up) > 0 {
		return up
	}
	return down
}

// Schedule 用指定规则构建一个可行排程（串行生成 + 插空）
// 输入工单会被拷贝，原数据不受影响
func Schedule(jobs []*types.Job, machines []*types.Machine, rule Rule, opts Options) (*types.Schedule, error) {
	cloned := make([]*types.Job, len(jobs))
	for i, j := range jobs {
		cloned[i] = j.Clone()
	}
	sched := types.NewSchedule(opts.Origin, cloned)

	timelines := make(map[string]*types.Timeline, len(machines))
	for _, m := range machines {
		tl := types.NewTimeline(m.Slots())
		for _, b := range opts.Blocked[m.ID] {
			tl.Block(b.Start, b.End)
		}
		timelines[m.ID] = tl
	}

	ready := pq.New(func(a, b candidate) bool {
		return Less(rule, a.job, a.op, b.job, b.op, max(a.est, b.est))
	})
	push := func(j *types.Job, op *types.Operation, est int) {
		est = max(est, opts.Now, opts.ReadyAt[op.ID])
		ready.Push(candidate{job: j, op: op, est: est})
	}
	for _, j := range sched.Jobs {
		if len(j.Operations) > 0 {
			push(j, j.Operations[0], j.Release)
		}
	}

	for ready.Len() > 0 {
		c, _ := ready.Pop()
		eligible := Eligible(machines, c.op.Capability)
		if len(eligible) == 0 {
			return nil, &types.ViolationError{Kind: types.ViolationCapability, OperationID: c.op.ID, Detail: "no machine provides " + c.op.Capability}
		}
		best, bestStart := "", 0
		for _, m := range eligible {
			start := timelines[m.ID].EarliestStart(c.est, c.op.Duration)
			if best == "" || start < bestStart || (start == bestStart && m.ID < best) {
				best, bestStart = m.ID, start
			}
		}
		c.op.MachineID = best
		c.op.Start = bestStart
		c.op.End = bestStart + c.op.Duration
		c.op.Status = types.OpScheduled
		timelines[best].Add(types.Interval{Start: c.op.Start, End: c.op.End, Ref: c.op.ID})
		if next := c.job.Successor(c.op); next != nil {
			push(c.job, next, c.op.End)
		}
	}
	return sched, nil
}

// Best 用全部规则各生成一次排程，返回目标值最优者及其规则
func Best(jobs []*types.Job, machines []*types.Machine, w types.Weights, opts Options) (*types.Schedule, Rule, error) {
	var (
		best     *types.Schedule
		bestRule Rule
		bestObj  float64
	)
	for _, r := range Rules {
		s, err := Schedule(jobs, machines, r, opts)
		if err != nil {
			return nil, "", err
		}
		if obj := s.Objective(w); best == nil || obj < bestObj {
			best, bestRule, bestObj = s, r, obj
		}
	}
	return best, bestRule, nil
}
