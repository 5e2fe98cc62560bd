package adjust

import (
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/pq"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Constraints 描述调整和修复时必须遵守的现场约束
type Constraints struct {
	Now     int                         // 当前时刻，未开工工序不得早于此时刻
	Blocked map[string][]types.Interval // 机台不可用窗口
	ReadyAt map[string]int              // 工序级最早开工时间
	Delta   int                         // 提前/推迟动作的默认步长（分钟）
}

// Clone 拷贝约束，避免调用方之间共享 map
func (c Constraints) Clone() Constraints {
	cp := Constraints{Now: c.Now, Delta: c.Delta, Blocked: make(map[string][]types.Interval), ReadyAt: make(map[string]int)}
	for k, v := range c.Blocked {
		cp.Blocked[k] = append([]types.Interval(nil), v...)
	}
	for k, v := range c.ReadyAt {
		cp.ReadyAt[k] = v
	}
	return cp
}

// Block 为机台增加一个不可用窗口
func (c *Constraints) Block(machineID string, start, end int) {
	if c.Blocked == nil {
		c.Blocked = make(map[string][]types.Interval)
	}
	c.Blocked[machineID] = append(c.Blocked[machineID], types.Interval{Start: start, End: end})
}

// BlockedAt 判断机台在 t 时刻是否不可用
func (c Constraints) BlockedAt(machineID string, t int) bool {
	for _, b := range c.Blocked[machineID] {
		if b.Start <= t && t < b.End {
			return true
		}
	}
	return false
}

type pending struct {
	job     *types.Job
	op      *types.Operation
	favored bool
}

// Repair 在保持机台分配和相对顺序的前提下重新计算未开工工序的时间
// 只做右移：工序不会早于其当前计划开始时间，favored 工单的工序优先占位。
// 未分配机台的工序按最早完工原则挑选机台。
func Repair(s *types.Schedule, machines []*types.Machine, c Constraints, favored map[string]bool) error {
	timelines := make(map[string]*types.Timeline, len(machines))
	for _, m := range machines {
		tl := types.NewTimeline(m.Slots())
		for _, b := range c.Blocked[m.ID] {
			tl.Block(b.Start, b.End)
		}
		timelines[m.ID] = tl
	}

	queue := pq.New(func(a, b pending) bool {
		if a.favored != b.favored {
			return a.favored
		}
		if a.op.Start != b.op.Start {
			return a.op.Start < b.op.Start
		}
		return a.op.ID < b.op.ID
	})

	for _, j := range s.Jobs {
		j.Normalize()
		for i, op := range j.Operations {
			if op.Started() {
				if tl, ok := timelines[op.MachineID]; ok {
					tl.Add(types.Interval{Start: op.Start, End: op.End, Ref: op.ID})
				}
				continue
			}
			// 链上第一道未开工工序入队，其余工序等待前序出队
			if i == 0 || j.Operations[i-1].Started() {
				queue.Push(pending{job: j, op: op, favored: favored[j.ID]})
			}
		}
	}

	for queue.Len() > 0 {
		p, _ := queue.Pop()
		op := p.op
		est := max(op.Start, c.Now, c.ReadyAt[op.ID])
		if pred := p.job.Predecessor(op); pred != nil {
			est = max(est, pred.End)
		} else {
			est = max(est, p.job.Release)
		}

		if !op.Assigned() {
			eligible := dispatch.Eligible(machines, op.Capability)
			if len(eligible) == 0 {
				return &types.ViolationError{Kind: types.ViolationCapability, OperationID: op.ID, Detail: "no machine provides " + op.Capability}
			}
			best, bestStart := "", 0
			for _, m := range eligible {
				start := timelines[m.ID].EarliestStart(est, op.Duration)
				if best == "" || start < bestStart || (start == bestStart && m.ID < best) {
					best, bestStart = m.ID, start
				}
			}
			op.MachineID = best
		}

		tl, ok := timelines[op.MachineID]
		if !ok {
			return &types.ViolationError{Kind: types.ViolationCapability, OperationID: op.ID, MachineID: op.MachineID, Detail: "unknown machine"}
		}
		op.Start = tl.EarliestStart(est, op.Duration)
		op.End = op.Start + op.Duration
		op.Status = types.OpScheduled
		tl.Add(types.Interval{Start: op.Start, End: op.End, Ref: op.ID})

		if next := p.job.Successor(op); next != nil {
			queue.Push(pending{job: p.job, op: next, favored: p.favored})
		}
	}
	return nil
}
