package adjust

import (
	"fmt"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// overlaps 判断工序计划窗口与扰动窗口是否相交，零时长扰动按时间点处理
func overlaps(op *types.Operation, d types.Disruption) bool {
	if d.Duration <= 0 {
		return op.Start <= d.Start && d.Start < op.End
	}
	return op.Start < d.End() && d.Start < op.End
}

// Affected 返回受扰动影响的工序：直接受影响的工序及其在工单链上的全部下游工序
// 机台类扰动只计入分配在该机台且时间窗与扰动相交的工序，无关工单的工序不会出现在结果中
func Affected(s *types.Schedule, d types.Disruption) []string {
	seen := make(map[string]bool)
	var out []*types.Operation
	add := func(op *types.Operation) {
		if op.Status == types.OpDone || seen[op.ID] {
			return
		}
		seen[op.ID] = true
		out = append(out, op)
	}
	addDownstream := func(j *types.Job, op *types.Operation) {
		for _, o := range j.Operations[op.Index+1:] {
			add(o)
		}
	}

	switch {
	case d.Type.MachineScoped():
		for _, j := range s.Jobs {
			for _, op := range j.Operations {
				if op.MachineID == d.MachineID && op.Status != types.OpDone && overlaps(op, d) {
					add(op)
					addDownstream(j, op)
				}
			}
		}
	case d.Type == types.RushOrder:
		if d.Job != nil {
			if j := s.Job(d.Job.ID); j != nil {
				for _, op := range j.Operations {
					add(op)
				}
			}
		}
	default:
		j, op := s.Operation(d.OperationID)
		if op != nil {
			// 返工可以作用于已完工工序，仍计入受影响列表
			if op.Status == types.OpDone && d.Type == types.QualityRework {
				seen[op.ID] = true
				out = append(out, op)
			} else {
				add(op)
			}
			addDownstream(j, op)
		}
	}

	types.SortByStart(out)
	ids := make([]string, len(out))
	for i, op := range out {
		ids[i] = op.ID
	}
	return ids
}

// ApplyDisruption 把扰动落到排程和约束上，并重新修复排程
// s 和 c 会被原地修改；返回扰动是否产生了实际影响
func ApplyDisruption(s *types.Schedule, machines []*types.Machine, d types.Disruption, c *Constraints) (bool, error) {
	changed := false
	switch d.Type {
	case types.MachineBreakdown, types.WorkerAbsence:
		if findMachine(machines, d.MachineID) == nil {
			return false, fmt.Errorf("disruption %s: unknown machine %q", d.ID, d.MachineID)
		}
		c.Block(d.MachineID, d.Start, d.End())
		changed = true
		// 正在加工的工序被中断，恢复后继续，结束时间顺延
		for _, op := range s.OperationsOn(d.MachineID) {
			if op.Status == types.OpRunning && op.Start <= d.Start && d.Start < op.End {
				op.End += d.Duration
			}
		}

	case types.ProcessingDelay, types.QualityRework:
		j, op := s.Operation(d.OperationID)
		if op == nil {
			return false, fmt.Errorf("disruption %s: unknown operation %q", d.ID, d.OperationID)
		}
		switch {
		case op.Status == types.OpDone && d.Type == types.QualityRework:
			succ := j.Successor(op)
			if succ != nil && succ.Started() {
				return false, nil
			}
			rework := &types.Operation{
				ID:         op.ID + "-rw",
				JobID:      j.ID,
				Capability: op.Capability,
				Duration:   d.Duration,
				MachineID:  op.MachineID,
				Start:      max(d.Start, op.End),
				Status:     types.OpScheduled,
			}
			if _, dup := s.Operation(rework.ID); dup != nil {
				return false, nil
			}
			rework.End = rework.Start + rework.Duration
			ops := append([]*types.Operation{}, j.Operations[:op.Index+1]...)
			ops = append(ops, rework)
			j.Operations = append(ops, j.Operations[op.Index+1:]...)
			renumber(j)
		case op.Status == types.OpDone:
			return false, nil
		case op.Status == types.OpRunning:
			op.Duration += d.Duration
			op.End += d.Duration
		default:
			op.Duration += d.Duration
			op.End = op.Start + op.Duration
		}
		changed = true

	case types.MaterialShortage:
		_, op := s.Operation(d.OperationID)
		if op == nil {
			return false, fmt.Errorf("disruption %s: unknown operation %q", d.ID, d.OperationID)
		}
		if op.Started() {
			return false, nil
		}
		if c.ReadyAt == nil {
			c.ReadyAt = make(map[string]int)
		}
		c.ReadyAt[op.ID] = max(c.ReadyAt[op.ID], d.End())
		changed = true

	case types.RushOrder:
		if d.Job == nil || len(d.Job.Operations) == 0 {
			return false, fmt.Errorf("disruption %s: rush order without job", d.ID)
		}
		if s.Job(d.Job.ID) != nil {
			return false, nil
		}
		j := d.Job.Clone()
		j.Release = max(j.Release, d.Start)
		for _, op := range j.Operations {
			op.MachineID = ""
			op.Status = ""
			op.Start = 0
		}
		j.Normalize()
		s.Jobs = append(s.Jobs, j)
		changed = true

	default:
		return false, fmt.Errorf("disruption %s: unknown type %q", d.ID, d.Type)
	}

	if err := Repair(s, machines, *c, nil); err != nil {
		return changed, err
	}
	return changed, nil
}
