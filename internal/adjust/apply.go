package adjust

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// DefaultDelta 提前/推迟动作的默认步长
const DefaultDelta = 15

// RejectionError 表示动作在当前排程下不可行，调用方按 no_op 处理
type RejectionError struct {
	Kind   types.ActionKind
	Target string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("action %s on %q rejected: %s", e.Kind, e.Target, e.Reason)
}

// IsRejection 判断错误是否为动作被拒
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

func reject(a types.Action, format string, args ...any) error {
	return &RejectionError{Kind: a.Kind(), Target: a.Target(), Reason: fmt.Sprintf(format, args...)}
}

// Apply 在排程副本上应用一个调整动作，返回新排程
// 原排程不会被修改；不可行的动作返回 *RejectionError
func Apply(s *types.Schedule, machines []*types.Machine, a types.Action, c Constraints) (*types.Schedule, error) {
	next := s.Clone()
	if a == nil {
		return next, nil
	}
	if _, ok := a.(types.NoOp); ok {
		return next, nil
	}

	job, op := next.Operation(a.Target())
	if op == nil {
		return nil, reject(a, "unknown operation")
	}
	if op.Started() {
		return nil, reject(a, "operation already %s", op.Status)
	}
	delta := c.Delta
	if delta <= 0 {
		delta = DefaultDelta
	}

	var favored map[string]bool
	switch v := a.(type) {
	case types.ReassignMachine:
		m := findMachine(machines, v.MachineID)
		if err := usable(a, m, op, c); err != nil {
			return nil, err
		}
		if m.ID == op.MachineID {
			return nil, reject(a, "operation already on machine %s", m.ID)
		}
		op.MachineID = m.ID
		op.Start = c.Now
		if pred := job.Predecessor(op); pred != nil {
			op.Start = max(op.Start, pred.End)
		}

	case types.RescheduleEarlier:
		d := v.Delta
		if d <= 0 {
			d = delta
		}
		start := op.Start - d
		if start < c.Now {
			return nil, reject(a, "new start %d is in the past", start)
		}
		if pred := job.Predecessor(op); pred != nil && start < pred.End {
			return nil, reject(a, "new start %d precedes predecessor end %d", start, pred.End)
		}
		if op.Index == 0 && start < job.Release {
			return nil, reject(a, "new start %d precedes job release", start)
		}
		if start < c.ReadyAt[op.ID] {
			return nil, reject(a, "material not ready before %d", c.ReadyAt[op.ID])
		}
		tl := next.Timelines(machines)[op.MachineID]
		if tl == nil {
			return nil, reject(a, "operation machine unknown")
		}
		tl.Remove(op.ID)
		for _, b := range c.Blocked[op.MachineID] {
			tl.Block(b.Start, b.End)
		}
		if !tl.Fits(start, op.Duration) {
			return nil, reject(a, "machine %s has no free capacity at %d", op.MachineID, start)
		}
		op.Start = start

	case types.RescheduleLater:
		d := v.Delta
		if d <= 0 {
			d = delta
		}
		op.Start += d

	case types.PrioritizeJob:
		if job.Status == types.JobComplete {
			return nil, reject(a, "job already complete")
		}
		job.Priority++
		for _, o := range job.Operations {
			if !o.Started() {
				o.Start = c.Now
			}
		}
		favored = map[string]bool{job.ID: true}

	case types.SplitBatch:
		if op.Duration < 2 {
			return nil, reject(a, "duration %d too short to split", op.Duration)
		}
		id := op.ID + "-b"
		if _, exists := next.Operation(id); exists != nil {
			return nil, reject(a, "split part %s already exists", id)
		}
		machineID := op.MachineID
		if v.MachineID != "" {
			m := findMachine(machines, v.MachineID)
			if err := usable(a, m, op, c); err != nil {
				return nil, err
			}
			machineID = m.ID
		}
		second := op.Duration / 2
		op.Duration -= second
		op.End = op.Start + op.Duration
		part := &types.Operation{
			ID:         id,
			JobID:      job.ID,
			Capability: op.Capability,
			Duration:   second,
			MachineID:  machineID,
			Start:      op.End,
			End:        op.End + second,
			Status:     types.OpScheduled,
		}
		job.Operations = slices.Insert(job.Operations, op.Index+1, part)
		renumber(job)

	case types.MergeOperations:
		succ := job.Successor(op)
		if succ == nil {
			return nil, reject(a, "operation has no successor")
		}
		if succ.Started() {
			return nil, reject(a, "successor already started")
		}
		if succ.Capability != op.Capability || succ.MachineID != op.MachineID {
			return nil, reject(a, "successor %s needs a different capability or machine", succ.ID)
		}
		op.Duration += succ.Duration
		op.End = op.Start + op.Duration
		job.Operations = slices.Delete(job.Operations, succ.Index, succ.Index+1)
		renumber(job)

	default:
		return nil, reject(a, "unsupported action")
	}

	if err := Repair(next, machines, c, favored); err != nil {
		return nil, reject(a, "repair failed: %v", err)
	}
	if err := next.Validate(machines); err != nil {
		return nil, reject(a, "result infeasible: %v", err)
	}
	return next, nil
}

func findMachine(machines []*types.Machine, id string) *types.Machine {
	for _, m := range machines {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// usable 检查目标机台能否承接工序
func usable(a types.Action, m *types.Machine, op *types.Operation, c Constraints) error {
	if m == nil {
		return reject(a, "unknown machine")
	}
	if !m.Can(op.Capability) {
		return reject(a, "machine %s lacks capability %s", m.ID, op.Capability)
	}
	if m.Status == types.MachineDown || c.BlockedAt(m.ID, c.Now) {
		return reject(a, "machine %s is down", m.ID)
	}
	return nil
}

func renumber(j *types.Job) {
	for i, o := range j.Operations {
		o.Index = i
		o.JobID = j.ID
	}
}
