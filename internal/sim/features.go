package sim

import "github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"

// Observe 计算当前状态向量和动作掩码
// 除交期偏移落在 [-1,1] 外，其余特征都截断到 [0,1]
func (e *Environment) Observe() Observation {
	vec := make([]float64, e.space.ObservationSize())
	mask := make([]bool, e.space.Size())
	mask[0] = true
	if e.sched == nil {
		return Observation{Vector: vec, Mask: mask}
	}
	h := float64(e.cfg.Horizon)

	machineIdx := make(map[string]int, len(e.machines))
	for i, m := range e.machines {
		machineIdx[m.ID] = i
	}
	jobs := make(map[string]*types.Job, len(e.sched.Jobs))
	for _, j := range e.sched.Jobs {
		jobs[j.ID] = j
	}

	slotOf := make(map[string]int, len(e.slots))
	for k, op := range e.slots {
		slotOf[op.ID] = k
		j := jobs[op.JobID]
		base := k * OpFeatures
		vec[base+FeatStart] = clamp(float64(op.Start)/h, 0, 1)
		vec[base+FeatEnd] = clamp(float64(op.End)/h, 0, 1)
		vec[base+FeatDuration] = clamp(float64(op.Duration)/h, 0, 1)
		vec[base+FeatStatus] = statusCode(op.Status)
		if mi, ok := machineIdx[op.MachineID]; ok && mi < e.space.Machines {
			vec[base+FeatMachine] = float64(mi+1) / float64(len(e.machines))
		}
		if j != nil {
			vec[base+FeatDue] = clamp(float64(j.Due-e.now)/h, -1, 1)
			vec[base+FeatPriority] = clamp(j.Priority/10, 0, 1)
			if op.End > j.Due {
				vec[base+FeatLate] = 1
			}
		}
		if !op.Started() && j != nil {
			e.maskOperation(mask, k, j, op)
		}
	}

	mbase := e.space.Ops * OpFeatures
	maxCap := 1
	for _, m := range e.machines {
		maxCap = max(maxCap, m.Slots())
	}
	for i, m := range e.machines {
		if i >= e.space.Machines {
			break
		}
		base := mbase + i*MachineFeatures
		switch m.Status {
		case types.MachineBusy:
			vec[base+MFeatStatus] = 0.5
		case types.MachineDown:
			vec[base+MFeatStatus] = 1
		}
		vec[base+MFeatUtil] = e.lastUtil[m.ID]
		remaining := 0
		for _, op := range e.sched.OperationsOn(m.ID) {
			if op.Status != types.OpRunning {
				continue
			}
			remaining = max(remaining, op.End-e.now)
			if k, ok := slotOf[op.ID]; ok && vec[base+MFeatCurrentOp] == 0 {
				vec[base+MFeatCurrentOp] = float64(k+1) / float64(e.space.Ops)
			}
		}
		vec[base+MFeatRemaining] = clamp(float64(remaining)/h, 0, 1)
		vec[base+MFeatCapacity] = float64(m.Slots()) / float64(maxCap)
		vec[base+MFeatType] = e.typeCodes[m.Type]
	}

	gbase := mbase + e.space.Machines*MachineFeatures
	total, pending, done := 0, 0, 0
	for _, op := range e.sched.Operations() {
		total++
		if !op.Started() {
			pending++
		}
		if op.Status == types.OpDone {
			done++
		}
	}
	vec[gbase+GFeatTime] = clamp(float64(e.now)/h, 0, 1)
	if total > 0 {
		vec[gbase+GFeatPending] = float64(pending) / float64(total)
		vec[gbase+GFeatCompletion] = float64(done) / float64(total)
	}
	vec[gbase+GFeatDisruption] = clamp(float64(e.disrupted)/float64(max(e.steps, 1)), 0, 1)
	if n := len(e.sched.Jobs); n > 0 {
		vec[gbase+GFeatTardiness] = clamp(float64(e.sched.TotalTardiness())/(h*float64(n)), 0, 1)
	}
	return Observation{Vector: vec, Mask: mask}
}

// maskOperation 对未开工工序标出大致可行的动作，最终可行性仍由 adjust.Apply 判断
func (e *Environment) maskOperation(mask []bool, slot int, j *types.Job, op *types.Operation) {
	set := func(kind types.ActionKind, mi int) {
		if idx := e.space.Index(kind, slot, mi); idx >= 0 {
			mask[idx] = true
		}
	}
	earliest := max(e.now, j.Release, e.cons.ReadyAt[op.ID])
	if pred := j.Predecessor(op); pred != nil {
		earliest = max(earliest, pred.End)
	}
	if op.Start-e.cfg.ActionDelta >= earliest {
		set(types.KindRescheduleEarlier, -1)
	}
	set(types.KindRescheduleLater, -1)
	set(types.KindPrioritizeJob, -1)
	if op.Duration >= 2 {
		set(types.KindSplitBatch, -1)
	}
	if next := j.Successor(op); next != nil && !next.Started() && next.Capability == op.Capability && next.MachineID == op.MachineID {
		set(types.KindMergeOperations, -1)
	}
	for mi, m := range e.machines {
		if mi >= e.space.Machines {
			break
		}
		if m.ID != op.MachineID && m.Status != types.MachineDown && m.Can(op.Capability) {
			set(types.KindReassignMachine, mi)
		}
	}
}

func statusCode(s types.OperationStatus) float64 {
	switch s {
	case types.OpScheduled:
		return 1.0 / 3
	case types.OpRunning:
		return 2.0 / 3
	case types.OpDone:
		return 1
	}
	return 0
}
