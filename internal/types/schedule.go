package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Weights 定义排程目标函数的权重
type Weights struct {
	Makespan  float64 `json:"makespan" yaml:"makespan" mapstructure:"makespan"`
	Tardiness float64 `json:"tardiness" yaml:"tardiness" mapstructure:"tardiness"`
}

// Schedule 是工序到 (机台, 开始, 结束) 的映射
// 映射信息直接保存在每个 Operation 上，Schedule 只持有工单列表和时间原点
type Schedule struct {
	Origin time.Time `json:"origin"`
	Jobs   []*Job    `json:"jobs"`
}

// NewSchedule 用给定工单创建排程，并补全反向引用
func NewSchedule(origin time.Time, jobs []*Job) *Schedule {
	for _, j := range jobs {
		j.Normalize()
	}
	return &Schedule{Origin: origin, Jobs: jobs}
}

// Operations 按工单顺序返回全部工序
func (s *Schedule) Operations() []*Operation {
	var ops []*Operation
	for _, j := range s.Jobs {
		ops = append(ops, j.Operations...)
	}
	return ops
}

// Index 构建工序 ID 到工序的索引
func (s *Schedule) Index() map[string]*Operation {
	idx := make(map[string]*Operation)
	for _, j := range s.Jobs {
		for _, op := range j.Operations {
			idx[op.ID] = op
		}
	}
	return idx
}

// Job 按 ID 查找工单
func (s *Schedule) Job(id string) *Job {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Operation 按 ID 查找工序及其所属工单
func (s *Schedule) Operation(id string) (*Job, *Operation) {
	for _, j := range s.Jobs {
		for _, op := range j.Operations {
			if op.ID == id {
				return j, op
			}
		}
	}
	return nil, nil
}

// OperationsOn 返回分配在指定机台上的工序，按开始时间和 ID 排序
func (s *Schedule) OperationsOn(machineID string) []*Operation {
	var ops []*Operation
	for _, op := range s.Operations() {
		if op.MachineID == machineID {
			ops = append(ops, op)
		}
	}
	SortByStart(ops)
	return ops
}

// SortByStart 按计划开始时间排序，时间相同时按工序 ID 排序以保证确定性
func SortByStart(ops []*Operation) {
	slices.SortStableFunc(ops, func(a, b *Operation) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Makespan 返回最后一道工序的结束时间
func (s *Schedule) Makespan() int {
	end := 0
	for _, op := range s.Operations() {
		end = max(end, op.End)
	}
	return end
}

// TotalTardiness 返回全部工单的拖期之和
func (s *Schedule) TotalTardiness() int {
	total := 0
	for _, j := range s.Jobs {
		total += j.Tardiness()
	}
	return total
}

// LateJobs 返回计划完工晚于交期的工单数
func (s *Schedule) LateJobs() int {
	n := 0
	for _, j := range s.Jobs {
		if j.Tardiness() > 0 {
			n++
		}
	}
	return n
}

// Objective 计算加权目标值
func (s *Schedule) Objective(w Weights) float64 {
	return w.Makespan*float64(s.Makespan()) + w.Tardiness*float64(s.TotalTardiness())
}

// ScheduleStats 排程的汇总指标，用于事件和界面展示
type ScheduleStats struct {
	Makespan   int `json:"makespan"`
	Tardiness  int `json:"tardiness"`
	LateJobs   int `json:"late_jobs"`
	Operations int `json:"operations"`
	Done       int `json:"done"`
}

// Stats 汇总排程指标；nil 排程返回零值
func (s *Schedule) Stats() ScheduleStats {
	if s == nil {
		return ScheduleStats{}
	}
	st := ScheduleStats{Makespan: s.Makespan(), Tardiness: s.TotalTardiness(), LateJobs: s.LateJobs()}
	for _, op := range s.Operations() {
		st.Operations++
		if op.Status == OpDone {
			st.Done++
		}
	}
	return st
}

// Clone 深拷贝排程
func (s *Schedule) Clone() *Schedule {
	cp := &Schedule{Origin: s.Origin, Jobs: make([]*Job, len(s.Jobs))}
	for i, j := range s.Jobs {
		cp.Jobs[i] = j.Clone()
	}
	return cp
}

// Timelines 根据当前分配构建每台机台的时间线
func (s *Schedule) Timelines(machines []*Machine) map[string]*Timeline {
	tl := make(map[string]*Timeline, len(machines))
	for _, m := range machines {
		tl[m.ID] = NewTimeline(m.Slots())
	}
	for _, op := range s.Operations() {
		if t, ok := tl[op.MachineID]; ok {
			t.Add(Interval{Start: op.Start, End: op.End, Ref: op.ID})
		}
	}
	return tl
}

// ViolationKind 约束违例类别
type ViolationKind string

const (
	ViolationPrecedence ViolationKind = "precedence"
	ViolationCapacity   ViolationKind = "capacity"
	ViolationCapability ViolationKind = "capability"
	ViolationUnassigned ViolationKind = "unassigned"
	ViolationMalformed  ViolationKind = "malformed"
)

// ViolationError 描述排程违反的第一条全局约束
type ViolationError struct {
	Kind        ViolationKind
	OperationID string
	MachineID   string
	Detail      string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schedule violates %s constraint (operation=%s machine=%s): %s", e.Kind, e.OperationID, e.MachineID, e.Detail)
}

// Validate 检查排程的全局约束：前序约束、机台容量、能力匹配以及所有工序都已分配
func (s *Schedule) Validate(machines []*Machine) error {
	byID := make(map[string]*Machine, len(machines))
	for _, m := range machines {
		byID[m.ID] = m
	}
	seen := make(map[string]bool)
	for _, j := range s.Jobs {
		for i, op := range j.Operations {
			if seen[op.ID] {
				return &ViolationError{Kind: ViolationMalformed, OperationID: op.ID, Detail: "duplicate operation id"}
			}
			seen[op.ID] = true
			if op.Duration < 0 {
				return &ViolationError{Kind: ViolationMalformed, OperationID: op.ID, Detail: "negative duration"}
			}
			if !op.Assigned() {
				return &ViolationError{Kind: ViolationUnassigned, OperationID: op.ID, Detail: "operation has no machine"}
			}
			m, ok := byID[op.MachineID]
			if !ok {
				return &ViolationError{Kind: ViolationCapability, OperationID: op.ID, MachineID: op.MachineID, Detail: "unknown machine"}
			}
			if !m.Can(op.Capability) {
				return &ViolationError{Kind: ViolationCapability, OperationID: op.ID, MachineID: m.ID, Detail: "machine lacks capability " + op.Capability}
			}
			if op.End-op.Start < op.Duration {
				return &ViolationError{Kind: ViolationMalformed, OperationID: op.ID, Detail: "window shorter than duration"}
			}
			if i == 0 && op.Start < j.Release && !op.Started() {
				return &ViolationError{Kind: ViolationPrecedence, OperationID: op.ID, Detail: "starts before job release"}
			}
			if i > 0 && op.Start < j.Operations[i-1].End {
				return &ViolationError{Kind: ViolationPrecedence, OperationID: op.ID, Detail: fmt.Sprintf("starts at %d before predecessor end %d", op.Start, j.Operations[i-1].End)}
			}
		}
	}
	for id, tl := range s.Timelines(machines) {
		for _, iv := range tl.Busy {
			if tl.Overlap(iv.Start, iv.End) > tl.Capacity {
				return &ViolationError{Kind: ViolationCapacity, OperationID: iv.Ref, MachineID: id, Detail: fmt.Sprintf("more than %d concurrent operations", tl.Capacity)}
			}
		}
	}
	return nil
}
