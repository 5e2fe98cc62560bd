package types

import "slices"

// 时间统一使用相对于排程原点的整数分钟，便于求解器和仿真器直接做整数运算
// 与墙钟时间的换算见 Schedule.Origin

// JobStatus 定义工单状态
type JobStatus string

const (
	JobPending  JobStatus = "pending"  // 等待排程或尚未开工
	JobActive   JobStatus = "active"   // 已有工序开工
	JobLate     JobStatus = "late"     // 已超过交期且未完成
	JobComplete JobStatus = "complete" // 全部工序完成
)

// OperationStatus 定义工序状态
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"   // 未分配机台
	OpScheduled OperationStatus = "scheduled" // 已分配机台和计划时间
	OpRunning   OperationStatus = "running"   // 正在加工
	OpDone      OperationStatus = "done"      // 加工完成
)

// MachineStatus 定义机台运行状态
type MachineStatus string

const (
	MachineIdle MachineStatus = "idle"
	MachineBusy MachineStatus = "busy"
	MachineDown MachineStatus = "down"
)

// Job 表示一个进入排程的生产工单
// Operations 的切片顺序即工序的前后约束（线性链），因此不可能出现环
type Job struct {
	ID         string       `json:"id" yaml:"id"`
	Release    int          `json:"release" yaml:"release"`   // 最早可开工时间
	Due        int          `json:"due" yaml:"due"`           // 交期
	Priority   float64      `json:"priority" yaml:"priority"` // 数值越大优先级越高
	Operations []*Operation `json:"operations" yaml:"operations"`
	Status     JobStatus    `json:"status" yaml:"status"`
}

// Operation 表示工单中的一道工序
type Operation struct {
	ID          string          `json:"id" yaml:"id"`
	JobID       string          `json:"job_id" yaml:"-"`
	Index       int             `json:"index" yaml:"-"`                 // 在工单链中的位置
	Capability  string          `json:"capability" yaml:"capability"`   // 所需机台能力
	Duration    int             `json:"duration" yaml:"duration"`       // 加工时长（分钟）
	MachineID   string          `json:"machine_id,omitempty" yaml:"-"`  // 为空表示尚未排程
	Start       int             `json:"start" yaml:"-"`                 // 计划开始
	End         int             `json:"end" yaml:"-"`                   // 计划结束
	ActualStart int             `json:"actual_start,omitempty" yaml:"-"` // 仅在 running/done 时有效
	ActualEnd   int             `json:"actual_end,omitempty" yaml:"-"`   // 仅在 done 时有效
	Status      OperationStatus `json:"status" yaml:"-"`
}

// Assigned 判断工序是否已分配机台
func (o *Operation) Assigned() bool {
	return o.MachineID != ""
}

// Started 判断工序是否已经开工（开工后不可再调整）
func (o *Operation) Started() bool {
	return o.Status == OpRunning || o.Status == OpDone
}

// Machine 表示一台加工设备
type Machine struct {
	ID           string        `json:"id" yaml:"id"`
	Type         string        `json:"type" yaml:"type"`
	Capabilities []string      `json:"capabilities" yaml:"capabilities"`
	Capacity     int           `json:"capacity" yaml:"capacity"` // 并行槽位数，默认 1
	Utilization  float64       `json:"utilization" yaml:"-"`
	Status       MachineStatus `json:"status" yaml:"status"`
}

// Can 判断机台是否具备某项能力
func (m *Machine) Can(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

// Slots 返回有效并行槽位数
func (m *Machine) Slots() int {
	if m.Capacity <= 0 {
		return 1
	}
	return m.Capacity
}

// Normalize 补全工单和工序之间的反向引用与默认状态
// 外部协作者传入的数据通常只有工序列表，调用方在使用前应先调用一次
func (j *Job) Normalize() {
	if j.Status == "" {
		j.Status = JobPending
	}
	for i, op := range j.Operations {
		op.JobID = j.ID
		op.Index = i
		if op.Status == "" {
			if op.Assigned() {
				op.Status = OpScheduled
			} else {
				op.Status = OpPending
			}
		}
	}
}

// Predecessor 返回工序在链上的前序工序，没有则返回 nil
func (j *Job) Predecessor(op *Operation) *Operation {
	if op.Index <= 0 || op.Index > len(j.Operations) {
		return nil
	}
	return j.Operations[op.Index-1]
}

// Successor 返回工序在链上的后序工序，没有则返回 nil
func (j *Job) Successor(op *Operation) *Operation {
	if op.Index+1 >= len(j.Operations) {
		return nil
	}
	return j.Operations[op.Index+1]
}

// Completion 返回工单的计划完工时间（最后一道工序的结束时间）
func (j *Job) Completion() int {
	if len(j.Operations) == 0 {
		return j.Release
	}
	return j.Operations[len(j.Operations)-1].End
}

// Tardiness 返回工单的拖期分钟数
func (j *Job) Tardiness() int {
	return max(0, j.Completion()-j.Due)
}

// TotalWork 返回工单全部工序的加工时长之和
func (j *Job) TotalWork() int {
	total := 0
	for _, op := range j.Operations {
		total += op.Duration
	}
	return total
}

// Clone 深拷贝工单
func (j *Job) Clone() *Job {
	cp := *j
	cp.Operations = make([]*Operation, len(j.Operations))
	for i, op := range j.Operations {
		o := *op
		cp.Operations[i] = &o
	}
	return &cp
}

// Clone 拷贝机台
func (m *Machine) Clone() *Machine {
	cp := *m
	cp.Capabilities = slices.Clone(m.Capabilities)
	return &cp
}

// CloneMachines 拷贝机台列表
func CloneMachines(machines []*Machine) []*Machine {
	out := make([]*Machine, len(machines))
	for i, m := range machines {
		out[i] = m.Clone()
	}
	return out
}
