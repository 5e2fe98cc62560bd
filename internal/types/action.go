package types

import "fmt"

// ActionKind 调整动作的类别名，仅用于日志、指标和外部传输
type ActionKind string

const (
	KindNoOp              ActionKind = "no_op"
	KindReassignMachine   ActionKind = "reassign_machine"
	KindRescheduleEarlier ActionKind = "reschedule_earlier"
	KindRescheduleLater   ActionKind = "reschedule_later"
	KindPrioritizeJob     ActionKind = "prioritize_job"
	KindSplitBatch        ActionKind = "split_batch"
	KindMergeOperations   ActionKind = "merge_operations"
)

// Action 是封闭的调整动作类型，只有本包内的七种实现
// 应用方通过 type switch 穷举处理，不存在未知动作码
type Action interface {
	Kind() ActionKind
	Target() string // 目标工序 ID，NoOp 为空
	action()
}

// NoOp 不做任何调整
type NoOp struct{}

// ReassignMachine 将工序改派到另一台具备能力的机台
type ReassignMachine struct {
	OperationID string
	MachineID   string
}

// RescheduleEarlier 将工序提前 Delta 分钟
type RescheduleEarlier struct {
	OperationID string
	Delta       int
}

// RescheduleLater 将工序推迟 Delta 分钟，后续工序随之顺延
type RescheduleLater struct {
	OperationID string
	Delta       int
}

// PrioritizeJob 提升工序所属工单的优先级，并按新优先级重排未开工工序
type PrioritizeJob struct {
	OperationID string
}

// SplitBatch 把工序拆成前后两段，后段可放到另一台机台（MachineID 为空时保持原机台）
type SplitBatch struct {
	OperationID string
	MachineID   string
}

// MergeOperations 把工序与其链上紧邻的后序工序合并（要求能力相同）
type MergeOperations struct {
	OperationID string
}

func (NoOp) Kind() ActionKind              { return KindNoOp }
func (ReassignMachine) Kind() ActionKind   { return KindReassignMachine }
func (RescheduleEarlier) Kind() ActionKind { return KindRescheduleEarlier }
func (RescheduleLater) Kind() ActionKind   { return KindRescheduleLater }
func (PrioritizeJob) Kind() ActionKind     { return KindPrioritizeJob }
func (SplitBatch) Kind() ActionKind        { return KindSplitBatch }
func (MergeOperations) Kind() ActionKind   { return KindMergeOperations }

func (NoOp) Target() string                { return "" }
func (a ReassignMachine) Target() string   { return a.OperationID }
func (a RescheduleEarlier) Target() string { return a.OperationID }
func (a RescheduleLater) Target() string   { return a.OperationID }
func (a PrioritizeJob) Target() string     { return a.OperationID }
func (a SplitBatch) Target() string        { return a.OperationID }
func (a MergeOperations) Target() string   { return a.OperationID }

func (NoOp) action()              {}
func (ReassignMachine) action()   {}
func (RescheduleEarlier) action() {}
func (RescheduleLater) action()   {}
func (PrioritizeJob) action()     {}
func (SplitBatch) action()        {}
func (MergeOperations) action()   {}

// ActionSpec 是动作在进程边界上的传输形式
type ActionSpec struct {
	Kind        ActionKind `json:"kind"`
	OperationID string     `json:"operation_id,omitempty"`
	MachineID   string     `json:"machine_id,omitempty"`
	Delta       int        `json:"delta,omitempty"`
}

// Spec 将动作转换为传输形式
func Spec(a Action) ActionSpec {
	spec := ActionSpec{Kind: a.Kind(), OperationID: a.Target()}
	switch v := a.(type) {
	case ReassignMachine:
		spec.MachineID = v.MachineID
	case SplitBatch:
		spec.MachineID = v.MachineID
	case RescheduleEarlier:
		spec.Delta = v.Delta
	case RescheduleLater:
		spec.Delta = v.Delta
	}
	return spec
}

// Action 将传输形式解析为封闭动作类型，未知类别在边界处直接拒绝
func (s ActionSpec) Action() (Action, error) {
	if s.Kind != KindNoOp && s.OperationID == "" {
		return nil, fmt.Errorf("action %s requires operation_id", s.Kind)
	}
	switch s.Kind {
	case KindNoOp:
		return NoOp{}, nil
	case KindReassignMachine:
		if s.MachineID == "" {
			return nil, fmt.Errorf("reassign_machine requires machine_id")
		}
		return ReassignMachine{OperationID: s.OperationID, MachineID: s.MachineID}, nil
	case KindRescheduleEarlier:
		return RescheduleEarlier{OperationID: s.OperationID, Delta: s.Delta}, nil
	case KindRescheduleLater:
		return RescheduleLater{OperationID: s.OperationID, Delta: s.Delta}, nil
	case KindPrioritizeJob:
		return PrioritizeJob{OperationID: s.OperationID}, nil
	case KindSplitBatch:
		return SplitBatch{OperationID: s.OperationID, MachineID: s.MachineID}, nil
	case KindMergeOperations:
		return MergeOperations{OperationID: s.OperationID}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", s.Kind)
	}
}
