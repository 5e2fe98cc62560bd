package sim

import "github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"

// 特征维度
const (
	OpFeatures      = 8
	MachineFeatures = 6
	GlobalFeatures  = 5
)

// 单道工序特征在向量中的偏移
const (
	FeatStart    = iota // 计划开始 / horizon
	FeatEnd             // 计划结束 / horizon
	FeatDuration        // 时长 / horizon
	FeatDue             // (交期 - 当前) / horizon，范围 [-1,1]
	FeatPriority        // 优先级 / 10
	FeatStatus          // pending 0, scheduled 1/3, running 2/3, done 1
	FeatMachine         // (机台下标+1) / 机台数，未分配为 0
	FeatLate            // 计划完工晚于交期为 1
)

// 单台机台特征在向量中的偏移
const (
	MFeatStatus    = iota // idle 0, busy 0.5, down 1
	MFeatUtil             // 上一步利用率
	MFeatCurrentOp        // 正在加工的工序槽位 (下标+1)/K
	MFeatRemaining        // 剩余占用时间 / horizon
	MFeatCapacity         // 容量 / 最大容量
	MFeatType             // 类型编码
)

// 全局特征在向量中的偏移
const (
	GFeatTime       = iota // 时间进度
	GFeatPending           // 未开工工序占比
	GFeatDisruption        // 扰动步占比
	GFeatTardiness         // 预计拖期占比
	GFeatCompletion        // 已完成工序占比
)

// perOpKinds 是针对单道工序、不需要目标机台的动作类别，顺序固定
var perOpKinds = []types.ActionKind{
	types.KindRescheduleEarlier,
	types.KindRescheduleLater,
	types.KindPrioritizeJob,
	types.KindSplitBatch,
	types.KindMergeOperations,
}

// ActionSpace 离散动作空间
// 下标 0 为 no_op；随后每个工序槽位占 len(perOpKinds) 个下标；最后是 工序槽位×机台 的改派动作
type ActionSpace struct {
	Ops      int
	Machines int
}

// Size 返回动作总数
func (a ActionSpace) Size() int {
	return 1 + a.Ops*len(perOpKinds) + a.Ops*a.Machines
}

// ObservationSize 返回状态向量长度
func (a ActionSpace) ObservationSize() int {
	return a.Ops*OpFeatures + a.Machines*MachineFeatures + GlobalFeatures
}

// Index 把 (动作类别, 工序槽位, 机台槽位) 编码为下标，组合非法时返回 -1
func (a ActionSpace) Index(kind types.ActionKind, slot, machine int) int {
	if kind == types.KindNoOp {
		return 0
	}
	if slot < 0 || slot >= a.Ops {
		return -1
	}
	if kind == types.KindReassignMachine {
		if machine < 0 || machine >= a.Machines {
			return -1
		}
		return 1 + a.Ops*len(perOpKinds) + slot*a.Machines + machine
	}
	for i, k := range perOpKinds {
		if k == kind {
			return 1 + slot*len(perOpKinds) + i
		}
	}
	return -1
}

// Split 把下标解码为 (动作类别, 工序槽位, 机台槽位)
func (a ActionSpace) Split(idx int) (types.ActionKind, int, int, bool) {
	if idx == 0 {
		return types.KindNoOp, -1, -1, true
	}
	if idx < 0 || idx >= a.Size() {
		return "", -1, -1, false
	}
	r := idx - 1
	if r < a.Ops*len(perOpKinds) {
		return perOpKinds[r%len(perOpKinds)], r / len(perOpKinds), -1, true
	}
	r -= a.Ops * len(perOpKinds)
	return types.KindReassignMachine, r / a.Machines, r % a.Machines, true
}

// OpFeature 读取某个工序槽位的特征
func (a ActionSpace) OpFeature(vec []float64, slot, feat int) float64 {
	return vec[slot*OpFeatures+feat]
}

// MachineFeature 读取某个机台槽位的特征
func (a ActionSpace) MachineFeature(vec []float64, slot, feat int) float64 {
	return vec[a.Ops*OpFeatures+slot*MachineFeatures+feat]
}

// GlobalFeature 读取全局特征
func (a ActionSpace) GlobalFeature(vec []float64, feat int) float64 {
	return vec[a.Ops*OpFeatures+a.Machines*MachineFeatures+feat]
}
