package types

import "time"

// DisruptionType 扰动类型
type DisruptionType string

const (
	MachineBreakdown DisruptionType = "machine_breakdown"
	RushOrder        DisruptionType = "rush_order"
	ProcessingDelay  DisruptionType = "processing_delay"
	MaterialShortage DisruptionType = "material_shortage"
	WorkerAbsence    DisruptionType = "worker_absence"
	QualityRework    DisruptionType = "quality_rework"
)

// DisruptionTypes 按固定顺序列出全部扰动类型，用于特征编码和随机采样
var DisruptionTypes = []DisruptionType{
	MachineBreakdown, RushOrder, ProcessingDelay, MaterialShortage, WorkerAbsence, QualityRework,
}

// MachineScoped 判断扰动是否作用于机台（否则作用于工序或工单）
func (t DisruptionType) MachineScoped() bool {
	return t == MachineBreakdown || t == WorkerAbsence
}

// Disruption 表示一次现场扰动事件，处理完后由外部记录或丢弃
type Disruption struct {
	ID          string         `json:"id" yaml:"id"`
	Type        DisruptionType `json:"type" yaml:"type"`
	MachineID   string         `json:"machine_id,omitempty" yaml:"machine_id"`
	OperationID string         `json:"operation_id,omitempty" yaml:"operation_id"`
	Start       int            `json:"start" yaml:"start"`       // 发生时刻（相对排程原点的分钟数）
	Duration    int            `json:"duration" yaml:"duration"` // 影响时长（分钟）
	Job         *Job           `json:"job,omitempty" yaml:"job"` // 插单时携带的新工单
	Timestamp   time.Time      `json:"timestamp" yaml:"-"`
}

// End 返回扰动影响窗口的结束时刻
func (d Disruption) End() int {
	return d.Start + d.Duration
}

// Severity 粗略估计扰动严重程度，用于扰动队列排序
func (d Disruption) Severity() float64 {
	weight := 1.0
	switch d.Type {
	case MachineBreakdown:
		weight = 3
	case RushOrder:
		weight = 2.5
	case WorkerAbsence, MaterialShortage:
		weight = 2
	case QualityRework, ProcessingDelay:
		weight = 1.5
	}
	return weight * float64(max(d.Duration, 1))
}
