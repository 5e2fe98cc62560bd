package types

// PriorityTier 建议的优先级档位，数值越小越紧急
type PriorityTier int

const (
	TierCritical PriorityTier = iota
	TierHigh
	TierMedium
	TierLow
)

func (t PriorityTier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseTier 解析配置中的档位名称，未知名称按 low 处理
func ParseTier(s string) PriorityTier {
	switch s {
	case "critical":
		return TierCritical
	case "high":
		return TierHigh
	case "medium":
		return TierMedium
	default:
		return TierLow
	}
}

// RecommendationType 建议类别
type RecommendationType string

const (
	RecCapacity    RecommendationType = "capacity"
	RecMaintenance RecommendationType = "maintenance"
	RecWorkflow    RecommendationType = "workflow"
	RecScheduling  RecommendationType = "scheduling"
	RecQuality     RecommendationType = "quality"
)

// Recommendation 表示一条面向计划员的策略建议
type Recommendation struct {
	Priority   PriorityTier       `json:"priority"`
	Type       RecommendationType `json:"type"`
	Target     string             `json:"target"` // 机台或工序 ID
	Rule       string             `json:"rule"`
	Rationale  string             `json:"rationale"`
	Impact     float64            `json:"impact"`     // 预计影响（分钟或比例，视规则而定）
	Confidence float64            `json:"confidence"` // [0,1]
}
