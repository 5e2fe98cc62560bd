package types

import "time"

// AgentType 策略模型类型
type AgentType string

const (
	AgentPPO AgentType = "ppo" // on-policy
	AgentSAC AgentType = "sac" // off-policy
)

// VersionState 模型版本的生命周期状态
type VersionState string

const (
	VersionRegistered VersionState = "registered"
	VersionShadow     VersionState = "shadow"
	VersionActive     VersionState = "active"
	VersionRetired    VersionState = "retired"
)

// ModelVersion 表示注册中心里的一个模型版本
type ModelVersion struct {
	ID          string             `json:"id"`
	AgentType   AgentType          `json:"agent_type"`
	ArtifactRef string             `json:"artifact_ref"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	State       VersionState       `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
