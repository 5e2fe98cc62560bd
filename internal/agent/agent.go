package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/nn"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// AgentHeuristic 是派工规则兜底策略的类型名
const AgentHeuristic types.AgentType = "heuristic"

// ErrShapeMismatch 表示观测或模型与动作空间的尺寸不一致
var ErrShapeMismatch = errors.New("agent: observation or artifact does not match the action space")

// Decision 是一次推理的结果
type Decision struct {
	Action     int       `json:"action"`
	Probs      []float64 `json:"probs,omitempty"`
	Confidence float64   `json:"confidence"` // 1 − 归一化熵，取值 [0,1]
	Value      float64   `json:"value"`
	LogProb    float64   `json:"log_prob"`
	Fallback   bool      `json:"fallback"` // 由兜底策略给出，置信度低
}

// Transition 一条交互经验
type Transition struct {
	Obs     sim.Observation
	Action  int
	Reward  float64
	Next    sim.Observation
	Done    bool
	LogProb float64
	Value   float64
}

// Batch 一批交互经验；LastValue 是轨迹截断处下一状态的价值估计
type Batch struct {
	Transitions []Transition
	LastValue   float64
}

// Diagnostics 一次更新的训练诊断信息
type Diagnostics struct {
	PolicyLoss   float64 `json:"policy_loss"`
	ValueLoss    float64 `json:"value_loss"`
	Entropy      float64 `json:"entropy"`
	ApproxKL     float64 `json:"approx_kl,omitempty"`
	ClipFraction float64 `json:"clip_fraction,omitempty"`
	Alpha        float64 `json:"alpha,omitempty"`
	GradNorm     float64 `json:"grad_norm"`
	Updates      int     `json:"updates"`
}

// Finite 判断诊断值是否有限，用于检测训练发散
func (d Diagnostics) Finite() bool {
	for _, v := range []float64{d.PolicyLoss, d.ValueLoss, d.Entropy, d.ApproxKL, d.Alpha, d.GradNorm} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Agent 策略模型的统一接口
type Agent interface {
	Type() types.AgentType
	// Act 根据观测给出动作；explore 为 true 时按策略分布采样
	Act(obs sim.Observation, explore bool) (Decision, error)
	// Update 用一批经验更新模型
	Update(b Batch) (Diagnostics, error)
	// BatchSize 训练时每收集多少条经验调用一次 Update
	BatchSize() int
	// Snapshot 序列化模型参数
	Snapshot() ([]byte, error)
	// Restore 从序列化数据恢复模型参数
	Restore(data []byte) error
}

// New 按类型创建模型
func New(kind types.AgentType, space sim.ActionSpace, cfg config.AgentConfig, seed int64) (Agent, error) {
	switch kind {
	case types.AgentPPO:
		return NewPPO(space, cfg, seed), nil
	case types.AgentSAC:
		return NewSAC(space, cfg, seed), nil
	case AgentHeuristic:
		return NewHeuristic(space, "", true), nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", kind)
	}
}

// Load 根据序列化数据中的类型字段恢复模型
func Load(data []byte, space sim.ActionSpace, cfg config.AgentConfig) (Agent, error) {
	var head struct {
		Type types.AgentType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("解析模型文件失败: %w", err)
	}
	a, err := New(head.Type, space, cfg, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if err := a.Restore(data); err != nil {
		return nil, err
	}
	return a, nil
}

// Confidence 用归一化熵计算置信度，只有一个可选动作时置信度为 1
func Confidence(p []float64, mask []bool) float64 {
	n := 0
	for i := range p {
		if mask == nil || mask[i] {
			n++
		}
	}
	if n <= 1 {
		return 1
	}
	return math.Max(0, math.Min(1, 1-nn.Entropy(p)/math.Log(float64(n))))
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)*0x9e3779b97f4a7c15+1))
}

func hiddenSizes(cfg config.AgentConfig) []int {
	if len(cfg.Hidden) == 0 {
		return []int{64, 64}
	}
	return cfg.Hidden
}

func layerSizes(in int, hidden []int, out int) []int {
	sizes := append([]int{in}, hidden...)
	return append(sizes, out)
}

func checkObs(space sim.ActionSpace, obs sim.Observation) error {
	if len(obs.Vector) != space.ObservationSize() || (obs.Mask != nil && len(obs.Mask) != space.Size()) {
		return fmt.Errorf("%w: vector %d mask %d, want %d/%d", ErrShapeMismatch, len(obs.Vector), len(obs.Mask), space.ObservationSize(), space.Size())
	}
	return nil
}

// logProb 返回动作在分布下的对数概率，概率为 0 时截断
func logProb(p []float64, a int) float64 {
	return math.Log(math.Max(p[a], 1e-12))
}
