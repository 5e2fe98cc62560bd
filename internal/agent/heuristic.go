package agent

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// 兜底策略给出的置信度，低于任何合理的自动执行阈值
const fallbackConfidence = 0.25

// Heuristic 基于派工规则的确定性策略
// 在存在预计逾期的工序时，按规则挑选最紧迫的一道并提升其工单优先级，否则不动作
type Heuristic struct {
	space    sim.ActionSpace
	rule     dispatch.Rule
	fallback bool
}

// NewHeuristic 创建规则策略；rule 为空时使用最小松弛规则
// fallback 为 true 表示作为未部署模型时的兜底，输出会被标记为低置信度
func NewHeuristic(space sim.ActionSpace, rule dispatch.Rule, fallback bool) *Heuristic {
	if rule == "" {
		rule = dispatch.MinSlack
	}
	return &Heuristic{space: space, rule: rule, fallback: fallback}
}

func (h *Heuristic) Type() types.AgentType { return AgentHeuristic }

// Rule 返回使用的派工规则
func (h *Heuristic) Rule() dispatch.Rule { return h.rule }

func (h *Heuristic) BatchSize() int { return 1 }

// key 根据工序特征计算规则排序键，越小越优先
func (h *Heuristic) key(vec []float64, slot int) float64 {
	dur := h.space.OpFeature(vec, slot, sim.FeatDuration)
	due := h.space.OpFeature(vec, slot, sim.FeatDue)
	switch h.rule {
	case dispatch.SPT:
		return dur
	case dispatch.LPT:
		return -dur
	case dispatch.EDD:
		return due
	case dispatch.FCFS:
		return h.space.OpFeature(vec, slot, sim.FeatStart)
	case dispatch.CR:
		return due / math.Max(dur, 1e-6)
	default:
		return due - dur
	}
}

func (h *Heuristic) Act(obs sim.Observation, _ bool) (Decision, error) {
	if err := checkObs(h.space, obs); err != nil {
		return Decision{}, err
	}
	best, bestKey := -1, math.Inf(1)
	for slot := 0; slot < h.space.Ops; slot++ {
		idx := h.space.Index(types.KindPrioritizeJob, slot, -1)
		if obs.Mask != nil && !obs.Mask[idx] {
			continue
		}
		if h.space.OpFeature(obs.Vector, slot, sim.FeatLate) < 0.5 {
			continue
		}
		if k := h.key(obs.Vector, slot); k < bestKey {
			best, bestKey = slot, k
		}
	}
	action := 0
	if best >= 0 {
		action = h.space.Index(types.KindPrioritizeJob, best, -1)
	}
	d := Decision{Action: action, Confidence: 1, Fallback: h.fallback}
	if h.fallback {
		d.Confidence = fallbackConfidence
	}
	return d, nil
}

func (h *Heuristic) Update(Batch) (Diagnostics, error) { return Diagnostics{}, nil }

type heuristicArtifact struct {
	Type types.AgentType `json:"type"`
	Rule dispatch.Rule   `json:"rule"`
}

func (h *Heuristic) Snapshot() ([]byte, error) {
	return json.Marshal(heuristicArtifact{Type: AgentHeuristic, Rule: h.rule})
}

func (h *Heuristic) Restore(data []byte) error {
	var art heuristicArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("heuristic: decode artifact: %w", err)
	}
	rule, err := dispatch.ParseRule(string(art.Rule))
	if err != nil {
		return err
	}
	h.rule = rule
	return nil
}
