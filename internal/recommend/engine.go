package recommend

import (
	"cmp"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/predict"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Engine 把预测结果和规则阈值组合成排好序的建议列表
type Engine struct {
	cfg       config.RecommendConfig
	thresh    map[string]float64
	rules     []*rule
	predictor *predict.Service
	logger    *slog.Logger
}

// New 编译规则并创建推荐引擎；predictor 为 nil 时只使用排程本身的统计量
func New(cfg config.RecommendConfig, predictor *predict.Service, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = 10
	}
	thresh := map[string]float64{
		"utilization_high": cfg.UtilizationHigh,
		"utilization_low":  cfg.UtilizationLow,
		"bottleneck_min":   cfg.BottleneckMin,
		"confidence_min":   cfg.ConfidenceMin,
		"delay_min":        cfg.DelayMin,
	}
	for k, v := range cfg.Extra {
		thresh[k] = v
	}
	return &Engine{cfg: cfg, thresh: thresh, rules: rules, predictor: predictor, logger: logger.With("component", "recommend")}, nil
}

// Rules 返回生效的规则名称
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.name
	}
	return names
}

// Recommend 对排程运行预测并生成最多 maxN 条建议；maxN <= 0 时使用配置值
func (e *Engine) Recommend(s *types.Schedule, machines []*types.Machine, maxN int) ([]types.Recommendation, error) {
	var a predict.Analysis
	if e.predictor != nil {
		a = e.predictor.Analyze(s, machines)
	}
	return e.FromAnalysis(s, machines, a, maxN)
}

// FromAnalysis 使用已有的预测结果生成建议
func (e *Engine) FromAnalysis(s *types.Schedule, machines []*types.Machine, a predict.Analysis, maxN int) ([]types.Recommendation, error) {
	if maxN <= 0 {
		maxN = e.cfg.MaxRecommendations
	}
	if s == nil || len(s.Jobs) == 0 || len(machines) == 0 {
		return nil, nil
	}

	var recs []types.Recommendation
	for _, f := range machineFacts(s, machines, a.Bottlenecks) {
		env := map[string]interface{}{"machine": f, "cfg": e.thresh}
		out, err := e.apply(ScopeMachine, env, f.ID, f.Confidence)
		if err != nil {
			return nil, err
		}
		recs = append(recs, out...)
	}
	for _, f := range operationFacts(s, a.Delays, a.Durations) {
		env := map[string]interface{}{"op": f, "cfg": e.thresh}
		out, err := e.apply(ScopeOperation, env, f.ID, f.Confidence)
		if err != nil {
			return nil, err
		}
		recs = append(recs, out...)
	}

	ranked := Rank(recs, maxN)
	e.logger.Debug("生成建议", "candidates", len(recs), "returned", len(ranked))
	return ranked, nil
}

func (e *Engine) apply(scope string, env map[string]interface{}, target string, confidence float64) ([]types.Recommendation, error) {
	var out []types.Recommendation
	for _, r := range e.rules {
		if r.scope != scope {
			continue
		}
		hit, impact, err := r.eval(env)
		if err != nil {
			return nil, err
		}
		if !hit || confidence < e.cfg.ConfidenceMin {
			continue
		}
		out = append(out, types.Recommendation{
			Priority:   r.priority,
			Type:       r.typ,
			Target:     target,
			Rule:       r.name,
			Rationale:  r.rationale(target, impact),
			Impact:     impact,
			Confidence: confidence,
		})
	}
	return out, nil
}

// Rank 按档位、影响 × 置信度排序，同一类型和目标只保留排名最高的一条
// maxN > 0 时最多返回 maxN 条
func Rank(recs []types.Recommendation, maxN int) []types.Recommendation {
	sorted := slices.Clone(recs)
	slices.SortStableFunc(sorted, func(a, b types.Recommendation) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Impact*b.Confidence, a.Impact*a.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	seen := make(map[string]bool, len(sorted))
	var out []types.Recommendation
	for _, r := range sorted {
		if maxN > 0 && len(out) == maxN {
			break
		}
		key := string(r.Type) + "/" + r.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// certainty 概率 p 对应的判断把握度
func certainty(p float64) float64 { return math.Max(p, 1-p) }

func machineFacts(s *types.Schedule, machines []*types.Machine, b predict.BottleneckResult) []MachineFacts {
	span := float64(s.Makespan())
	load := map[string]float64{}
	count := map[string]int{}
	for _, op := range s.Operations() {
		if op.Assigned() && op.Status != types.OpDone {
			load[op.MachineID] += float64(op.Duration)
			count[op.MachineID]++
		}
	}
	pred := map[string]predict.Bottleneck{}
	if b.Status == predict.StatusOK {
		for _, m := range b.Machines {
			pred[m.MachineID] = m
		}
	}
	out := make([]MachineFacts, 0, len(machines))
	for _, m := range machines {
		f := MachineFacts{
			ID:         m.ID,
			Type:       m.Type,
			Down:       m.Status == types.MachineDown,
			Capacity:   m.Slots(),
			Operations: count[m.ID],
			Load:       load[m.ID],
			Span:       span,
			Confidence: 1,
		}
		if span > 0 {
			f.Utilization = math.Min(1, f.Load/(span*float64(f.Capacity)))
		}
		if p, ok := pred[m.ID]; ok {
			f.Bottleneck, f.BottleneckKnown = p.Probability, true
			if !f.Down {
				f.Confidence = certainty(p.Probability)
			}
		}
		out = append(out, f)
	}
	return out
}

func operationFacts(s *types.Schedule, delays predict.DelayResult, durations predict.DurationResult) []OperationFacts {
	delay := map[string]predict.DelayPrediction{}
	if delays.Status == predict.StatusOK {
		for _, d := range delays.Operations {
			if len(d.Unavailable) == 0 {
				delay[d.OperationID] = d
			}
		}
	}
	dur := map[string]predict.DurationPrediction{}
	if durations.Status == predict.StatusOK {
		for _, d := range durations.Operations {
			if len(d.Unavailable) == 0 {
				dur[d.OperationID] = d
			}
		}
	}

	var out []OperationFacts
	for _, j := range s.Jobs {
		remaining := 0
		for i := len(j.Operations) - 1; i >= 0; i-- {
			op := j.Operations[i]
			if op.Status == types.OpDone || !op.Assigned() {
				remaining += op.Duration
				continue
			}
			f := OperationFacts{
				ID:         op.ID,
				JobID:      j.ID,
				MachineID:  op.MachineID,
				Duration:   float64(op.Duration),
				Slack:      float64(j.Due - op.End - remaining),
				Late:       j.Tardiness() > 0,
				Confidence: 1,
			}
			remaining += op.Duration
			if d, ok := delay[op.ID]; ok {
				f.Delay, f.DelayKnown = d.Probability, true
				f.Downstream, f.Cascade = d.Downstream, d.CascadeRisk
				f.Confidence = certainty(d.Probability)
			}
			if d, ok := dur[op.ID]; ok {
				f.PredictedDuration, f.DurationKnown = d.Predicted, true
			}
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b OperationFacts) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
