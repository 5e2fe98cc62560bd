package recommend

import (
	"fmt"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// 规则作用域
const (
	ScopeMachine   = "machine"
	ScopeOperation = "operation"
)

// MachineFacts 机台规则可以引用的事实，表达式中写作 machine.<字段>
type MachineFacts struct {
	ID              string
	Type            string
	Down            bool
	Capacity        int
	Operations      int
	Load            float64 // 已分配工时（分钟）
	Span            float64 // 排程跨度（分钟）
	Utilization     float64
	Bottleneck      float64 // 瓶颈概率，BottleneckKnown 为 false 时为 0
	BottleneckKnown bool
	Confidence      float64
}

// OperationFacts 工序规则可以引用的事实，表达式中写作 op.<字段>
type OperationFacts struct {
	ID                string
	JobID             string
	MachineID         string
	Duration          float64
	Slack             float64 // 交期减去该工序及后续工序完工的分钟数
	Late              bool
	Delay             float64
	DelayKnown        bool
	Downstream        int
	Cascade           float64
	PredictedDuration float64
	DurationKnown     bool
	Confidence        float64
}

// builtinRules 内置规则，配置中同名规则会覆盖
var builtinRules = []config.RuleConfig{
	{
		Name: "machine_down", Type: string(types.RecMaintenance), Priority: "critical", Scope: ScopeMachine,
		Condition: "machine.Down && machine.Operations > 0",
		Impact:    "machine.Load",
		Message:   "机台 {target} 停机，仍有已排程工序，需要维修或转移",
	},
	{
		Name: "utilization_high", Type: string(types.RecCapacity), Priority: "high", Scope: ScopeMachine,
		Condition: "!machine.Down && machine.Utilization >= cfg.utilization_high",
		Impact:    "machine.Load - cfg.utilization_high * machine.Span * machine.Capacity",
		Message:   "机台 {target} 负荷过高，建议分流约 {impact} 分钟工时",
	},
	{
		Name: "bottleneck_risk", Type: string(types.RecCapacity), Priority: "high", Scope: ScopeMachine,
		Condition: "machine.BottleneckKnown && machine.Bottleneck >= cfg.bottleneck_min",
		Impact:    "machine.Bottleneck * machine.Load",
		Message:   "机台 {target} 可能成为瓶颈，建议增加产能或调整顺序",
	},
	{
		Name: "utilization_low", Type: string(types.RecWorkflow), Priority: "low", Scope: ScopeMachine,
		Condition: "!machine.Down && machine.Span > 0 && machine.Utilization <= cfg.utilization_low",
		Impact:    "(cfg.utilization_low - machine.Utilization) * machine.Span",
		Message:   "机台 {target} 利用率偏低，可承接约 {impact} 分钟工时",
	},
	{
		Name: "cascade_risk", Type: string(types.RecScheduling), Priority: "critical", Scope: ScopeOperation,
		Condition: "op.DelayKnown && op.Delay >= cfg.delay_min && op.Downstream >= 3",
		Impact:    "op.Delay * (op.Downstream + 1) * op.Duration",
		Message:   "工序 {target} 延误风险高且会波及下游工序，建议优先处理",
	},
	{
		Name: "delay_risk", Type: string(types.RecScheduling), Priority: "high", Scope: ScopeOperation,
		Condition: "op.DelayKnown && op.Delay >= cfg.delay_min",
		Impact:    "op.Delay * op.Duration",
		Message:   "工序 {target} 可能延误，建议提前或换机",
	},
	{
		Name: "duration_overrun", Type: string(types.RecQuality), Priority: "medium", Scope: ScopeOperation,
		Condition: "op.DurationKnown && op.PredictedDuration > op.Duration * 1.25",
		Impact:    "op.PredictedDuration - op.Duration",
		Message:   "工序 {target} 预计超出计划工时约 {impact} 分钟",
	},
}

type rule struct {
	name      string
	typ       types.RecommendationType
	priority  types.PriorityTier
	scope     string
	condition *vm.Program
	impact    *vm.Program
	message   string
}

func exampleEnv(scope string) map[string]interface{} {
	env := map[string]interface{}{"cfg": map[string]float64{}}
	if scope == ScopeMachine {
		env["machine"] = MachineFacts{}
	} else {
		env["op"] = OperationFacts{}
	}
	return env
}

func compileRule(rc config.RuleConfig) (*rule, error) {
	scope := rc.Scope
	if scope == "" {
		scope = ScopeMachine
	}
	if scope != ScopeMachine && scope != ScopeOperation {
		return nil, fmt.Errorf("recommend: rule %q has unknown scope %q", rc.Name, rc.Scope)
	}
	switch types.RecommendationType(rc.Type) {
	case types.RecCapacity, types.RecMaintenance, types.RecWorkflow, types.RecScheduling, types.RecQuality:
	default:
		return nil, fmt.Errorf("recommend: rule %q has unknown type %q", rc.Name, rc.Type)
	}
	env := exampleEnv(scope)
	cond, err := expr.Compile(rc.Condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("recommend: rule %q condition: %w", rc.Name, err)
	}
	r := &rule{
		name:      rc.Name,
		typ:       types.RecommendationType(rc.Type),
		priority:  types.ParseTier(rc.Priority),
		scope:     scope,
		condition: cond,
		message:   rc.Message,
	}
	if rc.Impact != "" {
		if r.impact, err = expr.Compile(rc.Impact, expr.Env(env)); err != nil {
			return nil, fmt.Errorf("recommend: rule %q impact: %w", rc.Name, err)
		}
	}
	return r, nil
}

// compileRules 编译内置规则和配置规则，配置规则按名称覆盖内置规则
func compileRules(custom []config.RuleConfig) ([]*rule, error) {
	merged := append([]config.RuleConfig(nil), builtinRules...)
	for _, rc := range custom {
		if rc.Name == "" {
			return nil, fmt.Errorf("recommend: rule without name")
		}
		replaced := false
		for i := range merged {
			if merged[i].Name == rc.Name {
				merged[i], replaced = rc, true
			}
		}
		if !replaced {
			merged = append(merged, rc)
		}
	}
	out := make([]*rule, 0, len(merged))
	for _, rc := range merged {
		r, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r *rule) eval(env map[string]interface{}) (bool, float64, error) {
	hit, err := expr.Run(r.condition, env)
	if err != nil {
		return false, 0, fmt.Errorf("recommend: rule %q: %w", r.name, err)
	}
	if ok, _ := hit.(bool); !ok {
		return false, 0, nil
	}
	if r.impact == nil {
		return true, 0, nil
	}
	v, err := expr.Run(r.impact, env)
	if err != nil {
		return false, 0, fmt.Errorf("recommend: rule %q impact: %w", r.name, err)
	}
	switch n := v.(type) {
	case float64:
		return true, n, nil
	case int:
		return true, float64(n), nil
	default:
		return false, 0, fmt.Errorf("recommend: rule %q impact is %T, not a number", r.name, v)
	}
}

func (r *rule) rationale(target string, impact float64) string {
	msg := r.message
	if msg == "" {
		msg = r.name + ": {target}"
	}
	return strings.NewReplacer("{target}", target, "{impact}", fmt.Sprintf("%.0f", impact)).Replace(msg)
}
