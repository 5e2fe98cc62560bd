package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/adjust"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/event"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/fsm"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/monitoring"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/reward"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Alternative 一个备选调整动作
type Alternative struct {
	Action      types.ActionSpec `json:"action"`
	Probability float64          `json:"probability"`
}

// ShadowDecision 影子版本在同一时刻给出的动作，只记录不执行
type ShadowDecision struct {
	Version    string           `json:"version"`
	Action     types.ActionSpec `json:"action"`
	Confidence float64          `json:"confidence"`
	Agree      bool             `json:"agree"`
}

// Proposal 策略模型给出的调整建议
type Proposal struct {
	RunID        string           `json:"run_id"`
	AgentType    types.AgentType  `json:"agent_type"`
	Version      string           `json:"version,omitempty"` // 兜底策略时为空
	Action       types.ActionSpec `json:"action"`
	Confidence   float64          `json:"confidence"`
	Fallback     bool             `json:"fallback"`
	Alternatives []Alternative    `json:"alternatives,omitempty"`
	Shadows      []ShadowDecision `json:"shadows,omitempty"`
}

// shadowAgree 全部影子版本是否与建议一致，没有影子版本时返回 nil
func (p *Proposal) shadowAgree() *bool {
	if len(p.Shadows) == 0 {
		return nil
	}
	agree := true
	for _, s := range p.Shadows {
		agree = agree && s.Agree
	}
	return &agree
}

// DisruptionResult 一次扰动的处理结果
type DisruptionResult struct {
	RunID           string                 `json:"run_id"`
	DisruptionID    string                 `json:"disruption_id"`
	Phase           fsm.State              `json:"phase"`
	Queued          bool                   `json:"queued"` // 调整进行中，扰动已排队
	Changed         bool                   `json:"changed"`
	Affected        []string               `json:"affected_operations"`
	Recommendations []types.Recommendation `json:"recommendations,omitempty"`
	Proposal        *Proposal              `json:"proposal,omitempty"`
	Applied         bool                   `json:"applied"`
	Rejection       string                 `json:"rejection,omitempty"`
}

// AdjustmentResult 人工执行调整的结果
type AdjustmentResult struct {
	RunID  string              `json:"run_id"`
	Phase  fsm.State           `json:"phase"`
	Action types.ActionSpec    `json:"action"`
	Stats  types.ScheduleStats `json:"stats"`
}

// HandleDisruption 把扰动落到在线排程上并给出调整建议
// 置信度达到阈值且开启自动执行时直接执行建议，否则等待人工确认；
// 等待确认期间到达的扰动进入队列，调整结束后按调整后的排程重新处理
func (o *Orchestrator) HandleDisruption(ctx context.Context, runID string, d types.Disruption) (*DisruptionResult, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = util.NewIDString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	ctx, traceID := util.EnsureTraceID(ctx)
	ctx, span := util.StartSpan(ctx, "orchestrator.HandleDisruption",
		attribute.String("run_id", runID),
		attribute.String("disruption", d.ID),
		attribute.String("type", string(d.Type)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch cur := r.phase.Current(); cur {
	case fsm.PhaseAdjusting:
		r.queue.Push(d)
		o.logger.Info("调整进行中，扰动排队", "run_id", r.id, "trace_id", traceID, "disruption", d.ID, "queued", r.queue.Len())
		o.bus.Publish(event.Event{Type: event.DisruptionQueued, RunID: r.id, Phase: cur, Disruption: &d})
		return &DisruptionResult{RunID: r.id, DisruptionID: d.ID, Phase: cur, Queued: true}, nil
	case fsm.PhaseMonitoring:
	default:
		return nil, &PhaseError{RunID: r.id, Phase: cur, Op: "handle disruption"}
	}

	res, err := o.handle(ctx, r, d)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	o.drain(ctx, r)
	res.Phase = r.phase.Current()
	return res, nil
}

// handle 处理一个扰动，调用方持有 r.mu 且阶段为 MONITORING
func (o *Orchestrator) handle(ctx context.Context, r *run, d types.Disruption) (*DisruptionResult, error) {
	traceID, _ := util.TraceIDFromContext(ctx)
	logger := o.logger.With("run_id", r.id, "trace_id", traceID, "disruption", d.ID)
	o.fire(r, fsm.EventDisrupt)

	// 机台和工序类扰动要按原排程的时间窗判断影响范围
	res := &DisruptionResult{RunID: r.id, DisruptionID: d.ID, Affected: adjust.Affected(r.sched, d)}
	trial := r.sched.Clone()
	c := r.cons.Clone()
	c.Now = r.now
	changed, err := adjust.ApplyDisruption(trial, r.machines, d, &c)
	if err != nil {
		o.fire(r, fsm.EventAdjusted)
		o.complete(d.ID)
		return nil, fmt.Errorf("run %s: %w", r.id, err)
	}
	if d.Type == types.RushOrder {
		// 插单只有插入后才出现在排程中
		res.Affected = adjust.Affected(trial, d)
	}
	r.sched, r.cons = trial, c
	r.disruptions++
	res.Changed = changed
	o.sync(r)
	o.bus.Publish(event.Event{Type: event.DisruptionReceived, RunID: r.id, Phase: fsm.PhaseAdjusting,
		Disruption: &d, Affected: res.Affected, Stats: r.sched.Stats()})
	logger.Info("扰动已处理", "type", d.Type, "affected", len(res.Affected), "changed", changed)

	recs, err := o.recommender.Recommend(r.sched, r.machines, 0)
	if err != nil {
		logger.Warn("生成建议失败", "error", err)
	}
	res.Recommendations = recs

	prop, err := o.propose(r, types.AgentType(o.cfg.Orchestrator.AgentType))
	if err != nil {
		// 没有可用建议时保持扰动后的排程，回到监控
		logger.Error("生成调整建议失败", "error", err)
		o.fire(r, fsm.EventAdjusted)
		o.complete(d.ID)
		return res, nil
	}
	res.Proposal = prop

	if o.cfg.Orchestrator.AutoApply && prop.Confidence >= o.cfg.Orchestrator.ConfidenceThreshold {
		before := r.sched.TotalTardiness()
		if err := o.apply(r, prop.Action); err != nil {
			res.Rejection = err.Error()
			o.record(r, prop, false, 0)
		} else {
			res.Applied = true
			o.record(r, prop, true, float64(before-r.sched.TotalTardiness()))
		}
		o.fire(r, fsm.EventAdjusted)
	} else {
		r.pending = prop
		o.bus.Publish(event.Event{Type: event.AdjustmentProposed, RunID: r.id, Phase: fsm.PhaseAdjusting,
			Action: &prop.Action, Confidence: prop.Confidence, Stats: r.sched.Stats()})
		logger.Info("调整建议等待确认", "action", prop.Action.Kind, "target", prop.Action.OperationID, "confidence", prop.Confidence)
	}
	o.complete(d.ID)
	return res, nil
}

// drain 在回到监控阶段后依次处理排队的扰动，再次进入等待确认时停止
func (o *Orchestrator) drain(ctx context.Context, r *run) {
	for r.phase.Current() == fsm.PhaseMonitoring && r.queue.Len() > 0 {
		d, _ := r.queue.Pop()
		if _, err := o.handle(ctx, r, d); err != nil {
			o.logger.Warn("排队扰动处理失败", "run_id", r.id, "disruption", d.ID, "error", err)
		}
	}
}

// GetAdjustment 用指定类型的 active 版本对当前状态推理，不改变排程
// 没有部署模型时使用派工规则兜底，并标记为低置信度
func (o *Orchestrator) GetAdjustment(ctx context.Context, runID string, kind types.AgentType) (*Proposal, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := requirePhase(r, "get adjustment", fsm.PhaseMonitoring, fsm.PhaseAdjusting); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = types.AgentType(o.cfg.Orchestrator.AgentType)
	}
	return o.propose(r, kind)
}

// ApplyAdjustment 执行一个调整动作
// 有等待确认的建议时视为人工确认（动作可以与建议不同），之后回到监控并处理排队的扰动；
// 动作不可行时返回 *adjust.RejectionError，排程和阶段保持不变
func (o *Orchestrator) ApplyAdjustment(ctx context.Context, runID string, spec types.ActionSpec) (*AdjustmentResult, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := requirePhase(r, "apply adjustment", fsm.PhaseMonitoring, fsm.PhaseAdjusting); err != nil {
		return nil, err
	}

	before := r.sched.TotalTardiness()
	if err := o.apply(r, spec); err != nil {
		return nil, err
	}
	if prop := r.pending; prop != nil {
		o.record(r, prop, prop.Action == spec, float64(before-r.sched.TotalTardiness()))
		r.pending = nil
	}
	if r.phase.Current() == fsm.PhaseAdjusting {
		o.fire(r, fsm.EventAdjusted)
		o.drain(ctx, r)
	}
	return &AdjustmentResult{RunID: r.id, Phase: r.phase.Current(), Action: spec, Stats: r.sched.Stats()}, nil
}

// DismissAdjustment 驳回等待确认的建议，排程保持扰动后的状态
func (o *Orchestrator) DismissAdjustment(ctx context.Context, runID string) (*RunSnapshot, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prop := r.pending
	if prop == nil || r.phase.Current() != fsm.PhaseAdjusting {
		return nil, fmt.Errorf("%w: run %s", ErrNoPending, r.id)
	}
	o.record(r, prop, false, 0)
	r.pending = nil
	o.bus.Publish(event.Event{Type: event.AdjustmentRejected, RunID: r.id, Phase: fsm.PhaseAdjusting,
		Action: &prop.Action, Confidence: prop.Confidence, Error: fmt.Errorf("dismissed")})
	o.fire(r, fsm.EventAdjusted)
	o.drain(ctx, r)
	snap := r.snapshot()
	return &snap, nil
}

// apply 在在线排程上执行动作，调用方持有 r.mu
func (o *Orchestrator) apply(r *run, spec types.ActionSpec) error {
	a, err := spec.Action()
	if err != nil {
		return err
	}
	if a.Kind() != types.KindNoOp {
		c := r.cons.Clone()
		c.Now = r.now
		next, err := adjust.Apply(r.sched, r.machines, a, c)
		if err != nil {
			o.bus.Publish(event.Event{Type: event.AdjustmentRejected, RunID: r.id, Phase: r.phase.Current(),
				Action: &spec, Error: err})
			return err
		}
		r.sched = next
		o.sync(r)
	}
	r.adjustments++
	o.bus.Publish(event.Event{Type: event.AdjustmentApplied, RunID: r.id, Phase: r.phase.Current(),
		Action: &spec, Stats: r.sched.Stats()})
	return nil
}

// environment 创建一个对齐到在线状态的仿真环境，只用于推理
func (o *Orchestrator) environment(r *run) (*sim.Environment, sim.Observation, error) {
	calc, err := reward.New(o.cfg.Reward.Strategy, o.cfg.Reward)
	if err != nil {
		return nil, sim.Observation{}, err
	}
	env := sim.New(o.cfg.Environment, calc, o.cfg.Agent.Seed, o.logger)
	obs, err := env.Attach(r.sched, r.machines, r.cons, r.now)
	if err != nil {
		return nil, sim.Observation{}, fmt.Errorf("run %s: %w", r.id, err)
	}
	return env, obs, nil
}

// sync 按现场时钟刷新工序和机台状态
func (o *Orchestrator) sync(r *run) {
	env, _, err := o.environment(r)
	if err != nil {
		o.logger.Warn("刷新现场状态失败", "run_id", r.id, "error", err)
		return
	}
	snap := env.Snapshot()
	r.sched, r.machines = snap.Schedule, snap.Machines
}

// propose 对当前状态推理出调整建议，调用方持有 r.mu
func (o *Orchestrator) propose(r *run, kind types.AgentType) (*Proposal, error) {
	env, obs, err := o.environment(r)
	if err != nil {
		return nil, err
	}
	prop := &Proposal{RunID: r.id, AgentType: kind}

	var dec agent.Decision
	decided := false
	if o.registry != nil {
		// 推理开始时固定版本，之后的 promote 或 rollback 不影响本次推理
		if h, ok := o.registry.Pin(kind); ok && h.Agent != nil {
			if dec, err = h.Agent.Act(obs, false); err == nil {
				decided = true
				prop.Version = h.Version.ID
			} else {
				o.logger.Warn("模型推理失败，使用兜底策略", "run_id", r.id, "version", h.Version.ID, "error", err)
			}
		}
	}
	if !decided {
		fb := agent.NewHeuristic(env.ActionSpace(), "", true)
		if dec, err = fb.Act(obs, false); err != nil {
			return nil, err
		}
		prop.AgentType = agent.AgentHeuristic
	}

	action, ok := env.Decode(dec.Action)
	if !ok {
		action = types.NoOp{}
	}
	prop.Action = types.Spec(action)
	prop.Confidence = dec.Confidence
	prop.Fallback = dec.Fallback
	prop.Alternatives = alternatives(env, dec, o.cfg.Orchestrator.Alternatives)

	if o.registry != nil {
		for _, h := range o.registry.Shadows(kind) {
			if h.Agent == nil {
				continue
			}
			sd, err := h.Agent.Act(obs, false)
			if err != nil {
				o.logger.Warn("影子模型推理失败", "run_id", r.id, "version", h.Version.ID, "error", err)
				continue
			}
			sa, ok := env.Decode(sd.Action)
			if !ok {
				sa = types.NoOp{}
			}
			prop.Shadows = append(prop.Shadows, ShadowDecision{
				Version:    h.Version.ID,
				Action:     types.Spec(sa),
				Confidence: sd.Confidence,
				Agree:      sd.Action == dec.Action,
			})
		}
	}
	return prop, nil
}

// alternatives 按概率从高到低列出其他可行动作
func alternatives(env *sim.Environment, dec agent.Decision, n int) []Alternative {
	if n <= 0 || len(dec.Probs) == 0 {
		return nil
	}
	idx := make([]int, 0, len(dec.Probs))
	for i, p := range dec.Probs {
		if i != dec.Action && p > 0 {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case dec.Probs[a] > dec.Probs[b]:
			return -1
		case dec.Probs[a] < dec.Probs[b]:
			return 1
		}
		return a - b
	})
	var out []Alternative
	for _, i := range idx {
		if len(out) == n {
			break
		}
		a, ok := env.Decode(i)
		if !ok {
			continue
		}
		out = append(out, Alternative{Action: types.Spec(a), Probability: dec.Probs[i]})
	}
	return out
}

// record 把一次决策写入监控窗口
func (o *Orchestrator) record(r *run, p *Proposal, applied bool, gain float64) {
	o.monitor.Record(monitoring.Record{
		RunID:       r.id,
		AgentType:   p.AgentType,
		Version:     p.Version,
		Action:      p.Action,
		Confidence:  p.Confidence,
		Reward:      gain,
		LateJobs:    r.sched.LateJobs(),
		Applied:     applied,
		Fallback:    p.Fallback,
		ShadowAgree: p.shadowAgree(),
	})
}

func (o *Orchestrator) complete(disruptionID string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Complete(disruptionID); err != nil {
		o.logger.Error("写入扰动完成日志失败", "disruption", disruptionID, "error", err)
	}
}
