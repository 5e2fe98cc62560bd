package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/nn"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// SAC 离散动作版本的 off-policy 最大熵策略
// 双 Q 网络 + 软更新目标网络，可选自动调节熵系数 α
type SAC struct {
	mu     sync.RWMutex
	space  sim.ActionSpace
	cfg    config.SACConfig
	actor  *nn.MLP
	q1, q2 *nn.MLP
	t1, t2 *nn.MLP
	aOpt   *nn.Adam
	q1Opt  *nn.Adam
	q2Opt  *nn.Adam

	logAlpha float64
	replay   *Replay
	seen     int
	rng      *rand.Rand
}

// NewSAC 创建 off-policy 模型
func NewSAC(space sim.ActionSpace, cfg config.AgentConfig, seed int64) *SAC {
	rng := newRand(seed)
	h := hiddenSizes(cfg)
	c := cfg.SAC
	if c.LearningRate <= 0 {
		c.LearningRate = 3e-4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.GradientSteps <= 0 {
		c.GradientSteps = 1
	}
	if c.UpdateEvery <= 0 {
		c.UpdateEvery = 1
	}
	if c.Tau <= 0 || c.Tau > 1 {
		c.Tau = 0.005
	}
	if c.Alpha <= 0 {
		c.Alpha = 0.2
	}
	if c.TargetEntropyScale <= 0 {
		c.TargetEntropyScale = 0.5
	}
	obs, acts := space.ObservationSize(), space.Size()
	q1 := nn.NewMLP(layerSizes(obs, h, acts), nn.ReLU, rng, false)
	q2 := nn.NewMLP(layerSizes(obs, h, acts), nn.ReLU, rng, false)
	return &SAC{
		space:    space,
		cfg:      c,
		actor:    nn.NewMLP(layerSizes(obs, h, acts), nn.Tanh, rng, true),
		q1:       q1,
		q2:       q2,
		t1:       q1.Clone(),
		t2:       q2.Clone(),
		aOpt:     nn.NewAdam(c.LearningRate),
		q1Opt:    nn.NewAdam(c.LearningRate),
		q2Opt:    nn.NewAdam(c.LearningRate),
		logAlpha: math.Log(c.Alpha),
		replay:   NewReplay(c.BufferSize),
		rng:      rng,
	}
}

func (a *SAC) Type() types.AgentType { return types.AgentSAC }

func (a *SAC) BatchSize() int { return a.cfg.UpdateEvery }

// Alpha 返回当前熵系数
func (a *SAC) Alpha() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return math.Exp(a.logAlpha)
}

// Buffered 返回回放缓冲区中的经验数
func (a *SAC) Buffered() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.replay.Len()
}

func (a *SAC) Act(obs sim.Observation, explore bool) (Decision, error) {
	if err := checkObs(a.space, obs); err != nil {
		return Decision{}, err
	}
	if explore {
		a.mu.Lock()
		defer a.mu.Unlock()
	} else {
		a.mu.RLock()
		defer a.mu.RUnlock()
	}
	p := nn.Softmax(a.actor.Forward(obs.Vector), obs.Mask)
	act := nn.Argmax(p)
	if explore {
		act = nn.Sample(p, a.rng.Float64())
	}
	q := minQ(a.q1.Forward(obs.Vector), a.q2.Forward(obs.Vector))
	value := 0.0
	for j, pj := range p {
		value += pj * q[j]
	}
	return Decision{
		Action:     act,
		Probs:      p,
		Confidence: Confidence(p, obs.Mask),
		Value:      value,
		LogProb:    logProb(p, act),
	}, nil
}

func minQ(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = math.Min(a[i], b[i])
	}
	return out
}

// validCount 返回掩码中可选动作的数量
func validCount(mask []bool, n int) int {
	if mask == nil {
		return n
	}
	c := 0
	for _, ok := range mask {
		if ok {
			c++
		}
	}
	return max(c, 1)
}

// Update 把经验写入回放缓冲区，预热结束后执行若干次梯度更新
func (a *SAC) Update(b Batch) (Diagnostics, error) {
	for _, tr := range b.Transitions {
		if err := checkObs(a.space, tr.Obs); err != nil {
			return Diagnostics{}, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tr := range b.Transitions {
		a.replay.Add(tr)
		a.seen++
	}
	var diag Diagnostics
	if a.replay.Len() < max(a.cfg.WarmupSteps, 1) {
		diag.Alpha = math.Exp(a.logAlpha)
		return diag, nil
	}
	steps := a.cfg.GradientSteps * max(len(b.Transitions), 1)
	for s := 0; s < steps; s++ {
		a.gradientStep(a.replay.Sample(a.rng, a.cfg.BatchSize), &diag)
		diag.Updates++
	}
	if diag.Updates > 0 {
		n := float64(diag.Updates)
		diag.PolicyLoss /= n
		diag.ValueLoss /= n
		diag.Entropy /= n
	}
	diag.Alpha = math.Exp(a.logAlpha)
	if !a.actor.Finite() || !a.q1.Finite() || !a.q2.Finite() || math.IsNaN(a.logAlpha) {
		return diag, fmt.Errorf("sac: parameters diverged")
	}
	return diag, nil
}

func (a *SAC) gradientStep(batch []Transition, diag *Diagnostics) {
	alpha := math.Exp(a.logAlpha)
	scale := 1 / float64(len(batch))

	// 评论家：y = r + γ(1−d)·Σ π(a'|s')·[min Q'(s',a') − α·log π(a'|s')]
	a.q1.ZeroGrad()
	a.q2.ZeroGrad()
	for _, tr := range batch {
		y := tr.Reward
		if !tr.Done {
			pn := nn.Softmax(a.actor.Forward(tr.Next.Vector), tr.Next.Mask)
			qn := minQ(a.t1.Forward(tr.Next.Vector), a.t2.Forward(tr.Next.Vector))
			soft := 0.0
			for j, pj := range pn {
				if pj > 0 {
					soft += pj * (qn[j] - alpha*math.Log(pj))
				}
			}
			y += a.cfg.Gamma * soft
		}
		for _, q := range []*nn.MLP{a.q1, a.q2} {
			out, tr2 := q.ForwardTrace(tr.Obs.Vector)
			diff := out[tr.Action] - y
			diag.ValueLoss += 0.5 * diff * diff * scale
			g := make([]float64, len(out))
			g[tr.Action] = 2 * diff
			q.Backward(tr2, g)
		}
	}
	a.q1.ScaleGrad(scale)
	a.q2.ScaleGrad(scale)
	diag.GradNorm = a.q1.ClipGrad(10)
	a.q2.ClipGrad(10)
	a.q1Opt.Step(a.q1)
	a.q2Opt.Step(a.q2)

	// 策略：最小化 Σ π·(α·log π − min Q)，对 logit 的梯度为 π_j·(g_j − E_π g)
	a.actor.ZeroGrad()
	alphaGrad := 0.0
	for _, tr := range batch {
		logits, trace := a.actor.ForwardTrace(tr.Obs.Vector)
		p := nn.Softmax(logits, tr.Obs.Mask)
		q := minQ(a.q1.Forward(tr.Obs.Vector), a.q2.Forward(tr.Obs.Vector))
		g := make([]float64, len(p))
		mean := 0.0
		for j, pj := range p {
			if pj > 0 {
				g[j] = alpha*math.Log(pj) - q[j]
				mean += pj * g[j]
			}
		}
		grad := make([]float64, len(p))
		for j, pj := range p {
			if pj > 0 {
				grad[j] = pj * (g[j] - mean)
			}
		}
		a.actor.Backward(trace, grad)

		h := nn.Entropy(p)
		diag.PolicyLoss += mean * scale
		diag.Entropy += h * scale
		target := a.cfg.TargetEntropyScale * math.Log(float64(validCount(tr.Obs.Mask, len(p))))
		// J(α) = α·(H − H̄)，对 log α 的梯度为 α·(H − H̄)
		alphaGrad += alpha * (h - target) * scale
	}
	a.actor.ScaleGrad(scale)
	a.actor.ClipGrad(10)
	a.aOpt.Step(a.actor)

	if a.cfg.AutoAlpha {
		a.logAlpha -= a.cfg.LearningRate * alphaGrad
		a.logAlpha = math.Max(math.Log(1e-4), math.Min(math.Log(10), a.logAlpha))
	}

	a.t1.SoftUpdate(a.q1, a.cfg.Tau)
	a.t2.SoftUpdate(a.q2, a.cfg.Tau)
}

type sacArtifact struct {
	Type     types.AgentType `json:"type"`
	Obs      int             `json:"obs"`
	Acts     int             `json:"actions"`
	Actor    *nn.MLP         `json:"actor"`
	Q1       *nn.MLP         `json:"q1"`
	Q2       *nn.MLP         `json:"q2"`
	T1       *nn.MLP         `json:"target_q1"`
	T2       *nn.MLP         `json:"target_q2"`
	LogAlpha float64         `json:"log_alpha"`
}

func (a *SAC) Snapshot() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(sacArtifact{
		Type: types.AgentSAC, Obs: a.space.ObservationSize(), Acts: a.space.Size(),
		Actor: a.actor, Q1: a.q1, Q2: a.q2, T1: a.t1, T2: a.t2, LogAlpha: a.logAlpha,
	})
}

func (a *SAC) Restore(data []byte) error {
	var art sacArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("sac: decode artifact: %w", err)
	}
	if art.Type != types.AgentSAC || art.Obs != a.space.ObservationSize() || art.Acts != a.space.Size() ||
		art.Actor == nil || art.Q1 == nil || art.Q2 == nil || art.T1 == nil || art.T2 == nil {
		return ErrShapeMismatch
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor, a.q1, a.q2, a.t1, a.t2 = art.Actor, art.Q1, art.Q2, art.T1, art.T2
	a.logAlpha = art.LogAlpha
	a.aOpt = nn.NewAdam(a.cfg.LearningRate)
	a.q1Opt = nn.NewAdam(a.cfg.LearningRate)
	a.q2Opt = nn.NewAdam(a.cfg.LearningRate)
	return nil
}
