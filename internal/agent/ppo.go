package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/nn"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// PPO on-policy 策略：GAE 优势估计 + 裁剪目标 + 熵奖励 + 价值损失
type PPO struct {
	mu     sync.RWMutex
	space  sim.ActionSpace
	cfg    config.PPOConfig
	actor  *nn.MLP
	critic *nn.MLP
	aOpt   *nn.Adam
	cOpt   *nn.Adam
	rng    *rand.Rand
}

// NewPPO 创建 on-policy 模型；策略输出层零初始化，初始策略在可行动作上均匀分布
func NewPPO(space sim.ActionSpace, cfg config.AgentConfig, seed int64) *PPO {
	rng := newRand(seed)
	h := hiddenSizes(cfg)
	p := cfg.PPO
	if p.LearningRate <= 0 {
		p.LearningRate = 3e-4
	}
	if p.Epochs <= 0 {
		p.Epochs = 4
	}
	if p.MiniBatch <= 0 {
		p.MiniBatch = 64
	}
	if p.RolloutLength <= 0 {
		p.RolloutLength = 256
	}
	return &PPO{
		space:  space,
		cfg:    p,
		actor:  nn.NewMLP(layerSizes(space.ObservationSize(), h, space.Size()), nn.Tanh, rng, true),
		critic: nn.NewMLP(layerSizes(space.ObservationSize(), h, 1), nn.Tanh, rng, false),
		aOpt:   nn.NewAdam(p.LearningRate),
		cOpt:   nn.NewAdam(p.LearningRate),
		rng:    rng,
	}
}

func (a *PPO) Type() types.AgentType { return types.AgentPPO }

func (a *PPO) BatchSize() int { return a.cfg.RolloutLength }

// Act 前向推理，explore 时按策略分布采样，否则取概率最大的动作
func (a *PPO) Act(obs sim.Observation, explore bool) (Decision, error) {
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
	return Decision{
		Action:     act,
		Probs:      p,
		Confidence: Confidence(p, obs.Mask),
		Value:      a.critic.Forward(obs.Vector)[0],
		LogProb:    logProb(p, act),
	}, nil
}

// advantages 计算 GAE 优势和回报
func (a *PPO) advantages(b Batch) (adv, ret []float64) {
	n := len(b.Transitions)
	adv = make([]float64, n)
	ret = make([]float64, n)
	gae := 0.0
	for t := n - 1; t >= 0; t-- {
		tr := b.Transitions[t]
		next := b.LastValue
		if t+1 < n {
			next = b.Transitions[t+1].Value
		}
		notDone := 1.0
		if tr.Done {
			notDone = 0
		}
		delta := tr.Reward + a.cfg.Gamma*next*notDone - tr.Value
		gae = delta + a.cfg.Gamma*a.cfg.Lambda*notDone*gae
		adv[t] = gae
		ret[t] = gae + tr.Value
	}
	return adv, ret
}

// Update 对一段轨迹做多轮小批量裁剪目标优化
func (a *PPO) Update(b Batch) (Diagnostics, error) {
	n := len(b.Transitions)
	if n == 0 {
		return Diagnostics{}, nil
	}
	for _, tr := range b.Transitions {
		if err := checkObs(a.space, tr.Obs); err != nil {
			return Diagnostics{}, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	adv, ret := a.advantages(b)
	if n > 1 {
		mean, std := stat.MeanStdDev(adv, nil)
		for i := range adv {
			adv[i] = (adv[i] - mean) / (std + 1e-8)
		}
	}

	var diag Diagnostics
	samples := 0
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for epoch := 0; epoch < a.cfg.Epochs; epoch++ {
		a.rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for lo := 0; lo < n; lo += a.cfg.MiniBatch {
			hi := min(lo+a.cfg.MiniBatch, n)
			a.actor.ZeroGrad()
			a.critic.ZeroGrad()
			for _, k := range idx[lo:hi] {
				a.accumulate(b.Transitions[k], adv[k], ret[k], &diag)
				samples++
			}
			scale := 1 / float64(hi-lo)
			a.actor.ScaleGrad(scale)
			a.critic.ScaleGrad(scale)
			diag.GradNorm = a.actor.ClipGrad(a.cfg.MaxGradNorm)
			a.critic.ClipGrad(a.cfg.MaxGradNorm)
			a.aOpt.Step(a.actor)
			a.cOpt.Step(a.critic)
			diag.Updates++
		}
	}
	if samples > 0 {
		s := float64(samples)
		diag.PolicyLoss /= s
		diag.ValueLoss /= s
		diag.Entropy /= s
		diag.ApproxKL /= s
		diag.ClipFraction /= s
	}
	if !a.actor.Finite() || !a.critic.Finite() {
		return diag, fmt.Errorf("ppo: parameters diverged")
	}
	return diag, nil
}

// accumulate 为单个样本累加策略和价值梯度
func (a *PPO) accumulate(tr Transition, adv, ret float64, diag *Diagnostics) {
	logits, trace := a.actor.ForwardTrace(tr.Obs.Vector)
	p := nn.Softmax(logits, tr.Obs.Mask)
	lp := logProb(p, tr.Action)
	ratio := math.Exp(lp - tr.LogProb)
	eps := a.cfg.ClipRange
	clipped := math.Max(1-eps, math.Min(1+eps, ratio))
	surr := math.Min(ratio*adv, clipped*adv)
	h := nn.Entropy(p)

	diag.PolicyLoss += -surr - a.cfg.EntropyCoef*h
	diag.Entropy += h
	diag.ApproxKL += tr.LogProb - lp
	active := ratio*adv <= clipped*adv
	if !active {
		diag.ClipFraction++
	}

	grad := make([]float64, len(p))
	for j, pj := range p {
		if pj <= 0 {
			continue
		}
		// 熵项梯度：−β·dH/dz_j = β·p_j·(log p_j + H)
		grad[j] = a.cfg.EntropyCoef * pj * (math.Log(pj) + h)
		if active {
			// 裁剪未生效时 d(−rA)/dz_j = −A·r·(1{j=a} − p_j)
			ind := 0.0
			if j == tr.Action {
				ind = 1
			}
			grad[j] += -adv * ratio * (ind - pj)
		}
	}
	a.actor.Backward(trace, grad)

	v, ctrace := a.critic.ForwardTrace(tr.Obs.Vector)
	diff := v[0] - ret
	diag.ValueLoss += a.cfg.ValueCoef * diff * diff
	a.critic.Backward(ctrace, []float64{2 * a.cfg.ValueCoef * diff})
}

type ppoArtifact struct {
	Type   types.AgentType `json:"type"`
	Obs    int             `json:"obs"`
	Acts   int             `json:"actions"`
	Actor  *nn.MLP         `json:"actor"`
	Critic *nn.MLP         `json:"critic"`
}

func (a *PPO) Snapshot() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(ppoArtifact{Type: types.AgentPPO, Obs: a.space.ObservationSize(), Acts: a.space.Size(), Actor: a.actor, Critic: a.critic})
}

func (a *PPO) Restore(data []byte) error {
	var art ppoArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("ppo: decode artifact: %w", err)
	}
	if art.Type != types.AgentPPO || art.Obs != a.space.ObservationSize() || art.Acts != a.space.Size() || art.Actor == nil || art.Critic == nil {
		return ErrShapeMismatch
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor, a.critic = art.Actor, art.Critic
	a.aOpt, a.cOpt = nn.NewAdam(a.cfg.LearningRate), nn.NewAdam(a.cfg.LearningRate)
	return nil
}
