package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/evaluation"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/reward"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Status 训练任务的最终状态
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// EpisodeLog 单个训练回合的记录
type EpisodeLog struct {
	Episode     int               `json:"episode"`
	Scenario    string            `json:"scenario"`
	Reward      float64           `json:"reward"`
	Steps       int               `json:"steps"`
	Tardiness   float64           `json:"tardiness"`
	EvalReward  *float64          `json:"eval_reward,omitempty"`
	Diagnostics agent.Diagnostics `json:"diagnostics"`
	Failed      bool              `json:"failed"`
	Error       string            `json:"error,omitempty"`
}

// Result 训练结果
// 只有 Status 为 completed 时 ArtifactRef 才非空，失败的训练不会产生可登记的模型
type Result struct {
	AgentType   string             `json:"agent_type"`
	Status      Status             `json:"status"`
	Episodes    int                `json:"episodes"`
	BestReward  float64            `json:"best_reward"`
	Rewards     []float64          `json:"rewards"`
	EvalRewards []float64          `json:"eval_rewards"`
	ArtifactRef string             `json:"artifact_ref,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
	Log         []EpisodeLog       `json:"log"`
	Reason      string             `json:"reason,omitempty"`
}

// Trainer 在仿真环境中反复运行回合来改进策略
// 单个回合顺序执行；留出评估复用 evaluation 包并发执行
type Trainer struct {
	cfg       config.TrainingConfig
	envCfg    config.EnvironmentConfig
	rewardCfg config.RewardConfig
	agent     agent.Agent
	train     []sim.Scenario
	eval      []sim.Scenario
	evaluator *evaluation.Evaluator
	artifacts registry.ArtifactStore
	logger    *slog.Logger
	seed      int64
}

// New 创建训练器；eval 为空时用训练回合回报挑选最佳模型
func New(cfg config.Config, a agent.Agent, train, eval []sim.Scenario, artifacts registry.ArtifactStore, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(train) == 0 {
		return nil, fmt.Errorf("training: no training scenarios")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("training: artifact store is required")
	}
	if _, err := reward.New(cfg.Reward.Strategy, cfg.Reward); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:       cfg.Training,
		envCfg:    cfg.Environment,
		rewardCfg: cfg.Reward,
		agent:     a,
		train:     train,
		eval:      eval,
		evaluator: evaluation.New(cfg, logger),
		artifacts: artifacts,
		logger:    logger.With("component", "training", "agent", a.Type()),
		seed:      cfg.Agent.Seed,
	}, nil
}

// Run 训练 episodes 个回合，episodes ≤ 0 时使用配置值
func (t *Trainer) Run(ctx context.Context, episodes int) (*Result, error) {
	if episodes <= 0 {
		episodes = t.cfg.Episodes
	}
	if episodes <= 0 {
		return nil, fmt.Errorf("training: episodes must be positive")
	}
	ctx, traceID := util.EnsureTraceID(ctx)
	ctx, span := util.StartSpan(ctx, "training.run",
		attribute.String("agent", string(t.agent.Type())),
		attribute.Int("episodes", episodes))
	defer span.End()
	logger := t.logger.With("trace_id", traceID)

	calc, _ := reward.New(t.rewardCfg.Strategy, t.rewardCfg)
	env := sim.New(t.envCfg, calc, t.seed, logger)

	res := &Result{
		AgentType:  string(t.agent.Type()),
		Status:     StatusCompleted,
		BestReward: math.Inf(-1),
		Metrics:    map[string]float64{},
	}
	var bestSnapshot []byte
	failedInRow := 0
	start := time.Now()

	for ep := 0; ep < episodes; ep++ {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			res.Reason = ctx.Err().Error()
			break
		}
		sc := t.train[ep%len(t.train)]
		entry, diverged := t.episode(env, sc, ep)
		res.Episodes++
		res.Rewards = append(res.Rewards, entry.Reward)
		metrics.TrainingEpisodeReward.WithLabelValues(res.AgentType).Set(entry.Reward)

		if diverged {
			entry.Failed = true
			res.Log = append(res.Log, entry)
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("episode %d diverged: %s", ep, entry.Error)
			break
		}
		if entry.Failed {
			failedInRow++
			res.Log = append(res.Log, entry)
			if failedInRow > max(t.cfg.MaxFailedEpisodes, 0) {
				res.Status = StatusFailed
				res.Reason = fmt.Sprintf("%d consecutive failed episodes", failedInRow)
				break
			}
			continue
		}
		failedInRow = 0

		score := entry.Reward
		if len(t.eval) > 0 && t.evalDue(ep, episodes) {
			s, _, err := t.evaluator.Evaluate(ctx, t.agent, t.eval, max(t.cfg.EvalEpisodes, 1))
			if err != nil {
				logger.Warn("留出评估失败", "episode", ep, "error", err)
			} else {
				entry.EvalReward = &s.MeanReward
				res.EvalRewards = append(res.EvalRewards, s.MeanReward)
				res.Metrics["eval_tardiness"] = s.MeanTardiness
				res.Metrics["eval_on_time_rate"] = s.OnTimeRate
			}
		}
		if len(t.eval) > 0 {
			if entry.EvalReward == nil {
				res.Log = append(res.Log, entry)
				continue
			}
			score = *entry.EvalReward
		}
		if score > res.BestReward {
			snap, err := t.agent.Snapshot()
			if err != nil {
				logger.Warn("保存检查点失败", "episode", ep, "error", err)
			} else {
				res.BestReward, bestSnapshot = score, snap
				logger.Info("新的最佳模型", "episode", ep, "score", score)
			}
		}
		res.Log = append(res.Log, entry)
		if ep%10 == 0 {
			logger.Debug("训练回合完成", "episode", ep, "reward", entry.Reward, "steps", entry.Steps)
		}
	}

	res.Metrics["episodes"] = float64(res.Episodes)
	res.Metrics["wall_seconds"] = time.Since(start).Seconds()
	if res.Status == StatusCompleted && bestSnapshot == nil {
		res.Status = StatusFailed
		res.Reason = "no successful episode"
	}
	if res.Status == StatusCompleted {
		ref, err := t.artifacts.Put(fmt.Sprintf("%s-%s", res.AgentType, util.NewIDString()), bestSnapshot)
		if err != nil {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("save artifact: %v", err)
		} else {
			res.ArtifactRef = ref
			res.Metrics["best_reward"] = res.BestReward
		}
	}
	if math.IsInf(res.BestReward, -1) {
		res.BestReward = 0
	}

	metrics.TrainingRunsTotal.WithLabelValues(res.AgentType, string(res.Status)).Inc()
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Float64("best_reward", res.BestReward))
	if res.Status != StatusCompleted {
		span.SetStatus(codes.Error, res.Reason)
		logger.Error("训练未完成", "status", res.Status, "reason", res.Reason, "episodes", res.Episodes)
	} else {
		logger.Info("训练完成", "episodes", res.Episodes, "best_reward", res.BestReward, "artifact", res.ArtifactRef)
	}
	return res, nil
}

func (t *Trainer) evalDue(ep, episodes int) bool {
	every := max(t.cfg.EvalEvery, 1)
	return (ep+1)%every == 0 || ep == episodes-1
}

// episode 运行一个训练回合；第二个返回值表示模型参数已发散
func (t *Trainer) episode(env *sim.Environment, sc sim.Scenario, ep int) (EpisodeLog, bool) {
	entry := EpisodeLog{Episode: ep, Scenario: sc.Name}
	obs, err := env.Start(sc, int64(ep))
	if err != nil {
		entry.Failed, entry.Error = true, err.Error()
		return entry, false
	}

	var buf []agent.Transition
	flush := func(last sim.Observation, done bool) (bool, error) {
		if len(buf) == 0 {
			return false, nil
		}
		b := agent.Batch{Transitions: buf}
		if !done {
			d, err := t.agent.Act(last, false)
			if err != nil {
				return false, err
			}
			b.LastValue = d.Value
		}
		diag, err := t.agent.Update(b)
		buf = nil
		if err != nil {
			return true, err
		}
		entry.Diagnostics = diag
		if !diag.Finite() {
			return true, fmt.Errorf("non-finite diagnostics")
		}
		return false, nil
	}

	for !env.Done() {
		d, err := t.agent.Act(obs, true)
		if err != nil {
			entry.Failed, entry.Error = true, err.Error()
			return entry, false
		}
		step, err := env.Step(d.Action)
		if err != nil {
			entry.Failed, entry.Error = true, err.Error()
			return entry, false
		}
		if math.IsNaN(step.Reward) || math.IsInf(step.Reward, 0) {
			entry.Failed, entry.Error = true, "non-finite reward"
			return entry, true
		}
		buf = append(buf, agent.Transition{
			Obs: obs, Action: d.Action, Reward: step.Reward, Next: step.Observation,
			Done: step.Done, LogProb: d.LogProb, Value: d.Value,
		})
		entry.Reward += step.Reward
		entry.Steps++
		obs = step.Observation
		if len(buf) >= max(t.agent.BatchSize(), 1) {
			if diverged, err := flush(obs, step.Done); err != nil {
				entry.Failed, entry.Error = true, err.Error()
				return entry, diverged
			}
		}
	}
	if diverged, err := flush(obs, true); err != nil {
		entry.Failed, entry.Error = true, err.Error()
		return entry, diverged
	}
	entry.Tardiness = env.Totals().TotalTardiness
	return entry, false
}
