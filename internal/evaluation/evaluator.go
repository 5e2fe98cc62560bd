package evaluation

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/reward"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
)

// EpisodeResult 单个回合的评估结果
type EpisodeResult struct {
	Policy    string  `json:"policy"`
	Scenario  string  `json:"scenario"`
	Run       int     `json:"run"`
	Reward    float64 `json:"reward"`
	Tardiness float64 `json:"tardiness"` // 回合结束时排程的总拖期（分钟）
	Jobs      int     `json:"jobs"`
	OnTime    int     `json:"on_time"`
	Late      int     `json:"late"`
	Steps     int     `json:"steps"`
}

// OnTimeRate 按时完工率，分母包含回合中插入的新工单
func (r EpisodeResult) OnTimeRate() float64 {
	if r.Jobs == 0 {
		return 0
	}
	return float64(r.OnTime) / float64(r.Jobs)
}

// Summary 一个策略在全部场景上的汇总指标
type Summary struct {
	Policy        string  `json:"policy"`
	Episodes      int     `json:"episodes"`
	MeanReward    float64 `json:"mean_reward"`
	StdReward     float64 `json:"std_reward"`
	MeanTardiness float64 `json:"mean_tardiness"`
	OnTimeRate    float64 `json:"on_time_rate"`
}

// Report 策略与六种派工规则的对比结果
type Report struct {
	Agent      Summary                   `json:"agent"`
	Heuristics map[dispatch.Rule]Summary `json:"heuristics"`
	Dominates  map[dispatch.Rule]bool    `json:"dominates"`
}

// Dominates 判断 a 是否帕累托支配 b：回报不低、拖期不高、准时率不低，且至少一项严格更优
func Dominates(a, b Summary) bool {
	if a.MeanReward < b.MeanReward || a.MeanTardiness > b.MeanTardiness || a.OnTimeRate < b.OnTimeRate {
		return false
	}
	return a.MeanReward > b.MeanReward || a.MeanTardiness < b.MeanTardiness || a.OnTimeRate > b.OnTimeRate
}

// Evaluator 在相同种子的场景上并发评估策略
// 每个 goroutine 持有自己的仿真环境和回报计算器，不共享可变状态
type Evaluator struct {
	env         config.EnvironmentConfig
	reward      config.RewardConfig
	parallelism int
	logger      *slog.Logger
}

// New 创建评估器
func New(cfg config.Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Evaluator{
		env:         cfg.Environment,
		reward:      cfg.Reward,
		parallelism: max(cfg.Evaluation.Parallelism, 1),
		logger:      logger.With("component", "evaluation"),
	}
}

// NewEnvironment 按评估配置创建一个独立的仿真环境
func (e *Evaluator) NewEnvironment() (*sim.Environment, error) {
	calc, err := reward.New(e.reward.Strategy, e.reward)
	if err != nil {
		return nil, err
	}
	return sim.New(e.env, calc, 0, e.logger), nil
}

// RunEpisode 在场景上跑完一个回合，run 叠加在场景种子上
func RunEpisode(ctx context.Context, env *sim.Environment, policy agent.Agent, sc sim.Scenario, run int, explore bool) (EpisodeResult, error) {
	res := EpisodeResult{Policy: string(policy.Type()), Scenario: sc.Name, Run: run}
	obs, err := env.Start(sc, int64(run))
	if err != nil {
		return res, err
	}
	for !env.Done() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := policy.Act(obs, explore)
		if err != nil {
			return res, fmt.Errorf("scenario %s step %d: %w", sc.Name, res.Steps, err)
		}
		step, err := env.Step(d.Action)
		if err != nil {
			return res, err
		}
		res.Reward += step.Reward
		res.Steps++
		obs = step.Observation
	}
	final := env.Schedule()
	totals := env.Totals()
	res.Tardiness = float64(final.TotalTardiness())
	res.Jobs = len(final.Jobs)
	res.OnTime = totals.TotalOnTime
	res.Late = final.LateJobs()
	return res, nil
}

// Evaluate 在全部场景上各重复 runs 次评估一个策略
func (e *Evaluator) Evaluate(ctx context.Context, policy agent.Agent, scenarios []sim.Scenario, runs int) (Summary, []EpisodeResult, error) {
	results, err := e.run(ctx, []agent.Agent{policy}, [][]sim.Scenario{scenarios}, runs)
	if err != nil {
		return Summary{}, nil, err
	}
	return summarize(string(policy.Type()), results[0]), results[0], nil
}

// Compare 评估策略并与六种派工规则对比
// 规则基线的初始排程用对应规则重新生成，扰动种子与策略完全相同
func (e *Evaluator) Compare(ctx context.Context, policy agent.Agent, scenarios []sim.Scenario, runs int) (*Report, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("evaluation: no scenarios")
	}
	probe, err := e.NewEnvironment()
	if err != nil {
		return nil, err
	}
	space := probe.ActionSpace()

	policies := []agent.Agent{policy}
	sets := [][]sim.Scenario{scenarios}
	for _, rule := range dispatch.Rules {
		rebuilt := make([]sim.Scenario, len(scenarios))
		for i, sc := range scenarios {
			s, err := dispatch.Schedule(sc.Schedule.Jobs, sc.Machines, rule, dispatch.Options{Origin: sc.Schedule.Origin})
			if err != nil {
				return nil, fmt.Errorf("rule %s on scenario %s: %w", rule, sc.Name, err)
			}
			sc.Schedule = s
			rebuilt[i] = sc
		}
		policies = append(policies, agent.NewHeuristic(space, rule, false))
		sets = append(sets, rebuilt)
	}

	results, err := e.run(ctx, policies, sets, runs)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Agent:      summarize(string(policy.Type()), results[0]),
		Heuristics: make(map[dispatch.Rule]Summary, len(dispatch.Rules)),
		Dominates:  make(map[dispatch.Rule]bool, len(dispatch.Rules)),
	}
	for i, rule := range dispatch.Rules {
		s := summarize(string(rule), results[i+1])
		report.Heuristics[rule] = s
		report.Dominates[rule] = Dominates(report.Agent, s)
	}
	e.logger.Info("评估完成", "policy", policy.Type(), "mean_reward", report.Agent.MeanReward, "dominates", report.Dominates)
	return report, nil
}

// run 并发执行 策略×场景×重复 的全部回合，结果按输入顺序返回
func (e *Evaluator) run(ctx context.Context, policies []agent.Agent, sets [][]sim.Scenario, runs int) ([][]EpisodeResult, error) {
	runs = max(runs, 1)
	out := make([][]EpisodeResult, len(policies))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for p, policy := range policies {
		out[p] = make([]EpisodeResult, len(sets[p])*runs)
		for s, sc := range sets[p] {
			for r := range runs {
				slot := &out[p][s*runs+r]
				g.Go(func() error {
					env, err := e.NewEnvironment()
					if err != nil {
						return err
					}
					res, err := RunEpisode(ctx, env, policy, sc, r, false)
					if err != nil {
						return err
					}
					*slot = res
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func summarize(name string, results []EpisodeResult) Summary {
	s := Summary{Policy: name, Episodes: len(results)}
	if len(results) == 0 {
		return s
	}
	rewards := make([]float64, len(results))
	tardy := make([]float64, len(results))
	onTime := make([]float64, len(results))
	for i, r := range results {
		rewards[i] = r.Reward
		tardy[i] = r.Tardiness
		onTime[i] = r.OnTimeRate()
	}
	s.MeanReward, s.StdReward = stat.MeanStdDev(rewards, nil)
	if len(results) == 1 {
		s.StdReward = 0
	}
	s.MeanTardiness = stat.Mean(tardy, nil)
	s.OnTimeRate = stat.Mean(onTime, nil)
	return s
}
