package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/evaluation"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/problem"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/solver"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/training"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// evalSeedOffset 留出评估场景的种子偏移，避免与训练场景重叠
const evalSeedOffset = 10_000

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "", "配置文件路径，默认在当前目录查找 config.yaml")
		problemPath = pflag.StringP("problem", "p", "", "问题文件路径，默认使用 server.problem_path")
		agentType   = pflag.StringP("agent", "a", "ppo", "模型类型: ppo | sac")
		episodes    = pflag.IntP("episodes", "n", 0, "训练回合数，0 时使用配置值")
		scenarios   = pflag.Int("scenarios", 8, "问题文件未声明场景时生成的训练场景数")
		solveOnly   = pflag.Bool("solve", false, "只求解问题并输出排程，不训练")
		compare     = pflag.Bool("compare", true, "训练完成后与派工规则对比")
	)
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *problemPath, types.AgentType(*agentType), *episodes, *scenarios, *solveOnly, *compare, logger); err != nil {
		logger.Error("执行失败", "error", err)
		os.Exit(1)
	}
}

func run(configPath, problemPath string, kind types.AgentType, episodes, nScenarios int, solveOnly, compare bool, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := util.InitIDs(cfg.Server.SnowflakeID); err != nil {
		return err
	}
	if problemPath == "" {
		problemPath = cfg.Server.ProblemPath
	}
	in, err := problem.Load(problemPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := solver.New(cfg.Solver, logger).Solve(ctx, solver.Problem{
		Jobs:     in.Jobs,
		Machines: in.Machines,
		Weights:  in.Weights,
		Origin:   in.Origin,
	})
	if err != nil {
		return fmt.Errorf("求解失败: %w", err)
	}
	if solveOnly {
		return printJSON(res)
	}

	// 训练从求解器的排程出发；不可行或超时无解时退回派工规则
	initial := res.Schedule
	if initial == nil {
		logger.Warn("求解器没有给出排程，使用派工规则生成初始排程", "status", res.Status, "reason", res.Reason)
		if initial, err = in.InitialSchedule(); err != nil {
			return fmt.Errorf("生成初始排程失败: %w", err)
		}
	}
	train := in.SimScenarios(initial, nScenarios, cfg.Agent.Seed)
	eval := in.SimScenarios(initial, max(cfg.Training.EvalEpisodes, 1), cfg.Agent.Seed+evalSeedOffset)

	space := sim.ActionSpace{Ops: cfg.Environment.MaxOperations, Machines: cfg.Environment.MaxMachines}
	a, err := agent.New(kind, space, cfg.Agent, cfg.Agent.Seed)
	if err != nil {
		return err
	}
	arts, err := registry.NewFileArtifactStore(cfg.Training.ArtifactDir)
	if err != nil {
		return err
	}
	trainer, err := training.New(*cfg, a, train, eval, arts, logger)
	if err != nil {
		return err
	}
	result, err := trainer.Run(ctx, episodes)
	if err != nil {
		return err
	}
	logger.Info("训练结束", "agent", kind, "status", result.Status, "episodes", result.Episodes,
		"best_reward", result.BestReward, "artifact", result.ArtifactRef)
	if result.Status != training.StatusCompleted {
		return fmt.Errorf("训练未完成: %s", result.Reason)
	}

	out := map[string]any{
		"agent_type":   result.AgentType,
		"status":       result.Status,
		"episodes":     result.Episodes,
		"best_reward":  result.BestReward,
		"metrics":      result.Metrics,
		"artifact_ref": result.ArtifactRef,
	}
	if compare {
		// 对比的是保存下来的最佳模型，而不是最后一个回合的参数
		data, err := arts.Get(result.ArtifactRef)
		if err != nil {
			return err
		}
		best, err := agent.Load(data, space, cfg.Agent)
		if err != nil {
			return err
		}
		report, err := evaluation.New(*cfg, logger).Compare(ctx, best, eval, cfg.Evaluation.Runs)
		if err != nil {
			return fmt.Errorf("评估失败: %w", err)
		}
		out["evaluation"] = report
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
