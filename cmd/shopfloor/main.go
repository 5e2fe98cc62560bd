package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/orchestrator"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/problem"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/station"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// main 是车间现场模拟终端的入口
// 它用问题文件创建排程任务，再按时间顺序回放某个场景中的扰动
func main() {
	server := pflag.StringP("server", "s", "http://localhost:8080", "调度服务地址")
	problemPath := pflag.StringP("problem", "p", "problem.yaml", "问题文件路径")
	scenario := pflag.String("scenario", "", "回放的场景名，默认第一个声明了扰动的场景")
	pace := pflag.Duration("pace", 100*time.Millisecond, "每分钟排程时间对应的真实等待时长")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "shopfloor")
	slog.SetDefault(logger)

	in, err := problem.Load(*problemPath)
	if err != nil {
		logger.Error("加载问题文件失败", "error", err)
		os.Exit(1)
	}
	var sc *problem.ScenarioSpec
	for i := range in.Scenarios {
		s := &in.Scenarios[i]
		if (*scenario == "" && len(s.Disruptions) > 0) || s.Name == *scenario {
			sc = s
			break
		}
	}
	if sc == nil {
		logger.Error("没有可回放的场景", "scenario", *scenario)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = util.ContextWithTraceID(ctx, util.NewTraceID())

	logger.Info("=== 车间现场终端启动 ===", "server", *server, "problem", in.Name, "scenario", sc.Name)
	c := station.NewClient(*server, logger)
	res, err := c.Plan(ctx, orchestrator.PlanRequest{
		Jobs:     in.Jobs,
		Machines: in.Machines,
		Weights:  in.Weights,
		Origin:   in.Origin,
	})
	if err != nil {
		logger.Error("创建排程任务失败", "error", err)
		os.Exit(1)
	}
	logger.Info("排程任务已创建", "run_id", res.RunID, "phase", res.Phase, "status", res.Status, "objective", res.Stats.Objective)
	if res.Schedule == nil {
		logger.Warn("排程不可行，不回放扰动", "reason", res.Reason)
		return
	}

	ids, err := c.Replay(ctx, res.RunID, sc.Disruptions, *pace)
	if err != nil {
		logger.Error("回放扰动中断", "error", err, "reported", len(ids))
		os.Exit(1)
	}
	snap, err := c.Snapshot(ctx, res.RunID)
	if err != nil {
		logger.Error("查询排程任务失败", "error", err)
		os.Exit(1)
	}
	logger.Info("回放完成", "run_id", res.RunID, "reported", len(ids), "phase", snap.Phase,
		"makespan", snap.Stats.Makespan, "tardiness", snap.Stats.Tardiness)
}
