package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/event"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/handlers"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/orchestrator"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/persistence"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/web"
)

// main 是应用程序的主入口
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径，默认在当前目录查找 config.yaml")
	models := pflag.StringArray("model", nil, "启动时登记的模型文件，格式 <agent>=<path>；同类型的第一个被激活，其余部署为影子")
	pflag.Parse()

	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	if err := util.InitIDs(cfg.Server.SnowflakeID); err != nil {
		logger.Error("初始化 ID 生成器失败", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := web.NewHub(logger)
	go hub.Run(ctx.Done())
	stateTracker := web.NewStateTracker(hub)
	eventBus := event.NewBus()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. 模型注册中心
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		logger.Error("初始化模型注册中心失败", "error", err)
		os.Exit(1)
	}
	defer reg.Close()
	if err := loadModels(reg, *models, logger); err != nil {
		logger.Error("登记启动模型失败", "error", err)
		os.Exit(1)
	}

	// 4. 编排器和扰动分发器
	wal, err := persistence.NewWAL(cfg.Orchestrator.WALPath)
	if err != nil {
		logger.Error("无法初始化 WAL", "error", err)
		os.Exit(1)
	}
	defer wal.Close()

	orch, err := orchestrator.New(*cfg, orchestrator.Deps{Registry: reg, Bus: eventBus, Journal: wal}, logger)
	if err != nil {
		logger.Error("初始化编排器失败", "error", err)
		os.Exit(1)
	}
	dispatcher := orchestrator.NewDispatcher(orch, cfg.Orchestrator.MaxWorkers, wal, logger)

	// 5. 恢复和启动
	if n, err := dispatcher.Recover(); err != nil {
		logger.Warn("从 WAL 恢复扰动失败", "error", err)
	} else if n > 0 {
		logger.Info("已恢复未处理的扰动", "count", n)
	}

	logger.Info("=== 动态作业车间调度服务启动 ===", "addr", cfg.Server.Addr)
	go dispatcher.Start(ctx)

	a := &api{
		orch:       orch,
		dispatcher: dispatcher,
		registry:   reg,
		tracker:    stateTracker,
		hub:        hub,
		problem:    cfg.Server.ProblemPath,
		logger:     logger.With("component", "api"),
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 6. 优雅停机
	waitForShutdown(ctx, logger, cancel, srv, dispatcher)
}

// newRegistry 创建注册中心，模型文件保存在本地目录
func newRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	arts, err := registry.NewFileArtifactStore(cfg.Registry.ArtifactDir)
	if err != nil {
		return nil, err
	}
	space := sim.ActionSpace{Ops: cfg.Environment.MaxOperations, Machines: cfg.Environment.MaxMachines}
	load := func(_ types.ModelVersion, data []byte) (agent.Agent, error) {
		return agent.Load(data, space, cfg.Agent)
	}
	return registry.New(registry.NewMemoryStore(), arts, load, logger), nil
}

// loadModels 登记命令行给出的模型文件
func loadModels(reg *registry.Registry, specs []string, logger *slog.Logger) error {
	seen := make(map[types.AgentType]bool)
	for _, s := range specs {
		kind, path, ok := strings.Cut(s, "=")
		if !ok || kind == "" || path == "" {
			return fmt.Errorf("invalid model %q, want <agent>=<path>", s)
		}
		at := types.AgentType(kind)
		v, err := reg.Register(at, path, nil)
		if err != nil {
			return err
		}
		if seen[at] {
			v, err = reg.Deploy(v.ID)
		} else {
			v, err = reg.Promote(v.ID)
		}
		if err != nil {
			return err
		}
		seen[at] = true
		logger.Info("启动模型已登记", "version", v.ID, "agent", at, "state", v.State)
	}
	return nil
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc, srv *http.Server, dispatcher *orchestrator.Dispatcher) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 API 服务器失败", "error", err)
	}
	cancel()
	dispatcher.WaitForCompletion()
	logger.Info("调度服务已安全退出。")
}
