package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// SolverRunsTotal 计数器：求解次数，按结果状态分类
	SolverRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jssp_solver_runs_total",
		Help: "The total number of exact solver runs",
	}, []string{"status"})

	// SolverDuration 直方图：单次求解耗时
	SolverDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jssp_solver_duration_seconds",
		Help:    "Wall time spent in the exact solver",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	// SolverObjective 仪表盘：最近一次求解的目标值
	SolverObjective = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jssp_solver_objective",
		Help: "Objective value of the most recent solve",
	})

	// EnvStepsTotal 计数器：仿真步数，按动作是否被拒分类
	EnvStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jssp_env_steps_total",
		Help: "The total number of simulation steps",
	}, []string{"outcome"})

	// DisruptionsTotal 计数器：扰动数量，按类型和来源分类
	DisruptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jssp_disruptions_total",
		Help: "The total number of disruptions handled",
	}, []string{"type", "source"})

	// DisruptionsInQueue 仪表盘：等待处理的扰动数量
	DisruptionsInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jssp_disruptions_in_queue",
		Help: "The number of disruptions waiting for an in-flight adjustment to finish",
	})

	// AdjustmentsTotal 计数器：调整动作，按结果（applied/proposed/rejected/fallback）和动作类别分类
	AdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jssp_adjustments_total",
		Help: "The total number of adjustment actions by outcome",
	}, []string{"outcome", "kind"})

	// TrainingEpisodeReward 仪表盘：最近一个训练回合的回报
	TrainingEpisodeReward = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jssp_training_episode_reward",
		Help: "Reward of the most recent training episode",
	}, []string{"agent"})

	// TrainingRunsTotal 计数器：训练任务，按最终状态分类
	TrainingRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jssp_training_runs_total",
		Help: "The total number of training runs by final status",
	}, []string{"agent", "status"})

	// ActiveModel 仪表盘：当前激活的模型版本，值恒为 1
	ActiveModel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jssp_active_model_info",
		Help: "Currently active model version per agent type",
	}, []string{"agent", "version"})

	// RollingReward 仪表盘：滚动窗口内的决策回报均值与方差
	RollingReward = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jssp_monitor_reward",
		Help: "Rolling-window reward statistics of live decisions",
	}, []string{"stat"})

	// RollingLateRate 仪表盘：滚动窗口内的拖期率
	RollingLateRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jssp_monitor_late_rate",
		Help: "Rolling-window late-job rate of live decisions",
	})

	// MonitorRates 仪表盘：滚动窗口内的执行率、平均置信度和影子一致率
	MonitorRates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jssp_monitor_rate",
		Help: "Rolling-window ratios of live decisions",
	}, []string{"stat"})

	// RunsByPhase 仪表盘：各阶段的排程任务数量
	RunsByPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jssp_runs_by_phase",
		Help: "The number of scheduling runs per orchestrator phase",
	}, []string{"phase"})
)
