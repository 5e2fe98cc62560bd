package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Solver       SolverConfig       `mapstructure:"solver"`
	Environment  EnvironmentConfig  `mapstructure:"environment"`
	Reward       RewardConfig       `mapstructure:"reward"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Training     TrainingConfig     `mapstructure:"training"`
	Graph        GraphConfig        `mapstructure:"graph"`
	Predict      PredictConfig      `mapstructure:"predict"`
	Recommend    RecommendConfig    `mapstructure:"recommend"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Server       ServerConfig       `mapstructure:"server"`
}

// SolverConfig 精确求解器参数
type SolverConfig struct {
	Weights      types.Weights `mapstructure:"weights"`
	TimeLimit    time.Duration `mapstructure:"time_limit"`
	GapTolerance float64       `mapstructure:"gap_tolerance"` // 0 表示必须证明最优
	Horizon      int           `mapstructure:"horizon"`       // 0 表示不限
}

// EnvironmentConfig 仿真环境参数
type EnvironmentConfig struct {
	TimeStep             int     `mapstructure:"time_step"` // 分钟
	Horizon              int     `mapstructure:"horizon"`   // 分钟
	MaxOperations        int     `mapstructure:"max_operations"`
	MaxMachines          int     `mapstructure:"max_machines"`
	DisruptionProb       float64 `mapstructure:"disruption_probability"`
	BreakdownMin         int     `mapstructure:"breakdown_min"`
	BreakdownMax         int     `mapstructure:"breakdown_max"`
	DelayMax             int     `mapstructure:"delay_max"`
	InvalidActionPenalty float64 `mapstructure:"invalid_action_penalty"`
	ActionDelta          int     `mapstructure:"action_delta"`
}

// RewardConfig 奖励计算参数
type RewardConfig struct {
	Strategy          string  `mapstructure:"strategy"` // sparse | dense | shaped | multi
	TardinessPerMin   float64 `mapstructure:"tardiness_per_minute"`
	LateJob           float64 `mapstructure:"late_job"`
	Completion        float64 `mapstructure:"completion"`
	OnTime            float64 `mapstructure:"on_time"`
	Utilization       float64 `mapstructure:"utilization"`
	ActionSuccess     float64 `mapstructure:"action_success"`
	DisruptionHandled float64 `mapstructure:"disruption_handled"`
	Gamma             float64 `mapstructure:"gamma"`           // 势函数整形折扣
	PotentialScale    float64 `mapstructure:"potential_scale"` // 势函数缩放
}

// AgentConfig 策略模型参数
type AgentConfig struct {
	Hidden              []int     `mapstructure:"hidden"`
	ConfidenceThreshold float64   `mapstructure:"confidence_threshold"`
	Seed                int64     `mapstructure:"seed"`
	PPO                 PPOConfig `mapstructure:"ppo"`
	SAC                 SACConfig `mapstructure:"sac"`
}

// PPOConfig on-policy 模型参数
type PPOConfig struct {
	RolloutLength int     `mapstructure:"rollout_length"`
	Epochs        int     `mapstructure:"epochs"`
	MiniBatch     int     `mapstructure:"minibatch"`
	Gamma         float64 `mapstructure:"gamma"`
	Lambda        float64 `mapstructure:"lambda"`
	ClipRange     float64 `mapstructure:"clip_range"`
	EntropyCoef   float64 `mapstructure:"entropy_coef"`
	ValueCoef     float64 `mapstructure:"value_coef"`
	LearningRate  float64 `mapstructure:"learning_rate"`
	MaxGradNorm   float64 `mapstructure:"max_grad_norm"`
}

// SACConfig off-policy 模型参数
type SACConfig struct {
	BufferSize         int     `mapstructure:"buffer_size"`
	BatchSize          int     `mapstructure:"batch_size"`
	WarmupSteps        int     `mapstructure:"warmup_steps"`
	GradientSteps      int     `mapstructure:"gradient_steps"`
	UpdateEvery        int     `mapstructure:"update_every"`
	Gamma              float64 `mapstructure:"gamma"`
	Tau                float64 `mapstructure:"tau"`
	Alpha              float64 `mapstructure:"alpha"`
	AutoAlpha          bool    `mapstructure:"auto_alpha"`
	TargetEntropyScale float64 `mapstructure:"target_entropy_scale"`
	LearningRate       float64 `mapstructure:"learning_rate"`
}

// TrainingConfig 训练流水线参数
type TrainingConfig struct {
	Episodes          int    `mapstructure:"episodes"`
	EvalEvery         int    `mapstructure:"eval_every"`
	EvalEpisodes      int    `mapstructure:"eval_episodes"`
	MaxFailedEpisodes int    `mapstructure:"max_failed_episodes"`
	ArtifactDir       string `mapstructure:"artifact_dir"`
}

// GraphConfig 图构建与编码参数
type GraphConfig struct {
	TemporalWindow int      `mapstructure:"temporal_window"` // 分钟
	EmbeddingDim   int      `mapstructure:"embedding_dim"`
	Layers         []string `mapstructure:"layers"` // gat | gcn
	Heads          int      `mapstructure:"heads"`
	Pooling        string   `mapstructure:"pooling"` // mean | max | attention
	Seed           int64    `mapstructure:"seed"`
}

// PredictConfig 预测器参数
type PredictConfig struct {
	BottleneckThreshold float64 `mapstructure:"bottleneck_threshold"`
	DelayThreshold      float64 `mapstructure:"delay_threshold"`
	IntervalZ           float64 `mapstructure:"interval_z"`
	LearningRate        float64 `mapstructure:"learning_rate"`
}

// RuleConfig 一条推荐规则，Condition 与 Impact 为 expr 表达式
type RuleConfig struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"`
	Priority  string `mapstructure:"priority"`
	Scope     string `mapstructure:"scope"` // machine | operation
	Condition string `mapstructure:"condition"`
	Impact    string `mapstructure:"impact"`
	Message   string `mapstructure:"message"`
}

// RecommendConfig 推荐引擎参数
type RecommendConfig struct {
	MaxRecommendations int                `mapstructure:"max_recommendations"`
	UtilizationHigh    float64            `mapstructure:"utilization_high"`
	UtilizationLow     float64            `mapstructure:"utilization_low"`
	BottleneckMin      float64            `mapstructure:"bottleneck_min"`
	ConfidenceMin      float64            `mapstructure:"confidence_min"`
	DelayMin           float64            `mapstructure:"delay_min"`
	Rules              []RuleConfig       `mapstructure:"rules"`
	Extra              map[string]float64 `mapstructure:"extra"`
}

// OrchestratorConfig 混合编排器参数
type OrchestratorConfig struct {
	AutoApply           bool    `mapstructure:"auto_apply"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	Analyze             bool    `mapstructure:"analyze"`
	AgentType           string  `mapstructure:"agent_type"`
	Alternatives        int     `mapstructure:"alternatives"`
	MaxWorkers          int     `mapstructure:"max_workers"` // 扰动分发器的全局并发数
	WALPath             string  `mapstructure:"wal_path"`
}

// RegistryConfig 模型注册中心参数
type RegistryConfig struct {
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// EvaluationConfig 评估参数
type EvaluationConfig struct {
	Runs        int `mapstructure:"runs"`
	Parallelism int `mapstructure:"parallelism"`
}

// MonitoringConfig 监控参数
type MonitoringConfig struct {
	Window int `mapstructure:"window"`
}

// ServerConfig HTTP 服务参数
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	ProblemPath string `mapstructure:"problem_path"`
	SnowflakeID int64  `mapstructure:"snowflake_node"`
}

// setDefaults 为所有配置项设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("solver.weights.makespan", 1.0)
	v.SetDefault("solver.weights.tardiness", 10.0)
	v.SetDefault("solver.time_limit", "10s")
	v.SetDefault("solver.gap_tolerance", 0.0)
	v.SetDefault("solver.horizon", 0)

	v.SetDefault("environment.time_step", 15)
	v.SetDefault("environment.horizon", 24*60)
	v.SetDefault("environment.max_operations", 50)
	v.SetDefault("environment.max_machines", 10)
	v.SetDefault("environment.disruption_probability", 0.05)
	v.SetDefault("environment.breakdown_min", 30)
	v.SetDefault("environment.breakdown_max", 120)
	v.SetDefault("environment.delay_max", 45)
	v.SetDefault("environment.invalid_action_penalty", -1.0)
	v.SetDefault("environment.action_delta", 15)

	v.SetDefault("reward.strategy", "dense")
	v.SetDefault("reward.tardiness_per_minute", -1.0)
	v.SetDefault("reward.late_job", -10.0)
	v.SetDefault("reward.completion", 5.0)
	v.SetDefault("reward.on_time", 10.0)
	v.SetDefault("reward.utilization", 1.0)
	v.SetDefault("reward.action_success", 0.5)
	v.SetDefault("reward.disruption_handled", 2.0)
	v.SetDefault("reward.gamma", 0.99)
	v.SetDefault("reward.potential_scale", 1.0)

	v.SetDefault("agent.hidden", []int{64, 64})
	v.SetDefault("agent.confidence_threshold", 0.6)
	v.SetDefault("agent.seed", 42)
	v.SetDefault("agent.ppo.rollout_length", 256)
	v.SetDefault("agent.ppo.epochs", 4)
	v.SetDefault("agent.ppo.minibatch", 64)
	v.SetDefault("agent.ppo.gamma", 0.99)
	v.SetDefault("agent.ppo.lambda", 0.95)
	v.SetDefault("agent.ppo.clip_range", 0.2)
	v.SetDefault("agent.ppo.entropy_coef", 0.01)
	v.SetDefault("agent.ppo.value_coef", 0.5)
	v.SetDefault("agent.ppo.learning_rate", 3e-4)
	v.SetDefault("agent.ppo.max_grad_norm", 0.5)
	v.SetDefault("agent.sac.buffer_size", 50000)
	v.SetDefault("agent.sac.batch_size", 64)
	v.SetDefault("agent.sac.warmup_steps", 256)
	v.SetDefault("agent.sac.gradient_steps", 1)
	v.SetDefault("agent.sac.update_every", 1)
	v.SetDefault("agent.sac.gamma", 0.99)
	v.SetDefault("agent.sac.tau", 0.005)
	v.SetDefault("agent.sac.alpha", 0.2)
	v.SetDefault("agent.sac.auto_alpha", true)
	v.SetDefault("agent.sac.target_entropy_scale", 0.5)
	v.SetDefault("agent.sac.learning_rate", 3e-4)

	v.SetDefault("training.episodes", 200)
	v.SetDefault("training.eval_every", 20)
	v.SetDefault("training.eval_episodes", 3)
	v.SetDefault("training.max_failed_episodes", 5)
	v.SetDefault("training.artifact_dir", "artifacts")

	v.SetDefault("graph.temporal_window", 30)
	v.SetDefault("graph.embedding_dim", 32)
	v.SetDefault("graph.layers", []string{"gat", "gcn", "gat"})
	v.SetDefault("graph.heads", 2)
	v.SetDefault("graph.pooling", "attention")
	v.SetDefault("graph.seed", 7)

	v.SetDefault("predict.bottleneck_threshold", 0.7)
	v.SetDefault("predict.delay_threshold", 0.5)
	v.SetDefault("predict.interval_z", 1.96)
	v.SetDefault("predict.learning_rate", 1e-3)

	v.SetDefault("recommend.max_recommendations", 10)
	v.SetDefault("recommend.utilization_high", 0.85)
	v.SetDefault("recommend.utilization_low", 0.3)
	v.SetDefault("recommend.bottleneck_min", 0.7)
	v.SetDefault("recommend.confidence_min", 0.5)
	v.SetDefault("recommend.delay_min", 0.6)

	v.SetDefault("orchestrator.auto_apply", true)
	v.SetDefault("orchestrator.confidence_threshold", 0.6)
	v.SetDefault("orchestrator.analyze", true)
	v.SetDefault("orchestrator.agent_type", string(types.AgentPPO))
	v.SetDefault("orchestrator.alternatives", 3)
	v.SetDefault("orchestrator.max_workers", 4)
	v.SetDefault("orchestrator.wal_path", "disruptions.wal")

	v.SetDefault("registry.artifact_dir", "artifacts")

	v.SetDefault("evaluation.runs", 5)
	v.SetDefault("evaluation.parallelism", 4)

	v.SetDefault("monitoring.window", 200)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.problem_path", "problem.yaml")
	v.SetDefault("server.snowflake_node", 1)
}

// Default 返回只包含默认值的配置，便于测试和嵌入式调用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// 默认值是代码常量，解析失败属于编程错误
		panic(fmt.Sprintf("解析默认配置失败: %v", err))
	}
	return &cfg
}

// LoadConfig 从配置文件加载配置
// path 为空时在当前目录查找 config.yaml；文件不存在时使用默认值，
// 环境变量 JSSP_<SECTION>_<KEY> 可覆盖任意配置项
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("JSSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置之间的基本一致性
func (c *Config) Validate() error {
	if c.Environment.TimeStep <= 0 {
		return fmt.Errorf("config: environment.time_step must be positive")
	}
	if c.Environment.Horizon < c.Environment.TimeStep {
		return fmt.Errorf("config: environment.horizon must be at least one time step")
	}
	if c.Environment.MaxOperations <= 0 || c.Environment.MaxMachines <= 0 {
		return fmt.Errorf("config: environment max_operations and max_machines must be positive")
	}
	if p := c.Environment.DisruptionProb; p < 0 || p > 1 {
		return fmt.Errorf("config: environment.disruption_probability must be in [0,1]")
	}
	if c.Solver.TimeLimit <= 0 {
		return fmt.Errorf("config: solver.time_limit must be positive")
	}
	switch c.Graph.Pooling {
	case "mean", "max", "attention":
	default:
		return fmt.Errorf("config: unknown graph.pooling %q", c.Graph.Pooling)
	}
	return nil
}
