package reward

import (
	"fmt"
	"strings"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
)

// StepData 是一个仿真步结束时交给奖励计算器的数据
type StepData struct {
	TardyMinutes       float64 // 本步内已逾期未完成工单累计的拖期分钟数
	NewLateJobs        int     // 本步内越过交期仍未完成的工单数
	CompletedJobs      int     // 本步内完成的工单数
	OnTimeJobs         int     // 本步内按期完成的工单数
	Utilization        float64 // 本步机台平均利用率 [0,1]
	ActionSucceeded    bool    // 非 no_op 动作被成功应用
	ActionRejected     bool
	DisruptionsHandled int     // 本步内被吸收（排程仍可行）的扰动数
	ProjectedTardiness float64 // 当前排程的预计总拖期，用于势函数
	Done               bool

	// 回合累计值，稀疏策略在回合结束时使用
	TotalTardiness float64
	TotalLate      int
	TotalCompleted int
	TotalOnTime    int
}

// Components 是奖励的各个分量，multi 策略原样返回，dense 策略求和
type Components struct {
	Tardiness  float64 `json:"tardiness"`
	LateJobs   float64 `json:"late_jobs"`
	Completion float64 `json:"completion"`
	OnTime     float64 `json:"on_time"`
	Util       float64 `json:"utilization"`
	Action     float64 `json:"action"`
	Disruption float64 `json:"disruption"`
	Shaping    float64 `json:"shaping"`
}

// Sum 返回各分量之和
func (c Components) Sum() float64 {
	return c.Tardiness + c.LateJobs + c.Completion + c.OnTime + c.Util + c.Action + c.Disruption + c.Shaping
}

// Slice 以固定顺序返回分量，便于下游加权
func (c Components) Slice() []float64 {
	return []float64{c.Tardiness, c.LateJobs, c.Completion, c.OnTime, c.Util, c.Action, c.Disruption, c.Shaping}
}

// Calculator 奖励计算策略
type Calculator interface {
	Name() string
	// Reward 返回本步的标量奖励
	Reward(d StepData) float64
	// Breakdown 返回本步奖励的分量
	Breakdown(d StepData) Components
	// Reset 在回合开始时调用，initial 描述初始状态
	Reset(initial StepData)
}

// 策略名称
const (
	StrategySparse = "sparse"
	StrategyDense  = "dense"
	StrategyShaped = "shaped"
	StrategyMulti  = "multi"
)

// Strategies 列出全部策略
var Strategies = []string{StrategySparse, StrategyDense, StrategyShaped, StrategyMulti}

// New 按名称创建奖励策略
func New(name string, cfg config.RewardConfig) (Calculator, error) {
	switch strings.ToLower(name) {
	case StrategySparse:
		return &Sparse{cfg: cfg}, nil
	case StrategyDense, "":
		return &Dense{cfg: cfg}, nil
	case StrategyShaped:
		return NewShaped(cfg), nil
	case StrategyMulti, "multi_objective":
		return &MultiObjective{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown reward strategy %q", name)
	}
}

// components 按配置权重计算每步分量
func components(cfg config.RewardConfig, d StepData) Components {
	c := Components{
		Tardiness:  cfg.TardinessPerMin * d.TardyMinutes,
		LateJobs:   cfg.LateJob * float64(d.NewLateJobs),
		Completion: cfg.Completion * float64(d.CompletedJobs),
		OnTime:     cfg.OnTime * float64(d.OnTimeJobs),
		Util:       cfg.Utilization * d.Utilization,
		Disruption: cfg.DisruptionHandled * float64(d.DisruptionsHandled),
	}
	if d.ActionSucceeded {
		c.Action = cfg.ActionSuccess
	}
	return c
}

// Dense 每步按加权分量给出奖励
type Dense struct {
	cfg config.RewardConfig
}

func (r *Dense) Name() string { return StrategyDense }
func (r *Dense) Reset(StepData) {}
func (r *Dense) Breakdown(d StepData) Components { return components(r.cfg, d) }
func (r *Dense) Reward(d StepData) float64 { return r.Breakdown(d).Sum() }

// Sparse 中间步奖励为 0，回合结束时给出整体目标
type Sparse struct {
	cfg config.RewardConfig
}

func (r *Sparse) Name() string { return StrategySparse }
func (r *Sparse) Reset(StepData) {}

func (r *Sparse) Breakdown(d StepData) Components {
	if !d.Done {
		return Components{}
	}
	return Components{
		Tardiness:  r.cfg.TardinessPerMin * d.TotalTardiness,
		LateJobs:   r.cfg.LateJob * float64(d.TotalLate),
		Completion: r.cfg.Completion * float64(d.TotalCompleted),
		OnTime:     r.cfg.OnTime * float64(d.TotalOnTime),
	}
}

func (r *Sparse) Reward(d StepData) float64 { return r.Breakdown(d).Sum() }

// Shaped 在 dense 基础上加入势函数整形项 γΦ(s') − Φ(s)
// Φ(s) = −预计总拖期 / scale，整形不改变最优策略
type Shaped struct {
	cfg    config.RewardConfig
	prev   float64
	primed bool
}

// NewShaped 创建势函数整形策略
func NewShaped(cfg config.RewardConfig) *Shaped {
	if cfg.Gamma <= 0 || cfg.Gamma > 1 {
		cfg.Gamma = 0.99
	}
	if cfg.PotentialScale <= 0 {
		cfg.PotentialScale = 1
	}
	return &Shaped{cfg: cfg}
}

func (r *Shaped) Name() string { return StrategyShaped }

func (r *Shaped) potential(d StepData) float64 {
	return -d.ProjectedTardiness / r.cfg.PotentialScale
}

// Reset 记录初始状态的势
func (r *Shaped) Reset(initial StepData) {
	r.prev = r.potential(initial)
	r.primed = true
}

// Breakdown 计算分量并推进保存的势，每步只能调用一次
func (r *Shaped) Breakdown(d StepData) Components {
	c := components(r.cfg, d)
	phi := r.potential(d)
	if d.Done {
		// 终止状态的势定义为 0
		phi = 0
	}
	if r.primed {
		c.Shaping = r.cfg.Gamma*phi - r.prev
	}
	r.prev, r.primed = phi, true
	return c
}

func (r *Shaped) Reward(d StepData) float64 { return r.Breakdown(d).Sum() }

// MultiObjective 保留各分量由下游自行加权，标量奖励为等权求和
type MultiObjective struct {
	cfg config.RewardConfig
}

func (r *MultiObjective) Name() string { return StrategyMulti }
func (r *MultiObjective) Reset(StepData) {}
func (r *MultiObjective) Breakdown(d StepData) Components { return components(r.cfg, d) }
func (r *MultiObjective) Reward(d StepData) float64 { return r.Breakdown(d).Sum() }

// Vector 返回未合并的分量向量
func (r *MultiObjective) Vector(d StepData) []float64 { return r.Breakdown(d).Slice() }
