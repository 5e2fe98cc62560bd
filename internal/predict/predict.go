package predict

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/graph"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/nn"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Status 预测结果状态
type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
)

// 无法取得的特征名称
const (
	FeatureMachine    = "machine"
	FeatureDuration   = "duration"
	FeaturePlannedEnd = "planned_end"
)

// Bottleneck 单台机台的瓶颈预测
type Bottleneck struct {
	MachineID   string  `json:"machine_id"`
	Probability float64 `json:"probability"`
	Bottleneck  bool    `json:"bottleneck"`
	Utilization float64 `json:"utilization"`
	Down        bool    `json:"down"`
}

// BottleneckResult 瓶颈预测结果
type BottleneckResult struct {
	Status    Status       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Threshold float64      `json:"threshold"`
	Machines  []Bottleneck `json:"machines,omitempty"`
}

// DurationPrediction 单道工序的实际工时预测
// Unavailable 非空时 Predicted/Lower/Upper 不可信，调用方应忽略
type DurationPrediction struct {
	OperationID string   `json:"operation_id"`
	MachineID   string   `json:"machine_id,omitempty"`
	Expected    int      `json:"expected"`
	Predicted   float64  `json:"predicted"`
	Lower       float64  `json:"lower"`
	Upper       float64  `json:"upper"`
	Unavailable []string `json:"unavailable,omitempty"`
}

// DurationResult 工时预测结果
type DurationResult struct {
	Status     Status               `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Operations []DurationPrediction `json:"operations,omitempty"`
}

// DelayPrediction 单道工序的延误预测
type DelayPrediction struct {
	OperationID string   `json:"operation_id"`
	JobID       string   `json:"job_id"`
	Probability float64  `json:"probability"`
	Delayed     bool     `json:"delayed"`
	Downstream  int      `json:"downstream"`   // 受其影响的后续工序数
	CascadeRisk float64  `json:"cascade_risk"` // 延误概率 × 下游影响比例
	Unavailable []string `json:"unavailable,omitempty"`
}

// DelayResult 延误预测结果
type DelayResult struct {
	Status     Status            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Threshold  float64           `json:"threshold"`
	Operations []DelayPrediction `json:"operations,omitempty"`
}

// Analysis 三类预测的汇总，供推荐引擎和编排器使用
type Analysis struct {
	Bottlenecks BottleneckResult `json:"bottlenecks"`
	Durations   DurationResult   `json:"durations"`
	Delays      DelayResult      `json:"delays"`
}

const (
	bottleneckPriors = 3
	durationPriors   = 3
	delayPriors      = 3
	headHidden       = 16
)

// Service 在图嵌入之上运行三个预测头
// 每个头输出对解析先验的残差，输出层零初始化，未训练时结果等于先验
type Service struct {
	mu         sync.RWMutex
	cfg        config.PredictConfig
	opts       graph.Options
	encoder    *graph.Encoder
	bottleneck *nn.MLP
	duration   *nn.MLP
	delay      *nn.MLP
	optB       *nn.Adam
	optDu      *nn.Adam
	optDe      *nn.Adam
	logger     *slog.Logger
}

// New 创建预测服务
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	enc, err := graph.NewEncoder(cfg.Graph)
	if err != nil {
		return nil, err
	}
	pc := cfg.Predict
	if pc.BottleneckThreshold <= 0 {
		pc.BottleneckThreshold = 0.7
	}
	if pc.DelayThreshold <= 0 {
		pc.DelayThreshold = 0.5
	}
	if pc.IntervalZ <= 0 {
		pc.IntervalZ = 1.96
	}
	if pc.LearningRate <= 0 {
		pc.LearningRate = 1e-3
	}
	rng := rand.New(rand.NewPCG(uint64(cfg.Graph.Seed), 17))
	in := 2 * enc.Dim()
	return &Service{
		cfg:        pc,
		opts:       graph.Options{TemporalWindow: cfg.Graph.TemporalWindow},
		encoder:    enc,
		bottleneck: nn.NewMLP([]int{in + bottleneckPriors, headHidden, 1}, nn.Tanh, rng, true),
		duration:   nn.NewMLP([]int{in + durationPriors, headHidden, 1}, nn.Tanh, rng, true),
		delay:      nn.NewMLP([]int{in + delayPriors, headHidden, 1}, nn.Tanh, rng, true),
		optB:       nn.NewAdam(pc.LearningRate),
		optDu:      nn.NewAdam(pc.LearningRate),
		optDe:      nn.NewAdam(pc.LearningRate),
		logger:     logger.With("component", "predict"),
	}, nil
}

// input 一次预测共享的图、嵌入和统计量
type input struct {
	g        *graph.Graph
	emb      *graph.Embedding
	machines map[string]*types.Machine
	span     float64
	load     map[string]int
	maxLoad  int
	planned  bool
}

func (s *Service) prepare(sched *types.Schedule, machines []*types.Machine) (*input, error) {
	g, err := graph.Build(sched, machines, s.opts)
	if err != nil {
		return nil, err
	}
	emb, err := s.encoder.Encode(g)
	if err != nil {
		return nil, err
	}
	in := &input{
		g: g, emb: emb,
		machines: make(map[string]*types.Machine, len(machines)),
		load:     make(map[string]int, len(machines)),
		span:     float64(max(sched.Makespan(), 1)),
	}
	for _, m := range machines {
		in.machines[m.ID] = m
	}
	for _, op := range sched.Operations() {
		if _, ok := in.machines[op.MachineID]; ok && op.Duration > 0 {
			in.load[op.MachineID] += op.Duration
			in.planned = true
		}
	}
	for _, l := range in.load {
		in.maxLoad = max(in.maxLoad, l)
	}
	return in, nil
}

func (in *input) utilization(m *types.Machine) float64 {
	return math.Min(1, float64(in.load[m.ID])/(in.span*float64(m.Slots())))
}

// features 拼接节点嵌入、整图嵌入和先验特征
func (in *input) features(kind graph.NodeType, key string, priors ...float64) []float64 {
	id, _ := in.g.Lookup(kind, key)
	x := make([]float64, 0, 2*len(in.emb.Graph)+len(priors))
	x = append(x, in.emb.Node(id)...)
	x = append(x, in.emb.Graph...)
	return append(x, priors...)
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func insufficient(err error) string {
	if errors.Is(err, graph.ErrInsufficientData) {
		return "empty schedule or machine list"
	}
	return err.Error()
}

// bottleneckPrior 返回先验 logit 和头部输入
func (in *input) bottleneckPrior(m *types.Machine) (float64, []float64) {
	u := in.utilization(m)
	down := 0.0
	if m.Status == types.MachineDown && in.load[m.ID] > 0 {
		down = 1
	}
	share := 0.0
	if in.maxLoad > 0 {
		share = float64(in.load[m.ID]) / float64(in.maxLoad)
	}
	logit := 6*(u-0.7) + 3*down
	return logit, in.features(graph.NodeMachine, m.ID, u, down, share)
}

// PredictBottlenecks 预测每台机台成为瓶颈的概率；threshold <= 0 时使用配置值
func (s *Service) PredictBottlenecks(sched *types.Schedule, machines []*types.Machine, threshold float64) BottleneckResult {
	if threshold <= 0 {
		threshold = s.cfg.BottleneckThreshold
	}
	res := BottleneckResult{Status: StatusOK, Threshold: threshold}
	in, err := s.prepare(sched, machines)
	if err != nil {
		res.Status, res.Reason = StatusInsufficientData, insufficient(err)
		return res
	}
	if !in.planned {
		res.Status, res.Reason = StatusInsufficientData, "no operation is assigned to a known machine"
		return res
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range machines {
		prior, x := in.bottleneckPrior(m)
		p := sigmoid(prior + s.bottleneck.Forward(x)[0])
		res.Machines = append(res.Machines, Bottleneck{
			MachineID:   m.ID,
			Probability: p,
			Bottleneck:  p >= threshold,
			Utilization: in.utilization(m),
			Down:        m.Status == types.MachineDown,
		})
	}
	return res
}

// durationPrior 返回先验的实际/计划工时比、区间宽度比例和头部输入
// 工序未分配到已知机台时第一个返回值为 false
func (in *input) durationPrior(op *types.Operation) (bool, float64, float64, []float64) {
	m, ok := in.machines[op.MachineID]
	if !ok || op.Duration <= 0 {
		return false, 0, 0, nil
	}
	u := in.utilization(m)
	ratio := 1 + 0.2*u
	return true, ratio, 0.1 + 0.1*u, in.features(graph.NodeOperation, op.ID, u, float64(op.Duration)/in.span, math.Min(1, float64(m.Slots())/4))
}

// PredictDurations 预测每道工序的实际工时及置信区间
func (s *Service) PredictDurations(sched *types.Schedule, machines []*types.Machine) DurationResult {
	res := DurationResult{Status: StatusOK}
	in, err := s.prepare(sched, machines)
	if err != nil {
		res.Status, res.Reason = StatusInsufficientData, insufficient(err)
		return res
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range sched.Operations() {
		p := DurationPrediction{OperationID: op.ID, MachineID: op.MachineID, Expected: op.Duration}
		if op.Duration <= 0 {
			p.Unavailable = append(p.Unavailable, FeatureDuration)
		}
		if _, ok := in.machines[op.MachineID]; !ok {
			p.Unavailable = append(p.Unavailable, FeatureMachine)
		}
		if ok, ratio, width, x := in.durationPrior(op); ok {
			ratio = math.Max(0.1, ratio+s.duration.Forward(x)[0])
			p.Predicted = float64(op.Duration) * ratio
			sigma := float64(op.Duration) * width
			p.Lower = math.Max(0, p.Predicted-s.cfg.IntervalZ*sigma)
			p.Upper = p.Predicted + s.cfg.IntervalZ*sigma
		}
		res.Operations = append(res.Operations, p)
	}
	return res
}

// downstream 统计工序延误会波及的后续工序：同工单的后序工序和同机台上更晚开工的工序
func downstream(s *types.Schedule, j *types.Job, op *types.Operation) int {
	seen := map[string]bool{}
	for _, next := range j.Operations[op.Index+1:] {
		seen[next.ID] = true
	}
	if op.Assigned() {
		for _, other := range s.OperationsOn(op.MachineID) {
			if other.ID != op.ID && other.Start >= op.End {
				seen[other.ID] = true
			}
		}
	}
	return len(seen)
}

// delayPrior 用工单剩余松弛时间估计延误 logit
func (in *input) delayPrior(j *types.Job, op *types.Operation, down int, total int) (bool, float64, []float64) {
	if !op.Assigned() {
		return false, 0, nil
	}
	remaining := 0
	for _, next := range j.Operations[op.Index+1:] {
		remaining += next.Duration
	}
	slack := float64(j.Due - op.End - remaining)
	scale := math.Max(30, float64(op.Duration))
	late := 0.0
	if j.Tardiness() > 0 {
		late = 1
	}
	spread := float64(down) / float64(max(total-1, 1))
	return true, -slack / scale, in.features(graph.NodeOperation, op.ID, math.Tanh(slack/in.span), spread, late)
}

// PredictDelays 预测每道未完工工序的延误概率和级联风险；threshold <= 0 时使用配置值
func (s *Service) PredictDelays(sched *types.Schedule, machines []*types.Machine, threshold float64) DelayResult {
	if threshold <= 0 {
		threshold = s.cfg.DelayThreshold
	}
	res := DelayResult{Status: StatusOK, Threshold: threshold}
	in, err := s.prepare(sched, machines)
	if err != nil {
		res.Status, res.Reason = StatusInsufficientData, insufficient(err)
		return res
	}
	total := len(sched.Operations())
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range sched.Jobs {
		for _, op := range j.Operations {
			if op.Status == types.OpDone {
				continue
			}
			down := downstream(sched, j, op)
			p := DelayPrediction{OperationID: op.ID, JobID: j.ID, Downstream: down}
			ok, prior, x := in.delayPrior(j, op, down, total)
			if !ok {
				p.Unavailable = []string{FeaturePlannedEnd}
				res.Operations = append(res.Operations, p)
				continue
			}
			p.Probability = sigmoid(prior + s.delay.Forward(x)[0])
			p.Delayed = p.Probability >= threshold
			p.CascadeRisk = p.Probability * float64(down) / float64(max(total-1, 1))
			res.Operations = append(res.Operations, p)
		}
	}
	return res
}

// Analyze 一次运行三类预测
func (s *Service) Analyze(sched *types.Schedule, machines []*types.Machine) Analysis {
	return Analysis{
		Bottlenecks: s.PredictBottlenecks(sched, machines, 0),
		Durations:   s.PredictDurations(sched, machines),
		Delays:      s.PredictDelays(sched, machines, 0),
	}
}
