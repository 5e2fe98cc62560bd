package predict

import (
	"fmt"
	"math"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/nn"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Sample 一条带观测结果的历史排程
// 三类标签都是可选的，缺失的标签不参与对应头部的训练
type Sample struct {
	Schedule    *types.Schedule
	Machines    []*types.Machine
	Bottlenecks map[string]bool // 机台 ID -> 是否成为瓶颈
	Durations   map[string]int  // 工序 ID -> 实际工时
	Delayed     map[string]bool // 工序 ID -> 是否延误
}

// FitReport 每轮训练后的平均损失
type FitReport struct {
	Samples        int       `json:"samples"`
	BottleneckLoss []float64 `json:"bottleneck_loss"`
	DurationLoss   []float64 `json:"duration_loss"`
	DelayLoss      []float64 `json:"delay_loss"`
}

type headBatch struct {
	net  *nn.MLP
	opt  *nn.Adam
	loss float64
	n    int
}

func (h *headBatch) add(x []float64, grad, loss float64) {
	_, tr := h.net.ForwardTrace(x)
	h.net.Backward(tr, []float64{grad})
	h.loss += loss
	h.n++
}

// step 按样本数平均梯度后更新参数，返回平均损失；没有样本时返回 NaN
func (h *headBatch) step() float64 {
	if h.n == 0 {
		return math.NaN()
	}
	h.net.ScaleGrad(1 / float64(h.n))
	h.net.ClipGrad(1)
	h.opt.Step(h.net)
	h.net.ZeroGrad()
	loss := h.loss / float64(h.n)
	h.loss, h.n = 0, 0
	return loss
}

func bce(p float64, y bool) float64 {
	p = math.Min(math.Max(p, 1e-7), 1-1e-7)
	if y {
		return -math.Log(p)
	}
	return -math.Log(1 - p)
}

func label(y bool) float64 {
	if y {
		return 1
	}
	return 0
}

// Fit 用历史样本训练三个残差头，每轮对全部样本做一次全批量更新
func (s *Service) Fit(samples []Sample, epochs int) (FitReport, error) {
	if len(samples) == 0 {
		return FitReport{}, fmt.Errorf("predict: no samples")
	}
	epochs = max(epochs, 1)

	inputs := make([]*input, len(samples))
	for i, smp := range samples {
		in, err := s.prepare(smp.Schedule, smp.Machines)
		if err != nil {
			return FitReport{}, fmt.Errorf("predict: sample %d: %w", i, err)
		}
		inputs[i] = in
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := &headBatch{net: s.bottleneck, opt: s.optB}
	du := &headBatch{net: s.duration, opt: s.optDu}
	de := &headBatch{net: s.delay, opt: s.optDe}
	report := FitReport{Samples: len(samples)}

	for ep := 0; ep < epochs; ep++ {
		for i, smp := range samples {
			in := inputs[i]
			for _, m := range smp.Machines {
				y, ok := smp.Bottlenecks[m.ID]
				if !ok {
					continue
				}
				prior, x := in.bottleneckPrior(m)
				p := sigmoid(prior + b.net.Forward(x)[0])
				b.add(x, p-label(y), bce(p, y))
			}
			for _, j := range smp.Schedule.Jobs {
				for _, op := range j.Operations {
					if actual, ok := smp.Durations[op.ID]; ok {
						if ok, ratio, _, x := in.durationPrior(op); ok {
							target := float64(actual) / float64(op.Duration)
							diff := ratio + du.net.Forward(x)[0] - target
							du.add(x, 2*diff, diff*diff)
						}
					}
					if y, ok := smp.Delayed[op.ID]; ok {
						total := len(smp.Schedule.Operations())
						if ok, prior, x := in.delayPrior(j, op, downstream(smp.Schedule, j, op), total); ok {
							p := sigmoid(prior + de.net.Forward(x)[0])
							de.add(x, p-label(y), bce(p, y))
						}
					}
				}
			}
		}
		report.BottleneckLoss = append(report.BottleneckLoss, b.step())
		report.DurationLoss = append(report.DurationLoss, du.step())
		report.DelayLoss = append(report.DelayLoss, de.step())
	}

	for _, net := range []*nn.MLP{s.bottleneck, s.duration, s.delay} {
		if !net.Finite() {
			return report, fmt.Errorf("predict: parameters diverged")
		}
	}
	s.logger.Info("预测模型训练完成", "samples", len(samples), "epochs", epochs,
		"bottleneck_loss", last(report.BottleneckLoss), "duration_loss", last(report.DurationLoss), "delay_loss", last(report.DelayLoss))
	return report, nil
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}
