package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam 优化器，为每个网络保存一阶和二阶矩
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m, v [][]float64
	t    int
}

// NewAdam 使用常用的默认超参数创建优化器
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Step 用网络当前累加的梯度更新参数（梯度方向为损失上升方向）
func (a *Adam) Step(net *MLP) {
	ps, gs := net.params(), net.grads()
	if a.m == nil {
		for _, p := range ps {
			a.m = append(a.m, make([]float64, len(p)))
			a.v = append(a.v, make([]float64, len(p)))
		}
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i := range ps {
		p, g, m, v := ps[i], gs[i], a.m[i], a.v[i]
		for k := range p {
			m[k] = a.Beta1*m[k] + (1-a.Beta1)*g[k]
			v[k] = a.Beta2*v[k] + (1-a.Beta2)*g[k]*g[k]
			p[k] -= a.LR * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.Eps)
		}
	}
}

// Softmax 计算数值稳定的 softmax；mask 非空时被屏蔽的位置概率为 0
func Softmax(logits []float64, mask []bool) []float64 {
	out := make([]float64, len(logits))
	hi := math.Inf(-1)
	for i, z := range logits {
		if mask != nil && !mask[i] {
			continue
		}
		hi = math.Max(hi, z)
	}
	if math.IsInf(hi, -1) {
		// 全部被屏蔽时退化为均匀分布
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	for i, z := range logits {
		if mask != nil && !mask[i] {
			continue
		}
		out[i] = math.Exp(z - hi)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Entropy 返回分布的熵（自然对数）
func Entropy(p []float64) float64 {
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

// Argmax 返回最大值下标，相同时取最小下标
func Argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// Sample 按概率分布采样
func Sample(p []float64, u float64) int {
	acc := 0.0
	last := 0
	for i, v := range p {
		if v <= 0 {
			continue
		}
		acc += v
		last = i
		if u < acc {
			return i
		}
	}
	return last
}
