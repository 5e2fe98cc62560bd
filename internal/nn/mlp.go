package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Activation 隐藏层激活函数
type Activation string

const (
	Tanh Activation = "tanh"
	ReLU Activation = "relu"
)

func (a Activation) apply(z float64) float64 {
	if a == ReLU {
		return math.Max(0, z)
	}
	return math.Tanh(z)
}

// derivative 以激活前的值 z 和激活后的值 y 计算导数
func (a Activation) derivative(z, y float64) float64 {
	if a == ReLU {
		if z > 0 {
			return 1
		}
		return 0
	}
	return 1 - y*y
}

// Dense 全连接层，权重按行优先存储 (Out × In)
type Dense struct {
	In, Out int
	W, B    []float64
	gW, gB  []float64
}

func newDense(in, out int, rng *rand.Rand, zero bool) *Dense {
	d := &Dense{
		In: in, Out: out,
		W: make([]float64, in*out), B: make([]float64, out),
		gW: make([]float64, in*out), gB: make([]float64, out),
	}
	if !zero {
		// Xavier 均匀初始化
		limit := math.Sqrt(6 / float64(in+out))
		for i := range d.W {
			d.W[i] = (rng.Float64()*2 - 1) * limit
		}
	}
	return d
}

func (d *Dense) forward(x []float64) []float64 {
	z := make([]float64, d.Out)
	for o := 0; o < d.Out; o++ {
		z[o] = floats.Dot(d.W[o*d.In:(o+1)*d.In], x) + d.B[o]
	}
	return z
}

// MLP 多层感知机，最后一层为线性输出
type MLP struct {
	Sizes  []int
	Act    Activation
	Layers []*Dense
}

// Trace 保存一次前向计算的中间结果，供反向传播使用
type Trace struct {
	inputs [][]float64 // 每层输入
	pre    [][]float64 // 每层激活前输出
	post   [][]float64 // 每层激活后输出
}

// NewMLP 创建网络；zeroOutput 为 true 时输出层初始化为 0，网络初始输出恒为 0
func NewMLP(sizes []int, act Activation, rng *rand.Rand, zeroOutput bool) *MLP {
	if len(sizes) < 2 {
		panic("nn: an MLP needs at least input and output sizes")
	}
	m := &MLP{Sizes: append([]int(nil), sizes...), Act: act}
	for i := 0; i+1 < len(sizes); i++ {
		last := i+2 == len(sizes)
		m.Layers = append(m.Layers, newDense(sizes[i], sizes[i+1], rng, last && zeroOutput))
	}
	return m
}

// Forward 前向计算
func (m *MLP) Forward(x []float64) []float64 {
	out, _ := m.ForwardTrace(x)
	return out
}

// ForwardTrace 前向计算并保留中间结果
func (m *MLP) ForwardTrace(x []float64) ([]float64, *Trace) {
	t := &Trace{}
	h := x
	for i, l := range m.Layers {
		t.inputs = append(t.inputs, h)
		z := l.forward(h)
		t.pre = append(t.pre, z)
		if i == len(m.Layers)-1 {
			t.post = append(t.post, z)
			h = z
			break
		}
		y := make([]float64, len(z))
		for k, v := range z {
			y[k] = m.Act.apply(v)
		}
		t.post = append(t.post, y)
		h = y
	}
	return h, t
}

// Backward 按输出梯度累加参数梯度，返回对输入的梯度
func (m *MLP) Backward(t *Trace, gradOut []float64) []float64 {
	g := append([]float64(nil), gradOut...)
	for i := len(m.Layers) - 1; i >= 0; i-- {
		l := m.Layers[i]
		if i != len(m.Layers)-1 {
			for k := range g {
				g[k] *= m.Act.derivative(t.pre[i][k], t.post[i][k])
			}
		}
		x := t.inputs[i]
		dx := make([]float64, l.In)
		for o := 0; o < l.Out; o++ {
			if g[o] == 0 {
				continue
			}
			floats.AddScaled(l.gW[o*l.In:(o+1)*l.In], g[o], x)
			floats.AddScaled(dx, g[o], l.W[o*l.In:(o+1)*l.In])
			l.gB[o] += g[o]
		}
		g = dx
	}
	return g
}

// ZeroGrad 清空累加的梯度
func (m *MLP) ZeroGrad() {
	for _, l := range m.Layers {
		clear(l.gW)
		clear(l.gB)
	}
}

// ScaleGrad 缩放梯度（用于按批次求平均）
func (m *MLP) ScaleGrad(s float64) {
	for _, l := range m.Layers {
		floats.Scale(s, l.gW)
		floats.Scale(s, l.gB)
	}
}

// GradNorm 返回全部梯度的 L2 范数
func (m *MLP) GradNorm() float64 {
	sum := 0.0
	for _, l := range m.Layers {
		sum += floats.Dot(l.gW, l.gW) + floats.Dot(l.gB, l.gB)
	}
	return math.Sqrt(sum)
}

// ClipGrad 把梯度范数裁剪到 maxNorm 以内，返回裁剪前的范数
func (m *MLP) ClipGrad(maxNorm float64) float64 {
	n := m.GradNorm()
	if maxNorm > 0 && n > maxNorm {
		m.ScaleGrad(maxNorm / n)
	}
	return n
}

func (m *MLP) params() [][]float64 {
	var ps [][]float64
	for _, l := range m.Layers {
		ps = append(ps, l.W, l.B)
	}
	return ps
}

func (m *MLP) grads() [][]float64 {
	var gs [][]float64
	for _, l := range m.Layers {
		gs = append(gs, l.gW, l.gB)
	}
	return gs
}

// Clone 深拷贝网络参数（不含梯度）
func (m *MLP) Clone() *MLP {
	cp := &MLP{Sizes: append([]int(nil), m.Sizes...), Act: m.Act}
	for _, l := range m.Layers {
		cp.Layers = append(cp.Layers, &Dense{
			In: l.In, Out: l.Out,
			W: append([]float64(nil), l.W...), B: append([]float64(nil), l.B...),
			gW: make([]float64, len(l.gW)), gB: make([]float64, len(l.gB)),
		})
	}
	return cp
}

// SoftUpdate 目标网络软更新：θ' ← τθ + (1−τ)θ'
func (m *MLP) SoftUpdate(src *MLP, tau float64) {
	dst, from := m.params(), src.params()
	for i := range dst {
		floats.Scale(1-tau, dst[i])
		floats.AddScaled(dst[i], tau, from[i])
	}
}

// Finite 判断全部参数是否为有限值
func (m *MLP) Finite() bool {
	for _, p := range m.params() {
		for _, v := range p {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

type mlpState struct {
	Sizes  []int       `json:"sizes"`
	Act    Activation  `json:"activation"`
	Params [][]float64 `json:"params"`
}

// MarshalJSON 序列化网络结构和参数
func (m *MLP) MarshalJSON() ([]byte, error) {
	return json.Marshal(mlpState{Sizes: m.Sizes, Act: m.Act, Params: m.params()})
}

// UnmarshalJSON 从序列化数据恢复网络
func (m *MLP) UnmarshalJSON(data []byte) error {
	var st mlpState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Sizes) < 2 {
		return fmt.Errorf("nn: invalid network sizes %v", st.Sizes)
	}
	restored := NewMLP(st.Sizes, st.Act, rand.New(rand.NewPCG(0, 0)), true)
	ps := restored.params()
	if len(ps) != len(st.Params) {
		return fmt.Errorf("nn: expected %d parameter blocks, got %d", len(ps), len(st.Params))
	}
	for i := range ps {
		if len(ps[i]) != len(st.Params[i]) {
			return fmt.Errorf("nn: parameter block %d has %d values, want %d", i, len(st.Params[i]), len(ps[i]))
		}
		copy(ps[i], st.Params[i])
	}
	*m = *restored
	return nil
}
