package nn

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

// 数值梯度与反向传播结果一致
func TestBackwardMatchesNumericGradient(t *testing.T) {
	for _, act := range []Activation{Tanh, ReLU} {
		net := NewMLP([]int{3, 5, 2}, act, rng(), false)
		x := []float64{0.3, -0.7, 0.9}
		w := []float64{1.5, -0.5} // 损失 = w·y
		loss := func() float64 {
			y := net.Forward(x)
			return w[0]*y[0] + w[1]*y[1]
		}

		net.ZeroGrad()
		_, tr := net.ForwardTrace(x)
		net.Backward(tr, w)

		const h = 1e-6
		for li, l := range net.Layers {
			for k := range l.W {
				orig := l.W[k]
				l.W[k] = orig + h
				up := loss()
				l.W[k] = orig - h
				down := loss()
				l.W[k] = orig
				assert.InDelta(t, (up-down)/(2*h), l.gW[k], 1e-5, "%s layer %d weight %d", act, li, k)
			}
		}
	}
}

func TestZeroOutputStartsAtZero(t *testing.T) {
	net := NewMLP([]int{4, 8, 3}, Tanh, rng(), true)
	for _, v := range net.Forward([]float64{1, 2, 3, 4}) {
		assert.Zero(t, v)
	}
}

func TestAdamFitsLinearTarget(t *testing.T) {
	net := NewMLP([]int{2, 16, 1}, Tanh, rng(), false)
	opt := NewAdam(0.01)
	r := rng()
	mse := func() float64 {
		sum := 0.0
		for i := 0; i < 50; i++ {
			a, b := float64(i%10)/10, float64(i/10)/5
			d := net.Forward([]float64{a, b})[0] - (0.5*a - 0.3*b)
			sum += d * d
		}
		return sum / 50
	}
	before := mse()
	for step := 0; step < 500; step++ {
		net.ZeroGrad()
		for k := 0; k < 16; k++ {
			a, b := r.Float64(), r.Float64()
			y, tr := net.ForwardTrace([]float64{a, b})
			net.Backward(tr, []float64{2 * (y[0] - (0.5*a - 0.3*b))})
		}
		net.ScaleGrad(1.0 / 16)
		opt.Step(net)
	}
	assert.Less(t, mse(), before/10)
}

func TestSoftUpdateMovesTowardSource(t *testing.T) {
	src := NewMLP([]int{2, 2}, Tanh, rng(), false)
	dst := NewMLP([]int{2, 2}, Tanh, rand.New(rand.NewPCG(9, 9)), false)
	before := dst.Layers[0].W[0]
	dst.SoftUpdate(src, 0.25)
	assert.InDelta(t, 0.75*before+0.25*src.Layers[0].W[0], dst.Layers[0].W[0], 1e-12)

	dst.SoftUpdate(src, 1)
	assert.Equal(t, src.Layers[0].W, dst.Layers[0].W)
}

func TestJSONRestoresNetwork(t *testing.T) {
	net := NewMLP([]int{3, 4, 2}, ReLU, rng(), false)
	data, err := json.Marshal(net)
	require.NoError(t, err)

	var back MLP
	require.NoError(t, json.Unmarshal(data, &back))
	x := []float64{0.1, 0.2, 0.3}
	assert.Equal(t, net.Forward(x), back.Forward(x))

	assert.Error(t, json.Unmarshal([]byte(`{"sizes":[3,4,2],"activation":"tanh","params":[[1]]}`), &back))
}

func TestSoftmaxRespectsMask(t *testing.T) {
	p := Softmax([]float64{1, 5, 2}, []bool{true, false, true})
	assert.Zero(t, p[1])
	assert.InDelta(t, 1, p[0]+p[2], 1e-12)
	assert.Greater(t, p[2], p[0])

	u := Softmax([]float64{1, 2}, []bool{false, false})
	assert.InDelta(t, 0.5, u[0], 1e-12)
	assert.InDelta(t, math.Log(2), Entropy(u), 1e-12)
	assert.Equal(t, 1, Sample([]float64{0, 0.4, 0.6}, 0.3))
	assert.Equal(t, 2, Argmax([]float64{0.1, 0.2, 0.7}))
}
