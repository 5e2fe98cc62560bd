package graph

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
)

// 层类型
const (
	LayerGAT = "gat" // 多头注意力，按边类型加偏置
	LayerGCN = "gcn" // 关系卷积，每种边类型一组权重
)

// 池化方式
const (
	PoolMean      = "mean"
	PoolMax       = "max"
	PoolAttention = "attention"
)

// Embedding 编码结果，Nodes 按 NodeID 下标
type Embedding struct {
	Graph []float64   `json:"graph"`
	Nodes [][]float64 `json:"nodes"`
}

// Node 返回单个节点的向量
func (e *Embedding) Node(id NodeID) []float64 { return e.Nodes[id] }

type layer interface {
	forward(g *Graph, h []*mat.VecDense) []*mat.VecDense
}

// Encoder 由若干消息传递层和一个池化层组成，参数在创建时按种子确定
type Encoder struct {
	dim     int
	pooling string
	layers  []layer
	query   *mat.VecDense // attention 池化的查询向量
}

// NewEncoder 按配置创建编码器
func NewEncoder(cfg config.GraphConfig) (*Encoder, error) {
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = 32
	}
	heads := max(cfg.Heads, 1)
	kinds := cfg.Layers
	if len(kinds) == 0 {
		kinds = []string{LayerGAT, LayerGCN}
	}
	pooling := cfg.Pooling
	if pooling == "" {
		pooling = PoolMean
	}
	switch pooling {
	case PoolMean, PoolMax, PoolAttention:
	default:
		return nil, fmt.Errorf("graph: unknown pooling %q", pooling)
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15))
	e := &Encoder{dim: dim, pooling: pooling, query: randVec(dim, rng)}
	in := FeatureDim
	for _, k := range kinds {
		switch k {
		case LayerGAT:
			e.layers = append(e.layers, newGAT(in, dim, heads, rng))
		case LayerGCN:
			e.layers = append(e.layers, newRGCN(in, dim, rng))
		default:
			return nil, fmt.Errorf("graph: unknown layer %q", k)
		}
		in = dim
	}
	return e, nil
}

// Dim 返回嵌入维度
func (e *Encoder) Dim() int { return e.dim }

// Encode 计算节点嵌入和整图嵌入；Encoder 只读，可并发调用
func (e *Encoder) Encode(g *Graph) (*Embedding, error) {
	if g == nil || g.Len() == 0 {
		return nil, ErrInsufficientData
	}
	h := make([]*mat.VecDense, g.Len())
	for i, n := range g.Nodes {
		h[i] = mat.NewVecDense(FeatureDim, append([]float64(nil), n.Features...))
	}
	for _, l := range e.layers {
		h = l.forward(g, h)
	}

	emb := &Embedding{Nodes: make([][]float64, len(h))}
	for i, v := range h {
		emb.Nodes[i] = append([]float64(nil), v.RawVector().Data...)
	}
	emb.Graph = e.pool(emb.Nodes)
	return emb, nil
}

func (e *Encoder) pool(nodes [][]float64) []float64 {
	out := make([]float64, e.dim)
	switch e.pooling {
	case PoolMax:
		copy(out, nodes[0])
		for _, n := range nodes[1:] {
			for k, v := range n {
				out[k] = math.Max(out[k], v)
			}
		}
	case PoolAttention:
		q := e.query.RawVector().Data
		scores := make([]float64, len(nodes))
		for i, n := range nodes {
			scores[i] = floats.Dot(q, n) / math.Sqrt(float64(e.dim))
		}
		softmaxInPlace(scores)
		for i, n := range nodes {
			floats.AddScaled(out, scores[i], n)
		}
	default:
		for _, n := range nodes {
			floats.Add(out, n)
		}
		floats.Scale(1/float64(len(nodes)), out)
	}
	return out
}

// rgcn 关系图卷积：h'_v = relu(W0 h_v + Σ_r W_r mean_{u∈N_r(v)} h_u)
type rgcn struct {
	self *mat.Dense
	rel  [NumEdgeTypes]*mat.Dense
	out  int
}

func newRGCN(in, out int, rng *rand.Rand) *rgcn {
	l := &rgcn{self: xavier(out, in, rng), out: out}
	for r := range l.rel {
		l.rel[r] = xavier(out, in, rng)
	}
	return l
}

func (l *rgcn) forward(g *Graph, h []*mat.VecDense) []*mat.VecDense {
	in := h[0].Len()
	next := make([]*mat.VecDense, len(h))
	for v := range h {
		acc := mat.NewVecDense(l.out, nil)
		acc.MulVec(l.self, h[v])
		for r := EdgeType(0); r < NumEdgeTypes; r++ {
			nbrs := g.in[r][v]
			if len(nbrs) == 0 {
				continue
			}
			mean := mat.NewVecDense(in, nil)
			for _, u := range nbrs {
				mean.AddVec(mean, h[u])
			}
			mean.ScaleVec(1/float64(len(nbrs)), mean)
			msg := mat.NewVecDense(l.out, nil)
			msg.MulVec(l.rel[r], mean)
			acc.AddVec(acc, msg)
		}
		for k := 0; k < l.out; k++ {
			acc.SetVec(k, math.Max(0, acc.AtVec(k)))
		}
		next[v] = acc
	}
	return next
}

type gatHead struct {
	w     *mat.Dense
	aSelf *mat.VecDense
	aNbr  *mat.VecDense
	bias  [NumEdgeTypes + 1]float64 // 最后一项对应自环
}

// gat 多头图注意力，注意力打分对每种边类型加一个可区分的偏置，各头取平均
type gat struct {
	heads []gatHead
	out   int
}

func newGAT(in, out, heads int, rng *rand.Rand) *gat {
	l := &gat{out: out}
	for range heads {
		hd := gatHead{w: xavier(out, in, rng), aSelf: randVec(out, rng), aNbr: randVec(out, rng)}
		for i := range hd.bias {
			hd.bias[i] = rng.NormFloat64() * 0.1
		}
		l.heads = append(l.heads, hd)
	}
	return l
}

func (l *gat) forward(g *Graph, h []*mat.VecDense) []*mat.VecDense {
	next := make([]*mat.VecDense, len(h))
	for v := range next {
		next[v] = mat.NewVecDense(l.out, nil)
	}
	for _, hd := range l.heads {
		z := make([]*mat.VecDense, len(h))
		src := make([]float64, len(h))
		for i := range h {
			z[i] = mat.NewVecDense(l.out, nil)
			z[i].MulVec(hd.w, h[i])
			src[i] = mat.Dot(hd.aNbr, z[i])
		}
		for v := range h {
			dst := mat.Dot(hd.aSelf, z[v])
			nbrs := []NodeID{NodeID(v)}
			logits := []float64{leakyReLU(dst + src[v] + hd.bias[NumEdgeTypes])}
			for r := EdgeType(0); r < NumEdgeTypes; r++ {
				for _, u := range g.in[r][v] {
					nbrs = append(nbrs, u)
					logits = append(logits, leakyReLU(dst+src[u]+hd.bias[r]))
				}
			}
			softmaxInPlace(logits)
			for i, u := range nbrs {
				next[v].AddScaledVec(next[v], logits[i]/float64(len(l.heads)), z[u])
			}
		}
	}
	for _, v := range next {
		for k := 0; k < l.out; k++ {
			if x := v.AtVec(k); x < 0 {
				v.SetVec(k, math.Expm1(x))
			}
		}
	}
	return next
}

func xavier(rows, cols int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

func randVec(n int, rng *rand.Rand) *mat.VecDense {
	data := make([]float64, n)
	for i := range data {
		data[i] = rng.NormFloat64() / math.Sqrt(float64(n))
	}
	return mat.NewVecDense(n, data)
}

func leakyReLU(x float64) float64 {
	if x < 0 {
		return 0.2 * x
	}
	return x
}

func softmaxInPlace(x []float64) {
	m := floats.Max(x)
	sum := 0.0
	for i, v := range x {
		x[i] = math.Exp(v - m)
		sum += x[i]
	}
	floats.Scale(1/sum, x)
}
