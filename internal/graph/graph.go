package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// ErrInsufficientData 排程或机台为空，无法构建图
var ErrInsufficientData = errors.New("graph: insufficient data")

// NodeID 节点在图内的下标
type NodeID int32

// NodeType 节点类型
type NodeType uint8

const (
	NodeJob NodeType = iota
	NodeOperation
	NodeMachine
)

func (t NodeType) String() string {
	switch t {
	case NodeJob:
		return "job"
	case NodeOperation:
		return "operation"
	default:
		return "machine"
	}
}

// EdgeType 边类型
type EdgeType uint8

const (
	EdgeContains   EdgeType = iota // 工单 - 工序
	EdgePrecedence                 // 前序工序 -> 后序工序
	EdgeAssignment                 // 工序 - 已分配机台
	EdgeCapability                 // 工序 - 具备能力的机台
	EdgeTemporal                   // 开工时间相近的工序
	NumEdgeTypes
)

func (t EdgeType) String() string {
	return [...]string{"contains", "precedence", "assignment", "capability", "temporal", "?"}[min(int(t), int(NumEdgeTypes))]
}

// FeatureDim 所有节点统一的特征维度，前三维为类型 one-hot
const FeatureDim = 8

// Node 图节点，Key 为对应实体的业务 ID
type Node struct {
	ID       NodeID
	Type     NodeType
	Key      string
	Features []float64
}

// Options 构图参数
type Options struct {
	TemporalWindow int // 分钟，<= 0 时不生成时间邻近边
	Horizon        int // 特征归一化用的时间尺度，<= 0 时取排程跨度
}

// Graph 异构调度图
// 节点存放在切片中，实体之间的关系只通过 NodeID 的邻接表表达
type Graph struct {
	Nodes []Node
	// in[t][v] 为沿类型 t 的边指向 v 的节点
	in    [NumEdgeTypes][][]NodeID
	index map[NodeType]map[string]NodeID
	edges [NumEdgeTypes]int
}

// Len 返回节点数
func (g *Graph) Len() int { return len(g.Nodes) }

// Neighbors 返回沿类型 t 的边指向 v 的节点
func (g *Graph) Neighbors(v NodeID, t EdgeType) []NodeID {
	return g.in[t][v]
}

// EdgeCount 返回类型 t 的有向边数
func (g *Graph) EdgeCount(t EdgeType) int { return g.edges[t] }

// Lookup 按实体 ID 查找节点
func (g *Graph) Lookup(t NodeType, key string) (NodeID, bool) {
	id, ok := g.index[t][key]
	return id, ok
}

// NodesOf 返回某一类型的全部节点，按插入顺序
func (g *Graph) NodesOf(t NodeType) []NodeID {
	var out []NodeID
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n.ID)
		}
	}
	return out
}

func (g *Graph) add(t NodeType, key string, feats []float64) NodeID {
	id := NodeID(len(g.Nodes))
	f := make([]float64, FeatureDim)
	f[int(t)] = 1
	copy(f[3:], feats)
	g.Nodes = append(g.Nodes, Node{ID: id, Type: t, Key: key, Features: f})
	for e := range g.in {
		g.in[e] = append(g.in[e], nil)
	}
	if g.index[t] == nil {
		g.index[t] = make(map[string]NodeID)
	}
	g.index[t][key] = id
	return id
}

func (g *Graph) link(t EdgeType, from, to NodeID) {
	g.in[t][to] = append(g.in[t][to], from)
	g.edges[t]++
}

func (g *Graph) linkBoth(t EdgeType, a, b NodeID) {
	g.link(t, a, b)
	g.link(t, b, a)
}

// Build 由排程和机台构建异构图
func Build(s *types.Schedule, machines []*types.Machine, opts Options) (*Graph, error) {
	if s == nil || len(s.Jobs) == 0 || len(machines) == 0 {
		return nil, ErrInsufficientData
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = s.Makespan()
		for _, j := range s.Jobs {
			horizon = max(horizon, j.Due)
		}
	}
	h := float64(max(horizon, 1))

	g := &Graph{index: make(map[NodeType]map[string]NodeID)}
	load := make(map[string]int, len(machines))
	count := make(map[string]int, len(machines))
	for _, op := range s.Operations() {
		if op.Assigned() {
			load[op.MachineID] += op.Duration
			count[op.MachineID]++
		}
	}

	for _, m := range machines {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: machine without id", ErrInsufficientData)
		}
		down := 0.0
		if m.Status == types.MachineDown {
			down = 1
		}
		g.add(NodeMachine, m.ID, []float64{
			clamp01(float64(load[m.ID]) / (h * float64(m.Slots()))),
			clamp01(float64(m.Slots()) / 4),
			down,
			clamp01(float64(count[m.ID]) / 10),
			clamp01(float64(len(m.Capabilities)) / 5),
		})
	}

	var assigned []*types.Operation
	for _, j := range s.Jobs {
		slack := float64(j.Due-j.Release-j.TotalWork()) / h
		late := 0.0
		if j.Tardiness() > 0 {
			late = 1
		}
		jid := g.add(NodeJob, j.ID, []float64{
			clamp01(j.Priority / 10),
			clamp01(float64(j.Due) / h),
			clamp(slack, -1, 1),
			clamp01(float64(len(j.Operations)) / 10),
			late,
		})
		var prev NodeID = -1
		for _, op := range j.Operations {
			done := 0.0
			switch op.Status {
			case types.OpRunning:
				done = 0.5
			case types.OpDone:
				done = 1
			}
			oid := g.add(NodeOperation, op.ID, []float64{
				clamp01(float64(op.Duration) / h),
				clamp01(float64(op.Start) / h),
				clamp01(float64(op.End) / h),
				done,
				late,
			})
			g.linkBoth(EdgeContains, jid, oid)
			if prev >= 0 {
				g.link(EdgePrecedence, prev, oid)
			}
			prev = oid
			for _, m := range machines {
				mid := g.index[NodeMachine][m.ID]
				if m.Can(op.Capability) {
					g.linkBoth(EdgeCapability, oid, mid)
				}
				if op.MachineID == m.ID {
					g.linkBoth(EdgeAssignment, oid, mid)
				}
			}
			if op.Assigned() {
				assigned = append(assigned, op)
			}
		}
	}

	if opts.TemporalWindow > 0 {
		types.SortByStart(assigned)
		for i, a := range assigned {
			for _, b := range assigned[i+1:] {
				if b.Start-a.Start > opts.TemporalWindow {
					break
				}
				g.linkBoth(EdgeTemporal, g.index[NodeOperation][a.ID], g.index[NodeOperation][b.ID])
			}
		}
	}
	for e := range g.in {
		for v := range g.in[e] {
			slices.Sort(g.in[e][v])
		}
	}
	return g, nil
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}

func clamp01(x float64) float64 { return clamp(x, 0, 1) }
