package graph

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func fixture() (*types.Schedule, []*types.Machine) {
	machines := []*types.Machine{
		{ID: "M1", Capabilities: []string{"cut", "weld"}, Capacity: 1},
		{ID: "M2", Capabilities: []string{"cut"}, Capacity: 1, Status: types.MachineDown},
	}
	jobs := []*types.Job{
		{ID: "J1", Due: 100, Operations: []*types.Operation{
			{ID: "J1-1", Capability: "cut", Duration: 30, MachineID: "M1", Start: 0, End: 30},
			{ID: "J1-2", Capability: "weld", Duration: 20, MachineID: "M1", Start: 30, End: 50},
		}},
		{ID: "J2", Due: 40, Operations: []*types.Operation{
			{ID: "J2-1", Capability: "cut", Duration: 45, MachineID: "M2", Start: 10, End: 55},
		}},
	}
	return types.NewSchedule(time.Time{}, jobs), machines
}

func TestBuildNodesAndEdges(t *testing.T) {
	s, machines := fixture()
	g, err := Build(s, machines, Options{TemporalWindow: 15})
	require.NoError(t, err)

	assert.Equal(t, 2+2+3, g.Len())
	assert.Len(t, g.NodesOf(NodeMachine), 2)
	assert.Len(t, g.NodesOf(NodeJob), 2)
	assert.Len(t, g.NodesOf(NodeOperation), 3)

	// 对称关系按两条有向边计数
	assert.Equal(t, 6, g.EdgeCount(EdgeContains))
	assert.Equal(t, 1, g.EdgeCount(EdgePrecedence))
	assert.Equal(t, 6, g.EdgeCount(EdgeAssignment))
	assert.Equal(t, 2*(2+1+2), g.EdgeCount(EdgeCapability))
	// J1-1(0) 与 J2-1(10) 相距 10 分钟，J2-1 与 J1-2(30) 相距 20 分钟
	assert.Equal(t, 2, g.EdgeCount(EdgeTemporal))

	first, ok := g.Lookup(NodeOperation, "J1-1")
	require.True(t, ok)
	second, _ := g.Lookup(NodeOperation, "J1-2")
	assert.Equal(t, []NodeID{first}, g.Neighbors(second, EdgePrecedence))
	assert.Empty(t, g.Neighbors(first, EdgePrecedence))

	m2, _ := g.Lookup(NodeMachine, "M2")
	assert.Equal(t, 1.0, g.Nodes[m2].Features[NodeMachine], "类型 one-hot")
	assert.Equal(t, 1.0, g.Nodes[m2].Features[5], "停机标记")
	for _, n := range g.Nodes {
		assert.Len(t, n.Features, FeatureDim)
	}
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	s, machines := fixture()
	_, err := Build(nil, machines, Options{})
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = Build(s, nil, Options{})
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = Build(&types.Schedule{}, machines, Options{})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEncoderIsDeterministic(t *testing.T) {
	s, machines := fixture()
	g, err := Build(s, machines, Options{TemporalWindow: 30})
	require.NoError(t, err)

	for _, pooling := range []string{PoolMean, PoolMax, PoolAttention} {
		cfg := config.GraphConfig{EmbeddingDim: 16, Layers: []string{LayerGAT, LayerGCN, LayerGAT}, Heads: 2, Pooling: pooling, Seed: 3}
		a, err := NewEncoder(cfg)
		require.NoError(t, err)
		b, err := NewEncoder(cfg)
		require.NoError(t, err)

		ea, err := a.Encode(g)
		require.NoError(t, err)
		eb, err := b.Encode(g)
		require.NoError(t, err)
		assert.Equal(t, ea, eb, pooling)
		assert.Len(t, ea.Graph, 16)
		assert.Len(t, ea.Nodes, g.Len())
		for _, v := range ea.Graph {
			assert.False(t, math.IsNaN(v))
		}
	}
}

func TestEncoderDistinguishesSchedules(t *testing.T) {
	s, machines := fixture()
	enc, err := NewEncoder(config.GraphConfig{EmbeddingDim: 8, Layers: []string{LayerGCN}, Pooling: PoolMean, Seed: 1})
	require.NoError(t, err)
	g1, _ := Build(s, machines, Options{})
	e1, err := enc.Encode(g1)
	require.NoError(t, err)

	_, op := s.Operation("J2-1")
	op.MachineID, op.Start, op.End = "M1", 50, 95
	g2, _ := Build(s, machines, Options{})
	e2, err := enc.Encode(g2)
	require.NoError(t, err)
	assert.NotEqual(t, e1.Graph, e2.Graph)
}

func TestEncoderConfigErrors(t *testing.T) {
	_, err := NewEncoder(config.GraphConfig{Layers: []string{"lstm"}})
	assert.Error(t, err)
	_, err = NewEncoder(config.GraphConfig{Pooling: "sum"})
	assert.Error(t, err)
	enc, err := NewEncoder(config.GraphConfig{})
	require.NoError(t, err)
	_, err = enc.Encode(&Graph{})
	assert.ErrorIs(t, err, ErrInsufficientData)
}
