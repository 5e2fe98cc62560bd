package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/agent"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

var space = sim.ActionSpace{Ops: 2, Machines: 1}

func loader(v types.ModelVersion, data []byte) (agent.Agent, error) {
	return agent.Load(data, space, config.Default().Agent)
}

func newRegistry(t *testing.T) (*Registry, *MemoryArtifactStore) {
	t.Helper()
	arts := NewMemoryArtifactStore()
	r := New(NewMemoryStore(), arts, loader, nil)
	t.Cleanup(func() { r.Close() })
	return r, arts
}

func register(t *testing.T, r *Registry, arts *MemoryArtifactStore, name string) types.ModelVersion {
	t.Helper()
	data, err := agent.NewPPO(space, config.Default().Agent, 1).Snapshot()
	require.NoError(t, err)
	ref, err := arts.Put(name, data)
	require.NoError(t, err)
	v, err := r.Register(types.AgentPPO, ref, map[string]float64{"reward": 1})
	require.NoError(t, err)
	assert.Equal(t, types.VersionRegistered, v.State)
	return v
}

func activeCount(t *testing.T, r *Registry, kind types.AgentType) int {
	t.Helper()
	vs, err := r.List(kind)
	require.NoError(t, err)
	n := 0
	for _, v := range vs {
		if v.State == types.VersionActive {
			n++
		}
	}
	return n
}

func TestRegisterRequiresArtifact(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Register(types.AgentPPO, "mem://missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromoteAndRollback(t *testing.T) {
	r, arts := newRegistry(t)
	v1 := register(t, r, arts, "v1")
	v2 := register(t, r, arts, "v2")

	_, err := r.Promote(v1.ID)
	require.NoError(t, err)
	_, err = r.Promote(v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount(t, r, types.AgentPPO))

	old, err := r.Get(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VersionRetired, old.State)

	back, err := r.Rollback(types.AgentPPO, "")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, back.ID)
	active, ok := r.Active(types.AgentPPO)
	require.True(t, ok)
	assert.Equal(t, v1.ID, active.ID)
	assert.Equal(t, 1, activeCount(t, r, types.AgentPPO))

	_, err = r.Rollback(types.AgentPPO, "")
	assert.ErrorIs(t, err, ErrNoPriorVersion)
}

func TestRollbackWithoutAnyPromote(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Rollback(types.AgentSAC, "")
	assert.ErrorIs(t, err, ErrNoPriorVersion)
}

func TestRollbackToExplicitTarget(t *testing.T) {
	r, arts := newRegistry(t)
	v1 := register(t, r, arts, "v1")
	v2 := register(t, r, arts, "v2")
	v3 := register(t, r, arts, "v3")
	for _, v := range []types.ModelVersion{v1, v2, v3} {
		_, err := r.Promote(v.ID)
		require.NoError(t, err)
	}

	_, err := r.Rollback(types.AgentPPO, v1.ID)
	require.NoError(t, err)
	active, _ := r.Active(types.AgentPPO)
	assert.Equal(t, v1.ID, active.ID)

	// 被替换的 v3 压入历史，空 target 回到 v3，再往前是 v2
	back, err := r.Rollback(types.AgentPPO, "")
	require.NoError(t, err)
	assert.Equal(t, v3.ID, back.ID)
	back, err = r.Rollback(types.AgentPPO, "")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, back.ID)
	assert.Equal(t, types.VersionRetired, mustGet(t, r, v3.ID).State)

	_, err = r.Rollback(types.AgentSAC, v3.ID)
	assert.Error(t, err, "类型不匹配")
}

func TestPinnedHandleSurvivesPromote(t *testing.T) {
	r, arts := newRegistry(t)
	v1 := register(t, r, arts, "v1")
	v2 := register(t, r, arts, "v2")
	_, err := r.Promote(v1.ID)
	require.NoError(t, err)

	h, ok := r.Pin(types.AgentPPO)
	require.True(t, ok)
	require.NotNil(t, h.Agent)

	_, err = r.Promote(v2.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, h.Version.ID)
	assert.Equal(t, types.VersionActive, h.Version.State)

	now, _ := r.Pin(types.AgentPPO)
	assert.Equal(t, v2.ID, now.Version.ID)
}

func TestShadowLifecycle(t *testing.T) {
	r, arts := newRegistry(t)
	v := register(t, r, arts, "v1")
	_, err := r.Deploy(v.ID)
	require.NoError(t, err)

	shadows := r.Shadows(types.AgentPPO)
	require.Len(t, shadows, 1)
	assert.Equal(t, types.VersionShadow, shadows[0].Version.State)
	_, ok := r.Active(types.AgentPPO)
	assert.False(t, ok, "影子版本不是 active")

	_, err = r.Promote(v.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Shadows(types.AgentPPO))

	_, err = r.Deploy(v.ID)
	assert.Error(t, err, "active 版本不能再部署为影子")
	_, err = r.Retire(v.ID)
	assert.Error(t, err)
}

func TestFailedLoadLeavesStateUntouched(t *testing.T) {
	arts := NewMemoryArtifactStore()
	r := New(NewMemoryStore(), arts, func(types.ModelVersion, []byte) (agent.Agent, error) {
		return nil, errors.New("boom")
	}, nil)
	ref, err := arts.Put("bad", []byte(`{}`))
	require.NoError(t, err)
	v, err := r.Register(types.AgentPPO, ref, nil)
	require.NoError(t, err)

	_, err = r.Promote(v.ID)
	assert.Error(t, err)
	got, err := r.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VersionRegistered, got.State)
}

// 多个注册中心相互独立，可以并发使用
func TestIndependentRegistries(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arts := NewMemoryArtifactStore()
			r := New(NewMemoryStore(), arts, nil, nil)
			defer r.Close()
			ref, _ := arts.Put("m", []byte("x"))
			v, err := r.Register(types.AgentSAC, ref, nil)
			assert.NoError(t, err)
			_, err = r.Promote(v.ID)
			assert.NoError(t, err)
			vs, _ := r.List(types.AgentSAC)
			assert.Len(t, vs, 1)
		}()
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	r, arts := newRegistry(t)
	v := register(t, r, arts, "v1")
	_, err := r.Promote(v.ID)
	require.NoError(t, err)
	h, _ := r.Pin(types.AgentPPO)

	require.NoError(t, r.Close())
	_, err = r.Promote(v.ID)
	assert.ErrorIs(t, err, ErrClosed)
	_, ok := r.Pin(types.AgentPPO)
	assert.False(t, ok)
	assert.NotNil(t, h.Agent, "已 Pin 的句柄不受影响")
}

func TestFileArtifactStore(t *testing.T) {
	s, err := NewFileArtifactStore(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	ref, err := s.Put("ppo-1", []byte(`{"type":"ppo"}`))
	require.NoError(t, err)
	data, err := s.Get(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ppo"}`, string(data))

	_, err = s.Get(filepath.Join(s.Dir, "nope.json"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Put("../escape", nil)
	assert.Error(t, err)
}

func mustGet(t *testing.T, r *Registry, id string) types.ModelVersion {
	t.Helper()
	v, err := r.Get(id)
	require.NoError(t, err)
	return v
}
