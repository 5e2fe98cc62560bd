package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func TestRecoverReturnsUncompletedInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disruptions.wal")
	w, err := NewWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append("run-a", types.Disruption{ID: "d1", Type: types.MachineBreakdown, MachineID: "M1", Duration: 60}))
	require.NoError(t, w.Append("run-a", types.Disruption{ID: "d2", Type: types.ProcessingDelay, OperationID: "J1-1", Duration: 10}))
	require.NoError(t, w.Append("run-b", types.Disruption{ID: "d3", Type: types.WorkerAbsence, MachineID: "M2", Duration: 30}))
	require.NoError(t, w.Complete("d2"))
	require.NoError(t, w.Close())

	// 模拟崩溃时写了一半的行
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"type\":\"DISRU\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	pending, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "run-a", pending[0].RunID)
	assert.Equal(t, "d1", pending[0].Disruption.ID)
	assert.Equal(t, 60, pending[0].Disruption.Duration)
	assert.Equal(t, "run-b", pending[1].RunID)
	assert.Equal(t, types.WorkerAbsence, pending[1].Disruption.Type)

	// 恢复之后继续追加
	require.NoError(t, w.Complete("d1"))
	pending, err = w.Recover()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d3", pending[0].Disruption.ID)
}
