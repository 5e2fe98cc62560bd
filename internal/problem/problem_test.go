package problem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

const sample = `
name: demo
weights:
  makespan: 1
  tardiness: 10
machines:
  - id: M1
    type: cnc
    capabilities: [A, B]
  - id: M2
    type: cnc
    capabilities: [A, B]
    capacity: 2
jobs:
  - id: J1
    due: 150
    operations:
      - {id: J1-A, capability: A, duration: 60}
      - {id: J1-B, capability: B, duration: 90}
  - id: J2
    due: 240
    priority: 2
    operations:
      - {id: J2-A, capability: A, duration: 60}
scenarios:
  - name: breakdown
    seed: 9
    disruptions:
      - {id: d1, type: machine_breakdown, machine_id: M1, start: 30, duration: 60}
`

func TestParse(t *testing.T) {
	in, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "demo", in.Name)
	require.Len(t, in.Jobs, 2)
	assert.Equal(t, "J1", in.Jobs[0].Operations[1].JobID)
	assert.Equal(t, 1, in.Jobs[0].Operations[1].Index)
	assert.Equal(t, types.OpPending, in.Jobs[0].Operations[0].Status)
	assert.Equal(t, 1, in.Machines[0].Capacity)
	assert.Equal(t, 2, in.Machines[1].Capacity)
	assert.Equal(t, 10.0, in.Weights.Tardiness)
	require.Len(t, in.Scenarios, 1)
	assert.Equal(t, types.MachineBreakdown, in.Scenarios[0].Disruptions[0].Type)
	assert.Equal(t, "M1", in.Scenarios[0].Disruptions[0].MachineID)
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"no machines":        "jobs: []",
		"duplicate id":       "machines: [{id: M1}, {id: M1}]",
		"negative duration":  "machines: [{id: M1}]\njobs: [{id: J1, operations: [{id: O1, capability: A, duration: -5}]}]",
		"unknown machine":    "machines: [{id: M1}]\nscenarios: [{name: s, disruptions: [{type: machine_breakdown, machine_id: X}]}]",
		"malformed document": "machines: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestScenarios(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "problem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	in, err := Load(path)
	require.NoError(t, err)

	s, err := in.InitialSchedule()
	require.NoError(t, err)
	require.NoError(t, s.Validate(in.Machines))

	scs := in.SimScenarios(s, 4, 100)
	require.Len(t, scs, 1, "文件中声明的场景优先")
	assert.Equal(t, int64(9), scs[0].Seed)

	in.Scenarios = nil
	scs = in.SimScenarios(s, 3, 100)
	require.Len(t, scs, 3)
	assert.Equal(t, int64(102), scs[2].Seed)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
