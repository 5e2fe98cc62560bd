package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(id, capability, machine string, start, dur int) *Operation {
	return &Operation{ID: id, Capability: capability, MachineID: machine, Start: start, End: start + dur, Duration: dur}
}

func TestTimelineEarliestStartSkipsBusyAndBlocked(t *testing.T) {
	tl := NewTimeline(1)
	tl.Add(Interval{Start: 0, End: 10, Ref: "a"})
	tl.Block(10, 20)
	assert.Equal(t, 20, tl.EarliestStart(0, 5))
	assert.Equal(t, 25, tl.EarliestStart(25, 5))

	require.True(t, tl.Remove("a"))
	assert.Equal(t, 0, tl.EarliestStart(0, 5))
	assert.Equal(t, 20, tl.EarliestStart(0, 15), "跨越停机窗口的工序只能排在窗口之后")
	assert.False(t, tl.Remove("a"))
}

func TestTimelineCapacity(t *testing.T) {
	tl := NewTimeline(2)
	tl.Add(Interval{Start: 0, End: 10, Ref: "a"})
	assert.True(t, tl.Fits(0, 10))
	tl.Add(Interval{Start: 5, End: 15, Ref: "b"})
	assert.False(t, tl.Fits(5, 5))
	assert.True(t, tl.Fits(10, 5))
	assert.Equal(t, 2, tl.Overlap(0, 15))
	assert.Equal(t, 20, tl.BusyMinutes(0, 100))
}

func TestScheduleStats(t *testing.T) {
	s := NewSchedule(time.Time{}, []*Job{
		{ID: "J1", Due: 50, Operations: []*Operation{op("J1-1", "cut", "M1", 0, 30), op("J1-2", "cut", "M1", 30, 40)}},
		{ID: "J2", Due: 100, Operations: []*Operation{op("J2-1", "cut", "M2", 0, 20)}},
	})
	st := s.Stats()
	assert.Equal(t, 70, st.Makespan)
	assert.Equal(t, 20, st.Tardiness)
	assert.Equal(t, 1, st.LateJobs)
	assert.Equal(t, 3, st.Operations)
	assert.InDelta(t, 70+2*20, s.Objective(Weights{Makespan: 1, Tardiness: 2}), 1e-9)

	j, o := s.Operation("J1-2")
	require.NotNil(t, o)
	assert.Equal(t, "J1", j.ID)
	assert.Equal(t, 1, o.Index)
	assert.Equal(t, OpScheduled, o.Status)
	assert.Equal(t, (*Schedule)(nil).Stats(), ScheduleStats{})
}

func TestScheduleValidate(t *testing.T) {
	machines := []*Machine{{ID: "M1", Capabilities: []string{"cut"}}}
	tests := []struct {
		name string
		jobs []*Job
		want ViolationKind
	}{
		{"valid", []*Job{{ID: "J1", Operations: []*Operation{op("J1-1", "cut", "M1", 0, 10), op("J1-2", "cut", "M1", 10, 5)}}}, ""},
		{"precedence", []*Job{{ID: "J1", Operations: []*Operation{op("J1-1", "cut", "M1", 10, 10), op("J1-2", "cut", "M1", 0, 5)}}}, ViolationPrecedence},
		{"capacity", []*Job{
			{ID: "J1", Operations: []*Operation{op("J1-1", "cut", "M1", 0, 10)}},
			{ID: "J2", Operations: []*Operation{op("J2-1", "cut", "M1", 5, 10)}},
		}, ViolationCapacity},
		{"capability", []*Job{{ID: "J1", Operations: []*Operation{op("J1-1", "drill", "M1", 0, 10)}}}, ViolationCapability},
		{"unassigned", []*Job{{ID: "J1", Operations: []*Operation{{ID: "J1-1", Capability: "cut", Duration: 10}}}}, ViolationUnassigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSchedule(time.Time{}, tt.jobs).Validate(machines)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			var v *ViolationError
			require.True(t, errors.As(err, &v), "预期违例 %s, 得到 %v", tt.want, err)
			assert.Equal(t, tt.want, v.Kind)
		})
	}
}

func TestScheduleCloneIsDeep(t *testing.T) {
	s := NewSchedule(time.Time{}, []*Job{{ID: "J1", Operations: []*Operation{op("J1-1", "cut", "M1", 0, 10)}}})
	cp := s.Clone()
	cp.Jobs[0].Operations[0].Start = 99
	assert.Equal(t, 0, s.Jobs[0].Operations[0].Start)
}

func TestActionSpecRejectsMalformedInput(t *testing.T) {
	_, err := ActionSpec{Kind: "teleport", OperationID: "J1-1"}.Action()
	assert.Error(t, err)
	_, err = ActionSpec{Kind: KindReassignMachine, OperationID: "J1-1"}.Action()
	assert.Error(t, err, "改派必须给出机台")
	_, err = ActionSpec{Kind: KindPrioritizeJob}.Action()
	assert.Error(t, err)

	a, err := ActionSpec{Kind: KindRescheduleLater, OperationID: "J1-1", Delta: 15}.Action()
	require.NoError(t, err)
	assert.Equal(t, RescheduleLater{OperationID: "J1-1", Delta: 15}, a)
	assert.Equal(t, ActionSpec{Kind: KindRescheduleLater, OperationID: "J1-1", Delta: 15}, Spec(a))
}
