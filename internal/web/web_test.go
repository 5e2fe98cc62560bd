package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func TestStateTrackerUpserts(t *testing.T) {
	st := NewStateTracker(nil)
	st.UpdatePhase("r1", "SOLVING")
	st.AddRun("r1", "MONITORING", types.ScheduleStats{Makespan: 120})
	st.RecordDisruption("r1", types.ScheduleStats{Makespan: 180, Tardiness: 30})
	action := types.Spec(types.RescheduleLater{OperationID: "J1-2", Delta: 15})
	st.SetPending("r1", &action, 0.4)

	snap := st.GetStateSnapshot()
	r := snap.Runs["r1"]
	assert.Equal(t, "MONITORING", r.Phase)
	assert.Equal(t, 1, r.Disruptions)
	assert.Equal(t, 30, r.Stats.Tardiness)
	require.NotNil(t, r.Pending)
	assert.Equal(t, "J1-2", r.Pending.OperationID)

	// 快照是副本
	r.Pending.OperationID = "changed"
	assert.Equal(t, "J1-2", st.GetStateSnapshot().Runs["r1"].Pending.OperationID)

	st.RecordAdjustment("r1", types.ScheduleStats{Makespan: 170})
	st.Fail("r2", errors.New("infeasible"))
	snap = st.GetStateSnapshot()
	assert.Nil(t, snap.Runs["r1"].Pending)
	assert.Equal(t, 1, snap.Runs["r1"].Adjustments)
	assert.Equal(t, "infeasible", snap.Runs["r2"].Error)
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	defer close(done)
	go hub.Run(done)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	st := NewStateTracker(hub)
	st.AddRun("r1", "MONITORING", types.ScheduleStats{Makespan: 90})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var got GlobalState
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, 90, got.Runs["r1"].Stats.Makespan)
}

func TestBroadcastDoesNotBlockWithoutRun(t *testing.T) {
	hub := NewHub(nil)
	finished := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.BroadcastState(map[string]int{"i": i})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("BroadcastState blocked")
	}
}
