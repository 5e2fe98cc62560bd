package station

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// fakeServer 记录收到的请求，按路径顺序
type fakeServer struct {
	mu     sync.Mutex
	calls  []string
	traces []string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs/{id}/advance", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Now int `json:"now"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.record("advance", r)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "now": req.Now})
	})
	mux.HandleFunc("POST /api/runs/{id}/disruptions", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "r1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown run"})
			return
		}
		var d types.Disruption
		_ = json.NewDecoder(r.Body).Decode(&d)
		f.record("report:"+d.ID, r)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "id": d.ID})
	})
	return mux
}

func (f *fakeServer) record(call string, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.traces = append(f.traces, r.Header.Get("X-Trace-ID"))
}

func TestReplayAdvancesClockBeforeEachReport(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ids, err := c.Replay(context.Background(), "r1", []types.Disruption{
		{ID: "late", Type: types.ProcessingDelay, OperationID: "J1-2", Start: 40, Duration: 10},
		{ID: "early", Type: types.MachineBreakdown, MachineID: "M1", Start: 10, Duration: 30},
		{ID: "same", Type: types.MachineBreakdown, MachineID: "M2", Start: 40, Duration: 5},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late", "same"}, ids)
	assert.Equal(t, []string{"advance", "report:early", "advance", "report:late", "report:same"}, f.calls)
	for _, tr := range f.traces {
		assert.NotEmpty(t, tr)
	}
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler())
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := util.ContextWithTraceID(context.Background(), "t-1")
	_, err := c.Report(ctx, "missing", types.Disruption{ID: "d1", Type: types.RushOrder})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "unknown run", apiErr.Message)
}
