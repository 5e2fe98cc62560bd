package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/adjust"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/orchestrator"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/problem"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/registry"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/web"
)

// traceHeader 跨服务传递 Trace ID 的请求头
const traceHeader = "X-Trace-ID"

// api 对外的 HTTP 接口，只做参数解析和错误映射
type api struct {
	orch       *orchestrator.Orchestrator
	dispatcher *orchestrator.Dispatcher
	registry   *registry.Registry
	tracker    *web.StateTracker
	hub        *web.Hub
	problem    string // 请求未携带工单时使用的问题文件
	logger     *slog.Logger
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", a.hub.ServeWs)
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.tracker.GetStateSnapshot())
	})

	mux.HandleFunc("POST /api/runs", a.plan)
	mux.HandleFunc("POST /api/runs/track", a.track)
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.orch.Runs())
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.orch.Snapshot(r.PathValue("id"))
		a.reply(w, r, http.StatusOK, snap, err)
	})
	mux.HandleFunc("POST /api/runs/{id}/advance", a.advance)
	mux.HandleFunc("POST /api/runs/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.orch.Complete(r.Context(), r.PathValue("id"))
		a.reply(w, r, http.StatusOK, snap, err)
	})
	mux.HandleFunc("POST /api/runs/{id}/disruptions", a.disruption)
	mux.HandleFunc("GET /api/runs/{id}/adjustments", func(w http.ResponseWriter, r *http.Request) {
		kind := types.AgentType(r.URL.Query().Get("agent"))
		prop, err := a.orch.GetAdjustment(r.Context(), r.PathValue("id"), kind)
		a.reply(w, r, http.StatusOK, prop, err)
	})
	mux.HandleFunc("POST /api/runs/{id}/adjustments", a.applyAdjustment)
	mux.HandleFunc("DELETE /api/runs/{id}/adjustments", func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.orch.DismissAdjustment(r.Context(), r.PathValue("id"))
		a.reply(w, r, http.StatusOK, snap, err)
	})
	mux.HandleFunc("GET /api/runs/{id}/recommendations", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("max"))
		recs, err := a.orch.Recommendations(r.Context(), r.PathValue("id"), n)
		a.reply(w, r, http.StatusOK, recs, err)
	})
	mux.HandleFunc("GET /api/runs/{id}/predictions", func(w http.ResponseWriter, r *http.Request) {
		an, err := a.orch.Predict(r.Context(), r.PathValue("id"))
		a.reply(w, r, http.StatusOK, an, err)
	})

	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		vs, err := a.registry.List(types.AgentType(r.URL.Query().Get("agent")))
		a.reply(w, r, http.StatusOK, vs, err)
	})
	mux.HandleFunc("POST /api/models", a.registerModel)
	mux.HandleFunc("POST /api/models/{id}/{op}", a.modelLifecycle)
	mux.HandleFunc("POST /api/models/rollback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		v, err := a.registry.Rollback(types.AgentType(q.Get("agent")), q.Get("target"))
		a.reply(w, r, http.StatusOK, v, err)
	})
	mux.HandleFunc("GET /api/monitor", func(w http.ResponseWriter, r *http.Request) {
		m := a.orch.Monitor()
		writeJSON(w, http.StatusOK, map[string]any{"summary": m.Summary(), "recent": m.Recent(20)})
	})
	return a.traced(mux)
}

// traced 从请求头中提取 Trace ID（没有则生成）并注入 Context，实现跨服务追踪
func (a *api) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(traceHeader); id != "" {
			ctx = util.ContextWithTraceID(ctx, id)
		}
		ctx, traceID := util.EnsureTraceID(ctx)
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) plan(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.PlanRequest
	if err := decode(r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if len(req.Jobs) == 0 {
		in, err := problem.Load(a.problem)
		if err != nil {
			a.badRequest(w, r, err)
			return
		}
		req.Jobs, req.Machines, req.Origin = in.Jobs, in.Machines, in.Origin
		if req.Weights == (types.Weights{}) {
			req.Weights = in.Weights
		}
	}
	res, err := a.orch.Plan(r.Context(), req)
	a.reply(w, r, http.StatusCreated, res, err)
}

// trackRequest 接管一份外部排程
type trackRequest struct {
	Schedule *types.Schedule  `json:"schedule"`
	Machines []*types.Machine `json:"machines"`
	Weights  types.Weights    `json:"weights"`
}

func (a *api) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decode(r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if req.Schedule == nil {
		a.badRequest(w, r, errors.New("schedule is required"))
		return
	}
	s := types.NewSchedule(req.Schedule.Origin, req.Schedule.Jobs)
	snap, err := a.orch.Track(r.Context(), s, req.Machines, req.Weights)
	if err != nil {
		a.badRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *api) advance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Now int `json:"now"`
	}
	if err := decode(r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	snap, err := a.orch.Advance(r.Context(), r.PathValue("id"), req.Now)
	a.reply(w, r, http.StatusOK, snap, err)
}

// disruption 默认异步提交给分发器；?sync=true 时同步处理并返回结果
func (a *api) disruption(w http.ResponseWriter, r *http.Request) {
	var d types.Disruption
	if err := decode(r, &d); err != nil {
		a.badRequest(w, r, err)
		return
	}
	if d.Type == "" {
		a.badRequest(w, r, errors.New("disruption type is required"))
		return
	}
	id := r.PathValue("id")
	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		res, err := a.orch.HandleDisruption(r.Context(), id, d)
		a.reply(w, r, http.StatusOK, res, err)
		return
	}
	if _, err := a.orch.Snapshot(id); err != nil {
		a.reply(w, r, 0, nil, err)
		return
	}
	did, err := a.dispatcher.Submit(id, d)
	a.reply(w, r, http.StatusAccepted, map[string]string{"status": "accepted", "id": did}, err)
}

func (a *api) applyAdjustment(w http.ResponseWriter, r *http.Request) {
	var spec types.ActionSpec
	if err := decode(r, &spec); err != nil {
		a.badRequest(w, r, err)
		return
	}
	res, err := a.orch.ApplyAdjustment(r.Context(), r.PathValue("id"), spec)
	a.reply(w, r, http.StatusOK, res, err)
}

// registerRequest 登记模型，Stage 为 shadow 或 active 时登记后立即部署或激活
type registerRequest struct {
	AgentType   types.AgentType    `json:"agent_type"`
	ArtifactRef string             `json:"artifact_ref"`
	Metrics     map[string]float64 `json:"metrics"`
	Stage       string             `json:"stage"`
}

func (a *api) registerModel(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		a.badRequest(w, r, err)
		return
	}
	v, err := a.registry.Register(req.AgentType, req.ArtifactRef, req.Metrics)
	if err == nil {
		v, err = stage(a.registry, v, req.Stage)
	}
	a.reply(w, r, http.StatusCreated, v, err)
}

func (a *api) modelLifecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		v   types.ModelVersion
		err error
	)
	switch op := r.PathValue("op"); op {
	case "deploy":
		v, err = a.registry.Deploy(id)
	case "promote":
		v, err = a.registry.Promote(id)
	case "retire":
		v, err = a.registry.Retire(id)
	default:
		http.Error(w, "unknown operation "+op, http.StatusNotFound)
		return
	}
	a.reply(w, r, http.StatusOK, v, err)
}

// stage 按阶段名推进新登记的版本
func stage(reg *registry.Registry, v types.ModelVersion, name string) (types.ModelVersion, error) {
	switch name {
	case "", "registered":
		return v, nil
	case "shadow":
		return reg.Deploy(v.ID)
	case "active":
		return reg.Promote(v.ID)
	default:
		return v, errors.New("unknown stage " + name)
	}
}

// reply 按错误类型映射状态码
func (a *api) reply(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err == nil {
		writeJSON(w, status, body)
		return
	}
	var (
		pe  *orchestrator.PhaseError
		rej *adjust.RejectionError
	)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRun), errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &pe), errors.Is(err, orchestrator.ErrNoPending), errors.Is(err, registry.ErrNoPriorVersion):
		status = http.StatusConflict
	case errors.As(err, &rej):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadRequest
	}
	traceID, _ := util.TraceIDFromContext(r.Context())
	a.logger.Warn("请求处理失败", "method", r.Method, "path", r.URL.Path, "status", status, "trace_id", traceID, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Warn("解析请求失败", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// decode 解析请求体，空请求体视为零值
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
