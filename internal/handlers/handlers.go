package handlers

import (
	"log/slog"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/event"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、日志）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 各阶段的任务数，阶段变化时从旧阶段移到新阶段
	bus.Subscribe(event.PhaseChanged, func(e event.Event) {
		if e.From != "" {
			metrics.RunsByPhase.WithLabelValues(string(e.From)).Dec()
		}
		metrics.RunsByPhase.WithLabelValues(string(e.Phase)).Inc()
	})
	bus.Subscribe(event.DisruptionReceived, func(e event.Event) {
		if e.Disruption != nil {
			metrics.DisruptionsTotal.WithLabelValues(string(e.Disruption.Type), "live").Inc()
		}
	})
	bus.Subscribe(event.AdjustmentApplied, func(e event.Event) {
		metrics.AdjustmentsTotal.WithLabelValues("applied", actionKind(e)).Inc()
	})
	bus.Subscribe(event.AdjustmentRejected, func(e event.Event) {
		metrics.AdjustmentsTotal.WithLabelValues("rejected", actionKind(e)).Inc()
	})
	bus.Subscribe(event.AdjustmentProposed, func(e event.Event) {
		metrics.AdjustmentsTotal.WithLabelValues("pending", actionKind(e)).Inc()
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		bus.Subscribe(event.RunPlanned, func(e event.Event) {
			st.AddRun(e.RunID, string(e.Phase), e.Stats)
		})
		bus.Subscribe(event.PhaseChanged, func(e event.Event) {
			st.UpdatePhase(e.RunID, string(e.Phase))
		})
		bus.Subscribe(event.RunFailed, func(e event.Event) {
			st.Fail(e.RunID, e.Error)
		})
		bus.Subscribe(event.DisruptionReceived, func(e event.Event) {
			st.RecordDisruption(e.RunID, e.Stats)
		})
		bus.Subscribe(event.AdjustmentProposed, func(e event.Event) {
			st.SetPending(e.RunID, e.Action, e.Confidence)
		})
		bus.Subscribe(event.AdjustmentApplied, func(e event.Event) {
			st.RecordAdjustment(e.RunID, e.Stats)
		})
		bus.Subscribe(event.AdjustmentRejected, func(e event.Event) {
			st.SetPending(e.RunID, nil, 0)
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.RunFailed, func(e event.Event) {
		logger.Error("排程任务失败", "run_id", e.RunID, "error", e.Error)
	})
	bus.Subscribe(event.RunCompleted, func(e event.Event) {
		logger.Info("排程任务结束", "run_id", e.RunID, "makespan", e.Stats.Makespan, "tardiness", e.Stats.Tardiness)
	})
	bus.Subscribe(event.DisruptionReceived, func(e event.Event) {
		if e.Disruption != nil {
			logger.Info("扰动到达", "run_id", e.RunID, "disruption", e.Disruption.ID, "type", e.Disruption.Type, "affected", len(e.Affected))
		}
	})
	bus.Subscribe(event.AdjustmentRejected, func(e event.Event) {
		logger.Warn("调整未执行", "run_id", e.RunID, "kind", actionKind(e), "error", e.Error)
	})
}

func actionKind(e event.Event) string {
	if e.Action == nil {
		return string(types.KindNoOp)
	}
	return string(e.Action.Kind)
}
