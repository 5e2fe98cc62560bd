package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

const tracerName = "jssp-core"

// NewTraceID 生成一个随机的、唯一的 Trace ID
// 用于追踪单次排程、扰动处理或训练任务的完整生命周期
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// 在极少数情况下，如果随机数生成失败，返回一个固定的错误字符串
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
// 如果没有显式注入，但 Context 中带有有效的 OTel span，则使用其 trace id
func TraceIDFromContext(ctx context.Context) (string, bool) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID, true
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String(), true
	}
	return "", false
}

// EnsureTraceID 保证 Context 中带有 Trace ID，返回新的 Context 和 ID
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id, ok := TraceIDFromContext(ctx); ok {
		return ctx, id
	}
	id := NewTraceID()
	return ContextWithTraceID(ctx, id), id
}

// StartSpan 以当前 Context 为父节点开启一个 span，调用方负责 End
// 未配置 exporter 时 otel 返回 no-op 实现，开销可以忽略
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
