package station

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/orchestrator"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Client 现场终端，通过 HTTP 调用调度服务
// 车间里的设备和工位用它上报扰动、推进现场时钟
type Client struct {
	Endpoint string       // 调度服务地址 (e.g., http://localhost:8080)
	HTTP     *http.Client // HTTP 客户端
	logger   *slog.Logger // 日志记录器
}

// NewClient 创建一个新的现场终端
func NewClient(endpoint string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 30 * time.Second}, // 求解可能较慢
		logger:   logger.With("component", "station", "remote", endpoint),
	}
}

// APIError 调度服务返回的错误
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("调度服务错误 (%d): %s", e.Status, e.Message)
}

// Plan 创建排程任务
func (c *Client) Plan(ctx context.Context, req orchestrator.PlanRequest) (*orchestrator.PlanResult, error) {
	var out orchestrator.PlanResult
	if err := c.call(ctx, http.MethodPost, "/api/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report 异步上报一个扰动，返回扰动 ID
func (c *Client) Report(ctx context.Context, runID string, d types.Disruption) (string, error) {
	var out map[string]string
	if err := c.call(ctx, http.MethodPost, "/api/runs/"+runID+"/disruptions", d, &out); err != nil {
		return "", err
	}
	return out["id"], nil
}

// Advance 推进现场时钟
func (c *Client) Advance(ctx context.Context, runID string, now int) (*orchestrator.RunSnapshot, error) {
	var out orchestrator.RunSnapshot
	if err := c.call(ctx, http.MethodPost, "/api/runs/"+runID+"/advance", map[string]int{"now": now}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot 查询排程任务当前状态
func (c *Client) Snapshot(ctx context.Context, runID string) (*orchestrator.RunSnapshot, error) {
	var out orchestrator.RunSnapshot
	if err := c.call(ctx, http.MethodGet, "/api/runs/"+runID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call 发送请求并解析响应
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	logger := c.logger
	traceID, ok := util.TraceIDFromContext(ctx)
	if ok {
		logger = logger.With("trace_id", traceID)
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, &buf)
	if err != nil {
		logger.Error("创建远程请求失败", "error", err, "path", path)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if ok {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		logger.Error("远程调用失败", "error", err, "path", path)
		return fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		logger.Warn("调度服务返回错误状态", "status", resp.Status, "path", path, "error", e.Error)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		logger.Error("解析远程响应失败", "error", err, "path", path)
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
