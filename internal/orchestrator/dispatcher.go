package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/persistence"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/pq"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Task 一条待处理的扰动
type Task struct {
	RunID      string
	Disruption types.Disruption
}

// Dispatcher 负责异步提交的扰动的排队和分发
// 它维护一个按严重程度排序的优先级队列，并控制并发处理的 worker 数量；
// 同一排程任务的扰动由编排器的任务级临界区串行化
type Dispatcher struct {
	queue      *pq.Queue[Task]  // 优先级队列，存储待处理的扰动
	orch       *Orchestrator    // 编排器，用于处理扰动
	mu         sync.Mutex       // 互斥锁，保护队列并发访问
	cond       *sync.Cond       // 条件变量，用于通知 worker 有新扰动
	maxWorkers int              // 最大并发 worker 数
	wg         sync.WaitGroup   // 等待组，用于优雅停机
	wal        *persistence.WAL // 预写日志，用于持久化扰动
	logger     *slog.Logger     // 结构化日志记录器
}

// NewDispatcher 创建一个新的 Dispatcher 实例，wal 为 nil 时不做持久化
func NewDispatcher(orch *Orchestrator, maxWorkers int, wal *persistence.WAL, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		queue: pq.New(func(a, b Task) bool {
			return a.Disruption.Severity() > b.Disruption.Severity()
		}),
		orch:       orch,
		maxWorkers: max(maxWorkers, 1),
		wal:        wal,
		logger:     logger.With("component", "dispatcher"),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Recover 从 WAL 日志中恢复未处理完成的扰动
// 在系统启动时调用，确保扰动不丢失
func (d *Dispatcher) Recover() (int, error) {
	if d.wal == nil {
		return 0, nil
	}
	pending, err := d.wal.Recover()
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		d.logger.Info("重新加载未处理的扰动", "run_id", p.RunID, "disruption", p.Disruption.ID)
		d.submit(Task{RunID: p.RunID, Disruption: p.Disruption}) // 内部提交，不重复写 WAL
	}
	return len(pending), nil
}

// Submit 提交一个扰动，返回扰动 ID
// 先写入 WAL 持久化，再放入内存队列
func (d *Dispatcher) Submit(runID string, dis types.Disruption) (string, error) {
	if dis.ID == "" {
		dis.ID = util.NewIDString()
	}
	if dis.Timestamp.IsZero() {
		dis.Timestamp = time.Now()
	}
	if d.wal != nil {
		if err := d.wal.Append(runID, dis); err != nil {
			d.logger.Error("写入 WAL 失败", "error", err, "disruption", dis.ID)
			return "", fmt.Errorf("持久化扰动失败: %w", err)
		}
	}
	d.submit(Task{RunID: runID, Disruption: dis})
	return dis.ID, nil
}

// submit 将扰动放入优先级队列并唤醒 worker
func (d *Dispatcher) submit(t Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("接收到扰动", "run_id", t.RunID, "disruption", t.Disruption.ID, "type", t.Disruption.Type, "severity", t.Disruption.Severity())
	d.queue.Push(t)
	metrics.DisruptionsInQueue.Inc()
	d.cond.Signal() // 唤醒一个等待的 worker
}

// Pending 返回队列中尚未分发的扰动数
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Start 启动分发循环
// 启动 worker 池来并发处理扰动，ctx 取消后返回
func (d *Dispatcher) Start(ctx context.Context) {
	workerPool := make(chan struct{}, d.maxWorkers)

	// 监听上下文取消信号，用于优雅停机
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.cond.Broadcast() // 唤醒所有 worker 以便它们退出
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		// 如果队列为空，等待新扰动
		for d.queue.Len() == 0 {
			if ctx.Err() != nil {
				d.mu.Unlock()
				return
			}
			d.cond.Wait()
		}

		// 再次检查是否需要退出
		if ctx.Err() != nil {
			d.mu.Unlock()
			return
		}

		// 取出最严重的扰动
		t, _ := d.queue.Pop()
		metrics.DisruptionsInQueue.Dec()
		d.mu.Unlock()

		// 获取 worker 凭证（控制并发数）
		select {
		case workerPool <- struct{}{}:
		case <-ctx.Done():
			// 未分发的扰动留在 WAL 中，下次启动时恢复
			return
		}
		d.wg.Add(1)

		go func(t Task) {
			defer d.wg.Done()
			defer func() { <-workerPool }() // 释放 worker 凭证

			// 生成 Trace ID 并注入 Context，用于全链路追踪
			traceID := util.NewTraceID()
			taskCtx := util.ContextWithTraceID(ctx, traceID)
			d.process(taskCtx, t)
		}(t)
	}
}

func (d *Dispatcher) process(ctx context.Context, t Task) {
	res, err := d.orch.HandleDisruption(ctx, t.RunID, t.Disruption)
	traceID, _ := util.TraceIDFromContext(ctx)
	switch {
	case errors.Is(err, ErrUnknownRun):
		// 任务只存在于内存中，重启后恢复的扰动可能找不到所属任务
		d.logger.Warn("扰动所属的排程任务不存在，丢弃", "run_id", t.RunID, "disruption", t.Disruption.ID, "trace_id", traceID)
	case err != nil:
		d.logger.Error("扰动处理失败", "run_id", t.RunID, "disruption", t.Disruption.ID, "trace_id", traceID, "error", err)
	default:
		d.logger.Info("扰动分发完成", "run_id", t.RunID, "disruption", t.Disruption.ID, "trace_id", traceID,
			"queued", res.Queued, "applied", res.Applied)
		return
	}
	// 无法处理的扰动直接标记完成，避免每次启动都重放
	if d.wal != nil {
		if err := d.wal.Complete(t.Disruption.ID); err != nil {
			d.logger.Error("写入扰动完成日志失败", "disruption", t.Disruption.ID, "trace_id", traceID, "error", err)
		}
	}
}

// WaitForCompletion 等待所有正在处理的扰动完成
// 用于优雅停机
func (d *Dispatcher) WaitForCompletion() {
	d.wg.Wait()
}
