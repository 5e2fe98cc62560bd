package web

import (
	"sync"
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// RunState 定义了用于 UI 展示的排程任务状态
// 这是一个简化的视图，只包含前端需要的数据
type RunState struct {
	ID          string              `json:"id"`
	Phase       string              `json:"phase"`
	Stats       types.ScheduleStats `json:"stats"`
	Disruptions int                 `json:"disruptions"`
	Adjustments int                 `json:"adjustments"`
	Pending     *types.ActionSpec   `json:"pending,omitempty"` // 等待人工确认的调整
	Confidence  float64             `json:"confidence,omitempty"`
	Error       string              `json:"error,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// GlobalState 代表全部排程任务的实时状态快照
type GlobalState struct {
	Runs map[string]RunState `json:"runs"`
}

// StateTracker 负责追踪所有排程任务的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 为 nil 时不广播
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{Runs: make(map[string]RunState)},
		hub:   hub,
	}
}

// update 修改单个任务的状态并广播最新的全局状态
// 事件处理器是异步执行的，任务可能先收到阶段变化再被登记，所以这里按需创建
func (st *StateTracker) update(id string, fn func(r *RunState)) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := st.state.Runs[id]
	if !ok {
		r = RunState{ID: id}
	}
	fn(&r)
	r.UpdatedAt = time.Now()
	st.state.Runs[id] = r

	if st.hub != nil {
		st.hub.BroadcastState(st.state)
	}
}

// AddRun 登记一个排程任务
func (st *StateTracker) AddRun(id, phase string, stats types.ScheduleStats) {
	st.update(id, func(r *RunState) {
		r.Phase = phase
		r.Stats = stats
	})
}

// UpdatePhase 更新任务阶段
func (st *StateTracker) UpdatePhase(id, phase string) {
	st.update(id, func(r *RunState) { r.Phase = phase })
}

// RecordDisruption 记录一次扰动后的排程统计
func (st *StateTracker) RecordDisruption(id string, stats types.ScheduleStats) {
	st.update(id, func(r *RunState) {
		r.Disruptions++
		r.Stats = stats
	})
}

// RecordAdjustment 记录一次已执行的调整，并清除等待确认的建议
func (st *StateTracker) RecordAdjustment(id string, stats types.ScheduleStats) {
	st.update(id, func(r *RunState) {
		r.Adjustments++
		r.Stats = stats
		r.Pending, r.Confidence = nil, 0
	})
}

// SetPending 设置或清除等待人工确认的调整建议
func (st *StateTracker) SetPending(id string, action *types.ActionSpec, confidence float64) {
	st.update(id, func(r *RunState) {
		r.Pending, r.Confidence = action, confidence
	})
}

// Fail 记录任务失败原因
func (st *StateTracker) Fail(id string, err error) {
	st.update(id, func(r *RunState) {
		if err != nil {
			r.Error = err.Error()
		}
	})
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	// 创建深拷贝以避免并发问题
	newState := GlobalState{Runs: make(map[string]RunState)}
	for id, r := range st.state.Runs {
		if r.Pending != nil {
			p := *r.Pending
			r.Pending = &p
		}
		newState.Runs[id] = r
	}
	return newState
}
