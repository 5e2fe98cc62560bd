package fsm

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// 排程任务阶段
const (
	PhaseIdle       State = "IDLE"
	PhaseAnalyzing  State = "ANALYZING"
	PhaseSolving    State = "SOLVING"
	PhaseMonitoring State = "MONITORING"
	PhaseAdjusting  State = "ADJUSTING"
	PhaseDone       State = "DONE"
	PhaseFailed     State = "FAILED"
)

const (
	EventAnalyze  Event = "ANALYZE"
	EventSolve    Event = "SOLVE"
	EventSolved   Event = "SOLVED"
	EventDisrupt  Event = "DISRUPT"
	EventAdjusted Event = "ADJUSTED"
	EventComplete Event = "COMPLETE"
	EventFail     Event = "FAIL"
)

// 模型版本生命周期事件，状态直接使用版本状态名
const (
	EventDeploy     Event = "DEPLOY"
	EventPromote    Event = "PROMOTE"
	EventRetire     Event = "RETIRE"
	EventReactivate Event = "REACTIVATE"
)

// Transition 一条状态转移
type Transition struct {
	From  State
	Event Event
	To    State
}

// Table 状态转移表: CurrentState -> Event -> NextState
type Table map[State]map[Event]State

// NewTable 由转移列表构造转移表
func NewTable(transitions ...Transition) Table {
	t := make(Table)
	for _, tr := range transitions {
		if _, ok := t[tr.From]; !ok {
			t[tr.From] = make(map[Event]State)
		}
		t[tr.From][tr.Event] = tr.To
	}
	return t
}

// Next 查找合法的转移
func (t Table) Next(from State, event Event) (State, error) {
	next, ok := t[from][event]
	if !ok {
		return from, fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, from)
	}
	return next, nil
}

// RunPhases 排程任务的阶段转移表
// 分析阶段可选；调整结束后回到监控，求解或分析失败进入 FAILED
var RunPhases = NewTable(
	Transition{PhaseIdle, EventAnalyze, PhaseAnalyzing},
	Transition{PhaseIdle, EventSolve, PhaseSolving},
	Transition{PhaseAnalyzing, EventSolve, PhaseSolving},
	Transition{PhaseAnalyzing, EventFail, PhaseFailed},
	Transition{PhaseSolving, EventSolved, PhaseMonitoring},
	Transition{PhaseSolving, EventFail, PhaseFailed},
	Transition{PhaseMonitoring, EventDisrupt, PhaseAdjusting},
	Transition{PhaseAdjusting, EventAdjusted, PhaseMonitoring},
	Transition{PhaseMonitoring, EventComplete, PhaseDone},
)

// 模型版本状态，与 types.VersionState 的取值一致
const (
	VersionRegistered State = "registered"
	VersionShadow     State = "shadow"
	VersionActive     State = "active"
	VersionRetired    State = "retired"
)

// ModelLifecycle 模型版本的生命周期转移表
// 回滚时被退役的旧版本通过 REACTIVATE 重新激活
var ModelLifecycle = NewTable(
	Transition{VersionRegistered, EventDeploy, VersionShadow},
	Transition{VersionRegistered, EventPromote, VersionActive},
	Transition{VersionRegistered, EventRetire, VersionRetired},
	Transition{VersionShadow, EventPromote, VersionActive},
	Transition{VersionShadow, EventRetire, VersionRetired},
	Transition{VersionActive, EventRetire, VersionRetired},
	Transition{VersionRetired, EventReactivate, VersionActive},
)

// FSM 有限状态机
type FSM struct {
	mu          sync.Mutex
	current     State
	transitions Table
	// callbacks 定义状态变更后的回调: State -> func()
	callbacks map[State]func(targetID string, from State)
	logger    *slog.Logger
	TargetID  string // 关联的目标对象ID（如排程任务ID）
}

// New 创建状态机，logger 为 nil 时不输出日志
func New(targetID string, initial State, table Table, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FSM{
		current:     initial,
		transitions: table,
		callbacks:   make(map[State]func(string, State)),
		logger:      logger.With("component", "fsm"),
		TargetID:    targetID,
	}
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断事件在当前状态下是否合法
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// RegisterCallback 注册状态进入时的回调
// 回调在状态机锁外同步执行，可以在回调中读取 Current，但不要再调用 Fire
func (f *FSM) RegisterCallback(state State, callback func(targetID string, from State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Fire 触发事件，返回新状态
func (f *FSM) Fire(event Event) (State, error) {
	f.mu.Lock()
	nextState, err := f.transitions.Next(f.current, event)
	if err != nil {
		f.mu.Unlock()
		return f.current, err
	}
	prevState := f.current
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	f.logger.Debug("状态转移", "target", f.TargetID, "from", prevState, "to", nextState, "event", event)

	if cb != nil {
		cb(f.TargetID, prevState)
	}
	return nextState, nil
}
