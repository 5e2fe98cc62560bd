package event

import (
	"sync"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/fsm"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	RunPlanned         EventType = "RunPlanned"         // 排程任务求解完成，进入监控
	RunFailed          EventType = "RunFailed"          // 排程任务失败（不可行或求解出错）
	RunCompleted       EventType = "RunCompleted"       // 排程任务结束
	PhaseChanged       EventType = "PhaseChanged"       // 排程任务阶段变化
	DisruptionReceived EventType = "DisruptionReceived" // 扰动已落到在线排程上
	DisruptionQueued   EventType = "DisruptionQueued"   // 调整进行中，扰动进入等待队列
	AdjustmentProposed EventType = "AdjustmentProposed" // 调整建议等待人工确认
	AdjustmentApplied  EventType = "AdjustmentApplied"  // 调整动作已执行
	AdjustmentRejected EventType = "AdjustmentRejected" // 调整动作不可行或被驳回
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type       EventType           // 事件类型
	RunID      string              // 关联的排程任务 ID
	Phase      fsm.State           // 当前阶段
	From       fsm.State           // 变化前的阶段 (仅 PhaseChanged)
	Disruption *types.Disruption   // 关联的扰动 (仅扰动相关事件)
	Action     *types.ActionSpec   // 关联的调整动作 (仅调整相关事件)
	Confidence float64             // 调整动作的置信度
	Affected   []string            // 受影响的工序 ID
	Stats      types.ScheduleStats // 事件发生后的排程统计
	Error      error               // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// nil 总线上的发布直接忽略，便于在测试中省略事件总线
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
