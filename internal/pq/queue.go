package pq

import "container/heap"

// item 是堆中的元素，记录插入序号以保证同优先级时先进先出
type item[T any] struct {
	value T
	seq   uint64
	index int
}

// items 实现了 heap.Interface 接口
type items[T any] struct {
	data []*item[T]
	less func(a, b T) bool
}

func (h items[T]) Len() int { return len(h.data) }

// Less 先按调用方提供的规则排序，规则相等时按插入顺序
func (h items[T]) Less(i, j int) bool {
	a, b := h.data[i], h.data[j]
	if h.less(a.value, b.value) {
		return true
	}
	if h.less(b.value, a.value) {
		return false
	}
	return a.seq < b.seq
}

func (h items[T]) Swap(i, j int) {
	h.data[i], h.data[j] = h.data[j], h.data[i]
	h.data[i].index = i
	h.data[j].index = j
}

func (h *items[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(h.data)
	h.data = append(h.data, it)
}

func (h *items[T]) Pop() any {
	old := h.data
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	it.index = -1
	h.data = old[:n-1]
	return it
}

// Queue 是基于二叉堆的优先级队列，less(a, b) 为真表示 a 先出队
// 非并发安全，调用方负责加锁
type Queue[T any] struct {
	h   items[T]
	seq uint64
}

// New 创建一个优先级队列
func New[T any](less func(a, b T) bool) *Queue[T] {
	return &Queue[T]{h: items[T]{less: less}}
}

// Len 返回队列长度
func (q *Queue[T]) Len() int { return q.h.Len() }

// Push 入队
func (q *Queue[T]) Push(v T) {
	q.seq++
	heap.Push(&q.h, &item[T]{value: v, seq: q.seq})
}

// Pop 取出优先级最高的元素
func (q *Queue[T]) Pop() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(&q.h).(*item[T])
	return it.value, true
}

// Peek 查看优先级最高的元素但不出队
func (q *Queue[T]) Peek() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.h.data[0].value, true
}

// Drain 按优先级顺序取出全部元素
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, q.Len())
	for q.Len() > 0 {
		v, _ := q.Pop()
		out = append(out, v)
	}
	return out
}
