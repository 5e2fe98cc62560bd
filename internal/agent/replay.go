package agent

import "math/rand/v2"

// Replay 有界经验回放缓冲区，写满后覆盖最旧的经验
type Replay struct {
	buf  []Transition
	next int
}

// NewReplay 创建容量为 capacity 的缓冲区
func NewReplay(capacity int) *Replay {
	if capacity <= 0 {
		capacity = 1
	}
	return &Replay{buf: make([]Transition, 0, capacity)}
}

// Add 写入一条经验
func (r *Replay) Add(t Transition) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, t)
		return
	}
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
}

// Len 返回当前经验数
func (r *Replay) Len() int { return len(r.buf) }

// Cap 返回容量
func (r *Replay) Cap() int { return cap(r.buf) }

// Sample 有放回地均匀采样 n 条经验
func (r *Replay) Sample(rng *rand.Rand, n int) []Transition {
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]Transition, n)
	for i := range out {
		out[i] = r.buf[rng.IntN(len(r.buf))]
	}
	return out
}
