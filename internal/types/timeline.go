package types

import (
	"slices"
)

// Interval 表示机台上的一段占用或不可用时间窗 [Start, End)
type Interval struct {
	Start int
	End   int
	Ref   string // 占用该时间窗的工序 ID，停机窗口为空
}

// Overlaps 判断两个半开区间是否相交
func (iv Interval) Overlaps(start, end int) bool {
	return iv.Start < end && start < iv.End
}

// Timeline 记录单台机台的占用情况，支持容量大于 1 的累积约束
type Timeline struct {
	Capacity int
	Busy     []Interval // 工序占用
	Blocked  []Interval // 停机、缺员等不可用窗口，期间整机不可用
}

// NewTimeline 创建一个指定容量的空时间线
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = 1
	}
	return &Timeline{Capacity: capacity}
}

// Overlap 返回 [start, end) 内任一时刻并发占用的最大数量
func (t *Timeline) Overlap(start, end int) int {
	if end <= start {
		return 0
	}
	points := []int{start}
	for _, iv := range t.Busy {
		if iv.Start > start && iv.Start < end {
			points = append(points, iv.Start)
		}
	}
	peak := 0
	for _, p := range points {
		n := 0
		for _, iv := range t.Busy {
			if iv.End > iv.Start && iv.Start <= p && p < iv.End {
				n++
			}
		}
		peak = max(peak, n)
	}
	return peak
}

// Fits 判断时长为 d 的工序能否在 start 开工
func (t *Timeline) Fits(start, d int) bool {
	end := start + d
	for _, b := range t.Blocked {
		if d == 0 {
			if b.Start <= start && start < b.End {
				return false
			}
			continue
		}
		if b.Overlaps(start, end) {
			return false
		}
	}
	return t.Overlap(start, end) < t.Capacity
}

// EarliestStart 返回不早于 est 的最早可行开工时间
// 候选点只需考虑 est 以及已有占用和停机窗口的结束时刻
func (t *Timeline) EarliestStart(est, d int) int {
	if t.Fits(est, d) {
		return est
	}
	candidates := make([]int, 0, len(t.Busy)+len(t.Blocked))
	for _, iv := range t.Busy {
		if iv.End > est {
			candidates = append(candidates, iv.End)
		}
	}
	for _, b := range t.Blocked {
		if b.End > est {
			candidates = append(candidates, b.End)
		}
	}
	slices.Sort(candidates)
	for _, c := range candidates {
		if t.Fits(c, d) {
			return c
		}
	}
	// 所有窗口结束之后必然可行
	last := est
	if len(candidates) > 0 {
		last = candidates[len(candidates)-1]
	}
	return last
}

// Add 记录一段占用
func (t *Timeline) Add(iv Interval) {
	t.Busy = append(t.Busy, iv)
}

// Remove 删除指定工序的占用，返回是否找到
func (t *Timeline) Remove(ref string) bool {
	for i, iv := range t.Busy {
		if iv.Ref == ref {
			t.Busy = slices.Delete(t.Busy, i, i+1)
			return true
		}
	}
	return false
}

// Block 增加一个不可用窗口
func (t *Timeline) Block(start, end int) {
	if end > start {
		t.Blocked = append(t.Blocked, Interval{Start: start, End: end})
	}
}

// BusyMinutes 返回 [from, to) 内的占用分钟数（按槽位累计）
func (t *Timeline) BusyMinutes(from, to int) int {
	total := 0
	for _, iv := range t.Busy {
		s, e := max(iv.Start, from), min(iv.End, to)
		if e > s {
			total += e - s
		}
	}
	return total
}

// Clone 拷贝时间线
func (t *Timeline) Clone() *Timeline {
	return &Timeline{
		Capacity: t.Capacity,
		Busy:     slices.Clone(t.Busy),
		Blocked:  slices.Clone(t.Blocked),
	}
}
