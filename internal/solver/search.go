package solver

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// 每展开多少个节点检查一次截止时间
const deadlineCheckEvery = 256

const eps = 1e-9

// child 是搜索树中的一个分支：把某道工序放到某台机台上
type child struct {
	job     int
	machine int
	start   int
	opID    string
}

// search 保存分支定界的全部可变状态，整个搜索在同一个 goroutine 内完成
type search struct {
	p        Problem
	jobs     []*types.Job
	machines []*types.Machine // 只包含未停机的机台
	eligible map[string][]int // 能力 -> 可用机台下标
	slots    map[string]int   // 能力 -> 可用槽位总数
	caps     []string
	symmetry []string // 机台签名，用于剪掉等价机台的重复分支

	tl        []*types.Timeline
	next      []int // 每个工单下一道待排工序的下标
	ready     []int // 每个工单下一道工序的最早开工时间
	remaining []int // 每个工单剩余加工时长
	capWork   map[string]int

	best      *types.Schedule
	bestObj   float64
	seedRule  dispatch.Rule
	rootBound float64

	nodes     int64
	deadline  time.Time
	stopped   bool
	exhausted bool
}

func newSearch(p Problem, jobs []*types.Job) *search {
	s := &search{
		p:        p,
		jobs:     jobs,
		eligible: make(map[string][]int),
		slots:    make(map[string]int),
		capWork:  make(map[string]int),
		bestObj:  math.Inf(1),
	}
	for _, m := range p.Machines {
		if m.Status != types.MachineDown {
			s.machines = append(s.machines, m)
		}
	}
	slices.SortFunc(s.machines, func(a, b *types.Machine) int { return strings.Compare(a.ID, b.ID) })
	for _, m := range s.machines {
		s.tl = append(s.tl, types.NewTimeline(m.Slots()))
		caps := slices.Clone(m.Capabilities)
		slices.Sort(caps)
		s.symmetry = append(s.symmetry, strings.Join(caps, ",")+"/"+m.Type+"/"+strconv.Itoa(m.Slots()))
	}

	s.next = make([]int, len(jobs))
	s.ready = make([]int, len(jobs))
	s.remaining = make([]int, len(jobs))
	for j, job := range jobs {
		s.ready[j] = job.Release
		s.remaining[j] = job.TotalWork()
		for _, op := range job.Operations {
			if _, ok := s.eligible[op.Capability]; !ok {
				for i, m := range s.machines {
					if m.Can(op.Capability) {
						s.eligible[op.Capability] = append(s.eligible[op.Capability], i)
						s.slots[op.Capability] += m.Slots()
					}
				}
				s.caps = append(s.caps, op.Capability)
			}
			s.capWork[op.Capability] += op.Duration
		}
	}
	slices.Sort(s.caps)
	return s
}

// offer 用完整排程更新上界，只接受严格更优的解
func (s *search) offer(sched *types.Schedule, rule dispatch.Rule) {
	obj := sched.Objective(s.p.Weights)
	if obj < s.bestObj-eps {
		s.best = sched
		s.bestObj = obj
		s.seedRule = rule
	}
}

// run 执行深度优先分支定界
func (s *search) run() {
	s.rootBound = s.bound()
	if s.best != nil && s.bestObj <= s.rootBound+eps {
		// 初始解已经达到下界
		s.exhausted = true
		return
	}
	if s.withinGap() {
		return
	}
	s.dfs(0)
	if !s.stopped {
		s.exhausted = true
	}
}

func (s *search) withinGap() bool {
	return s.best != nil && s.p.GapTolerance > 0 && gap(s.bestObj, s.rootBound) <= s.p.GapTolerance
}

func (s *search) total() int {
	n := 0
	for _, j := range s.jobs {
		n += len(j.Operations)
	}
	return n
}

func (s *search) dfs(placed int) {
	if s.stopped {
		return
	}
	s.nodes++
	if s.nodes%deadlineCheckEvery == 0 && time.Now().After(s.deadline) {
		s.stopped = true
		return
	}

	if placed == s.total() {
		s.offer(s.snapshot(), "")
		if s.withinGap() {
			s.stopped = true
		}
		return
	}
	if s.bound() >= s.bestObj-eps {
		return
	}

	for _, c := range s.children() {
		s.apply(c)
		s.dfs(placed + 1)
		s.undo(c)
		if s.stopped {
			return
		}
	}
}

// children 生成当前节点的全部分支，并按确定的顺序排列
func (s *search) children() []child {
	var out []child
	for j, job := range s.jobs {
		if s.next[j] >= len(job.Operations) {
			continue
		}
		op := job.Operations[s.next[j]]
		usedEmpty := make(map[string]bool)
		for _, mi := range s.eligible[op.Capability] {
			// 两台完全空闲且签名相同的机台互相等价，只展开第一台
			if len(s.tl[mi].Busy) == 0 {
				if usedEmpty[s.symmetry[mi]] {
					continue
				}
				usedEmpty[s.symmetry[mi]] = true
			}
			start := s.tl[mi].EarliestStart(s.ready[j], op.Duration)
			if s.p.Horizon > 0 && start+op.Duration > s.p.Horizon {
				continue
			}
			out = append(out, child{job: j, machine: mi, start: start, opID: op.ID})
		}
	}
	slices.SortFunc(out, func(a, b child) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		if c := strings.Compare(a.opID, b.opID); c != 0 {
			return c
		}
		return strings.Compare(s.machines[a.machine].ID, s.machines[b.machine].ID)
	})
	return out
}

func (s *search) apply(c child) {
	job := s.jobs[c.job]
	op := job.Operations[s.next[c.job]]
	op.MachineID = s.machines[c.machine].ID
	op.Start = c.start
	op.End = c.start + op.Duration
	op.Status = types.OpScheduled
	s.tl[c.machine].Add(types.Interval{Start: op.Start, End: op.End, Ref: op.ID})
	s.next[c.job]++
	s.ready[c.job] = op.End
	s.remaining[c.job] -= op.Duration
	s.capWork[op.Capability] -= op.Duration
}

func (s *search) undo(c child) {
	s.next[c.job]--
	job := s.jobs[c.job]
	op := job.Operations[s.next[c.job]]
	s.tl[c.machine].Remove(op.ID)
	s.remaining[c.job] += op.Duration
	s.capWork[op.Capability] += op.Duration
	if pred := job.Predecessor(op); pred != nil {
		s.ready[c.job] = pred.End
	} else {
		s.ready[c.job] = job.Release
	}
	op.MachineID, op.Start, op.End = "", 0, 0
	op.Status = types.OpPending
}

// bound 计算当前部分排程的目标下界
// 工期下界取工单链下界和各能力组负载下界的最大值，拖期下界按工单链下界计算
func (s *search) bound() float64 {
	span, tardiness := 0, 0
	capEst := make(map[string]int, len(s.caps))
	for j, job := range s.jobs {
		var end int
		if s.next[j] >= len(job.Operations) {
			end = job.Completion()
		} else {
			end = s.ready[j] + s.remaining[j]
			est := s.ready[j]
			for _, op := range job.Operations[s.next[j]:] {
				if cur, ok := capEst[op.Capability]; !ok || est < cur {
					capEst[op.Capability] = est
				}
				est += op.Duration
			}
		}
		span = max(span, end)
		tardiness += max(0, end-job.Due)
	}
	for _, c := range s.caps {
		w := s.capWork[c]
		if w == 0 {
			continue
		}
		t0 := capEst[c]
		busy := 0
		for _, mi := range s.eligible[c] {
			busy += s.tl[mi].BusyMinutes(t0, math.MaxInt32)
		}
		slots := s.slots[c]
		span = max(span, t0+(busy+w+slots-1)/slots)
	}
	return s.p.Weights.Makespan*float64(span) + s.p.Weights.Tardiness*float64(tardiness)
}

// snapshot 拷贝当前完整排程
func (s *search) snapshot() *types.Schedule {
	jobs := make([]*types.Job, len(s.jobs))
	for i, j := range s.jobs {
		jobs[i] = j.Clone()
	}
	return types.NewSchedule(s.p.Origin, jobs)
}
