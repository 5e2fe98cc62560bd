package sim

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/config"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// 每步固定消耗的随机数个数，保证扰动序列与动作无关
const drawsPerStep = 8

// generator 按步随机生成扰动，使用独立的随机源
type generator struct {
	cfg config.EnvironmentConfig
	rng *rand.Rand
	seq int
}

func newGenerator(cfg config.EnvironmentConfig, seed int64) *generator {
	return &generator{cfg: cfg, rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))}
}

// sample 为 [from, to) 采样至多一个扰动
// 无论是否产生扰动都消耗 drawsPerStep 个随机数
func (g *generator) sample(s *types.Schedule, machines []*types.Machine, from, to int) (types.Disruption, bool) {
	var u [drawsPerStep]float64
	for i := range u {
		u[i] = g.rng.Float64()
	}
	if u[0] >= g.cfg.DisruptionProb {
		return types.Disruption{}, false
	}

	kind := types.DisruptionTypes[int(u[1]*float64(len(types.DisruptionTypes)))%len(types.DisruptionTypes)]
	at := from + int(u[2]*float64(max(to-from, 1)))
	g.seq++
	d := types.Disruption{ID: fmt.Sprintf("sim-%d", g.seq), Type: kind, Start: at}

	pick := func(n int) int { return int(u[3]*float64(n)) % n }
	spread := func(lo, hi int) int {
		if hi <= lo {
			return max(lo, 1)
		}
		return lo + int(u[4]*float64(hi-lo+1))
	}

	switch kind {
	case types.MachineBreakdown, types.WorkerAbsence:
		var up []*types.Machine
		for _, m := range machines {
			if m.Status != types.MachineDown {
				up = append(up, m)
			}
		}
		if len(up) == 0 {
			return types.Disruption{}, false
		}
		d.MachineID = up[pick(len(up))].ID
		d.Duration = spread(g.cfg.BreakdownMin, g.cfg.BreakdownMax)
		if kind == types.WorkerAbsence {
			d.Duration = max(d.Duration/2, 1)
		}

	case types.ProcessingDelay:
		ops := filter(s, func(op *types.Operation) bool { return op.Status != types.OpDone })
		if len(ops) == 0 {
			return types.Disruption{}, false
		}
		d.OperationID = ops[pick(len(ops))].ID
		d.Duration = spread(1, max(g.cfg.DelayMax, 1))

	case types.MaterialShortage:
		ops := filter(s, func(op *types.Operation) bool { return !op.Started() })
		if len(ops) == 0 {
			return types.Disruption{}, false
		}
		d.OperationID = ops[pick(len(ops))].ID
		d.Duration = spread(1, max(g.cfg.DelayMax, 1))

	case types.QualityRework:
		ops := filter(s, func(op *types.Operation) bool { return op.Started() })
		if len(ops) == 0 {
			return types.Disruption{}, false
		}
		op := ops[pick(len(ops))]
		d.OperationID = op.ID
		d.Duration = max(op.Duration/2, 1)

	case types.RushOrder:
		var caps []string
		for _, m := range machines {
			for _, c := range m.Capabilities {
				if !slices.Contains(caps, c) {
					caps = append(caps, c)
				}
			}
		}
		if len(caps) == 0 {
			return types.Disruption{}, false
		}
		slices.Sort(caps)
		n := 1 + int(u[5]*3)
		job := &types.Job{ID: fmt.Sprintf("rush-%d", g.seq), Release: at, Priority: 5}
		work := 0
		for k := 0; k < n; k++ {
			c := caps[(pick(len(caps))+k)%len(caps)]
			dur := 15 + int(u[6+k%2]*45)
			work += dur
			job.Operations = append(job.Operations, &types.Operation{
				ID:         fmt.Sprintf("%s-%d", job.ID, k+1),
				Capability: c,
				Duration:   dur,
			})
		}
		job.Due = at + 2*work
		d.Job = job
	}
	return d, true
}

func filter(s *types.Schedule, keep func(*types.Operation) bool) []*types.Operation {
	var out []*types.Operation
	for _, op := range s.Operations() {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}
