package sim

import (
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/adjust"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Scenario 一个可复现的仿真场景：初始排程、机台和扰动随机种子
// 同一场景同一种子下，不同策略面对完全相同的随机扰动序列
type Scenario struct {
	Name        string
	Seed        int64
	Schedule    *types.Schedule
	Machines    []*types.Machine
	Disruptions []types.Disruption // 按时刻注入的确定性扰动
}

// Start 用场景初始化环境，seedOffset 叠加在场景种子上用于重复运行
func (e *Environment) Start(sc Scenario, seedOffset int64) (Observation, error) {
	e.Seed(sc.Seed + seedOffset)
	obs, err := e.Reset(sc.Schedule, sc.Machines)
	if err != nil {
		return Observation{}, err
	}
	for _, d := range sc.Disruptions {
		e.Inject(d)
	}
	return obs, nil
}

// Attach 把环境对齐到在线排程在 now 时刻的状态，供实时推理使用
// cons 是现场已知的约束（停机窗口等），会被拷贝
func (e *Environment) Attach(s *types.Schedule, machines []*types.Machine, cons adjust.Constraints, now int) (Observation, error) {
	if _, err := e.Reset(s, machines); err != nil {
		return Observation{}, err
	}
	e.cons = cons.Clone()
	if e.cons.Delta <= 0 {
		e.cons.Delta = e.cfg.ActionDelta
	}
	e.now = max(now, 0)
	e.advanceStatuses(e.now)
	return e.Observe(), nil
}
