package problem

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/dispatch"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/sim"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Instance 一个作业车间问题实例，由外部协作者以 YAML 提供
type Instance struct {
	Name      string           `yaml:"name"`
	Origin    time.Time        `yaml:"origin"`
	Weights   types.Weights    `yaml:"weights"`
	Machines  []*types.Machine `yaml:"machines"`
	Jobs      []*types.Job     `yaml:"jobs"`
	Scenarios []ScenarioSpec   `yaml:"scenarios"`
}

// ScenarioSpec 留出评估场景：扰动种子加可选的确定性扰动
type ScenarioSpec struct {
	Name        string             `yaml:"name"`
	Seed        int64              `yaml:"seed"`
	Disruptions []types.Disruption `yaml:"disruptions"`
}

// Load 读取并校验问题文件
func Load(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取问题文件失败: %w", err)
	}
	in, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

// Parse 解析 YAML 格式的问题实例
func Parse(data []byte) (*Instance, error) {
	var in Instance
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("problem: decode yaml: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	for _, j := range in.Jobs {
		j.Normalize()
	}
	for _, m := range in.Machines {
		if m.Capacity <= 0 {
			m.Capacity = 1
		}
		if m.Status == "" {
			m.Status = types.MachineIdle
		}
	}
	if in.Weights == (types.Weights{}) {
		in.Weights = types.Weights{Makespan: 1, Tardiness: 10}
	}
	return &in, nil
}

// Validate 检查标识唯一、时长非负以及机台引用合法
func (in *Instance) Validate() error {
	if len(in.Machines) == 0 {
		return fmt.Errorf("problem: no machines")
	}
	seen := make(map[string]bool)
	for _, m := range in.Machines {
		if m.ID == "" || seen[m.ID] {
			return fmt.Errorf("problem: machine id %q is empty or duplicated", m.ID)
		}
		seen[m.ID] = true
	}
	for _, j := range in.Jobs {
		if j.ID == "" || seen[j.ID] {
			return fmt.Errorf("problem: job id %q is empty or duplicated", j.ID)
		}
		seen[j.ID] = true
		for _, op := range j.Operations {
			if op.ID == "" || seen[op.ID] {
				return fmt.Errorf("problem: operation id %q in job %s is empty or duplicated", op.ID, j.ID)
			}
			seen[op.ID] = true
			if op.Duration < 0 {
				return fmt.Errorf("problem: operation %s has negative duration", op.ID)
			}
		}
	}
	for _, sc := range in.Scenarios {
		for _, d := range sc.Disruptions {
			if d.Type.MachineScoped() && !seen[d.MachineID] {
				return fmt.Errorf("problem: scenario %s references unknown machine %q", sc.Name, d.MachineID)
			}
		}
	}
	return nil
}

// InitialSchedule 用最优派工规则生成初始排程，供训练和评估场景复用
func (in *Instance) InitialSchedule() (*types.Schedule, error) {
	s, _, err := dispatch.Best(in.Jobs, in.Machines, in.Weights, dispatch.Options{Origin: in.Origin})
	return s, err
}

// SimScenarios 把实例转换成仿真场景
// 文件中未声明场景时，用 base 起连续的 n 个种子生成场景
func (in *Instance) SimScenarios(s *types.Schedule, n int, base int64) []sim.Scenario {
	var out []sim.Scenario
	for _, sc := range in.Scenarios {
		out = append(out, sim.Scenario{
			Name:        sc.Name,
			Seed:        sc.Seed,
			Schedule:    s,
			Machines:    in.Machines,
			Disruptions: sc.Disruptions,
		})
	}
	if len(out) > 0 {
		return out
	}
	for i := range n {
		out = append(out, sim.Scenario{
			Name:     fmt.Sprintf("%s-%d", in.Name, i),
			Seed:     base + int64(i),
			Schedule: s,
			Machines: in.Machines,
		})
	}
	return out
}
