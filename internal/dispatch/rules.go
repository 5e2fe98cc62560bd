package dispatch

import (
	"fmt"
	"strings"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

// Rule 确定性派工规则
type Rule string

const (
	SPT      Rule = "spt"       // 最短加工时间优先
	LPT      Rule = "lpt"       // 最长加工时间优先
	EDD      Rule = "edd"       // 最早交期优先
	FCFS     Rule = "fcfs"      // 先到先服务
	CR       Rule = "cr"        // 临界比最小优先
	MinSlack Rule = "min_slack" // 最小松弛时间优先
)

// Rules 按固定顺序列出全部规则
var Rules = []Rule{SPT, LPT, EDD, FCFS, CR, MinSlack}

// ParseRule 解析规则名称
func ParseRule(s string) (Rule, error) {
	r := Rule(strings.ToLower(s))
	for _, known := range Rules {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown dispatch rule %q", s)
}

// remainingWork 返回从 op 开始（含）到工单结束的剩余加工时长
func remainingWork(job *types.Job, op *types.Operation) int {
	total := 0
	for _, o := range job.Operations[op.Index:] {
		total += o.Duration
	}
	return total
}

// Key 计算规则的排序键，越小越先派工
func Key(rule Rule, job *types.Job, op *types.Operation, now int) float64 {
	rem := remainingWork(job, op)
	switch rule {
	case SPT:
		return float64(op.Duration)
	case LPT:
		return -float64(op.Duration)
	case EDD:
		return float64(job.Due)
	case FCFS:
		return float64(job.Release)
	case CR:
		return float64(job.Due-now) / float64(max(rem, 1))
	case MinSlack:
		return float64(job.Due - now - rem)
	default:
		return float64(op.Index)
	}
}

// Less 比较两道工序的派工先后：规则键、工单优先级、工序 ID
func Less(rule Rule, ja *types.Job, a *types.Operation, jb *types.Job, b *types.Operation, now int) bool {
	ka, kb := Key(rule, ja, a, now), Key(rule, jb, b, now)
	if ka != kb {
		return ka < kb
	}
	if ja.Priority != jb.Priority {
		return ja.Priority > jb.Priority
	}
	return a.ID < b.ID
}
