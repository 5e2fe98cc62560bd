package monitoring

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/metrics"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Record 一条实时决策及其结果
type Record struct {
	ID         int64            `json:"id"`
	RunID      string           `json:"run_id"`
	Time       time.Time        `json:"time"`
	AgentType  types.AgentType  `json:"agent_type"`
	Version    string           `json:"version,omitempty"`
	Action     types.ActionSpec `json:"action"`
	Confidence float64          `json:"confidence"`
	Reward     float64          `json:"reward"`
	LateJobs   int              `json:"late_jobs"` // 决策后排程中的逾期工单数
	Applied    bool             `json:"applied"`
	Fallback   bool             `json:"fallback"`

	// ShadowAgree 影子版本在同一时刻是否给出相同动作，没有影子版本时为 nil
	ShadowAgree *bool `json:"shadow_agree,omitempty"`
}

// Summary 滚动窗口统计
type Summary struct {
	Window          int     `json:"window"`
	Count           int     `json:"count"`
	MeanReward      float64 `json:"mean_reward"`
	RewardVariance  float64 `json:"reward_variance"`
	LateRate        float64 `json:"late_rate"`
	AppliedRate     float64 `json:"applied_rate"`
	FallbackRate    float64 `json:"fallback_rate"`
	MeanConfidence  float64 `json:"mean_confidence"`
	ShadowAgreement float64 `json:"shadow_agreement"`
	ShadowSamples   int     `json:"shadow_samples"`
}

// Monitor 记录实时决策并维护固定长度的滚动窗口
type Monitor struct {
	mu      sync.RWMutex
	window  int
	records []Record
	next    int
	logger  *slog.Logger
}

// New 创建监控器，window 为滚动窗口长度
func New(window int, logger *slog.Logger) *Monitor {
	if window <= 0 {
		window = 200
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{window: window, logger: logger.With("component", "monitoring")}
}

// Record 写入一条记录并刷新指标，返回补全 ID 和时间后的记录
func (m *Monitor) Record(r Record) Record {
	if r.ID == 0 {
		r.ID = util.NewID()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	m.mu.Lock()
	if len(m.records) < m.window {
		m.records = append(m.records, r)
	} else {
		m.records[m.next] = r
		m.next = (m.next + 1) % m.window
	}
	s := m.summaryLocked()
	m.mu.Unlock()

	export(s)
	if r.Fallback {
		m.logger.Debug("兜底策略决策", "run_id", r.RunID, "action", r.Action.Kind)
	}
	return r
}

// Summary 返回当前窗口统计
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summaryLocked()
}

// Recent 按时间顺序返回最近 n 条记录
func (m *Monitor) Recent(n int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ordered := make([]Record, 0, len(m.records))
	ordered = append(ordered, m.records[m.next:]...)
	ordered = append(ordered, m.records[:m.next]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Reset 清空窗口
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.records, m.next = nil, 0
	m.mu.Unlock()
	export(Summary{Window: m.window})
}

func (m *Monitor) summaryLocked() Summary {
	s := Summary{Window: m.window, Count: len(m.records)}
	if s.Count == 0 {
		return s
	}
	rewards := make([]float64, len(m.records))
	conf := make([]float64, len(m.records))
	late, applied, fallback, agree := 0, 0, 0, 0
	for i, r := range m.records {
		rewards[i] = r.Reward
		conf[i] = r.Confidence
		if r.LateJobs > 0 {
			late++
		}
		if r.Applied {
			applied++
		}
		if r.Fallback {
			fallback++
		}
		if r.ShadowAgree != nil {
			s.ShadowSamples++
			if *r.ShadowAgree {
				agree++
			}
		}
	}
	n := float64(s.Count)
	s.MeanReward = stat.Mean(rewards, nil)
	if s.Count > 1 {
		s.RewardVariance = stat.Variance(rewards, nil)
	}
	s.MeanConfidence = stat.Mean(conf, nil)
	s.LateRate = float64(late) / n
	s.AppliedRate = float64(applied) / n
	s.FallbackRate = float64(fallback) / n
	if s.ShadowSamples > 0 {
		s.ShadowAgreement = float64(agree) / float64(s.ShadowSamples)
	}
	return s
}

func export(s Summary) {
	metrics.RollingReward.WithLabelValues("mean").Set(s.MeanReward)
	metrics.RollingReward.WithLabelValues("variance").Set(s.RewardVariance)
	metrics.RollingLateRate.Set(s.LateRate)
	metrics.MonitorRates.WithLabelValues("applied").Set(s.AppliedRate)
	metrics.MonitorRates.WithLabelValues("fallback").Set(s.FallbackRate)
	metrics.MonitorRates.WithLabelValues("confidence").Set(s.MeanConfidence)
	metrics.MonitorRates.WithLabelValues("shadow_agreement").Set(s.ShadowAgreement)
}
