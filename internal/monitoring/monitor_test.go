package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
)

func TestSummaryOverWindow(t *testing.T) {
	m := New(4, nil)
	yes, no := true, false
	for i, r := range []Record{
		{Reward: 100, LateJobs: 5},
		{Reward: 1, Confidence: 0.9, Applied: true, ShadowAgree: &yes},
		{Reward: 2, Confidence: 0.5, LateJobs: 1, ShadowAgree: &no},
		{Reward: 3, Confidence: 0.7, Applied: true, Fallback: true},
		{Reward: 4, Confidence: 0.3, Applied: true, ShadowAgree: &yes},
	} {
		got := m.Record(r)
		assert.NotZero(t, got.ID, i)
		assert.False(t, got.Time.IsZero())
	}

	s := m.Summary()
	assert.Equal(t, 4, s.Count, "最早的记录已滑出窗口")
	assert.InDelta(t, 2.5, s.MeanReward, 1e-9)
	assert.InDelta(t, 5.0/3.0, s.RewardVariance, 1e-9)
	assert.InDelta(t, 0.25, s.LateRate, 1e-9)
	assert.InDelta(t, 0.75, s.AppliedRate, 1e-9)
	assert.InDelta(t, 0.25, s.FallbackRate, 1e-9)
	assert.InDelta(t, 0.6, s.MeanConfidence, 1e-9)
	assert.Equal(t, 3, s.ShadowSamples)
	assert.InDelta(t, 2.0/3.0, s.ShadowAgreement, 1e-9)
}

func TestRecentIsChronological(t *testing.T) {
	m := New(3, nil)
	for i := 1; i <= 5; i++ {
		m.Record(Record{Reward: float64(i), Action: types.ActionSpec{Kind: types.KindNoOp}})
	}
	recent := m.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{recent[0].Reward, recent[1].Reward, recent[2].Reward})
	assert.Len(t, m.Recent(2), 2)
	assert.Equal(t, 5.0, m.Recent(1)[0].Reward)
}

func TestResetAndConcurrentRecord(t *testing.T) {
	m := New(50, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				m.Record(Record{Reward: 1})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, m.Summary().Count)

	ids := map[int64]bool{}
	for _, r := range m.Recent(0) {
		assert.False(t, ids[r.ID], "记录 ID 唯一")
		ids[r.ID] = true
	}

	m.Reset()
	assert.Zero(t, m.Summary().Count)
	assert.Empty(t, m.Recent(0))
}
