package station

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/types"
	"github.com/ncthanh2001/UIT-Final-Project-sub002/internal/util"
)

// Replay 按发生时刻依次上报扰动，上报前先把现场时钟推进到扰动时刻
// pace 是每分钟排程时间对应的真实等待时长，0 表示不等待
func (c *Client) Replay(ctx context.Context, runID string, ds []types.Disruption, pace time.Duration) ([]string, error) {
	ds = slices.Clone(ds)
	slices.SortStableFunc(ds, func(a, b types.Disruption) int { return cmp.Compare(a.Start, b.Start) })

	var ids []string
	now := 0
	for _, d := range ds {
		if wait := time.Duration(d.Start-now) * pace; wait > 0 {
			select {
			case <-ctx.Done():
				return ids, ctx.Err()
			case <-time.After(wait):
			}
		}
		// 每个扰动一条独立的链路
		tctx := util.ContextWithTraceID(ctx, util.NewTraceID())
		if d.Start > now {
			if _, err := c.Advance(tctx, runID, d.Start); err != nil {
				return ids, err
			}
			now = d.Start
		}
		id, err := c.Report(tctx, runID, d)
		if err != nil {
			return ids, err
		}
		c.logger.Info("扰动已上报", "run_id", runID, "disruption", id, "type", d.Type, "at", d.Start)
		ids = append(ids, id)
	}
	return ids, nil
}
