package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/filter"
	"estatehunter/internal/history"
	"estatehunter/internal/model"
	"estatehunter/internal/score"
	"estatehunter/internal/store"
)

// RescoreResult 一个城市重新评分的汇总。
type RescoreResult struct {
	City    string
	Checked int
	Changed int
	Failed  int
	Events  []model.Event
}

// Rescore 在街区统计刷新后重新计算城市内活跃房源的分数。
//
// 与批次处理共用城市锁；分数向上穿越通知阈值且通过过滤的房源会产生 score-changed 事件。
func (p *Processor) Rescore(ctx context.Context, cfg config.Pipeline, city string) (RescoreResult, error) {
	out := RescoreResult{City: city}
	if err := cfg.Validate(); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	unlock := p.locks.Lock(cityLockKey(city))
	defer unlock()

	listings, err := p.store.GetActiveByCity(ctx, city)
	if err != nil {
		return out, fmt.Errorf("load listings: %w", err)
	}
	stats, err := p.store.NeighborhoodStats(ctx, city)
	if err != nil {
		return out, fmt.Errorf("load stats: %w", err)
	}

	now := p.now()
	for i := range listings {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Checked++
		ev, changed, err := p.rescoreOne(ctx, cfg, city, listings[i].ID, stats, now)
		if err != nil {
			out.Failed++
			p.logger.Warn("rescore update failed",
				slog.Uint64("listing_id", uint64(listings[i].ID)),
				slog.String("error", err.Error()))
			continue
		}
		if changed {
			out.Changed++
		}
		if ev != nil {
			out.Events = append(out.Events, *ev)
		}
	}

	p.logger.Info("city rescored",
		slog.String("city", city),
		slog.Int("checked", out.Checked),
		slog.Int("changed", out.Changed),
		slog.Int("failed", out.Failed),
		slog.Int("events", len(out.Events)))
	return out, nil
}

// rescoreOne 在房源锁内重新读取并评分单个房源；房源已离开该城市或被隐藏时跳过。
func (p *Processor) rescoreOne(ctx context.Context, cfg config.Pipeline, city string, id uint, stats []model.NeighborhoodStats, now time.Time) (*model.Event, bool, error) {
	unlock := p.locks.Lock(listingLockKey(id))
	defer unlock()

	l, err := p.store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if l.City != city || !l.Active() {
		return nil, false, nil
	}

	prices, _, err := p.store.RecentHistory(ctx, l.ID, 2)
	if err != nil {
		return nil, false, err
	}
	trend := history.FromEntries(prices, nil).Trend()
	before := l.DealScore
	res := score.Compute(l, score.Lookup(stats, l.City, l.Neighborhood), cfg.Preferences, trend.Bucket, now)
	if res == storedResult(l) {
		return nil, false, nil
	}
	res.Apply(l)
	if err := p.store.Update(ctx, store.ChangeSet{Listing: l}); err != nil {
		return nil, false, err
	}

	if crossedUp(before, l.DealScore, cfg.Notify.MinDealScore) && notifiable(l) && filter.Evaluate(l, cfg.Filter).Pass {
		ev := p.event(l, model.EventScoreChanged, trend)
		return &ev, true, nil
	}
	return nil, true, nil
}

func storedResult(l *model.Listing) score.Result {
	return score.Result{
		Total:    l.DealScore,
		Price:    l.ScorePrice,
		Features: l.ScoreFeatures,
		Recency:  l.ScoreRecency,
		Trend:    l.ScoreTrend,
	}
}
