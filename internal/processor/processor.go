package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/dedup"
	"estatehunter/internal/filter"
	"estatehunter/internal/history"
	"estatehunter/internal/model"
	"estatehunter/internal/normalize"
	"estatehunter/internal/pkg/metrics"
	"estatehunter/internal/score"
	"estatehunter/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidConfig 配置不合法，整个批次不会被处理。
var ErrInvalidConfig = errors.New("invalid configuration")

// Outcome 单条记录的处理结果。
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Store 处理器依赖的持久化操作。
type Store interface {
	GetBySourceID(ctx context.Context, source, sourceID string) (*model.Listing, error)
	GetActiveByCity(ctx context.Context, city string) ([]model.Listing, error)
	GetListing(ctx context.Context, id uint) (*model.Listing, error)
	Create(ctx context.Context, cs store.ChangeSet) error
	Update(ctx context.Context, cs store.ChangeSet) error
	RecentHistory(ctx context.Context, listingID uint, n int) ([]model.PriceHistory, []model.DescriptionHistory, error)
	NeighborhoodStats(ctx context.Context, city string) ([]model.NeighborhoodStats, error)
}

// RecordResult 单条记录的处理结果，供调度层与看板汇总。
type RecordResult struct {
	Index      int           `json:"index"`
	Source     string        `json:"source"`
	SourceID   string        `json:"source_id"`
	ListingID  uint          `json:"listing_id,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Match      string        `json:"match,omitempty"` // 跨站合并的命中方式
	Incomplete bool          `json:"incomplete,omitempty"`
	Unresolved []string      `json:"unresolved,omitempty"`
	Score      int           `json:"score"`
	Filter     filter.Result `json:"filter"`
}

// Result 一个批次的处理结果。
type Result struct {
	BatchID string         `json:"batch_id"`
	Source  string         `json:"source"`
	Records []RecordResult `json:"records"`
	Events  []model.Event  `json:"events"`
}

// Counts 按结果类型计数。
func (r Result) Counts() map[string]int {
	counts := map[string]int{
		string(OutcomeCreated):   0,
		string(OutcomeUpdated):   0,
		string(OutcomeUnchanged): 0,
		string(OutcomeFailed):    0,
	}
	for _, rec := range r.Records {
		counts[string(rec.Outcome)]++
	}
	return counts
}

// Report 转换为推送给外部的批次汇总。
func (r Result) Report(processedAt time.Time, err error) model.BatchReport {
	rep := model.BatchReport{
		BatchID:     r.BatchID,
		Source:      r.Source,
		Counts:      r.Counts(),
		Events:      len(r.Events),
		ProcessedAt: processedAt,
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

// Processor 对每条原始记录执行 归一化 → 去重 → 新建或更新 → 历史 → 评分 → 过滤 → 事件。
//
// 同一城市内的查找与写入通过按城市加锁串行执行，不同城市、不同来源的批次可以并发处理。
// 对同一房源的更新另外按房源 ID 加锁，记录缺少城市或城市写法不同时也不会并发修改同一房源。
type Processor struct {
	store  Store
	logger *slog.Logger
	locks  *keyedMutex
	now    func() time.Time
	newID  func() string
}

// Option 配置 Processor。
type Option func(*Processor)

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New 创建处理器。
func New(st Store, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:  st,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run 一个批次内不变的上下文。
type run struct {
	cfg        config.Pipeline
	normalizer *normalize.Normalizer
	detector   *dedup.Detector
	source     string
	observedAt time.Time
}

func (p *Processor) prepare(cfg config.Pipeline) (*run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tables, err := normalize.LoadTables(cfg.TokenTablesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &run{
		cfg:        cfg,
		normalizer: normalize.New(tables, cfg.KnownCities),
		detector:   dedup.NewDetector(cfg.DuplicatePriceTolerance),
	}, nil
}

// ProcessBatch 处理一个批次。
//
// 只有配置不合法时返回错误（此时不处理任何记录）；单条记录失败只影响该记录的结果。
// ctx 取消后剩余记录标记为 failed，已处理的记录不受影响。
func (p *Processor) ProcessBatch(ctx context.Context, cfg config.Pipeline, batch model.RawBatch) (Result, error) {
	result := Result{BatchID: batch.BatchID, Source: batch.Source}

	r, err := p.prepare(cfg)
	if err != nil {
		p.logger.Error("batch rejected",
			slog.String("batch_id", batch.BatchID),
			slog.String("error", err.Error()))
		return result, err
	}
	r.source = batch.Source
	r.observedAt = batch.ScrapedAt
	if r.observedAt.IsZero() {
		r.observedAt = p.now()
	}

	result.Records = make([]RecordResult, 0, len(batch.Records))
	for i, raw := range batch.Records {
		if ctxErr := ctx.Err(); ctxErr != nil {
			rec := RecordResult{Index: i, Source: sourceOf(raw, batch.Source), SourceID: raw.SourceID, Outcome: OutcomeFailed, Reason: "canceled: " + ctxErr.Error()}
			result.Records = append(result.Records, rec)
			continue
		}
		rec, events := p.processRecord(ctx, r, i, raw)
		result.Records = append(result.Records, rec)
		result.Events = append(result.Events, events...)
	}

	for _, rec := range result.Records {
		metrics.RecordOutcomesTotal.WithLabelValues(string(rec.Outcome)).Inc()
	}
	for _, ev := range result.Events {
		metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}

	counts := result.Counts()
	p.logger.Info("batch processed",
		slog.String("batch_id", batch.BatchID),
		slog.String("source", batch.Source),
		slog.Int("records", len(batch.Records)),
		slog.Int("created", counts[string(OutcomeCreated)]),
		slog.Int("updated", counts[string(OutcomeUpdated)]),
		slog.Int("unchanged", counts[string(OutcomeUnchanged)]),
		slog.Int("failed", counts[string(OutcomeFailed)]),
		slog.Int("events", len(result.Events)))
	return result, nil
}

func sourceOf(raw model.RawRecord, batchSource string) string {
	if raw.Source != "" {
		return raw.Source
	}
	return batchSource
}

func (p *Processor) processRecord(ctx context.Context, r *run, index int, raw model.RawRecord) (RecordResult, []model.Event) {
	n := r.normalizer.Record(r.source, raw)
	rec := RecordResult{
		Index:      index,
		Source:     n.Source,
		SourceID:   n.SourceID,
		Incomplete: n.Incomplete,
		Unresolved: n.Unresolved,
	}
	if n.Source == "" || n.SourceID == "" {
		return p.failed(rec, "missing source or source id", nil)
	}

	unlockAlias := p.locks.Lock(aliasLockKey(n.Source, n.SourceID))
	defer unlockAlias()
	unlockCity := p.locks.Lock(cityLockKey(n.Location.City))
	defer unlockCity()

	existing, err := p.store.GetBySourceID(ctx, n.Source, n.SourceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return p.failed(rec, "lookup by source id", err)
	}

	knownAlias := existing != nil
	if existing == nil && n.Location.City != "" {
		candidates, err := p.store.GetActiveByCity(ctx, n.Location.City)
		if err != nil {
			return p.failed(rec, "load candidates", err)
		}
		if m := r.detector.Find(&n, candidates); m.Found {
			for i := range candidates {
				if candidates[i].ID == m.ListingID {
					c := candidates[i]
					existing = &c
					break
				}
			}
			rec.Match = string(m.Kind)
			if m.Matches > 1 {
				p.logger.Debug("ambiguous duplicate resolved",
					slog.String("source_id", n.SourceID),
					slog.Int("matches", m.Matches),
					slog.Uint64("listing_id", uint64(m.ListingID)))
			}
		}
	}

	if existing == nil {
		return p.create(ctx, r, rec, &n, raw)
	}

	// 城市锁按记录的城市取得，与房源已存的城市不一定一致；在房源锁内重新读取
	unlockListing := p.locks.Lock(listingLockKey(existing.ID))
	defer unlockListing()
	current, err := p.store.GetListing(ctx, existing.ID)
	if err != nil {
		return p.failed(rec, "reload listing", err)
	}
	return p.update(ctx, r, rec, &n, raw, current, knownAlias)
}

func (p *Processor) create(ctx context.Context, r *run, rec RecordResult, n *normalize.Listing, raw model.RawRecord) (RecordResult, []model.Event) {
	l := newListing(n, raw, r.observedAt)
	change := history.Observe(history.Snapshot{}, n.Price, n.Description, r.observedAt)

	res := score.Compute(l, p.statsFor(ctx, l), r.cfg.Preferences, change.Trend.Bucket, p.now())
	res.Apply(l)

	cs := store.ChangeSet{
		Listing:     l,
		Alias:       &model.ListingAlias{Source: n.Source, SourceID: n.SourceID, URL: n.URL},
		Price:       change.Price,
		Description: change.Description,
	}
	if err := p.store.Create(ctx, cs); err != nil {
		return p.failed(rec, "create listing", err)
	}

	rec.Outcome = OutcomeCreated
	rec.ListingID = l.ID
	rec.Score = l.DealScore
	rec.Filter = filter.Evaluate(l, r.cfg.Filter)

	var events []model.Event
	if rec.Filter.Pass && notifiable(l) {
		events = append(events, p.event(l, model.EventNewListing, change.Trend))
	}
	return rec, events
}

func (p *Processor) update(ctx context.Context, r *run, rec RecordResult, n *normalize.Listing, raw model.RawRecord, existing *model.Listing, knownAlias bool) (RecordResult, []model.Event) {
	before := *existing
	l := existing

	prices, descs, err := p.store.RecentHistory(ctx, l.ID, 2)
	if err != nil {
		return p.failed(rec, "load history", err)
	}
	change := history.Observe(history.FromEntries(prices, descs), n.Price, n.Description, r.observedAt)

	applyObservation(l, n, raw, knownAlias)
	if l.FirstSeen.IsZero() {
		l.FirstSeen = r.observedAt
	}
	if r.observedAt.After(l.LastSeen) {
		l.LastSeen = r.observedAt
	}

	res := score.Compute(l, p.statsFor(ctx, l), r.cfg.Preferences, change.Trend.Bucket, p.now())
	res.Apply(l)
	rec.Filter = filter.Evaluate(l, r.cfg.Filter)

	qualifyingDrop := change.Price != nil && change.Trend.Bucket.IsDrop() &&
		change.Trend.DropPercent() >= r.cfg.Notify.MinPriceDropPercent
	if qualifyingDrop && l.Status == model.StatusHidden {
		l.Status = model.StatusUnseen
	}

	// 状态由看板维护，这里只允许 hidden → unseen 的重置
	cs := store.ChangeSet{Listing: l, Price: change.Price, Description: change.Description, Unhide: qualifyingDrop}
	if !knownAlias {
		cs.Alias = &model.ListingAlias{Source: n.Source, SourceID: n.SourceID, URL: n.URL}
	}
	if err := p.store.Update(ctx, cs); err != nil {
		return p.failed(rec, "update listing", err)
	}

	rec.ListingID = l.ID
	rec.Score = l.DealScore
	rec.Incomplete = l.Incomplete
	if change.Empty() && cs.Alias == nil && !materiallyChanged(&before, l) {
		rec.Outcome = OutcomeUnchanged
	} else {
		rec.Outcome = OutcomeUpdated
	}

	var events []model.Event
	if !rec.Filter.Pass || !notifiable(l) {
		return rec, events
	}
	if qualifyingDrop {
		events = append(events, p.event(l, model.EventPriceDrop, change.Trend))
	}
	if crossedUp(before.DealScore, l.DealScore, r.cfg.Notify.MinDealScore) {
		events = append(events, p.event(l, model.EventScoreChanged, change.Trend))
	}
	return rec, events
}

func (p *Processor) failed(rec RecordResult, reason string, err error) (RecordResult, []model.Event) {
	rec.Outcome = OutcomeFailed
	rec.Reason = reason
	if err != nil {
		rec.Reason = reason + ": " + err.Error()
	}
	p.logger.Warn("record failed",
		slog.String("source", rec.Source),
		slog.String("source_id", rec.SourceID),
		slog.String("reason", rec.Reason))
	return rec, nil
}

// statsFor 读取房源所在街区的统计，失败时按缺失处理。
func (p *Processor) statsFor(ctx context.Context, l *model.Listing) *model.NeighborhoodStats {
	if l.City == "" {
		return nil
	}
	stats, err := p.store.NeighborhoodStats(ctx, l.City)
	if err != nil {
		p.logger.Warn("load neighborhood stats failed",
			slog.String("city", l.City),
			slog.String("error", err.Error()))
		return nil
	}
	return score.Lookup(stats, l.City, l.Neighborhood)
}

func notifiable(l *model.Listing) bool {
	return l.Status != model.StatusHidden && l.Status != model.StatusContacted
}

func crossedUp(before, after, threshold int) bool {
	return before < threshold && after >= threshold
}

func (p *Processor) event(l *model.Listing, kind model.EventKind, trend history.Trend) model.Event {
	ev := model.Event{
		ID:        p.newID(),
		ListingID: l.ID,
		Kind:      kind,
		Score:     l.DealScore,
		City:      l.City,
		Title:     l.Title,
		URL:       l.URL,
		CreatedAt: p.now(),
	}
	if l.Price != nil {
		ev.Price = *l.Price
	}
	if kind == model.EventPriceDrop {
		ev.DropPercent = trend.DropPercent()
		ev.OldPrice = trend.Old
	}
	return ev
}
