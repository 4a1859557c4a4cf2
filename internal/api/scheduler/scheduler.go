package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/metrics"
	"estatehunter/internal/pkg/queue"
	"estatehunter/internal/processor"
	"estatehunter/internal/score"
)

// StatsStore 统计刷新需要的存储操作。
type StatsStore interface {
	ActiveListings(ctx context.Context) ([]model.Listing, error)
	ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error
}

// Rescorer 由 processor.Processor 实现。
type Rescorer interface {
	Rescore(ctx context.Context, cfg config.Pipeline, city string) (processor.RescoreResult, error)
}

// EventPublisher 由 eventqueue.Producer 实现。
type EventPublisher interface {
	Publish(ctx context.Context, events []model.Event) (int, error)
}

// DepthProber 由 redisqueue.Client 实现。
type DepthProber interface {
	QueueDepth(ctx context.Context) (int64, int64, error)
}

// RefreshResult 一次统计刷新的汇总。
type RefreshResult struct {
	Listings int
	Rows     int
	Cities   int
	Changed  int
	Failed   int
	Events   int
}

// Scheduler 周期性刷新街区统计，并把各城市的重新评分放到 worker 池执行。
type Scheduler struct {
	store    StatsStore
	rescorer Rescorer
	events   EventPublisher
	pipeline config.PipelineSource
	depth    DepthProber
	logger   *slog.Logger
	interval time.Duration
	queue    *queue.Queue
	now      func() time.Time

	running sync.Mutex // 同一时间只有一次刷新
}

// NewScheduler 创建调度器。events 与 depth 可以为 nil。
func NewScheduler(st StatsStore, rescorer Rescorer, events EventPublisher, pipeline config.PipelineSource, depth DepthProber, logger *slog.Logger, interval time.Duration, workers, capacity int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if workers <= 0 {
		workers = 8
	}
	if capacity <= 0 {
		capacity = 256
	}

	q := queue.NewQueue(logger, workers, capacity)
	q.SetErrorHandler(func(job queue.Job, err error) {
		logger.Error("scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()))
	})

	return &Scheduler{
		store:    st,
		rescorer: rescorer,
		events:   events,
		pipeline: pipeline,
		depth:    depth,
		logger:   logger,
		interval: interval,
		queue:    q,
		now:      time.Now,
	}
}

// Run 启动 worker 池，立即刷新一次，之后按 interval 刷新，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.String("interval", s.interval.String()),
		slog.Int("workers", s.queue.Workers()),
		slog.Int("queue_capacity", s.queue.Cap()))

	s.queue.Start(ctx)
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()
	depthTicker := time.NewTicker(15 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			if err := s.queue.Shutdown(30 * time.Second); err != nil {
				s.logger.Error("queue shutdown failed", slog.String("error", err.Error()))
			}
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.refresh(ctx)
		case <-statsTicker.C:
			s.printQueueStats()
		case <-depthTicker.C:
			s.probeQueueDepth(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	if _, err := s.RefreshOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("stats refresh failed", slog.String("error", err.Error()))
	}
}

// RefreshOnce 快照活跃房源 → 计算统计 → 原子替换 → 按城市重新评分。
//
// 统计替换失败时不重新评分；单个城市评分失败只计入 Failed。
// 调用前 worker 池必须已启动。
func (s *Scheduler) RefreshOnce(ctx context.Context) (RefreshResult, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var out RefreshResult
	cfg, err := s.pipeline.Snapshot()
	if err != nil {
		metrics.StatsRefreshTotal.WithLabelValues("error").Inc()
		return out, fmt.Errorf("load pipeline config: %w", err)
	}

	listings, err := s.store.ActiveListings(ctx)
	if err != nil {
		metrics.StatsRefreshTotal.WithLabelValues("error").Inc()
		return out, fmt.Errorf("snapshot listings: %w", err)
	}
	out.Listings = len(listings)

	stats := score.ComputeStats(listings, cfg.StatsMinSamples, s.now())
	if err := s.store.ReplaceNeighborhoodStats(ctx, stats); err != nil {
		metrics.StatsRefreshTotal.WithLabelValues("error").Inc()
		return out, fmt.Errorf("replace stats: %w", err)
	}
	out.Rows = len(stats)
	metrics.StatsRefreshTotal.WithLabelValues("ok").Inc()

	cities := citiesOf(listings)
	out.Cities = len(cities)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, city := range cities {
		city := city
		wg.Add(1)
		job := queue.Job{
			Name: "rescore:" + city,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				res, err := s.rescorer.Rescore(ctx, cfg, city)
				published := s.publish(ctx, res.Events)
				mu.Lock()
				out.Changed += res.Changed
				out.Failed += res.Failed
				out.Events += published
				if err != nil {
					out.Failed++
				}
				mu.Unlock()
				return err
			},
		}
		if err := s.queue.EnqueueBlocking(ctx, job); err != nil {
			wg.Done()
			mu.Lock()
			out.Failed++
			mu.Unlock()
			s.logger.Warn("enqueue rescore job failed",
				slog.String("city", city),
				slog.String("error", err.Error()))
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// worker 随 ctx 退出，排队中的任务不会再执行
		mu.Lock()
		defer mu.Unlock()
		return out, ctx.Err()
	}

	s.logger.Info("neighborhood stats refreshed",
		slog.Int("listings", out.Listings),
		slog.Int("rows", out.Rows),
		slog.Int("cities", out.Cities),
		slog.Int("rescored", out.Changed),
		slog.Int("failed", out.Failed),
		slog.Int("events", out.Events))
	return out, nil
}

func (s *Scheduler) publish(ctx context.Context, events []model.Event) int {
	if s.events == nil || len(events) == 0 {
		return 0
	}
	n, err := s.events.Publish(ctx, events)
	if err != nil {
		s.logger.Error("publish rescore events failed",
			slog.Int("published", n),
			slog.Int("total", len(events)),
			slog.String("error", err.Error()))
	}
	return n
}

// citiesOf 返回有房源的城市（去重、排序，跳过空城市）。
func citiesOf(listings []model.Listing) []string {
	seen := make(map[string]struct{})
	for _, l := range listings {
		if l.City != "" {
			seen[l.City] = struct{}{}
		}
	}
	cities := make([]string, 0, len(seen))
	for c := range seen {
		cities = append(cities, c)
	}
	sort.Strings(cities)
	return cities
}

func (s *Scheduler) probeQueueDepth(ctx context.Context) {
	if s.depth == nil {
		return
	}
	batches, reports, err := s.depth.QueueDepth(ctx)
	if err != nil {
		s.logger.Warn("queue depth probe failed", slog.String("error", err.Error()))
		return
	}
	metrics.QueueDepth.WithLabelValues("batches").Set(float64(batches))
	metrics.QueueDepth.WithLabelValues("reports").Set(float64(reports))
	metrics.QueueDepth.WithLabelValues("jobs").Set(float64(s.queue.Len()))
}

// printQueueStats 打印 worker 池统计。
func (s *Scheduler) printQueueStats() {
	stats := s.queue.Stats()
	s.logger.Info("queue statistics",
		slog.Int("pending", s.queue.Len()),
		slog.Int("capacity", s.queue.Cap()),
		slog.Int64("total_enqueued", stats.Enqueued),
		slog.Int64("total_processed", stats.Processed),
		slog.Int64("total_succeeded", stats.Succeeded),
		slog.Int64("total_failed", stats.Failed),
		slog.Int64("total_dropped", stats.Dropped),
		slog.Int64("total_panics", stats.Panics),
	)
}
