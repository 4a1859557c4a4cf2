package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/metrics"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
)

const (
	popTimeout            = 2 * time.Second
	redisOperationTimeout = 5 * time.Second
	rescueTimeout         = time.Minute
	watchdogGrace         = 10 * time.Second // 看门狗比批次超时多等的时间
)

// BatchQueue 原始批次队列，由 redisqueue.Client 实现。
type BatchQueue interface {
	PopBatch(ctx context.Context, timeout time.Duration) (*model.RawBatch, error)
	AckBatch(ctx context.Context, batchID string) error
	PushReport(ctx context.Context, report *model.BatchReport) error
	RescueStuckBatches(ctx context.Context, timeout time.Duration) (int, error)
}

// BatchProcessor 由 processor.Processor 实现。
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, cfg config.Pipeline, batch model.RawBatch) (processor.Result, error)
}

// EventPublisher 由 eventqueue.Producer 实现。
type EventPublisher interface {
	Publish(ctx context.Context, events []model.Event) (int, error)
}

// Options 服务参数，零值使用默认值。
type Options struct {
	Concurrency     int
	BatchTimeout    time.Duration
	JanitorInterval time.Duration
	JanitorTimeout  time.Duration
}

// Service 从 Redis 拉取原始批次并交给处理器。
//
// 每个批次使用当时的流水线配置快照；处理结束后发布事件、推送汇总并确认批次。
type Service struct {
	queue     BatchQueue
	processor BatchProcessor
	events    EventPublisher
	pipeline  config.PipelineSource
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	stats serviceStats
}

type serviceStats struct {
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats 服务统计快照。
type Stats struct {
	Processed int64
	Succeeded int64
	Failed    int64
	Panics    int64
}

// NewService 创建 ingest 服务。events 可以为 nil（不发布事件，如 dry-run）。
func NewService(queue BatchQueue, proc BatchProcessor, events EventPublisher, pipeline config.PipelineSource, logger *slog.Logger, opts Options) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 5 * time.Minute
	}
	if opts.JanitorTimeout <= 0 {
		opts.JanitorTimeout = 15 * time.Minute
	}
	return &Service{
		queue:     queue,
		processor: proc,
		events:    events,
		pipeline:  pipeline,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Run 拉取并处理批次直到 ctx 结束。并发数由信号量限制，拉取前先获取令牌。
func (s *Service) Run(ctx context.Context) error {
	if s.queue == nil {
		return errors.New("batch queue is not initialized")
	}

	sem := make(chan struct{}, s.opts.Concurrency)
	s.logger.Info("ingest worker started",
		slog.Int("concurrency", s.opts.Concurrency),
		slog.Duration("batch_timeout", s.opts.BatchTimeout))

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return s.drain(sem)
		}

		batch, err := s.queue.PopBatch(ctx, popTimeout)
		if err != nil {
			<-sem
			if errors.Is(err, redisqueue.ErrNoBatch) {
				continue
			}
			if ctx.Err() != nil {
				return s.drain(sem)
			}
			s.logger.Error("pop batch failed", slog.String("error", err.Error()))
			sleep(ctx, 200*time.Millisecond)
			continue
		}

		go func(b *model.RawBatch) {
			defer func() { <-sem }()
			s.handle(b)
		}(batch)
	}
}

// drain 等待进行中的批次结束。
func (s *Service) drain(sem chan struct{}) error {
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
	s.logger.Info("ingest worker stopped")
	return nil
}

// handle 在独立 goroutine 中处理一个出队批次，确保无论成败都会确认。
func (s *Service) handle(batch *model.RawBatch) {
	start := s.now()
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
		case <-time.After(s.opts.BatchTimeout + watchdogGrace):
			s.logger.Error("watchdog timeout triggered, batch stuck",
				slog.String("batch_id", batch.BatchID),
				slog.Duration("elapsed", time.Since(start)))
		}
	}()
	defer close(done)

	defer func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
		defer cancel()
		if err := s.queue.AckBatch(ackCtx, batch.BatchID); err != nil {
			s.logger.Error("ack batch failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("error", err.Error()))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			s.stats.failed.Add(1)
			s.logger.Error("batch panic recovered",
				slog.String("batch_id", batch.BatchID),
				slog.Any("panic", r))
			rep := model.BatchReport{
				BatchID:     batch.BatchID,
				Source:      batch.Source,
				Error:       fmt.Sprintf("panic: %v", r),
				ProcessedAt: s.now(),
			}
			s.pushReport(&rep)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.BatchTimeout)
	defer cancel()
	_, _ = s.Process(ctx, batch)
}

// Process 处理一个批次：配置快照 → 处理器 → 发布事件 → 推送汇总。
//
// 返回的错误只表示整批被拒绝（配置不可用或不合法）；事件发布失败记录在汇总里。
func (s *Service) Process(ctx context.Context, batch *model.RawBatch) (processor.Result, error) {
	start := s.now()
	s.stats.processed.Add(1)

	result := processor.Result{BatchID: batch.BatchID, Source: batch.Source}
	cfg, err := s.pipeline.Snapshot()
	if err == nil {
		result, err = s.processor.ProcessBatch(ctx, cfg, *batch)
	} else {
		err = fmt.Errorf("load pipeline config: %w", err)
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.stats.failed.Add(1)
		metrics.BatchesTotal.WithLabelValues(batch.Source, "rejected").Inc()
		s.logger.Error("batch rejected",
			slog.String("batch_id", batch.BatchID),
			slog.String("source", batch.Source),
			slog.String("error", err.Error()))
		rep := result.Report(s.now(), err)
		s.pushReport(&rep)
		return result, err
	}

	var publishErr error
	if s.events != nil && len(result.Events) > 0 {
		pubCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
		n, perr := s.events.Publish(pubCtx, result.Events)
		cancel()
		if perr != nil {
			publishErr = fmt.Errorf("published %d of %d events: %w", n, len(result.Events), perr)
			s.logger.Error("publish events failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("error", publishErr.Error()))
		}
	}

	status := "ok"
	if publishErr != nil {
		status = "partial"
	}
	s.stats.succeeded.Add(1)
	metrics.BatchesTotal.WithLabelValues(batch.Source, status).Inc()

	rep := result.Report(s.now(), publishErr)
	s.pushReport(&rep)
	return result, nil
}

func (s *Service) pushReport(rep *model.BatchReport) {
	if s.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := s.queue.PushReport(ctx, rep); err != nil {
		s.logger.Error("push batch report failed",
			slog.String("batch_id", rep.BatchID),
			slog.String("error", err.Error()))
	}
}

// StartJanitor 周期性地把处理超时的批次放回队列。
func (s *Service) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	s.logger.Info("janitor started",
		slog.Duration("interval", s.opts.JanitorInterval),
		slog.Duration("timeout", s.opts.JanitorTimeout))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RescueOnce(ctx)
			}
		}
	}()
}

// RescueOnce 执行一次卡住批次的巡检，返回放回队列的数量。
func (s *Service) RescueOnce(ctx context.Context) int {
	rescueCtx, cancel := context.WithTimeout(ctx, rescueTimeout)
	defer cancel()

	count, err := s.queue.RescueStuckBatches(rescueCtx, s.opts.JanitorTimeout)
	if err != nil {
		s.logger.Error("janitor failed to rescue batches", slog.String("error", err.Error()))
		return 0
	}
	if count > 0 {
		s.logger.Info("janitor rescued stuck batches", slog.Int("count", count))
	}
	return count
}

// Stats 返回统计快照。
func (s *Service) Stats() Stats {
	return Stats{
		Processed: s.stats.processed.Load(),
		Succeeded: s.stats.succeeded.Load(),
		Failed:    s.stats.failed.Load(),
		Panics:    s.stats.panics.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
