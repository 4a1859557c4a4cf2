package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrNilJob = errors.New("job is nil")
	ErrFull   = errors.New("queue is full")
)

// Job 一个具名的异步任务，Name 用于日志（如 "rescore:חיפה"）。
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 任务失败（含 panic）时的回调。
type ErrorHandler func(job Job, err error)

// Queue 固定 worker 数量的内存任务队列。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	stats counters
}

type counters struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64 // 队列满被拒绝
	Panics    int64
}

// NewQueue 创建队列；workers 与 capacity 至少为 1。
func NewQueue(logger *slog.Logger, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler 设置失败回调，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker，直到 ctx 取消或 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int {
	return q.workers
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			q.execute(ctx, job, id)
		}
	}
}

// execute 执行单个任务；panic 被恢复并按失败计数。
func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		q.stats.processed.Add(1)
		if err == nil {
			q.stats.succeeded.Add(1)
			return
		}
		q.stats.failed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job", job.Name),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(job, err)
		}
	}()

	err = job.Run(ctx)
}

// Enqueue 非阻塞入队，队列已满返回 ErrFull。
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return ErrNilJob
	}
	if q.closed.Load() {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return nil
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return ErrFull
	}
}

// EnqueueBlocking 阻塞入队，直到成功或 ctx 取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job.Run == nil {
		return ErrNilJob
	}
	if q.closed.Load() {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新任务并等待 worker 处理完已入队的任务，最多等待 timeout。
func (q *Queue) Shutdown(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(q.jobs)
	q.logger.Info("queue shutdown initiated", slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
	}
}

// Len 待处理任务数。
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) Cap() int {
	return cap(q.jobs)
}

func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

func (q *Queue) String() string {
	s := q.Stats()
	return fmt.Sprintf("Queue[workers=%d, capacity=%d, pending=%d, closed=%v, enqueued=%d, processed=%d, succeeded=%d, failed=%d, dropped=%d, panics=%d]",
		q.workers, q.Cap(), q.Len(), q.IsClosed(),
		s.Enqueued, s.Processed, s.Succeeded, s.Failed, s.Dropped, s.Panics)
}
