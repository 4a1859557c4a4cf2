package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/ingest"
	"estatehunter/internal/pkg/alertguard"
	"estatehunter/internal/pkg/eventqueue"
	"estatehunter/internal/pkg/logger"
	"estatehunter/internal/pkg/metrics"
	"estatehunter/internal/pkg/notify"
	"estatehunter/internal/pkg/ratelimit"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是 ingest 进程的入口函数。
//
// 它负责：
// 1. 从 Redis 批次队列拉取原始批次并交给处理器
// 2. 周期性地把卡住的批次放回队列
// 3. 消费事件流并发送邮件通知
// 4. 暴露 Prometheus metrics，收到信号后优雅关闭
func main() {
	configPath := os.Getenv("APP_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics(cfg.App.IngestConcurrency)

	st, err := store.OpenMySQL(cfg.MySQL.DSN, appLogger)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer rdb.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelInit()
	if err := rdb.Ping(initCtx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	batchQueue, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		appLogger.Error("init batch queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	proc := processor.New(st, appLogger)
	producer := eventqueue.NewProducer(rdb, appLogger, cfg.App.EventStream)
	service := ingest.NewService(batchQueue, proc, producer, config.FileSource{Path: configPath}, appLogger, ingest.Options{
		Concurrency:     cfg.App.IngestConcurrency,
		BatchTimeout:    cfg.App.BatchTimeout,
		JanitorInterval: cfg.App.JanitorInterval,
		JanitorTimeout:  cfg.App.JanitorTimeout,
	})

	hostname, _ := os.Hostname()
	consumerID := hostname + "-" + uuid.NewString()[:8]
	consumer, err := eventqueue.NewConsumer(initCtx, rdb, appLogger, cfg.App.EventStream, cfg.App.EventGroup, consumerID)
	if err != nil {
		appLogger.Error("init event consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.New(rdb, appLogger, ratelimit.DefaultKey, cfg.App.RateLimit, cfg.App.RateBurst)
	guard := alertguard.NewGuard(rdb, time.Duration(cfg.App.DedupWindow)*time.Second)
	emailNotifier := notify.NewEmailNotifier(&cfg.Email, cfg.App.NotifyTo, appLogger)
	dispatcher := notify.NewDispatcher(consumer, emailNotifier, guard, st, limiter, appLogger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// 添加保险丝
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in ingest loop", slog.Any("panic", r))
				// 让容器重启进程，保持状态干净
				os.Exit(1)
			}
		}()
		appLogger.Info("starting ingest loop", slog.Int("concurrency", cfg.App.IngestConcurrency))
		if err := service.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("ingest loop stopped", slog.String("error", err.Error()))
		}
	}()

	service.StartJanitor(workerCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in notification dispatcher", slog.Any("panic", r))
				os.Exit(1)
			}
		}()
		if err := dispatcher.Run(workerCtx); err != nil {
			appLogger.Error("notification dispatcher stopped", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("ingest metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))
	appLogger.Info("shutting down ingest service...")

	// 1. 停止拉取新批次与事件，等待处理中的批次完成
	stopWorkers()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("ingest workers stopped")
	case <-time.After(30 * time.Second):
		appLogger.Warn("ingest workers did not stop in time")
	}

	// 2. 关闭 metrics 服务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	stats := service.Stats()
	appLogger.Info("ingest service stopped gracefully",
		slog.Int64("processed", stats.Processed),
		slog.Int64("succeeded", stats.Succeeded),
		slog.Int64("failed", stats.Failed),
		slog.Int64("panics", stats.Panics))
}
