package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estatehunter/internal/api"
	"estatehunter/internal/api/scheduler"
	"estatehunter/internal/config"
	"estatehunter/internal/ingest"
	"estatehunter/internal/pkg/eventqueue"
	"estatehunter/internal/pkg/logger"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/store"

	"github.com/redis/go-redis/v9"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL 与 Redis
// 3. 组装处理器、同步 ingest 与街区统计调度器
// 4. 启动 HTTP 服务并优雅关闭
func main() {
	configPath := os.Getenv("APP_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenMySQL(cfg.MySQL.DSN, appLogger)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	batchQueue, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		appLogger.Error("init batch queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pipeline := config.FileSource{Path: configPath}
	proc := processor.New(st, appLogger)
	producer := eventqueue.NewProducer(rdb, appLogger, cfg.App.EventStream)
	runner := ingest.NewService(batchQueue, proc, producer, pipeline, appLogger, ingest.Options{
		BatchTimeout: cfg.App.BatchTimeout,
	})
	sched := scheduler.NewScheduler(
		st,
		proc,
		producer,
		pipeline,
		batchQueue,
		appLogger,
		cfg.App.StatsInterval,
		cfg.App.WorkerPoolSize, // Worker Pool 大小
		cfg.App.QueueCapacity,  // 队列容量
	)

	srv := api.NewServer(cfg, appLogger, api.Deps{
		Store:   st,
		Redis:   rdb,
		Batches: batchQueue,
		Runner:  runner,
		Sched:   sched,
	})
	srv.StartScheduler(ctx)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// 调度器随 ctx 退出，给正在运行的评分任务留出收尾时间
	time.Sleep(2 * time.Second)
	if err := srv.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
