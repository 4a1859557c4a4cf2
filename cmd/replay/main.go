package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/logger"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/replay"
	"estatehunter/internal/store"
)

// main 回放抓取端导出的 CSV。
//
// 默认把批次推入 Redis 批次队列；-dry-run 时在内存存储中直接处理并打印每条记录的结果。
func main() {
	var (
		file      = flag.String("file", "", "CSV file exported by a scraper")
		source    = flag.String("source", "", "default source for rows without a source column")
		batchSize = flag.Int("batch-size", replay.DefaultBatchSize, "records per batch")
		dryRun    = flag.Bool("dry-run", false, "process in memory and print outcomes instead of enqueueing")
	)
	flag.Parse()
	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	configPath := os.Getenv("APP_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(*file)
	if err != nil {
		appLogger.Error("open csv failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rows, err := replay.ReadRows(f)
	f.Close()
	if err != nil {
		appLogger.Error("read csv failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	batches, skipped := replay.Batches(rows, *source, *batchSize, time.Now().UTC())
	appLogger.Info("csv loaded",
		slog.String("file", *file),
		slog.Int("rows", len(rows)),
		slog.Int("skipped", skipped),
		slog.Int("batches", len(batches)))

	if *dryRun {
		if err := runDryRun(ctx, configPath, appLogger, batches); err != nil {
			appLogger.Error("dry run failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	queue := redisqueue.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
	defer queue.Close()

	pushed, duplicates := 0, 0
	for i := range batches {
		if err := queue.PushBatch(ctx, &batches[i]); err != nil {
			if errors.Is(err, redisqueue.ErrBatchExists) {
				duplicates++
				continue
			}
			appLogger.Error("push batch failed",
				slog.String("batch_id", batches[i].BatchID),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		pushed++
	}
	appLogger.Info("replay enqueued", slog.Int("pushed", pushed), slog.Int("duplicates", duplicates))
}

// runDryRun 用内存存储处理全部批次，结果写到标准输出，不触碰 MySQL 与 Redis。
func runDryRun(ctx context.Context, configPath string, logger *slog.Logger, batches []model.RawBatch) error {
	pipeline := config.FileSource{Path: configPath}
	proc := processor.New(store.NewMemory(), logger)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSOURCE\tSOURCE_ID\tOUTCOME\tLISTING\tSCORE\tMATCH\tFILTER")
	totals := map[string]int{}
	events := 0
	for i := range batches {
		cfg, err := pipeline.Snapshot()
		if err != nil {
			return fmt.Errorf("load pipeline config: %w", err)
		}
		res, err := proc.ProcessBatch(ctx, cfg, batches[i])
		if err != nil {
			return fmt.Errorf("batch %s: %w", batches[i].BatchID, err)
		}
		for _, rec := range res.Records {
			filter := "pass"
			if !rec.Filter.Pass {
				filter = string(rec.Filter.Rule)
			}
			outcome := string(rec.Outcome)
			if rec.Reason != "" {
				outcome += " (" + rec.Reason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				shortID(res.BatchID), rec.Source, rec.SourceID, outcome, rec.ListingID, rec.Score, rec.Match, filter)
		}
		for k, v := range res.Counts() {
			totals[k] += v
		}
		events += len(res.Events)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	logger.Info("dry run finished",
		slog.Int("created", totals[string(processor.OutcomeCreated)]),
		slog.Int("updated", totals[string(processor.OutcomeUpdated)]),
		slog.Int("unchanged", totals[string(processor.OutcomeUnchanged)]),
		slog.Int("failed", totals[string(processor.OutcomeFailed)]),
		slog.Int("events", events))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
