package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"estatehunter/internal/model"
	"estatehunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeyBatchQueue           = "estatehunter:queue:batches"
	KeyBatchProcessingQueue = "estatehunter:queue:batches:processing"
	KeyReportQueue          = "estatehunter:queue:reports"
	KeyBatchPendingSet      = "estatehunter:queue:batches:pending" // 去重集合
	KeyBatchStartedHash     = "estatehunter:queue:batches:started" // 批次开始处理时间 (batch_id -> unix timestamp)
)

var (
	ErrNoBatch     = errors.New("no batch available")
	ErrNoReport    = errors.New("no report available")
	ErrBatchExists = errors.New("batch already in queue")
)

// Client 封装原始批次队列与批次汇总队列的 Redis List 操作。
type Client struct {
	rdb *redis.Client
}

// NewClient creates a redisqueue client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a redisqueue client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// Redis 返回底层连接，供同一进程内的其它组件复用。
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// pushBatchScript 原子性地执行 SADD + LPUSH。
// KEYS[1] = pending set, KEYS[2] = batch queue
// ARGV[1] = batch_id, ARGV[2] = batch JSON
// 返回: 1 = 成功推送, 0 = 批次已存在
var pushBatchScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// PushBatch 序列化原始批次并推入队列。同一 batch_id 在确认前只会入队一次，重复推送返回 ErrBatchExists。
func (c *Client) PushBatch(ctx context.Context, batch *model.RawBatch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if batch.BatchID == "" {
		return errors.New("batch id is empty")
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	result, err := pushBatchScript.Run(ctx, c.rdb,
		[]string{KeyBatchPendingSet, KeyBatchQueue},
		batch.BatchID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push batch script: %w", err)
	}
	if result == 0 {
		metrics.BatchQueueThroughput.WithLabelValues("in", "skipped").Inc()
		return ErrBatchExists
	}

	metrics.BatchQueueThroughput.WithLabelValues("in", "pushed").Inc()
	return nil
}

// PopBatch 阻塞直到有批次可用或超时，批次被移入 processing 队列并记录开始时间。
func (c *Client) PopBatch(ctx context.Context, timeout time.Duration) (*model.RawBatch, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeyBatchQueue, KeyBatchProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoBatch
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush batch: %w", err)
	}

	var batch model.RawBatch
	if err := json.Unmarshal([]byte(result), &batch); err != nil {
		// 无法解析的批次直接丢弃，避免反复被 Janitor 拉回
		c.rdb.LRem(ctx, KeyBatchProcessingQueue, 1, result)
		metrics.BatchQueueThroughput.WithLabelValues("out", "invalid").Inc()
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}

	if batch.BatchID != "" {
		c.rdb.HSet(ctx, KeyBatchStartedHash, batch.BatchID, time.Now().Unix())
	}

	metrics.BatchQueueThroughput.WithLabelValues("out", "popped").Inc()
	return &batch, nil
}

// ackBatchScript 从 processing 队列删除匹配 batch_id 的批次并清理去重状态。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = batch_id
// 返回: 删除的批次数量
var ackBatchScript = redis.NewScript(`
	local queue = KEYS[1]
	local pending = KEYS[2]
	local started = KEYS[3]
	local batchId = ARGV[1]

	local batches = redis.call('LRANGE', queue, 0, -1)
	local removed = 0
	for _, batch in ipairs(batches) do
		if string.find(batch, '"batch_id":"' .. batchId .. '"', 1, true) then
			redis.call('LREM', queue, 1, batch)
			removed = removed + 1
			break
		end
	end

	redis.call('SREM', pending, batchId)
	redis.call('HDEL', started, batchId)

	return removed
`)

// AckBatch 确认批次处理完成。确认后同一 batch_id 可以再次入队。
func (c *Client) AckBatch(ctx context.Context, batchID string) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if batchID == "" {
		return errors.New("batch id is empty")
	}
	if _, err := ackBatchScript.Run(ctx, c.rdb,
		[]string{KeyBatchProcessingQueue, KeyBatchPendingSet, KeyBatchStartedHash},
		batchID,
	).Int(); err != nil {
		return fmt.Errorf("ack batch script: %w", err)
	}
	return nil
}

// PushReport 推送批次处理汇总。
func (c *Client) PushReport(ctx context.Context, report *model.BatchReport) error {
	if report == nil {
		return errors.New("report is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := c.rdb.LPush(ctx, KeyReportQueue, string(data)).Err(); err != nil {
		return fmt.Errorf("lpush report: %w", err)
	}
	return nil
}

// PopReport 阻塞直到有汇总可用或超时。
func (c *Client) PopReport(ctx context.Context, timeout time.Duration) (*model.BatchReport, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPop(ctx, timeout, KeyReportQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, fmt.Errorf("brpop report: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid brpop response: %v", result)
	}

	var report model.BatchReport
	if err := json.Unmarshal([]byte(result[1]), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// QueueDepth 返回批次队列与汇总队列的长度。
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	batches, err := c.rdb.LLen(ctx, KeyBatchQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen batches: %w", err)
	}
	reports, err := c.rdb.LLen(ctx, KeyReportQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen reports: %w", err)
	}
	return batches, reports, nil
}

// PendingSetSize returns the number of unique batches currently pending.
func (c *Client) PendingSetSize(ctx context.Context) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	size, err := c.rdb.SCard(ctx, KeyBatchPendingSet).Result()
	if err != nil {
		return 0, fmt.Errorf("scard pending set: %w", err)
	}
	return size, nil
}

// rescueScript 只有当 LREM 成功移除了批次时才重新入队，防止多个 Janitor 重复添加。
// KEYS[1] = processing queue, KEYS[2] = batch queue, KEYS[3] = started hash
// ARGV[1] = batch JSON, ARGV[2] = batch_id
// 返回: 1 = 成功 rescue, 0 = 批次不存在
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuckBatches 把处理时间超过 timeout 的批次放回队列。
//
// 超时以 PopBatch 记录的开始时间为准；没有开始时间的批次退回到抓取时间判断。
func (c *Client) RescueStuckBatches(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeyBatchStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}

	batchesRaw, err := c.rdb.LRange(ctx, KeyBatchProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(batchesRaw) == 0 {
		// processing 队列为空时清理孤立的开始时间
		for batchID := range startedTimes {
			c.rdb.HDel(ctx, KeyBatchStartedHash, batchID)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range batchesRaw {
		var batch model.RawBatch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil || batch.BatchID == "" {
			continue
		}

		startedStr, ok := startedTimes[batch.BatchID]
		if !ok {
			if batch.ScrapedAt.IsZero() || now-batch.ScrapedAt.Unix() <= threshold {
				continue
			}
		} else {
			started, err := strconv.ParseInt(startedStr, 10, 64)
			if err != nil || now-started <= threshold {
				continue
			}
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeyBatchProcessingQueue, KeyBatchQueue, KeyBatchStartedHash},
			raw, batch.BatchID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
			metrics.BatchQueueThroughput.WithLabelValues("in", "rescued").Inc()
		}
	}

	return rescued, nil
}

// RemoveFromPendingSet 从 pending set 中移除指定的 batch_id。
func (c *Client) RemoveFromPendingSet(ctx context.Context, batchID string) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if batchID == "" {
		return errors.New("batch id is empty")
	}
	return c.rdb.SRem(ctx, KeyBatchPendingSet, batchID).Err()
}

// Close 关闭 Redis 连接。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
