package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estatehunter/internal/model"
	"estatehunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Consumer 以消费者组方式读取事件。
//
// 读取时优先认领空闲超时的 pending 消息（其它消费者崩溃遗留），然后才读新消息。
type Consumer struct {
	stream           *EventStream
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
}

// FailureAction 失败消息的处理方式。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置 pending 消息被认领前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

// WithMaxRetry 设置最大重试次数。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

// NewConsumer 创建消费者并确保消费者组存在。consumerID 为空时自动生成。
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, streamName, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	stream := NewEventStream(rdb, logger, streamName)
	c := &Consumer{
		stream:           stream,
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: stream.Name() + ":dlq",
		maxRetry:         3,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := stream.CreateConsumerGroup(ctx, groupName); err != nil {
		return nil, err
	}

	c.logger.Info("event consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string {
	return c.groupName
}

// DeadLetterStream 返回死信 Stream 名称。
func (c *Consumer) DeadLetterStream() string {
	return c.deadLetterStream
}

// Message 带 Stream 消息 ID 的事件。
type Message struct {
	ID    string
	Event *model.Event
}

// Read 读取一批事件：先认领超时的 pending 消息，没有时阻塞读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Message, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Message, error) {
	messages, nextStart, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.EventAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Message, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

// parseMessages 解析消息，无法解析的消息直接进入死信队列。
func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Message {
	if len(messages) == 0 {
		return nil
	}

	parsed := make([]*Message, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid event message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}

		ev, err := parseEvent(data)
		if err != nil {
			c.logger.Error("parse event failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		parsed = append(parsed, &Message{ID: msg.ID, Event: ev})
	}

	if len(parsed) > 0 {
		c.logger.Debug("events read", slog.Int("count", len(parsed)))
	}
	return parsed
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.stream.rdb.XAck(ctx, c.stream.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure 重试次数未超限时重新发布并确认原消息，否则写入死信队列。
func (c *Consumer) HandleFailure(ctx context.Context, msg *Message, cause error) (FailureAction, error) {
	if msg == nil || msg.Event == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	msg.Event.Retry++
	if msg.Event.Retry > c.maxRetry {
		if err := c.publishDeadLetter(ctx, msg.ID, msg.Event, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.EventDLQTotal.Inc()
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}

	if err := c.stream.Publish(ctx, msg.Event); err != nil {
		return FailureActionRetry, err
	}
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID, payload, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
	metrics.EventDLQTotal.Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if ev, ok := payload.(*model.Event); ok {
		if data, err := json.Marshal(ev); err == nil {
			raw = string(data)
		}
	}

	return c.stream.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 返回已投递但未确认的消息数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
