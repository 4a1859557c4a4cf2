package eventqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"estatehunter/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认的事件 Stream 名称。
const DefaultStream = "estatehunter:events"

// maxStreamLen Stream 保留的最大消息数。
const maxStreamLen = 100000

// EventStream 封装 Redis Streams 上的房源事件操作。
type EventStream struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
}

// NewEventStream 创建事件 Stream，streamName 为空时使用 DefaultStream。
func NewEventStream(rdb *redis.Client, logger *slog.Logger, streamName string) *EventStream {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &EventStream{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// Name 返回 Stream 名称。
func (s *EventStream) Name() string {
	return s.streamName
}

// Publish 使用 XADD 追加一条事件。
func (s *EventStream) Publish(ctx context.Context, ev *model.Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return s.publishRaw(ctx, s.streamName, map[string]interface{}{
		"kind": string(ev.Kind),
		"data": string(data),
	})
}

func (s *EventStream) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	s.logger.Debug("event published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (s *EventStream) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.streamName, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	s.logger.Info("consumer group ready",
		slog.String("stream", s.streamName),
		slog.String("group", groupName))
	return nil
}

// Len 返回 Stream 中的消息数量。
func (s *EventStream) Len(ctx context.Context) (int64, error) {
	length, err := s.rdb.XLen(ctx, s.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

func parseEvent(data string) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.ListingID == 0 || ev.Kind == "" {
		return nil, fmt.Errorf("event missing listing id or kind")
	}
	return &ev, nil
}
