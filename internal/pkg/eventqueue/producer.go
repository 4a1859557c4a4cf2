package eventqueue

import (
	"context"
	"fmt"
	"log/slog"

	"estatehunter/internal/model"

	"github.com/redis/go-redis/v9"
)

// Producer 把处理器产生的事件发布到 Stream。
type Producer struct {
	stream *EventStream
	logger *slog.Logger
}

// NewProducer 创建事件生产者。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	return &Producer{
		stream: NewEventStream(rdb, logger, streamName),
		logger: logger,
	}
}

// Publish 按顺序发布一组事件。遇到第一个错误即返回，返回值为已发布数量。
func (p *Producer) Publish(ctx context.Context, events []model.Event) (int, error) {
	for i := range events {
		if err := p.stream.Publish(ctx, &events[i]); err != nil {
			p.logger.Error("publish event failed",
				slog.String("event_id", events[i].ID),
				slog.Uint64("listing_id", uint64(events[i].ListingID)),
				slog.String("kind", string(events[i].Kind)),
				slog.String("error", err.Error()))
			return i, fmt.Errorf("publish event %s: %w", events[i].ID, err)
		}
	}
	if len(events) > 0 {
		p.logger.Info("events published", slog.Int("count", len(events)))
	}
	return len(events), nil
}

// Len 返回 Stream 长度。
func (p *Producer) Len(ctx context.Context) (int64, error) {
	return p.stream.Len(ctx)
}
