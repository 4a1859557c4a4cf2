package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"estatehunter/internal/model"
	"estatehunter/internal/pkg/alertguard"
	"estatehunter/internal/pkg/eventqueue"
	"estatehunter/internal/pkg/metrics"

	"gorm.io/datatypes"
)

// EventSource 事件流消费端，由 eventqueue.Consumer 实现。
type EventSource interface {
	Read(ctx context.Context) ([]*eventqueue.Message, error)
	Ack(ctx context.Context, msgID string) error
	HandleFailure(ctx context.Context, msg *eventqueue.Message, cause error) (eventqueue.FailureAction, error)
}

// Records 持久的通知记录。
type Records interface {
	Notified(ctx context.Context, listingID uint, reason string) (bool, error)
	RecordNotification(ctx context.Context, rec *model.NotificationRecord) (bool, error)
}

// Limiter 发送前的限流。
type Limiter interface {
	Wait(ctx context.Context) error
}

// Dispatcher 消费事件流并发送通知。
//
// 同一 (房源, 原因) 只发送一次：Redis Guard 挡住窗口期内的并发重复，
// NotificationRecord 记录已发送的通知。发送失败的事件交给消费者重试或进入死信队列。
type Dispatcher struct {
	source   EventSource
	notifier Notifier
	guard    *alertguard.Guard
	records  Records
	limiter  Limiter
	logger   *slog.Logger
	backoff  time.Duration
}

// NewDispatcher 创建通知分发器。guard 与 limiter 可以为 nil。
func NewDispatcher(source EventSource, notifier Notifier, guard *alertguard.Guard, records Records, limiter Limiter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:   source,
		notifier: notifier,
		guard:    guard,
		records:  records,
		limiter:  limiter,
		logger:   logger,
		backoff:  time.Second,
	}
}

// Run 循环读取事件直到 ctx 结束。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("notification dispatcher started")
	for {
		if ctx.Err() != nil {
			d.logger.Info("notification dispatcher stopped")
			return nil
		}

		msgs, err := d.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("read events failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(d.backoff):
			}
			continue
		}

		for _, msg := range msgs {
			d.handleMessage(ctx, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *eventqueue.Message) {
	_, err := d.Deliver(ctx, *msg.Event)
	if err == nil {
		if ackErr := d.source.Ack(ctx, msg.ID); ackErr != nil {
			d.logger.Error("ack event failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", ackErr.Error()))
		}
		return
	}

	action, ferr := d.source.HandleFailure(ctx, msg, err)
	attrs := []any{
		slog.String("msg_id", msg.ID),
		slog.Uint64("listing_id", uint64(msg.Event.ListingID)),
		slog.String("kind", string(msg.Event.Kind)),
		slog.String("action", string(action)),
		slog.String("error", err.Error()),
	}
	if ferr != nil {
		attrs = append(attrs, slog.String("failure_error", ferr.Error()))
	}
	d.logger.Warn("notification failed", attrs...)
}

// Deliver 发送单个事件。已通知过的事件返回 (false, nil)。
func (d *Dispatcher) Deliver(ctx context.Context, ev model.Event) (bool, error) {
	reason := Reason(ev)
	kind := string(ev.Kind)

	done, err := d.records.Notified(ctx, ev.ListingID, reason)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		return false, fmt.Errorf("check notification record: %w", err)
	}
	if done {
		metrics.NotificationsTotal.WithLabelValues(kind, "duplicate").Inc()
		return false, nil
	}

	claimed, err := d.guard.Claim(ctx, ev.ListingID, reason)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		return false, err
	}
	if !claimed {
		metrics.NotificationsTotal.WithLabelValues(kind, "duplicate").Inc()
		return false, nil
	}

	if err := d.send(ctx, ev); err != nil {
		if relErr := d.guard.Release(ctx, ev.ListingID, reason); relErr != nil {
			d.logger.Warn("release notification guard failed", slog.String("error", relErr.Error()))
		}
		metrics.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		return false, err
	}
	metrics.NotificationsTotal.WithLabelValues(kind, "sent").Inc()

	payload, _ := json.Marshal(ev)
	if _, err := d.records.RecordNotification(ctx, &model.NotificationRecord{
		ListingID: ev.ListingID,
		Reason:    reason,
		Kind:      kind,
		Payload:   datatypes.JSON(payload),
	}); err != nil {
		// 已发送，只记录告警；Guard 仍在窗口期内挡住重复
		d.logger.Warn("record notification failed",
			slog.Uint64("listing_id", uint64(ev.ListingID)),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
	return true, nil
}

func (d *Dispatcher) send(ctx context.Context, ev model.Event) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return d.notifier.Notify(ctx, ev)
}
