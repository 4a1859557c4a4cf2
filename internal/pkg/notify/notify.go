package notify

import (
	"context"
	"fmt"

	"estatehunter/internal/model"
)

// Notifier 把一个房源事件投递给用户。
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// NotifierFunc 让普通函数实现 Notifier。
type NotifierFunc func(ctx context.Context, ev model.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// Reason 返回事件的去重原因。每个 (房源, 原因) 最多通知一次；
// 降价按价格区分，同一房源再次降价会再次通知。
func Reason(ev model.Event) string {
	switch ev.Kind {
	case model.EventPriceDrop:
		return fmt.Sprintf("%s:%.0f", ev.Kind, ev.Price)
	default:
		return string(ev.Kind)
	}
}
