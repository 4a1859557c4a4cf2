package alertguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "estatehunter:notified:"

// Guard 在窗口期内压制同一 (房源, 原因) 的重复通知。
//
// Redis 只是快速路径，持久的去重记录由 store.RecordNotification 保证。
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard 创建通知去重器，ttl 不大于 0 时使用一小时。
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Claim 尝试占用 (listingID, reason)。首次占用返回 true，窗口期内再次占用返回 false。
// 未配置 Redis 时总是返回 true。
func (g *Guard) Claim(ctx context.Context, listingID uint, reason string) (bool, error) {
	if g == nil || g.rdb == nil {
		return true, nil
	}
	ok, err := g.rdb.SetNX(ctx, key(listingID, reason), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard setnx: %w", err)
	}
	return ok, nil
}

// Release 释放占用，发送失败后允许重试。
func (g *Guard) Release(ctx context.Context, listingID uint, reason string) error {
	if g == nil || g.rdb == nil {
		return nil
	}
	if err := g.rdb.Del(ctx, key(listingID, reason)).Err(); err != nil {
		return fmt.Errorf("guard del: %w", err)
	}
	return nil
}

func key(listingID uint, reason string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, listingID, reason)
}
