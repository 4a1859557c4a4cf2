package store

import (
	"context"
	"errors"

	"estatehunter/internal/model"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("store: not found")

// ChangeSet 一条原始记录产生的全部写入，在一个事务中提交。
type ChangeSet struct {
	Listing     *model.Listing
	Alias       *model.ListingAlias       // 新的 (来源, 来源 ID) 映射，可为空
	Price       *model.PriceHistory       // 追加的价格记录，可为空
	Description *model.DescriptionHistory // 追加的描述记录，可为空
	// Unhide 为真时把 hidden 房源重置为 unseen。Update 不写 status 列，状态只由 SetStatus 与此处修改。
	Unhide bool
}

// ListQuery 房源列表查询条件。
type ListQuery struct {
	City          string
	Status        string
	MinScore      int
	IncludeHidden bool
	Limit         int
	Offset        int
}

// Store 房源持久化接口。
type Store interface {
	// GetBySourceID 通过别名查找规范房源，不存在时返回 ErrNotFound。
	GetBySourceID(ctx context.Context, source, sourceID string) (*model.Listing, error)
	// GetActiveByCity 返回城市内所有非 hidden 房源。
	GetActiveByCity(ctx context.Context, city string) ([]model.Listing, error)
	// Create 写入新房源及其别名与首条历史，成功后回填 ID。
	Create(ctx context.Context, cs ChangeSet) error
	// Update 更新已有房源并追加别名与历史。
	Update(ctx context.Context, cs ChangeSet) error
	// RecentHistory 按时间升序返回最近 n 条价格与描述记录。
	RecentHistory(ctx context.Context, listingID uint, n int) ([]model.PriceHistory, []model.DescriptionHistory, error)

	GetListing(ctx context.Context, id uint) (*model.Listing, error)
	ListListings(ctx context.Context, q ListQuery) ([]model.Listing, error)
	PriceHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error)
	DescriptionHistory(ctx context.Context, listingID uint) ([]model.DescriptionHistory, error)
	SetStatus(ctx context.Context, id uint, status string) error

	// ActiveListings 所有活跃房源的快照，用于街区统计。
	ActiveListings(ctx context.Context) ([]model.Listing, error)
	NeighborhoodStats(ctx context.Context, city string) ([]model.NeighborhoodStats, error)
	// ReplaceNeighborhoodStats 原子地替换整张统计表。
	ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error

	// RecordNotification 写入通知记录；(房源, 原因) 已存在时返回 false。
	RecordNotification(ctx context.Context, rec *model.NotificationRecord) (bool, error)
	// Notified 判断 (房源, 原因) 是否已经通知过。
	Notified(ctx context.Context, listingID uint, reason string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func normalizeQuery(q ListQuery) ListQuery {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = defaultListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Status == model.StatusHidden {
		q.IncludeHidden = true
	}
	return q
}
