package model

import (
	"time"

	"gorm.io/datatypes"
)

// 房源状态。
const (
	StatusUnseen    = "unseen"
	StatusLiked     = "liked"
	StatusHidden    = "hidden"
	StatusContacted = "contacted"
)

// ValidStatus 判断状态值是否合法。
func ValidStatus(s string) bool {
	switch s {
	case StatusUnseen, StatusLiked, StatusHidden, StatusContacted:
		return true
	}
	return false
}

// Listing 表示一套真实房产的规范记录。
//
// 同一套房子可能在多个网站上发布，这些发布通过 ListingAlias 汇聚到同一条 Listing。
// 房源从不物理删除，不再关注时状态改为 hidden。
type Listing struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`

	City         string `gorm:"type:varchar(128);index:idx_city_status"`
	Neighborhood string `gorm:"type:varchar(128)"`
	Street       string `gorm:"type:varchar(191)"`
	Address      string `gorm:"type:varchar(255)"` // 原始地址文本

	Price       *float64 // 当前价格
	PricePerSqm *float64 // 由价格与面积推导
	Rooms       *float64
	SizeSqm     *float64
	Floor       *int
	TotalFloors *int
	IsTopFloor  bool

	HasElevator bool
	HasParking  bool
	HasBalcony  bool
	HasSafeRoom bool

	Title       string `gorm:"type:varchar(255)"`
	Description string `gorm:"type:text"`
	URL         string `gorm:"type:varchar(512)"`
	Phone       string `gorm:"type:varchar(16);index"` // 归一化后的手机号

	FirstSeen time.Time
	LastSeen  time.Time

	DealScore     int `gorm:"index"`
	ScorePrice    int
	ScoreFeatures int
	ScoreRecency  int
	ScoreTrend    int

	Status     string         `gorm:"type:varchar(16);default:unseen;index:idx_city_status"`
	Incomplete bool           // 缺少价格或地址
	LastRaw    datatypes.JSON // 最近一次收到的原始记录

	Aliases []ListingAlias `gorm:"foreignKey:ListingID"`
}

// Active 非 hidden 的房源参与去重与统计。
func (l *Listing) Active() bool {
	return l.Status != StatusHidden
}

// ListingAlias 记录 (来源网站, 来源 ID) 到规范房源的映射。
type ListingAlias struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	ListingID uint   `gorm:"index;not null"`
	Source    string `gorm:"type:varchar(64);uniqueIndex:idx_source_ref;not null"`
	SourceID  string `gorm:"type:varchar(191);uniqueIndex:idx_source_ref;not null"`
	URL       string `gorm:"type:varchar(512)"`
}

// PriceHistory 价格变动记录，只追加不修改。
type PriceHistory struct {
	ID         uint      `gorm:"primaryKey"`
	ListingID  uint      `gorm:"index:idx_price_listing;not null"`
	Price      float64   `gorm:"not null"`
	Delta      *float64  // 与上一条记录的差值，首条为空
	ObservedAt time.Time `gorm:"index:idx_price_listing"`
}

// DescriptionHistory 描述文本变动记录。
type DescriptionHistory struct {
	ID         uint      `gorm:"primaryKey"`
	ListingID  uint      `gorm:"index:idx_desc_listing;not null"`
	Text       string    `gorm:"type:text"`
	ObservedAt time.Time `gorm:"index:idx_desc_listing"`
}

// NeighborhoodStats 按 (城市, 街区) 汇总的价格统计，周期性整体替换。
type NeighborhoodStats struct {
	ID                uint    `gorm:"primaryKey"`
	City              string  `gorm:"type:varchar(128);uniqueIndex:idx_city_hood"`
	Neighborhood      string  `gorm:"type:varchar(128);uniqueIndex:idx_city_hood"`
	AvgPrice          float64
	AvgPricePerSqm    float64
	MedianPricePerSqm float64
	SampleCount       int
	ComputedAt        time.Time
}

// NotificationRecord 每个 (房源, 触发原因) 只通知一次。
type NotificationRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	ListingID uint           `gorm:"uniqueIndex:idx_listing_reason;not null"`
	Reason    string         `gorm:"type:varchar(128);uniqueIndex:idx_listing_reason;not null"`
	Kind      string         `gorm:"type:varchar(32)"`
	Payload   datatypes.JSON
}

// AllModels 返回需要自动迁移的模型。
func AllModels() []interface{} {
	return []interface{}{
		&Listing{},
		&ListingAlias{},
		&PriceHistory{},
		&DescriptionHistory{},
		&NeighborhoodStats{},
		&NotificationRecord{},
	}
}
