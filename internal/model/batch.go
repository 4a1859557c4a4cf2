package model

import "time"

// 原始记录中常用的字段名。抓取适配器按这些键填充 Fields。
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldPrice        = "price"
	FieldRooms        = "rooms"
	FieldSize         = "size"
	FieldFloor        = "floor"
	FieldTotalFloors  = "total_floors"
	FieldAddress      = "address"
	FieldStreet       = "street"
	FieldNeighborhood = "neighborhood"
	FieldCity         = "city"
	FieldPhone        = "phone"
	FieldURL          = "url"
)

// RawBatch 一次抓取周期产出的原始记录。
type RawBatch struct {
	BatchID   string      `json:"batch_id"`
	Source    string      `json:"source"`
	ScrapedAt time.Time   `json:"scraped_at"`
	Records   []RawRecord `json:"records"`
}

// RawRecord 归一化之前的单条记录。
type RawRecord struct {
	Source   string            `json:"source,omitempty"` // 为空时使用批次的 Source
	SourceID string            `json:"source_id"`
	Fields   map[string]string `json:"fields"`
	Features []string          `json:"features,omitempty"` // 网站提供的结构化设施列表
}

// Field 读取字段，不存在时返回空串。
func (r RawRecord) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// EventKind 处理器发出的事件类型。
type EventKind string

const (
	EventNewListing   EventKind = "new-listing"
	EventPriceDrop    EventKind = "price-drop"
	EventScoreChanged EventKind = "score-changed"
)

// Event 通知渠道消费的房源事件。
type Event struct {
	ID          string    `json:"id"`
	ListingID   uint      `json:"listing_id"`
	Kind        EventKind `json:"kind"`
	Score       int       `json:"score"`
	DropPercent float64   `json:"drop_percent,omitempty"`
	Price       float64   `json:"price,omitempty"`
	OldPrice    float64   `json:"old_price,omitempty"`
	City        string    `json:"city,omitempty"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Retry       int       `json:"retry"`
}

// BatchReport 批次处理完成后的汇总，推送给外部调度/看板。
type BatchReport struct {
	BatchID     string         `json:"batch_id"`
	Source      string         `json:"source"`
	Counts      map[string]int `json:"counts"`
	Events      int            `json:"events"`
	Error       string         `json:"error,omitempty"`
	ProcessedAt time.Time      `json:"processed_at"`
}
