package history

import (
	"math"
	"time"

	"estatehunter/internal/model"
)

// Bucket 价格走势分档。
type Bucket int

const (
	BucketNoChange   Bucket = iota // 没有变化或没有历史
	BucketDropLarge                // 降幅 ≥ 10%
	BucketDropMedium               // 降幅 5% - 10%
	BucketDropSmall                // 降幅 2% - 5%
	BucketDropSlight               // 降幅 < 2%
	BucketIncrease                 // 任意涨价
)

// 浮点比较容差，保证 1,000,000 → 900,000 落在 10% 档。
const epsilon = 1e-9

var bucketPoints = map[Bucket]int{
	BucketDropLarge:  15,
	BucketDropMedium: 12,
	BucketDropSmall:  9,
	BucketDropSlight: 7,
	BucketNoChange:   5,
	BucketIncrease:   2,
}

var bucketNames = map[Bucket]string{
	BucketDropLarge:  "drop>=10%",
	BucketDropMedium: "drop5-10%",
	BucketDropSmall:  "drop2-5%",
	BucketDropSlight: "drop<2%",
	BucketNoChange:   "no-change",
	BucketIncrease:   "increase",
}

// Points 该档对应的走势分。
func (b Bucket) Points() int {
	return bucketPoints[b]
}

// IsDrop 是否属于降价档。
func (b Bucket) IsDrop() bool {
	switch b {
	case BucketDropLarge, BucketDropMedium, BucketDropSmall, BucketDropSlight:
		return true
	}
	return false
}

func (b Bucket) String() string {
	if name, ok := bucketNames[b]; ok {
		return name
	}
	return "unknown"
}

// Trend 最近两次价格观测的变化。
type Trend struct {
	Bucket  Bucket
	Percent float64 // (new - old) / old * 100，降价为负
	Old     float64
	New     float64
}

// DropPercent 降价幅度（正数），非降价时为 0。
func (t Trend) DropPercent() float64 {
	if !t.Bucket.IsDrop() {
		return 0
	}
	return -t.Percent
}

// Classify 计算从 old 到 newPrice 的走势档位。old 非正时视为没有可比较的历史。
func Classify(old, newPrice float64) Trend {
	t := Trend{Bucket: BucketNoChange, Old: old, New: newPrice}
	if old <= 0 {
		return t
	}
	pct := (newPrice - old) / old
	t.Percent = pct * 100
	switch {
	case math.Abs(pct) <= epsilon:
		t.Bucket = BucketNoChange
		t.Percent = 0
	case pct > 0:
		t.Bucket = BucketIncrease
	case pct <= -0.10+epsilon:
		t.Bucket = BucketDropLarge
	case pct <= -0.05+epsilon:
		t.Bucket = BucketDropMedium
	case pct <= -0.02+epsilon:
		t.Bucket = BucketDropSmall
	default:
		t.Bucket = BucketDropSlight
	}
	return t
}

// Snapshot 房源已记录的最近历史。
type Snapshot struct {
	LastPrice       *float64
	PreviousPrice   *float64 // 倒数第二条价格记录
	LastDescription *string
}

// FromEntries 由按时间升序排列的历史记录构造快照。
func FromEntries(prices []model.PriceHistory, descriptions []model.DescriptionHistory) Snapshot {
	var s Snapshot
	if n := len(prices); n > 0 {
		last := prices[n-1].Price
		s.LastPrice = &last
		if n > 1 {
			prev := prices[n-2].Price
			s.PreviousPrice = &prev
		}
	}
	if n := len(descriptions); n > 0 {
		text := descriptions[n-1].Text
		s.LastDescription = &text
	}
	return s
}

// Trend 当前快照的走势；少于两条价格记录时为 no-change。
func (s Snapshot) Trend() Trend {
	if s.LastPrice == nil || s.PreviousPrice == nil {
		return Trend{Bucket: BucketNoChange}
	}
	return Classify(*s.PreviousPrice, *s.LastPrice)
}

// Change 一次观测需要追加的历史记录及观测后的走势。
type Change struct {
	Price       *model.PriceHistory
	Description *model.DescriptionHistory
	Trend       Trend
}

// Empty 没有任何需要追加的记录。
func (c Change) Empty() bool {
	return c.Price == nil && c.Description == nil
}

// Observe 比较新观测值与已有历史。
//
// 价格与上一条记录不同时追加价格记录（首条记录 Delta 为空）；
// 描述与上一条记录不完全相同时追加描述记录。价格未知或描述为空时不追加。
func Observe(prev Snapshot, price *float64, description string, at time.Time) Change {
	var c Change
	trendPrev, trendLast := prev.PreviousPrice, prev.LastPrice

	if price != nil && *price > 0 && PriceChanged(prev.LastPrice, *price) {
		entry := &model.PriceHistory{Price: *price, ObservedAt: at}
		if prev.LastPrice != nil {
			delta := *price - *prev.LastPrice
			entry.Delta = &delta
		}
		c.Price = entry
		trendPrev, trendLast = prev.LastPrice, price
	}

	if description != "" && (prev.LastDescription == nil || *prev.LastDescription != description) {
		c.Description = &model.DescriptionHistory{Text: description, ObservedAt: at}
	}

	c.Trend = Snapshot{LastPrice: trendLast, PreviousPrice: trendPrev}.Trend()
	return c
}

// PriceChanged 价格是否与上一条记录不同。
func PriceChanged(last *float64, price float64) bool {
	if last == nil {
		return true
	}
	return math.Abs(*last-price) > epsilon
}
