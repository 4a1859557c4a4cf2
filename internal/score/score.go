package score

import (
	"math"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/history"
	"estatehunter/internal/model"
)

// 各分项上限。
const (
	MaxPrice    = 40
	MaxFeatures = 30
	MaxRecency  = 15
	MaxTrend    = 15

	priceMidpoint   = 20
	recencyMidpoint = 7
)

// 设施权重。
const (
	WeightParking  = 10
	WeightBalcony  = 8
	WeightElevator = 7
	WeightSafeRoom = 8
	WeightTopFloor = 5
)

// breakpoint 低于街区均价的百分比 → 分数。
type breakpoint struct {
	below  float64
	points float64
}

// 必须按 below 升序。
var priceCurve = []breakpoint{
	{-20, 5},
	{-10, 15},
	{0, 25},
	{10, 30},
	{20, 35},
	{30, 40},
}

// Result 总分与各分项。
type Result struct {
	Total    int `json:"total"`
	Price    int `json:"price"`
	Features int `json:"features"`
	Recency  int `json:"recency"`
	Trend    int `json:"trend"`
}

// Compute 计算房源的综合评分。
//
// 纯函数：只依赖参数，不读取时钟。stats 为 nil 时价格分取中值。
func Compute(l *model.Listing, stats *model.NeighborhoodStats, prefs config.Preferences, trend history.Bucket, now time.Time) Result {
	r := Result{
		Price:    PriceComponent(l.PricePerSqm, stats),
		Features: FeatureComponent(l, prefs),
		Recency:  RecencyComponent(l.FirstSeen, now),
		Trend:    clampInt(trend.Points(), 0, MaxTrend),
	}
	r.Total = clampInt(r.Price+r.Features+r.Recency+r.Trend, 0, 100)
	return r
}

// Apply 把结果写回房源的缓存字段。
func (r Result) Apply(l *model.Listing) {
	l.DealScore = r.Total
	l.ScorePrice = r.Price
	l.ScoreFeatures = r.Features
	l.ScoreRecency = r.Recency
	l.ScoreTrend = r.Trend
}

// PriceComponent 按单价低于街区均价的百分比在断点间线性插值。
func PriceComponent(pricePerSqm *float64, stats *model.NeighborhoodStats) int {
	if pricePerSqm == nil || *pricePerSqm <= 0 || stats == nil || stats.SampleCount == 0 || stats.AvgPricePerSqm <= 0 {
		return priceMidpoint
	}
	below := (stats.AvgPricePerSqm - *pricePerSqm) / stats.AvgPricePerSqm * 100
	return clampInt(int(math.Round(interpolate(below))), 0, MaxPrice)
}

func interpolate(below float64) float64 {
	first, last := priceCurve[0], priceCurve[len(priceCurve)-1]
	if below <= first.below {
		return first.points
	}
	if below >= last.below {
		return last.points
	}
	for i := 1; i < len(priceCurve); i++ {
		hi := priceCurve[i]
		if below > hi.below {
			continue
		}
		lo := priceCurve[i-1]
		frac := (below - lo.below) / (hi.below - lo.below)
		return lo.points + frac*(hi.points-lo.points)
	}
	return last.points
}

// FeatureComponent 只为用户偏好且房源具备的设施加分，总和不超过上限。
func FeatureComponent(l *model.Listing, prefs config.Preferences) int {
	sum := 0
	if prefs.Parking && l.HasParking {
		sum += WeightParking
	}
	if prefs.Balcony && l.HasBalcony {
		sum += WeightBalcony
	}
	if prefs.Elevator && l.HasElevator {
		sum += WeightElevator
	}
	if prefs.SafeRoom && l.HasSafeRoom {
		sum += WeightSafeRoom
	}
	if prefs.TopFloor && IsUpperFloor(l) {
		sum += WeightTopFloor
	}
	return clampInt(sum, 0, MaxFeatures)
}

// IsUpperFloor 顶层标记，或楼层位于楼栋上半部分。
func IsUpperFloor(l *model.Listing) bool {
	if l.IsTopFloor {
		return true
	}
	if l.Floor == nil || l.TotalFloors == nil || *l.TotalFloors <= 0 || *l.Floor <= 0 {
		return false
	}
	return *l.Floor*2 >= *l.TotalFloors
}

// RecencyComponent 按首次发现至今的天数分档。
func RecencyComponent(firstSeen, now time.Time) int {
	if firstSeen.IsZero() {
		return recencyMidpoint
	}
	days := int(now.Sub(firstSeen).Hours() / 24)
	switch {
	case days <= 0:
		return 15
	case days <= 2:
		return 12
	case days <= 5:
		return 9
	case days <= 10:
		return 6
	case days <= 20:
		return 3
	default:
		return 1
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
