package score

import (
	"sort"
	"time"

	"estatehunter/internal/model"
)

type areaKey struct {
	city         string
	neighborhood string
}

type areaSamples struct {
	prices      []float64
	pricePerSqm []float64
}

// ComputeStats 按 (城市, 街区) 汇总活跃房源的价格统计。
//
// 只统计同时具有价格与面积的房源；样本数少于 minSamples 的分组被跳过。
// 另外为每个城市生成街区为空的整城统计，供没有街区信息的房源回退使用。
// 结果按城市、街区排序。
func ComputeStats(listings []model.Listing, minSamples int, now time.Time) []model.NeighborhoodStats {
	if minSamples < 1 {
		minSamples = 1
	}
	groups := make(map[areaKey]*areaSamples)
	add := func(key areaKey, price, ppsqm float64) {
		g, ok := groups[key]
		if !ok {
			g = &areaSamples{}
			groups[key] = g
		}
		g.prices = append(g.prices, price)
		g.pricePerSqm = append(g.pricePerSqm, ppsqm)
	}

	for i := range listings {
		l := &listings[i]
		if !l.Active() || l.City == "" || l.Price == nil || l.SizeSqm == nil || *l.Price <= 0 || *l.SizeSqm <= 0 {
			continue
		}
		ppsqm := *l.Price / *l.SizeSqm
		add(areaKey{city: l.City}, *l.Price, ppsqm)
		if l.Neighborhood != "" {
			add(areaKey{city: l.City, neighborhood: l.Neighborhood}, *l.Price, ppsqm)
		}
	}

	out := make([]model.NeighborhoodStats, 0, len(groups))
	for key, g := range groups {
		if len(g.prices) < minSamples {
			continue
		}
		out = append(out, model.NeighborhoodStats{
			City:              key.city,
			Neighborhood:      key.neighborhood,
			AvgPrice:          mean(g.prices),
			AvgPricePerSqm:    mean(g.pricePerSqm),
			MedianPricePerSqm: median(g.pricePerSqm),
			SampleCount:       len(g.prices),
			ComputedAt:        now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].City != out[j].City {
			return out[i].City < out[j].City
		}
		return out[i].Neighborhood < out[j].Neighborhood
	})
	return out
}

// Lookup 在统计表中查找房源所在街区，找不到时回退到整城统计。
func Lookup(stats []model.NeighborhoodStats, city, neighborhood string) *model.NeighborhoodStats {
	var cityWide *model.NeighborhoodStats
	for i := range stats {
		s := &stats[i]
		if s.City != city {
			continue
		}
		if s.Neighborhood == neighborhood && neighborhood != "" {
			return s
		}
		if s.Neighborhood == "" {
			cityWide = s
		}
	}
	return cityWide
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
