package score

import (
	"math/rand"
	"testing"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/history"
	"estatehunter/internal/model"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int { return &v }

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func TestCompute_WorkedExample(t *testing.T) {
	l := &model.Listing{
		PricePerSqm: f64(40_000),
		HasParking:  true,
		HasBalcony:  true,
		FirstSeen:   now,
	}
	stats := &model.NeighborhoodStats{AvgPricePerSqm: 50_000, SampleCount: 5}
	prefs := config.Preferences{Parking: true, Balcony: true, Elevator: true, SafeRoom: true, TopFloor: true}

	got := Compute(l, stats, prefs, history.BucketNoChange, now)
	if got.Price != 35 || got.Features != 18 || got.Recency != 15 || got.Trend != 5 {
		t.Fatalf("unexpected components: %+v", got)
	}
	if got.Total != 73 {
		t.Fatalf("expected 73, got %d", got.Total)
	}
}

func TestPriceComponent(t *testing.T) {
	stats := &model.NeighborhoodStats{AvgPricePerSqm: 10_000, SampleCount: 3}
	cases := []struct {
		ppsqm float64
		want  int
	}{
		{6_000, 40},  // 40% below
		{7_000, 40},  // 30% below
		{8_000, 35},  // 20% below
		{9_000, 30},  // 10% below
		{10_000, 25}, // at average
		{11_000, 15}, // 10% above
		{11_500, 10}, // halfway between 10% and 20% above
		{12_000, 5},  // 20% above
		{20_000, 5},
	}
	for _, tc := range cases {
		if got := PriceComponent(f64(tc.ppsqm), stats); got != tc.want {
			t.Fatalf("PriceComponent(%v) = %d want %d", tc.ppsqm, got, tc.want)
		}
	}
}

func TestPriceComponent_MissingInputsUseMidpoint(t *testing.T) {
	if got := PriceComponent(nil, &model.NeighborhoodStats{AvgPricePerSqm: 1, SampleCount: 1}); got != 20 {
		t.Fatalf("missing price per sqm should give 20, got %d", got)
	}
	if got := PriceComponent(f64(10_000), nil); got != 20 {
		t.Fatalf("missing stats should give 20, got %d", got)
	}
	if got := PriceComponent(f64(10_000), &model.NeighborhoodStats{}); got != 20 {
		t.Fatalf("empty stats should give 20, got %d", got)
	}
}

func TestFeatureComponent_OnlyPreferredAndCapped(t *testing.T) {
	l := &model.Listing{HasParking: true, HasBalcony: true, HasElevator: true, HasSafeRoom: true, IsTopFloor: true}
	all := config.Preferences{Parking: true, Balcony: true, Elevator: true, SafeRoom: true, TopFloor: true}
	if got := FeatureComponent(l, all); got != 30 {
		t.Fatalf("expected cap 30, got %d", got)
	}
	if got := FeatureComponent(l, config.Preferences{}); got != 0 {
		t.Fatalf("unpreferred features must give 0, got %d", got)
	}
	if got := FeatureComponent(l, config.Preferences{Elevator: true, TopFloor: true}); got != 12 {
		t.Fatalf("expected 7+5, got %d", got)
	}
}

func TestIsUpperFloor(t *testing.T) {
	if !IsUpperFloor(&model.Listing{Floor: intp(4), TotalFloors: intp(8)}) {
		t.Fatalf("floor 4 of 8 is in the upper half")
	}
	if IsUpperFloor(&model.Listing{Floor: intp(3), TotalFloors: intp(8)}) {
		t.Fatalf("floor 3 of 8 is not in the upper half")
	}
	if IsUpperFloor(&model.Listing{Floor: intp(4)}) {
		t.Fatalf("unknown total floors should not count")
	}
}

func TestRecencyComponent(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		age  time.Duration
		want int
	}{
		{0, 15},
		{day, 12},
		{2 * day, 12},
		{3 * day, 9},
		{5 * day, 9},
		{6 * day, 6},
		{10 * day, 6},
		{11 * day, 3},
		{20 * day, 3},
		{21 * day, 1},
		{365 * day, 1},
	}
	for _, tc := range cases {
		if got := RecencyComponent(now.Add(-tc.age), now); got != tc.want {
			t.Fatalf("RecencyComponent(age=%v) = %d want %d", tc.age, got, tc.want)
		}
	}
	if got := RecencyComponent(time.Time{}, now); got != 7 {
		t.Fatalf("missing first seen should give 7, got %d", got)
	}
}

func TestCompute_AlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	buckets := []history.Bucket{
		history.BucketDropLarge, history.BucketDropMedium, history.BucketDropSmall,
		history.BucketDropSlight, history.BucketNoChange, history.BucketIncrease,
	}
	for i := 0; i < 2000; i++ {
		l := &model.Listing{
			HasParking:  rng.Intn(2) == 0,
			HasBalcony:  rng.Intn(2) == 0,
			HasElevator: rng.Intn(2) == 0,
			HasSafeRoom: rng.Intn(2) == 0,
			IsTopFloor:  rng.Intn(2) == 0,
			FirstSeen:   now.Add(-time.Duration(rng.Intn(60*24)) * time.Hour),
		}
		if rng.Intn(5) > 0 {
			l.PricePerSqm = f64(rng.Float64() * 100_000)
		}
		var stats *model.NeighborhoodStats
		if rng.Intn(4) > 0 {
			stats = &model.NeighborhoodStats{AvgPricePerSqm: rng.Float64() * 100_000, SampleCount: 1 + rng.Intn(20)}
		}
		prefs := config.Preferences{
			Parking: rng.Intn(2) == 0, Balcony: rng.Intn(2) == 0, Elevator: rng.Intn(2) == 0,
			SafeRoom: rng.Intn(2) == 0, TopFloor: rng.Intn(2) == 0,
		}
		r := Compute(l, stats, prefs, buckets[rng.Intn(len(buckets))], now)
		if r.Total < 0 || r.Total > 100 {
			t.Fatalf("total out of range: %+v", r)
		}
		if r.Price < 0 || r.Price > MaxPrice || r.Features < 0 || r.Features > MaxFeatures ||
			r.Recency < 0 || r.Recency > MaxRecency || r.Trend < 0 || r.Trend > MaxTrend {
			t.Fatalf("component over cap: %+v", r)
		}
	}
}

func TestApply(t *testing.T) {
	var l model.Listing
	Result{Total: 73, Price: 35, Features: 18, Recency: 15, Trend: 5}.Apply(&l)
	if l.DealScore != 73 || l.ScorePrice != 35 || l.ScoreTrend != 5 {
		t.Fatalf("result not applied: %+v", l)
	}
}

func TestComputeStats(t *testing.T) {
	mk := func(city, hood string, price, size float64, status string) model.Listing {
		return model.Listing{City: city, Neighborhood: hood, Price: f64(price), SizeSqm: f64(size), Status: status}
	}
	listings := []model.Listing{
		mk("רמת גן", "הבורסה", 2_000_000, 100, model.StatusUnseen),
		mk("רמת גן", "הבורסה", 3_000_000, 100, model.StatusLiked),
		mk("רמת גן", "הבורסה", 4_000_000, 100, model.StatusUnseen),
		mk("רמת גן", "הבורסה", 9_000_000, 100, model.StatusHidden),
		mk("רמת גן", "מרום נווה", 1_000_000, 50, model.StatusUnseen),
		{City: "רמת גן", Neighborhood: "הבורסה", Status: model.StatusUnseen},
	}

	stats := ComputeStats(listings, 3, now)
	if len(stats) != 2 {
		t.Fatalf("expected city-wide and one neighborhood row, got %d: %+v", len(stats), stats)
	}
	city, hood := stats[0], stats[1]
	if city.Neighborhood != "" || city.SampleCount != 4 {
		t.Fatalf("unexpected city-wide row: %+v", city)
	}
	if hood.Neighborhood != "הבורסה" || hood.SampleCount != 3 {
		t.Fatalf("unexpected neighborhood row: %+v", hood)
	}
	if hood.AvgPrice != 3_000_000 || hood.AvgPricePerSqm != 30_000 || hood.MedianPricePerSqm != 30_000 {
		t.Fatalf("unexpected aggregates: %+v", hood)
	}
	if !hood.ComputedAt.Equal(now) {
		t.Fatalf("computed at not set")
	}

	if got := Lookup(stats, "רמת גן", "הבורסה"); got == nil || got.Neighborhood != "הבורסה" {
		t.Fatalf("expected neighborhood stats, got %+v", got)
	}
	if got := Lookup(stats, "רמת גן", "מרום נווה"); got == nil || got.Neighborhood != "" {
		t.Fatalf("expected city-wide fallback, got %+v", got)
	}
	if got := Lookup(stats, "חיפה", ""); got != nil {
		t.Fatalf("expected no stats for unknown city")
	}
}
