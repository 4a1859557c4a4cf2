package history

import (
	"testing"
	"time"

	"estatehunter/internal/model"
)

func ptr(v float64) *float64 { return &v }

func TestClassify_Buckets(t *testing.T) {
	cases := []struct {
		old, new float64
		want     Bucket
		points   int
	}{
		{1_000_000, 900_000, BucketDropLarge, 15},
		{1_000_000, 850_000, BucketDropLarge, 15},
		{1_000_000, 950_000, BucketDropMedium, 12},
		{1_000_000, 920_000, BucketDropMedium, 12},
		{1_000_000, 980_000, BucketDropSmall, 9},
		{1_000_000, 990_000, BucketDropSlight, 7},
		{1_000_000, 1_000_000, BucketNoChange, 5},
		{1_000_000, 1_050_000, BucketIncrease, 2},
		{0, 1_000_000, BucketNoChange, 5},
	}
	for _, tc := range cases {
		got := Classify(tc.old, tc.new)
		if got.Bucket != tc.want || got.Bucket.Points() != tc.points {
			t.Fatalf("Classify(%v,%v) = %s/%d want %s/%d", tc.old, tc.new, got.Bucket, got.Bucket.Points(), tc.want, tc.points)
		}
	}
}

func TestTrend_DropPercent(t *testing.T) {
	tr := Classify(1_000_000, 900_000)
	if d := tr.DropPercent(); d < 9.999 || d > 10.001 {
		t.Fatalf("expected 10%% drop, got %v", d)
	}
	if d := Classify(1_000_000, 1_050_000).DropPercent(); d != 0 {
		t.Fatalf("increase should report no drop, got %v", d)
	}
}

func TestObserve_FirstSighting(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Observe(Snapshot{}, ptr(1_500_000), "bright flat", at)
	if c.Price == nil || c.Price.Price != 1_500_000 || c.Price.Delta != nil {
		t.Fatalf("expected seed price entry without delta, got %+v", c.Price)
	}
	if c.Description == nil || c.Description.Text != "bright flat" {
		t.Fatalf("expected seed description entry")
	}
	if c.Trend.Bucket != BucketNoChange || c.Trend.Bucket.Points() != 5 {
		t.Fatalf("no history should default to no-change, got %s", c.Trend.Bucket)
	}
}

func TestObserve_PriceDrop(t *testing.T) {
	prev := Snapshot{LastPrice: ptr(1_000_000), LastDescription: strPtr("same")}
	c := Observe(prev, ptr(900_000), "same", time.Now())
	if c.Price == nil || c.Price.Delta == nil || *c.Price.Delta != -100_000 {
		t.Fatalf("expected delta -100000, got %+v", c.Price)
	}
	if c.Description != nil {
		t.Fatalf("unchanged description should not be appended")
	}
	if c.Trend.Bucket != BucketDropLarge {
		t.Fatalf("expected large drop, got %s", c.Trend.Bucket)
	}
}

func TestObserve_UnchangedKeepsStoredTrend(t *testing.T) {
	prev := Snapshot{PreviousPrice: ptr(1_000_000), LastPrice: ptr(1_050_000)}
	c := Observe(prev, ptr(1_050_000), "", time.Now())
	if !c.Empty() {
		t.Fatalf("expected no entries, got %+v", c)
	}
	if c.Trend.Bucket != BucketIncrease || c.Trend.Bucket.Points() != 2 {
		t.Fatalf("expected stored increase trend, got %s", c.Trend.Bucket)
	}
}

func TestObserve_UnknownPrice(t *testing.T) {
	prev := Snapshot{LastPrice: ptr(1_000_000)}
	c := Observe(prev, nil, "new text", time.Now())
	if c.Price != nil {
		t.Fatalf("unknown price must not create an entry")
	}
	if c.Description == nil {
		t.Fatalf("description change should still be recorded")
	}
}

func TestFromEntries(t *testing.T) {
	prices := []model.PriceHistory{{Price: 1}, {Price: 2}, {Price: 3}}
	descs := []model.DescriptionHistory{{Text: "a"}, {Text: "b"}}
	s := FromEntries(prices, descs)
	if *s.LastPrice != 3 || *s.PreviousPrice != 2 || *s.LastDescription != "b" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if s := FromEntries(nil, nil); s.LastPrice != nil || s.LastDescription != nil {
		t.Fatalf("expected empty snapshot")
	}
}

func strPtr(s string) *string { return &s }
