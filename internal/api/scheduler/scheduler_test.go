package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"estatehunter/internal/config"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/eventqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var fixedNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func listingRecord(id, price, street, phone string) model.RawRecord {
	return model.RawRecord{SourceID: id, Fields: map[string]string{
		model.FieldPrice:        price,
		model.FieldRooms:        "4",
		model.FieldSize:         "100",
		model.FieldFloor:        "2",
		model.FieldStreet:       street,
		model.FieldNeighborhood: "בבלי",
		model.FieldCity:         "רמת גן",
		model.FieldPhone:        phone,
	}}
}

func basePipeline() config.Pipeline {
	p := config.DefaultPipeline()
	p.Filter = config.FilterConfig{}
	p.Preferences = config.Preferences{}
	p.StatsMinSamples = 3
	return p
}

func TestRefreshOnce_ReplacesStatsAndRescores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	proc := processor.New(mem, testLogger(), processor.WithClock(func() time.Time { return fixedNow }))

	seed := model.RawBatch{BatchID: "seed", Source: "yad2", ScrapedAt: fixedNow, Records: []model.RawRecord{
		listingRecord("a", "2,000,000", "ויצמן 1", "050-111-1111"),
		listingRecord("b", "2,500,000", "ארלוזורוב 20", "050-222-2222"),
		listingRecord("c", "3,000,000", "דיזנגוף 300", "050-333-3333"),
	}}
	res, err := proc.ProcessBatch(ctx, basePipeline(), seed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cheapBefore := res.Records[0].Score

	// 只有最便宜的房源在统计刷新后越过阈值
	cfg := basePipeline()
	cfg.Notify.MinDealScore = cheapBefore + 10

	rdb := newMiniRedis(t)
	producer := eventqueue.NewProducer(rdb, testLogger(), "test:events")

	s := NewScheduler(mem, proc, producer, config.StaticSource{Pipeline: cfg}, nil, testLogger(), time.Hour, 2, 10)
	s.now = func() time.Time { return fixedNow }
	s.queue.Start(ctx)

	out, err := s.RefreshOnce(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if out.Listings != 3 || out.Cities != 1 {
		t.Fatalf("unexpected refresh result %+v", out)
	}
	// 整城一行 + 街区一行
	if out.Rows != 2 {
		t.Fatalf("expected 2 stats rows, got %d", out.Rows)
	}
	if out.Changed != 3 || out.Failed != 0 {
		t.Fatalf("expected all three listings rescored, got %+v", out)
	}
	if out.Events != 1 {
		t.Fatalf("expected one score-changed event, got %d", out.Events)
	}

	stats, _ := mem.NeighborhoodStats(ctx, "רמת גן")
	if len(stats) != 2 || stats[1].Neighborhood != "בבלי" || stats[1].AvgPricePerSqm != 25000 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	cheap, _ := mem.GetListing(ctx, res.Records[0].ListingID)
	if cheap.ScorePrice != 35 || cheap.DealScore != cheapBefore+15 {
		t.Fatalf("unexpected cheap listing score %d (price %d)", cheap.DealScore, cheap.ScorePrice)
	}

	if n, _ := producer.Len(ctx); n != 1 {
		t.Fatalf("expected 1 event on the stream, got %d", n)
	}

	// 统计未变时再次刷新不会改动任何房源
	again, err := s.RefreshOnce(ctx)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if again.Changed != 0 || again.Events != 0 {
		t.Fatalf("second refresh should be a no-op, got %+v", again)
	}
}

type failingStore struct {
	listings []model.Listing
}

func (f *failingStore) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	return f.listings, nil
}

func (f *failingStore) ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error {
	return errors.New("deadlock found when trying to get lock")
}

type countingRescorer struct{ calls int }

func (r *countingRescorer) Rescore(ctx context.Context, cfg config.Pipeline, city string) (processor.RescoreResult, error) {
	r.calls++
	return processor.RescoreResult{City: city}, nil
}

func TestRefreshOnce_ReplaceFailureSkipsRescore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	price, size := 1500000.0, 60.0
	st := &failingStore{listings: []model.Listing{{City: "חיפה", Price: &price, SizeSqm: &size}}}
	rescorer := &countingRescorer{}
	s := NewScheduler(st, rescorer, nil, config.StaticSource{Pipeline: basePipeline()}, nil, testLogger(), time.Hour, 1, 4)
	s.queue.Start(ctx)

	if _, err := s.RefreshOnce(ctx); err == nil {
		t.Fatalf("expected replace error")
	}
	if rescorer.calls != 0 {
		t.Fatalf("rescore must not run after a failed replace")
	}
}

type errRescorer struct{}

func (errRescorer) Rescore(ctx context.Context, cfg config.Pipeline, city string) (processor.RescoreResult, error) {
	if city == "חיפה" {
		return processor.RescoreResult{City: city}, errors.New("load listings: timeout")
	}
	return processor.RescoreResult{City: city, Checked: 1, Changed: 1}, nil
}

func TestRefreshOnce_CityFailureIsIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	s := NewScheduler(&listingsOnly{mem: mem, listings: []model.Listing{{City: "חיפה"}, {City: "רמת גן"}, {City: ""}}},
		errRescorer{}, nil, config.StaticSource{Pipeline: basePipeline()}, nil, testLogger(), time.Hour, 2, 4)
	s.queue.Start(ctx)

	out, err := s.RefreshOnce(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if out.Cities != 2 || out.Changed != 1 || out.Failed != 1 {
		t.Fatalf("unexpected result %+v", out)
	}
}

type listingsOnly struct {
	mem      *store.Memory
	listings []model.Listing
}

func (l *listingsOnly) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	return l.listings, nil
}

func (l *listingsOnly) ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error {
	return l.mem.ReplaceNeighborhoodStats(ctx, stats)
}

func TestCitiesOf(t *testing.T) {
	got := citiesOf([]model.Listing{{City: "רמת גן"}, {City: "חיפה"}, {City: ""}, {City: "חיפה"}})
	if len(got) != 2 || got[0] != "חיפה" || got[1] != "רמת גן" {
		t.Fatalf("unexpected cities %v", got)
	}
}
