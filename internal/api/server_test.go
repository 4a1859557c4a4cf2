package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"estatehunter/internal/config"
	"estatehunter/internal/ingest"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

var ramatGan = url.QueryEscape("רמת גן")

type testEnv struct {
	server *Server
	store  *store.Memory
	queue  *redisqueue.Client
}

func newTestEnv(t *testing.T, pipeline config.Pipeline) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("redisqueue: %v", err)
	}
	mem := store.NewMemory()
	proc := processor.New(mem, logger)
	svc := ingest.NewService(queue, proc, nil, config.StaticSource{Pipeline: pipeline}, logger, ingest.Options{})

	cfg := &config.Config{App: config.AppConfig{WorkerPoolSize: 1}}
	s := NewServer(cfg, logger, Deps{Store: mem, Redis: rdb, Batches: queue, Runner: svc})
	return &testEnv{server: s, store: mem, queue: queue}
}

func testPipeline() config.Pipeline {
	p := config.DefaultPipeline()
	p.Filter = config.FilterConfig{}
	return p
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func sampleBatch(id string) model.RawBatch {
	return model.RawBatch{
		BatchID: id,
		Source:  "yad2",
		Records: []model.RawRecord{
			{SourceID: "y-1", Fields: map[string]string{
				model.FieldPrice:   "₪2,450,000",
				model.FieldRooms:   "4",
				model.FieldSize:    "95 מ\"ר",
				model.FieldAddress: "ביאליק 12, מרכז העיר, רמת גן",
				model.FieldPhone:   "052-123-4567",
			}},
			{SourceID: "y-2", Fields: map[string]string{
				model.FieldPrice:   "1,980,000",
				model.FieldRooms:   "3",
				model.FieldSize:    "70",
				model.FieldAddress: "הרצל 40, רמת גן",
				model.FieldPhone:   "054-765-4321",
			}},
		},
	}
}

func TestCreateBatch_SyncThenQuery(t *testing.T) {
	env := newTestEnv(t, testPipeline())

	w := env.do(t, http.MethodPost, "/batches?sync=true", sampleBatch("b-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var created createBatchResponse
	decode(t, w, &created)
	if created.BatchID != "b-1" || created.Counts["created"] != 2 || len(created.Records) != 2 {
		t.Fatalf("unexpected sync response: %+v", created)
	}

	w = env.do(t, http.MethodGet, "/listings?city="+ramatGan, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Listings []listingResponse `json:"listings"`
		Count    int               `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 2 {
		t.Fatalf("expected 2 listings, got %d", list.Count)
	}

	id := created.Records[0].ListingID
	w = env.do(t, http.MethodGet, fmt.Sprintf("/listings/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail listingDetailResponse
	decode(t, w, &detail)
	if len(detail.Aliases) != 1 || detail.Aliases[0].SourceID != "y-1" {
		t.Fatalf("unexpected aliases: %+v", detail.Aliases)
	}
	if len(detail.PriceHistory) != 1 || detail.PriceHistory[0].Price != 2450000 {
		t.Fatalf("unexpected price history: %+v", detail.PriceHistory)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/listings/%d/status", id), gin.H{"status": "hidden"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/listings?city="+ramatGan, nil)
	decode(t, w, &list)
	if list.Count != 1 {
		t.Fatalf("hidden listing should be excluded, got %d", list.Count)
	}
	w = env.do(t, http.MethodGet, "/listings?include_hidden=true&city="+ramatGan, nil)
	decode(t, w, &list)
	if list.Count != 2 {
		t.Fatalf("include_hidden should return both listings, got %d", list.Count)
	}

	// 同步处理同样推送了批次汇总
	if _, reports, _ := env.queue.QueueDepth(context.Background()); reports != 1 {
		t.Fatalf("expected 1 batch report, got %d", reports)
	}
}

func TestCreateBatch_Async(t *testing.T) {
	env := newTestEnv(t, testPipeline())

	batch := sampleBatch("")
	w := env.do(t, http.MethodPost, "/batches", batch)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var queued createBatchResponse
	decode(t, w, &queued)
	if queued.BatchID == "" || !queued.Queued {
		t.Fatalf("expected generated batch id, got %+v", queued)
	}

	batch.BatchID = queued.BatchID
	w = env.do(t, http.MethodPost, "/batches", batch)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate batch, got %d", w.Code)
	}

	batches, _, err := env.queue.QueueDepth(context.Background())
	if err != nil || batches != 1 {
		t.Fatalf("expected 1 queued batch, got %d (%v)", batches, err)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	env := newTestEnv(t, testPipeline())

	tests := []struct {
		name string
		body any
	}{
		{"missing source", model.RawBatch{Records: []model.RawRecord{{SourceID: "x"}}}},
		{"no records", model.RawBatch{Source: "yad2"}},
		{"not json", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/batches", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCreateBatch_SyncInvalidConfig(t *testing.T) {
	p := testPipeline()
	p.Notify.MinDealScore = 150
	env := newTestEnv(t, p)

	w := env.do(t, http.MethodPost, "/batches?sync=true", sampleBatch("b-bad"))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if n, _ := env.store.ActiveListings(context.Background()); len(n) != 0 {
		t.Fatalf("rejected batch must not write listings")
	}
}

func TestListingHandlers_Errors(t *testing.T) {
	env := newTestEnv(t, testPipeline())

	cases := []struct {
		method string
		path   string
		body   any
		want   int
	}{
		{http.MethodGet, "/listings/abc", nil, http.StatusBadRequest},
		{http.MethodGet, "/listings/42", nil, http.StatusNotFound},
		{http.MethodPost, "/listings/42/status", gin.H{"status": "liked"}, http.StatusNotFound},
		{http.MethodPost, "/listings/42/status", gin.H{"status": "archived"}, http.StatusBadRequest},
		{http.MethodPost, "/listings/42/status", gin.H{}, http.StatusBadRequest},
		{http.MethodGet, "/listings?min_score=high", nil, http.StatusBadRequest},
		{http.MethodGet, "/listings?status=sold", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := env.do(t, tc.method, tc.path, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, w.Code)
		}
	}
}

func TestNeighborhoodsAndHealthz(t *testing.T) {
	env := newTestEnv(t, testPipeline())
	ctx := context.Background()

	if err := env.store.ReplaceNeighborhoodStats(ctx, []model.NeighborhoodStats{
		{City: "רמת גן", AvgPricePerSqm: 26000, SampleCount: 12},
		{City: "רמת גן", Neighborhood: "מרכז העיר", AvgPricePerSqm: 28000, SampleCount: 5},
		{City: "גבעתיים", AvgPricePerSqm: 30000, SampleCount: 4},
	}); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	w := env.do(t, http.MethodGet, "/neighborhoods?city="+ramatGan, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Neighborhoods []statsResponse `json:"neighborhoods"`
	}
	decode(t, w, &resp)
	if len(resp.Neighborhoods) != 2 {
		t.Fatalf("expected 2 rows for city, got %d", len(resp.Neighborhoods))
	}

	w = env.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", w.Code)
	}
}
