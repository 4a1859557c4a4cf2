package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"estatehunter/internal/api/middleware"
	"estatehunter/internal/api/scheduler"
	"estatehunter/internal/config"
	"estatehunter/internal/model"
	"estatehunter/internal/pkg/metrics"
	"estatehunter/internal/pkg/redisqueue"
	"estatehunter/internal/processor"
	"estatehunter/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有房源存储、Redis 客户端、批次队列以及 Gin 路由引擎。
// 街区统计调度器随服务一起启动。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	rdb     *redis.Client
	router  *gin.Engine
	sched   *scheduler.Scheduler
	batches BatchQueue
	runner  BatchRunner
}

// BatchQueue 异步入队原始批次，由 redisqueue.Client 实现。
type BatchQueue interface {
	PushBatch(ctx context.Context, batch *model.RawBatch) error
}

// BatchRunner 同步处理一个批次，由 ingest.Service 实现。
type BatchRunner interface {
	Process(ctx context.Context, batch *model.RawBatch) (processor.Result, error)
}

// Deps 服务依赖。rdb、sched 可以为 nil。
type Deps struct {
	Store   store.Store
	Redis   *redis.Client
	Batches BatchQueue
	Runner  BatchRunner
	Sched   *scheduler.Scheduler
}

// NewServer 初始化 API 服务器并注册路由。
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   deps.Store,
		rdb:     deps.Redis,
		router:  r,
		sched:   deps.Sched,
		batches: deps.Batches,
		runner:  deps.Runner,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartScheduler 在后台运行街区统计调度器。
func (s *Server) StartScheduler(ctx context.Context) {
	if s.sched == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in stats scheduler", slog.Any("panic", r))
			}
		}()
		s.sched.Run(ctx)
	}()
}

// Close 关闭存储与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/batches", s.handleCreateBatch)
	s.router.GET("/listings", s.handleListListings)
	s.router.GET("/listings/:id", s.handleGetListing)
	s.router.POST("/listings/:id/status", s.handleUpdateStatus)
	s.router.GET("/neighborhoods", s.handleNeighborhoods)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createBatchResponse 批次入队/处理的响应。
type createBatchResponse struct {
	BatchID string                   `json:"batch_id"`
	Queued  bool                     `json:"queued"`
	Counts  map[string]int           `json:"counts,omitempty"`
	Events  int                      `json:"events"`
	Records []processor.RecordResult `json:"records,omitempty"`
}

// handleCreateBatch 接收抓取适配器推送的原始批次。
//
// 默认推入 Redis 批次队列由 ingest 进程消费；?sync=true 时在请求内直接处理并返回每条记录的结果。
func (s *Server) handleCreateBatch(c *gin.Context) {
	var batch model.RawBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch payload"})
		return
	}
	batch.Source = strings.TrimSpace(batch.Source)
	if batch.Source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
		return
	}
	if len(batch.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch has no records"})
		return
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	if batch.ScrapedAt.IsZero() {
		batch.ScrapedAt = time.Now().UTC()
	}

	if c.Query("sync") == "true" {
		s.processSync(c, &batch)
		return
	}

	if s.batches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch queue unavailable"})
		return
	}
	if err := s.batches.PushBatch(c.Request.Context(), &batch); err != nil {
		if errors.Is(err, redisqueue.ErrBatchExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "batch already queued", "batch_id": batch.BatchID})
			return
		}
		s.logger.Error("push batch failed",
			slog.String("batch_id", batch.BatchID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue batch failed"})
		return
	}

	c.JSON(http.StatusAccepted, createBatchResponse{BatchID: batch.BatchID, Queued: true})
}

func (s *Server) processSync(c *gin.Context, batch *model.RawBatch) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "synchronous processing unavailable"})
		return
	}
	result, err := s.runner.Process(c.Request.Context(), batch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, processor.ErrInvalidConfig) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error(), "batch_id": batch.BatchID})
		return
	}
	c.JSON(http.StatusOK, createBatchResponse{
		BatchID: batch.BatchID,
		Counts:  result.Counts(),
		Events:  len(result.Events),
		Records: result.Records,
	})
}

// listingResponse 房源的 API 表示。
type listingResponse struct {
	ID           uint      `json:"id"`
	City         string    `json:"city"`
	Neighborhood string    `json:"neighborhood,omitempty"`
	Street       string    `json:"street,omitempty"`
	Address      string    `json:"address,omitempty"`
	Price        *float64  `json:"price"`
	PricePerSqm  *float64  `json:"price_per_sqm"`
	Rooms        *float64  `json:"rooms"`
	SizeSqm      *float64  `json:"size_sqm"`
	Floor        *int      `json:"floor"`
	TotalFloors  *int      `json:"total_floors"`
	Features     []string  `json:"features"`
	Title        string    `json:"title,omitempty"`
	URL          string    `json:"url,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	DealScore    int       `json:"deal_score"`
	Breakdown    breakdown `json:"score_breakdown"`
	Status       string    `json:"status"`
	Incomplete   bool      `json:"incomplete,omitempty"`
}

type breakdown struct {
	Price    int `json:"price"`
	Features int `json:"features"`
	Recency  int `json:"recency"`
	Trend    int `json:"trend"`
}

type aliasResponse struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	URL      string `json:"url,omitempty"`
}

type pricePoint struct {
	Price      float64   `json:"price"`
	Delta      *float64  `json:"delta"`
	ObservedAt time.Time `json:"observed_at"`
}

type descriptionPoint struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

type listingDetailResponse struct {
	listingResponse
	Description  string             `json:"description,omitempty"`
	Aliases      []aliasResponse    `json:"aliases"`
	PriceHistory []pricePoint       `json:"price_history"`
	Descriptions []descriptionPoint `json:"description_history"`
}

func toListingResponse(l *model.Listing) listingResponse {
	features := []string{}
	if l.HasElevator {
		features = append(features, "elevator")
	}
	if l.HasParking {
		features = append(features, "parking")
	}
	if l.HasBalcony {
		features = append(features, "balcony")
	}
	if l.HasSafeRoom {
		features = append(features, "safe_room")
	}
	if l.IsTopFloor {
		features = append(features, "top_floor")
	}
	return listingResponse{
		ID:           l.ID,
		City:         l.City,
		Neighborhood: l.Neighborhood,
		Street:       l.Street,
		Address:      l.Address,
		Price:        l.Price,
		PricePerSqm:  l.PricePerSqm,
		Rooms:        l.Rooms,
		SizeSqm:      l.SizeSqm,
		Floor:        l.Floor,
		TotalFloors:  l.TotalFloors,
		Features:     features,
		Title:        l.Title,
		URL:          l.URL,
		Phone:        l.Phone,
		FirstSeen:    l.FirstSeen,
		LastSeen:     l.LastSeen,
		DealScore:    l.DealScore,
		Breakdown: breakdown{
			Price:    l.ScorePrice,
			Features: l.ScoreFeatures,
			Recency:  l.ScoreRecency,
			Trend:    l.ScoreTrend,
		},
		Status:     l.Status,
		Incomplete: l.Incomplete,
	}
}

// handleListListings 按城市、状态与最低分数分页列出房源，分数高的在前。
func (s *Server) handleListListings(c *gin.Context) {
	q := store.ListQuery{
		City:          strings.TrimSpace(c.Query("city")),
		Status:        strings.TrimSpace(c.Query("status")),
		IncludeHidden: c.Query("include_hidden") == "true",
	}
	if q.Status != "" && !model.ValidStatus(q.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"min_score", &q.MinScore},
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	}
	for _, p := range ints {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + p.name})
			return
		}
		*p.dst = v
	}

	listings, err := s.store.ListListings(c.Request.Context(), q)
	if err != nil {
		s.logger.Error("list listings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list listings failed"})
		return
	}

	out := make([]listingResponse, 0, len(listings))
	for i := range listings {
		out = append(out, toListingResponse(&listings[i]))
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}

// handleGetListing 返回房源详情、来源别名与价格/描述历史。
func (s *Server) handleGetListing(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	l, err := s.store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
		return
	}
	if err != nil {
		s.logger.Error("get listing failed", slog.Uint64("listing_id", uint64(id)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get listing failed"})
		return
	}
	prices, err := s.store.PriceHistory(ctx, id)
	if err != nil {
		s.logger.Error("load price history failed", slog.Uint64("listing_id", uint64(id)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}
	descs, err := s.store.DescriptionHistory(ctx, id)
	if err != nil {
		s.logger.Error("load description history failed", slog.Uint64("listing_id", uint64(id)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}

	resp := listingDetailResponse{
		listingResponse: toListingResponse(l),
		Description:     l.Description,
		Aliases:         make([]aliasResponse, 0, len(l.Aliases)),
		PriceHistory:    make([]pricePoint, 0, len(prices)),
		Descriptions:    make([]descriptionPoint, 0, len(descs)),
	}
	for _, a := range l.Aliases {
		resp.Aliases = append(resp.Aliases, aliasResponse{Source: a.Source, SourceID: a.SourceID, URL: a.URL})
	}
	for _, p := range prices {
		resp.PriceHistory = append(resp.PriceHistory, pricePoint{Price: p.Price, Delta: p.Delta, ObservedAt: p.ObservedAt})
	}
	for _, d := range descs {
		resp.Descriptions = append(resp.Descriptions, descriptionPoint{Text: d.Text, ObservedAt: d.ObservedAt})
	}
	c.JSON(http.StatusOK, resp)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleUpdateStatus 修改房源的用户状态（unseen / liked / hidden / contacted）。
func (s *Server) handleUpdateStatus(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if !model.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	err := s.store.SetStatus(c.Request.Context(), id, status)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
		return
	}
	if err != nil {
		s.logger.Error("update listing status failed", slog.Uint64("listing_id", uint64(id)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update status failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

type statsResponse struct {
	City              string    `json:"city"`
	Neighborhood      string    `json:"neighborhood"`
	AvgPrice          float64   `json:"avg_price"`
	AvgPricePerSqm    float64   `json:"avg_price_per_sqm"`
	MedianPricePerSqm float64   `json:"median_price_per_sqm"`
	SampleCount       int       `json:"sample_count"`
	ComputedAt        time.Time `json:"computed_at"`
}

// handleNeighborhoods 返回当前的街区统计，neighborhood 为空的行是整城统计。
func (s *Server) handleNeighborhoods(c *gin.Context) {
	stats, err := s.store.NeighborhoodStats(c.Request.Context(), strings.TrimSpace(c.Query("city")))
	if err != nil {
		s.logger.Error("load neighborhood stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load stats failed"})
		return
	}
	out := make([]statsResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, statsResponse{
			City:              st.City,
			Neighborhood:      st.Neighborhood,
			AvgPrice:          st.AvgPrice,
			AvgPricePerSqm:    st.AvgPricePerSqm,
			MedianPricePerSqm: st.MedianPricePerSqm,
			SampleCount:       st.SampleCount,
			ComputedAt:        st.ComputedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"neighborhoods": out})
}

func parseListingID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return 0, false
	}
	return uint(id), true
}
