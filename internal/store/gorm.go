package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"estatehunter/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// GormStore 基于 MySQL 的 Store 实现。
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenMySQL 连接 MySQL 并执行自动迁移。
func OpenMySQL(dsn string, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return NewGormStore(db, logger), nil
}

// NewGormStore 使用已有连接创建 Store。
func NewGormStore(db *gorm.DB, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, logger: logger}
}

func (s *GormStore) GetBySourceID(ctx context.Context, source, sourceID string) (*model.Listing, error) {
	var alias model.ListingAlias
	err := s.db.WithContext(ctx).
		Where("source = ? AND source_id = ?", source, sourceID).
		First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetListing(ctx, alias.ListingID)
}

func (s *GormStore) GetActiveByCity(ctx context.Context, city string) ([]model.Listing, error) {
	var listings []model.Listing
	if err := s.db.WithContext(ctx).
		Where("city = ? AND status <> ?", city, model.StatusHidden).
		Order("id").
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// Create 在一个事务内写入房源、别名和首条历史。
func (s *GormStore) Create(ctx context.Context, cs ChangeSet) error {
	if cs.Listing == nil {
		return errors.New("create: nil listing")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(cs.Listing).Error; err != nil {
			return fmt.Errorf("create listing: %w", err)
		}
		return appendRelated(tx, cs)
	})
}

// Update 在一个事务内更新房源并追加别名和历史。
func (s *GormStore) Update(ctx context.Context, cs ChangeSet) error {
	if cs.Listing == nil || cs.Listing.ID == 0 {
		return errors.New("update: listing without id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Select("*").Omit(clause.Associations, "status", "created_at").Updates(cs.Listing)
		if res.Error != nil {
			return fmt.Errorf("update listing: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if cs.Unhide {
			if err := tx.Model(&model.Listing{}).
				Where("id = ? AND status = ?", cs.Listing.ID, model.StatusHidden).
				Update("status", model.StatusUnseen).Error; err != nil {
				return fmt.Errorf("reset hidden status: %w", err)
			}
		}
		return appendRelated(tx, cs)
	})
}

func appendRelated(tx *gorm.DB, cs ChangeSet) error {
	id := cs.Listing.ID
	if cs.Alias != nil {
		cs.Alias.ListingID = id
		if err := tx.Create(cs.Alias).Error; err != nil {
			return fmt.Errorf("create alias: %w", err)
		}
	}
	if cs.Price != nil {
		cs.Price.ListingID = id
		if err := tx.Create(cs.Price).Error; err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
	}
	if cs.Description != nil {
		cs.Description.ListingID = id
		if err := tx.Create(cs.Description).Error; err != nil {
			return fmt.Errorf("append description history: %w", err)
		}
	}
	return nil
}

func (s *GormStore) RecentHistory(ctx context.Context, listingID uint, n int) ([]model.PriceHistory, []model.DescriptionHistory, error) {
	if n <= 0 {
		n = 2
	}
	var prices []model.PriceHistory
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("observed_at DESC, id DESC").
		Limit(n).
		Find(&prices).Error; err != nil {
		return nil, nil, err
	}
	var descs []model.DescriptionHistory
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("observed_at DESC, id DESC").
		Limit(n).
		Find(&descs).Error; err != nil {
		return nil, nil, err
	}
	reverse(prices)
	reverse(descs)
	return prices, descs, nil
}

func (s *GormStore) GetListing(ctx context.Context, id uint) (*model.Listing, error) {
	var l model.Listing
	err := s.db.WithContext(ctx).Preload("Aliases").First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *GormStore) ListListings(ctx context.Context, q ListQuery) ([]model.Listing, error) {
	q = normalizeQuery(q)
	query := s.db.WithContext(ctx).Model(&model.Listing{})
	if q.City != "" {
		query = query.Where("city = ?", q.City)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	} else if !q.IncludeHidden {
		query = query.Where("status <> ?", model.StatusHidden)
	}
	if q.MinScore > 0 {
		query = query.Where("deal_score >= ?", q.MinScore)
	}

	listings := []model.Listing{}
	if err := query.Order("deal_score DESC, id DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (s *GormStore) PriceHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error) {
	entries := []model.PriceHistory{}
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("observed_at, id").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) DescriptionHistory(ctx context.Context, listingID uint) ([]model.DescriptionHistory, error) {
	entries := []model.DescriptionHistory{}
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("observed_at, id").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id uint, status string) error {
	if !model.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&model.Listing{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 状态未变化时 MySQL 也返回 0，需要区分不存在的房源
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Listing{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *GormStore) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	var listings []model.Listing
	if err := s.db.WithContext(ctx).
		Select("id", "city", "neighborhood", "price", "size_sqm", "status").
		Where("status <> ?", model.StatusHidden).
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (s *GormStore) NeighborhoodStats(ctx context.Context, city string) ([]model.NeighborhoodStats, error) {
	stats := []model.NeighborhoodStats{}
	query := s.db.WithContext(ctx).Order("city, neighborhood")
	if city != "" {
		query = query.Where("city = ?", city)
	}
	if err := query.Find(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// ReplaceNeighborhoodStats 删除旧统计并写入新统计，读者只会看到完整的一份。
func (s *GormStore) ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.NeighborhoodStats{}).Error; err != nil {
			return fmt.Errorf("clear stats: %w", err)
		}
		if len(stats) == 0 {
			return nil
		}
		rows := make([]model.NeighborhoodStats, len(stats))
		copy(rows, stats)
		for i := range rows {
			rows[i].ID = 0
		}
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("insert stats: %w", err)
		}
		return nil
	})
}

// RecordNotification 使用 INSERT IGNORE 语义保证同一原因只记录一次。
func (s *GormStore) RecordNotification(ctx context.Context, rec *model.NotificationRecord) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "listing_id"}, {Name: "reason"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) Notified(ctx context.Context, listingID uint, reason string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.NotificationRecord{}).
		Where("listing_id = ? AND reason = ?", listingID, reason).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		s.logger.Warn("close mysql failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
