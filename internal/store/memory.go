package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"estatehunter/internal/model"
)

type aliasKey struct {
	source   string
	sourceID string
}

type notificationKey struct {
	listingID uint
	reason    string
}

// Memory 进程内 Store，用于 dry-run 与测试。所有返回值都是副本。
type Memory struct {
	mu sync.RWMutex

	nextID       uint
	listings     map[uint]model.Listing
	aliases      map[aliasKey]model.ListingAlias
	prices       map[uint][]model.PriceHistory
	descriptions map[uint][]model.DescriptionHistory
	stats        []model.NeighborhoodStats
	notified     map[notificationKey]model.NotificationRecord

	now func() time.Time
}

// NewMemory 创建空的内存 Store。
func NewMemory() *Memory {
	return &Memory{
		listings:     make(map[uint]model.Listing),
		aliases:      make(map[aliasKey]model.ListingAlias),
		prices:       make(map[uint][]model.PriceHistory),
		descriptions: make(map[uint][]model.DescriptionHistory),
		notified:     make(map[notificationKey]model.NotificationRecord),
		now:          time.Now,
	}
}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

func (m *Memory) GetBySourceID(ctx context.Context, source, sourceID string) (*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alias, ok := m.aliases[aliasKey{source, sourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(alias.ListingID)
}

func (m *Memory) GetActiveByCity(ctx context.Context, city string) ([]model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Listing
	for _, l := range m.listings {
		if l.City == city && l.Active() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create 先校验全部写入再落地，保证失败时不留下部分数据。
func (m *Memory) Create(ctx context.Context, cs ChangeSet) error {
	if cs.Listing == nil {
		return errors.New("create: nil listing")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs.Alias != nil {
		if _, exists := m.aliases[aliasKey{cs.Alias.Source, cs.Alias.SourceID}]; exists {
			return fmt.Errorf("create alias: duplicate %s/%s", cs.Alias.Source, cs.Alias.SourceID)
		}
	}
	now := m.now()
	cs.Listing.ID = m.id()
	cs.Listing.CreatedAt = now
	cs.Listing.UpdatedAt = now
	if cs.Listing.Status == "" {
		cs.Listing.Status = model.StatusUnseen
	}
	m.appendLocked(cs, now)
	return nil
}

func (m *Memory) Update(ctx context.Context, cs ChangeSet) error {
	if cs.Listing == nil || cs.Listing.ID == 0 {
		return errors.New("update: listing without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.listings[cs.Listing.ID]
	if !ok {
		return ErrNotFound
	}
	if cs.Alias != nil {
		if _, exists := m.aliases[aliasKey{cs.Alias.Source, cs.Alias.SourceID}]; exists {
			return fmt.Errorf("create alias: duplicate %s/%s", cs.Alias.Source, cs.Alias.SourceID)
		}
	}
	// 与 GormStore 一致：status 不随 Update 写入
	status := prev.Status
	if cs.Unhide && status == model.StatusHidden {
		status = model.StatusUnseen
	}
	cs.Listing.Status = status
	cs.Listing.CreatedAt = prev.CreatedAt
	now := m.now()
	cs.Listing.UpdatedAt = now
	m.appendLocked(cs, now)
	return nil
}

func (m *Memory) appendLocked(cs ChangeSet, now time.Time) {
	id := cs.Listing.ID
	stored := *cs.Listing
	stored.Aliases = nil
	m.listings[id] = stored

	if cs.Alias != nil {
		cs.Alias.ID = m.id()
		cs.Alias.ListingID = id
		cs.Alias.CreatedAt = now
		m.aliases[aliasKey{cs.Alias.Source, cs.Alias.SourceID}] = *cs.Alias
	}
	if cs.Price != nil {
		cs.Price.ID = m.id()
		cs.Price.ListingID = id
		m.prices[id] = append(m.prices[id], *cs.Price)
	}
	if cs.Description != nil {
		cs.Description.ID = m.id()
		cs.Description.ListingID = id
		m.descriptions[id] = append(m.descriptions[id], *cs.Description)
	}
}

func (m *Memory) RecentHistory(ctx context.Context, listingID uint, n int) ([]model.PriceHistory, []model.DescriptionHistory, error) {
	if n <= 0 {
		n = 2
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.prices[listingID], n), tail(m.descriptions[listingID], n), nil
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]T(nil), s...)
}

func (m *Memory) GetListing(ctx context.Context, id uint) (*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id uint) (*model.Listing, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	l.Aliases = nil
	for _, a := range m.aliases {
		if a.ListingID == id {
			l.Aliases = append(l.Aliases, a)
		}
	}
	sort.Slice(l.Aliases, func(i, j int) bool { return l.Aliases[i].ID < l.Aliases[j].ID })
	return &l, nil
}

func (m *Memory) ListListings(ctx context.Context, q ListQuery) ([]model.Listing, error) {
	q = normalizeQuery(q)
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []model.Listing{}
	for _, l := range m.listings {
		if q.City != "" && l.City != q.City {
			continue
		}
		if q.Status != "" && l.Status != q.Status {
			continue
		}
		if q.Status == "" && !q.IncludeHidden && !l.Active() {
			continue
		}
		if q.MinScore > 0 && l.DealScore < q.MinScore {
			continue
		}
		matched = append(matched, l)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].DealScore != matched[j].DealScore {
			return matched[i].DealScore > matched[j].DealScore
		}
		return matched[i].ID > matched[j].ID
	})
	if q.Offset >= len(matched) {
		return []model.Listing{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *Memory) PriceHistory(ctx context.Context, listingID uint) ([]model.PriceHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.PriceHistory{}, m.prices[listingID]...), nil
}

func (m *Memory) DescriptionHistory(ctx context.Context, listingID uint) ([]model.DescriptionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.DescriptionHistory{}, m.descriptions[listingID]...), nil
}

func (m *Memory) SetStatus(ctx context.Context, id uint, status string) error {
	if !model.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = m.now()
	m.listings[id] = l
	return nil
}

func (m *Memory) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Listing
	for _, l := range m.listings {
		if l.Active() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) NeighborhoodStats(ctx context.Context, city string) ([]model.NeighborhoodStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.NeighborhoodStats{}
	for _, s := range m.stats {
		if city == "" || s.City == city {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ReplaceNeighborhoodStats(ctx context.Context, stats []model.NeighborhoodStats) error {
	rows := make([]model.NeighborhoodStats, len(stats))
	copy(rows, stats)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		rows[i].ID = m.id()
	}
	m.stats = rows
	return nil
}

func (m *Memory) RecordNotification(ctx context.Context, rec *model.NotificationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := notificationKey{rec.ListingID, rec.Reason}
	if _, exists := m.notified[key]; exists {
		return false, nil
	}
	rec.ID = m.id()
	rec.CreatedAt = m.now()
	m.notified[key] = *rec
	return true, nil
}

func (m *Memory) Notified(ctx context.Context, listingID uint, reason string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.notified[notificationKey{listingID, reason}]
	return ok, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
