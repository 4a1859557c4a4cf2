// Package replay 把抓取端导出的 CSV 转换为原始批次，用于回放历史抓取结果。
package replay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"estatehunter/internal/model"

	"github.com/google/uuid"
	"github.com/jszwec/csvutil"
)

// DefaultBatchSize 每个回放批次的最大记录数。
const DefaultBatchSize = 200

// Row CSV 中的一行。列名与抓取端导出的表头一致，缺失的列保持为空。
type Row struct {
	Source       string `csv:"source"`
	SourceID     string `csv:"source_id"`
	Title        string `csv:"title"`
	Description  string `csv:"description"`
	Price        string `csv:"price"`
	Rooms        string `csv:"rooms"`
	Size         string `csv:"size"`
	Floor        string `csv:"floor"`
	TotalFloors  string `csv:"total_floors"`
	Address      string `csv:"address"`
	Street       string `csv:"street"`
	Neighborhood string `csv:"neighborhood"`
	City         string `csv:"city"`
	Phone        string `csv:"phone"`
	URL          string `csv:"url"`
	Features     string `csv:"features"` // 以 ; 或 | 分隔
}

// ReadRows 解析带表头的 CSV。
func ReadRows(r io.Reader) ([]Row, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("create csv decoder: %w", err)
	}

	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return rows, nil
}

// Record 转换为原始记录，只保留非空字段。
func (r Row) Record() model.RawRecord {
	fields := make(map[string]string)
	set := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			fields[key] = v
		}
	}
	set(model.FieldTitle, r.Title)
	set(model.FieldDescription, r.Description)
	set(model.FieldPrice, r.Price)
	set(model.FieldRooms, r.Rooms)
	set(model.FieldSize, r.Size)
	set(model.FieldFloor, r.Floor)
	set(model.FieldTotalFloors, r.TotalFloors)
	set(model.FieldAddress, r.Address)
	set(model.FieldStreet, r.Street)
	set(model.FieldNeighborhood, r.Neighborhood)
	set(model.FieldCity, r.City)
	set(model.FieldPhone, r.Phone)
	set(model.FieldURL, r.URL)

	var features []string
	for _, f := range strings.FieldsFunc(r.Features, func(c rune) bool { return c == ';' || c == '|' }) {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}

	return model.RawRecord{
		Source:   strings.TrimSpace(r.Source),
		SourceID: strings.TrimSpace(r.SourceID),
		Fields:   fields,
		Features: features,
	}
}

// Batches 按来源分组并切分为最多 size 条记录的批次，每个批次分配新的 batch_id。
//
// 没有 source_id 的行被跳过并计入 skipped；行内 source 为空时使用 defaultSource。
func Batches(rows []Row, defaultSource string, size int, scrapedAt time.Time) (batches []model.RawBatch, skipped int) {
	if size <= 0 {
		size = DefaultBatchSize
	}

	var order []string
	bySource := make(map[string][]model.RawRecord)
	for _, row := range rows {
		rec := row.Record()
		if rec.SourceID == "" {
			skipped++
			continue
		}
		source := rec.Source
		if source == "" {
			source = defaultSource
		}
		if source == "" {
			skipped++
			continue
		}
		rec.Source = ""
		if _, ok := bySource[source]; !ok {
			order = append(order, source)
		}
		bySource[source] = append(bySource[source], rec)
	}

	for _, source := range order {
		records := bySource[source]
		for start := 0; start < len(records); start += size {
			end := start + size
			if end > len(records) {
				end = len(records)
			}
			batches = append(batches, model.RawBatch{
				BatchID:   uuid.NewString(),
				Source:    source,
				ScrapedAt: scrapedAt,
				Records:   records[start:end],
			})
		}
	}
	return batches, skipped
}
