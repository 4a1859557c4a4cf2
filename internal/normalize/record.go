package normalize

import (
	"strings"

	"estatehunter/internal/model"
)

// Listing 一条原始记录归一化后的结果。指针字段为 nil 表示未能识别。
type Listing struct {
	Source   string
	SourceID string

	Title       string
	Description string
	URL         string
	Address     string
	Location    Location

	Price       *float64
	Rooms       *float64
	SizeSqm     *float64
	Floor       *int
	TotalFloors *int
	TopFloor    bool

	Features FeatureSet
	Phone    string

	Incomplete bool     // 缺少价格或城市
	Unresolved []string // 存在但无法解析的字段
}

// Record 归一化一条原始记录。结构化字段优先，缺失时回退到标题与描述中的自由文本。
func (n *Normalizer) Record(source string, raw model.RawRecord) Listing {
	if raw.Source != "" {
		source = raw.Source
	}
	out := Listing{
		Source:      source,
		SourceID:    strings.TrimSpace(raw.SourceID),
		Title:       strings.TrimSpace(raw.Field(model.FieldTitle)),
		Description: Description(raw.Field(model.FieldDescription)),
		URL:         strings.TrimSpace(raw.Field(model.FieldURL)),
		Address:     strings.TrimSpace(raw.Field(model.FieldAddress)),
	}
	freeText := out.Title + " " + out.Description

	unresolved := func(field string) {
		if strings.TrimSpace(raw.Field(field)) != "" {
			out.Unresolved = append(out.Unresolved, field)
		}
	}

	if v, ok := n.Price(raw.Field(model.FieldPrice)); ok {
		out.Price = &v
	} else {
		unresolved(model.FieldPrice)
	}

	if v, ok := n.Rooms(raw.Field(model.FieldRooms)); ok {
		out.Rooms = &v
	} else if v, ok := n.Rooms(freeText); ok {
		unresolved(model.FieldRooms)
		out.Rooms = &v
	} else {
		unresolved(model.FieldRooms)
	}

	if v, ok := n.SizeSqm(raw.Field(model.FieldSize)); ok {
		out.SizeSqm = &v
	} else if v, ok := n.SizeSqm(freeText); ok {
		unresolved(model.FieldSize)
		out.SizeSqm = &v
	} else {
		unresolved(model.FieldSize)
	}

	total := 0
	if info, ok := n.Floor(raw.Field(model.FieldTotalFloors)); ok && !info.Top && info.Level > 0 {
		total = info.Level
	} else {
		unresolved(model.FieldTotalFloors)
	}
	info, ok := n.Floor(raw.Field(model.FieldFloor))
	if !ok {
		unresolved(model.FieldFloor)
		info, ok = n.Floor(freeText)
	}
	if ok {
		if total == 0 && info.Total > 0 {
			total = info.Total
		}
		if level, known := ResolveFloor(info, total); known {
			out.Floor = &level
			if total > 0 && level >= total {
				out.TopFloor = true
			}
		}
		if info.Top {
			out.TopFloor = true
		}
	}
	if total > 0 {
		out.TotalFloors = &total
	}

	out.Features = n.Features(freeText, raw.Features)

	if phone, ok := Phone(raw.Field(model.FieldPhone)); ok {
		out.Phone = phone
	} else {
		unresolved(model.FieldPhone)
	}

	out.Location = n.Location(out.Address)
	if v := strings.TrimSpace(raw.Field(model.FieldStreet)); v != "" {
		out.Location.Street = v
	}
	if v := strings.TrimSpace(raw.Field(model.FieldNeighborhood)); v != "" {
		out.Location.Neighborhood = v
	}
	if v := strings.TrimSpace(raw.Field(model.FieldCity)); v != "" {
		out.Location.City = n.CanonicalCity(v)
	}
	if out.Address == "" {
		out.Address = joinNonEmpty(", ", out.Location.Street, out.Location.Neighborhood, out.Location.City)
	}

	out.Incomplete = out.Price == nil || out.Location.City == ""
	return out
}

// PricePerSqm 价格与面积都已知时返回单价。
func (l Listing) PricePerSqm() (float64, bool) {
	if l.Price == nil || l.SizeSqm == nil || *l.SizeSqm <= 0 {
		return 0, false
	}
	return *l.Price / *l.SizeSqm, true
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
