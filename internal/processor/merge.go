package processor

import (
	"encoding/json"
	"time"

	"estatehunter/internal/model"
	"estatehunter/internal/normalize"

	"gorm.io/datatypes"
)

func newListing(n *normalize.Listing, raw model.RawRecord, observedAt time.Time) *model.Listing {
	l := &model.Listing{
		Status:    model.StatusUnseen,
		FirstSeen: observedAt,
		LastSeen:  observedAt,
	}
	applyObservation(l, n, raw, true)
	return l
}

// applyObservation 把新观测合并进房源。
//
// 价格、描述与数值属性以最新观测为准（未知值不覆盖已知值）；
// 标题、链接、电话与地址只在原值为空时填充，除非 overwrite 为真；
// 设施标记只增不减。
func applyObservation(l *model.Listing, n *normalize.Listing, raw model.RawRecord, overwrite bool) {
	if n.Price != nil {
		l.Price = copyFloat(n.Price)
	}
	if n.Rooms != nil {
		l.Rooms = copyFloat(n.Rooms)
	}
	if n.SizeSqm != nil {
		l.SizeSqm = copyFloat(n.SizeSqm)
	}
	if n.Floor != nil {
		l.Floor = copyInt(n.Floor)
	}
	if n.TotalFloors != nil {
		l.TotalFloors = copyInt(n.TotalFloors)
	}
	l.IsTopFloor = l.IsTopFloor || n.TopFloor

	l.HasElevator = l.HasElevator || n.Features.Elevator
	l.HasParking = l.HasParking || n.Features.Parking
	l.HasBalcony = l.HasBalcony || n.Features.Balcony
	l.HasSafeRoom = l.HasSafeRoom || n.Features.SafeRoom

	if n.Description != "" {
		l.Description = n.Description
	}
	fill := func(dst *string, v string) {
		if v != "" && (overwrite || *dst == "") {
			*dst = v
		}
	}
	fill(&l.Title, n.Title)
	fill(&l.URL, n.URL)
	fill(&l.Phone, n.Phone)
	fill(&l.Address, n.Address)
	fill(&l.City, n.Location.City)
	fill(&l.Neighborhood, n.Location.Neighborhood)
	fill(&l.Street, n.Location.Street)

	l.PricePerSqm = nil
	if l.Price != nil && l.SizeSqm != nil && *l.SizeSqm > 0 {
		v := *l.Price / *l.SizeSqm
		l.PricePerSqm = &v
	}
	l.Incomplete = l.Price == nil || l.City == ""

	if data, err := json.Marshal(raw); err == nil {
		l.LastRaw = datatypes.JSON(data)
	}
}

// materiallyChanged 比较除时间戳与原始记录之外的字段。
func materiallyChanged(before, after *model.Listing) bool {
	return !floatEq(before.Price, after.Price) ||
		!floatEq(before.Rooms, after.Rooms) ||
		!floatEq(before.SizeSqm, after.SizeSqm) ||
		!intEq(before.Floor, after.Floor) ||
		!intEq(before.TotalFloors, after.TotalFloors) ||
		before.IsTopFloor != after.IsTopFloor ||
		before.HasElevator != after.HasElevator ||
		before.HasParking != after.HasParking ||
		before.HasBalcony != after.HasBalcony ||
		before.HasSafeRoom != after.HasSafeRoom ||
		before.Title != after.Title ||
		before.Description != after.Description ||
		before.URL != after.URL ||
		before.Phone != after.Phone ||
		before.City != after.City ||
		before.Neighborhood != after.Neighborhood ||
		before.Street != after.Street ||
		before.DealScore != after.DealScore ||
		before.Status != after.Status ||
		before.Incomplete != after.Incomplete
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyFloat(v *float64) *float64 {
	c := *v
	return &c
}

func copyInt(v *int) *int {
	c := *v
	return &c
}
