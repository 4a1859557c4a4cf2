package dedup

import (
	"math"
	"strings"

	"estatehunter/internal/model"
	"estatehunter/internal/normalize"
)

// MatchKind 命中方式。
type MatchKind string

const (
	MatchNone        MatchKind = ""
	MatchPhone       MatchKind = "phone"
	MatchFingerprint MatchKind = "fingerprint"
)

// Match 去重结果。Found 为 false 表示这是一套新房源。
type Match struct {
	Found     bool
	ListingID uint
	Kind      MatchKind
	Matches   int // 满足条件的候选数，大于 1 时经过了择优
}

// Fingerprint 电话缺失时用于识别同一套房子的组合键。
type Fingerprint struct {
	Street  string
	Rooms   float64
	SizeSqm int // 四舍五入到整数
	Floor   int
}

// Detector 判断一条归一化后的记录是否对应同城已有的房源。
type Detector struct {
	tolerance float64
}

// NewDetector 创建检测器。tolerance 为指纹匹配时允许的相对价差（0.05 = ±5%）。
func NewDetector(tolerance float64) *Detector {
	return &Detector{tolerance: tolerance}
}

// Find 在同城候选中查找匹配的房源。
//
// 匹配条件：手机号相同；或者指纹相同且价格落在候选当前价格的容差范围内。
// 多个候选同时匹配时取最近更新的一条，更新时间相同取 ID 最大者。
func (d *Detector) Find(incoming *normalize.Listing, candidates []model.Listing) Match {
	fp, hasFP := FingerprintOf(incoming.Location.Street, incoming.Rooms, incoming.SizeSqm, incoming.Floor)

	var best *model.Listing
	result := Match{}
	for i := range candidates {
		c := &candidates[i]
		if !c.Active() {
			continue
		}
		kind := d.matchKind(incoming, fp, hasFP, c)
		if kind == MatchNone {
			continue
		}
		result.Matches++
		if best == nil || newer(c, best) {
			best = c
			result.Kind = kind
		}
	}
	if best == nil {
		return Match{}
	}
	result.Found = true
	result.ListingID = best.ID
	return result
}

func (d *Detector) matchKind(incoming *normalize.Listing, fp Fingerprint, hasFP bool, c *model.Listing) MatchKind {
	if incoming.Phone != "" && c.Phone != "" && incoming.Phone == c.Phone {
		return MatchPhone
	}
	if !hasFP {
		return MatchNone
	}
	cfp, ok := FingerprintOf(c.Street, c.Rooms, c.SizeSqm, c.Floor)
	if !ok || cfp != fp {
		return MatchNone
	}
	if !d.priceWithinTolerance(incoming.Price, c.Price) {
		return MatchNone
	}
	return MatchFingerprint
}

// priceWithinTolerance 两边价格都已知时才比较；任一未知视为不匹配。
func (d *Detector) priceWithinTolerance(incoming, current *float64) bool {
	if incoming == nil || current == nil || *current <= 0 {
		return false
	}
	limit := d.tolerance * *current
	return math.Abs(*incoming-*current) <= limit+1e-9
}

func newer(a, b *model.Listing) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

// FingerprintOf 构造指纹，任一组成部分缺失时返回 false。
func FingerprintOf(street string, rooms, sizeSqm *float64, floor *int) (Fingerprint, bool) {
	street = strings.Join(strings.Fields(strings.ToLower(street)), " ")
	if street == "" || rooms == nil || sizeSqm == nil || floor == nil {
		return Fingerprint{}, false
	}
	return Fingerprint{
		Street:  street,
		Rooms:   *rooms,
		SizeSqm: int(math.Round(*sizeSqm)),
		Floor:   *floor,
	}, true
}
