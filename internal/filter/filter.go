package filter

import (
	"fmt"
	"strings"

	"estatehunter/internal/config"
	"estatehunter/internal/model"
)

// Rule 过滤规则名，按评估顺序排列。
type Rule string

const (
	RuleMaxPrice    Rule = "max_price"
	RuleMinRooms    Rule = "min_rooms"
	RuleMinSize     Rule = "min_size_sqm"
	RuleGroundFloor Rule = "exclude_ground_floor"
	RuleElevator    Rule = "require_elevator"
	RuleParking     Rule = "require_parking"
	RuleSafeRoom    Rule = "require_safe_room"
	RuleCity        Rule = "cities"
)

// Order 规则的固定评估顺序：先硬性条件，再排除条件，最后城市白名单。
var Order = []Rule{
	RuleMaxPrice,
	RuleMinRooms,
	RuleMinSize,
	RuleGroundFloor,
	RuleElevator,
	RuleParking,
	RuleSafeRoom,
	RuleCity,
}

// Result 过滤结果。Pass 为 false 时 Rule/Reason 说明第一条未通过的规则。
type Result struct {
	Pass   bool   `json:"pass"`
	Rule   Rule   `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Evaluate 按固定顺序评估规则，返回第一条未通过的规则。
//
// 未知的值不会触发规则：没有价格的房源不可能超过最高价。
func Evaluate(l *model.Listing, cfg config.FilterConfig) Result {
	for _, rule := range Order {
		if reason, failed := check(rule, l, cfg); failed {
			return Result{Pass: false, Rule: rule, Reason: reason}
		}
	}
	return Result{Pass: true}
}

func check(rule Rule, l *model.Listing, cfg config.FilterConfig) (string, bool) {
	switch rule {
	case RuleMaxPrice:
		if cfg.MaxPrice > 0 && l.Price != nil && *l.Price > cfg.MaxPrice {
			return fmt.Sprintf("Price %.0f exceeds maximum %.0f", *l.Price, cfg.MaxPrice), true
		}
	case RuleMinRooms:
		if cfg.MinRooms > 0 && l.Rooms != nil && *l.Rooms < cfg.MinRooms {
			return fmt.Sprintf("Rooms %.1f below minimum %.1f", *l.Rooms, cfg.MinRooms), true
		}
	case RuleMinSize:
		if cfg.MinSizeSqm > 0 && l.SizeSqm != nil && *l.SizeSqm < cfg.MinSizeSqm {
			return fmt.Sprintf("Size %.0f sqm below minimum %.0f", *l.SizeSqm, cfg.MinSizeSqm), true
		}
	case RuleGroundFloor:
		if cfg.ExcludeGroundFloor && l.Floor != nil && *l.Floor <= 0 {
			return "Ground floor excluded by user preference", true
		}
	case RuleElevator:
		if cfg.RequireElevator && l.Floor != nil && *l.Floor > cfg.ElevatorAboveFloor && !l.HasElevator {
			return fmt.Sprintf("Floor %d requires elevator (threshold: %d)", *l.Floor, cfg.ElevatorAboveFloor), true
		}
	case RuleParking:
		if cfg.RequireParking && !l.HasParking {
			return "Parking required but not available", true
		}
	case RuleSafeRoom:
		if cfg.RequireSafeRoom && !l.HasSafeRoom {
			return "Mamad (safe room) required but not available", true
		}
	case RuleCity:
		if len(cfg.Cities) > 0 && l.City != "" && !containsCity(cfg.Cities, l.City) {
			return fmt.Sprintf("City %s not in allowed list", l.City), true
		}
	}
	return "", false
}

func containsCity(cities []string, city string) bool {
	city = strings.TrimSpace(city)
	for _, c := range cities {
		if strings.EqualFold(strings.TrimSpace(c), city) {
			return true
		}
	}
	return false
}
