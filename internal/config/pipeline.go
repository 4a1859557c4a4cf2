package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidPipeline 流水线配置不合法。
var ErrInvalidPipeline = errors.New("invalid pipeline config")

// Pipeline 是处理一个批次所需的全部业务配置。
//
// 每个批次开始时取一份快照，处理期间不再读取。
type Pipeline struct {
	Filter      FilterConfig `json:"filter"`
	Preferences Preferences  `json:"preferences"`
	Notify      NotifyConfig `json:"notify"`

	DuplicatePriceTolerance float64  `json:"duplicate_price_tolerance"` // 指纹匹配时允许的价格偏差（0.05 = ±5%）
	KnownCities             []string `json:"known_cities"`              // 地址解析时识别的城市
	StatsMinSamples         int      `json:"stats_min_samples"`         // 街区统计的最小样本数
	TokenTablesPath         string   `json:"token_tables_path"`         // 词表覆盖文件（YAML，可选）
}

// FilterConfig 硬性条件与排除条件。零值/false/空列表表示该规则关闭。
type FilterConfig struct {
	MaxPrice           float64  `json:"max_price"`
	MinRooms           float64  `json:"min_rooms"`
	MinSizeSqm         float64  `json:"min_size_sqm"`
	ExcludeGroundFloor bool     `json:"exclude_ground_floor"`
	RequireElevator    bool     `json:"require_elevator"`     // 高于 ElevatorAboveFloor 的楼层必须有电梯
	ElevatorAboveFloor int      `json:"elevator_above_floor"` // 电梯要求的楼层阈值
	RequireParking     bool     `json:"require_parking"`
	RequireSafeRoom    bool     `json:"require_safe_room"`
	Cities             []string `json:"cities"` // 城市白名单
}

// Preferences 用户偏好的设施，仅偏好的设施参与打分。
type Preferences struct {
	Parking  bool `json:"parking"`
	Balcony  bool `json:"balcony"`
	Elevator bool `json:"elevator"`
	SafeRoom bool `json:"safe_room"`
	TopFloor bool `json:"top_floor"`
}

// NotifyConfig 事件触发阈值。
type NotifyConfig struct {
	MinDealScore        int     `json:"min_deal_score"`         // 分数向上穿越该值时触发 score-changed
	MinPriceDropPercent float64 `json:"min_price_drop_percent"` // 降价百分比达到该值时触发 price-drop
}

// DefaultPipeline 返回默认的流水线配置。
func DefaultPipeline() Pipeline {
	return Pipeline{
		Filter: FilterConfig{
			MaxPrice:           3_000_000,
			MinRooms:           2.5,
			MinSizeSqm:         65,
			ExcludeGroundFloor: true,
			RequireElevator:    true,
			ElevatorAboveFloor: 2,
			RequireParking:     false,
			RequireSafeRoom:    false,
			Cities:             []string{"תל אביב-יפו", "רמת גן", "גבעתיים"},
		},
		Preferences: Preferences{
			Parking:  true,
			Balcony:  true,
			Elevator: true,
			SafeRoom: true,
			TopFloor: true,
		},
		Notify: NotifyConfig{
			MinDealScore:        80,
			MinPriceDropPercent: 3,
		},
		DuplicatePriceTolerance: 0.05,
		KnownCities: []string{
			"תל אביב-יפו", "תל אביב", "רמת גן", "גבעתיים", "חיפה", "ירושלים",
			"Tel Aviv", "Ramat Gan", "Givatayim", "Haifa", "Jerusalem",
		},
		StatsMinSamples: 3,
	}
}

func applyPipelineDefaults(p *Pipeline) {
	defaults := DefaultPipeline()
	if p.DuplicatePriceTolerance == 0 {
		p.DuplicatePriceTolerance = defaults.DuplicatePriceTolerance
	}
	if len(p.KnownCities) == 0 {
		p.KnownCities = defaults.KnownCities
	}
	if p.StatsMinSamples == 0 {
		p.StatsMinSamples = defaults.StatsMinSamples
	}
}

func applyPipelineEnvOverrides(p *Pipeline) {
	if v := os.Getenv("PIPELINE_MAX_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Filter.MaxPrice = f
		}
	}
	if v := os.Getenv("PIPELINE_MIN_ROOMS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Filter.MinRooms = f
		}
	}
	if v := os.Getenv("PIPELINE_MIN_SIZE_SQM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Filter.MinSizeSqm = f
		}
	}
	if v := os.Getenv("PIPELINE_CITIES"); v != "" {
		p.Filter.Cities = splitList(v)
	}
	if v := os.Getenv("PIPELINE_MIN_DEAL_SCORE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			p.Notify.MinDealScore = i
		}
	}
	if v := os.Getenv("PIPELINE_MIN_PRICE_DROP_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Notify.MinPriceDropPercent = f
		}
	}
	if v := os.Getenv("PIPELINE_TOKEN_TABLES"); v != "" {
		p.TokenTablesPath = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 检查配置是否可以用于处理批次。
func (p Pipeline) Validate() error {
	var problems []string
	if p.Filter.MaxPrice < 0 {
		problems = append(problems, "filter.max_price must not be negative")
	}
	if p.Filter.MinRooms < 0 {
		problems = append(problems, "filter.min_rooms must not be negative")
	}
	if p.Filter.MinSizeSqm < 0 {
		problems = append(problems, "filter.min_size_sqm must not be negative")
	}
	if p.Filter.ElevatorAboveFloor < 0 {
		problems = append(problems, "filter.elevator_above_floor must not be negative")
	}
	if p.DuplicatePriceTolerance < 0 || p.DuplicatePriceTolerance >= 1 {
		problems = append(problems, "duplicate_price_tolerance must be in [0,1)")
	}
	if p.Notify.MinDealScore < 0 || p.Notify.MinDealScore > 100 {
		problems = append(problems, "notify.min_deal_score must be in [0,100]")
	}
	if p.Notify.MinPriceDropPercent < 0 || p.Notify.MinPriceDropPercent > 100 {
		problems = append(problems, "notify.min_price_drop_percent must be in [0,100]")
	}
	if p.StatsMinSamples < 1 {
		problems = append(problems, "stats_min_samples must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPipeline, strings.Join(problems, "; "))
	}
	return nil
}

// Clone 返回不与原配置共享切片的副本。
func (p Pipeline) Clone() Pipeline {
	out := p
	out.KnownCities = append([]string(nil), p.KnownCities...)
	out.Filter.Cities = append([]string(nil), p.Filter.Cities...)
	return out
}

// PipelineSource 提供每个批次使用的配置快照。
type PipelineSource interface {
	Snapshot() (Pipeline, error)
}

// FileSource 每次调用都重新读取配置文件，使修改在下一个批次生效。
type FileSource struct {
	Path string
}

// Snapshot 读取文件并返回流水线配置副本。
func (s FileSource) Snapshot() (Pipeline, error) {
	cfg, err := Load(s.Path)
	if err != nil {
		return Pipeline{}, err
	}
	return cfg.Pipeline.Clone(), nil
}

// StaticSource 始终返回同一份配置，用于测试和 dry-run。
type StaticSource struct {
	Pipeline Pipeline
}

// Snapshot 返回配置副本。
func (s StaticSource) Snapshot() (Pipeline, error) {
	return s.Pipeline.Clone(), nil
}
