package normalize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Feature 房源设施。
type Feature string

const (
	FeatureElevator Feature = "elevator"
	FeatureParking  Feature = "parking"
	FeatureBalcony  Feature = "balcony"
	FeatureSafeRoom Feature = "safe_room"
)

// AllFeatures 设施的固定顺序。
var AllFeatures = []Feature{FeatureElevator, FeatureParking, FeatureBalcony, FeatureSafeRoom}

// Tables 所有解析用到的词表。
//
// 各抽取器只依赖这里的数据，新增同义词不需要改代码。
type Tables struct {
	RoomTokens      []string             `yaml:"room_tokens"`
	SizeTokens      []string             `yaml:"size_tokens"`
	FloorTokens     []string             `yaml:"floor_tokens"`
	GroundTokens    []string             `yaml:"ground_tokens"`
	TopFloorTokens  []string             `yaml:"top_floor_tokens"`
	OfTokens        []string             `yaml:"of_tokens"` // "3 מתוך 8" 中的 "מתוך"
	CurrencyTokens  []string             `yaml:"currency_tokens"`
	NegationTokens  []string             `yaml:"negation_tokens"`
	FeatureSynonyms map[Feature][]string `yaml:"feature_synonyms"`
}

// DefaultTables 内置词表（希伯来语 + 英语）。
func DefaultTables() Tables {
	return Tables{
		RoomTokens:     []string{"חדרים", "חדר", "חד'", "חד׳", "rooms", "room", "rms"},
		SizeTokens:     []string{`מ"ר`, "מ״ר", "מ''ר", "מ'ר", "מטר", "sqm", "sq m", "m2", "m²", "מ2"},
		FloorTokens:    []string{"קומה", "floor", "fl."},
		GroundTokens:   []string{"קומת קרקע", "קרקע", "ground floor", "ground"},
		TopFloorTokens: []string{"פנטהאוז", "פנטהאוס", "דירת גג", "penthouse"},
		OfTokens:       []string{"מתוך", "of", "/"},
		CurrencyTokens: []string{"₪", "$", "€", `ש"ח`, "ש״ח", "שח", "nis", "ils"},
		NegationTokens: []string{"ללא", "בלי", "אין", "no", "without"},
		FeatureSynonyms: map[Feature][]string{
			FeatureElevator: {"מעלית", "elevator", "lift"},
			FeatureParking:  {"חניה", "חנייה", "חניות", "parking"},
			FeatureBalcony:  {"מרפסת", "מרפסות", "balcony", "mirpeset"},
			FeatureSafeRoom: {`ממ"ד`, "ממ״ד", "ממד", "mamad", "מרחב מוגן", "מקלט", "safe room"},
		},
	}
}

// LoadTables 读取 YAML 覆盖文件。文件中非空的词表替换默认值，其余保持默认。
func LoadTables(path string) (Tables, error) {
	tables := DefaultTables()
	if path == "" {
		return tables, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tables, fmt.Errorf("read token tables: %w", err)
	}

	var override Tables
	if err := yaml.Unmarshal(data, &override); err != nil {
		return tables, fmt.Errorf("parse token tables: %w", err)
	}

	merge := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	merge(&tables.RoomTokens, override.RoomTokens)
	merge(&tables.SizeTokens, override.SizeTokens)
	merge(&tables.FloorTokens, override.FloorTokens)
	merge(&tables.GroundTokens, override.GroundTokens)
	merge(&tables.TopFloorTokens, override.TopFloorTokens)
	merge(&tables.OfTokens, override.OfTokens)
	merge(&tables.CurrencyTokens, override.CurrencyTokens)
	merge(&tables.NegationTokens, override.NegationTokens)
	for feature, synonyms := range override.FeatureSynonyms {
		if len(synonyms) > 0 {
			tables.FeatureSynonyms[feature] = synonyms
		}
	}
	return tables, nil
}
