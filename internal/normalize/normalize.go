package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Normalizer 把抓取到的原始文本转换为类型化的值。
//
// 所有抽取方法都不会 panic 也不返回 error：无法识别时返回 ok=false。
// Normalizer 创建后只读，可并发使用。
type Normalizer struct {
	tables Tables

	roomsBefore *regexp.Regexp
	roomsAfter  *regexp.Regexp
	sizeBefore  *regexp.Regexp
	floorAfter  *regexp.Regexp
	floorBefore *regexp.Regexp
	ground      *regexp.Regexp
	topFloor    *regexp.Regexp

	currency  []string
	negations []string
	synonyms  map[Feature][]string
	cities    []knownCity
}

type knownCity struct {
	name string
	key  string
}

var (
	bareNumber      = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	bareInteger     = regexp.MustCompile(`^-?\d+$`)
	dottedThousands = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
	mobilePattern   = regexp.MustCompile(`^05\d{8}$`)
	spaceRun        = regexp.MustCompile(`\s+`)
)

const number = `(\d+(?:\.\d+)?)`

// New 根据词表与已知城市列表创建 Normalizer。
func New(tables Tables, knownCities []string) *Normalizer {
	n := &Normalizer{
		tables:      tables,
		roomsBefore: regexp.MustCompile(`(?i)` + number + `\s*(?:` + alternation(tables.RoomTokens) + `)`),
		roomsAfter:  regexp.MustCompile(`(?i)(?:` + alternation(tables.RoomTokens) + `)\s*[:\-]?\s*` + number),
		sizeBefore:  regexp.MustCompile(`(?i)` + number + `\s*(?:` + alternation(tables.SizeTokens) + `)`),
		floorAfter: regexp.MustCompile(`(?i)(?:` + alternation(tables.FloorTokens) + `)\s*[:\-]?\s*(-?\d+)` +
			`(?:\s*(?:` + alternation(tables.OfTokens) + `)\s*(\d+))?`),
		floorBefore: regexp.MustCompile(`(?i)(\d+)(?:st|nd|rd|th)?\s+(?:` + alternation(tables.FloorTokens) + `)`),
		ground:      regexp.MustCompile(`(?i)(?:` + alternation(tables.GroundTokens) + `)`),
		topFloor:    regexp.MustCompile(`(?i)(?:` + alternation(tables.TopFloorTokens) + `)`),
		currency:    lowerAll(tables.CurrencyTokens),
		negations:   lowerAll(tables.NegationTokens),
		synonyms:    make(map[Feature][]string, len(tables.FeatureSynonyms)),
	}
	for feature, words := range tables.FeatureSynonyms {
		for _, w := range words {
			n.synonyms[feature] = append(n.synonyms[feature], foldText(w))
		}
	}
	for _, c := range knownCities {
		if key := cityKey(c); key != "" {
			n.cities = append(n.cities, knownCity{name: strings.TrimSpace(c), key: key})
		}
	}
	return n
}

// NewDefault 使用内置词表。
func NewDefault(knownCities []string) *Normalizer {
	return New(DefaultTables(), knownCities)
}

// alternation 把词表转成正则分支，长词优先，避免 "חדר" 抢先匹配 "חדרים"。
func alternation(tokens []string) string {
	sorted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, t := range sorted {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(t), " ", `\s+`)
	}
	if len(quoted) == 0 {
		return `\x00`
	}
	return strings.Join(quoted, "|")
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// foldText 小写并把连续空白压成单个空格。
func foldText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ToLower(s), " "))
}

func cleanSpaces(s string) string {
	return strings.ReplaceAll(s, "\u00a0", " ")
}

// Rooms 抽取房间数，支持整数和 0.5 步进（3、3.5）。
func (n *Normalizer) Rooms(text string) (float64, bool) {
	text = cleanSpaces(text)
	var raw string
	if m := n.roomsBefore.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := n.roomsAfter.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if t := strings.TrimSpace(text); bareNumber.MatchString(t) {
		raw = t
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 50 {
		return 0, false
	}
	if v*2 != float64(int(v*2)) {
		return 0, false
	}
	return v, true
}

// SizeSqm 抽取平方米面积。
func (n *Normalizer) SizeSqm(text string) (float64, bool) {
	text = cleanSpaces(text)
	var raw string
	if m := n.sizeBefore.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if t := strings.TrimSpace(text); bareNumber.MatchString(t) {
		raw = t
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 10000 {
		return 0, false
	}
	return v, true
}

// FloorInfo 楼层解析结果。Top 为真且 Total 未知时 Level 无意义。
type FloorInfo struct {
	Level int
	Top   bool
	Total int // 0 表示未知
}

// Floor 抽取楼层：地面层为 0，顶层类词汇标记 Top，"3 מתוך 8" 同时给出总层数。
func (n *Normalizer) Floor(text string) (FloorInfo, bool) {
	text = cleanSpaces(text)
	top := n.topFloor.MatchString(text)

	if m := n.floorAfter.FindStringSubmatch(text); m != nil {
		level, err := strconv.Atoi(m[1])
		if err == nil {
			info := FloorInfo{Level: level, Top: top}
			if m[2] != "" {
				if total, err := strconv.Atoi(m[2]); err == nil && total >= level {
					info.Total = total
				}
			}
			if info.Total > 0 && info.Level == info.Total {
				info.Top = true
			}
			return info, true
		}
	}
	if n.ground.MatchString(text) {
		return FloorInfo{Level: 0}, true
	}
	if m := n.floorBefore.FindStringSubmatch(text); m != nil {
		if level, err := strconv.Atoi(m[1]); err == nil {
			return FloorInfo{Level: level, Top: top}, true
		}
	}
	if top {
		return FloorInfo{Top: true}, true
	}
	if t := strings.TrimSpace(text); bareInteger.MatchString(t) {
		if level, err := strconv.Atoi(t); err == nil {
			return FloorInfo{Level: level}, true
		}
	}
	return FloorInfo{}, false
}

// ResolveFloor 用总层数解析顶层标记，返回最终楼层。
func ResolveFloor(info FloorInfo, totalFloors int) (level int, known bool) {
	if info.Top {
		if info.Total > 0 {
			return info.Total, true
		}
		if totalFloors > 0 {
			return totalFloors, true
		}
		return 0, false
	}
	return info.Level, true
}

// Price 去掉货币符号与千分位，返回金额；剩余非数字内容视为无法识别。
func (n *Normalizer) Price(text string) (float64, bool) {
	s := strings.ToLower(cleanSpaces(text))
	for _, c := range n.currency {
		s = strings.ReplaceAll(s, c, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ',' || r == '\'' || r == '’' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}
	if dottedThousands.MatchString(s) {
		s = strings.ReplaceAll(s, ".", "")
	}
	if !bareNumber.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Phone 归一化以色列手机号为 05XXXXXXXX。对结果再次调用结果不变。
func Phone(text string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)

	switch {
	case strings.HasPrefix(digits, "00972"):
		digits = "0" + digits[5:]
	case strings.HasPrefix(digits, "972"):
		digits = "0" + digits[3:]
	}
	// +972 (0)54-... 形式会多出一个 0
	if strings.HasPrefix(digits, "00") {
		digits = digits[1:]
	}
	if !mobilePattern.MatchString(digits) {
		return "", false
	}
	return digits, true
}

// FeatureSet 设施标记。
type FeatureSet struct {
	Elevator bool `json:"elevator"`
	Parking  bool `json:"parking"`
	Balcony  bool `json:"balcony"`
	SafeRoom bool `json:"safe_room"`
}

// Has 按设施名读取。
func (f FeatureSet) Has(feature Feature) bool {
	switch feature {
	case FeatureElevator:
		return f.Elevator
	case FeatureParking:
		return f.Parking
	case FeatureBalcony:
		return f.Balcony
	case FeatureSafeRoom:
		return f.SafeRoom
	}
	return false
}

func (f *FeatureSet) set(feature Feature) {
	switch feature {
	case FeatureElevator:
		f.Elevator = true
	case FeatureParking:
		f.Parking = true
	case FeatureBalcony:
		f.Balcony = true
	case FeatureSafeRoom:
		f.SafeRoom = true
	}
}

// Features 在描述文本与结构化设施列表中查找同义词。
// 紧跟否定词的出现（"ללא מעלית"、"no parking"）不计入。
func (n *Normalizer) Features(text string, list []string) FeatureSet {
	var out FeatureSet
	haystacks := make([]string, 0, len(list)+1)
	if t := foldText(text); t != "" {
		haystacks = append(haystacks, t)
	}
	for _, item := range list {
		if t := foldText(item); t != "" {
			haystacks = append(haystacks, t)
		}
	}

	for _, feature := range AllFeatures {
		for _, h := range haystacks {
			if n.mentions(h, n.synonyms[feature]) {
				out.set(feature)
				break
			}
		}
	}
	return out
}

func (n *Normalizer) mentions(haystack string, synonyms []string) bool {
	for _, syn := range synonyms {
		if syn == "" {
			continue
		}
		from := 0
		for {
			idx := strings.Index(haystack[from:], syn)
			if idx < 0 {
				break
			}
			pos := from + idx
			if !n.negated(haystack[:pos]) {
				return true
			}
			from = pos + len(syn)
		}
	}
	return false
}

func (n *Normalizer) negated(prefix string) bool {
	prefix = strings.TrimRight(prefix, " ")
	for _, neg := range n.negations {
		if !strings.HasSuffix(prefix, neg) {
			continue
		}
		before := prefix[:len(prefix)-len(neg)]
		if before == "" || strings.HasSuffix(before, " ") || strings.HasSuffix(before, ",") {
			return true
		}
	}
	return false
}

// Location 地址拆分结果，无法确定的部分留空。
type Location struct {
	Street       string `json:"street"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
}

// Location 按逗号拆分 "街道, 街区, 城市"。
//
// 最右侧段命中已知城市时作为城市；否则从右向左查找已知城市；
// 都没有命中且恰好三段时按位置解析。
func (n *Normalizer) Location(address string) Location {
	var parts []string
	for _, p := range strings.Split(cleanSpaces(address), ",") {
		if p = strings.TrimSpace(spaceRun.ReplaceAllString(p, " ")); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Location{}
	}

	var loc Location
	cityIdx := -1
	for i := len(parts) - 1; i >= 0; i-- {
		if name, ok := n.City(parts[i]); ok {
			loc.City = name
			cityIdx = i
			break
		}
	}

	rest := parts
	if cityIdx >= 0 {
		rest = parts[:cityIdx]
	} else if len(parts) >= 3 {
		loc.City = foldCity(parts[len(parts)-1])
		rest = parts[:len(parts)-1]
	}

	switch len(rest) {
	case 0:
	case 1:
		if hasDigit(rest[0]) {
			loc.Street = rest[0]
		} else {
			loc.Neighborhood = rest[0]
		}
	default:
		loc.Street = rest[0]
		loc.Neighborhood = rest[len(rest)-1]
	}
	return loc
}

// City 把城市名映射到已知城市表中的写法。
func (n *Normalizer) City(name string) (string, bool) {
	key := cityKey(name)
	if key == "" {
		return "", false
	}
	for _, c := range n.cities {
		if c.key == key {
			return c.name, true
		}
	}
	return "", false
}

// CanonicalCity 已知城市返回表中的写法，未知城市折叠为小写、单空格分隔的形式。
// 城市名用作去重候选与加锁的键，同一城市的不同写法必须得到同一个值。
func (n *Normalizer) CanonicalCity(name string) string {
	if known, ok := n.City(name); ok {
		return known
	}
	return foldCity(name)
}

func foldCity(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', '–':
			return ' '
		case '\'', '"':
			return -1
		}
		return r
	}, strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// cityKey 忽略大小写、空格与连字符差异（"תל אביב-יפו" == "תל-אביב יפו"）。
func cityKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '–' || r == '\'' || r == '"' {
			return -1
		}
		return r
	}, s)
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Description 去掉 HTML 标签并压缩空白，作为描述历史比较的规范形式。
func Description(text string) string {
	if strings.ContainsAny(text, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			doc.Find("br, p, div, li, tr").Each(func(_ int, s *goquery.Selection) {
				s.AfterHtml(" ")
			})
			text = doc.Text()
		}
	}
	text = cleanSpaces(text)
	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}
