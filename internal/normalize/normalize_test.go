package normalize

import (
	"os"
	"path/filepath"
	"testing"

	"estatehunter/internal/model"
)

var testCities = []string{"תל אביב-יפו", "רמת גן", "גבעתיים"}

func TestRooms(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"3 חדרים", 3, true},
		{"דירת 3.5 חדרים מרווחת", 3.5, true},
		{"4 חד'", 4, true},
		{"3.5 rooms", 3.5, true},
		{"rooms: 4", 4, true},
		{"4", 4, true},
		{"3.3 rooms", 0, false},
		{"spacious apartment", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := n.Rooms(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Rooms(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSizeSqm(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{`85 מ"ר`, 85, true},
		{"85 מ״ר", 85, true},
		{"120sqm", 120, true},
		{"75 m²", 75, true},
		{"90", 90, true},
		{"0 sqm", 0, false},
		{"big", 0, false},
	}
	for _, tc := range cases {
		got, ok := n.SizeSqm(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("SizeSqm(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFloor(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want FloorInfo
		ok   bool
	}{
		{"קומה 3", FloorInfo{Level: 3}, true},
		{"קומה 3 מתוך 8", FloorInfo{Level: 3, Total: 8}, true},
		{"floor 8 of 8", FloorInfo{Level: 8, Total: 8, Top: true}, true},
		{"floor: 2", FloorInfo{Level: 2}, true},
		{"3rd floor", FloorInfo{Level: 3}, true},
		{"קומת קרקע", FloorInfo{Level: 0}, true},
		{"ground floor", FloorInfo{Level: 0}, true},
		{"פנטהאוז מדהים", FloorInfo{Top: true}, true},
		{"2", FloorInfo{Level: 2}, true},
		{"quiet street", FloorInfo{}, false},
	}
	for _, tc := range cases {
		got, ok := n.Floor(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Floor(%q) = %+v,%v want %+v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveFloor(t *testing.T) {
	if level, ok := ResolveFloor(FloorInfo{Top: true}, 12); !ok || level != 12 {
		t.Fatalf("expected top floor resolved to 12, got %d,%v", level, ok)
	}
	if _, ok := ResolveFloor(FloorInfo{Top: true}, 0); ok {
		t.Fatalf("expected unresolved top floor without total")
	}
	if level, ok := ResolveFloor(FloorInfo{Level: 4}, 0); !ok || level != 4 {
		t.Fatalf("expected plain level 4, got %d,%v", level, ok)
	}
}

func TestPrice(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"₪2,450,000", 2450000, true},
		{`2.450.000 ש"ח`, 2450000, true},
		{"$1,200,000", 1200000, true},
		{"1 950 000 NIS", 1950000, true},
		{"5800.50", 5800.5, true},
		{"call for price", 0, false},
		{"12abc", 0, false},
		{"0", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := n.Price(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Price(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"054-123-4567", "0541234567", true},
		{"+972 54 123 4567", "0541234567", true},
		{"00972-54-1234567", "0541234567", true},
		{"+972 (0)54-1234567", "0541234567", true},
		{"03-1234567", "", false},
		{"12345", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := Phone(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Phone(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPhone_Idempotent(t *testing.T) {
	inputs := []string{"054-123-4567", "+972 52 555 1234", "00972501112233", "058 999 0000"}
	for _, in := range inputs {
		first, ok := Phone(in)
		if !ok {
			t.Fatalf("expected %q to normalize", in)
		}
		second, ok := Phone(first)
		if !ok || second != first {
			t.Fatalf("re-normalizing %q gave %q,%v", first, second, ok)
		}
	}
}

func TestFeatures(t *testing.T) {
	n := NewDefault(testCities)

	f := n.Features("דירה עם מעלית וחניה", nil)
	if !f.Elevator || !f.Parking || f.Balcony || f.SafeRoom {
		t.Fatalf("unexpected features: %+v", f)
	}

	f = n.Features("ללא מעלית", nil)
	if f.Elevator {
		t.Fatalf("negated elevator should not count")
	}

	f = n.Features("No parking, balcony facing west", nil)
	if f.Parking || !f.Balcony {
		t.Fatalf("unexpected features: %+v", f)
	}

	f = n.Features("", []string{"Mamad", "  ELEVATOR "})
	if !f.SafeRoom || !f.Elevator {
		t.Fatalf("structured list not used: %+v", f)
	}
}

func TestLocation(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want Location
	}{
		{"הרצל 10, פלורנטין, תל אביב-יפו", Location{Street: "הרצל 10", Neighborhood: "פלורנטין", City: "תל אביב-יפו"}},
		{"ביאליק 5, רמת-גן", Location{Street: "ביאליק 5", City: "רמת גן"}},
		{"Somewhere", Location{Neighborhood: "Somewhere"}},
		{"A st 1, Carmel, Haifa", Location{Street: "A st 1", Neighborhood: "Carmel", City: "haifa"}},
		{"", Location{}},
	}
	for _, tc := range cases {
		if got := n.Location(tc.in); got != tc.want {
			t.Fatalf("Location(%q) = %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalCity(t *testing.T) {
	n := NewDefault(testCities)
	cases := []struct {
		in   string
		want string
	}{
		{"רמת-גן", "רמת גן"},
		{"  תל-אביב יפו ", "תל אביב-יפו"},
		{"Haifa", "haifa"},
		{" HAIFA", "haifa"},
		{"Kiryat-Ono", "kiryat ono"},
		{"kiryat   ono", "kiryat ono"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := n.CanonicalCity(tc.in); got != tc.want {
			t.Fatalf("CanonicalCity(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestDescription(t *testing.T) {
	got := Description("<p>Nice&nbsp;flat</p><p>3   rooms</p>")
	if got != "Nice flat 3 rooms" {
		t.Fatalf("unexpected description: %q", got)
	}
	if got := Description("  plain \n text "); got != "plain text" {
		t.Fatalf("unexpected description: %q", got)
	}
}

func TestRecord(t *testing.T) {
	n := NewDefault(testCities)
	raw := model.RawRecord{
		SourceID: "yad2-1",
		Fields: map[string]string{
			model.FieldTitle:       "דירת 4 חדרים בקומה 3",
			model.FieldDescription: `מעלית, חניה ומרפסת. 95 מ"ר`,
			model.FieldPrice:       "₪2,100,000",
			model.FieldPhone:       "+972-52-555-1234",
			model.FieldAddress:     "דיזנגוף 100, צפון ישן, תל אביב-יפו",
			model.FieldTotalFloors: "5",
		},
	}

	got := n.Record("yad2", raw)
	if got.Source != "yad2" || got.SourceID != "yad2-1" {
		t.Fatalf("unexpected identity: %s/%s", got.Source, got.SourceID)
	}
	if got.Price == nil || *got.Price != 2100000 {
		t.Fatalf("unexpected price: %v", got.Price)
	}
	if got.Rooms == nil || *got.Rooms != 4 {
		t.Fatalf("unexpected rooms: %v", got.Rooms)
	}
	if got.SizeSqm == nil || *got.SizeSqm != 95 {
		t.Fatalf("unexpected size: %v", got.SizeSqm)
	}
	if got.Floor == nil || *got.Floor != 3 || got.TotalFloors == nil || *got.TotalFloors != 5 || got.TopFloor {
		t.Fatalf("unexpected floor: %v/%v top=%v", got.Floor, got.TotalFloors, got.TopFloor)
	}
	if !got.Features.Elevator || !got.Features.Parking || !got.Features.Balcony || got.Features.SafeRoom {
		t.Fatalf("unexpected features: %+v", got.Features)
	}
	if got.Phone != "0525551234" {
		t.Fatalf("unexpected phone: %s", got.Phone)
	}
	if got.Location.City != "תל אביב-יפו" || got.Location.Street != "דיזנגוף 100" || got.Location.Neighborhood != "צפון ישן" {
		t.Fatalf("unexpected location: %+v", got.Location)
	}
	if got.Incomplete {
		t.Fatalf("record should be complete")
	}
	if ppsqm, ok := got.PricePerSqm(); !ok || ppsqm <= 22000 || ppsqm >= 22200 {
		t.Fatalf("unexpected price per sqm: %v,%v", ppsqm, ok)
	}
}

func TestRecord_IncompleteKeepsWhatItCan(t *testing.T) {
	n := NewDefault(testCities)
	raw := model.RawRecord{
		Source:   "madlan",
		SourceID: "m-9",
		Fields: map[string]string{
			model.FieldPrice: "N/A",
			model.FieldRooms: "3",
			model.FieldCity:  "רמת-גן",
			model.FieldFloor: "פנטהאוז",
		},
	}
	got := n.Record("ignored", raw)
	if got.Source != "madlan" {
		t.Fatalf("record source should win, got %s", got.Source)
	}
	if !got.Incomplete || got.Price != nil {
		t.Fatalf("expected incomplete record without price")
	}
	if len(got.Unresolved) != 1 || got.Unresolved[0] != model.FieldPrice {
		t.Fatalf("unexpected unresolved fields: %v", got.Unresolved)
	}
	if got.Location.City != "רמת גן" {
		t.Fatalf("expected canonical city, got %q", got.Location.City)
	}
	if got.Floor != nil || !got.TopFloor {
		t.Fatalf("unresolved penthouse should keep marker only: %v top=%v", got.Floor, got.TopFloor)
	}
}

func TestLoadTables_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	content := "room_tokens: [\"bedrooms\"]\nfeature_synonyms:\n  elevator: [\"ascenseur\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	if len(tables.SizeTokens) == 0 {
		t.Fatalf("size tokens should keep defaults")
	}
	n := New(tables, nil)
	if v, ok := n.Rooms("3 bedrooms"); !ok || v != 3 {
		t.Fatalf("override room token not used: %v,%v", v, ok)
	}
	f := n.Features("ascenseur et parking", nil)
	if !f.Elevator || !f.Parking {
		t.Fatalf("unexpected features: %+v", f)
	}
}

func TestLoadTables_MissingFile(t *testing.T) {
	if _, err := LoadTables(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadTables(""); err != nil {
		t.Fatalf("empty path should use defaults: %v", err)
	}
}
