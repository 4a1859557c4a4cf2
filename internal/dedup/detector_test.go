package dedup

import (
	"testing"
	"time"

	"estatehunter/internal/model"
	"estatehunter/internal/normalize"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int { return &v }

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func candidate(id uint, updated time.Duration) model.Listing {
	return model.Listing{
		ID:        id,
		UpdatedAt: base.Add(updated),
		City:      "גבעתיים",
		Street:    "כצנלסון 40",
		Price:     f64(2_000_000),
		Rooms:     f64(4),
		SizeSqm:   f64(90),
		Floor:     intp(2),
		Status:    model.StatusUnseen,
	}
}

func incoming() *normalize.Listing {
	return &normalize.Listing{
		Source:   "madlan",
		SourceID: "x1",
		Location: normalize.Location{Street: "כצנלסון  40", City: "גבעתיים"},
		Price:    f64(2_050_000),
		Rooms:    f64(4),
		SizeSqm:  f64(90.4),
		Floor:    intp(2),
	}
}

func TestFind_NoCandidates(t *testing.T) {
	d := NewDetector(0.05)
	if m := d.Find(incoming(), nil); m.Found {
		t.Fatalf("expected new listing, got %+v", m)
	}
}

func TestFind_PhoneMatch(t *testing.T) {
	d := NewDetector(0.05)
	c := candidate(7, 0)
	c.Street = "somewhere else"
	c.Phone = "0541234567"
	in := incoming()
	in.Phone = "0541234567"

	m := d.Find(in, []model.Listing{c})
	if !m.Found || m.ListingID != 7 || m.Kind != MatchPhone {
		t.Fatalf("expected phone match, got %+v", m)
	}
}

func TestFind_FingerprintWithinTolerance(t *testing.T) {
	d := NewDetector(0.05)
	m := d.Find(incoming(), []model.Listing{candidate(3, 0)})
	if !m.Found || m.ListingID != 3 || m.Kind != MatchFingerprint {
		t.Fatalf("expected fingerprint match, got %+v", m)
	}
}

func TestFind_FingerprintOutsideTolerance(t *testing.T) {
	d := NewDetector(0.05)
	in := incoming()
	in.Price = f64(2_200_000)
	if m := d.Find(in, []model.Listing{candidate(3, 0)}); m.Found {
		t.Fatalf("10%% price gap should not match, got %+v", m)
	}
}

func TestFind_FingerprintNeedsAllParts(t *testing.T) {
	d := NewDetector(0.05)
	in := incoming()
	in.Floor = nil
	if m := d.Find(in, []model.Listing{candidate(3, 0)}); m.Found {
		t.Fatalf("partial fingerprint should not match, got %+v", m)
	}
	in = incoming()
	in.Price = nil
	if m := d.Find(in, []model.Listing{candidate(3, 0)}); m.Found {
		t.Fatalf("unknown price should not match by fingerprint, got %+v", m)
	}
}

func TestFind_TieBreakMostRecentlyUpdated(t *testing.T) {
	d := NewDetector(0.05)
	older := candidate(10, 0)
	newest := candidate(4, time.Hour)
	sameTimeHigherID := candidate(11, 0)

	m := d.Find(incoming(), []model.Listing{older, newest, sameTimeHigherID})
	if !m.Found || m.ListingID != 4 || m.Matches != 3 {
		t.Fatalf("expected most recently updated candidate, got %+v", m)
	}

	m = d.Find(incoming(), []model.Listing{older, sameTimeHigherID})
	if m.ListingID != 11 {
		t.Fatalf("equal update time should prefer highest id, got %+v", m)
	}
}

func TestFind_SkipsHidden(t *testing.T) {
	d := NewDetector(0.05)
	c := candidate(3, 0)
	c.Status = model.StatusHidden
	if m := d.Find(incoming(), []model.Listing{c}); m.Found {
		t.Fatalf("hidden listing should not be a candidate, got %+v", m)
	}
}

func TestFingerprintOf(t *testing.T) {
	a, ok := FingerprintOf(" Herzl   10 ", f64(3), f64(79.6), intp(1))
	if !ok {
		t.Fatalf("expected fingerprint")
	}
	b, _ := FingerprintOf("herzl 10", f64(3), f64(80.2), intp(1))
	if a != b {
		t.Fatalf("expected equal fingerprints: %+v vs %+v", a, b)
	}
	if _, ok := FingerprintOf("", f64(3), f64(80), intp(1)); ok {
		t.Fatalf("empty street should not produce a fingerprint")
	}
}
