package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"estatehunter/internal/config"
	"estatehunter/internal/model"

	"gopkg.in/gomail.v2"
)

func TestFormatILS(t *testing.T) {
	cases := map[float64]string{
		0:         "0",
		950:       "950",
		1000:      "1,000",
		2100000:   "2,100,000",
		1899999.6: "1,900,000",
		-12500:    "-12,500",
	}
	for in, want := range cases {
		if got := formatILS(in); got != want {
			t.Fatalf("formatILS(%v)=%q want %q", in, got, want)
		}
	}
}

func TestBuildHTMLBody_PriceDrop(t *testing.T) {
	body := buildHTMLBody(model.Event{
		ListingID:   9,
		Kind:        model.EventPriceDrop,
		Score:       72,
		Price:       1800000,
		OldPrice:    2000000,
		DropPercent: 10,
		City:        "חיפה",
		Title:       "4 rooms <renovated>",
		URL:         "https://example.com/l/9",
	})
	for _, want := range []string{"2,000,000", "1,800,000", "-10.0%", "72 / 100", "&lt;renovated&gt;", "https://example.com/l/9"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q", want)
		}
	}
}

func TestEmailNotifier_SkipsWithoutConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewEmailNotifier(&config.EmailConfig{}, "me@example.com", logger)
	n.send = func(*gomail.Message) error {
		t.Fatalf("send must not be called without smtp config")
		return nil
	}
	if err := n.Notify(context.Background(), model.Event{ListingID: 1, Kind: model.EventNewListing}); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
}

func TestEmailNotifier_Send(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUser: "bot", FromEmail: "bot@example.com"}
	n := NewEmailNotifier(cfg, "me@example.com", logger)

	var sent *gomail.Message
	n.send = func(m *gomail.Message) error {
		sent = m
		return nil
	}
	ev := model.Event{ListingID: 3, Kind: model.EventNewListing, Score: 64, City: "רמת גן", Price: 2500000}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sent == nil {
		t.Fatalf("expected a message")
	}
	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "me@example.com" {
		t.Fatalf("unexpected recipient %v", got)
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || !strings.Contains(got[0], "score 64") {
		t.Fatalf("unexpected subject %v", got)
	}

	n.send = func(*gomail.Message) error { return errors.New("connection refused") }
	if err := n.Notify(context.Background(), ev); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected send error, got %v", err)
	}
}
