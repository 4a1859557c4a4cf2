package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math"
	"strings"

	"estatehunter/internal/config"
	"estatehunter/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 发送 HTML 邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	to     string
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建邮件通知器，to 为接收邮箱。
func NewEmailNotifier(cfg *config.EmailConfig, to string, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		to:     to,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Notify 发送事件邮件。SMTP 配置或收件人缺失时跳过并返回 nil。
func (n *EmailNotifier) Notify(ctx context.Context, ev model.Event) error {
	if n.cfg == nil || n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.to) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.to)
	m.SetHeader("Subject", subject(ev))
	m.SetBody("text/html", buildHTMLBody(ev))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", n.to),
		slog.String("kind", string(ev.Kind)),
		slog.Uint64("listing_id", uint64(ev.ListingID)))
	return nil
}

func subject(ev model.Event) string {
	switch ev.Kind {
	case model.EventPriceDrop:
		return fmt.Sprintf("[EstateHunter] 📉 Price drop %.1f%% in %s", ev.DropPercent, ev.City)
	case model.EventScoreChanged:
		return fmt.Sprintf("[EstateHunter] ⭐ Deal score %d in %s", ev.Score, ev.City)
	default:
		return fmt.Sprintf("[EstateHunter] 🏠 New listing in %s (score %d)", ev.City, ev.Score)
	}
}

func buildHTMLBody(ev model.Event) string {
	priceLine := "Price unknown"
	if ev.Price > 0 {
		priceLine = "₪ " + formatILS(ev.Price)
	}
	if ev.Kind == model.EventPriceDrop && ev.OldPrice > 0 {
		priceLine = fmt.Sprintf("₪ %s → ₪ %s (-%.1f%%)", formatILS(ev.OldPrice), formatILS(ev.Price), ev.DropPercent)
	}

	title := ev.Title
	if title == "" {
		title = fmt.Sprintf("Listing #%d", ev.ListingID)
	}
	link := ""
	if ev.URL != "" {
		link = fmt.Sprintf(`<a class="cta" href="%s" target="_blank">View listing</a>`, html.EscapeString(ev.URL))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 16px; direction: auto; }
  .score { font-size: 14px; margin-bottom: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">%s</div>
    <div class="content">
      <div class="price">%s</div>
      <div class="title">%s</div>
      <div class="score">Deal score: %d / 100</div>
      <div style="text-align:center; margin-bottom: 12px;">%s</div>
      <div class="footer">%s · %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		html.EscapeString(subject(ev)),
		priceLine,
		html.EscapeString(title),
		ev.Score,
		link,
		html.EscapeString(ev.City),
		ev.Kind)
}

// formatILS 千分位格式化，四舍五入到整数。
func formatILS(v float64) string {
	s := fmt.Sprintf("%d", int64(math.Round(v)))
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	n := len(s)
	out := make([]byte, 0, n+n/3+1)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ',')
		}
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
