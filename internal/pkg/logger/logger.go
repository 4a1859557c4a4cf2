package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 根据日志级别创建默认的 slog 记录器。
//
// APP_ENV=prod 时输出 JSON，其余环境输出便于阅读的文本格式。
func NewDefault(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("APP_ENV"), "prod") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ParseLevel 将字符串转换为 slog.Level，未知值回退到 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
