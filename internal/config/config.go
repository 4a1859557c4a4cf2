package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
)

// DefaultPath 默认配置文件路径。
const DefaultPath = "configs/config.json"

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig   `json:"app"`
	MySQL    MySQLConfig `json:"mysql"`
	Redis    RedisConfig `json:"redis"`
	Email    EmailConfig `json:"email"`
	Pipeline Pipeline    `json:"pipeline"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env               string        `json:"env"`                // 运行环境: local / prod
	LogLevel          string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr          string        `json:"http_addr"`          // API 服务监听地址
	MetricsAddr       string        `json:"metrics_addr"`       // ingest 进程的 metrics 监听地址
	StatsInterval     time.Duration `json:"stats_interval"`     // 街区统计刷新间隔（如 "15m"）
	WorkerPoolSize    int           `json:"worker_pool_size"`   // Worker Pool 大小
	QueueCapacity     int           `json:"queue_capacity"`     // 队列容量
	IngestConcurrency int           `json:"ingest_concurrency"` // 同时处理的批次数
	BatchTimeout      time.Duration `json:"batch_timeout"`      // 单个批次处理超时
	JanitorInterval   time.Duration `json:"janitor_interval"`   // 卡住批次的巡检间隔
	JanitorTimeout    time.Duration `json:"janitor_timeout"`    // 批次处理超过该时间视为卡住
	RateLimit         float64       `json:"rate_limit"`         // 通知限流速率（token/s）
	RateBurst         float64       `json:"rate_burst"`         // 通知限流桶容量
	DedupWindow       int           `json:"dedup_window"`       // 通知去重窗口（秒）

	// Redis Streams 事件队列配置
	EventStream string `json:"event_stream"` // 事件 Stream 名称
	EventGroup  string `json:"event_group"`  // Consumer Group 名称
	NotifyTo    string `json:"notify_to"`    // 通知接收邮箱
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量（含 .env 文件中的值）优先于文件内容。
func Load(configPath ...string) (*Config, error) {
	path := DefaultPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:               "local",
			LogLevel:          "info",
			HTTPAddr:          ":8081",
			MetricsAddr:       ":2112",
			StatsInterval:     15 * time.Minute,
			WorkerPoolSize:    8,
			QueueCapacity:     256,
			IngestConcurrency: 4,
			BatchTimeout:      2 * time.Minute,
			JanitorInterval:   5 * time.Minute,
			JanitorTimeout:    15 * time.Minute,
			RateLimit:         1,
			RateBurst:         5,
			DedupWindow:       7 * 24 * 3600,
			EventStream:       "estatehunter:events",
			EventGroup:        "notifier_group",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/estatehunter?parseTime=true&loc=Local&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Pipeline: DefaultPipeline(),
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.StatsInterval == 0 {
		cfg.App.StatsInterval = defaults.App.StatsInterval
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.IngestConcurrency == 0 {
		cfg.App.IngestConcurrency = defaults.App.IngestConcurrency
	}
	if cfg.App.BatchTimeout == 0 {
		cfg.App.BatchTimeout = defaults.App.BatchTimeout
	}
	if cfg.App.JanitorInterval == 0 {
		cfg.App.JanitorInterval = defaults.App.JanitorInterval
	}
	if cfg.App.JanitorTimeout == 0 {
		cfg.App.JanitorTimeout = defaults.App.JanitorTimeout
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.EventStream == "" {
		cfg.App.EventStream = defaults.App.EventStream
	}
	if cfg.App.EventGroup == "" {
		cfg.App.EventGroup = defaults.App.EventGroup
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	applyPipelineDefaults(&cfg.Pipeline)
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("notify_to", "NOTIFY_TO")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_STATS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.StatsInterval = d
		}
	}
	if v := os.Getenv("APP_BATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.BatchTimeout = d
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_INGEST_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.IngestConcurrency = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}
	if v := os.Getenv("APP_EVENT_STREAM"); v != "" {
		cfg.App.EventStream = v
	}
	if v := os.Getenv("APP_EVENT_GROUP"); v != "" {
		cfg.App.EventGroup = v
	}
	if v := viper.GetString("notify_to"); v != "" {
		cfg.App.NotifyTo = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	applyPipelineEnvOverrides(&cfg.Pipeline)
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := func() *mysql.Config {
		return &mysql.Config{
			User:   "root",
			Net:    "tcp",
			Addr:   "localhost:3306",
			DBName: "estatehunter",
			Params: map[string]string{
				"parseTime": "true",
				"loc":       "Local",
				"charset":   "utf8mb4",
			},
		}
	}
	if dsn == "" {
		return fallback()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback()
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		StatsInterval   string `json:"stats_interval"`
		BatchTimeout    string `json:"batch_timeout"`
		JanitorInterval string `json:"janitor_interval"`
		JanitorTimeout  string `json:"janitor_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stats_interval", aux.StatsInterval, &a.StatsInterval},
		{"batch_timeout", aux.BatchTimeout, &a.BatchTimeout},
		{"janitor_interval", aux.JanitorInterval, &a.JanitorInterval},
		{"janitor_timeout", aux.JanitorTimeout, &a.JanitorTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		StatsInterval   string `json:"stats_interval"`
		BatchTimeout    string `json:"batch_timeout"`
		JanitorInterval string `json:"janitor_interval"`
		JanitorTimeout  string `json:"janitor_timeout"`
		*Alias
	}{
		StatsInterval:   a.StatsInterval.String(),
		BatchTimeout:    a.BatchTimeout.String(),
		JanitorInterval: a.JanitorInterval.String(),
		JanitorTimeout:  a.JanitorTimeout.String(),
		Alias:           (*Alias)(&a),
	})
}
