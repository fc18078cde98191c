// Package config defines the top-level configuration for the futures bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUTBOT_* environment variables.
type Config struct {
	Binance  BinanceConfig  `toml:"binance"`
	Risk     RiskConfig     `toml:"risk"`
	Intake   IntakeConfig   `toml:"intake"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Advisor  AdvisorConfig  `toml:"advisor"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BinanceConfig holds USDT-M futures API parameters.
type BinanceConfig struct {
	ApiKey      string   `toml:"api_key"`
	ApiSecret   string   `toml:"api_secret"`
	BaseURL     string   `toml:"base_url"`
	WsURL       string   `toml:"ws_url"`
	Symbols     []string `toml:"symbols"`
	MaxPriceAge duration `toml:"max_price_age"`
}

// RiskConfig holds position sizing parameters.
type RiskConfig struct {
	AccountRiskUSD   float64 `toml:"account_risk_usd"`
	Leverage         int     `toml:"leverage"`
	MinValueUSD      float64 `toml:"min_value_usd"`
	GradeAMultiplier float64 `toml:"grade_a_multiplier"`
	GradeBMultiplier float64 `toml:"grade_b_multiplier"`
	GradeCMultiplier float64 `toml:"grade_c_multiplier"`

	// Policy selects the stop placement policy: "percent", "structural",
	// or "grade_distance".
	Policy string `toml:"policy"`

	SLPercent  float64 `toml:"sl_percent"`
	TP1Percent float64 `toml:"tp1_percent"`
	TP2Percent float64 `toml:"tp2_percent"`

	// StructuralBuffer widens structural stops past the swing level,
	// e.g. 0.001 = 0.1%.
	StructuralBuffer float64 `toml:"structural_buffer"`

	// TP1R and TP2R are reward multiples of the stop distance for the
	// structural and grade_distance policies.
	TP1R float64 `toml:"tp1_r"`
	TP2R float64 `toml:"tp2_r"`

	// GradeDistanceUSD maps a confidence grade to a fixed stop distance for
	// the grade_distance policy. Grades not listed use DefaultDistanceUSD.
	GradeDistanceUSD   map[string]float64 `toml:"grade_distance_usd"`
	DefaultDistanceUSD float64            `toml:"default_distance_usd"`

	// TrailingDistance enables a trailing stop when > 0, in price units.
	TrailingDistance float64 `toml:"trailing_distance"`
}

// IntakeConfig holds signal intake parameters.
type IntakeConfig struct {
	Channel string `toml:"channel"`

	// Simulated opens positions on paper only; no exchange orders are
	// placed and reconciliation skips them.
	Simulated bool `toml:"simulated"`
}

// MonitorConfig holds the position monitor loop parameters.
type MonitorConfig struct {
	PollInterval   duration `toml:"poll_interval"`
	ReconcileEvery int      `toml:"reconcile_every"`
	StaleTicks     int      `toml:"stale_ticks"`
	GracePeriod    duration `toml:"grace_period"`
}

// AdvisorConfig holds the external signal validation service parameters.
// When disabled every signal is approved unchanged.
type AdvisorConfig struct {
	Enabled bool     `toml:"enabled"`
	BaseURL string   `toml:"base_url"`
	ApiKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	PriceCacheTTL duration `toml:"price_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds trade history archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	Batch         int    `toml:"batch"`
}

// ServerConfig holds the metrics/health HTTP endpoint parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// GradeMultipliers assembles the per-grade risk multipliers from the risk
// section. Grade D always maps to zero.
func (r RiskConfig) GradeMultipliers() map[domain.ConfidenceGrade]float64 {
	return map[domain.ConfidenceGrade]float64{
		domain.GradeA: r.GradeAMultiplier,
		domain.GradeB: r.GradeBMultiplier,
		domain.GradeC: r.GradeCMultiplier,
		domain.GradeD: 0,
	}
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			BaseURL:     "https://fapi.binance.com",
			WsURL:       "wss://fstream.binance.com/stream",
			Symbols:     []string{},
			MaxPriceAge: duration{10 * time.Second},
		},
		Risk: RiskConfig{
			AccountRiskUSD:   100,
			Leverage:         10,
			MinValueUSD:      10,
			GradeAMultiplier: 1.5,
			GradeBMultiplier: 1.0,
			GradeCMultiplier: 0.6,
			Policy:           "percent",
			SLPercent:        10,
			TP1Percent:       20,
			TP2Percent:       40,
			StructuralBuffer: 0.001,
			TP1R:             1.5,
			TP2R:             3.0,
		},
		Intake: IntakeConfig{
			Channel:   "signals",
			Simulated: false,
		},
		Monitor: MonitorConfig{
			PollInterval:   duration{5 * time.Second},
			ReconcileEvery: 10,
			StaleTicks:     5,
			GracePeriod:    duration{60 * time.Second},
		},
		Advisor: AdvisorConfig{
			Enabled: false,
			Timeout: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "futuresbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			PriceCacheTTL: duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "futuresbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
			Batch:         10000,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    9100,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "partial_exit", "position_closed", "ghost_detected"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validPolicies enumerates the accepted stop placement policies.
var validPolicies = map[string]bool{
	"percent":        true,
	"structural":     true,
	"grade_distance": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Binance credentials are only needed when real orders can be placed.
	needsKeys := !c.Intake.Simulated
	if needsKeys {
		if c.Binance.ApiKey == "" {
			errs = append(errs, "binance: api_key is required unless intake.simulated is true")
		}
		if c.Binance.ApiSecret == "" {
			errs = append(errs, "binance: api_secret is required unless intake.simulated is true")
		}
	}
	if c.Binance.BaseURL == "" {
		errs = append(errs, "binance: base_url must not be empty")
	}
	if c.Binance.WsURL == "" {
		errs = append(errs, "binance: ws_url must not be empty")
	}
	if c.Binance.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "binance: max_price_age must be > 0")
	}

	// Risk
	if c.Risk.AccountRiskUSD <= 0 {
		errs = append(errs, "risk: account_risk_usd must be > 0")
	}
	if c.Risk.Leverage < 1 {
		errs = append(errs, "risk: leverage must be >= 1")
	}
	if c.Risk.GradeAMultiplier < 0 || c.Risk.GradeBMultiplier < 0 || c.Risk.GradeCMultiplier < 0 {
		errs = append(errs, "risk: grade multipliers must be >= 0")
	}
	if !validPolicies[c.Risk.Policy] {
		errs = append(errs, fmt.Sprintf("risk: unknown policy %q (valid: percent, structural, grade_distance)", c.Risk.Policy))
	}
	if c.Risk.Policy == "percent" {
		if c.Risk.SLPercent <= 0 {
			errs = append(errs, "risk: sl_percent must be > 0")
		}
		if c.Risk.TP1Percent <= 0 || c.Risk.TP2Percent <= c.Risk.TP1Percent {
			errs = append(errs, "risk: tp percents must satisfy 0 < tp1_percent < tp2_percent")
		}
	}
	if c.Risk.Policy == "structural" || c.Risk.Policy == "grade_distance" {
		if c.Risk.TP1R <= 0 || c.Risk.TP2R <= c.Risk.TP1R {
			errs = append(errs, "risk: reward multiples must satisfy 0 < tp1_r < tp2_r")
		}
	}
	if c.Risk.Policy == "grade_distance" && c.Risk.DefaultDistanceUSD <= 0 && len(c.Risk.GradeDistanceUSD) == 0 {
		errs = append(errs, "risk: grade_distance policy needs grade_distance_usd or default_distance_usd")
	}
	if c.Risk.TrailingDistance < 0 {
		errs = append(errs, "risk: trailing_distance must be >= 0")
	}

	// Intake
	if strings.TrimSpace(c.Intake.Channel) == "" {
		errs = append(errs, "intake: channel must not be empty")
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval must be > 0")
	}
	if c.Monitor.ReconcileEvery < 1 {
		errs = append(errs, "monitor: reconcile_every must be >= 1")
	}
	if c.Monitor.StaleTicks < 1 {
		errs = append(errs, "monitor: stale_ticks must be >= 1")
	}
	if c.Monitor.GracePeriod.Duration < 0 {
		errs = append(errs, "monitor: grace_period must be >= 0")
	}

	// Advisor
	if c.Advisor.Enabled && c.Advisor.BaseURL == "" {
		errs = append(errs, "advisor: base_url is required when enabled")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive / S3
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
