package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUTBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUTBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setStr(&cfg.Binance.ApiKey, "FUTBOT_BINANCE_API_KEY")
	setStr(&cfg.Binance.ApiSecret, "FUTBOT_BINANCE_API_SECRET")
	setStr(&cfg.Binance.BaseURL, "FUTBOT_BINANCE_BASE_URL")
	setStr(&cfg.Binance.WsURL, "FUTBOT_BINANCE_WS_URL")
	setStringSlice(&cfg.Binance.Symbols, "FUTBOT_BINANCE_SYMBOLS")
	setDuration(&cfg.Binance.MaxPriceAge, "FUTBOT_BINANCE_MAX_PRICE_AGE")

	// ── Risk ──
	setFloat64(&cfg.Risk.AccountRiskUSD, "FUTBOT_RISK_ACCOUNT_RISK_USD")
	setInt(&cfg.Risk.Leverage, "FUTBOT_RISK_LEVERAGE")
	setFloat64(&cfg.Risk.MinValueUSD, "FUTBOT_RISK_MIN_VALUE_USD")
	setFloat64(&cfg.Risk.GradeAMultiplier, "FUTBOT_RISK_GRADE_A_MULTIPLIER")
	setFloat64(&cfg.Risk.GradeBMultiplier, "FUTBOT_RISK_GRADE_B_MULTIPLIER")
	setFloat64(&cfg.Risk.GradeCMultiplier, "FUTBOT_RISK_GRADE_C_MULTIPLIER")
	setStr(&cfg.Risk.Policy, "FUTBOT_RISK_POLICY")
	setFloat64(&cfg.Risk.SLPercent, "FUTBOT_RISK_SL_PERCENT")
	setFloat64(&cfg.Risk.TP1Percent, "FUTBOT_RISK_TP1_PERCENT")
	setFloat64(&cfg.Risk.TP2Percent, "FUTBOT_RISK_TP2_PERCENT")
	setFloat64(&cfg.Risk.TrailingDistance, "FUTBOT_RISK_TRAILING_DISTANCE")

	// ── Intake ──
	setStr(&cfg.Intake.Channel, "FUTBOT_INTAKE_CHANNEL")
	setBool(&cfg.Intake.Simulated, "FUTBOT_INTAKE_SIMULATED")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "FUTBOT_MONITOR_POLL_INTERVAL")
	setInt(&cfg.Monitor.ReconcileEvery, "FUTBOT_MONITOR_RECONCILE_EVERY")
	setInt(&cfg.Monitor.StaleTicks, "FUTBOT_MONITOR_STALE_TICKS")
	setDuration(&cfg.Monitor.GracePeriod, "FUTBOT_MONITOR_GRACE_PERIOD")

	// ── Advisor ──
	setBool(&cfg.Advisor.Enabled, "FUTBOT_ADVISOR_ENABLED")
	setStr(&cfg.Advisor.BaseURL, "FUTBOT_ADVISOR_BASE_URL")
	setStr(&cfg.Advisor.ApiKey, "FUTBOT_ADVISOR_API_KEY")
	setDuration(&cfg.Advisor.Timeout, "FUTBOT_ADVISOR_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FUTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUTBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUTBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUTBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUTBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUTBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUTBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUTBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUTBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceCacheTTL, "FUTBOT_REDIS_PRICE_CACHE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUTBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUTBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUTBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUTBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUTBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUTBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUTBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUTBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "FUTBOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "FUTBOT_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.Batch, "FUTBOT_ARCHIVE_BATCH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUTBOT_SERVER_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUTBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUTBOT_MODE")
	setStr(&cfg.LogLevel, "FUTBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
