package config

import (
	"strings"
	"testing"
	"time"
)

// validBase returns defaults adjusted so Validate passes.
func validBase() Config {
	cfg := Defaults()
	cfg.Binance.ApiKey = "k"
	cfg.Binance.ApiSecret = "s"
	return cfg
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := validBase()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSimulatedModeNeedsNoCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Intake.Simulated = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing api key",
			mutate: func(c *Config) { c.Binance.ApiKey = "" },
			want:   "api_key",
		},
		{
			name:   "bad mode",
			mutate: func(c *Config) { c.Mode = "backtest" },
			want:   "unknown mode",
		},
		{
			name:   "zero account risk",
			mutate: func(c *Config) { c.Risk.AccountRiskUSD = 0 },
			want:   "account_risk_usd",
		},
		{
			name:   "tp1 above tp2",
			mutate: func(c *Config) { c.Risk.TP1Percent = 50 },
			want:   "tp1_percent < tp2_percent",
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.Risk.Policy = "fibonacci" },
			want:   "unknown policy",
		},
		{
			name:   "advisor enabled without url",
			mutate: func(c *Config) { c.Advisor.Enabled = true },
			want:   "advisor: base_url",
		},
		{
			name: "archive enabled without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.S3.Bucket = ""
			},
			want: "s3: bucket",
		},
		{
			name:   "pool min above max",
			mutate: func(c *Config) { c.Postgres.PoolMinConns = 99 },
			want:   "pool_min_conns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FUTBOT_BINANCE_API_KEY", "env-key")
	t.Setenv("FUTBOT_RISK_LEVERAGE", "25")
	t.Setenv("FUTBOT_MONITOR_POLL_INTERVAL", "2s")
	t.Setenv("FUTBOT_BINANCE_SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("FUTBOT_INTAKE_SIMULATED", "true")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Binance.ApiKey != "env-key" {
		t.Errorf("api key = %q", cfg.Binance.ApiKey)
	}
	if cfg.Risk.Leverage != 25 {
		t.Errorf("leverage = %d", cfg.Risk.Leverage)
	}
	if cfg.Monitor.PollInterval.Duration != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Monitor.PollInterval.Duration)
	}
	if len(cfg.Binance.Symbols) != 2 || cfg.Binance.Symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v", cfg.Binance.Symbols)
	}
	if !cfg.Intake.Simulated {
		t.Error("simulated not set")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validBase()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(&cfg)

	if red.Binance.ApiSecret != "***" || red.Postgres.Password != "***" || red.Notify.TelegramToken != "***" {
		t.Errorf("secrets not redacted: %+v", red)
	}
	if cfg.Binance.ApiSecret != "s" {
		t.Error("original mutated")
	}
}

func TestGradeMultipliers(t *testing.T) {
	m := Defaults().Risk.GradeMultipliers()
	if m["A"] != 1.5 || m["B"] != 1.0 || m["C"] != 0.6 || m["D"] != 0 {
		t.Fatalf("multipliers = %v", m)
	}
}
