package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/erenaydin/futuresbot/internal/advisor"
	s3blob "github.com/erenaydin/futuresbot/internal/blob/s3"
	"github.com/erenaydin/futuresbot/internal/cache/redis"
	"github.com/erenaydin/futuresbot/internal/config"
	"github.com/erenaydin/futuresbot/internal/domain"
	"github.com/erenaydin/futuresbot/internal/exchange/binance"
	"github.com/erenaydin/futuresbot/internal/notify"
	"github.com/erenaydin/futuresbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	PositionStore domain.PositionStore
	HistoryStore  domain.HistoryStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	Exchange   domain.Exchange
	MarketData domain.MarketData
	Advisor    domain.Advisor

	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.HistoryStore = postgres.NewHistoryStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Binance ---
	auth := &binance.Auth{Key: cfg.Binance.ApiKey, Secret: cfg.Binance.ApiSecret}
	restClient := binance.NewClient(cfg.Binance.BaseURL, auth, deps.RateLimiter, logger)
	deps.Exchange = binance.NewExchange(restClient, logger)
	deps.MarketData = binance.NewMarketData(restClient, deps.PriceCache, cfg.Binance.MaxPriceAge.Duration, logger)

	// --- Advisor ---
	if cfg.Advisor.Enabled {
		deps.Advisor = advisor.NewHTTPAdvisor(cfg.Advisor.BaseURL, cfg.Advisor.ApiKey, cfg.Advisor.Timeout.Duration, logger)
	} else {
		deps.Advisor = advisor.NewStatic()
	}

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.HistoryStore,
			cfg.Archive.Batch,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
