package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/tvrelay/internal/blob/s3"
	"github.com/alanyoungcy/tvrelay/internal/cache/redis"
	"github.com/alanyoungcy/tvrelay/internal/config"
	"github.com/alanyoungcy/tvrelay/internal/crypto"
	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/exchange/alpaca"
	"github.com/alanyoungcy/tvrelay/internal/exchange/mexc"
	"github.com/alanyoungcy/tvrelay/internal/exchange/paper"
	"github.com/alanyoungcy/tvrelay/internal/notify"
	"github.com/alanyoungcy/tvrelay/internal/server/handler"
	"github.com/alanyoungcy/tvrelay/internal/store/postgres"
)

// Dependencies bundles every external dependency the relay modes need. It is
// constructed by Wire and torn down by the returned cleanup function. The
// optional backends are nil when disabled.
type Dependencies struct {
	// Exchange gateway. Paper is set as well when the gateway is simulated.
	Exchange domain.Exchange
	Paper    *paper.Exchange

	// Stores
	Positions domain.PositionRepository
	Signals   domain.SignalStore
	Audit     domain.AuditStore

	// Caches
	EventBus    domain.EventBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	PriceCache  domain.PriceCache

	// Journal archiving; nil unless both Postgres and S3 are enabled.
	Archiver *s3blob.JournalArchiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are run by GET /health, keyed by dependency name.
	Checks map[string]handler.HealthCheck
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

	deps := &Dependencies{Checks: make(map[string]handler.HealthCheck)}

	// --- Exchange ---
	if err := wireExchange(cfg, deps); err != nil {
		return nil, nil, fmt.Errorf("wire: exchange: %w", err)
	}

	// --- PostgreSQL ---
	var pgPositions *postgres.PositionStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
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
		pgPositions = postgres.NewPositionStore(pool)
		deps.Positions = pgPositions
		deps.Signals = postgres.NewSignalStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
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

		deps.EventBus = redis.NewEventBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 journal archive ---
	if cfg.S3.Enabled {
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
		deps.Checks["s3"] = s3Client.Health

		// Config validation requires Postgres alongside S3.
		if pgPositions != nil {
			deps.Archiver = s3blob.NewJournalArchiver(s3blob.NewWriter(s3Client), pgPositions, deps.Audit, logger)
		}
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

// wireExchange builds the gateway named by the configuration. The paper
// gateway needs no credentials; the real ones load their secret from the
// config or from an encrypted secret file.
func wireExchange(cfg *config.Config, deps *Dependencies) error {
	name := cfg.ExchangeName()
	if name == "paper" {
		p := paper.New(
			paper.WithQuoteAsset(cfg.Exchange.QuoteAsset),
			paper.WithBalance(cfg.Exchange.QuoteAsset, decimal.NewFromFloat(cfg.Exchange.PaperBalance)),
			paper.WithNativeStops(cfg.Exchange.NativeStops),
		)
		deps.Exchange = p
		deps.Paper = p
		return nil
	}

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:      cfg.Exchange.ApiSecret,
		File:     cfg.Exchange.SecretFile,
		Password: cfg.Exchange.SecretPassword,
	})
	if err != nil {
		return err
	}

	switch name {
	case "mexc":
		c := mexc.New(mexc.Config{
			BaseURL:    cfg.Exchange.BaseURL,
			APIKey:     cfg.Exchange.ApiKey,
			APISecret:  secret,
			RecvWindow: cfg.Exchange.RecvWindow,
			Timeout:    cfg.Exchange.Timeout.Duration,
		})
		deps.Exchange = c
		deps.Checks["exchange"] = c.Ping
	case "alpaca":
		c := alpaca.New(alpaca.Config{
			BaseURL:   cfg.Exchange.BaseURL,
			DataURL:   cfg.Exchange.DataURL,
			APIKey:    cfg.Exchange.ApiKey,
			APISecret: secret,
			Timeout:   cfg.Exchange.Timeout.Duration,
		})
		deps.Exchange = c
		deps.Checks["exchange"] = c.Ping
	default:
		return fmt.Errorf("unsupported exchange %q: %w", name, domain.ErrUnsupported)
	}
	return nil
}
