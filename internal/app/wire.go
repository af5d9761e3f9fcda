package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/optionbot/internal/blob/s3"
	"github.com/alanyoungcy/optionbot/internal/cache/redis"
	"github.com/alanyoungcy/optionbot/internal/config"
	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/notify"
	"github.com/alanyoungcy/optionbot/internal/store/memory"
	"github.com/alanyoungcy/optionbot/internal/store/postgres"
)

// Dependencies bundles the storage, cache and notification backends the
// modes run on. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	CatalogStore  domain.CatalogStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	// OrderLimiter paces gateway orders across processes; nil disables it.
	OrderLimiter *redis.RateLimiter
	// APILimiter limits HTTP clients; nil disables it.
	APILimiter domain.RateLimiter

	// Blob storage
	Archiver *s3blob.PositionArchiver

	// Notifications
	Notifier *notify.Notifier

	// Checks ping the backing services for the health endpoint.
	Checks map[string]func(context.Context) error
}

// needsS3 reports whether the run archives positions.
func needsS3(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Mode, "archive") || cfg.Archive.OnClose
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]func(context.Context) error{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Database.DSN,
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		Database:       cfg.Database.Database,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		SSLMode:        cfg.Database.SSLMode,
		MaxConns:       cfg.Database.PoolMaxConns,
		MinConns:       cfg.Database.PoolMinConns,
		ConnectTimeout: cfg.Database.ConnectTimeout.Duration,

		ApplicationName: "optionbot-" + strings.ToLower(cfg.Mode),
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)
	deps.Checks["postgres"] = pgClient.Ping

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.CatalogStore = postgres.NewCatalogStore(pool)
	if cfg.DryRun {
		deps.PositionStore = memory.NewPositionStore()
		deps.AuditStore = memory.NewAuditStore()
		logger.Warn("dry run: positions are kept in memory and orders are only logged")
	} else {
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		URL:          cfg.Redis.URL,
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MaxRetries:   cfg.Redis.MaxRetries,
		TLSEnabled:   cfg.Redis.TLSEnabled,
		ClientName:   "optionbot-" + strings.ToLower(cfg.Mode),
		Namespace:    cfg.Redis.Namespace,
		ReadTimeout:  cfg.Redis.ReadTimeout.Duration,
		WriteTimeout: cfg.Redis.WriteTimeout.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() {
		stats := redisClient.PoolStats()
		logger.Info("redis pool closing",
			slog.Uint64("hits", uint64(stats.Hits)),
			slog.Uint64("misses", uint64(stats.Misses)),
			slog.Uint64("timeouts", uint64(stats.Timeouts)),
		)
		_ = redisClient.Close()
	})
	deps.Checks["redis"] = redisClient.Ping

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	if cfg.Gateway.OrdersPerSecond > 0 {
		deps.OrderLimiter = redis.NewRateLimiter(redisClient, cfg.Gateway.OrdersPerSecond, time.Second)
	}
	if cfg.Server.RateLimit > 0 {
		deps.APILimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, time.Second)
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewPositionArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			deps.AuditStore,
			cfg.Archive.Prefix,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
