package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionbot/internal/crypto"
	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/executor"
	"github.com/alanyoungcy/optionbot/internal/feed"
	"github.com/alanyoungcy/optionbot/internal/metrics"
	"github.com/alanyoungcy/optionbot/internal/notify"
	"github.com/alanyoungcy/optionbot/internal/platform/gateway"
	"github.com/alanyoungcy/optionbot/internal/platform/kite"
	"github.com/alanyoungcy/optionbot/internal/platform/signals"
	"github.com/alanyoungcy/optionbot/internal/retry"
	"github.com/alanyoungcy/optionbot/internal/server"
	"github.com/alanyoungcy/optionbot/internal/server/handler"
	"github.com/alanyoungcy/optionbot/internal/service"
	"github.com/alanyoungcy/optionbot/internal/stoploss"
	"github.com/alanyoungcy/optionbot/internal/strategy"
)

// core is the order path and the stop-loss path shared by trade and monitor
// mode.
type core struct {
	exec      *executor.Executor
	positions *service.PositionService
	quotes    *kite.Client
	feed      *feed.TickFeed
	tracker   *stoploss.Tracker
}

// buildCore wires gateway -> executor -> position service and
// ticker -> tick feed -> stop-loss tracker.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	cfg := a.cfg

	var placer executor.OrderPlacer
	if cfg.DryRun {
		placer = gateway.NewLogOnly(a.logger)
	} else {
		secret, err := crypto.LoadSecret(crypto.SecretSource{
			Raw:           cfg.Gateway.APISecret,
			EncryptedPath: cfg.Gateway.EncryptedSecretPath,
			Password:      cfg.Gateway.SecretPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: gateway secret: %w", err)
		}
		var auth *crypto.HMACAuth
		if cfg.Gateway.APIKey != "" && secret != "" {
			auth = &crypto.HMACAuth{Key: cfg.Gateway.APIKey, Secret: secret}
		}
		placer = gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout.Duration, auth)
	}

	// A nil *RateLimiter stored in the interface would not compare nil.
	var throttle executor.Throttle
	if deps.OrderLimiter != nil {
		throttle = deps.OrderLimiter
	}
	exec := executor.New(executor.Config{
		QueueSize:    cfg.Gateway.QueueSize,
		OrderTimeout: cfg.Gateway.OrderTimeout.Duration,
	}, placer, deps.PositionStore, throttle, a.logger)

	positionSvc := service.NewPositionService(
		deps.PositionStore, exec, deps.SignalBus, deps.AuditStore, cfg.Gateway.ProductType, a.logger,
	)
	positionSvc.SetRetryPolicy(retry.New(retry.DefaultConfig()).OnRetry(func(attempt int, err error) {
		metrics.StoreRetries.WithLabelValues("position").Inc()
		a.logger.Warn("retrying position write", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}))
	exec.OnFailure(positionSvc.HandleOrderFailure)

	accessToken, err := crypto.LoadSecret(crypto.SecretSource{
		Raw:           cfg.Broker.AccessToken,
		EncryptedPath: cfg.Broker.EncryptedTokenPath,
		Password:      cfg.Broker.TokenPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: broker token: %w", err)
	}
	ticker := kite.NewTicker(kite.TickerConfig{
		URL:         cfg.Broker.TickerURL,
		APIKey:      cfg.Broker.APIKey,
		AccessToken: accessToken,
		UserID:      cfg.Broker.UserID,
		EncToken:    cfg.Broker.EncToken,
	}, a.logger)
	quotes := kite.NewClient(kite.ClientConfig{
		BaseURL:           cfg.Broker.RestURL,
		APIKey:            cfg.Broker.APIKey,
		AccessToken:       accessToken,
		EncToken:          cfg.Broker.EncToken,
		RequestsPerSecond: cfg.Broker.RequestsPerSecond,
		Timeout:           cfg.Broker.Timeout.Duration,
	})

	tickFeed := feed.NewTickFeed(ticker, deps.PriceCache, cfg.Broker.TickBuffer, a.logger)
	tracker := stoploss.New(positionSvc, tickFeed, stoploss.Config{
		Offset:       decimal.NewFromFloat(cfg.StopLoss.Offset),
		Mode:         stoploss.Mode(strings.ToLower(cfg.StopLoss.Mode)),
		WriteTimeout: cfg.StopLoss.WriteTimeout.Duration,
	}, a.logger)
	tickFeed.Handle(tracker.OnTicks)

	return &core{
		exec:      exec,
		positions: positionSvc,
		quotes:    quotes,
		feed:      tickFeed,
		tracker:   tracker,
	}, nil
}

// startCore rehydrates the tracker and starts the executor, the feed, the
// HTTP API and the notification relay on g.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) error {
	if err := c.tracker.Rehydrate(ctx); err != nil {
		return err
	}

	g.Go(func() error { return c.exec.Run(ctx) })
	g.Go(func() error { return c.feed.Run(ctx) })

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, c)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if deps.Notifier.Enabled() {
		relay := notify.NewRelay(deps.SignalBus, deps.Notifier, a.logger)
		g.Go(func() error { return relay.Run(ctx) })
	}
	return nil
}

func (a *App) newServer(deps *Dependencies, c *core) *server.Server {
	indices := make([]string, 0, len(a.cfg.Strategy.Indices))
	for _, idx := range a.cfg.Strategy.Indices {
		indices = append(indices, idx.Name)
	}
	health := handler.NewHealthHandler(a.cfg.Mode, c.feed, c.tracker)
	for name, check := range deps.Checks {
		health.AddCheck(name, check)
	}
	handlers := server.Handlers{
		Health:    health,
		Positions: handler.NewPositionHandler(c.positions, deps.PriceCache, indices, a.logger),
		StopLoss:  handler.NewStopLossHandler(c.tracker),
		Events:    handler.NewEventsHandler(deps.SignalBus, a.logger),
	}
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, deps.APILimiter, a.logger)
}

// TradeMode runs the strategy loop next to the stop-loss tracker. When the
// loop passes the cutoff and closes the day, every other goroutine is
// stopped; queued exit orders are still drained by the executor.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Int("indices", len(a.cfg.Strategy.Indices)),
		slog.String("stoploss_mode", a.cfg.StopLoss.Mode),
	)

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}
	loc, err := a.cfg.Strategy.Location()
	if err != nil {
		return fmt.Errorf("app: strategy timezone: %w", err)
	}

	indices := make([]domain.Index, 0, len(a.cfg.Strategy.Indices))
	for _, idx := range a.cfg.Strategy.Indices {
		indices = append(indices, domain.Index{Name: idx.Name, Token: idx.Token, Exchange: idx.Exchange})
	}
	history := signals.NewClient(signals.ClientConfig{
		BaseURL:           a.cfg.Signals.BaseURL,
		APIKey:            a.cfg.Signals.APIKey,
		RequestsPerSecond: a.cfg.Signals.RequestsPerSecond,
		Timeout:           a.cfg.Signals.Timeout.Duration,
	})
	catalog := service.NewCatalogService(deps.CatalogStore, loc, a.logger)

	loop := strategy.New(strategy.Config{
		Indices:        indices,
		PollInterval:   a.cfg.Strategy.PollInterval.Duration,
		Cutoff:         a.cfg.Strategy.Cutoff.Duration,
		Location:       loc,
		ShortInterval:  a.cfg.Signals.ShortInterval,
		MediumInterval: a.cfg.Signals.MediumInterval,
		LookbackDays:   a.cfg.Signals.LookbackDays,
		EntryLockTTL:   a.cfg.Strategy.EntryLockTTL.Duration,
	}, c.quotes, history, catalog, c.positions, c.feed, deps.LockManager, a.logger)
	loop.OnDayClose(c.positions.DayClosed)
	loop.OnDayClose(func(context.Context, int) error {
		catalog.Invalidate()
		return nil
	})
	if a.cfg.Archive.OnClose && deps.Archiver != nil {
		loop.OnDayClose(func(ctx context.Context, _ int) error {
			n, err := deps.Archiver.ArchivePositions(ctx, time.Now())
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "archived closed positions", slog.Int64("records", n))
			return nil
		})
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if err := a.startCore(gctx, g, deps, c); err != nil {
		return err
	}
	g.Go(func() error {
		defer stop()
		if err := loop.Run(gctx); err != nil {
			return err
		}
		a.logger.InfoContext(gctx, "trading day closed, stopping")
		return nil
	})

	return g.Wait()
}

// MonitorMode guards the positions already open with the stop-loss tracker
// and serves the API. No new entries are taken.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startCore(gctx, g, deps, c); err != nil {
		return err
	}
	return g.Wait()
}

// ArchiveMode exports positions closed more than Archive.RetentionDays ago
// to S3 and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode: s3 is not configured")
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("before", before))

	n, err := deps.Archiver.ArchivePositions(ctx, before)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archive complete",
		slog.Int64("records", n),
		slog.String("path", deps.Archiver.Path(before)),
	)
	return nil
}
