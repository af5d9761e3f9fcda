// Package executor submits gateway orders off the caller's goroutine so a
// slow or failing gateway never blocks tick handling or the strategy loop.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/metrics"
)

// OrderPlacer sends one order to the gateway.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
}

// StatusRecorder persists the outcome of an order on its position.
type StatusRecorder interface {
	SetOrderStatus(ctx context.Context, id string, leg domain.OrderLeg, status domain.OrderLegStatus) error
}

// Throttle paces submissions across processes sharing a broker account.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// FailureHook is told about every order that could not be placed.
type FailureHook func(ctx context.Context, req domain.OrderRequest, err error)

// Config tunes the executor.
type Config struct {
	QueueSize    int
	OrderTimeout time.Duration
	DedupTTL     time.Duration
}

// Executor drains a bounded queue of order requests. Failures are logged,
// counted and recorded; they never propagate to the submitter.
type Executor struct {
	queue    chan domain.OrderRequest
	placer   OrderPlacer
	statuses StatusRecorder
	throttle Throttle
	onFail   FailureHook
	dedup    *Dedup
	timeout  time.Duration
	logger   *slog.Logger

	cleanupInterval time.Duration
}

// New creates an Executor. statuses and throttle may be nil.
func New(cfg Config, placer OrderPlacer, statuses StatusRecorder, throttle Throttle, logger *slog.Logger) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Executor{
		queue:           make(chan domain.OrderRequest, cfg.QueueSize),
		placer:          placer,
		statuses:        statuses,
		throttle:        throttle,
		dedup:           NewDedup(cfg.DedupTTL),
		timeout:         cfg.OrderTimeout,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
}

// OnFailure installs a hook called after a failed placement.
func (e *Executor) OnFailure(h FailureHook) {
	e.onFail = h
}

// Submit enqueues req without blocking. It returns domain.ErrQueueFull when
// the queue is saturated.
func (e *Executor) Submit(req domain.OrderRequest) error {
	select {
	case e.queue <- req:
		return nil
	default:
		metrics.Orders.WithLabelValues(string(req.Side), "dropped").Inc()
		return fmt.Errorf("executor: submit %s: %w", req.ID, domain.ErrQueueFull)
	}
}

// Pending returns the number of queued requests.
func (e *Executor) Pending() int { return len(e.queue) }

// Run processes requests until ctx is cancelled, then drains what is left
// with a short deadline per order.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case req := <-e.queue:
			e.process(ctx, req)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Executor) process(ctx context.Context, req domain.OrderRequest) {
	log := e.logger.With(
		slog.String("request_id", req.ID),
		slog.String("position_id", req.PositionID),
		slog.String("leg", string(req.Leg)),
		slog.String("side", string(req.Side)),
		slog.String("symbol", req.TradingSymbol),
	)

	if e.dedup.IsDuplicate(req.ID) {
		metrics.Orders.WithLabelValues(string(req.Side), "duplicate").Inc()
		log.Debug("order request deduplicated, skipping")
		return
	}

	// An order already handed to the gateway runs to completion on shutdown;
	// only the per-order timeout bounds it.
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	var result domain.OrderResult
	err := e.wait(orderCtx)
	if err == nil {
		result, err = e.placer.PlaceOrder(orderCtx, req)
	}

	status := domain.OrderLegSubmitted
	if err != nil {
		status = domain.OrderLegFailed
		metrics.Orders.WithLabelValues(string(req.Side), "failed").Inc()
		log.Error("order placement failed", slog.String("error", err.Error()))
		if e.onFail != nil {
			e.onFail(context.WithoutCancel(ctx), req, err)
		}
	} else {
		metrics.Orders.WithLabelValues(string(req.Side), "submitted").Inc()
		log.Info("order placed", slog.String("order_id", result.OrderID))
	}

	e.record(ctx, req, status, log)
}

func (e *Executor) wait(ctx context.Context) error {
	if e.throttle == nil {
		return nil
	}
	return e.throttle.Wait(ctx, "gateway")
}

// record uses its own deadline so a status write still lands when the
// order itself timed out.
func (e *Executor) record(ctx context.Context, req domain.OrderRequest, status domain.OrderLegStatus, log *slog.Logger) {
	if e.statuses == nil || req.PositionID == "" {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.statuses.SetOrderStatus(recCtx, req.PositionID, req.Leg, status); err != nil {
		log.Warn("record order status failed", slog.String("error", err.Error()))
	}
}

// drain places requests still queued at shutdown.
func (e *Executor) drain() {
	for {
		select {
		case req := <-e.queue:
			e.logger.Warn("draining order after shutdown", slog.String("request_id", req.ID))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(ctx, req)
			cancel()
		default:
			return
		}
	}
}

// SetCleanupInterval changes how often the dedup map is pruned. Must be
// called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}
