// Package service holds the position lifecycle and contract lookup used by
// the strategy loop, the stop-loss tracker and the HTTP API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/metrics"
	"github.com/alanyoungcy/optionbot/internal/retry"
)

// OrderSubmitter hands an order to the executor without waiting for it.
type OrderSubmitter interface {
	Submit(req domain.OrderRequest) error
}

// PositionService opens and closes positions. Every write commits before the
// matching order is submitted, so a crash between the two leaves a row that
// can be reconciled; order failures never roll a row back.
type PositionService struct {
	positions   domain.PositionStore
	orders      OrderSubmitter
	bus         domain.SignalBus
	audit       domain.AuditStore
	retry       *retry.Policy
	productType string
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// NewPositionService creates a PositionService. bus and audit may be nil.
func NewPositionService(
	positions domain.PositionStore,
	orders OrderSubmitter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	productType string,
	logger *slog.Logger,
) *PositionService {
	logger = logger.With(slog.String("component", "position_service"))
	policy := retry.New(retry.DefaultConfig())
	if productType == "" {
		productType = "M"
	}
	return &PositionService{
		positions:   positions,
		orders:      orders,
		bus:         bus,
		audit:       audit,
		retry:       policy,
		productType: productType,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		logger:      logger,
	}
}

// SetRetryPolicy replaces the store write retry policy.
func (s *PositionService) SetRetryPolicy(p *retry.Policy) {
	s.retry = p
}

// OpenByIndex returns positions of the index that have no strategic exit.
func (s *PositionService) OpenByIndex(ctx context.Context, index string) ([]domain.Position, error) {
	positions, err := s.positions.ListOpenByIndex(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("position_service: open by index %s: %w", index, err)
	}
	return positions, nil
}

// OpenByToken returns positions of the instrument whose stop-loss leg is
// still open. This is a different predicate from OpenByIndex.
func (s *PositionService) OpenByToken(ctx context.Context, token int64) ([]domain.Position, error) {
	positions, err := s.positions.ListOpenByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("position_service: open by token %d: %w", token, err)
	}
	return positions, nil
}

// StopLossOpen returns every position whose stop-loss leg is still open.
func (s *PositionService) StopLossOpen(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.positions.ListStopLossOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: stop-loss open: %w", err)
	}
	return positions, nil
}

// Get returns one position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	return s.positions.GetByID(ctx, id)
}

// AuditTrail returns the audit entries of one position, oldest first. It
// returns an empty trail when no audit store is configured.
func (s *PositionService) AuditTrail(ctx context.Context, id string, limit int) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.ListByPosition(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("position_service: audit trail %s: %w", id, err)
	}
	return entries, nil
}

// History returns positions newest first.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history: %w", err)
	}
	return positions, nil
}

// Open inserts a position for the contract pair and then submits a buy for
// the secondary-venue contract.
func (s *PositionService) Open(ctx context.Context, index string, pair domain.ContractPair, entry decimal.Decimal, dir domain.Direction) (domain.Position, error) {
	if !dir.Valid() {
		return domain.Position{}, fmt.Errorf("position_service: invalid direction %d", dir)
	}
	if pair.Primary.TradingSymbol == "" || pair.Secondary.TradingSymbol == "" {
		return domain.Position{}, fmt.Errorf("position_service: incomplete contract pair: %w", domain.ErrContractNotFound)
	}

	pos := domain.NewPosition(s.newID(), index, pair, dir, entry, s.now())
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.positions.Create(ctx, pos)
		if errors.Is(err, domain.ErrAlreadyExists) {
			// An earlier attempt committed before its error surfaced.
			return nil
		}
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(index, dir.String()).Inc()
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("index", index),
		slog.String("direction", dir.String()),
		slog.String("symbol", pos.TradingSymbol),
		slog.Int64("token", pos.Token),
		slog.String("entry_price", entry.String()),
	)

	s.submit(ctx, pos, domain.OrderLegEntry, domain.OrderSideBuy, "entry")
	s.emit(ctx, domain.EventPositionOpened, pos, entry, nil, "")
	return pos, nil
}

// CloseStrategic records a strategy or end-of-day exit and submits a sell,
// unless the stop-loss leg had already exited and sold.
func (s *PositionService) CloseStrategic(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error) {
	var (
		updated    domain.Position
		slRecorded bool
		attempt    int
	)
	at := s.writeTime()
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		var err error
		updated, slRecorded, err = s.positions.CloseStrategic(ctx, pos.ID, price, at, reason)
		if attempt > 1 && errors.Is(err, domain.ErrPositionClosed) {
			// An earlier attempt may have committed before its error surfaced.
			row, ok := s.committed(ctx, pos.ID, func(p domain.Position) bool {
				return sameWrite(p.ExitTime, p.ExitPrice, at, price)
			})
			if ok {
				updated = row
				slRecorded = !sameWrite(row.SLExitTime, row.SLExitPrice, at, price)
				return nil
			}
		}
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: close %s: %w", pos.ID, err)
	}

	metrics.PositionExits.WithLabelValues("strategic", reason).Inc()
	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", updated.ID),
		slog.String("index", updated.IndexName),
		slog.String("reason", reason),
		slog.String("exit_price", price.String()),
		slog.String("profit", decimalString(updated.Profit)),
		slog.Bool("stoploss_prior", slRecorded),
	)

	if slRecorded {
		s.setStatus(ctx, updated.ID, domain.OrderLegExit, domain.OrderLegSkipped)
	} else {
		s.submit(ctx, updated, domain.OrderLegExit, domain.OrderSideSell, reason)
	}
	s.emit(ctx, domain.EventStrategicExit, updated, price, updated.Profit, reason)
	return updated, nil
}

// CloseStopLoss records a forced exit in the sl_* columns and submits a
// sell. A second call for the same position fails with
// domain.ErrStopLossRecorded and changes nothing.
func (s *PositionService) CloseStopLoss(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error) {
	var (
		updated domain.Position
		attempt int
	)
	at := s.writeTime()
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		var err error
		updated, err = s.positions.CloseStopLoss(ctx, pos.ID, price, at, reason)
		if attempt > 1 && errors.Is(err, domain.ErrStopLossRecorded) {
			row, ok := s.committed(ctx, pos.ID, func(p domain.Position) bool {
				return sameWrite(p.SLExitTime, p.SLExitPrice, at, price)
			})
			if ok {
				updated = row
				return nil
			}
		}
		return err
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: stop-loss %s: %w", pos.ID, err)
	}

	metrics.PositionExits.WithLabelValues("stoploss", reason).Inc()
	s.logger.WarnContext(ctx, "stop-loss exit",
		slog.String("position_id", updated.ID),
		slog.String("index", updated.IndexName),
		slog.Int64("token", updated.Token),
		slog.String("price", price.String()),
		slog.String("sl_profit", decimalString(updated.SLProfit)),
	)

	s.submit(ctx, updated, domain.OrderLegExit, domain.OrderSideSell, reason)
	s.emit(ctx, domain.EventStopLossExit, updated, price, updated.SLProfit, reason)
	return updated, nil
}

// writeTime is the timestamp of one close call. Every retry writes the same
// value so a committed attempt can be recognised; microsecond precision
// survives a Postgres round trip.
func (s *PositionService) writeTime() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// committed re-reads the row after a retried write hit the state guard and
// reports whether the row carries this call's own write.
func (s *PositionService) committed(ctx context.Context, id string, match func(domain.Position) bool) (domain.Position, bool) {
	row, err := s.positions.GetByID(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "re-read after retried write failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, false
	}
	return row, match(row)
}

func sameWrite(at *time.Time, price *decimal.Decimal, wantAt time.Time, wantPrice decimal.Decimal) bool {
	return at != nil && price != nil && at.Equal(wantAt) && price.Equal(wantPrice)
}

// HandleOrderFailure is installed as the executor's failure hook.
func (s *PositionService) HandleOrderFailure(ctx context.Context, req domain.OrderRequest, err error) {
	s.publish(ctx, domain.PositionEvent{
		Type:          domain.EventOrderFailed,
		PositionID:    req.PositionID,
		TradingSymbol: req.TradingSymbol,
		Reason:        fmt.Sprintf("%s %s: %v", req.Leg, req.Side, err),
		At:            s.now(),
	})
	s.auditLog(ctx, string(domain.EventOrderFailed), req.PositionID, map[string]any{
		"request_id": req.ID,
		"leg":        string(req.Leg),
		"side":       string(req.Side),
		"error":      err.Error(),
	})
}

// DayClosed announces the end-of-day exit. It has the strategy loop's
// day-close hook signature.
func (s *PositionService) DayClosed(ctx context.Context, closed int) error {
	s.publish(ctx, domain.PositionEvent{
		Type:   domain.EventTradingDayClosed,
		Reason: fmt.Sprintf("%d positions closed", closed),
		At:     s.now(),
	})
	s.auditLog(ctx, string(domain.EventTradingDayClosed), "", map[string]any{"closed": closed})
	return nil
}

// submit enqueues an order. Failure to enqueue is recorded on the row and
// logged; the caller's write has already committed.
func (s *PositionService) submit(ctx context.Context, pos domain.Position, leg domain.OrderLeg, side domain.OrderSide, reason string) {
	req := domain.OrderRequest{
		ID:            s.newID(),
		PositionID:    pos.ID,
		Leg:           leg,
		Side:          side,
		ProductType:   s.productType,
		TradingSymbol: pos.SecondaryTradingSymbol,
		LotSize:       pos.SecondaryLotSize,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if leg == domain.OrderLegExit {
		s.setStatus(ctx, pos.ID, leg, domain.OrderLegPending)
	}
	if err := s.orders.Submit(req); err != nil {
		s.logger.ErrorContext(ctx, "order not submitted",
			slog.String("position_id", pos.ID),
			slog.String("leg", string(leg)),
			slog.String("error", err.Error()),
		)
		s.setStatus(ctx, pos.ID, leg, domain.OrderLegFailed)
		s.HandleOrderFailure(ctx, req, err)
	}
}

func (s *PositionService) setStatus(ctx context.Context, id string, leg domain.OrderLeg, status domain.OrderLegStatus) {
	if err := s.positions.SetOrderStatus(ctx, id, leg, status); err != nil {
		s.logger.WarnContext(ctx, "set order status failed",
			slog.String("position_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) emit(ctx context.Context, typ domain.PositionEventType, pos domain.Position, price decimal.Decimal, profit *decimal.Decimal, reason string) {
	evt := domain.PositionEvent{
		Type:          typ,
		PositionID:    pos.ID,
		IndexName:     pos.IndexName,
		Direction:     pos.Direction.String(),
		TradingSymbol: pos.TradingSymbol,
		Price:         price,
		Profit:        profit,
		Reason:        reason,
		At:            s.now(),
	}
	s.publish(ctx, evt)

	detail := map[string]any{
		"index":     pos.IndexName,
		"direction": pos.Direction.String(),
		"symbol":    pos.TradingSymbol,
		"price":     price.String(),
	}
	if profit != nil {
		detail["profit"] = profit.String()
	}
	if reason != "" {
		detail["reason"] = reason
	}
	s.auditLog(ctx, string(typ), pos.ID, detail)
}

func (s *PositionService) publish(ctx context.Context, evt domain.PositionEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("position_id", evt.PositionID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("position_id", evt.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) auditLog(ctx context.Context, event, positionID string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, positionID, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
