package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Close operations enforce the exit
// invariants at the write layer and return the row as stored.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// ListOpenByIndex returns positions of an index without an exit time.
	ListOpenByIndex(ctx context.Context, index string) ([]Position, error)
	// ListOpenByToken returns positions of a token without a stop-loss exit.
	ListOpenByToken(ctx context.Context, token int64) ([]Position, error)
	// ListStopLossOpen returns every position without a stop-loss exit.
	ListStopLossOpen(ctx context.Context) ([]Position, error)
	// CloseStrategic also reports whether a stop-loss exit was already
	// recorded before this call, in which case that leg has already sold.
	CloseStrategic(ctx context.Context, id string, price decimal.Decimal, at time.Time, reason string) (Position, bool, error)
	CloseStopLoss(ctx context.Context, id string, price decimal.Decimal, at time.Time, reason string) (Position, error)
	SetOrderStatus(ctx context.Context, id string, leg OrderLeg, status OrderLegStatus) error
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// CatalogStore reads the venue instrument catalogs.
type CatalogStore interface {
	// ListChain returns option contracts of one underlying and option type
	// expiring on or after from.
	ListChain(ctx context.Context, venue Venue, underlying, optionType string, from time.Time) ([]Contract, error)
}

// AuditEntry is a single audit log row. PositionID is empty for events that
// are not about one position, such as the day close.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Event      string         `json:"event"`
	PositionID string         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, positionID string, detail map[string]any) error
	// ListByPosition returns the trail of one position, oldest first.
	ListByPosition(ctx context.Context, positionID string, limit int) ([]AuditEntry, error)
}
