package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var positionColumns = []string{
	"id", "index_name", "direction",
	"instrument_token", "trading_symbol", "exchange", "lot_size", "expiry",
	"secondary_token", "secondary_symbol", "secondary_trading_symbol",
	"secondary_lot_size", "secondary_instrument", "secondary_option_type",
	"entry_time", "entry_price",
	"exit_time", "exit_price", "profit",
	"sl_exit_time", "sl_exit_price", "sl_profit",
	"exit_reason", "entry_order_status", "exit_order_status",
}

var positionSelectCols = strings.Join(positionColumns, ", ")

// qualifiedCols prefixes every column with a table alias.
func qualifiedCols(alias string) string {
	out := make([]string, len(positionColumns))
	for i, c := range positionColumns {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// closeStrategicSQL is the statement behind CloseStrategic. The prev
// subquery locks the row and reports whether the stop-loss leg had already
// exited.
var closeStrategicSQL = `
		UPDATE positions AS p SET
			exit_time     = $2,
			exit_price    = $3,
			profit        = ($3 - p.entry_price) * p.lot_size,
			sl_exit_time  = COALESCE(p.sl_exit_time, $2),
			sl_exit_price = COALESCE(p.sl_exit_price, $3),
			sl_profit     = COALESCE(p.sl_profit, ($3 - p.entry_price) * p.lot_size),
			exit_reason   = CASE WHEN p.sl_exit_price IS NULL THEN $4 ELSE p.exit_reason END,
			updated_at    = NOW()
		FROM (
			SELECT id, sl_exit_price IS NOT NULL AS sl_recorded
			FROM positions WHERE id = $1 FOR UPDATE
		) AS prev
		WHERE p.id = prev.id AND p.exit_time IS NULL
		RETURNING ` + qualifiedCols("p") + `, prev.sl_recorded`

// closeStopLossSQL is the statement behind CloseStopLoss.
var closeStopLossSQL = `
		UPDATE positions SET
			sl_exit_time  = $2,
			sl_exit_price = $3,
			sl_profit     = ($3 - entry_price) * lot_size,
			exit_reason   = $4,
			updated_at    = NOW()
		WHERE id = $1 AND sl_exit_time IS NULL
		RETURNING ` + positionSelectCols

// scanPosition reads one row in positionColumns order followed by any extra
// destinations. pgx.Rows satisfies pgx.Row, so this serves both single and
// multi-row queries.
func scanPosition(row pgx.Row, extra ...any) (domain.Position, error) {
	var (
		p                       domain.Position
		direction               int16
		exitPrice, profit       decimal.NullDecimal
		slExitPrice, slProfit   decimal.NullDecimal
		entryStatus, exitStatus string
	)
	dest := []any{
		&p.ID, &p.IndexName, &direction,
		&p.Token, &p.TradingSymbol, &p.Exchange, &p.LotSize, &p.Expiry,
		&p.SecondaryToken, &p.SecondarySymbol, &p.SecondaryTradingSymbol,
		&p.SecondaryLotSize, &p.SecondaryInstrument, &p.SecondaryOptionType,
		&p.EntryTime, &p.EntryPrice,
		&p.ExitTime, &exitPrice, &profit,
		&p.SLExitTime, &slExitPrice, &slProfit,
		&p.ExitReason, &entryStatus, &exitStatus,
	}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.ExitPrice = nullDecimal(exitPrice)
	p.Profit = nullDecimal(profit)
	p.SLExitPrice = nullDecimal(slExitPrice)
	p.SLProfit = nullDecimal(slProfit)
	p.EntryOrderStatus = domain.OrderLegStatus(entryStatus)
	p.ExitOrderStatus = domain.OrderLegStatus(exitStatus)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// Create inserts a new open position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, index_name, direction,
			instrument_token, trading_symbol, exchange, lot_size, expiry,
			secondary_token, secondary_symbol, secondary_trading_symbol,
			secondary_lot_size, secondary_instrument, secondary_option_type,
			entry_time, entry_price, entry_order_status
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.IndexName, int16(p.Direction),
		p.Token, p.TradingSymbol, p.Exchange, p.LotSize, p.Expiry,
		p.SecondaryToken, p.SecondarySymbol, p.SecondaryTradingSymbol,
		p.SecondaryLotSize, p.SecondaryInstrument, p.SecondaryOptionType,
		p.EntryTime, p.EntryPrice, string(p.EntryOrderStatus),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpenByIndex returns positions of the index whose strategic exit has
// not happened.
func (s *PositionStore) ListOpenByIndex(ctx context.Context, index string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE index_name = $1 AND exit_time IS NULL
		 ORDER BY entry_time`, index)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for %s: %w", index, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions for %s: %w", index, err)
	}
	return positions, nil
}

// ListOpenByToken returns positions on the instrument whose stop-loss exit
// has not been recorded.
func (s *PositionStore) ListOpenByToken(ctx context.Context, token int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE instrument_token = $1 AND sl_exit_time IS NULL
		 ORDER BY entry_time`, token)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stop-loss open positions for %d: %w", token, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stop-loss open positions for %d: %w", token, err)
	}
	return positions, nil
}

// ListStopLossOpen returns every position still tracked for stop-loss.
func (s *PositionStore) ListStopLossOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE sl_exit_time IS NULL
		 ORDER BY entry_time`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stop-loss open positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stop-loss open positions: %w", err)
	}
	return positions, nil
}

// CloseStrategic records the strategic exit in one statement. When no
// stop-loss exit exists yet, the sl_* columns and reason take the same values;
// otherwise the existing ones are kept. Profit uses the stored entry price and
// lot size so the row is always self-consistent.
func (s *PositionStore) CloseStrategic(ctx context.Context, id string, price decimal.Decimal, at time.Time, reason string) (domain.Position, bool, error) {
	var slRecorded bool
	p, err := scanPosition(s.pool.QueryRow(ctx, closeStrategicSQL, id, at, price, reason), &slRecorded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, false, s.missingOr(ctx, id, domain.ErrPositionClosed)
		}
		return domain.Position{}, false, fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	return p, slRecorded, nil
}

// CloseStopLoss records the stop-loss exit. The predicate on sl_exit_time
// makes a second call a rejected no-op.
func (s *PositionStore) CloseStopLoss(ctx context.Context, id string, price decimal.Decimal, at time.Time, reason string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, closeStopLossSQL, id, at, price, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, s.missingOr(ctx, id, domain.ErrStopLossRecorded)
		}
		return domain.Position{}, fmt.Errorf("postgres: stop-loss position %s: %w", id, err)
	}
	return p, nil
}

// missingOr distinguishes an unknown id from a row the guard rejected.
func (s *PositionStore) missingOr(ctx context.Context, id string, guardErr error) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check position %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return guardErr
}

// SetOrderStatus records the order outcome for one leg.
func (s *PositionStore) SetOrderStatus(ctx context.Context, id string, leg domain.OrderLeg, status domain.OrderLegStatus) error {
	var query string
	switch leg {
	case domain.OrderLegEntry:
		query = `UPDATE positions SET entry_order_status = $2, updated_at = NOW() WHERE id = $1`
	case domain.OrderLegExit:
		query = `UPDATE positions SET exit_order_status = $2, updated_at = NOW() WHERE id = $1`
	default:
		return fmt.Errorf("postgres: unknown order leg %q", leg)
	}

	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set %s order status %s: %w", leg, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListHistory returns positions with pagination and optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND entry_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND entry_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY entry_time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns positions whose strategic exit happened before the
// cutoff, oldest first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE exit_time IS NOT NULL AND exit_time < $1
		 ORDER BY exit_time`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}
