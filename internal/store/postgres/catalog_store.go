package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// CatalogStore reads the two venue instrument tables.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore creates a new CatalogStore backed by the given connection pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

const primaryChainQuery = `
	SELECT instrument_token, tradingsymbol, exchange, name, instrument_type,
	       segment, strike, expiry, lot_size
	FROM primary_instruments
	WHERE segment IN ('NFO-OPT', 'BFO-OPT')
	  AND name = $1
	  AND instrument_type = $2
	  AND expiry >= $3
	ORDER BY expiry, strike`

const secondaryChainQuery = `
	SELECT token, trading_symbol, exchange, symbol, option_type,
	       instrument, strike, expiry, lot_size
	FROM secondary_instruments
	WHERE exchange = 'NFO'
	  AND symbol = $1
	  AND option_type = $2
	  AND expiry >= $3
	ORDER BY expiry, strike`

// ListChain returns the option chain of one underlying on the venue.
func (s *CatalogStore) ListChain(ctx context.Context, venue domain.Venue, underlying, optionType string, from time.Time) ([]domain.Contract, error) {
	var query string
	switch venue {
	case domain.VenuePrimary:
		query = primaryChainQuery
	case domain.VenueSecondary:
		query = secondaryChainQuery
	default:
		return nil, fmt.Errorf("postgres: unknown venue %q", venue)
	}

	day := from.Format(time.DateOnly)
	rows, err := s.pool.Query(ctx, query, underlying, optionType, day)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s chain %s %s: %w", venue, underlying, optionType, err)
	}

	chain, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Contract, error) {
		c := domain.Contract{Venue: venue}
		err := row.Scan(
			&c.Token, &c.TradingSymbol, &c.Exchange, &c.Underlying, &c.OptionType,
			&c.InstrumentClass, &c.Strike, &c.Expiry, &c.LotSize,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s chain %s %s: %w", venue, underlying, optionType, err)
	}
	return chain, nil
}
