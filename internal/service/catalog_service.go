package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// CatalogService resolves option contracts on both venues. Chains are read
// once per venue, underlying, option type and trading day.
type CatalogService struct {
	catalog  domain.CatalogStore
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[chainKey][]domain.Contract
}

type chainKey struct {
	venue      domain.Venue
	underlying string
	optionType string
	day        string
}

// NewCatalogService creates a CatalogService. loc defines the trading day.
func NewCatalogService(catalog domain.CatalogStore, loc *time.Location, logger *slog.Logger) *CatalogService {
	if loc == nil {
		loc = time.UTC
	}
	return &CatalogService{
		catalog:  catalog,
		location: loc,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "catalog_service")),
		cache:    make(map[chainKey][]domain.Contract),
	}
}

// FindOption returns the nearest in-the-money contract for dir on each
// venue. Both venues are searched independently with the same strike rule.
// It fails with domain.ErrContractNotFound if either side has no match.
func (s *CatalogService) FindOption(ctx context.Context, underlying string, dir domain.Direction, ref decimal.Decimal) (domain.ContractPair, error) {
	if !dir.Valid() {
		return domain.ContractPair{}, fmt.Errorf("catalog_service: invalid direction %d", dir)
	}
	today := s.now().In(s.location)

	var pair domain.ContractPair
	for _, venue := range []domain.Venue{domain.VenuePrimary, domain.VenueSecondary} {
		chain, err := s.chain(ctx, venue, underlying, dir.OptionType(), today)
		if err != nil {
			return domain.ContractPair{}, err
		}
		c, ok := domain.SelectNearest(chain, dir, ref, today)
		if !ok {
			return domain.ContractPair{}, fmt.Errorf("catalog_service: %s %s %s below/above %s: %w",
				venue, underlying, dir.OptionType(), ref, domain.ErrContractNotFound)
		}
		if venue == domain.VenuePrimary {
			pair.Primary = c
		} else {
			pair.Secondary = c
		}
	}

	s.logger.DebugContext(ctx, "option resolved",
		slog.String("underlying", underlying),
		slog.String("type", dir.OptionType()),
		slog.String("ref", ref.String()),
		slog.String("primary", pair.Primary.TradingSymbol),
		slog.String("secondary", pair.Secondary.TradingSymbol),
	)
	return pair, nil
}

func (s *CatalogService) chain(ctx context.Context, venue domain.Venue, underlying, optionType string, today time.Time) ([]domain.Contract, error) {
	key := chainKey{venue: venue, underlying: underlying, optionType: optionType, day: today.Format(time.DateOnly)}

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	chain, err := s.catalog.ListChain(ctx, venue, underlying, optionType, today)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: load %s chain: %w", venue, err)
	}
	if len(chain) == 0 {
		// Not cached: the catalog may still be loading for the day.
		return nil, nil
	}

	s.mu.Lock()
	for k := range s.cache {
		if k.day != key.day {
			delete(s.cache, k)
		}
	}
	s.cache[key] = chain
	s.mu.Unlock()
	return chain, nil
}

// Invalidate drops every cached chain so the next lookup reads the store.
// It runs as a day-close hook.
func (s *CatalogService) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[chainKey][]domain.Contract)
}
