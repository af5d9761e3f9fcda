// Package memory holds in-process store implementations used for paper
// trading and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// PositionStore implements domain.PositionStore in memory. Each method holds
// the lock for its whole read-modify-write, mirroring the single-statement
// guarantees of the SQL store.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

// Create inserts a new position.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.ID] = pos
	return nil
}

// GetByID returns a position by ID.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

// ListOpenByIndex returns positions of the index without an exit time.
func (s *PositionStore) ListOpenByIndex(_ context.Context, index string) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.IndexName == index && p.IsOpen()
	}), nil
}

// ListOpenByToken returns positions of the token without a stop-loss exit.
func (s *PositionStore) ListOpenByToken(_ context.Context, token int64) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.Token == token && p.StopLossOpen()
	}), nil
}

// ListStopLossOpen returns all positions without a stop-loss exit.
func (s *PositionStore) ListStopLossOpen(_ context.Context) ([]domain.Position, error) {
	return s.filter(domain.Position.StopLossOpen), nil
}

// CloseStrategic applies the strategic exit to the stored row.
func (s *PositionStore) CloseStrategic(_ context.Context, id string, price decimal.Decimal, at time.Time, reason string) (domain.Position, bool, error) {
	var slRecorded bool
	p, err := s.mutate(id, func(p *domain.Position) error {
		slRecorded = p.SLExitPrice != nil
		return p.ApplyStrategicExit(price, at, reason)
	})
	return p, slRecorded, err
}

// CloseStopLoss applies the stop-loss exit to the stored row.
func (s *PositionStore) CloseStopLoss(_ context.Context, id string, price decimal.Decimal, at time.Time, reason string) (domain.Position, error) {
	return s.mutate(id, func(p *domain.Position) error {
		return p.ApplyStopLossExit(price, at, reason)
	})
}

// SetOrderStatus records the order outcome for one leg.
func (s *PositionStore) SetOrderStatus(_ context.Context, id string, leg domain.OrderLeg, status domain.OrderLegStatus) error {
	_, err := s.mutate(id, func(p *domain.Position) error {
		if leg == domain.OrderLegExit {
			p.ExitOrderStatus = status
		} else {
			p.EntryOrderStatus = status
		}
		return nil
	})
	return err
}

// ListHistory returns positions newest first.
func (s *PositionStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	all := s.filter(func(p domain.Position) bool {
		if opts.Since != nil && p.EntryTime.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && p.EntryTime.After(*opts.Until) {
			return false
		}
		return true
	})
	sort.SliceStable(all, func(i, j int) bool { return all[i].EntryTime.After(all[j].EntryTime) })

	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return nil, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

// ListClosedBefore returns positions closed before the cutoff.
func (s *PositionStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	out := s.filter(func(p domain.Position) bool {
		return p.ExitTime != nil && p.ExitTime.Before(before)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out, nil
}

func (s *PositionStore) mutate(id string, fn func(*domain.Position) error) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if err := fn(&p); err != nil {
		return domain.Position{}, err
	}
	s.positions[id] = p
	return p, nil
}

// filter returns matches ordered by entry time.
func (s *PositionStore) filter(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}
