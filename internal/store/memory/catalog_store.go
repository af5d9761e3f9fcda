package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// CatalogStore implements domain.CatalogStore over a fixed contract list.
type CatalogStore struct {
	mu        sync.RWMutex
	contracts []domain.Contract
	calls     int
}

// NewCatalogStore creates a catalog holding the given contracts.
func NewCatalogStore(contracts ...domain.Contract) *CatalogStore {
	return &CatalogStore{contracts: contracts}
}

// Add appends contracts to the catalog.
func (s *CatalogStore) Add(contracts ...domain.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts = append(s.contracts, contracts...)
}

// ListChain returns contracts of the venue, underlying and option type that
// expire on or after from.
func (s *CatalogStore) ListChain(_ context.Context, venue domain.Venue, underlying, optionType string, from time.Time) ([]domain.Contract, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	fy, fm, fd := from.Date()
	var out []domain.Contract
	for _, c := range s.contracts {
		if c.Venue != venue || c.Underlying != underlying || c.OptionType != optionType {
			continue
		}
		ey, em, ed := c.Expiry.Date()
		if ey < fy || (ey == fy && (em < fm || (em == fm && ed < fd))) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Calls reports how many chain queries were served.
func (s *CatalogStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
