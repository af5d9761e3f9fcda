package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event, positionID string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:         int64(len(s.entries) + 1),
		Event:      event,
		PositionID: positionID,
		Detail:     maps.Clone(detail),
		CreatedAt:  s.now().UTC(),
	})
	return nil
}

// ListByPosition returns up to limit entries for positionID, oldest first.
// A non-positive limit returns all of them.
func (s *AuditStore) ListByPosition(_ context.Context, positionID string, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.PositionID != positionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
