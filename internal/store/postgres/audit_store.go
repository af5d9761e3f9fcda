package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// AuditStore implements domain.AuditStore on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry. An empty positionID is stored as NULL.
func (s *AuditStore) Log(ctx context.Context, event, positionID string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `
		INSERT INTO audit_log (event, position_id, detail)
		VALUES ($1, NULLIF($2, '')::uuid, $3)`
	if _, err := s.pool.Exec(ctx, query, event, positionID, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// ListByPosition returns the trail of one position, oldest first. A
// non-positive limit returns every entry.
func (s *AuditStore) ListByPosition(ctx context.Context, positionID string, limit int) ([]domain.AuditEntry, error) {
	query := `
		SELECT id, event, COALESCE(position_id::text, ''), detail, created_at
		FROM audit_log
		WHERE position_id = $1::uuid
		ORDER BY id`
	args := []any{positionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit for %s: %w", positionID, err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit for %s: %w", positionID, err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e          domain.AuditEntry
		detailJSON []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &e.PositionID, &detailJSON, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshal detail: %w", err)
		}
	}
	return e, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
