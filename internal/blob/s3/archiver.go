package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// multipartThreshold switches uploads to the multipart path.
const multipartThreshold = 16 * 1024 * 1024

// ClosedPositions lists positions whose strategic exit happened before a
// cutoff.
type ClosedPositions interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// PositionArchiver exports closed positions to object storage as JSONL, one
// object per cutoff day. Rows stay in the database.
type PositionArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions ClosedPositions
	audit     domain.AuditStore
	prefix    string
	logger    *slog.Logger
}

// NewPositionArchiver creates a PositionArchiver. audit may be nil.
func NewPositionArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions ClosedPositions,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *PositionArchiver {
	if prefix == "" {
		prefix = "archive/positions"
	}
	return &PositionArchiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		prefix:    strings.TrimRight(prefix, "/"),
		logger:    logger.With(slog.String("component", "position_archiver")),
	}
}

// ArchivePositions uploads every position closed before the cutoff to
// {prefix}/YYYY-MM-DD.jsonl and returns the number of records written. An
// object that already exists for that day is left alone and 0 is returned.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	path := a.Path(before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions: %w", err)
	}
	if exists {
		a.logger.InfoContext(ctx, "archive already present", slog.String("path", path))
		return 0, nil
	}

	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", "", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}
	}
	return count, nil
}

// Path returns the object key for a cutoff.
func (a *PositionArchiver) Path(before time.Time) string {
	return fmt.Sprintf("%s/%s.jsonl", a.prefix, before.Format("2006-01-02"))
}

// List returns the archive objects already stored.
func (a *PositionArchiver) List(ctx context.Context) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, a.prefix+"/")
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*PositionArchiver)(nil)
