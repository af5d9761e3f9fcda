package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) {
	out := make([]domain.BlobInfo, 0, len(m.objects))
	for p, b := range m.objects {
		out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type closedList struct {
	positions []domain.Position
	calls     int
}

func (c *closedList) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	c.calls++
	return c.positions, nil
}

type auditLog struct {
	events []string
	detail []map[string]any
}

func (a *auditLog) Log(_ context.Context, event, _ string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *auditLog) ListByPosition(context.Context, string, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func closedPosition(id string) domain.Position {
	exit := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(480)
	return domain.Position{
		ID:         id,
		IndexName:  "BANKNIFTY",
		Direction:  domain.DirectionCall,
		EntryPrice: decimal.NewFromInt(500),
		ExitTime:   &exit,
		ExitPrice:  &price,
		ExitReason: domain.ReasonEndOfDay,
	}
}

func TestPositionArchiver_WritesJSONL(t *testing.T) {
	blobs := newMemBlobs()
	closed := &closedList{positions: []domain.Position{closedPosition("a"), closedPosition("b")}}
	audit := &auditLog{}
	a := NewPositionArchiver(blobs, blobs, closed, audit, "archive/positions/", discard())

	before := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchivePositions(context.Background(), before)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	path := "archive/positions/2024-01-03.jsonl"
	require.Contains(t, blobs.objects, path)
	assert.Equal(t, "application/x-ndjson", blobs.types[path])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	require.Equal(t, []string{"archive.positions"}, audit.events)
	assert.Equal(t, path, audit.detail[0]["path"])
}

func TestPositionArchiver_SkipsExistingObject(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["archive/positions/2024-01-03.jsonl"] = []byte("{}\n")
	closed := &closedList{positions: []domain.Position{closedPosition("a")}}
	a := NewPositionArchiver(blobs, blobs, closed, nil, "", discard())

	n, err := a.ArchivePositions(context.Background(), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, closed.calls)
}

func TestPositionArchiver_NothingToArchive(t *testing.T) {
	blobs := newMemBlobs()
	a := NewPositionArchiver(blobs, blobs, &closedList{}, nil, "", discard())

	n, err := a.ArchivePositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.local", normaliseEndpoint("s3.local", true))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}
