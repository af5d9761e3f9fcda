package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// EventStream reads entries from a durable stream.
type EventStream interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
	StreamRecent(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves recent position events.
type EventsHandler struct {
	stream EventStream
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(stream EventStream, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{stream: stream, logger: logger.With(slog.String("handler", "events"))}
}

type eventEntry struct {
	ID    string               `json:"id"`
	Event domain.PositionEvent `json:"event"`
}

// Recent returns the newest events first. With after set to a stream ID it
// instead returns the events following that ID, oldest first, so a client can
// poll with the last ID it has seen.
// GET /api/events?count=50
// GET /api/events?after=1700000000000-0
func (h *EventsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 50, 500)
	var (
		msgs []domain.StreamMessage
		err  error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		msgs, err = h.stream.StreamRead(r.Context(), domain.StreamPositions, after, count)
	} else {
		msgs, err = h.stream.StreamRecent(r.Context(), domain.StreamPositions, count)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]eventEntry, 0, len(msgs))
	for _, m := range msgs {
		var evt domain.PositionEvent
		if err := json.Unmarshal(m.Payload, &evt); err != nil {
			continue
		}
		out = append(out, eventEntry{ID: m.ID, Event: evt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
