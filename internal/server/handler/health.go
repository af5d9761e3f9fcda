package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// FeedState reports whether the tick stream is connected.
type FeedState interface {
	Connected() bool
}

// TrackerState reports how many instruments the stop-loss tracker watches.
type TrackerState interface {
	Len() int
}

// Check pings one backing service.
type Check func(ctx context.Context) error

// HealthHandler serves the liveness endpoint with a status summary.
type HealthHandler struct {
	mode    string
	started time.Time
	feed    FeedState
	tracker TrackerState
	checks  map[string]Check
}

// NewHealthHandler creates a HealthHandler. feed and tracker may be nil in
// modes that do not run them.
func NewHealthHandler(mode string, feed FeedState, tracker TrackerState) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now(), feed: feed, tracker: tracker, checks: map[string]Check{}}
}

// AddCheck registers a dependency check reported under name.
func (h *HealthHandler) AddCheck(name string, c Check) {
	h.checks[name] = c
}

type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Mode          string `json:"mode"`
	FeedConnected bool   `json:"feed_connected"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TrackedTokens int    `json:"tracked_tokens"`

	Checks map[string]string `json:"checks,omitempty"`
}

// HealthCheck returns 200 with the bot status, or 503 with status "degraded"
// when a dependency check fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.Status()
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Mode:          st.Mode,
		FeedConnected: st.FeedConnected,
		UptimeSeconds: st.UptimeSeconds,
		TrackedTokens: st.TrackedTokens,
	}
	code := http.StatusOK
	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, code, resp)
}

// Status snapshots the bot state.
func (h *HealthHandler) Status() domain.BotStatus {
	st := domain.BotStatus{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.feed != nil {
		st.FeedConnected = h.feed.Connected()
	}
	if h.tracker != nil {
		st.TrackedTokens = h.tracker.Len()
	}
	return st
}
