package handler

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// ThresholdSource exposes the tracker's thresholds.
type ThresholdSource interface {
	Snapshot() map[int64]decimal.Decimal
	Threshold(token int64) (decimal.Decimal, bool)
}

// StopLossHandler lists tracked stop-loss thresholds.
type StopLossHandler struct {
	tracker ThresholdSource
}

// NewStopLossHandler creates a StopLossHandler.
func NewStopLossHandler(tracker ThresholdSource) *StopLossHandler {
	return &StopLossHandler{tracker: tracker}
}

type thresholdEntry struct {
	Token     string          `json:"token"`
	Threshold decimal.Decimal `json:"threshold"`
}

// List returns thresholds ordered by token.
// GET /api/stoploss
func (h *StopLossHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.tracker.Snapshot()
	tokens := make([]int64, 0, len(snap))
	for t := range snap {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	out := make([]thresholdEntry, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, thresholdEntry{Token: strconv.FormatInt(t, 10), Threshold: snap[t]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": out})
}

// Get returns the threshold of one instrument.
// GET /api/stoploss/{token}
func (h *StopLossHandler) Get(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseInt(r.PathValue("token"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}
	th, ok := h.tracker.Threshold(token)
	if !ok {
		writeError(w, http.StatusNotFound, "token not tracked")
		return
	}
	writeJSON(w, http.StatusOK, thresholdEntry{Token: strconv.FormatInt(token, 10), Threshold: th})
}
