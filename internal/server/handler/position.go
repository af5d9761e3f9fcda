package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	OpenByIndex(ctx context.Context, index string) ([]domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	AuditTrail(ctx context.Context, id string, limit int) ([]domain.AuditEntry, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	prices    domain.PriceCache
	indices   []string
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. indices is the default set
// listed when no index is given. prices may be nil.
func NewPositionHandler(positions PositionService, prices domain.PriceCache, indices []string, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		prices:    prices,
		indices:   indices,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

// openPosition adds the cached LTP and unrealised profit to a position.
type openPosition struct {
	domain.Position
	LTP        *decimal.Decimal `json:"ltp,omitempty"`
	Unrealised *decimal.Decimal `json:"unrealised,omitempty"`
}

type listPositionsResponse struct {
	Positions []openPosition `json:"positions"`
}

// ListOpen returns open positions, for one index or for all configured ones.
// GET /api/positions?index=BANKNIFTY
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	indices := h.indices
	if idx := r.URL.Query().Get("index"); idx != "" {
		indices = []string{idx}
	}

	var open []domain.Position
	for _, idx := range indices {
		positions, err := h.positions.OpenByIndex(r.Context(), idx)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list open positions failed",
				slog.String("index", idx),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list positions")
			return
		}
		open = append(open, positions...)
	}

	prices := h.latestPrices(r.Context(), open)
	out := make([]openPosition, 0, len(open))
	for _, p := range open {
		op := openPosition{Position: p}
		if ltp, ok := prices[p.Token]; ok {
			op.withPrice(ltp)
		}
		out = append(out, op)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}

// latestPrices batches the cached LTP lookup for every distinct token. A
// cache failure leaves the prices out rather than failing the listing.
func (h *PositionHandler) latestPrices(ctx context.Context, positions []domain.Position) map[int64]decimal.Decimal {
	if h.prices == nil || len(positions) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(positions))
	tokens := make([]int64, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.Token]; ok {
			continue
		}
		seen[p.Token] = struct{}{}
		tokens = append(tokens, p.Token)
	}
	prices, err := h.prices.GetPrices(ctx, tokens)
	if err != nil {
		h.logger.WarnContext(ctx, "price lookup failed", slog.String("error", err.Error()))
		return nil
	}
	return prices
}

func (op *openPosition) withPrice(ltp decimal.Decimal) {
	pnl := op.ProfitAt(ltp)
	op.LTP = &ltp
	op.Unrealised = &pnl
}

// History returns positions newest first.
// GET /api/positions/history?limit=50&offset=0
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.History(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "position history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// Get returns one position, with the cached LTP while it is still open.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	op := openPosition{Position: pos}
	if h.prices != nil && pos.IsOpen() {
		if ltp, _, err := h.prices.GetPrice(r.Context(), pos.Token); err == nil {
			op.withPrice(ltp)
		}
	}
	writeJSON(w, http.StatusOK, op)
}

// Audit returns the audit trail of one position, oldest first.
// GET /api/positions/{id}/audit?limit=100
func (h *PositionHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.positions.Get(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	entries, err := h.positions.AuditTrail(r.Context(), id, queryInt(r, "limit", 100, 1000))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit trail failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
