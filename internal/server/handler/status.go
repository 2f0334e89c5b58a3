package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// StatusSource is the in-process view of the engine's workers.
type StatusSource interface {
	All() []domain.AssetStatus
	Status(asset domain.Asset) (domain.AssetStatus, bool)
	Recent(limit int) []domain.Decision
}

// StatusHandler serves worker status and recent decisions.
type StatusHandler struct {
	mode   string
	source StatusSource
	// shared, when set, answers for assets this process does not run,
	// e.g. on a standby reading the leader's status.
	shared domain.StatusCache
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. shared may be nil.
func NewStatusHandler(mode string, source StatusSource, shared domain.StatusCache, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:   mode,
		source: source,
		shared: shared,
		logger: logHandler(logger, "status"),
	}
}

// GetStatus responds with the mode and the status of every asset.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   h.mode,
		"assets": h.source.All(),
	})
}

// GetAsset responds with the status of one asset.
// GET /api/status/{asset}
func (h *StatusHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset := assetParam(r)
	if s, ok := h.source.Status(asset); ok {
		writeJSON(w, http.StatusOK, s)
		return
	}
	if h.shared != nil {
		s, err := h.shared.GetStatus(r.Context(), asset)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, s)
			return
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.ErrorContext(r.Context(), "shared status lookup failed",
				slog.String("asset", string(asset)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "status cache unavailable")
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown asset "+string(asset))
}

// ListDecisions responds with the most recent decisions, newest first.
// GET /api/decisions?limit=N
func (h *StatusHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.source.Recent(limit))
}
