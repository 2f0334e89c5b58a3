package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// FillsHandler serves the trade record and the audit log.
type FillsHandler struct {
	fills  domain.FillLog
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewFillsHandler creates a FillsHandler. audit may be nil when no audit
// store is configured.
func NewFillsHandler(fills domain.FillLog, audit domain.AuditStore, logger *slog.Logger) *FillsHandler {
	return &FillsHandler{fills: fills, audit: audit, logger: logHandler(logger, "fills")}
}

// ListFills responds with fills of one asset, newest first.
// GET /api/fills/{asset}?limit&offset&since&until
func (h *FillsHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since and until must be RFC 3339 timestamps")
		return
	}
	asset := assetParam(r)
	recs, err := h.fills.List(r.Context(), asset, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list fills failed",
			slog.String("asset", string(asset)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}
	if recs == nil {
		recs = []domain.FillRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListAudit responds with audit log entries, newest first.
// GET /api/audit?limit&offset&since&until
func (h *FillsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since and until must be RFC 3339 timestamps")
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
