package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// writeJSON writes v with status, or a 500 when v does not marshal.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Page size bounds for list endpoints.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// intParam reads a non-negative integer query parameter, or def when it is
// missing or malformed.
func intParam(q url.Values, name string, def int) int {
	if n, err := strconv.Atoi(q.Get(name)); err == nil && n >= 0 {
		return n
	}
	return def
}

// parseListOpts extracts pagination and time-range parameters from the
// query string: limit (default 50, at most 500), offset, and RFC 3339
// since and until.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	limit := intParam(q, "limit", defaultLimit)
	if limit == 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	offset := intParam(q, "offset", 0)

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, err
		}
		*p.dst = &t
	}
	return opts, nil
}

// assetParam extracts the {asset} path parameter, upper-cased.
func assetParam(r *http.Request) domain.Asset {
	return domain.Asset(strings.ToUpper(strings.TrimSpace(r.PathValue("asset"))))
}

// logHandler tags a handler's log lines.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
