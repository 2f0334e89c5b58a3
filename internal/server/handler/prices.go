package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// maxPriceAssets bounds the batch lookup of GET /api/prices.
const maxPriceAssets = 50

// PriceHandler serves the feed prices mirrored into the shared cache. It
// covers every asset any instance records, not just the ones this process
// trades.
type PriceHandler struct {
	cache   domain.PriceCache
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(cache domain.PriceCache, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{cache: cache, logger: logHandler(logger, "prices"), nowFunc: time.Now}
}

type feedQuote struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
	AgeMS int64     `json:"age_ms"`
}

// GetAsset responds with the latest cached quote of each of asset's feeds.
// GET /api/prices/{asset}
func (h *PriceHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset := assetParam(r)
	now := h.nowFunc()
	feeds := make(map[domain.FeedSource]feedQuote, len(domain.FeedSources))
	for _, src := range domain.FeedSources {
		price, at, err := h.cache.GetPrice(r.Context(), domain.FeedKey(asset, src))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			h.logger.ErrorContext(r.Context(), "price lookup failed",
				slog.String("asset", string(asset)),
				slog.String("source", string(src)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "price cache unavailable")
			return
		}
		feeds[src] = feedQuote{Price: price, At: at, AgeMS: max(0, now.Sub(at).Milliseconds())}
	}
	if len(feeds) == 0 {
		writeError(w, http.StatusNotFound, "no cached prices for "+string(asset))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "feeds": feeds})
}

// ListPrices responds with the cached prices of several assets keyed by
// asset and source. Feeds without a cached price are left out.
// GET /api/prices?assets=BTC,ETH
func (h *PriceHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	var assets []domain.Asset
	for _, a := range strings.Split(r.URL.Query().Get("assets"), ",") {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			assets = append(assets, domain.Asset(a))
		}
	}
	if len(assets) == 0 || len(assets) > maxPriceAssets {
		writeError(w, http.StatusBadRequest, "assets must list 1 to 50 assets")
		return
	}

	keys := make([]string, 0, len(assets)*len(domain.FeedSources))
	for _, a := range assets {
		for _, src := range domain.FeedSources {
			keys = append(keys, domain.FeedKey(a, src))
		}
	}
	prices, err := h.cache.GetPrices(r.Context(), keys)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "price batch lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "price cache unavailable")
		return
	}

	out := make(map[domain.Asset]map[domain.FeedSource]float64, len(assets))
	for _, a := range assets {
		feeds := make(map[domain.FeedSource]float64)
		for _, src := range domain.FeedSources {
			if p, ok := prices[domain.FeedKey(a, src)]; ok {
				feeds[src] = p
			}
		}
		out[a] = feeds
	}
	writeJSON(w, http.StatusOK, out)
}
