package domain

import (
	"math"
	"time"
)

// Asset identifies one tradable market pair, e.g. "BTC" for the BTC
// up/down market cross-validated against BTC spot feeds.
type Asset string

// FeedSource tags where a PriceUpdate came from.
type FeedSource string

const (
	// SourcePrimary is the primary spot feed (Binance).
	SourcePrimary FeedSource = "primary"
	// SourceCross is the cross-validation spot feed (Coinbase).
	SourceCross FeedSource = "cross"
	// SourceMarket is the prediction market itself (outcome probability).
	SourceMarket FeedSource = "market"
)

// FeedSources lists every source in display order.
var FeedSources = []FeedSource{SourcePrimary, SourceCross, SourceMarket}

// FeedKey names one asset's feed in the shared price cache.
func FeedKey(asset Asset, source FeedSource) string {
	return string(asset) + ":" + string(source)
}

// PriceUpdate is a single tick from a feed adapter.
type PriceUpdate struct {
	Asset     Asset
	Price     float64
	Timestamp time.Time
	Source    FeedSource
	// Venue names the concrete adapter ("binance", "coinbase", "polymarket").
	Venue string
}

// Valid reports whether the update carries a usable price.
func (u PriceUpdate) Valid() bool {
	if u.Asset == "" || u.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(u.Price) || math.IsInf(u.Price, 0) || u.Price <= 0 {
		return false
	}
	if u.Source == SourceMarket && u.Price >= 1 {
		return false
	}
	return true
}

// MarketSnapshot is the fused view of the primary and cross-validation feeds
// for one asset. It is immutable once built.
type MarketSnapshot struct {
	Asset        Asset
	PrimaryPrice float64
	PrimaryAt    time.Time
	CrossPrice   float64
	CrossAt      time.Time
	HasCross     bool
	// PrimaryAge and CrossAge are measured at snapshot time.
	PrimaryAge    time.Duration
	CrossAge      time.Duration
	DivergencePct float64
	Diverged      bool
	TakenAt       time.Time
}

// HasPrimary reports whether the primary feed has produced a price.
func (s MarketSnapshot) HasPrimary() bool {
	return s.PrimaryPrice > 0 && !s.PrimaryAt.IsZero()
}

// MarketSpec is the static description of a market the engine trades.
type MarketSpec struct {
	Asset       Asset
	Name        string
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	// Strike is the spot level the binary outcome resolves against. Zero
	// means the primary feed already quotes a probability.
	Strike float64
	// VolBps is the typical move over the market horizon, in basis points.
	VolBps float64
	// Liquidity is the LMSR b parameter, fixed for the life of the market.
	Liquidity float64
	Active    bool
}

// ProbabilityDenominated reports whether primary prices are probabilities.
func (m MarketSpec) ProbabilityDenominated() bool {
	return m.Strike <= 0
}
