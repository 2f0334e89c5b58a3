package domain

import (
	"time"

	"github.com/google/uuid"
)

// Side indicates whether this is a buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome indexes an outcome of a binary market.
type Outcome int

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return "unknown"
	}
}

// Strategy is the execution style of an intent.
type Strategy string

const (
	StrategyMaker Strategy = "maker"
	StrategyTaker Strategy = "taker"
)

// TradeIntent is a candidate trade produced by the decision engine and
// consumed by the execution port. It is never mutated after creation.
type TradeIntent struct {
	ID         string   `json:"id"`
	Asset      Asset    `json:"asset"`
	Side       Side     `json:"side"`
	Outcome    Outcome  `json:"outcome"`
	Size       float64  `json:"size"` // shares
	LimitPrice float64  `json:"limit_price"`
	Strategy   Strategy `json:"strategy"`
	Edge       float64  `json:"edge"`
	// FairValue is the belief mean for the traded outcome.
	FairValue     float64   `json:"fair_value"`
	KellyFraction float64   `json:"kelly_fraction"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTradeIntent stamps an intent with a fresh ID and creation time.
func NewTradeIntent(asset Asset, side Side, outcome Outcome, size, limit float64, strategy Strategy, edge float64, now time.Time) TradeIntent {
	return TradeIntent{
		ID:         uuid.New().String(),
		Asset:      asset,
		Side:       side,
		Outcome:    outcome,
		Size:       size,
		LimitPrice: limit,
		Strategy:   strategy,
		Edge:       edge,
		CreatedAt:  now,
	}
}

// Notional is the cash value of the intent at its limit price.
func (t TradeIntent) Notional() float64 {
	return t.Size * t.LimitPrice
}

// Fill reports a (possibly partial) execution of an intent.
type Fill struct {
	ID       string  `json:"id"`
	IntentID string  `json:"intent_id"`
	Asset    Asset   `json:"asset"`
	Side     Side    `json:"side"`
	Outcome  Outcome `json:"outcome"`
	Size     float64 `json:"size"`
	Price    float64 `json:"price"`
	// Fee is paid by us when positive; negative values are rebates.
	Fee      float64   `json:"fee"`
	Strategy Strategy  `json:"strategy"`
	FilledAt time.Time `json:"filled_at"`
}

// Rejection reports that the venue refused an intent.
type Rejection struct {
	IntentID string    `json:"intent_id"`
	Asset    Asset     `json:"asset"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// ExecutionReport carries exactly one of Fill or Rejection.
type ExecutionReport struct {
	Fill      *Fill      `json:"fill"`
	Rejection *Rejection `json:"rejection"`
}

// Asset returns the asset the report belongs to.
func (r ExecutionReport) Asset() Asset {
	if r.Fill != nil {
		return r.Fill.Asset
	}
	if r.Rejection != nil {
		return r.Rejection.Asset
	}
	return ""
}

// FillRecord is the append-only log entry for a confirmed fill.
type FillRecord struct {
	Fill
	FairValue     float64 `json:"fair_value"`
	Edge          float64 `json:"edge"`
	KellyFraction float64 `json:"kelly_fraction"`
	RealizedPnL   float64 `json:"realized_pnl"`
}
