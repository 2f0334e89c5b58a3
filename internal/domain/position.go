package domain

import (
	"math"
	"time"
)

// Position is the current exposure to one outcome of one asset's market.
// Size is signed: positive is long shares, negative is short.
type Position struct {
	Asset         Asset     `json:"asset"`
	Outcome       Outcome   `json:"outcome"`
	Size          float64   `json:"size"`
	AvgEntry      float64   `json:"avg_entry"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Fees          float64   `json:"fees"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Apply folds a fill into the position and returns the realized P&L the fill
// produced, fees included. Fills that reduce the position realize P&L against
// the average entry; fills that extend it move the average entry.
func (p *Position) Apply(f Fill) float64 {
	qty := f.Size
	if f.Side == SideSell {
		qty = -qty
	}

	realized := 0.0
	switch {
	case p.Size == 0 || sameSign(p.Size, qty):
		total := math.Abs(p.Size) + math.Abs(qty)
		if total > 0 {
			p.AvgEntry = (p.AvgEntry*math.Abs(p.Size) + f.Price*math.Abs(qty)) / total
		}
		p.Size += qty
	default:
		closing := math.Min(math.Abs(qty), math.Abs(p.Size))
		if p.Size > 0 {
			realized = (f.Price - p.AvgEntry) * closing
		} else {
			realized = (p.AvgEntry - f.Price) * closing
		}
		p.Size += qty
		switch {
		case math.Abs(p.Size) < 1e-12:
			p.Size = 0
			p.AvgEntry = 0
		case !sameSign(p.Size, p.Size-qty):
			// flipped through zero; the remainder opened at the fill price
			p.AvgEntry = f.Price
		}
	}

	realized -= f.Fee
	p.Fees += f.Fee
	p.RealizedPnL += realized
	if !f.FilledAt.IsZero() {
		p.UpdatedAt = f.FilledAt
	}
	return realized
}

// MarkToMarket refreshes UnrealizedPnL at the given outcome price.
func (p *Position) MarkToMarket(price float64) {
	if p.Size == 0 || math.IsNaN(price) {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = (price - p.AvgEntry) * p.Size
}

// Exposure is the absolute cash at risk at the average entry.
func (p Position) Exposure() float64 {
	return math.Abs(p.Size) * p.AvgEntry
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}
