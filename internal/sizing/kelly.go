// Package sizing converts a net edge and the belief's uncertainty into a
// bounded fraction of bankroll using fractional Kelly.
package sizing

import "math"

// Kelly holds the sizing policy.
type Kelly struct {
	// Fraction of full Kelly to bet (0.25 = quarter Kelly).
	Fraction float64
	// MaxPositionFraction is the hard cap on any single stake.
	MaxPositionFraction float64
	// FeeThreshold is the edge at or below which nothing is staked.
	FeeThreshold float64
}

// Default is quarter Kelly capped at 6.25% of bankroll.
func Default() Kelly {
	return Kelly{Fraction: 0.25, MaxPositionFraction: 0.0625}
}

// Input is one sizing request.
type Input struct {
	EdgeNet        float64
	BeliefVariance float64
	// MarketPrice is the price being paid; p(1-p) is the outcome variance.
	MarketPrice float64
	// Probability is the believed chance the outcome pays. When set, the
	// stake never exceeds full Kelly at MarketPrice.
	Probability float64
	// Allocable is the bankroll fraction the wallet allows for this asset.
	// Zero or negative means no allocation.
	Allocable float64
}

// Stake returns the bankroll fraction to commit, always within
// [0, min(MaxPositionFraction, Allocable)] and, given a Probability, at most
// FullKelly. Any undefined input yields 0.
func (k Kelly) Stake(in Input) float64 {
	if !finite(in.EdgeNet, in.BeliefVariance, in.MarketPrice, in.Allocable, in.Probability, k.Fraction, k.MaxPositionFraction) {
		return 0
	}
	if in.EdgeNet <= 0 || in.EdgeNet <= k.FeeThreshold {
		return 0
	}
	if in.BeliefVariance < 0 || in.MarketPrice <= 0 || in.MarketPrice >= 1 || k.Fraction <= 0 {
		return 0
	}
	ceiling := math.Min(k.MaxPositionFraction, in.Allocable)
	if in.Probability > 0 {
		ceiling = math.Min(ceiling, FullKelly(in.Probability, in.MarketPrice))
	}
	if ceiling <= 0 {
		return 0
	}

	proxy := in.MarketPrice*(1-in.MarketPrice) + in.BeliefVariance
	stake := k.Fraction * in.EdgeNet / proxy
	if !finite(stake) || stake <= 0 {
		return 0
	}
	return math.Min(stake, ceiling)
}

// FullKelly is the classic binary Kelly fraction (p*b - q)/b with payout
// odds b = (1-price)/price. Negative results are floored at zero.
func FullKelly(prob, price float64) float64 {
	if !finite(prob, price) || price <= 0 || price >= 1 || prob < 0 || prob > 1 {
		return 0
	}
	b := (1 - price) / price
	f := (prob*b - (1 - prob)) / b
	if f <= 0 {
		return 0
	}
	return f
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
