// Package fees models the venue fee schedule: a parabolic taker fee that
// peaks at p=0.5 and a zero-fee maker side that can earn a rebate.
package fees

import (
	"math"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Schedule is a fee schedule. Fees and adjustments are in price units per
// share, so they subtract directly from an edge.
type Schedule struct {
	// TakerRate scales the taker curve rate * p^e * (1-p)^e.
	TakerRate float64 `toml:"taker_rate"`
	Exponent  int     `toml:"exponent"`
	// MakerRebate is paid to resting orders per share filled.
	MakerRebate float64 `toml:"maker_rebate"`
}

// Standard is the schedule for regular markets: 1.5625% of a share at p=0.5
// for takers and a 0.2% rebate for makers.
func Standard() Schedule {
	return Schedule{TakerRate: 0.25, Exponent: 2, MakerRebate: 0.002}
}

// CryptoShortDuration is the steeper taker schedule of short-dated crypto
// markets.
func CryptoShortDuration() Schedule {
	return Schedule{TakerRate: 0.5, Exponent: 2, MakerRebate: 0.002}
}

// FromConfig resolves the named schedule of c. The configured maker rebate
// always applies; "custom" takes every field from c.
func FromConfig(c config.FeesConfig) Schedule {
	var s Schedule
	switch c.Schedule {
	case "standard":
		s = Standard()
	case "crypto_short":
		s = CryptoShortDuration()
	default:
		return Schedule{TakerRate: c.TakerRate, Exponent: c.Exponent, MakerRebate: c.MakerRebate}
	}
	s.MakerRebate = c.MakerRebate
	return s
}

// TakerFee is the fee for taking size shares at price. It is zero outside
// the open interval (0, 1).
func (s Schedule) TakerFee(price, size float64) float64 {
	if !(price > 0 && price < 1) || !(size > 0) {
		return 0
	}
	e := float64(s.Exponent)
	return s.TakerRate * math.Pow(price, e) * math.Pow(1-price, e) * size
}

// MakerFee is the fee for a resting order; rebates make it negative.
func (s Schedule) MakerFee(_ float64, size float64) float64 {
	if !(size > 0) {
		return 0
	}
	return -s.MakerRebate * size
}

// Fee dispatches on strategy.
func (s Schedule) Fee(strategy domain.Strategy, price, size float64) float64 {
	if strategy == domain.StrategyTaker {
		return s.TakerFee(price, size)
	}
	return s.MakerFee(price, size)
}

// Adjustment is the per-share fee adjustment subtracted from gross edge:
// negative (favourable) for makers, positive for takers.
func (s Schedule) Adjustment(strategy domain.Strategy, price float64) float64 {
	return s.Fee(strategy, price, 1)
}

// NetCost is the cash paid for size shares at price, fees included.
func (s Schedule) NetCost(strategy domain.Strategy, price, size float64) float64 {
	return price*size + s.Fee(strategy, price, size)
}
