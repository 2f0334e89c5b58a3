// Package belief maintains a Beta posterior over the probability that an
// asset's YES outcome resolves true, fed by fused market snapshots.
package belief

import (
	"math"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Implied probabilities are clamped to this band.
const (
	minObservation = 0.01
	maxObservation = 0.99
)

// Params tunes the estimator. The zero value is not usable; start from
// DefaultParams.
type Params struct {
	PriorAlpha float64
	PriorBeta  float64
	// EvidenceWeight is the pseudo-count a fresh, undiverged observation adds.
	EvidenceWeight float64
	// HalfLife halves the weight of an observation per unit of feed age.
	HalfLife time.Duration
	// DivergenceThreshold is the divergence at which an update is weighted
	// at half strength.
	DivergenceThreshold float64
	// DebouncePct skips updates whose reference price moved less than this
	// fraction since the last applied one.
	DebouncePct float64
	// MaxConcentration caps alpha+beta, keeping the posterior responsive.
	MaxConcentration float64
	// CrossMaxAge is how old a cross-validation price may be and still be
	// blended into the reference price.
	CrossMaxAge time.Duration
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		PriorAlpha:          1,
		PriorBeta:           1,
		EvidenceWeight:      4,
		HalfLife:            5 * time.Second,
		DivergenceThreshold: 0.02,
		DebouncePct:         0.005,
		MaxConcentration:    200,
		CrossMaxAge:         10 * time.Second,
	}
}

// Update describes what one snapshot did to the posterior.
type Update struct {
	Applied bool
	// Skipped is set when Applied is false.
	Skipped     string
	Reference   float64
	Observation float64
	Weight      float64
}

// Skip reasons.
const (
	SkipNoPrimary = "no_primary"
	SkipDebounce  = "debounce"
	SkipNoWeight  = "no_weight"
)

// Estimator is the per-asset belief owner. It is not safe for concurrent use;
// each asset worker owns exactly one.
type Estimator struct {
	params Params
	market domain.MarketSpec
	state  domain.BeliefState
}

// New creates an estimator at the prior.
func New(market domain.MarketSpec, params Params) *Estimator {
	e := &Estimator{params: params, market: market}
	e.Reinitialize()
	return e
}

// State returns a copy of the posterior.
func (e *Estimator) State() domain.BeliefState { return e.state }

// Mean is the posterior mean.
func (e *Estimator) Mean() float64 { return e.state.Mean() }

// Variance is the posterior variance.
func (e *Estimator) Variance() float64 { return e.state.Variance() }

// SetParams swaps tuning parameters without touching the posterior.
func (e *Estimator) SetParams(p Params) { e.params = p }

// SetMarket replaces the market description. A changed strike is a new
// market, so the posterior restarts from the prior.
func (e *Estimator) SetMarket(m domain.MarketSpec) {
	rollover := m.Strike != e.market.Strike || m.ConditionID != e.market.ConditionID
	e.market = m
	if rollover {
		e.Reinitialize()
	}
}

// Reinitialize resets the posterior to the prior.
func (e *Estimator) Reinitialize() {
	e.state = domain.BeliefState{
		Alpha: e.params.PriorAlpha,
		Beta:  e.params.PriorBeta,
	}
}

// Observe folds a snapshot into the posterior.
func (e *Estimator) Observe(snap domain.MarketSnapshot, now time.Time) Update {
	if !snap.HasPrimary() {
		return Update{Skipped: SkipNoPrimary}
	}
	ref := e.reference(snap)
	u := Update{Reference: ref}

	if last := e.state.LastPrice; last > 0 && math.Abs(ref-last)/last < e.params.DebouncePct {
		u.Skipped = SkipDebounce
		return u
	}

	obs, ok := e.Implied(ref)
	if !ok {
		u.Skipped = SkipNoPrimary
		return u
	}
	w := e.weight(snap)
	u.Observation = obs
	u.Weight = w
	if !(w > 0) {
		u.Skipped = SkipNoWeight
		return u
	}

	e.state.Alpha += w * obs
	e.state.Beta += w * (1 - obs)
	if n := e.state.Alpha + e.state.Beta; e.params.MaxConcentration > 0 && n > e.params.MaxConcentration {
		scale := e.params.MaxConcentration / n
		e.state.Alpha *= scale
		e.state.Beta *= scale
	}
	e.state.LastPrice = ref
	e.state.LastObservation = obs
	e.state.UpdatedAt = now
	e.state.Updates++
	u.Applied = true
	return u
}

// Implied converts a reference price into a YES probability. Probability
// markets pass the price through; spot markets go through a logistic
// distance-to-strike model scaled by the market's volatility.
func (e *Estimator) Implied(ref float64) (float64, bool) {
	if math.IsNaN(ref) || ref <= 0 {
		return 0, false
	}
	if e.market.ProbabilityDenominated() {
		return clamp(ref), true
	}
	if e.market.VolBps <= 0 {
		return 0, false
	}
	distanceBps := (ref - e.market.Strike) / e.market.Strike * 10_000
	p := 1 / (1 + math.Exp(-distanceBps/e.market.VolBps))
	return clamp(p), true
}

// reference blends the cross feed in only while it is fresh and agrees.
func (e *Estimator) reference(snap domain.MarketSnapshot) float64 {
	if snap.HasCross && !snap.Diverged && snap.CrossPrice > 0 && snap.CrossAge <= e.params.CrossMaxAge {
		return (snap.PrimaryPrice + snap.CrossPrice) / 2
	}
	return snap.PrimaryPrice
}

func (e *Estimator) weight(snap domain.MarketSnapshot) float64 {
	w := e.params.EvidenceWeight
	if e.params.HalfLife > 0 && snap.PrimaryAge > 0 {
		w *= math.Exp2(-float64(snap.PrimaryAge) / float64(e.params.HalfLife))
	}
	if snap.HasCross && e.params.DivergenceThreshold > 0 {
		w /= 1 + snap.DivergencePct/e.params.DivergenceThreshold
	}
	return w
}

// Summary is the persisted form of the posterior.
func (e *Estimator) Summary() domain.BeliefSummary {
	return domain.BeliefSummary{
		Alpha:     e.state.Alpha,
		Beta:      e.state.Beta,
		LastPrice: e.state.LastPrice,
		Updates:   e.state.Updates,
		UpdatedAt: e.state.UpdatedAt,
	}
}

// Restore loads a saved summary. An invalid summary leaves the estimator at
// the prior, so a corrupt snapshot degrades to a cold start.
func (e *Estimator) Restore(s domain.BeliefSummary) bool {
	if !(s.Alpha > 0) || !(s.Beta > 0) || math.IsInf(s.Alpha, 0) || math.IsInf(s.Beta, 0) {
		e.Reinitialize()
		return false
	}
	e.state = domain.BeliefState{
		Alpha:     s.Alpha,
		Beta:      s.Beta,
		LastPrice: s.LastPrice,
		UpdatedAt: s.UpdatedAt,
		Updates:   s.Updates,
	}
	return true
}

func clamp(p float64) float64 {
	return math.Min(maxObservation, math.Max(minObservation, p))
}
