// Package aggregator fuses the primary and cross-validation spot feeds of an
// asset into MarketSnapshots.
//
// The fold keeps the latest value per source by timestamp, so the result is
// independent of the order in which the two feeds' updates arrive.
package aggregator

import (
	"math"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// DefaultDivergenceThreshold flags snapshots whose feeds disagree by more
// than 2%.
const DefaultDivergenceThreshold = 0.02

// Quote is the latest known value of one source.
type Quote struct {
	Price float64
	At    time.Time
	Venue string
}

func (q Quote) present() bool { return q.Price > 0 && !q.At.IsZero() }

// State is the pair of latest-known quotes for one asset.
type State struct {
	Asset   domain.Asset
	Primary Quote
	Cross   Quote
}

// Fold applies an update and reports whether the state changed. Updates for
// another asset, invalid prices, non-spot sources and out-of-order ticks
// leave the state untouched.
func Fold(s State, u domain.PriceUpdate) (State, bool) {
	if u.Asset != s.Asset || !u.Valid() {
		return s, false
	}
	q := Quote{Price: u.Price, At: u.Timestamp, Venue: u.Venue}
	switch u.Source {
	case domain.SourcePrimary:
		if !newer(q, s.Primary) {
			return s, false
		}
		s.Primary = q
	case domain.SourceCross:
		if !newer(q, s.Cross) {
			return s, false
		}
		s.Cross = q
	default:
		return s, false
	}
	return s, true
}

// newer orders quotes by timestamp, breaking ties on price so that two
// updates with the same timestamp fold to the same result in either order.
func newer(q, cur Quote) bool {
	if !cur.present() {
		return true
	}
	if q.At.After(cur.At) {
		return true
	}
	return q.At.Equal(cur.At) && q.Price > cur.Price
}

// Snapshot renders the state as of now. Stale quotes are kept and marked by
// their age.
func (s State) Snapshot(now time.Time, threshold float64) domain.MarketSnapshot {
	snap := domain.MarketSnapshot{
		Asset:   s.Asset,
		TakenAt: now,
	}
	if s.Primary.present() {
		snap.PrimaryPrice = s.Primary.Price
		snap.PrimaryAt = s.Primary.At
		snap.PrimaryAge = age(now, s.Primary.At)
	}
	if s.Cross.present() {
		snap.HasCross = true
		snap.CrossPrice = s.Cross.Price
		snap.CrossAt = s.Cross.At
		snap.CrossAge = age(now, s.Cross.At)
	}
	if snap.HasPrimary() && snap.HasCross {
		snap.DivergencePct = math.Abs(snap.PrimaryPrice-snap.CrossPrice) / snap.PrimaryPrice
		snap.Diverged = snap.DivergencePct > threshold
	}
	return snap
}

func age(now, at time.Time) time.Duration {
	if d := now.Sub(at); d > 0 {
		return d
	}
	return 0
}

// Aggregator is the stateful wrapper an asset worker uses: Apply folds and
// returns a fresh snapshot when something changed.
type Aggregator struct {
	state     State
	threshold float64
}

// New creates an aggregator for asset.
func New(asset domain.Asset, threshold float64) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultDivergenceThreshold
	}
	return &Aggregator{state: State{Asset: asset}, threshold: threshold}
}

// SetThreshold changes the divergence threshold for later snapshots.
func (a *Aggregator) SetThreshold(t float64) {
	if t > 0 {
		a.threshold = t
	}
}

// Apply folds u; ok is false when the update did not change the state.
func (a *Aggregator) Apply(u domain.PriceUpdate, now time.Time) (domain.MarketSnapshot, bool) {
	next, changed := Fold(a.state, u)
	if !changed {
		return domain.MarketSnapshot{}, false
	}
	a.state = next
	return next.Snapshot(now, a.threshold), true
}

// Snapshot returns the current fused view without folding anything.
func (a *Aggregator) Snapshot(now time.Time) domain.MarketSnapshot {
	return a.state.Snapshot(now, a.threshold)
}

// State returns the current quotes.
func (a *Aggregator) State() State { return a.state }
