package domain

import "time"

// BeliefState is a Beta(Alpha, Beta) posterior over the probability that the
// YES outcome resolves true.
type BeliefState struct {
	Alpha float64
	Beta  float64
	// LastPrice is the reference price of the last applied observation; it
	// drives the debounce check.
	LastPrice       float64
	LastObservation float64
	UpdatedAt       time.Time
	Updates         uint64
}

// Mean is the posterior mean.
func (b BeliefState) Mean() float64 {
	n := b.Alpha + b.Beta
	if n <= 0 {
		return 0.5
	}
	return b.Alpha / n
}

// Variance is the posterior variance.
func (b BeliefState) Variance() float64 {
	n := b.Alpha + b.Beta
	if n <= 0 {
		return 0.25
	}
	return b.Alpha * b.Beta / (n * n * (n + 1))
}

// Warm reports whether at least one observation has been applied.
func (b BeliefState) Warm() bool {
	return b.Updates > 0
}
