// Package lmsr implements the Logarithmic Market Scoring Rule cost function
// and the prices it implies.
//
// C(q) = b * ln(sum_i exp(q_i / b))
// p_i  = exp(q_i / b) / sum_j exp(q_j / b)
//
// All evaluations shift by the largest exponent before exponentiating, so
// share vectors of any magnitude are safe.
package lmsr

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// largeExponent is where expm1 is replaced by its asymptotic form.
const largeExponent = 30.0

// State is an immutable LMSR market: a share vector and the liquidity
// parameter b. b is fixed at construction; every derived state keeps it.
type State struct {
	b      float64
	shares []float64
}

// New builds a State. It fails when b is not a positive finite number, when
// fewer than two outcomes are given, or when a share quantity is not finite.
func New(b float64, shares []float64) (State, error) {
	if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
		return State{}, fmt.Errorf("lmsr: new: b=%v: %w", b, domain.ErrInvalidLiquidity)
	}
	if len(shares) < 2 {
		return State{}, fmt.Errorf("lmsr: new: %d outcomes: %w", len(shares), domain.ErrInvalidOutcome)
	}
	for i, q := range shares {
		if math.IsNaN(q) || math.IsInf(q, 0) {
			return State{}, fmt.Errorf("lmsr: new: shares[%d]=%v is not finite", i, q)
		}
	}
	cp := make([]float64, len(shares))
	copy(cp, shares)
	return State{b: b, shares: cp}, nil
}

// FromPrices builds the State whose prices equal the given probabilities.
// Probabilities are renormalised to sum to 1, which absorbs the spread of a
// quoted market.
func FromPrices(b float64, prices []float64) (State, error) {
	if len(prices) < 2 {
		return State{}, fmt.Errorf("lmsr: from prices: %d outcomes: %w", len(prices), domain.ErrInvalidOutcome)
	}
	sum := 0.0
	for i, p := range prices {
		if math.IsNaN(p) || p <= 0 || p >= 1 {
			return State{}, fmt.Errorf("lmsr: from prices: prices[%d]=%v: %w", i, p, domain.ErrInvalidPrice)
		}
		sum += p
	}
	shares := make([]float64, len(prices))
	for i, p := range prices {
		shares[i] = b * math.Log(p/sum)
	}
	return New(b, shares)
}

// FromBinaryPrice is FromPrices for a YES/NO market quoted by its YES price.
func FromBinaryPrice(b, yes float64) (State, error) {
	return FromPrices(b, []float64{yes, 1 - yes})
}

// Liquidity returns b.
func (s State) Liquidity() float64 { return s.b }

// Outcomes returns the number of outcomes.
func (s State) Outcomes() int { return len(s.shares) }

// Shares returns a copy of the share vector.
func (s State) Shares() []float64 {
	out := make([]float64, len(s.shares))
	copy(out, s.shares)
	return out
}

// Cost evaluates C(q).
func (s State) Cost() float64 {
	return s.b * logSumExp(s.shares, s.b)
}

// Price returns the instantaneous price of an outcome.
func (s State) Price(outcome domain.Outcome) (float64, error) {
	if err := s.check(outcome); err != nil {
		return 0, err
	}
	return math.Exp(s.logPrice(int(outcome))), nil
}

// Prices returns every outcome price; they sum to 1.
func (s State) Prices() []float64 {
	m := maxOf(s.shares)
	out := make([]float64, len(s.shares))
	sum := 0.0
	for i, q := range s.shares {
		out[i] = math.Exp((q - m) / s.b)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// CostToTrade is C(q + delta*e_outcome) - C(q). A zero delta costs exactly
// zero; the result is strictly increasing in delta.
func (s State) CostToTrade(outcome domain.Outcome, delta float64) (float64, error) {
	if err := s.check(outcome); err != nil {
		return 0, err
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("lmsr: cost to trade: delta=%v is not finite", delta)
	}
	if delta == 0 {
		return 0, nil
	}
	// C(q') - C(q) = b * ln(1 + p_i * (exp(delta/b) - 1))
	x := delta / s.b
	lp := s.logPrice(int(outcome))
	if x > largeExponent {
		// = delta + b * ln(p_i + (1 - p_i) * exp(-x))
		p := math.Exp(lp)
		return delta + s.b*math.Log(p+(1-p)*math.Exp(-x)), nil
	}
	return s.b * math.Log1p(math.Exp(lp)*math.Expm1(x)), nil
}

// MarginalFairPrice is the average price paid per share when moving the
// position by size shares of outcome. It reflects slippage, unlike Price.
// Non-positive sizes fall back to the instantaneous price.
func (s State) MarginalFairPrice(outcome domain.Outcome, size float64) (float64, error) {
	if size <= 0 || math.IsNaN(size) {
		return s.Price(outcome)
	}
	cost, err := s.CostToTrade(outcome, size)
	if err != nil {
		return 0, err
	}
	return cost / size, nil
}

// Trade returns the state after delta shares of outcome change hands.
func (s State) Trade(outcome domain.Outcome, delta float64) (State, error) {
	if err := s.check(outcome); err != nil {
		return State{}, err
	}
	next := s.Shares()
	next[outcome] += delta
	return New(s.b, next)
}

// SharesForCost finds how many shares of outcome a budget buys, by bisection
// on CostToTrade.
func (s State) SharesForCost(outcome domain.Outcome, budget float64) (float64, error) {
	if err := s.check(outcome); err != nil {
		return 0, err
	}
	if budget <= 0 || math.IsNaN(budget) {
		return 0, nil
	}
	// A share never costs more than 1, so the answer is at least budget.
	low, high := budget, budget
	for i := 0; i < 64; i++ {
		c, _ := s.CostToTrade(outcome, high)
		if c >= budget {
			break
		}
		high *= 2
	}
	for i := 0; i < 100; i++ {
		mid := (low + high) / 2
		c, _ := s.CostToTrade(outcome, mid)
		if math.Abs(c-budget) < 1e-9 {
			return mid, nil
		}
		if c < budget {
			low = mid
		} else {
			high = mid
		}
	}
	return (low + high) / 2, nil
}

func (s State) check(outcome domain.Outcome) error {
	if s.b <= 0 {
		return fmt.Errorf("lmsr: uninitialised state: %w", domain.ErrInvalidLiquidity)
	}
	if int(outcome) < 0 || int(outcome) >= len(s.shares) {
		return fmt.Errorf("lmsr: outcome %d of %d: %w", outcome, len(s.shares), domain.ErrInvalidOutcome)
	}
	return nil
}

// logPrice is the log-softmax of outcome i.
func (s State) logPrice(i int) float64 {
	return s.shares[i]/s.b - logSumExp(s.shares, s.b)
}

// logSumExp returns ln(sum_i exp(q_i/b)).
func logSumExp(q []float64, b float64) float64 {
	m := maxOf(q)
	sum := 0.0
	for _, v := range q {
		sum += math.Exp((v - m) / b)
	}
	return m/b + math.Log(sum)
}

func maxOf(q []float64) float64 {
	m := math.Inf(-1)
	for _, v := range q {
		if v > m {
			m = v
		}
	}
	return m
}
