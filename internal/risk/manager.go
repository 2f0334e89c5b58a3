// Package risk enforces the per-trade, hourly and daily loss circuit
// breakers that gate every outgoing trade.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Limits configures a Manager. Percentages are fractions of Capital.
type Limits struct {
	// Capital is the capital allocated to the asset.
	Capital  float64
	TradePct float64
	HourPct  float64
	DayPct   float64
	// TradeWindow is how long the per-trade window stays open after the
	// first P&L recorded in it.
	TradeWindow time.Duration
	// MaxConsecutiveLosses starts a cooldown when reached. Zero disables it.
	MaxConsecutiveLosses int
	Cooldown             time.Duration
	// MinTradeSize rejects candidates clipped below this size.
	MinTradeSize float64
}

// DefaultLimits returns 5%/10%/30% windows on the given capital.
func DefaultLimits(capital float64) Limits {
	return Limits{
		Capital:              capital,
		TradePct:             0.05,
		HourPct:              0.10,
		DayPct:               0.30,
		TradeWindow:          5 * time.Minute,
		MaxConsecutiveLosses: 5,
		Cooldown:             5 * time.Minute,
		MinTradeSize:         1,
	}
}

// Candidate is a trade awaiting approval.
type Candidate struct {
	Size float64
	// WorstCaseLoss is the cash lost if the trade goes fully against us.
	WorstCaseLoss float64
}

// Rejection reasons.
const (
	ReasonTripped   = "window_tripped"
	ReasonCooldown  = "consecutive_loss_cooldown"
	ReasonExhausted = "budget_exhausted"
	ReasonBelowMin  = "below_min_size"
	ReasonInvalid   = "invalid_candidate"
)

// Manager is the single owner of one asset's RiskState. All methods are safe
// for concurrent use; evaluation and P&L updates are linearized.
type Manager struct {
	mu      sync.Mutex
	limits  Limits
	state   domain.RiskState
	nowFunc func() time.Time
}

// NewManager creates an armed manager.
func NewManager(limits Limits) *Manager {
	return NewManagerWithClock(limits, time.Now)
}

// NewManagerWithClock creates an armed manager that reads time from now.
func NewManagerWithClock(limits Limits, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{limits: limits, nowFunc: now}
	m.state.Windows = make([]domain.WindowState, len(domain.Windows))
	for i, w := range domain.Windows {
		m.state.Windows[i] = domain.WindowState{Window: w, Status: domain.BreakerArmed}
	}
	m.roll(m.nowFunc())
	return m
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SetLimits swaps limits. A window whose loss already reaches its new limit
// trips; tripped windows stay tripped until rollover.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
	now := m.nowFunc()
	m.roll(now)
	for i := range m.state.Windows {
		m.tripIfBreached(&m.state.Windows[i], now)
	}
}

// Evaluate approves, clips or rejects a candidate. Size is scaled down to
// the largest size whose worst-case loss fits the tightest window budget.
func (m *Manager) Evaluate(c Candidate) domain.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	m.roll(now)

	if math.IsNaN(c.Size) || math.IsNaN(c.WorstCaseLoss) || c.Size <= 0 || c.WorstCaseLoss < 0 {
		return reject(ReasonInvalid, "")
	}
	if now.Before(m.state.CooldownUntil) {
		return reject(ReasonCooldown, "")
	}
	for _, w := range m.state.Windows {
		if w.Status == domain.BreakerTripped {
			return reject(ReasonTripped, w.Window)
		}
	}

	scale := 1.0
	var binding domain.Window
	for _, w := range m.state.Windows {
		remaining := m.limit(w.Window) - w.Loss()
		if remaining <= 0 {
			return reject(ReasonExhausted, w.Window)
		}
		if c.WorstCaseLoss > remaining {
			if s := remaining / c.WorstCaseLoss; s < scale {
				scale = s
				binding = w.Window
			}
		}
	}

	if scale >= 1 {
		return domain.Verdict{Kind: domain.VerdictApproved, Size: c.Size}
	}
	size := c.Size * scale
	if size < m.limits.MinTradeSize || size <= 0 {
		return reject(ReasonBelowMin, binding)
	}
	return domain.Verdict{
		Kind:    domain.VerdictClipped,
		Size:    size,
		Reason:  fmt.Sprintf("clipped by %s window", binding),
		Binding: binding,
	}
}

// RecordPnL folds realized P&L into every window at once. A window trips the
// moment its net loss reaches its limit. It returns the windows that tripped
// on this call.
func (m *Manager) RecordPnL(pnl float64) []domain.Window {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	m.roll(now)

	var tripped []domain.Window
	for i := range m.state.Windows {
		w := &m.state.Windows[i]
		if w.Start.IsZero() {
			w.Start = now
		}
		w.PnL += pnl
		if m.tripIfBreached(w, now) {
			tripped = append(tripped, w.Window)
		}
	}

	switch {
	case pnl < 0:
		m.state.ConsecutiveLosses++
		if n := m.limits.MaxConsecutiveLosses; n > 0 && m.state.ConsecutiveLosses >= n {
			m.state.CooldownUntil = now.Add(m.limits.Cooldown)
			m.state.LastTripAt = now
			m.state.ConsecutiveLosses = 0
		}
	case pnl > 0:
		m.state.ConsecutiveLosses = 0
	}
	return tripped
}

// SeedWindow sets the realized P&L of the current hour or day window, as
// rebuilt from the fill log when no snapshot survives a restart. The window
// trips if the seeded loss already reaches its limit; the return value
// reports that. The trade window and the loss streak are not seeded.
func (m *Manager) SeedWindow(w domain.Window, pnl float64) bool {
	if w == domain.WindowTrade || math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	m.roll(now)
	for i := range m.state.Windows {
		if ws := &m.state.Windows[i]; ws.Window == w {
			ws.PnL = pnl
			return m.tripIfBreached(ws, now)
		}
	}
	return false
}

// Remaining returns the unused loss budget of a window.
func (m *Manager) Remaining(w domain.Window) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll(m.nowFunc())
	for _, ws := range m.state.Windows {
		if ws.Window == w {
			return math.Max(0, m.limit(w)-ws.Loss())
		}
	}
	return 0
}

// Tripped reports whether any window is tripped or a cooldown is active.
func (m *Manager) Tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	m.roll(now)
	if now.Before(m.state.CooldownUntil) {
		return true
	}
	for _, w := range m.state.Windows {
		if w.Status == domain.BreakerTripped {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the state after applying rollovers.
func (m *Manager) Snapshot() domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll(m.nowFunc())
	out := m.state
	out.Windows = append([]domain.WindowState(nil), m.state.Windows...)
	return out
}

// Restore replaces the state with a persisted one. Windows that have rolled
// over since the snapshot reset immediately.
func (m *Manager) Restore(s domain.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := make(map[domain.Window]domain.WindowState, len(s.Windows))
	for _, w := range s.Windows {
		byName[w.Window] = w
	}
	for i, w := range domain.Windows {
		if saved, ok := byName[w]; ok {
			m.state.Windows[i] = saved
		}
	}
	m.state.ConsecutiveLosses = s.ConsecutiveLosses
	m.state.CooldownUntil = s.CooldownUntil
	m.state.LastTripAt = s.LastTripAt
	m.roll(m.nowFunc())
}

func (m *Manager) limit(w domain.Window) float64 {
	switch w {
	case domain.WindowTrade:
		return m.limits.TradePct * m.limits.Capital
	case domain.WindowHour:
		return m.limits.HourPct * m.limits.Capital
	case domain.WindowDay:
		return m.limits.DayPct * m.limits.Capital
	}
	return 0
}

func (m *Manager) tripIfBreached(w *domain.WindowState, now time.Time) bool {
	if w.Status == domain.BreakerTripped || w.Loss() < m.limit(w.Window) {
		return false
	}
	w.Status = domain.BreakerTripped
	w.TrippedAt = now
	m.state.LastTripAt = now
	return true
}

// roll resets windows whose boundary has passed. Hour and day windows are
// aligned to UTC; the trade window closes TradeWindow after it opened.
func (m *Manager) roll(now time.Time) {
	for i := range m.state.Windows {
		w := &m.state.Windows[i]
		switch w.Window {
		case domain.WindowTrade:
			if !w.Start.IsZero() && !now.Before(w.Start.Add(m.limits.TradeWindow)) {
				*w = domain.WindowState{Window: w.Window, Status: domain.BreakerArmed}
			}
		case domain.WindowHour:
			if start := now.UTC().Truncate(time.Hour); !w.Start.Equal(start) {
				*w = domain.WindowState{Window: w.Window, Start: start, Status: domain.BreakerArmed}
			}
		case domain.WindowDay:
			u := now.UTC()
			if start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC); !w.Start.Equal(start) {
				*w = domain.WindowState{Window: w.Window, Start: start, Status: domain.BreakerArmed}
			}
		}
	}
}

func reject(reason string, w domain.Window) domain.Verdict {
	return domain.Verdict{Kind: domain.VerdictRejected, Reason: reason, Binding: w}
}
