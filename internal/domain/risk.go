package domain

import "time"

// Window names a loss-tracking window of the risk manager.
type Window string

const (
	WindowTrade Window = "trade"
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
)

// Windows lists every window in evaluation order.
var Windows = []Window{WindowTrade, WindowHour, WindowDay}

// BreakerStatus is the circuit-breaker state of a window.
type BreakerStatus string

const (
	BreakerArmed   BreakerStatus = "armed"
	BreakerTripped BreakerStatus = "tripped"
)

// WindowState is the rolling counter of one window.
type WindowState struct {
	Window Window    `json:"window"`
	Start  time.Time `json:"start"`
	// PnL is realized P&L accumulated since Start; losses are negative.
	PnL       float64       `json:"pnl"`
	Status    BreakerStatus `json:"status"`
	TrippedAt time.Time     `json:"tripped_at"`
}

// Loss is the net realized loss in the window, never negative.
func (w WindowState) Loss() float64 {
	if w.PnL >= 0 {
		return 0
	}
	return -w.PnL
}

// RiskState is the persisted state of one asset's risk manager.
type RiskState struct {
	Windows           []WindowState `json:"windows"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	CooldownUntil     time.Time     `json:"cooldown_until"`
	LastTripAt        time.Time     `json:"last_trip_at"`
}

// VerdictKind is the outcome of a risk evaluation.
type VerdictKind string

const (
	VerdictApproved VerdictKind = "approved"
	VerdictClipped  VerdictKind = "clipped"
	VerdictRejected VerdictKind = "rejected"
)

// Verdict is returned by the risk manager for a candidate trade. Rejection
// is a decision outcome, not an error.
type Verdict struct {
	Kind VerdictKind `json:"kind"`
	// Size is the approved (possibly clipped) size; zero when rejected.
	Size   float64 `json:"size"`
	Reason string  `json:"reason"`
	// Binding names the window that clipped or rejected the candidate.
	Binding Window `json:"binding"`
}

// Allowed reports whether the verdict permits a trade.
func (v Verdict) Allowed() bool {
	return v.Kind != VerdictRejected && v.Size > 0
}
