package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/engine"
)

const (
	alertQueueSize = 64
	sendTimeout    = 15 * time.Second
)

type alert struct {
	event   string
	title   string
	message string
}

// Alerts turns engine events into notifications. Observer callbacks only
// enqueue; delivery happens on Run's goroutine so a slow webhook never
// stalls a worker. Repeated alerts for the same asset and event are
// suppressed for the cooldown.
type Alerts struct {
	engine.NopObserver

	notifier *Notifier
	queue    chan alert
	cooldown time.Duration
	dropped  atomic.Uint64
	nowFunc  func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAlerts creates an alert observer delivering through n.
func NewAlerts(n *Notifier, cooldown time.Duration, logger *slog.Logger) *Alerts {
	return &Alerts{
		notifier: n,
		queue:    make(chan alert, alertQueueSize),
		cooldown: cooldown,
		nowFunc:  time.Now,
		logger:   logger.With(slog.String("component", "alerts")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (a *Alerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case al := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := a.notifier.Notify(sendCtx, al.event, al.title, al.message); err != nil {
				a.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("event", al.event),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
	}
}

// Dropped returns the number of alerts discarded because the queue was full.
func (a *Alerts) Dropped() uint64 { return a.dropped.Load() }

// StartupFailure delivers err synchronously; the process is about to exit.
func (a *Alerts) StartupFailure(ctx context.Context, err error) error {
	return a.notifier.Notify(ctx, EventError, "lmsrbot failed to start", err.Error())
}

// OnBreakerTrip implements engine.Observer.
func (a *Alerts) OnBreakerTrip(asset domain.Asset, windows []domain.Window) {
	names := make([]string, len(windows))
	for i, w := range windows {
		names[i] = string(w)
	}
	a.enqueue(string(asset), alert{
		event:   EventBreakerTripped,
		title:   fmt.Sprintf("Circuit breaker tripped: %s", asset),
		message: fmt.Sprintf("Loss limit hit on window(s) %s. New intents are blocked until the window resets.", strings.Join(names, ", ")),
	})
}

// OnDivergence implements engine.Observer.
func (a *Alerts) OnDivergence(snap domain.MarketSnapshot) {
	a.enqueue(string(snap.Asset), alert{
		event: EventDivergence,
		title: fmt.Sprintf("Feed divergence: %s", snap.Asset),
		message: fmt.Sprintf("Primary %.2f vs cross %.2f (%.2f%%). Trading continues on the primary feed.",
			snap.PrimaryPrice, snap.CrossPrice, snap.DivergencePct*100),
	})
}

// OnFill implements engine.Observer. Fills are never suppressed.
func (a *Alerts) OnFill(rec domain.FillRecord) {
	a.enqueue("", alert{
		event: EventOrderFilled,
		title: fmt.Sprintf("Filled: %s %s %s", rec.Asset, strings.ToUpper(string(rec.Side)), strings.ToUpper(rec.Outcome.String())),
		message: fmt.Sprintf("%.2f @ %.4f (%s), fee %.4f, edge %.4f, realized P&L %.4f",
			rec.Size, rec.Price, rec.Strategy, rec.Fee, rec.Edge, rec.RealizedPnL),
	})
}

// OnRejection implements engine.Observer.
func (a *Alerts) OnRejection(r domain.Rejection) {
	a.enqueue(string(r.Asset), alert{
		event:   EventRejected,
		title:   fmt.Sprintf("Intent rejected: %s", r.Asset),
		message: fmt.Sprintf("Intent %s: %s", r.IntentID, r.Reason),
	})
}

// enqueue drops alerts that are filtered, cooling down or overflow the
// queue. An empty key disables the cooldown.
func (a *Alerts) enqueue(key string, al alert) {
	if !a.notifier.Enabled() || !a.notifier.Wants(al.event) {
		return
	}
	if key != "" && a.cooldown > 0 && !a.allow(al.event+":"+key) {
		return
	}
	select {
	case a.queue <- al:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("alert queue full, dropping", slog.String("event", al.event), slog.Uint64("dropped", n))
		}
	}
}

func (a *Alerts) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(a.cooldown), 1)
		a.limiters[key] = l
	}
	return l.AllowN(a.nowFunc(), 1)
}

var _ engine.Observer = (*Alerts)(nil)
