package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/cache/redis"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/engine"
)

// sharedPublisher mirrors worker state into Redis for dashboards and standby
// instances: the latest status per asset goes to the status cache and every
// decision that produced an intent is published on the decision channel.
// Callbacks never block; statuses coalesce per asset and decisions beyond
// the buffer are dropped.
type sharedPublisher struct {
	engine.NopObserver

	status domain.StatusCache
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[domain.Asset]domain.AssetStatus
	wake    chan struct{}

	decisions chan domain.Decision
	failures  int
}

func newSharedPublisher(status domain.StatusCache, bus domain.SignalBus, logger *slog.Logger) *sharedPublisher {
	return &sharedPublisher{
		status:    status,
		bus:       bus,
		logger:    logger.With(slog.String("component", "shared_publisher")),
		pending:   make(map[domain.Asset]domain.AssetStatus),
		wake:      make(chan struct{}, 1),
		decisions: make(chan domain.Decision, 128),
	}
}

func (p *sharedPublisher) OnStatus(s domain.AssetStatus) {
	if p.status == nil {
		return
	}
	p.mu.Lock()
	p.pending[s.Asset] = s
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *sharedPublisher) OnDecision(d domain.Decision) {
	if p.bus == nil || d.Intent == nil {
		return
	}
	select {
	case p.decisions <- d:
	default:
	}
}

// Run writes to Redis until ctx is cancelled.
func (p *sharedPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.flushStatuses(ctx)
		case d := <-p.decisions:
			payload, err := json.Marshal(d)
			if err != nil {
				continue
			}
			p.report(ctx, "publish decision", p.bus.Publish(ctx, redis.ChannelDecisions, payload))
		}
	}
}

func (p *sharedPublisher) flushStatuses(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[domain.Asset]domain.AssetStatus, len(batch))
	p.mu.Unlock()

	for _, s := range batch {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		p.report(ctx, "set status", p.status.SetStatus(wctx, s))
		cancel()
	}
}

// report logs the first failure and every hundredth after it.
func (p *sharedPublisher) report(ctx context.Context, op string, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	p.failures++
	if p.failures == 1 || p.failures%100 == 0 {
		p.logger.WarnContext(ctx, op+" failed",
			slog.String("error", err.Error()),
			slog.Int("failures", p.failures),
		)
	}
}

// auditTrail records breaker trips and venue rejections in the audit store.
type auditTrail struct {
	engine.NopObserver

	store  domain.AuditStore
	events chan auditEvent
	logger *slog.Logger
}

type auditEvent struct {
	name   string
	detail map[string]any
}

func newAuditTrail(store domain.AuditStore, logger *slog.Logger) *auditTrail {
	return &auditTrail{
		store:  store,
		events: make(chan auditEvent, 64),
		logger: logger.With(slog.String("component", "audit")),
	}
}

func (a *auditTrail) OnBreakerTrip(asset domain.Asset, windows []domain.Window) {
	a.push("breaker_tripped", map[string]any{"asset": asset, "windows": windows})
}

func (a *auditTrail) OnRejection(r domain.Rejection) {
	a.push("intent_rejected", map[string]any{"asset": r.Asset, "intent_id": r.IntentID, "reason": r.Reason})
}

// Log records event synchronously. It is used for lifecycle events.
func (a *auditTrail) Log(ctx context.Context, event string, detail map[string]any) {
	if err := a.store.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (a *auditTrail) push(name string, detail map[string]any) {
	select {
	case a.events <- auditEvent{name: name, detail: detail}:
	default:
		a.logger.Warn("audit queue full, dropping event", slog.String("event", name))
	}
}

// Run drains queued events until ctx is cancelled.
func (a *auditTrail) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			a.Log(ctx, ev.name, ev.detail)
		}
	}
}
