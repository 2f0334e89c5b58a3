package engine

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Observer receives engine events. Calls are made from asset workers, so
// implementations must return quickly and must not block.
type Observer interface {
	OnDecision(d domain.Decision)
	OnStatus(s domain.AssetStatus)
	OnDivergence(snap domain.MarketSnapshot)
	OnBreakerTrip(asset domain.Asset, windows []domain.Window)
	OnFill(rec domain.FillRecord)
	OnRejection(r domain.Rejection)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnDecision(domain.Decision)                  {}
func (NopObserver) OnStatus(domain.AssetStatus)                 {}
func (NopObserver) OnDivergence(domain.MarketSnapshot)          {}
func (NopObserver) OnBreakerTrip(domain.Asset, []domain.Window) {}
func (NopObserver) OnFill(domain.FillRecord)                    {}
func (NopObserver) OnRejection(domain.Rejection)                {}

// Multi fans every event out to each observer in order.
type Multi []Observer

func (m Multi) OnDecision(d domain.Decision) {
	for _, o := range m {
		o.OnDecision(d)
	}
}

func (m Multi) OnStatus(s domain.AssetStatus) {
	for _, o := range m {
		o.OnStatus(s)
	}
}

func (m Multi) OnDivergence(snap domain.MarketSnapshot) {
	for _, o := range m {
		o.OnDivergence(snap)
	}
}

func (m Multi) OnBreakerTrip(asset domain.Asset, windows []domain.Window) {
	for _, o := range m {
		o.OnBreakerTrip(asset, windows)
	}
}

func (m Multi) OnFill(rec domain.FillRecord) {
	for _, o := range m {
		o.OnFill(rec)
	}
}

func (m Multi) OnRejection(r domain.Rejection) {
	for _, o := range m {
		o.OnRejection(r)
	}
}

// StatusBoard keeps the latest status of every asset and a bounded history
// of decisions that produced an intent. It backs the HTTP status API.
type StatusBoard struct {
	NopObserver

	mu       sync.RWMutex
	statuses map[domain.Asset]domain.AssetStatus
	recent   []domain.Decision
	limit    int
}

// NewStatusBoard creates a board remembering up to limit trading decisions.
func NewStatusBoard(limit int) *StatusBoard {
	if limit <= 0 {
		limit = 200
	}
	return &StatusBoard{
		statuses: make(map[domain.Asset]domain.AssetStatus),
		limit:    limit,
	}
}

func (b *StatusBoard) OnStatus(s domain.AssetStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[s.Asset] = s
}

func (b *StatusBoard) OnDecision(d domain.Decision) {
	if d.Intent == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, d)
	if overflow := len(b.recent) - b.limit; overflow > 0 {
		b.recent = append([]domain.Decision(nil), b.recent[overflow:]...)
	}
}

// Status returns the latest status of one asset.
func (b *StatusBoard) Status(asset domain.Asset) (domain.AssetStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[asset]
	return s, ok
}

// All returns every asset status sorted by asset.
func (b *StatusBoard) All() []domain.AssetStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.AssetStatus, 0, len(b.statuses))
	for _, s := range b.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Recent returns up to limit trading decisions, newest first.
func (b *StatusBoard) Recent(limit int) []domain.Decision {
	if limit <= 0 {
		limit = 20
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.Decision, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.recent[i])
	}
	return out
}
