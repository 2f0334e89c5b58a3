package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type fakeExecutor struct {
	mu      sync.Mutex
	intents []domain.TradeIntent
	err     error
	reports chan domain.ExecutionReport
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{reports: make(chan domain.ExecutionReport, 16)}
}

func (f *fakeExecutor) Submit(_ context.Context, intent domain.TradeIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.intents = append(f.intents, intent)
	return nil
}

func (f *fakeExecutor) Reports() <-chan domain.ExecutionReport { return f.reports }

func (f *fakeExecutor) Intents() []domain.TradeIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TradeIntent(nil), f.intents...)
}

type memStore struct {
	mu    sync.Mutex
	snaps map[domain.Asset]domain.EngineSnapshot
	saves int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[domain.Asset]domain.EngineSnapshot)}
}

func (s *memStore) Save(_ context.Context, snap domain.EngineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Asset] = snap
	s.saves++
	return nil
}

func (s *memStore) Latest(_ context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[asset]
	if !ok {
		return domain.EngineSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (s *memStore) get(asset domain.Asset) (domain.EngineSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[asset]
	return snap, ok
}

type memFills struct {
	mu   sync.Mutex
	recs []domain.FillRecord
}

func (m *memFills) Append(_ context.Context, rec domain.FillRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memFills) List(_ context.Context, asset domain.Asset, _ domain.ListOpts) ([]domain.FillRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FillRecord
	for _, r := range m.recs {
		if r.Asset == asset {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memFills) RealizedSince(_ context.Context, asset domain.Asset, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, r := range m.recs {
		if r.Asset == asset && !r.FilledAt.Before(since) {
			total += r.RealizedPnL
		}
	}
	return total, nil
}

func (m *memFills) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type recorder struct {
	mu          sync.Mutex
	decisions   []domain.Decision
	divergences []domain.MarketSnapshot
	trips       [][]domain.Window
	fills       []domain.FillRecord
	rejections  []domain.Rejection
	statuses    int
}

func (r *recorder) OnDecision(d domain.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) OnStatus(domain.AssetStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses++
}

func (r *recorder) OnDivergence(snap domain.MarketSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.divergences = append(r.divergences, snap)
}

func (r *recorder) OnBreakerTrip(_ domain.Asset, windows []domain.Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips = append(r.trips, windows)
}

func (r *recorder) OnFill(rec domain.FillRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, rec)
}

func (r *recorder) OnRejection(rej domain.Rejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, rej)
}

func (r *recorder) lastDecision() domain.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == 0 {
		return domain.Decision{}
	}
	return r.decisions[len(r.decisions)-1]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// testConfig is a single probability-denominated BTC market with b=100 and
// a reference size small enough that slippage is negligible.
func testConfig(capital float64) config.Config {
	cfg := config.Defaults()
	cfg.Engine.ReferenceSize = 0.001
	cfg.Markets = []config.MarketConfig{{
		Asset:      "BTC",
		Name:       "BTC up",
		YesTokenID: "yes-token",
		NoTokenID:  "no-token",
		Liquidity:  100,
		Active:     true,
		Capital:    ptr(capital),
	}}
	return cfg
}
