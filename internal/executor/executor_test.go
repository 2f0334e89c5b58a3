package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/fees"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intent(id string, strategy domain.Strategy) domain.TradeIntent {
	in := domain.NewTradeIntent("BTC", domain.SideBuy, domain.OutcomeYes, 100, 0.5, strategy, 0.05, time.Now())
	in.ID = id
	return in
}

func nextReport(t *testing.T, e *Executor) domain.ExecutionReport {
	t.Helper()
	select {
	case r := <-e.Reports():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no execution report")
		return domain.ExecutionReport{}
	}
}

func start(t *testing.T, e *Executor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC)
	d.nowFunc = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("b"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.IsDuplicate("a"))
}

func TestPaperFillsMakerWithRebate(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{}, discard())
	start(t, e)

	require.NoError(t, e.Submit(context.Background(), intent("i-1", domain.StrategyMaker)))
	r := nextReport(t, e)
	require.NotNil(t, r.Fill)
	assert.Equal(t, "i-1", r.Fill.IntentID)
	assert.InDelta(t, 0.5, r.Fill.Price, 1e-12)
	assert.InDelta(t, 100, r.Fill.Size, 1e-12)
	assert.InDelta(t, -0.2, r.Fill.Fee, 1e-12)
	assert.Equal(t, domain.Asset("BTC"), r.Asset())
	assert.Equal(t, uint64(1), e.Placed())
}

func TestPaperFillsTakerWithFee(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{}, discard())
	start(t, e)

	require.NoError(t, e.Submit(context.Background(), intent("i-2", domain.StrategyTaker)))
	r := nextReport(t, e)
	require.NotNil(t, r.Fill)
	// 0.25 * 0.25^2 per share at p = 0.5
	assert.InDelta(t, 1.5625, r.Fill.Fee, 1e-9)
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{}, discard())
	in := intent("dup", domain.StrategyMaker)

	require.NoError(t, e.Submit(context.Background(), in))
	err := e.Submit(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSubmitQueueFull(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{QueueSize: 1}, discard())

	require.NoError(t, e.Submit(context.Background(), intent("a", domain.StrategyMaker)))
	err := e.Submit(context.Background(), intent("b", domain.StrategyMaker))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestExpiredIntentRejected(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{IntentTTL: time.Second}, discard())
	start(t, e)

	in := intent("old", domain.StrategyMaker)
	in.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, e.Submit(context.Background(), in))

	r := nextReport(t, e)
	require.NotNil(t, r.Rejection)
	assert.Equal(t, ReasonExpired, r.Rejection.Reason)
	assert.Equal(t, "old", r.Rejection.IntentID)
}

func TestInvalidIntentRejectedWithoutTrippingBreaker(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{BreakerFailures: 1}, discard())
	start(t, e)

	in := intent("bad", domain.StrategyMaker)
	in.LimitPrice = 1.2
	require.NoError(t, e.Submit(context.Background(), in))

	r := nextReport(t, e)
	require.NotNil(t, r.Rejection)
	assert.Contains(t, r.Rejection.Reason, "invalid price")
	assert.Equal(t, gobreaker.StateClosed, e.BreakerState())
}

type failingVenue struct {
	mu    sync.Mutex
	calls int
}

func (f *failingVenue) Name() string { return "failing" }

func (f *failingVenue) Place(context.Context, domain.TradeIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("gateway timeout")
}

func (f *failingVenue) Run(ctx context.Context, _ chan<- domain.ExecutionReport) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	venue := &failingVenue{}
	var transitions []gobreaker.State
	var mu sync.Mutex
	e := New(venue, Options{
		BreakerFailures: 2,
		BreakerTimeout:  time.Hour,
		OnBreakerChange: func(_ string, _, to gobreaker.State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}, discard())
	start(t, e)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, e.Submit(ctx, intent(id, domain.StrategyMaker)))
	}

	reasons := []string{
		nextReport(t, e).Rejection.Reason,
		nextReport(t, e).Rejection.Reason,
		nextReport(t, e).Rejection.Reason,
	}
	assert.Equal(t, "gateway timeout", reasons[0])
	assert.Equal(t, "gateway timeout", reasons[1])
	assert.Equal(t, ReasonCircuitOpen, reasons[2])
	assert.Equal(t, 2, venue.calls)
	assert.Equal(t, gobreaker.StateOpen, e.BreakerState())
	assert.Equal(t, uint64(3), e.Rejected())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestRateLimitSpacesPlacements(t *testing.T) {
	e := New(NewPaperVenue(fees.Standard(), discard()), Options{MinInterval: 50 * time.Millisecond}, discard())
	start(t, e)

	ctx := context.Background()
	begin := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, e.Submit(ctx, intent(id, domain.StrategyMaker)))
	}
	for range 3 {
		require.NotNil(t, nextReport(t, e).Fill)
	}
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)
}

type fakeBus struct {
	mu       sync.Mutex
	appended map[string][][]byte
	pending  []domain.StreamMessage
	reads    []string
	err      error
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (f *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.appended == nil {
		f.appended = make(map[string][][]byte)
	}
	f.appended[stream] = append(f.appended[stream], payload)
	return nil
}

func (f *fakeBus) StreamRead(ctx context.Context, _ string, lastID string, _ int, block time.Duration) ([]domain.StreamMessage, error) {
	f.mu.Lock()
	f.reads = append(f.reads, lastID)
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return msgs, nil
}

func TestStreamVenuePlaceAndReports(t *testing.T) {
	bus := &fakeBus{}
	v := NewStreamVenue(bus, "exec:intents", "exec:reports", discard())
	v.nowFunc = func() time.Time { return time.UnixMilli(1700000000000) }

	in := intent("s-1", domain.StrategyMaker)
	require.NoError(t, v.Place(context.Background(), in))
	require.Len(t, bus.appended["exec:intents"], 1)
	var sent domain.TradeIntent
	require.NoError(t, json.Unmarshal(bus.appended["exec:intents"][0], &sent))
	assert.Equal(t, "s-1", sent.ID)

	fill, err := json.Marshal(domain.ExecutionReport{Fill: &domain.Fill{ID: "f-1", IntentID: "s-1", Asset: "BTC"}})
	require.NoError(t, err)
	bus.mu.Lock()
	bus.pending = []domain.StreamMessage{
		{ID: "1700000000001-0", Payload: []byte("not json")},
		{ID: "1700000000002-0", Payload: fill},
	}
	bus.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.ExecutionReport, 1)
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, out) }()

	select {
	case r := <-out:
		require.NotNil(t, r.Fill)
		assert.Equal(t, "f-1", r.Fill.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
	}

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.reads) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, "1700000000000-0", bus.reads[0])
	assert.Equal(t, "1700000000002-0", bus.reads[1])
}

func TestStreamVenuePlaceFailure(t *testing.T) {
	bus := &fakeBus{err: errors.New("redis down")}
	v := NewStreamVenue(bus, "exec:intents", "exec:reports", discard())

	err := v.Place(context.Background(), intent("x", domain.StrategyTaker))
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}
