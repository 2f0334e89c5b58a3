package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func upd(src domain.FeedSource, price float64, at time.Time) domain.PriceUpdate {
	return domain.PriceUpdate{Asset: "BTC", Price: price, Timestamp: at, Source: src}
}

func foldAll(us ...domain.PriceUpdate) State {
	s := State{Asset: "BTC"}
	for _, u := range us {
		s, _ = Fold(s, u)
	}
	return s
}

func TestFoldCommutes(t *testing.T) {
	a := upd(domain.SourcePrimary, 50_000, t0)
	b := upd(domain.SourceCross, 50_300, t0.Add(20*time.Millisecond))
	c := upd(domain.SourcePrimary, 50_010, t0.Add(40*time.Millisecond))
	d := upd(domain.SourceCross, 50_020, t0.Add(10*time.Millisecond))

	now := t0.Add(time.Second)
	want := foldAll(a, b, c, d).Snapshot(now, DefaultDivergenceThreshold)

	orders := [][]domain.PriceUpdate{
		{d, c, b, a},
		{b, a, d, c},
		{c, a, d, b},
		{a, d, b, c},
	}
	for _, order := range orders {
		got := foldAll(order...).Snapshot(now, DefaultDivergenceThreshold)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 50_010.0, want.PrimaryPrice)
	assert.Equal(t, 50_300.0, want.CrossPrice)
}

func TestFoldSameTimestampTieBreak(t *testing.T) {
	x := upd(domain.SourcePrimary, 0.55, t0)
	y := upd(domain.SourcePrimary, 0.56, t0)
	assert.Equal(t, foldAll(x, y).Primary, foldAll(y, x).Primary)
}

func TestFoldIgnoresOtherInput(t *testing.T) {
	s := State{Asset: "BTC"}
	for _, u := range []domain.PriceUpdate{
		{Asset: "ETH", Price: 3000, Timestamp: t0, Source: domain.SourcePrimary},
		{Asset: "BTC", Price: -1, Timestamp: t0, Source: domain.SourcePrimary},
		{Asset: "BTC", Price: 0.5, Timestamp: t0, Source: domain.SourceMarket},
		{Asset: "BTC", Price: 50_000, Source: domain.SourcePrimary},
	} {
		next, changed := Fold(s, u)
		assert.False(t, changed)
		assert.Equal(t, s, next)
	}
}

func TestDivergenceFlag(t *testing.T) {
	s := foldAll(
		upd(domain.SourcePrimary, 100, t0),
		upd(domain.SourceCross, 103, t0),
	)
	snap := s.Snapshot(t0, DefaultDivergenceThreshold)
	assert.InDelta(t, 0.03, snap.DivergencePct, 1e-12)
	assert.True(t, snap.Diverged)

	s, _ = Fold(s, upd(domain.SourceCross, 101.5, t0.Add(time.Millisecond)))
	snap = s.Snapshot(t0, DefaultDivergenceThreshold)
	assert.InDelta(t, 0.015, snap.DivergencePct, 1e-12)
	assert.False(t, snap.Diverged)
}

func TestStaleValuesRetainedWithAge(t *testing.T) {
	s := foldAll(
		upd(domain.SourcePrimary, 100, t0),
		upd(domain.SourceCross, 100.5, t0.Add(-time.Minute)),
	)
	snap := s.Snapshot(t0.Add(2*time.Second), DefaultDivergenceThreshold)
	require.True(t, snap.HasCross)
	assert.Equal(t, 100.5, snap.CrossPrice)
	assert.Equal(t, 62*time.Second, snap.CrossAge)
	assert.Equal(t, 2*time.Second, snap.PrimaryAge)
}

func TestCrossOnlySnapshot(t *testing.T) {
	snap := foldAll(upd(domain.SourceCross, 99, t0)).Snapshot(t0, DefaultDivergenceThreshold)
	assert.False(t, snap.HasPrimary())
	assert.True(t, snap.HasCross)
	assert.Zero(t, snap.DivergencePct)
}

func TestAggregatorApply(t *testing.T) {
	a := New("BTC", 0)
	snap, ok := a.Apply(upd(domain.SourcePrimary, 100, t0), t0)
	require.True(t, ok)
	assert.Equal(t, 100.0, snap.PrimaryPrice)

	_, ok = a.Apply(upd(domain.SourcePrimary, 99, t0.Add(-time.Second)), t0)
	assert.False(t, ok, "older tick must not produce a snapshot")

	a.SetThreshold(0.5)
	snap, ok = a.Apply(upd(domain.SourceCross, 130, t0), t0)
	require.True(t, ok)
	assert.False(t, snap.Diverged)
	assert.Equal(t, 100.0, snap.PrimaryPrice)
}

func TestSnapshotIgnoresRejectedTicks(t *testing.T) {
	x := upd(domain.SourcePrimary, 100, t0)
	y := upd(domain.SourcePrimary, 101, t0.Add(time.Millisecond))
	now := t0.Add(time.Second)

	forward, reverse := New("BTC", 0), New("BTC", 0)
	for _, u := range []domain.PriceUpdate{x, y} {
		forward.Apply(u, now)
	}
	for _, u := range []domain.PriceUpdate{y, x} {
		reverse.Apply(u, now)
	}
	assert.Equal(t, forward.Snapshot(now), reverse.Snapshot(now))
	assert.Equal(t, forward.State(), reverse.State())
}
