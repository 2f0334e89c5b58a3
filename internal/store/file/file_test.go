package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, dir
}

func TestSnapshotSaveAndLatest(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()

	_, err := s.Latest(ctx, "BTC")
	require.ErrorIs(t, err, domain.ErrNotFound)

	snap := domain.EngineSnapshot{
		Asset:         "btc",
		Version:       7,
		ConfigVersion: 2,
		TakenAt:       time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC),
		Belief:        domain.BeliefSummary{Alpha: 62, Beta: 38, LastPrice: 0.62, Updates: 5},
		Positions:     []domain.Position{{Asset: "BTC", Outcome: domain.OutcomeYes, Size: 100, AvgEntry: 0.55}},
		CumulativePnL: 1.25,
	}
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	snap.Version = 8
	require.NoError(t, s.Save(ctx, snap))
	got, err = s.Latest(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got.Version)

	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "BTC.json", entries[0].Name())
}

func TestLatestCorruptFile(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state", "BTC.json"), []byte("{"), 0o644))

	_, err := s.Latest(context.Background(), "BTC")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func fill(id string, asset domain.Asset, pnl float64, at time.Time) domain.FillRecord {
	return domain.FillRecord{
		Fill: domain.Fill{
			ID:       id,
			IntentID: "intent-" + id,
			Asset:    asset,
			Side:     domain.SideBuy,
			Outcome:  domain.OutcomeYes,
			Size:     10,
			Price:    0.5,
			Strategy: domain.StrategyMaker,
			FilledAt: at,
		},
		RealizedPnL: pnl,
	}
}

func TestFillLogAppendListRealized(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, fill("a", "BTC", -2, day1)))
	require.NoError(t, s.Append(ctx, fill("b", "ETH", 5, day2)))
	require.NoError(t, s.Append(ctx, fill("c", "BTC", 3, day2)))
	require.NoError(t, s.Append(ctx, fill("d", "BTC", -1, day2.Add(time.Hour))))

	files, err := s.DayFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "fills", "2026-03-01.jsonl"), files[0])

	all, err := s.List(ctx, "BTC", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	page, err := s.List(ctx, "BTC", domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	total, err := s.RealizedSince(ctx, "BTC", since)
	require.NoError(t, err)
	assert.InDelta(t, 2, total, 1e-12)

	total, err = s.RealizedSince(ctx, "BTC", day1.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0, total, 1e-12)
}

func TestFillLogSkipsTornLine(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, fill("a", "BTC", 1, at)))

	f, err := os.OpenFile(filepath.Join(dir, "fills", "2026-03-02.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"b","asset":"BT`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := s.List(ctx, "BTC", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.True(t, s.Healthy())
}
