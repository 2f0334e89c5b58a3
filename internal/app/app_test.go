package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/notify"
	"github.com/alanyoungcy/lmsrbot/internal/store/file"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubValidator struct{ err error }

func (v stubValidator) Validate(context.Context) error { return v.err }

// spyFeed emits one tick per configured price and then idles.
type spyFeed struct {
	started atomic.Bool
	prices  []float64
}

func (f *spyFeed) Name() string { return "spy" }

func (f *spyFeed) Run(ctx context.Context, out chan<- domain.PriceUpdate) error {
	f.started.Store(true)
	for _, p := range f.prices {
		select {
		case out <- domain.PriceUpdate{Asset: "BTC", Price: p, Timestamp: time.Now(), Source: domain.SourcePrimary, Venue: "spy"}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "paper"
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Reload.Enabled = false
	cfg.Chain.Skip = true
	cfg.Markets = []config.MarketConfig{{
		Asset:      "BTC",
		Name:       "BTC up",
		YesTokenID: "yes-token",
		NoTokenID:  "no-token",
		Liquidity:  100,
		Active:     true,
	}}
	return &cfg
}

func testDeps(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	fs, err := file.New(t.TempDir(), discard())
	require.NoError(t, err)
	return &Dependencies{
		Snapshots: fs,
		Fills:     fs,
		Notifier:  notify.FromConfig(cfg.Notify, discard()),
	}
}

func TestTradeModeStopsOnFailedValidation(t *testing.T) {
	cfg := testConfig()
	deps := testDeps(t, cfg)
	feed := &spyFeed{}
	deps.Feeds = []domain.PriceFeed{feed}
	deps.Validator = stubValidator{err: fmt.Errorf("chain: usdc: %w", domain.ErrContractMissing)}

	a := New(cfg, "", discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.TradeMode(ctx, deps, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContractMissing)
	assert.False(t, feed.started.Load(), "feeds must not start before validation passes")
}

func TestTradeModeRunsPipelineAndFlushesState(t *testing.T) {
	cfg := testConfig()
	deps := testDeps(t, cfg)
	feed := &spyFeed{prices: []float64{0.61, 0.62}}
	deps.Feeds = []domain.PriceFeed{feed}
	deps.Validator = stubValidator{}

	a := New(cfg, "", discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.TradeMode(ctx, deps, true) }()

	require.Eventually(t, feed.started.Load, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trade mode did not stop after cancel")
	}

	snap, err := deps.Snapshots.Latest(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.Asset("BTC"), snap.Asset)
}

func TestTradeModeNeedsGatewayForLiveVenue(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "trade"
	cfg.Executor.Venue = "redis"
	deps := testDeps(t, cfg)

	err := New(cfg, "", discard()).TradeMode(context.Background(), deps, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestValidateMode(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, "", discard())

	require.NoError(t, a.ValidateMode(context.Background(), &Dependencies{}))
	require.NoError(t, a.ValidateMode(context.Background(), &Dependencies{Validator: stubValidator{}}))

	err := a.ValidateMode(context.Background(), &Dependencies{
		Validator: stubValidator{err: domain.ErrContractMissing},
	})
	assert.ErrorIs(t, err, domain.ErrContractMissing)
}

func TestRunValidateModeWithoutChain(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "validate"
	a := New(cfg, "", discard())
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "backtest"
	a := New(cfg, "", discard())
	defer a.Close()

	assert.Error(t, a.Run(context.Background()))
}

func TestNeedsStores(t *testing.T) {
	assert.True(t, needsStores("trade"))
	assert.True(t, needsStores("PAPER"))
	assert.False(t, needsStores("validate"))
}
