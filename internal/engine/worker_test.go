package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/fees"
)

var t0 = time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC)

type harness struct {
	w       *worker
	exec    *fakeExecutor
	obs     *recorder
	clock   *fakeClock
	records chan domain.FillRecord
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	p, err := ParamsFor(config.Snapshot{Version: 1, Config: &cfg}, "BTC")
	require.NoError(t, err)

	h := &harness{
		exec:    newFakeExecutor(),
		obs:     &recorder{},
		clock:   newFakeClock(t0),
		records: make(chan domain.FillRecord, 16),
	}
	h.w = newWorker(p, 16, h.clock.Now, discard())
	h.w.exec = h.exec
	h.w.observer = h.obs
	h.w.records = h.records
	h.w.persist = make(chan domain.EngineSnapshot, 4)
	return h
}

// warm restores a belief already at alpha/(alpha+beta) whose last applied
// reference price is last.
func (h *harness) warm(alpha, beta, last float64) {
	h.w.restore(domain.EngineSnapshot{
		Asset:  "BTC",
		Belief: domain.BeliefSummary{Alpha: alpha, Beta: beta, LastPrice: last, Updates: 10},
	})
}

func (h *harness) tick(source domain.FeedSource, price float64) {
	h.w.handleTick(context.Background(), domain.PriceUpdate{
		Asset:     "BTC",
		Price:     price,
		Timestamp: h.clock.Now(),
		Source:    source,
	})
}

func TestScenarioMakerIntentOnEdge(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.62)

	h.tick(domain.SourceMarket, 0.55)
	require.Empty(t, h.obs.decisions, "no primary price yet")

	h.tick(domain.SourcePrimary, 0.62)
	d := h.obs.lastDecision()

	assert.Empty(t, d.Skipped)
	assert.False(t, d.BeliefApplied, "tick inside the debounce band")
	assert.InDelta(t, 0.62, d.BeliefMean, 1e-12)
	assert.Equal(t, domain.OutcomeYes, d.Outcome)
	assert.InDelta(t, 0.072, d.EdgeMaker, 1e-4)
	assert.Equal(t, domain.StrategyMaker, d.Strategy)
	assert.Greater(t, d.Stake, 0.0)
	assert.Equal(t, domain.VerdictApproved, d.Verdict.Kind)

	require.NotNil(t, d.Intent)
	intents := h.exec.Intents()
	require.Len(t, intents, 1)
	intent := intents[0]
	assert.Equal(t, d.Intent.ID, intent.ID)
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.Equal(t, domain.StrategyMaker, intent.Strategy)
	assert.InDelta(t, 0.55, intent.LimitPrice, 1e-4)
	assert.InDelta(t, 0.62, intent.FairValue, 1e-12)
	assert.Greater(t, intent.Size, 0.0)
	assert.Equal(t, PhaseIdle, h.w.phase)
}

func TestScenarioHourWindowClipsCandidate(t *testing.T) {
	h := newHarness(t, testConfig(1000))
	h.warm(62, 38, 0.62)

	// 95 of the 100 hourly budget is already gone.
	hour := t0.Truncate(time.Hour)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	h.w.risk.Restore(domain.RiskState{Windows: []domain.WindowState{
		{Window: domain.WindowHour, Start: hour, PnL: -95, Status: domain.BreakerArmed},
		{Window: domain.WindowDay, Start: day, PnL: -95, Status: domain.BreakerArmed},
	}})

	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)
	d := h.obs.lastDecision()

	require.NotNil(t, d.Intent)
	assert.Equal(t, domain.VerdictClipped, d.Verdict.Kind)
	assert.Equal(t, domain.WindowHour, d.Verdict.Binding)

	worst := fees.Standard().NetCost(domain.StrategyMaker, d.Intent.LimitPrice, d.Intent.Size)
	assert.InDelta(t, 5, worst, 1e-6, "clipped to the remaining hourly budget")
}

func TestScenarioDivergenceDiscountsButTrades(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.5)
	h.tick(domain.SourceMarket, 0.55)

	h.tick(domain.SourceCross, 0.618)
	assert.Equal(t, SkipStale, h.obs.lastDecision().Skipped, "cross alone is not tradable")

	h.tick(domain.SourcePrimary, 0.60)
	d := h.obs.lastDecision()

	require.Len(t, h.obs.divergences, 1)
	assert.True(t, h.obs.divergences[0].Diverged)
	assert.InDelta(t, 0.03, h.obs.divergences[0].DivergencePct, 1e-9)

	assert.True(t, d.BeliefApplied)
	assert.InDelta(t, 4/(1+0.03/0.02), d.BeliefWeight, 1e-9)
	assert.NotNil(t, d.Intent, "divergence never halts trading")

	ctrl := newHarness(t, testConfig(10000))
	ctrl.warm(62, 38, 0.5)
	ctrl.tick(domain.SourceMarket, 0.55)
	ctrl.tick(domain.SourcePrimary, 0.60)
	assert.Greater(t, ctrl.obs.lastDecision().BeliefWeight, d.BeliefWeight)
}

func TestSkipReasons(t *testing.T) {
	t.Run("no market", func(t *testing.T) {
		h := newHarness(t, testConfig(10000))
		h.tick(domain.SourcePrimary, 0.62)
		assert.Equal(t, SkipNoMarket, h.obs.lastDecision().Skipped)
	})

	t.Run("cold belief", func(t *testing.T) {
		cfg := testConfig(10000)
		cfg.Belief.EvidenceWeight = 0
		h := newHarness(t, cfg)
		h.tick(domain.SourceMarket, 0.55)
		h.tick(domain.SourcePrimary, 0.62)
		d := h.obs.lastDecision()
		assert.Equal(t, SkipBeliefCold, d.Skipped)
		assert.False(t, d.BeliefApplied)
	})

	t.Run("stale primary", func(t *testing.T) {
		h := newHarness(t, testConfig(10000))
		h.warm(62, 38, 0.62)
		h.tick(domain.SourcePrimary, 0.62)
		h.clock.Advance(10 * time.Second)
		h.tick(domain.SourceMarket, 0.55)
		assert.Equal(t, SkipStale, h.obs.lastDecision().Skipped)
		assert.Empty(t, h.exec.Intents())
	})

	t.Run("no edge", func(t *testing.T) {
		h := newHarness(t, testConfig(10000))
		h.warm(56, 44, 0.56)
		h.tick(domain.SourceMarket, 0.55)
		h.tick(domain.SourcePrimary, 0.56)
		d := h.obs.lastDecision()
		assert.Equal(t, SkipNoEdge, d.Skipped)
		assert.InDelta(t, 0.012, d.EdgeMaker, 1e-4)
	})

	t.Run("inactive", func(t *testing.T) {
		cfg := testConfig(10000)
		h := newHarness(t, cfg)
		h.warm(62, 38, 0.62)
		h.w.params.Market.Active = false
		h.tick(domain.SourceMarket, 0.55)
		h.tick(domain.SourcePrimary, 0.62)
		assert.Equal(t, SkipInactive, h.obs.lastDecision().Skipped)
	})

	t.Run("submit failure", func(t *testing.T) {
		h := newHarness(t, testConfig(10000))
		h.warm(62, 38, 0.62)
		h.exec.err = errors.New("venue down")
		h.tick(domain.SourceMarket, 0.55)
		h.tick(domain.SourcePrimary, 0.62)
		d := h.obs.lastDecision()
		assert.Equal(t, SkipSubmitFailed, d.Skipped)
		assert.Nil(t, d.Intent)
		assert.Empty(t, h.w.pending)
	})
}

func TestNoOutcomeWinsWhenBeliefIsBelowMarket(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(38, 62, 0.38)
	h.tick(domain.SourceMarket, 0.45)
	h.tick(domain.SourcePrimary, 0.38)

	d := h.obs.lastDecision()
	require.NotNil(t, d.Intent)
	assert.Equal(t, domain.OutcomeNo, d.Intent.Outcome)
	assert.InDelta(t, 0.55, d.Intent.LimitPrice, 1e-4)
	assert.InDelta(t, 0.62, d.Intent.FairValue, 1e-12)
}

func TestTakerOnlyWhenMakerDisabled(t *testing.T) {
	cfg := testConfig(10000)
	cfg.Markets[0].MakerEnabled = ptr(false)
	h := newHarness(t, cfg)
	h.warm(62, 38, 0.62)
	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)

	d := h.obs.lastDecision()
	require.NotNil(t, d.Intent)
	assert.Equal(t, domain.StrategyTaker, d.Intent.Strategy)
	// 0.07 gross minus the taker fee at p=0.55.
	assert.InDelta(t, 0.07-0.25*0.55*0.55*0.45*0.45, d.EdgeTaker, 1e-4)
}

func TestFillUpdatesPositionAndRisk(t *testing.T) {
	h := newHarness(t, testConfig(1000))
	h.warm(62, 38, 0.62)
	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)
	intent := h.exec.Intents()[0]

	ctx := context.Background()
	h.w.handleReport(ctx, domain.ExecutionReport{Fill: &domain.Fill{
		ID:      "f1", IntentID: intent.ID, Asset: "BTC", Side: domain.SideBuy,
		Outcome: domain.OutcomeYes, Size: 200, Price: 0.5, FilledAt: t0,
	}})
	rec := <-h.records
	assert.InDelta(t, intent.FairValue, rec.FairValue, 1e-12)
	assert.InDelta(t, intent.Edge, rec.Edge, 1e-12)
	assert.NotContains(t, h.w.pending, intent.ID, "fully filled")

	pos := h.w.positions[domain.OutcomeYes]
	require.NotNil(t, pos)
	assert.InDelta(t, 200, pos.Size, 1e-12)
	assert.InDelta(t, 10, pos.UnrealizedPnL, 1e-9, "marked at the 0.55 market price")

	// Closing at 0.2 realizes -60, past the 50 per-trade budget.
	h.w.handleReport(ctx, domain.ExecutionReport{Fill: &domain.Fill{
		ID:      "f2", IntentID: "manual", Asset: "BTC", Side: domain.SideSell,
		Outcome: domain.OutcomeYes, Size: 200, Price: 0.2, FilledAt: t0,
	}})
	rec = <-h.records
	assert.InDelta(t, -60, rec.RealizedPnL, 1e-9)
	assert.InDelta(t, -60, h.w.cumPnL, 1e-9)
	require.Len(t, h.obs.trips, 1)
	assert.Equal(t, []domain.Window{domain.WindowTrade}, h.obs.trips[0])
	assert.True(t, h.w.risk.Tripped())

	h.tick(domain.SourcePrimary, 0.70)
	assert.Equal(t, SkipRiskRejected, h.obs.lastDecision().Skipped)
}

func TestRejectionDropsPendingIntent(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.62)
	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)
	intent := h.exec.Intents()[0]
	require.Contains(t, h.w.pending, intent.ID)

	h.w.handleReport(context.Background(), domain.ExecutionReport{Rejection: &domain.Rejection{
		IntentID: intent.ID, Asset: "BTC", Reason: "post-only would cross", At: t0,
	}})
	assert.NotContains(t, h.w.pending, intent.ID)
	require.Len(t, h.obs.rejections, 1)

	// The next cycle is unaffected.
	h.tick(domain.SourcePrimary, 0.64)
	assert.NotNil(t, h.obs.lastDecision().Intent)
}

func TestStagedConfigAppliesAtCycleBoundary(t *testing.T) {
	cfg := testConfig(10000)
	h := newHarness(t, cfg)
	h.warm(62, 38, 0.62)

	next := testConfig(10000)
	next.Engine.MakerEdgeThreshold = 0.1
	next.Engine.TakerEdgeThreshold = 0.2
	h.w.staged = &config.Snapshot{Version: 2, Config: &next}
	assert.InDelta(t, 0.02, h.w.params.MakerThreshold, 1e-12, "not applied until the next cycle")

	h.w.beginCycle()
	assert.InDelta(t, 0.1, h.w.params.MakerThreshold, 1e-12)
	assert.Equal(t, uint64(2), h.w.params.ConfigVersion)
	assert.Nil(t, h.w.staged)

	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)
	assert.Equal(t, SkipNoEdge, h.obs.lastDecision().Skipped)

	// An older version is ignored.
	h.w.staged = &config.Snapshot{Version: 1, Config: &cfg}
	h.w.beginCycle()
	assert.Equal(t, uint64(2), h.w.params.ConfigVersion)
}

func TestConfigWithoutMarketDeactivates(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	empty := config.Defaults()
	h.w.staged = &config.Snapshot{Version: 5, Config: &empty}
	h.w.beginCycle()
	assert.False(t, h.w.params.Market.Active)
	assert.Equal(t, uint64(5), h.w.params.ConfigVersion)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.62)
	h.w.positions[domain.OutcomeYes] = &domain.Position{Asset: "BTC", Outcome: domain.OutcomeYes, Size: 12, AvgEntry: 0.5}
	h.w.cumPnL = 3.5
	h.w.risk.RecordPnL(-7)

	snap := h.w.snapshot()
	assert.Equal(t, domain.Asset("BTC"), snap.Asset)
	assert.Equal(t, t0, snap.TakenAt)

	other := newHarness(t, testConfig(10000))
	other.w.restore(snap)
	again := other.w.snapshot()

	assert.Equal(t, snap.Positions, again.Positions)
	assert.Equal(t, snap.Belief, again.Belief)
	assert.Equal(t, snap.Risk, again.Risk)
	assert.Equal(t, snap.CumulativePnL, again.CumulativePnL)
	assert.Greater(t, again.Version, snap.Version)
}

func TestPendingIntentsCountAgainstAllocation(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.62)
	h.tick(domain.SourceMarket, 0.55)

	for i := 0; i < 10; i++ {
		h.clock.Advance(100 * time.Millisecond)
		h.tick(domain.SourcePrimary, 0.62)
	}

	p := h.w.params
	limit := p.Allocation * p.Bankroll
	committed := 0.0
	for _, pi := range h.w.pending {
		assert.LessOrEqual(t, pi.cost, p.Kelly.MaxPositionFraction*p.Bankroll+1e-9)
		committed += pi.cost
	}
	assert.InDelta(t, limit, committed, 1e-6, "allocation used up by unfilled intents")
	assert.Len(t, h.exec.Intents(), 4)
	assert.Equal(t, SkipZeroStake, h.obs.lastDecision().Skipped)

	// A rejection frees its share of the allocation again.
	rejected := h.exec.Intents()[0]
	h.w.handleReport(context.Background(), domain.ExecutionReport{Rejection: &domain.Rejection{
		IntentID: rejected.ID, Asset: "BTC", Reason: "expired", At: t0,
	}})
	h.clock.Advance(100 * time.Millisecond)
	h.tick(domain.SourcePrimary, 0.62)
	assert.NotNil(t, h.obs.lastDecision().Intent)
	assert.Len(t, h.exec.Intents(), 5)
}

func TestPartialFillKeepsRemainderCommitted(t *testing.T) {
	h := newHarness(t, testConfig(10000))
	h.warm(62, 38, 0.62)
	h.tick(domain.SourceMarket, 0.55)
	h.tick(domain.SourcePrimary, 0.62)
	intent := h.exec.Intents()[0]
	pi := h.w.pending[intent.ID]
	require.NotNil(t, pi)

	h.w.handleReport(context.Background(), domain.ExecutionReport{Fill: &domain.Fill{
		ID:      "f1", IntentID: intent.ID, Asset: "BTC", Side: domain.SideBuy,
		Outcome: intent.Outcome, Size: intent.Size / 2, Price: intent.LimitPrice, FilledAt: t0,
	}})
	<-h.records

	require.Contains(t, h.w.pending, intent.ID)
	assert.InDelta(t, pi.cost/2, pi.unfilledCost(), 1e-9)
	pos := h.w.positions[intent.Outcome]
	assert.InDelta(t, pos.Exposure()+pi.cost/2, h.w.committed(), 1e-9)
}

func TestLiquidityFixedUntilRollover(t *testing.T) {
	cfg := testConfig(10000)
	cfg.Markets[0].ConditionID = "0xabc"
	h := newHarness(t, cfg)
	h.tick(domain.SourceMarket, 0.55)
	require.True(t, h.w.hasMarket)
	before := h.w.market

	edited := testConfig(10000)
	edited.Markets[0].ConditionID = "0xabc"
	edited.Markets[0].Liquidity = 5
	h.w.staged = &config.Snapshot{Version: 2, Config: &edited}
	h.w.beginCycle()

	assert.Equal(t, uint64(2), h.w.params.ConfigVersion)
	assert.InDelta(t, 100, h.w.params.Market.Liquidity, 1e-12)
	assert.Equal(t, before, h.w.market, "mirror keeps its b")

	next := testConfig(10000)
	next.Markets[0].ConditionID = "0xdef"
	next.Markets[0].Liquidity = 5
	h.w.staged = &config.Snapshot{Version: 3, Config: &next}
	h.w.beginCycle()

	assert.InDelta(t, 5, h.w.params.Market.Liquidity, 1e-12)
	assert.False(t, h.w.hasMarket, "old market's mirror is dropped")

	h.tick(domain.SourceMarket, 0.55)
	require.True(t, h.w.hasMarket)
	cost, err := h.w.market.CostToTrade(domain.OutcomeYes, 10)
	require.NoError(t, err)
	wide, err := before.CostToTrade(domain.OutcomeYes, 10)
	require.NoError(t, err)
	assert.Greater(t, cost, wide, "thinner market slips more")
}

func TestNoCycleAfterShutdownBegins(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, testConfig(10000))
		h.warm(62, 38, 0.62)
		h.tick(domain.SourceMarket, 0.55)
		before := len(h.obs.decisions)

		h.w.ticks <- domain.PriceUpdate{Asset: "BTC", Price: 0.62, Timestamp: t0, Source: domain.SourcePrimary}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, h.w.run(ctx), context.Canceled)
		assert.Len(t, h.obs.decisions, before)
		assert.Empty(t, h.exec.Intents())
		assert.Equal(t, PhaseStopped, h.w.phase)
	}
}
