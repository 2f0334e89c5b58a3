package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/aggregator"
	"github.com/alanyoungcy/lmsrbot/internal/belief"
	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/lmsr"
	"github.com/alanyoungcy/lmsrbot/internal/risk"
	"github.com/alanyoungcy/lmsrbot/internal/sizing"
)

// Worker phases, reported through AssetStatus.
const (
	PhaseIdle       = "idle"
	PhaseEvaluating = "evaluating"
	PhaseTrading    = "trading"
	PhaseSkipped    = "skipped"
	PhaseStopped    = "stopped"
)

// Skip reasons recorded on decisions that produced no intent.
const (
	SkipInactive     = "inactive"
	SkipStale        = "stale"
	SkipNoMarket     = "no_market"
	SkipBeliefCold   = "belief_cold"
	SkipNoEdge       = "no_edge"
	SkipZeroStake    = "zero_stake"
	SkipRiskRejected = "risk_rejected"
	SkipSubmitFailed = "submit_failed"
)

// pendingTTL bounds how long an unfilled intent is remembered for matching
// fills against its decision context.
const pendingTTL = 10 * time.Minute

// flushTimeout bounds the final snapshot write on shutdown.
const flushTimeout = 5 * time.Second

type pendingIntent struct {
	intent domain.TradeIntent
	filled float64
	// cost is the cash the intent commits when it fills completely.
	cost float64
}

// unfilledCost is the part of cost not yet covered by fills.
func (pi *pendingIntent) unfilledCost() float64 {
	if pi.intent.Size <= 0 {
		return 0
	}
	return pi.cost * math.Max(0, 1-pi.filled/pi.intent.Size)
}

// worker owns every piece of mutable state of one asset. Only its run
// goroutine touches that state; everything else talks to it over channels.
type worker struct {
	asset  domain.Asset
	params Params

	agg       *aggregator.Aggregator
	belief    *belief.Estimator
	risk      *risk.Manager
	market    lmsr.State
	hasMarket bool
	// marketPrice is the last YES price seen on the market feed.
	marketPrice float64

	positions map[domain.Outcome]*domain.Position
	pending   map[string]*pendingIntent
	cumPnL    float64
	seq       uint64
	version   uint64
	phase     string
	last      domain.Decision
	staged    *config.Snapshot

	exec     domain.Executor
	store    domain.SnapshotStore
	observer Observer
	records  chan<- domain.FillRecord
	persist  chan<- domain.EngineSnapshot

	ticks   chan domain.PriceUpdate
	reports chan domain.ExecutionReport
	snapReq chan chan domain.EngineSnapshot
	configs <-chan config.Snapshot

	logger  *slog.Logger
	nowFunc func() time.Time
}

func newWorker(p Params, inbox int, now func() time.Time, logger *slog.Logger) *worker {
	asset := p.Market.Asset
	return &worker{
		asset:     asset,
		params:    p,
		agg:       aggregator.New(asset, p.DivergenceThreshold),
		belief:    belief.New(p.Market, p.Belief),
		risk:      risk.NewManagerWithClock(p.Limits, now),
		positions: make(map[domain.Outcome]*domain.Position),
		pending:   make(map[string]*pendingIntent),
		phase:     PhaseIdle,
		ticks:     make(chan domain.PriceUpdate, inbox),
		reports:   make(chan domain.ExecutionReport, inbox),
		snapReq:   make(chan chan domain.EngineSnapshot),
		logger:    logger.With(slog.String("asset", string(asset))),
		nowFunc:   now,
	}
}

// run is the single-writer loop. It exits on ctx cancellation after
// flushing a final snapshot.
func (w *worker) run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "asset worker started",
		slog.Float64("liquidity", w.params.Market.Liquidity),
		slog.Uint64("config_version", w.params.ConfigVersion),
	)

	interval := w.params.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case snap, ok := <-w.configs:
			if !ok {
				w.configs = nil
				continue
			}
			w.staged = &snap
		case u := <-w.ticks:
			// select picks randomly among ready cases; a tick must not
			// start a cycle once shutdown has begun.
			if ctx.Err() != nil {
				w.shutdown()
				return ctx.Err()
			}
			w.beginCycle()
			w.handleTick(ctx, u)
		case r := <-w.reports:
			w.beginCycle()
			w.handleReport(ctx, r)
		case reply := <-w.snapReq:
			reply <- w.snapshot()
		case <-ticker.C:
			w.beginCycle()
			select {
			case w.persist <- w.snapshot():
			default:
				w.logger.Warn("snapshot queue full, skipping periodic snapshot")
			}
		}
	}
}

// beginCycle applies the newest published config snapshot. It is only ever
// called between cycles, so a decision never sees a half-applied config.
func (w *worker) beginCycle() {
	select {
	case snap, ok := <-w.configs:
		if ok {
			w.staged = &snap
		}
	default:
	}
	if w.staged == nil {
		return
	}
	snap := *w.staged
	w.staged = nil
	if snap.Version <= w.params.ConfigVersion {
		return
	}
	p, err := ParamsFor(snap, w.asset)
	if err != nil {
		w.logger.Warn("market removed from config, deactivating",
			slog.Uint64("config_version", snap.Version),
			slog.String("error", err.Error()),
		)
		w.params.Market.Active = false
		w.params.ConfigVersion = snap.Version
		return
	}
	w.apply(p)
	w.logger.Info("config applied", slog.Uint64("config_version", p.ConfigVersion))
}

// apply swaps in new parameters. The LMSR b stays fixed for the life of a
// market: a liquidity edit only takes effect together with a rollover to a
// new condition or strike, which also drops the old market's mirror.
func (w *worker) apply(p Params) {
	cur := w.params.Market
	rollover := p.Market.ConditionID != cur.ConditionID || p.Market.Strike != cur.Strike
	if !rollover && p.Market.Liquidity != cur.Liquidity {
		w.logger.Warn("liquidity change ignored until the market rolls over",
			slog.Float64("liquidity", cur.Liquidity),
			slog.Float64("configured", p.Market.Liquidity),
			slog.String("condition_id", cur.ConditionID),
		)
		p.Market.Liquidity = cur.Liquidity
	}
	w.params = p
	w.belief.SetParams(p.Belief)
	w.belief.SetMarket(p.Market)
	w.risk.SetLimits(p.Limits)
	w.agg.SetThreshold(p.DivergenceThreshold)
	if rollover {
		w.logger.Info("market rolled over",
			slog.String("condition_id", p.Market.ConditionID),
			slog.Float64("strike", p.Market.Strike),
			slog.Float64("liquidity", p.Market.Liquidity),
		)
		w.market = lmsr.State{}
		w.hasMarket = false
		w.marketPrice = 0
	}
}

func (w *worker) handleTick(ctx context.Context, u domain.PriceUpdate) {
	now := w.nowFunc()
	if u.Source == domain.SourceMarket {
		if !u.Valid() || !w.refreshMarket(u.Price) {
			return
		}
		w.markPositions()
		snap := w.agg.Snapshot(now)
		if snap.HasPrimary() {
			w.evaluate(ctx, snap, false)
		}
		return
	}
	snap, ok := w.agg.Apply(u, now)
	if !ok {
		return
	}
	w.evaluate(ctx, snap, true)
}

// refreshMarket rebuilds the read-only LMSR mirror from an observed YES
// price.
func (w *worker) refreshMarket(yes float64) bool {
	state, err := lmsr.FromBinaryPrice(w.params.Market.Liquidity, yes)
	if err != nil {
		w.logger.Warn("market price rejected",
			slog.Float64("price", yes),
			slog.String("error", err.Error()),
		)
		return false
	}
	w.market = state
	w.hasMarket = true
	w.marketPrice = yes
	return true
}

// evaluate runs one decision cycle on a fused snapshot.
func (w *worker) evaluate(ctx context.Context, snap domain.MarketSnapshot, observe bool) domain.Decision {
	start := w.nowFunc()
	w.seq++
	w.phase = PhaseEvaluating
	d := domain.Decision{Asset: w.asset, Seq: w.seq, At: start}

	if snap.Diverged {
		w.logger.WarnContext(ctx, "feed divergence",
			slog.Float64("divergence_pct", snap.DivergencePct),
			slog.Float64("primary", snap.PrimaryPrice),
			slog.Float64("cross", snap.CrossPrice),
		)
		w.observer.OnDivergence(snap)
	}

	if observe {
		upd := w.belief.Observe(snap, start)
		d.BeliefApplied = upd.Applied
		d.BeliefWeight = upd.Weight
	}
	d.BeliefMean = w.belief.Mean()
	d.MarketPrice = w.marketPrice

	w.decide(ctx, snap, &d)

	if d.Skipped != "" {
		w.phase = PhaseSkipped
	} else {
		w.phase = PhaseTrading
	}
	d.Latency = w.nowFunc().Sub(start)
	w.last = d
	w.observer.OnDecision(d)
	w.publishStatus(snap)
	w.phase = PhaseIdle
	w.prunePending(start)
	return d
}

func (w *worker) decide(ctx context.Context, snap domain.MarketSnapshot, d *domain.Decision) {
	p := w.params
	switch {
	case !p.Market.Active:
		d.Skipped = SkipInactive
		return
	case !snap.HasPrimary(), p.StaleAfter > 0 && snap.PrimaryAge > p.StaleAfter:
		d.Skipped = SkipStale
		return
	case !w.hasMarket:
		d.Skipped = SkipNoMarket
		return
	case !w.belief.State().Warm():
		d.Skipped = SkipBeliefCold
		return
	}

	c, ok := w.bestCandidate()
	if !ok {
		d.Skipped = SkipNoEdge
		return
	}
	d.Outcome = c.outcome
	d.EdgeMaker = c.edgeMaker
	d.EdgeTaker = c.edgeTaker

	var strategy domain.Strategy
	var edge float64
	switch {
	case p.MakerEnabled && c.edgeMaker >= p.MakerThreshold:
		strategy, edge = domain.StrategyMaker, c.edgeMaker
	case c.edgeTaker >= p.TakerThreshold:
		strategy, edge = domain.StrategyTaker, c.edgeTaker
	default:
		d.Skipped = SkipNoEdge
		return
	}
	d.Strategy = strategy

	kelly := p.Kelly
	kelly.FeeThreshold = math.Max(0, p.Fees.Adjustment(strategy, c.marginal))
	stake := kelly.Stake(sizing.Input{
		EdgeNet:        edge,
		BeliefVariance: w.belief.Variance(),
		MarketPrice:    c.marginal,
		Probability:    c.fair,
		Allocable:      p.Allocation - w.committed()/p.Bankroll,
	})
	d.Stake = stake
	if stake <= 0 {
		d.Skipped = SkipZeroStake
		return
	}

	// The stake is cash; the mirror says how many shares it buys once the
	// price walks up the curve.
	budget := stake * p.Bankroll
	size, err := w.market.SharesForCost(c.outcome, budget)
	if err != nil || size <= 0 {
		d.Skipped = SkipZeroStake
		return
	}
	verdict := w.risk.Evaluate(risk.Candidate{
		Size:          size,
		WorstCaseLoss: p.Fees.NetCost(strategy, c.marginal, size),
	})
	d.Verdict = verdict
	if !verdict.Allowed() {
		d.Skipped = SkipRiskRejected
		w.logger.InfoContext(ctx, "trade rejected by risk",
			slog.String("reason", verdict.Reason),
			slog.String("window", string(verdict.Binding)),
			slog.Float64("size", size),
		)
		return
	}

	intent := domain.NewTradeIntent(w.asset, domain.SideBuy, c.outcome, verdict.Size, c.marginal, strategy, edge, d.At)
	intent.FairValue = c.fair
	intent.KellyFraction = stake
	if err := w.exec.Submit(ctx, intent); err != nil {
		d.Skipped = SkipSubmitFailed
		w.logger.WarnContext(ctx, "intent submission failed",
			slog.String("intent_id", intent.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	cost := budget
	if verdict.Size < size {
		cost = budget * verdict.Size / size
	}
	w.pending[intent.ID] = &pendingIntent{intent: intent, cost: cost}
	d.Intent = &intent
	w.logger.InfoContext(ctx, "intent emitted",
		slog.String("intent_id", intent.ID),
		slog.String("outcome", intent.Outcome.String()),
		slog.String("strategy", string(strategy)),
		slog.String("verdict", string(verdict.Kind)),
		slog.Float64("size", intent.Size),
		slog.Float64("limit", intent.LimitPrice),
		slog.Float64("edge", edge),
	)
}

type candidate struct {
	outcome   domain.Outcome
	fair      float64
	marginal  float64
	edgeMaker float64
	edgeTaker float64
}

// bestCandidate prices both outcomes at the reference size and keeps the
// one with the larger edge under the preferred execution style.
func (w *worker) bestCandidate() (candidate, bool) {
	p := w.params
	mean := w.belief.Mean()
	var best candidate
	found := false
	for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		fair := mean
		if o == domain.OutcomeNo {
			fair = 1 - mean
		}
		marginal, err := w.market.MarginalFairPrice(o, p.ReferenceSize)
		if err != nil || !(marginal > 0 && marginal < 1) {
			continue
		}
		c := candidate{
			outcome:   o,
			fair:      fair,
			marginal:  marginal,
			edgeMaker: fair - marginal - p.Fees.Adjustment(domain.StrategyMaker, marginal),
			edgeTaker: fair - marginal - p.Fees.Adjustment(domain.StrategyTaker, marginal),
		}
		if math.IsNaN(c.edgeMaker) || math.IsNaN(c.edgeTaker) {
			continue
		}
		if !found || c.score(p.MakerEnabled) > best.score(p.MakerEnabled) {
			best = c
			found = true
		}
	}
	return best, found
}

func (c candidate) score(makerEnabled bool) float64 {
	if makerEnabled {
		return c.edgeMaker
	}
	return c.edgeTaker
}

func (w *worker) handleReport(ctx context.Context, r domain.ExecutionReport) {
	switch {
	case r.Fill != nil:
		w.applyFill(ctx, *r.Fill)
	case r.Rejection != nil:
		rej := *r.Rejection
		delete(w.pending, rej.IntentID)
		w.logger.WarnContext(ctx, "intent rejected by venue",
			slog.String("intent_id", rej.IntentID),
			slog.String("reason", rej.Reason),
		)
		w.observer.OnRejection(rej)
	}
}

func (w *worker) applyFill(ctx context.Context, f domain.Fill) {
	pos := w.position(f.Outcome)
	realized := pos.Apply(f)
	if price, ok := w.outcomePrice(f.Outcome); ok {
		pos.MarkToMarket(price)
	}
	w.cumPnL += realized

	if realized != 0 {
		if tripped := w.risk.RecordPnL(realized); len(tripped) > 0 {
			w.logger.WarnContext(ctx, "circuit breaker tripped",
				slog.Any("windows", tripped),
				slog.Float64("realized", realized),
			)
			w.observer.OnBreakerTrip(w.asset, tripped)
		}
	}

	rec := domain.FillRecord{Fill: f, RealizedPnL: realized}
	if pi, ok := w.pending[f.IntentID]; ok {
		rec.FairValue = pi.intent.FairValue
		rec.Edge = pi.intent.Edge
		rec.KellyFraction = pi.intent.KellyFraction
		pi.filled += f.Size
		if pi.filled >= pi.intent.Size-1e-9 {
			delete(w.pending, f.IntentID)
		}
	}

	w.logger.InfoContext(ctx, "fill applied",
		slog.String("intent_id", f.IntentID),
		slog.String("outcome", f.Outcome.String()),
		slog.Float64("size", f.Size),
		slog.Float64("price", f.Price),
		slog.Float64("fee", f.Fee),
		slog.Float64("realized", realized),
	)
	w.observer.OnFill(rec)
	w.publishStatus(w.agg.Snapshot(w.nowFunc()))

	select {
	case w.records <- rec:
	case <-ctx.Done():
		w.logger.Warn("fill not recorded, shutting down", slog.String("fill_id", f.ID))
	}
}

func (w *worker) position(o domain.Outcome) *domain.Position {
	pos, ok := w.positions[o]
	if !ok {
		pos = &domain.Position{Asset: w.asset, Outcome: o}
		w.positions[o] = pos
	}
	return pos
}

func (w *worker) outcomePrice(o domain.Outcome) (float64, bool) {
	if !w.hasMarket {
		return 0, false
	}
	p, err := w.market.Price(o)
	return p, err == nil
}

func (w *worker) markPositions() {
	for o, pos := range w.positions {
		if price, ok := w.outcomePrice(o); ok {
			pos.MarkToMarket(price)
		}
	}
}

// committed is the cash held in open positions plus the cash still owed to
// intents the venue has not filled yet.
func (w *worker) committed() float64 {
	total := 0.0
	for _, pos := range w.positions {
		total += pos.Exposure()
	}
	for _, pi := range w.pending {
		total += pi.unfilledCost()
	}
	return total
}

func (w *worker) prunePending(now time.Time) {
	for id, pi := range w.pending {
		if now.Sub(pi.intent.CreatedAt) > pendingTTL {
			delete(w.pending, id)
		}
	}
}

func (w *worker) positionList() []domain.Position {
	out := make([]domain.Position, 0, len(w.positions))
	for _, pos := range w.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outcome < out[j].Outcome })
	return out
}

// snapshot is a point-in-time copy of the worker's state. It is only
// taken from the run goroutine, between cycles.
func (w *worker) snapshot() domain.EngineSnapshot {
	w.version++
	return domain.EngineSnapshot{
		Asset:         w.asset,
		Version:       w.version,
		ConfigVersion: w.params.ConfigVersion,
		TakenAt:       w.nowFunc(),
		Positions:     w.positionList(),
		Risk:          w.risk.Snapshot(),
		Belief:        w.belief.Summary(),
		CumulativePnL: w.cumPnL,
	}
}

// restore loads a persisted snapshot. Positions and risk always restore;
// the belief falls back to the prior when its summary is unusable.
func (w *worker) restore(s domain.EngineSnapshot) {
	w.positions = make(map[domain.Outcome]*domain.Position, len(s.Positions))
	for _, p := range s.Positions {
		p.Asset = w.asset
		w.positions[p.Outcome] = &p
	}
	w.risk.Restore(s.Risk)
	if !w.belief.Restore(s.Belief) {
		w.logger.Warn("belief summary unusable, starting from prior")
	}
	w.cumPnL = s.CumulativePnL
	w.version = s.Version
}

func (w *worker) status(snap domain.MarketSnapshot) domain.AssetStatus {
	return domain.AssetStatus{
		Asset:         w.asset,
		Phase:         w.phase,
		Snapshot:      snap,
		BeliefMean:    w.belief.Mean(),
		BeliefVar:     w.belief.Variance(),
		MarketPrice:   w.marketPrice,
		LastDecision:  w.last,
		Positions:     w.positionList(),
		Risk:          w.risk.Snapshot(),
		ConfigVersion: w.params.ConfigVersion,
		UpdatedAt:     w.nowFunc(),
	}
}

func (w *worker) publishStatus(snap domain.MarketSnapshot) {
	w.observer.OnStatus(w.status(snap))
}

// shutdown writes the final snapshot with a fresh context; the run context
// is already cancelled at this point.
func (w *worker) shutdown() {
	w.phase = PhaseStopped
	w.publishStatus(w.agg.Snapshot(w.nowFunc()))
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := w.store.Save(ctx, w.snapshot()); err != nil {
		w.logger.Error("final snapshot flush failed", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("asset worker stopped, snapshot flushed", slog.Uint64("version", w.version))
}
