// Package engine runs the per-asset decision loop: fuse feeds, update the
// belief, price the market, size, gate on risk and emit trade intents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Deps are the collaborators of an Engine. Snapshots, Fills and Observer
// are optional.
type Deps struct {
	Executor  domain.Executor
	Snapshots domain.SnapshotStore
	Fills     domain.FillLog
	Observer  Observer
	Config    *config.Broadcaster
	Logger    *slog.Logger
	// Now overrides the clock; tests use it to pin time.
	Now func() time.Time
}

// Engine owns one worker per active market and routes feed ticks and
// execution reports to them.
type Engine struct {
	deps    Deps
	workers map[domain.Asset]*worker
	assets  []domain.Asset
	board   *StatusBoard
	records chan domain.FillRecord
	persist chan domain.EngineSnapshot
	cancels []func()
	running atomic.Bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

// New builds an engine for every active market of the current config.
func New(d Deps) (*Engine, error) {
	if d.Executor == nil {
		return nil, fmt.Errorf("engine: new: executor is required")
	}
	if d.Config == nil {
		return nil, fmt.Errorf("engine: new: config broadcaster is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	e := &Engine{
		deps:    d,
		workers: make(map[domain.Asset]*worker),
		board:   NewStatusBoard(200),
		logger:  d.Logger.With(slog.String("component", "engine")),
	}
	observer := Observer(e.board)
	if d.Observer != nil {
		observer = Multi{e.board, d.Observer}
	}

	snap := d.Config.Current()
	inbox := snap.Config.Engine.InboxSize
	if inbox < 1 {
		inbox = 256
	}
	for _, m := range snap.Config.ActiveMarkets() {
		p, err := ParamsFor(snap, domain.Asset(m.Asset))
		if err != nil {
			return nil, err
		}
		w := newWorker(p, inbox, d.Now, e.logger)
		w.exec = d.Executor
		w.store = d.Snapshots
		w.observer = observer
		configs, cancel := d.Config.Subscribe()
		w.configs = configs
		e.cancels = append(e.cancels, cancel)
		e.workers[w.asset] = w
		e.assets = append(e.assets, w.asset)
	}
	if len(e.workers) == 0 {
		return nil, fmt.Errorf("engine: new: no active markets")
	}
	sort.Slice(e.assets, func(i, j int) bool { return e.assets[i] < e.assets[j] })

	e.records = make(chan domain.FillRecord, inbox)
	e.persist = make(chan domain.EngineSnapshot, 2*len(e.workers))
	for _, w := range e.workers {
		w.records = e.records
		w.persist = e.persist
	}
	return e, nil
}

// Assets lists the assets the engine trades.
func (e *Engine) Assets() []domain.Asset {
	return append([]domain.Asset(nil), e.assets...)
}

// Board exposes the status board.
func (e *Engine) Board() *StatusBoard { return e.board }

// Running reports whether Run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Dropped counts ticks discarded because a worker inbox was full.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Status returns the latest status of every asset.
func (e *Engine) Status() []domain.AssetStatus { return e.board.All() }

// WarmStart restores every worker from its last persisted snapshot. It must
// be called before Run. A missing snapshot is a cold start; a failing store
// is logged and the asset starts cold. Cold assets rebuild their hour and
// day loss windows from the fill log.
func (e *Engine) WarmStart(ctx context.Context) error {
	if e.running.Load() {
		return fmt.Errorf("engine: warm start: already running")
	}
	for _, asset := range e.assets {
		w := e.workers[asset]
		restored, err := e.restoreWorker(ctx, w)
		if err != nil {
			return err
		}
		if !restored {
			e.seedRisk(ctx, w)
		}
	}
	return nil
}

func (e *Engine) restoreWorker(ctx context.Context, w *worker) (bool, error) {
	if e.deps.Snapshots == nil {
		return false, nil
	}
	asset := w.asset
	snap, err := e.deps.Snapshots.Latest(ctx, asset)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e.logger.InfoContext(ctx, "no snapshot, cold start", slog.String("asset", string(asset)))
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, fmt.Errorf("engine: warm start: %w", ctx.Err())
		}
		e.logger.WarnContext(ctx, "snapshot load failed, cold start",
			slog.String("asset", string(asset)),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	w.restore(snap)
	e.logger.InfoContext(ctx, "warm start",
		slog.String("asset", string(asset)),
		slog.Uint64("version", snap.Version),
		slog.Int("positions", len(snap.Positions)),
		slog.Time("taken_at", snap.TakenAt),
	)
	return true, nil
}

// seedRisk charges the hour and day windows with the P&L already realized
// in them, so a restart without a snapshot does not reset the loss budget.
func (e *Engine) seedRisk(ctx context.Context, w *worker) {
	if e.deps.Fills == nil {
		return
	}
	now := e.deps.Now().UTC()
	windows := []struct {
		window domain.Window
		since  time.Time
	}{
		{domain.WindowHour, now.Truncate(time.Hour)},
		{domain.WindowDay, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)},
	}
	for _, win := range windows {
		pnl, err := e.deps.Fills.RealizedSince(ctx, w.asset, win.since)
		if err != nil {
			e.logger.WarnContext(ctx, "risk seed from fill log failed",
				slog.String("asset", string(w.asset)),
				slog.String("window", string(win.window)),
				slog.String("error", err.Error()),
			)
			return
		}
		if pnl == 0 {
			continue
		}
		tripped := w.risk.SeedWindow(win.window, pnl)
		e.logger.InfoContext(ctx, "risk window seeded from fill log",
			slog.String("asset", string(w.asset)),
			slog.String("window", string(win.window)),
			slog.Float64("pnl", pnl),
			slog.Bool("tripped", tripped),
		)
	}
}

// Run processes updates until ctx is cancelled. Each asset runs in its own
// goroutine; a cancelled context is a clean shutdown and returns nil.
func (e *Engine) Run(ctx context.Context, updates <-chan domain.PriceUpdate) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: run: already running")
	}
	defer e.running.Store(false)
	defer func() {
		for _, cancel := range e.cancels {
			cancel()
		}
	}()

	e.logger.InfoContext(ctx, "engine started", slog.Int("assets", len(e.assets)))
	defer e.logger.Info("engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range e.assets {
		w := e.workers[asset]
		g.Go(func() error { return w.run(gctx) })
	}
	g.Go(func() error { return e.routeUpdates(gctx, updates) })
	g.Go(func() error { return e.routeReports(gctx) })
	g.Go(func() error { return e.recordFills(gctx) })
	g.Go(func() error { return e.persistSnapshots(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot asks the asset's worker for a point-in-time copy of its state.
func (e *Engine) Snapshot(ctx context.Context, asset domain.Asset) (domain.EngineSnapshot, error) {
	w, ok := e.lookup(asset)
	if !ok {
		return domain.EngineSnapshot{}, fmt.Errorf("engine: snapshot %s: %w", asset, domain.ErrUnknownAsset)
	}
	reply := make(chan domain.EngineSnapshot, 1)
	select {
	case w.snapReq <- reply:
	case <-ctx.Done():
		return domain.EngineSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return domain.EngineSnapshot{}, ctx.Err()
	}
}

func (e *Engine) lookup(asset domain.Asset) (*worker, bool) {
	w, ok := e.workers[domain.Asset(strings.ToUpper(string(asset)))]
	return w, ok
}

// routeUpdates fans ticks out by asset. A full inbox drops the tick: the
// aggregator keeps the latest value per source, so the next tick supersedes
// it anyway.
func (e *Engine) routeUpdates(ctx context.Context, updates <-chan domain.PriceUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				e.logger.Info("update stream closed")
				return nil
			}
			w, found := e.lookup(u.Asset)
			if !found {
				continue
			}
			select {
			case w.ticks <- u:
			default:
				if n := e.dropped.Add(1); n%100 == 1 {
					e.logger.Warn("worker inbox full, dropping ticks",
						slog.String("asset", string(u.Asset)),
						slog.Uint64("dropped_total", n),
					)
				}
			}
		}
	}
}

// routeReports delivers execution reports. Reports are never dropped.
func (e *Engine) routeReports(ctx context.Context) error {
	reports := e.deps.Executor.Reports()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-reports:
			if !ok {
				e.logger.Warn("execution report stream closed")
				return nil
			}
			w, found := e.lookup(r.Asset())
			if !found {
				e.logger.Warn("report for unknown asset", slog.String("asset", string(r.Asset())))
				continue
			}
			select {
			case w.reports <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// recordFills appends fills to the fill log. Append failures are logged;
// the in-memory position is already updated.
func (e *Engine) recordFills(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drainFills()
			return ctx.Err()
		case rec := <-e.records:
			e.appendFill(ctx, rec)
		}
	}
}

func (e *Engine) drainFills() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case rec := <-e.records:
			e.appendFill(ctx, rec)
		default:
			return
		}
	}
}

func (e *Engine) appendFill(ctx context.Context, rec domain.FillRecord) {
	if e.deps.Fills == nil {
		return
	}
	if err := e.deps.Fills.Append(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "fill log append failed",
			slog.String("fill_id", rec.ID),
			slog.String("asset", string(rec.Asset)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistSnapshots(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-e.persist:
			if e.deps.Snapshots == nil {
				continue
			}
			if err := e.deps.Snapshots.Save(ctx, snap); err != nil {
				e.logger.WarnContext(ctx, "snapshot save failed",
					slog.String("asset", string(snap.Asset)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
