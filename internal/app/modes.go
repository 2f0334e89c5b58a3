package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lmsrbot/internal/cache/redis"
	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/engine"
	"github.com/alanyoungcy/lmsrbot/internal/executor"
	"github.com/alanyoungcy/lmsrbot/internal/feed"
	"github.com/alanyoungcy/lmsrbot/internal/fees"
	"github.com/alanyoungcy/lmsrbot/internal/notify"
	"github.com/alanyoungcy/lmsrbot/internal/server"
	"github.com/alanyoungcy/lmsrbot/internal/server/handler"
	"github.com/alanyoungcy/lmsrbot/internal/server/ws"
)

// ValidateMode runs the startup contract check and returns.
func (a *App) ValidateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Validator == nil {
		a.logger.WarnContext(ctx, "chain.skip is set, nothing to validate")
		return nil
	}
	if err := deps.Validator.Validate(ctx); err != nil {
		return fmt.Errorf("app: validate: %w", err)
	}
	a.logger.InfoContext(ctx, "chain validation passed")
	return nil
}

// runtime holds what TradeMode builds before anything starts.
type runtime struct {
	bc        *config.Broadcaster
	exec      *executor.Executor
	engine    *engine.Engine
	hub       *ws.Hub
	alerts    *notify.Alerts
	publisher *sharedPublisher
	audit     *auditTrail
}

// TradeMode runs the decision engine. With paper set, or dry_run in the
// config, intents are filled by the local paper venue.
//
// The HTTP server starts first so probes answer during startup. The engine
// only starts after the chain check has passed and, with Redis enabled,
// after this instance has won the leader lock; until then /ready reports
// not ready.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, paper bool) error {
	mode := "trade"
	if paper || a.cfg.DryRun {
		mode = "paper"
	}
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("execution", mode))

	rt, err := a.build(deps, paper, mode)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt, mode)
	}
	g.Go(func() error { return rt.hub.Run(ctx) })
	g.Go(func() error { return rt.alerts.Run(ctx) })
	g.Go(func() error { return a.runEngine(ctx, deps, rt) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// build constructs the executor, observers and engine.
func (a *App) build(deps *Dependencies, paper bool, mode string) (*runtime, error) {
	cfg := a.cfg
	rt := &runtime{bc: config.NewBroadcaster(cfg)}

	venue, err := a.venue(deps, paper)
	if err != nil {
		return nil, err
	}
	opts := executor.OptionsFromConfig(cfg.Executor)
	if deps.Metrics != nil {
		opts.OnBreakerChange = deps.Metrics.VenueCircuitChange
	}
	rt.exec = executor.New(venue, opts, a.logger)

	rt.hub = ws.NewHub(mode, a.logger)
	rt.alerts = notify.NewAlerts(deps.Notifier, cfg.Notify.Cooldown.Duration, a.logger)

	observers := engine.Multi{rt.hub, rt.alerts}
	if deps.Metrics != nil {
		observers = append(observers, deps.Metrics)
	}
	if deps.StatusCache != nil || deps.SignalBus != nil {
		rt.publisher = newSharedPublisher(deps.StatusCache, deps.SignalBus, a.logger)
		observers = append(observers, rt.publisher)
	}
	if deps.Audit != nil {
		rt.audit = newAuditTrail(deps.Audit, a.logger)
		observers = append(observers, rt.audit)
	}

	rt.engine, err = engine.New(engine.Deps{
		Executor:  rt.exec,
		Snapshots: deps.Snapshots,
		Fills:     deps.Fills,
		Observer:  observers,
		Config:    rt.bc,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: trade: %w", err)
	}

	if deps.Metrics != nil {
		ns := cfg.Metrics.Namespace
		deps.Metrics.CounterFunc(ns, "ticks_dropped_total", "Feed ticks dropped because a worker inbox was full.",
			func() float64 { return float64(rt.engine.Dropped()) })
		deps.Metrics.CounterFunc(ns, "orders_placed_total", "Intents accepted by the execution venue.",
			func() float64 { return float64(rt.exec.Placed()) })
		deps.Metrics.CounterFunc(ns, "alerts_dropped_total", "Notifications dropped because the alert queue was full.",
			func() float64 { return float64(rt.alerts.Dropped()) })
	}
	return rt, nil
}

// venue picks the paper venue in paper mode, with dry_run, or when the
// config selects it, and the Redis stream gateway otherwise.
func (a *App) venue(deps *Dependencies, paper bool) (executor.Venue, error) {
	if paper || a.cfg.DryRun || a.cfg.Executor.Venue == "paper" {
		return executor.NewPaperVenue(fees.FromConfig(a.cfg.Fees), a.logger), nil
	}
	if deps.SignalBus == nil {
		return nil, fmt.Errorf("app: trade: venue %q: %w", a.cfg.Executor.Venue, domain.ErrVenueUnavailable)
	}
	return executor.NewStreamVenue(deps.SignalBus, a.cfg.Executor.IntentStream, a.cfg.Executor.ReportStream, a.logger), nil
}

// runEngine validates the chain, takes leadership, restores state and runs
// the pipeline from feeds to executor until ctx ends or a stage fails.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, rt *runtime) error {
	if deps.Validator != nil {
		if err := deps.Validator.Validate(ctx); err != nil {
			notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			_ = rt.alerts.StartupFailure(notifyCtx, err)
			cancel()
			return fmt.Errorf("app: chain validation: %w", err)
		}
		a.logger.InfoContext(ctx, "chain validation passed")
	} else {
		a.logger.WarnContext(ctx, "chain validation skipped")
	}

	g, ctx := errgroup.WithContext(ctx)

	if deps.Locks != nil {
		leader := redis.NewLeader(deps.Locks, a.cfg.Redis.LeaderKey, a.cfg.Redis.LeaderTTL.Duration, a.logger)
		unlock, err := leader.Campaign(ctx)
		if err != nil {
			return err
		}
		defer unlock()
		g.Go(func() error { return leader.Keep(ctx) })
	}
	if rt.audit != nil {
		rt.audit.Log(ctx, "engine_started", map[string]any{
			"assets":  rt.engine.Assets(),
			"venue":   a.cfg.Executor.Venue,
			"dry_run": a.cfg.DryRun,
		})
	}

	if err := rt.engine.WarmStart(ctx); err != nil {
		return fmt.Errorf("app: warm start: %w", err)
	}

	var rec feed.Recorder
	if a.cfg.Feeds.RecordPrices && deps.PriceCache != nil {
		rec = deps.PriceCache
	}
	buffer := a.cfg.Feeds.BufferSize
	if buffer < 1 {
		buffer = 1024
	}
	updates := make(chan domain.PriceUpdate, buffer)

	g.Go(func() error { return rt.exec.Run(ctx) })
	g.Go(func() error { return rt.engine.Run(ctx, updates) })
	g.Go(func() error { return feed.Merge(ctx, deps.Feeds, updates, rec, a.logger) })
	if rt.publisher != nil {
		g.Go(func() error { return rt.publisher.Run(ctx) })
	}
	if rt.audit != nil {
		g.Go(func() error { return rt.audit.Run(ctx) })
	}
	a.startReload(ctx, g, deps, rt.bc)
	if deps.Metrics != nil {
		g.Go(func() error { return a.trackConfigVersion(ctx, rt.bc, deps) })
	}
	if deps.Archiver != nil && a.cfg.Persistence.ArchiveInterval.Duration > 0 {
		g.Go(func() error { return a.archiveLoop(ctx, deps.Archiver, rt.engine) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startReload polls the config file and, with Redis, also re-checks it
// whenever a message arrives on the reload channel.
func (a *App) startReload(ctx context.Context, g *errgroup.Group, deps *Dependencies, bc *config.Broadcaster) {
	if !a.cfg.Reload.Enabled || a.configPath == "" {
		return
	}
	watcher := config.NewWatcher(a.configPath, a.cfg.Reload.Interval.Duration, bc, a.logger)
	g.Go(func() error { return watcher.Run(ctx) })

	if deps.SignalBus == nil {
		return
	}
	g.Go(func() error {
		msgs, err := deps.SignalBus.Subscribe(ctx, redis.ChannelReload)
		if err != nil {
			a.logger.WarnContext(ctx, "reload channel unavailable, polling only", slog.String("error", err.Error()))
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-msgs:
				if !ok {
					return nil
				}
				if _, err := watcher.Check(ctx); err != nil {
					a.logger.WarnContext(ctx, "config reload rejected, keeping current", slog.String("error", err.Error()))
				}
			}
		}
	})
}

func (a *App) trackConfigVersion(ctx context.Context, bc *config.Broadcaster, deps *Dependencies) error {
	snaps, cancel := bc.Subscribe()
	defer cancel()
	deps.Metrics.SetConfigVersion(bc.Current().Version)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			deps.Metrics.SetConfigVersion(snap.Version)
		}
	}
}

// archiveLoop copies every asset's snapshot and new fills to cold storage
// once per archive interval. Failures are logged and retried next round.
func (a *App) archiveLoop(ctx context.Context, archiver domain.Archiver, eng *engine.Engine) error {
	interval := a.cfg.Persistence.ArchiveInterval.Duration
	since := a.nowFunc().Add(-interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := a.nowFunc()
		for _, asset := range eng.Assets() {
			logger := a.logger.With(slog.String("asset", string(asset)))
			snap, err := eng.Snapshot(ctx, asset)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WarnContext(ctx, "archive: snapshot failed", slog.String("error", err.Error()))
				continue
			}
			if err := archiver.ArchiveSnapshot(ctx, snap); err != nil {
				logger.WarnContext(ctx, "archive: upload snapshot failed", slog.String("error", err.Error()))
			}
			n, err := archiver.ArchiveFills(ctx, asset, since)
			if err != nil {
				logger.WarnContext(ctx, "archive: upload fills failed", slog.String("error", err.Error()))
				continue
			}
			logger.DebugContext(ctx, "archived", slog.Int("fills", n))
		}
		since = now
	}
}

// startHTTPServer serves probes, metrics, the status API and the event
// stream until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime, mode string) {
	checks := append([]handler.Check{{
		Name: "engine",
		Fn: func(context.Context) error {
			if !rt.engine.Running() {
				return errors.New("engine not running")
			}
			return nil
		},
	}}, deps.Checks...)

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger, checks...),
		Status: handler.NewStatusHandler(mode, rt.engine.Board(), deps.StatusCache, a.logger),
		Fills:  handler.NewFillsHandler(deps.Fills, deps.Audit, a.logger),
	}
	if deps.PriceCache != nil {
		handlers.Prices = handler.NewPriceHandler(deps.PriceCache, a.logger)
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
		MetricsPath: a.cfg.Metrics.Path,
	}, handlers, rt.hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	a.logger.InfoContext(ctx, "http server enabled",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("auth", strings.TrimSpace(a.cfg.Server.APIKey) != ""),
	)
}
