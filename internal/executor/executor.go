// Package executor implements the execution port: it queues trade intents,
// rate-limits and de-duplicates them, places them at a venue behind a
// circuit breaker and forwards fills and rejections back to the engine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Rejection reasons produced by the executor itself.
const (
	ReasonExpired      = "intent expired before placement"
	ReasonCircuitOpen  = "venue circuit open"
	ReasonShuttingDown = "executor shutting down"
)

// Venue places intents at an exchange or simulates it. Place must not wait
// for the fill; outcomes arrive on the channel given to Run.
type Venue interface {
	Name() string
	Place(ctx context.Context, intent domain.TradeIntent) error
	Run(ctx context.Context, out chan<- domain.ExecutionReport) error
}

// Options tunes the executor.
type Options struct {
	// OrdersPerMinute caps sustained placements; zero disables the cap.
	OrdersPerMinute int
	// MinInterval is the minimum gap between two placements.
	MinInterval time.Duration
	// IntentTTL rejects intents that waited longer than this in the queue.
	IntentTTL       time.Duration
	DedupTTL        time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
	QueueSize       int
	// OnBreakerChange is called on every circuit state transition.
	OnBreakerChange func(venue string, from, to gobreaker.State)
}

// OptionsFromConfig maps the [executor] section.
func OptionsFromConfig(c config.ExecutorConfig) Options {
	return Options{
		OrdersPerMinute: c.OrdersPerMinute,
		MinInterval:     c.MinInterval.Duration,
		IntentTTL:       c.IntentTTL.Duration,
		DedupTTL:        c.DedupTTL.Duration,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout.Duration,
	}
}

// Executor implements domain.Executor. Submit only enqueues; Run does the
// placing, so the engine's asset workers never wait on a venue.
type Executor struct {
	venue     Venue
	intents   chan domain.TradeIntent
	reports   chan domain.ExecutionReport
	dedup     *Dedup
	perMinute *rate.Limiter
	interval  *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	intentTTL time.Duration
	nowFunc   func() time.Time
	logger    *slog.Logger

	cleanupInterval time.Duration

	placed   atomic.Uint64
	rejected atomic.Uint64
}

// New creates an Executor in front of venue.
func New(venue Venue, opts Options, logger *slog.Logger) *Executor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = time.Minute
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	perMinute := rate.NewLimiter(rate.Inf, 1)
	if opts.OrdersPerMinute > 0 {
		perMinute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.OrdersPerMinute)), opts.OrdersPerMinute)
	}
	interval := rate.NewLimiter(rate.Inf, 1)
	if opts.MinInterval > 0 {
		interval = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}

	e := &Executor{
		venue:           venue,
		intents:         make(chan domain.TradeIntent, opts.QueueSize),
		reports:         make(chan domain.ExecutionReport, opts.QueueSize),
		dedup:           NewDedup(opts.DedupTTL),
		perMinute:       perMinute,
		interval:        interval,
		intentTTL:       opts.IntentTTL,
		nowFunc:         time.Now,
		logger:          logger.With(slog.String("component", "executor"), slog.String("venue", venue.Name())),
		cleanupInterval: 30 * time.Second,
	}

	failures := uint32(opts.BreakerFailures)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     venue.Name(),
		Interval: time.Minute,
		Timeout:  opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Invalid intents are our fault, not the venue's.
			return err == nil || errors.Is(err, domain.ErrInvalidPrice)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("venue circuit state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if opts.OnBreakerChange != nil {
				opts.OnBreakerChange(name, from, to)
			}
		},
	})
	return e
}

// Submit enqueues intent. It fails fast with domain.ErrAlreadyExists for a
// repeated intent ID and domain.ErrRateLimited when the queue is full.
func (e *Executor) Submit(ctx context.Context, intent domain.TradeIntent) error {
	if e.dedup.IsDuplicate(intent.ID) {
		return fmt.Errorf("executor: submit %s: %w", intent.ID, domain.ErrAlreadyExists)
	}
	select {
	case e.intents <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("executor: submit %s: queue full: %w", intent.ID, domain.ErrRateLimited)
	}
}

// Reports implements domain.Executor.
func (e *Executor) Reports() <-chan domain.ExecutionReport {
	return e.reports
}

// Placed counts intents accepted by the venue.
func (e *Executor) Placed() uint64 { return e.placed.Load() }

// Rejected counts intents rejected before or at placement.
func (e *Executor) Rejected() uint64 { return e.rejected.Load() }

// BreakerState reports the venue circuit state.
func (e *Executor) BreakerState() gobreaker.State {
	return e.breaker.State()
}

// Run places queued intents and pumps venue reports until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "executor started")
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.venue.Run(gctx, e.reports)
	})
	g.Go(func() error {
		return e.loop(gctx)
	})
	return g.Wait()
}

func (e *Executor) loop(ctx context.Context) error {
	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case intent := <-e.intents:
			e.process(ctx, intent)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process pushes one intent through expiry, rate limits and the breaker.
func (e *Executor) process(ctx context.Context, intent domain.TradeIntent) {
	log := e.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("asset", string(intent.Asset)),
		slog.String("strategy", string(intent.Strategy)),
	)

	if e.expired(intent) {
		log.WarnContext(ctx, "intent expired, rejecting")
		e.reject(ctx, intent, ReasonExpired)
		return
	}

	if err := e.interval.Wait(ctx); err != nil {
		return
	}
	if err := e.perMinute.Wait(ctx); err != nil {
		return
	}
	// The wait may have outlived the intent.
	if e.expired(intent) {
		log.WarnContext(ctx, "intent expired while rate limited, rejecting")
		e.reject(ctx, intent, ReasonExpired)
		return
	}

	_, err := e.breaker.Execute(func() (any, error) {
		return nil, e.venue.Place(ctx, intent)
	})
	if err != nil {
		reason := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = ReasonCircuitOpen
		}
		log.ErrorContext(ctx, "intent placement failed",
			slog.String("error", err.Error()),
		)
		e.reject(ctx, intent, reason)
		return
	}

	e.placed.Add(1)
	log.InfoContext(ctx, "intent placed",
		slog.Float64("size", intent.Size),
		slog.Float64("limit_price", intent.LimitPrice),
	)
}

func (e *Executor) expired(intent domain.TradeIntent) bool {
	return e.intentTTL > 0 && !intent.CreatedAt.IsZero() && e.nowFunc().Sub(intent.CreatedAt) > e.intentTTL
}

func (e *Executor) reject(ctx context.Context, intent domain.TradeIntent, reason string) {
	e.rejected.Add(1)
	report := domain.ExecutionReport{Rejection: &domain.Rejection{
		IntentID: intent.ID,
		Asset:    intent.Asset,
		Reason:   reason,
		At:       e.nowFunc(),
	}}
	select {
	case e.reports <- report:
	case <-ctx.Done():
	}
}

// drain rejects intents still queued at shutdown so their workers can drop
// the pending entries on the next start.
func (e *Executor) drain() {
	for {
		select {
		case intent := <-e.intents:
			e.logger.Warn("rejecting queued intent at shutdown", slog.String("intent_id", intent.ID))
			e.rejected.Add(1)
			select {
			case e.reports <- domain.ExecutionReport{Rejection: &domain.Rejection{
				IntentID: intent.ID,
				Asset:    intent.Asset,
				Reason:   ReasonShuttingDown,
				At:       e.nowFunc(),
			}}:
			default:
			}
		default:
			return
		}
	}
}

// Compile-time interface check.
var _ domain.Executor = (*Executor)(nil)
