package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/lmsrbot/internal/blob/s3"
	"github.com/alanyoungcy/lmsrbot/internal/cache/redis"
	"github.com/alanyoungcy/lmsrbot/internal/chain"
	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/feed"
	"github.com/alanyoungcy/lmsrbot/internal/metrics"
	"github.com/alanyoungcy/lmsrbot/internal/notify"
	"github.com/alanyoungcy/lmsrbot/internal/server/handler"
	"github.com/alanyoungcy/lmsrbot/internal/store/file"
	"github.com/alanyoungcy/lmsrbot/internal/store/postgres"
)

// Dependencies bundles every collaborator the modes need. It is built by
// Wire and torn down by the returned cleanup function. Optional parts are
// nil when their backend is disabled.
type Dependencies struct {
	// Persistence
	Snapshots domain.SnapshotStore
	Fills     domain.FillLog
	Audit     domain.AuditStore
	Archiver  domain.Archiver

	// Redis
	StatusCache domain.StatusCache
	SignalBus   domain.SignalBus
	PriceCache  *redis.PriceCache
	Locks       domain.LockManager

	// Chain
	Validator domain.ContractValidator

	// Feeds
	Feeds []domain.PriceFeed

	// Observability
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Checks back /ready in addition to the engine check.
	Checks []handler.Check
}

// needsStores reports whether mode runs the engine and therefore needs
// persistence, Redis, S3 and feeds.
func needsStores(mode string) bool {
	switch strings.ToLower(mode) {
	case "trade", "paper":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases them in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Notifier: notify.FromConfig(cfg.Notify, logger),
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	if !needsStores(cfg.Mode) {
		if err := wireChain(ctx, cfg, deps, &closers, logger); err != nil {
			return fail(err)
		}
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	var pgClient *postgres.Client
	if cfg.Postgres.Enabled {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pgClient.Pool()
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Fn: pgClient.Ping})
	}

	// --- Snapshots and fills ---
	switch cfg.Persistence.Backend {
	case "postgres":
		if pgClient == nil {
			return fail(errors.New("wire: persistence: postgres backend without postgres.enabled"))
		}
		deps.Snapshots = postgres.NewSnapshotStore(pgClient.Pool())
		deps.Fills = postgres.NewFillStore(pgClient.Pool())
	default:
		fs, err := file.New(cfg.Persistence.DataDir, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: persistence: %w", err))
		}
		deps.Snapshots = fs
		deps.Fills = fs
		deps.Checks = append(deps.Checks, handler.Check{Name: "state_dir", Fn: func(context.Context) error {
			if !fs.Healthy() {
				return errors.New("state directory not writable")
			}
			return nil
		}})
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.StatusCache = redis.NewStatusCache(redisClient, cfg.Redis.StatusTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Fn: redisClient.Ping})
	}

	// --- S3 archive and warm-start fallback ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Snapshots = s3blob.NewFallbackStore(deps.Snapshots, s3blob.NewReader(s3Client), s3Client.Prefix(), logger)
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Fills, deps.Audit, s3Client.Prefix(), logger)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Fn: s3Client.Health})
	}

	if err := wireChain(ctx, cfg, deps, &closers, logger); err != nil {
		return fail(err)
	}

	// --- Feeds ---
	opts := feed.OptionsFromConfig(cfg.Feeds)
	if deps.Metrics != nil {
		opts.OnConnState = deps.Metrics.FeedConnState
	}
	deps.Feeds = feed.FromConfig(cfg, opts, logger)
	if cfg.Feeds.BusChannel != "" && deps.SignalBus != nil {
		deps.Feeds = append(deps.Feeds, feed.NewBusFeed(deps.SignalBus, cfg.Feeds.BusChannel, logger))
	}

	return deps, cleanup, nil
}

// wireChain dials the RPC endpoint unless validation is skipped.
func wireChain(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	if cfg.Chain.Skip {
		return nil
	}
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	*closers = append(*closers, eth.Close)
	deps.Validator = chain.NewValidator(eth, int64(cfg.Chain.ChainID),
		chain.ContractsFromConfig(cfg.Chain), cfg.Chain.Timeout.Duration, logger)
	return nil
}
