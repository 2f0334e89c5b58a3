package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Recorder stores ticks somewhere outside the engine.
type Recorder interface {
	Record(ctx context.Context, u domain.PriceUpdate) error
}

// FromConfig builds the websocket feeds enabled in cfg for its active
// markets. Feeds with nothing to subscribe to are left out.
func FromConfig(cfg *config.Config, opts Options, logger *slog.Logger) []domain.PriceFeed {
	symbols := make(map[string]domain.Asset)
	products := make(map[string]domain.Asset)
	tokens := make(map[string]Token)
	for _, m := range cfg.ActiveMarkets() {
		asset := domain.Asset(strings.ToUpper(m.Asset))
		if m.PrimarySymbol != "" {
			symbols[m.PrimarySymbol] = asset
		}
		if m.CrossSymbol != "" {
			products[m.CrossSymbol] = asset
		}
		if m.YesTokenID != "" {
			tokens[m.YesTokenID] = Token{Asset: asset, Outcome: domain.OutcomeYes}
		}
		if m.NoTokenID != "" {
			tokens[m.NoTokenID] = Token{Asset: asset, Outcome: domain.OutcomeNo}
		}
	}

	var feeds []domain.PriceFeed
	if cfg.Feeds.EnablePrimary && len(symbols) > 0 {
		feeds = append(feeds, NewBinance(cfg.Feeds.BinanceURL, symbols, opts, logger))
	}
	if cfg.Feeds.EnableCross && len(products) > 0 {
		feeds = append(feeds, NewCoinbase(cfg.Feeds.CoinbaseURL, products, opts, logger))
	}
	if cfg.Feeds.EnableMarket && len(tokens) > 0 {
		feeds = append(feeds, NewPolymarket(cfg.Feeds.PolymarketURL, tokens, opts, logger))
	}
	return feeds
}

// Merge runs every feed into out until ctx is cancelled or a feed fails
// to start. When rec is non-nil each tick is also recorded; recording
// errors are logged and never hold up the tick.
func Merge(ctx context.Context, feeds []domain.PriceFeed, out chan<- domain.PriceUpdate, rec Recorder, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "feed_merge"))
	if len(feeds) == 0 {
		logger.WarnContext(ctx, "no feeds configured")
		<-ctx.Done()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	sink := out
	if rec != nil {
		tee := make(chan domain.PriceUpdate, cap(out))
		sink = tee
		g.Go(func() error {
			return record(gctx, tee, out, rec, logger)
		})
	}

	for _, f := range feeds {
		g.Go(func() error {
			logger.InfoContext(gctx, "starting feed", slog.String("feed", f.Name()))
			err := f.Run(gctx, sink)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "feed stopped",
					slog.String("feed", f.Name()),
					slog.String("error", err.Error()),
				)
			}
			return err
		})
	}
	return g.Wait()
}

func record(ctx context.Context, in <-chan domain.PriceUpdate, out chan<- domain.PriceUpdate, rec Recorder, logger *slog.Logger) error {
	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-in:
			if err := rec.Record(ctx, u); err != nil {
				failures++
				// Log the first failure and then every thousandth.
				if failures%1000 == 1 {
					logger.WarnContext(ctx, "recording tick failed",
						slog.String("asset", string(u.Asset)),
						slog.String("error", err.Error()),
						slog.Uint64("failures", failures),
					)
				}
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
