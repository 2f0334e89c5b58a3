package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// busTick is the JSON shape of a tick published on the bus channel.
type busTick struct {
	Asset     string  `json:"asset"`
	Price     float64 `json:"price"`
	Source    string  `json:"source"`
	Venue     string  `json:"venue"`
	Timestamp string  `json:"timestamp"`
}

// BusFeed subscribes to a pub/sub channel and forwards the ticks other
// processes publish there, e.g. a replay tool or a second spot source.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewBusFeed creates a BusFeed reading channel.
func NewBusFeed(bus domain.SignalBus, channel string, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:     bus,
		channel: channel,
		nowFunc: time.Now,
		logger:  logger.With(slog.String("component", "bus_feed")),
	}
}

// Name implements domain.PriceFeed.
func (f *BusFeed) Name() string { return "bus" }

// Run implements domain.PriceFeed.
func (f *BusFeed) Run(ctx context.Context, out chan<- domain.PriceUpdate) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("bus feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.InfoContext(ctx, "bus feed started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			u, err := f.decode(data)
			if err != nil {
				f.logger.DebugContext(ctx, "bus feed dropped message",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *BusFeed) decode(data []byte) (domain.PriceUpdate, error) {
	var t busTick
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.PriceUpdate{}, err
	}
	u := domain.PriceUpdate{
		Asset:     domain.Asset(strings.ToUpper(strings.TrimSpace(t.Asset))),
		Price:     t.Price,
		Source:    domain.FeedSource(t.Source),
		Venue:     t.Venue,
		Timestamp: f.nowFunc(),
	}
	if t.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, t.Timestamp)
		if err != nil {
			return domain.PriceUpdate{}, fmt.Errorf("timestamp %q: %w", t.Timestamp, err)
		}
		u.Timestamp = ts
	}
	switch u.Source {
	case domain.SourcePrimary, domain.SourceCross, domain.SourceMarket:
	default:
		return domain.PriceUpdate{}, fmt.Errorf("unknown source %q", t.Source)
	}
	if u.Venue == "" {
		u.Venue = "bus"
	}
	if !u.Valid() {
		return domain.PriceUpdate{}, fmt.Errorf("invalid tick for %q", t.Asset)
	}
	return u, nil
}

var _ domain.PriceFeed = (*BusFeed)(nil)
