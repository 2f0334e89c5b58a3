// Package feed implements the price feed adapters: the Binance spot trade
// stream (primary), the Coinbase ticker (cross-validation), the Polymarket
// market channel and a Redis channel for externally published ticks.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// protocol is the venue-specific half of a websocket feed.
type protocol interface {
	name() string
	url() string
	// subscribe runs once per connection, before the first read.
	subscribe(conn *websocket.Conn) error
	// keepalive is the frame sent every ping interval.
	keepalive() (messageType int, data []byte)
	// parse turns one frame into zero or more ticks.
	parse(frame []byte, now time.Time) ([]domain.PriceUpdate, error)
}

// Options tunes connection handling.
type Options struct {
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// OnConnState is called with true after every successful subscribe and
	// with false after every disconnect.
	OnConnState func(feed string, connected bool)
}

// OptionsFromConfig maps the [feeds] section.
func OptionsFromConfig(c config.FeedsConfig) Options {
	return Options{
		ReconnectDelay: c.ReconnectDelay.Duration,
		PingInterval:   c.PingInterval.Duration,
	}
}

// Feed runs one venue protocol over a reconnecting websocket. It implements
// domain.PriceFeed.
type Feed struct {
	proto   protocol
	opts    Options
	dialer  websocket.Dialer
	nowFunc func() time.Time
	logger  *slog.Logger
}

func newFeed(p protocol, opts Options, logger *slog.Logger) *Feed {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	return &Feed{
		proto:   p,
		opts:    opts,
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		nowFunc: time.Now,
		logger:  logger.With(slog.String("component", "feed"), slog.String("feed", p.name())),
	}
}

// Name implements domain.PriceFeed.
func (f *Feed) Name() string { return f.proto.name() }

// Run connects, subscribes and pushes ticks into out until ctx is
// cancelled. Disconnects are logged and retried with exponential backoff.
func (f *Feed) Run(ctx context.Context, out chan<- domain.PriceUpdate) error {
	delay := f.opts.ReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := f.runConnection(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = f.opts.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection serves one connection. connected reports whether the
// subscription went through, which resets the backoff.
func (f *Feed) runConnection(ctx context.Context, out chan<- domain.PriceUpdate) (connected bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.proto.url(), nil)
	if err != nil {
		return false, fmt.Errorf("feed %s: connect: %w", f.proto.name(), err)
	}

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	writeMu.Lock()
	err = f.proto.subscribe(conn)
	writeMu.Unlock()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("feed %s: subscribe: %w", f.proto.name(), err)
	}

	f.logger.InfoContext(ctx, "feed connected", slog.String("url", f.proto.url()))
	f.connState(true)
	defer f.connState(false)

	// Three missed keepalives drop the connection.
	readTimeout := 3 * f.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(f.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks ReadMessage.
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				mt, data := f.proto.keepalive()
				if err := write(mt, data); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed %s: read: %w: %w", f.proto.name(), domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		updates, err := f.proto.parse(frame, f.nowFunc())
		if err != nil {
			f.logger.DebugContext(ctx, "dropping unparseable frame",
				slog.String("error", err.Error()),
				slog.Int("len", len(frame)),
			)
			continue
		}
		for _, u := range updates {
			if !u.Valid() {
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

func (f *Feed) connState(up bool) {
	if f.opts.OnConnState != nil {
		f.opts.OnConnState(f.proto.name(), up)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ domain.PriceFeed = (*Feed)(nil)
