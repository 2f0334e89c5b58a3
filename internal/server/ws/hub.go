// Package ws streams engine events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/engine"
)

// Event channels a client can subscribe to.
const (
	ChannelDecision   = "decision"
	ChannelStatus     = "status"
	ChannelFill       = "fill"
	ChannelRejection  = "rejection"
	ChannelBreaker    = "breaker"
	ChannelDivergence = "divergence"
)

// defaultChannels are subscribed for every new client. Status updates are
// opt-in because they arrive once per decision cycle.
var defaultChannels = []string{
	ChannelDecision,
	ChannelFill,
	ChannelRejection,
	ChannelBreaker,
	ChannelDivergence,
}

const broadcastBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the JSON frame sent to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// event is one encoded frame with the routing keys clients filter on.
type event struct {
	channel string
	asset   domain.Asset
	data    []byte
}

// Hub fans engine events out to connected websocket clients. It implements
// engine.Observer. Callbacks never block: events are dropped when the hub
// or a client falls behind.
type Hub struct {
	mode      string
	startedAt time.Time
	logger    *slog.Logger

	events     chan event
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}

	dropped atomic.Uint64
}

// NewHub creates a hub. mode is reported to clients on connect.
func NewHub(mode string, logger *slog.Logger) *Hub {
	return &Hub{
		mode:       mode,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
		events:     make(chan event, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run owns client registration and fan-out until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("clients", n))

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.channel, ev.asset) {
			continue
		}
		select {
		case c.send <- ev.data:
		default:
			h.drop("slow client")
		}
	}
}

// Dropped returns the number of events discarded for a full buffer.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) drop(reason string) {
	if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
		h.logger.Warn("ws: dropping event", slog.String("reason", reason), slog.Uint64("dropped", n))
	}
}

// publish encodes payload and queues it for clients subscribed to channel
// and, if they filter by asset, to asset.
func (h *Hub) publish(channel string, asset domain.Asset, payload any) {
	data, err := json.Marshal(envelope{Type: channel, Payload: payload})
	if err != nil {
		h.logger.Error("ws: marshal event", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	select {
	case h.events <- event{channel: channel, asset: asset, data: data}:
	default:
		h.drop("hub behind")
	}
}

// OnDecision implements engine.Observer.
func (h *Hub) OnDecision(d domain.Decision) { h.publish(ChannelDecision, d.Asset, d) }

// OnStatus implements engine.Observer.
func (h *Hub) OnStatus(s domain.AssetStatus) { h.publish(ChannelStatus, s.Asset, s) }

// OnDivergence implements engine.Observer.
func (h *Hub) OnDivergence(snap domain.MarketSnapshot) {
	h.publish(ChannelDivergence, snap.Asset, snap)
}

// OnBreakerTrip implements engine.Observer.
func (h *Hub) OnBreakerTrip(asset domain.Asset, windows []domain.Window) {
	h.publish(ChannelBreaker, asset, map[string]any{"asset": asset, "windows": windows})
}

// OnFill implements engine.Observer.
func (h *Hub) OnFill(rec domain.FillRecord) { h.publish(ChannelFill, rec.Asset, rec) }

// OnRejection implements engine.Observer.
func (h *Hub) OnRejection(r domain.Rejection) { h.publish(ChannelRejection, r.Asset, r) }

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	c.hello()
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

var _ engine.Observer = (*Hub)(nil)
