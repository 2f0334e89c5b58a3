package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

type coinbase struct {
	endpoint string
	products map[string]domain.Asset
}

// NewCoinbase creates the cross-validation feed: the ticker channel of each
// product in products (e.g. "BTC-USD" -> "BTC").
func NewCoinbase(endpoint string, products map[string]domain.Asset, opts Options, logger *slog.Logger) *Feed {
	return newFeed(&coinbase{endpoint: endpoint, products: products}, opts, logger)
}

func (c *coinbase) name() string { return "coinbase" }

func (c *coinbase) url() string { return c.endpoint }

func (c *coinbase) subscribe(conn *websocket.Conn) error {
	msg := coinbaseSubscribe{Type: "subscribe", Channels: []string{"ticker"}}
	for p := range c.products {
		msg.ProductIDs = append(msg.ProductIDs, p)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (c *coinbase) keepalive() (int, []byte) { return websocket.PingMessage, nil }

func (c *coinbase) parse(frame []byte, now time.Time) ([]domain.PriceUpdate, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(frame, &t); err != nil {
		return nil, fmt.Errorf("coinbase: decode: %w", err)
	}
	switch t.Type {
	case "ticker":
	case "error":
		return nil, fmt.Errorf("coinbase: %s", t.Message)
	default:
		return nil, nil
	}
	asset, ok := c.products[t.ProductID]
	if !ok {
		return nil, nil
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("coinbase: price %q: %w", t.Price, err)
	}
	ts := now
	if parsed, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		ts = parsed
	}
	return []domain.PriceUpdate{{
		Asset:     asset,
		Price:     price,
		Timestamp: ts,
		Source:    domain.SourceCross,
		Venue:     "coinbase",
	}}, nil
}
