package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// binanceTrade is an aggTrade stream event.
type binanceTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type binance struct {
	endpoint string
	// symbols maps the upper-case symbol to its asset.
	symbols map[string]domain.Asset
}

// NewBinance creates the primary feed: aggregated spot trades for each
// symbol in symbols (e.g. "btcusdt" -> "BTC").
func NewBinance(endpoint string, symbols map[string]domain.Asset, opts Options, logger *slog.Logger) *Feed {
	b := &binance{endpoint: endpoint, symbols: make(map[string]domain.Asset, len(symbols))}
	for sym, asset := range symbols {
		b.symbols[strings.ToUpper(sym)] = asset
	}
	return newFeed(b, opts, logger)
}

func (b *binance) name() string { return "binance" }

func (b *binance) url() string { return b.endpoint }

func (b *binance) subscribe(conn *websocket.Conn) error {
	msg := binanceSubscribe{Method: "SUBSCRIBE", ID: 1}
	for sym := range b.symbols {
		msg.Params = append(msg.Params, strings.ToLower(sym)+"@aggTrade")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (b *binance) keepalive() (int, []byte) { return websocket.PingMessage, nil }

func (b *binance) parse(frame []byte, now time.Time) ([]domain.PriceUpdate, error) {
	var t binanceTrade
	if err := json.Unmarshal(frame, &t); err != nil {
		return nil, fmt.Errorf("binance: decode: %w", err)
	}
	if t.EventType != "aggTrade" {
		// Subscription acks and other events.
		return nil, nil
	}
	asset, ok := b.symbols[strings.ToUpper(t.Symbol)]
	if !ok {
		return nil, nil
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: price %q: %w", t.Price, err)
	}
	ts := now
	if t.TradeTime > 0 {
		ts = time.UnixMilli(t.TradeTime)
	}
	return []domain.PriceUpdate{{
		Asset:     asset,
		Price:     price,
		Timestamp: ts,
		Source:    domain.SourcePrimary,
		Venue:     "binance",
	}}, nil
}
