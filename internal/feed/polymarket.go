package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/platform/polymarket"
)

// Token identifies one outcome token of a traded market.
type Token struct {
	Asset   domain.Asset
	Outcome domain.Outcome
}

type polymarketMarket struct {
	endpoint string
	tokens   map[string]Token
}

// NewPolymarket creates the market feed. Every book and price change of a
// token in tokens is reduced to its mid and reported as the YES probability
// of the token's asset.
func NewPolymarket(endpoint string, tokens map[string]Token, opts Options, logger *slog.Logger) *Feed {
	return newFeed(&polymarketMarket{endpoint: endpoint, tokens: tokens}, opts, logger)
}

func (p *polymarketMarket) name() string { return "polymarket" }

func (p *polymarketMarket) url() string { return p.endpoint }

func (p *polymarketMarket) subscribe(conn *websocket.Conn) error {
	ids := make([]string, 0, len(p.tokens))
	for id := range p.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(polymarket.NewMarketSubscription(ids))
}

// keepalive is the channel's application-level ping; the server answers
// with a "PONG" text frame.
func (p *polymarketMarket) keepalive() (int, []byte) {
	return websocket.TextMessage, []byte("PING")
}

func (p *polymarketMarket) parse(frame []byte, now time.Time) ([]domain.PriceUpdate, error) {
	if string(frame) == "PONG" {
		return nil, nil
	}
	events, err := polymarket.DecodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("polymarket: decode frame: %w", err)
	}

	var out []domain.PriceUpdate
	for _, raw := range events {
		var env polymarket.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return out, fmt.Errorf("polymarket: decode event: %w", err)
		}

		var tops []polymarket.TopOfBook
		switch env.EventType {
		case polymarket.EventBook:
			var b polymarket.BookMessage
			if err := json.Unmarshal(raw, &b); err != nil {
				return out, fmt.Errorf("polymarket: decode book: %w", err)
			}
			tops = append(tops, polymarket.BookTop(&b, now))
		case polymarket.EventPriceChange:
			var m polymarket.PriceChangeMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return out, fmt.Errorf("polymarket: decode price change: %w", err)
			}
			tops = polymarket.PriceChangeTops(&m, now)
		default:
			continue
		}

		for _, top := range tops {
			if u, ok := p.update(top); ok {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (p *polymarketMarket) update(top polymarket.TopOfBook) (domain.PriceUpdate, bool) {
	tok, ok := p.tokens[top.TokenID]
	if !ok {
		return domain.PriceUpdate{}, false
	}
	mid, ok := top.Mid()
	if !ok {
		return domain.PriceUpdate{}, false
	}
	if tok.Outcome == domain.OutcomeNo {
		mid = 1 - mid
	}
	return domain.PriceUpdate{
		Asset:     tok.Asset,
		Price:     mid,
		Timestamp: top.Timestamp,
		Source:    domain.SourceMarket,
		Venue:     "polymarket",
	}, true
}
