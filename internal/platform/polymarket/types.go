// Package polymarket holds the wire types of the Polymarket CLOB market
// websocket channel and converts them to top-of-book quotes.
package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event types sent on the market channel.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
)

// SubscribeMessage is sent once after connecting to the market channel.
type SubscribeMessage struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// NewMarketSubscription subscribes to the order books of the given tokens.
func NewMarketSubscription(tokenIDs []string) SubscribeMessage {
	return SubscribeMessage{AssetIDs: tokenIDs, Type: "market"}
}

// Envelope is the part every market channel event shares.
type Envelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id,omitempty"`
	Market    string `json:"market,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// BookMessage is a full order book snapshot.
type BookMessage struct {
	Envelope
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
	Hash string       `json:"hash"`
}

// PriceLevel is a single bid/ask level.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage carries level updates for one or more tokens of a
// market, each with the resulting best bid and ask.
type PriceChangeMessage struct {
	Envelope
	PriceChanges []PriceChange `json:"price_changes"`
}

// PriceChange is one level update.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Side    string `json:"side"` // "BUY" or "SELL"
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// TopOfBook is the best bid and ask of one token.
type TopOfBook struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// Mid returns the midpoint. ok is false unless both sides are quoted and
// the book is not crossed.
func (t TopOfBook) Mid() (mid float64, ok bool) {
	if t.BestBid <= 0 || t.BestAsk <= 0 || t.BestBid > t.BestAsk {
		return 0, false
	}
	return (t.BestBid + t.BestAsk) / 2, true
}

// DecodeFrame splits a websocket frame into raw events. The channel sends
// either a single object or an array of them.
func DecodeFrame(frame []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(frame))
	if strings.HasPrefix(trimmed, "[") {
		var events []json.RawMessage
		if err := json.Unmarshal(frame, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	return []json.RawMessage{json.RawMessage(frame)}, nil
}

// BookTop reduces a book snapshot to its best levels.
func BookTop(b *BookMessage, fallback time.Time) TopOfBook {
	top := TopOfBook{TokenID: b.AssetID, Timestamp: ParseTimestamp(b.Timestamp, fallback)}
	for _, lvl := range b.Bids {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || !nonEmpty(lvl.Size) {
			continue
		}
		if p > top.BestBid {
			top.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || !nonEmpty(lvl.Size) {
			continue
		}
		if top.BestAsk == 0 || p < top.BestAsk {
			top.BestAsk = p
		}
	}
	return top
}

// PriceChangeTops returns the top of book after each change in m. Changes
// without a best bid and ask are skipped.
func PriceChangeTops(m *PriceChangeMessage, fallback time.Time) []TopOfBook {
	ts := ParseTimestamp(m.Timestamp, fallback)
	out := make([]TopOfBook, 0, len(m.PriceChanges))
	for _, c := range m.PriceChanges {
		bid, errBid := strconv.ParseFloat(c.BestBid, 64)
		ask, errAsk := strconv.ParseFloat(c.BestAsk, 64)
		if errBid != nil || errAsk != nil {
			continue
		}
		id := c.AssetID
		if id == "" {
			id = m.AssetID
		}
		out = append(out, TopOfBook{TokenID: id, BestBid: bid, BestAsk: ask, Timestamp: ts})
	}
	return out
}

// ParseTimestamp parses the channel's millisecond epoch timestamps, also
// accepting seconds and RFC 3339.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}

func nonEmpty(size string) bool {
	v, err := strconv.ParseFloat(size, 64)
	return err == nil && v > 0
}
