package market

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one normalized price/volume observation for a symbol.
// Immutable once created.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp int64 // unix milliseconds
}

// Time returns the tick timestamp as time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Notional returns price * volume, the traded dollar value.
func (t Tick) Notional() float64 {
	return t.Price * t.Volume
}

// tradeMessage mirrors the feed's trade event wire shape. Numeric fields
// arrive as strings.
type tradeMessage struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// ParseTrade normalizes a raw feed frame into a Tick. Frames that do not
// carry a usable trade payload return an error and must be dropped by the
// caller.
func ParseTrade(payload []byte) (Tick, error) {
	var msg tradeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Tick{}, fmt.Errorf("decode trade frame: %w", err)
	}

	if msg.Symbol == "" || msg.Price == "" {
		return Tick{}, fmt.Errorf("trade frame missing symbol or price")
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return Tick{}, fmt.Errorf("parse trade price %q: %w", msg.Price, err)
	}

	qty := decimal.Zero
	if msg.Quantity != "" {
		qty, err = decimal.NewFromString(msg.Quantity)
		if err != nil {
			return Tick{}, fmt.Errorf("parse trade quantity %q: %w", msg.Quantity, err)
		}
	}

	tick := Tick{
		Symbol:    msg.Symbol,
		Price:     price.InexactFloat64(),
		Volume:    qty.InexactFloat64(),
		Timestamp: msg.TradeTime,
	}
	if tick.Timestamp == 0 {
		tick.Timestamp = time.Now().UnixMilli()
	}

	if !isFinite(tick.Price) || !isFinite(tick.Volume) {
		return Tick{}, fmt.Errorf("trade frame carries non-finite values")
	}

	return tick, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
