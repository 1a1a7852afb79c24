package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionStyle is the contract style (call or put).
type OptionStyle string

const (
	StyleCall OptionStyle = "call"
	StylePut  OptionStyle = "put"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// InstrumentKey uniquely identifies one option contract's book.
// It is immutable and used as the map key throughout the core.
type InstrumentKey struct {
	Underlying string      `json:"underlying"`
	Expiration string      `json:"expiration"` // YYYYMMDD
	Strike     float64     `json:"strike"`
	Style      OptionStyle `json:"style"`
}

// Symbol renders the key in canonical form:
// "{underlying}-{expiration}-{strike}-{C|P}".
func (k InstrumentKey) Symbol() string {
	style := "C"
	if k.Style == StylePut {
		style = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s", k.Underlying, k.Expiration, strconv.FormatFloat(k.Strike, 'f', -1, 64), style)
}

// ParseInstrument parses a canonical instrument symbol back into a key.
func ParseInstrument(s string) (InstrumentKey, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return InstrumentKey{}, fmt.Errorf("invalid instrument symbol %q", s)
	}
	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return InstrumentKey{}, fmt.Errorf("invalid strike in %q: %w", s, err)
	}
	var style OptionStyle
	switch strings.ToUpper(parts[3]) {
	case "C":
		style = StyleCall
	case "P":
		style = StylePut
	default:
		return InstrumentKey{}, fmt.Errorf("invalid style in %q", s)
	}
	return InstrumentKey{
		Underlying: parts[0],
		Expiration: parts[1],
		Strike:     strike,
		Style:      style,
	}, nil
}

// ExpiresAt returns the expiration instant (16:00 UTC on the expiry date).
func (k InstrumentKey) ExpiresAt() (time.Time, error) {
	d, err := time.Parse("20060102", k.Expiration)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiration %q: %w", k.Expiration, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, time.UTC), nil
}

// PriceTick is an underlying price observation from an external feed.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	Volume    *int64    `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Quote is the engine's working two-sided quote for one instrument.
// A zero size on either side means that side is not quoted.
type Quote struct {
	Instrument InstrumentKey `json:"instrument"`
	BidPrice   float64       `json:"bid_price"`
	BidSize    float64       `json:"bid_size"`
	AskPrice   float64       `json:"ask_price"`
	AskSize    float64       `json:"ask_size"`
	Sequence   uint64        `json:"sequence"`
}

// HasBid reports whether the bid side is quoted.
func (q Quote) HasBid() bool { return q.BidSize > 0 }

// HasAsk reports whether the ask side is quoted.
func (q Quote) HasAsk() bool { return q.AskSize > 0 }

// Fill is an inbound fill notification from the order book collaborator.
type Fill struct {
	ExecutionID string        `json:"execution_id"`
	OrderID     string        `json:"order_id"`
	Instrument  InstrumentKey `json:"instrument"`
	Side        Side          `json:"side"`
	Price       float64       `json:"price"`
	Quantity    float64       `json:"quantity"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Execution is an immutable, append-only record of one fill.
type Execution struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"order_id"`
	Instrument InstrumentKey `json:"instrument"`
	Side       Side          `json:"side"`
	Quantity   float64       `json:"quantity"`
	Price      float64       `json:"price"`
	Theo       float64       `json:"theo"`    // theoretical value at execution time
	Edge       float64       `json:"edge"`    // price vs theo, side-adjusted
	Latency    time.Duration `json:"latency"` // book notify -> ledger apply
	Timestamp  time.Time     `json:"timestamp"`
}

// EdgeFor computes side-adjusted edge: buying below theo and selling
// above theo are both positive.
func EdgeFor(side Side, price, theo float64) float64 {
	if side == SideBuy {
		return theo - price
	}
	return price - theo
}

// Position is the net position for one instrument. A zero-quantity
// position is a valid flat record and is never deleted.
type Position struct {
	Instrument    InstrumentKey `json:"instrument"`
	Quantity      float64       `json:"quantity"` // signed, long > 0
	AvgEntryPrice float64       `json:"avg_entry_price"`
	RealizedPnL   float64       `json:"realized_pnl"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Greeks of one option contract.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

// Theo bundles a theoretical value with its greeks.
type Theo struct {
	Value  float64 `json:"value"`
	Greeks Greeks  `json:"greeks"`
}
