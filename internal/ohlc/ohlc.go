// Package ohlc aggregates executed trades into candlestick bars for
// charting and analysis.
package ohlc

import (
	"sort"
	"sync"
	"time"
)

// Interval is a candlestick bar width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Intervals lists every aggregated bar width, narrowest first.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

// Duration returns the bar width, or zero for an unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// ParseInterval validates a client-supplied interval string.
func ParseInterval(s string) (Interval, bool) {
	iv := Interval(s)
	return iv, iv.Duration() > 0
}

// floor truncates t to the start of its bar.
func (i Interval) floor(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration())
}

// Bar is one OHLC candlestick.
type Bar struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int       `json:"trade_count"`
}

func (b *Bar) update(price, qty float64) {
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	b.Volume += qty
	b.TradeCount++
}

type barKey struct {
	symbol   string
	interval Interval
}

// Aggregator folds trades into in-memory bars per symbol and interval.
// Safe for concurrent recording and reading.
type Aggregator struct {
	mu   sync.RWMutex
	bars map[barKey]map[int64]*Bar // bar start (unix seconds) -> bar
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{bars: make(map[barKey]map[int64]*Bar)}
}

// RecordTrade updates the bar containing ts at every interval.
func (a *Aggregator) RecordTrade(symbol string, ts time.Time, price, qty float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, iv := range Intervals {
		start := iv.floor(ts)
		key := barKey{symbol: symbol, interval: iv}
		byStart := a.bars[key]
		if byStart == nil {
			byStart = make(map[int64]*Bar)
			a.bars[key] = byStart
		}
		if b, ok := byStart[start.Unix()]; ok {
			b.update(price, qty)
			continue
		}
		byStart[start.Unix()] = &Bar{
			Timestamp:  start,
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
			Volume:     qty,
			TradeCount: 1,
		}
	}
}

// Bars returns the bars within [from, to] oldest first, capped at limit
// (0 = no cap). A zero from or to leaves that end of the range open.
func (a *Aggregator) Bars(symbol string, iv Interval, from, to time.Time, limit int) []Bar {
	a.mu.RLock()
	byStart := a.bars[barKey{symbol: symbol, interval: iv}]
	out := make([]Bar, 0, len(byStart))
	for start, b := range byStart {
		if !from.IsZero() && start < from.Unix() {
			continue
		}
		if !to.IsZero() && start > to.Unix() {
			continue
		}
		out = append(out, *b)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Latest returns the most recent bar for a symbol and interval.
func (a *Aggregator) Latest(symbol string, iv Interval) (Bar, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byStart := a.bars[barKey{symbol: symbol, interval: iv}]
	var latest *Bar
	for _, b := range byStart {
		if latest == nil || b.Timestamp.After(latest.Timestamp) {
			latest = b
		}
	}
	if latest == nil {
		return Bar{}, false
	}
	return *latest, true
}

// BarCount reports how many bars exist for a symbol and interval.
func (a *Aggregator) BarCount(symbol string, iv Interval) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bars[barKey{symbol: symbol, interval: iv}])
}

// ClearSymbol drops every bar for one symbol across all intervals.
func (a *Aggregator) ClearSymbol(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, iv := range Intervals {
		delete(a.bars, barKey{symbol: symbol, interval: iv})
	}
}
