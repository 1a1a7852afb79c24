package ohlc

import (
	"testing"
	"time"
)

const sym = "BTC-20261225-50000-C"

var base = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func TestSingleTrade(t *testing.T) {
	a := New()
	a.RecordTrade(sym, base, 500, 100)

	bars := a.Bars(sym, Interval1m, time.Time{}, time.Time{}, 0)
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	b := bars[0]
	if b.Open != 500 || b.High != 500 || b.Low != 500 || b.Close != 500 {
		t.Errorf("ohlc = %v/%v/%v/%v, want all 500", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 100 || b.TradeCount != 1 {
		t.Errorf("volume/count = %v/%d, want 100/1", b.Volume, b.TradeCount)
	}
	if !b.Timestamp.Equal(base) {
		t.Errorf("bar start = %s, want %s", b.Timestamp, base)
	}
}

func TestTradesAggregateWithinBar(t *testing.T) {
	a := New()
	a.RecordTrade(sym, base, 500, 100)
	a.RecordTrade(sym, base.Add(10*time.Second), 520, 50)
	a.RecordTrade(sym, base.Add(30*time.Second), 490, 75)

	bars := a.Bars(sym, Interval1m, time.Time{}, time.Time{}, 0)
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	b := bars[0]
	if b.Open != 500 || b.High != 520 || b.Low != 490 || b.Close != 490 {
		t.Errorf("ohlc = %v/%v/%v/%v, want 500/520/490/490", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume != 225 || b.TradeCount != 3 {
		t.Errorf("volume/count = %v/%d, want 225/3", b.Volume, b.TradeCount)
	}
}

func TestTradesSplitAcrossBars(t *testing.T) {
	a := New()
	a.RecordTrade(sym, base, 500, 100)
	a.RecordTrade(sym, base.Add(time.Minute), 510, 50)
	a.RecordTrade(sym, base.Add(2*time.Minute), 520, 75)

	bars := a.Bars(sym, Interval1m, time.Time{}, time.Time{}, 0)
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want 3", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Timestamp.Before(bars[i].Timestamp) {
			t.Errorf("bars out of order: %s then %s", bars[i-1].Timestamp, bars[i].Timestamp)
		}
	}
}

func TestBarsTimeRangeAndLimit(t *testing.T) {
	a := New()
	for i := 0; i < 5; i++ {
		a.RecordTrade(sym, base.Add(time.Duration(i)*time.Minute), 500+float64(i), 100)
	}

	ranged := a.Bars(sym, Interval1m, base.Add(time.Minute), base.Add(3*time.Minute), 0)
	if len(ranged) != 3 {
		t.Errorf("ranged bars = %d, want 3", len(ranged))
	}

	capped := a.Bars(sym, Interval1m, time.Time{}, time.Time{}, 2)
	if len(capped) != 2 {
		t.Fatalf("capped bars = %d, want 2", len(capped))
	}
	if capped[0].Open != 500 || capped[1].Open != 501 {
		t.Errorf("limit must keep the oldest bars, got %v/%v", capped[0].Open, capped[1].Open)
	}
}

func TestLatest(t *testing.T) {
	a := New()
	if _, ok := a.Latest(sym, Interval1m); ok {
		t.Error("empty aggregator must report no latest bar")
	}

	a.RecordTrade(sym, base, 500, 100)
	a.RecordTrade(sym, base.Add(time.Minute), 510, 50)
	a.RecordTrade(sym, base.Add(2*time.Minute), 520, 75)

	latest, ok := a.Latest(sym, Interval1m)
	if !ok || latest.Close != 520 {
		t.Errorf("latest = %+v (%v), want close 520", latest, ok)
	}
}

func TestAllIntervalsUpdated(t *testing.T) {
	a := New()
	a.RecordTrade(sym, base, 500, 100)

	for _, iv := range Intervals {
		if n := a.BarCount(sym, iv); n != 1 {
			t.Errorf("%s bar count = %d, want 1", iv, n)
		}
	}
}

func TestIntervalFloor(t *testing.T) {
	cases := []struct {
		iv   Interval
		in   time.Time
		want time.Time
	}{
		{Interval1m, base.Add(65 * time.Second), base.Add(time.Minute)},
		{Interval5m, base.Add(65 * time.Second), base},
		{Interval1h, base.Add(30 * time.Minute), base},
		{Interval1d, base.Add(9 * time.Hour), time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.iv.floor(tc.in); !got.Equal(tc.want) {
			t.Errorf("%s floor(%s) = %s, want %s", tc.iv, tc.in, got, tc.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	if iv, ok := ParseInterval("15m"); !ok || iv != Interval15m {
		t.Errorf("15m = %s (%v)", iv, ok)
	}
	if _, ok := ParseInterval("2m"); ok {
		t.Error("unknown interval must not parse")
	}
}

func TestClearSymbol(t *testing.T) {
	a := New()
	a.RecordTrade(sym, base, 500, 100)
	a.RecordTrade("OTHER", base, 600, 10)

	a.ClearSymbol(sym)
	if n := a.BarCount(sym, Interval1m); n != 0 {
		t.Errorf("bar count after clear = %d, want 0", n)
	}
	if n := a.BarCount("OTHER", Interval1m); n != 1 {
		t.Errorf("other symbol lost its bars (%d)", n)
	}
}
