package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"options-core/internal/book"
	"options-core/internal/hub"
	"options-core/internal/ledger"
	"options-core/internal/model"
	"options-core/pkg/pricing"
)

var btcCall = model.InstrumentKey{
	Underlying: "BTC",
	Expiration: "20261225",
	Strike:     50000,
	Style:      model.StyleCall,
}

// stubPricer returns a fixed theo (or error) regardless of inputs.
type stubPricer struct {
	theo model.Theo
	err  error
}

func (p *stubPricer) Theoretical(k model.InstrumentKey, spot float64, asOf time.Time) (model.Theo, error) {
	if p.err != nil {
		return model.Theo{}, p.err
	}
	return p.theo, nil
}

type fixture struct {
	eng    *Engine
	book   *book.SimBook
	ledger *ledger.Ledger
	hub    *hub.Hub
}

func newFixture(t *testing.T, pricer pricing.Pricer) *fixture {
	t.Helper()
	if pricer == nil {
		pricer = &stubPricer{theo: model.Theo{Value: 50000, Greeks: model.Greeks{Delta: 0.5}}}
	}
	h := hub.New(hub.DefaultConfig())
	led := ledger.New(nil)
	bk := book.NewSim()
	eng := New(Config{BaseSpread: 2.0, BaseSize: 10, MinTick: 0.01}, pricer, bk, led, h, nil)
	bk.SetFillHandler(eng.OnFill)
	t.Cleanup(eng.Close)
	return &fixture{eng: eng, book: bk, ledger: led, hub: h}
}

func (f *fixture) tick(price float64) {
	f.eng.OnTick(model.PriceTick{
		Symbol:    "BTC",
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    "test",
	})
}

// status blocks until the worker has drained everything posted before
// the call, then returns the instrument's status.
func (f *fixture) status(t *testing.T, k model.InstrumentKey) model.InstrumentStatus {
	t.Helper()
	for _, st := range f.eng.InstrumentStatuses(k.Underlying) {
		if st.Instrument == k {
			return st
		}
	}
	t.Fatalf("no status for %s", k.Symbol())
	return model.InstrumentStatus{}
}

func TestEngineWithdrawnBeforeFirstTick(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})

	st := f.status(t, btcCall)
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawNoUnderlyingPrice {
		t.Errorf("status = %s/%s, want withdrawn/no_underlying_price", st.State, st.Reason)
	}
	if st.Quote != nil {
		t.Error("withdrawn instrument must carry no quote")
	}
}

func TestEngineQuotesOnTick(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)

	st := f.status(t, btcCall)
	if st.State != model.StateQuoting {
		t.Fatalf("state = %s, want quoting", st.State)
	}
	q := st.Quote
	if q == nil {
		t.Fatal("quoting status must carry the quote")
	}
	if q.BidPrice != 49999 || q.AskPrice != 50001 {
		t.Errorf("quote = %v/%v, want 49999/50001", q.BidPrice, q.AskPrice)
	}
	if q.BidSize != 10 || q.AskSize != 10 {
		t.Errorf("sizes = %v/%v, want 10/10", q.BidSize, q.AskSize)
	}
	if f.book.OrderCount() != 2 {
		t.Errorf("resting orders = %d, want 2", f.book.OrderCount())
	}
}

func TestEngineIgnoresOutOfOrderTick(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})

	now := time.Now().UTC()
	f.eng.OnTick(model.PriceTick{Symbol: "BTC", Price: 50000, Timestamp: now, Source: "test"})
	f.eng.OnTick(model.PriceTick{Symbol: "BTC", Price: 10, Timestamp: now.Add(-time.Second), Source: "test"})

	tick, ok := f.eng.LastPrice("BTC")
	if !ok || tick.Price != 50000 {
		t.Errorf("last price = %v (%v), want 50000", tick.Price, ok)
	}
}

func TestEngineNoChurnOnNegligibleMove(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)

	before := f.status(t, btcCall)
	f.tick(50000.001) // same theo from the stub pricer anyway
	after := f.status(t, btcCall)

	if after.Sequence != before.Sequence {
		t.Errorf("sequence moved %d -> %d on a negligible change", before.Sequence, after.Sequence)
	}
}

func TestKillSwitchWithdrawsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)
	f.status(t, btcCall) // drain

	f.eng.SetMasterEnabled(false)

	// SetMasterEnabled is synchronous: by here the book must be clean.
	if n := f.book.OrderCount(); n != 0 {
		t.Errorf("resting orders after kill switch = %d, want 0", n)
	}
	st := f.status(t, btcCall)
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawKillSwitch {
		t.Errorf("status = %s/%s, want withdrawn/kill_switch", st.State, st.Reason)
	}

	f.eng.SetMasterEnabled(true)
	st = f.status(t, btcCall)
	if st.State != model.StateQuoting {
		t.Errorf("state after re-enable = %s, want quoting", st.State)
	}
}

func TestSymbolToggle(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)

	f.eng.SetSymbolEnabled("BTC", false)
	st := f.status(t, btcCall)
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawSymbolToggle {
		t.Errorf("status = %s/%s, want withdrawn/symbol_toggle", st.State, st.Reason)
	}
	if n := f.book.OrderCount(); n != 0 {
		t.Errorf("resting orders = %d, want 0", n)
	}

	f.eng.SetSymbolEnabled("BTC", true)
	st = f.status(t, btcCall)
	if st.State != model.StateQuoting {
		t.Errorf("state after re-enable = %s, want quoting (last tick retained)", st.State)
	}
}

func TestSizeScalarZeroWithdrawsRiskLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)

	f.eng.SetSymbolControl("BTC", model.SymbolControl{
		QuotingEnabled:   true,
		SpreadMultiplier: 1,
		SizeScalar:       0,
	})

	st := f.status(t, btcCall)
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawRiskLimit {
		t.Errorf("status = %s/%s, want withdrawn/risk_limit", st.State, st.Reason)
	}
	if n := f.book.OrderCount(); n != 0 {
		t.Errorf("resting orders = %d, want 0", n)
	}
}

func TestPricingErrorWithdraws(t *testing.T) {
	p := &stubPricer{err: &pricing.Error{Instrument: btcCall, Msg: "no vol surface"}}
	f := newFixture(t, p)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)

	st := f.status(t, btcCall)
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawNoUnderlyingPrice {
		t.Errorf("status = %s/%s, want withdrawn/no_underlying_price", st.State, st.Reason)
	}
	if faults := f.eng.Faults(); faults.PricingErrors == 0 {
		t.Error("pricing error counter not incremented")
	}
}

func TestMakerFillBooksPositionAndRequotes(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)
	f.status(t, btcCall) // ensure quotes are resting

	// A counterparty lifts 4 from the ask at 50001.
	res, err := f.book.ExecuteMarket(btcCall, model.SideBuy, 4)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if res.Status != "filled" || res.FilledQty != 4 {
		t.Fatalf("market result = %+v", res)
	}

	f.status(t, btcCall) // drain the fill message

	pos := f.ledger.GetPosition(btcCall)
	if pos.Quantity != -4 {
		t.Errorf("position = %v, want -4 (maker side only)", pos.Quantity)
	}
	if pos.AvgEntryPrice != 50001 {
		t.Errorf("avg entry = %v, want 50001", pos.AvgEntryPrice)
	}

	// The taker's fill is the counterparty's, not ours.
	if n := f.ledger.ExecutionCount(); n != 1 {
		t.Errorf("execution count = %d, want 1", n)
	}

	// Fill triggered a requote; the book holds a fresh two-sided quote.
	st := f.status(t, btcCall)
	if st.State != model.StateQuoting {
		t.Errorf("state after fill = %s, want quoting", st.State)
	}
	if st.Quote.AskSize != 10 {
		t.Errorf("ask size after requote = %v, want 10", st.Quote.AskSize)
	}
}

func TestControlStateCloneIsDetached(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})

	cs := f.eng.ControlState()
	cs.Symbols["BTC"] = model.SymbolControl{QuotingEnabled: false}

	if got := f.eng.ControlState(); len(got.Symbols) != 0 {
		t.Error("mutating a ControlState snapshot leaked into the engine")
	}
}

var btcPut = model.InstrumentKey{
	Underlying: "BTC",
	Expiration: "20261225",
	Strike:     50000,
	Style:      model.StylePut,
}

// A fill consumes headroom for the whole symbol: sibling instruments
// must shrink their stale resting sizes too, or the position ceiling
// could be breached through them.
func TestFillShrinksSiblingHeadroom(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	led := ledger.New(nil)
	bk := book.NewSim()
	p := &stubPricer{theo: model.Theo{Value: 50000, Greeks: model.Greeks{Delta: 0.5}}}
	eng := New(Config{BaseSpread: 2.0, BaseSize: 10, MinTick: 0.01, MaxPosition: 10}, p, bk, led, h, nil)
	bk.SetFillHandler(eng.OnFill)
	defer eng.Close()

	eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall, btcPut})
	eng.OnTick(model.PriceTick{Symbol: "BTC", Price: 50000, Timestamp: time.Now().UTC(), Source: "test"})
	eng.InstrumentStatuses("BTC") // quotes resting

	// Counterparty hits the call's bid for the full position ceiling.
	res, err := bk.ExecuteMarket(btcCall, model.SideSell, 10)
	if err != nil || res.Status != "filled" || res.FilledQty != 10 {
		t.Fatalf("market result = %+v (%v)", res, err)
	}
	statuses := eng.InstrumentStatuses("BTC") // drain the fill

	if net := led.NetQuantity("BTC"); net != 10 {
		t.Fatalf("net position = %v, want 10", net)
	}
	for _, st := range statuses {
		if st.Quote != nil && st.Quote.BidSize != 0 {
			t.Errorf("%s still bids %v at the position ceiling", st.Instrument.Symbol(), st.Quote.BidSize)
		}
	}

	// A second seller finds no bid anywhere under the symbol.
	res, err = bk.ExecuteMarket(btcPut, model.SideSell, 10)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if res.Status != "rejected" || res.FilledQty != 0 {
		t.Errorf("market result = %+v, want rejected", res)
	}
	eng.InstrumentStatuses("BTC")
	if net := led.NetQuantity("BTC"); net != 10 {
		t.Errorf("net position = %v, breached max position 10", net)
	}
}

func TestConfigSeedsExposureCeilings(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	p := &stubPricer{theo: model.Theo{Value: 50000}}

	eng := New(Config{MaxPosition: 10, MaxDelta: 25}, p, book.NewSim(), ledger.New(nil), h, nil)
	defer eng.Close()
	cs := eng.ControlState()
	if cs.DefaultMaxPosition != 10 || cs.DefaultMaxDelta != 25 {
		t.Errorf("ceilings = %v/%v, want 10/25", cs.DefaultMaxPosition, cs.DefaultMaxDelta)
	}

	// Zero config keeps the built-in defaults.
	eng2 := New(Config{}, p, book.NewSim(), ledger.New(nil), h, nil)
	defer eng2.Close()
	cs = eng2.ControlState()
	def := model.DefaultControlState()
	if cs.DefaultMaxPosition != def.DefaultMaxPosition || cs.DefaultMaxDelta != def.DefaultMaxDelta {
		t.Errorf("ceilings = %v/%v, want defaults %v/%v",
			cs.DefaultMaxPosition, cs.DefaultMaxDelta, def.DefaultMaxPosition, def.DefaultMaxDelta)
	}
}

// Queries racing a worker shutdown must return, not hang on a reply
// that will never come.
func TestQueriesReturnAfterWorkerShutdown(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)
	f.status(t, btcCall)

	f.eng.worker("BTC").close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.eng.LastPrice("BTC")
		f.eng.InstrumentStatuses("BTC")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine query blocked after worker shutdown")
	}
}

// memTransport records frames written by the hub for assertions.
type memTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (m *memTransport) WriteText(data []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.frames = append(m.frames, cp)
	return nil
}
func (m *memTransport) Ping(time.Time) error { return nil }
func (m *memTransport) Close() error         { return nil }

func (m *memTransport) snapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

type quoteFrame struct {
	Type string `json:"type"`
	Data struct {
		State    model.QuoteState     `json:"state"`
		Reason   model.WithdrawReason `json:"reason"`
		Sequence uint64               `json:"sequence"`
	} `json:"data"`
}

// After the kill switch engages, no quoting-state event may follow the
// withdrawal on the quotes channel.
func TestKillSwitchEventOrdering(t *testing.T) {
	f := newFixture(t, nil)
	tr := &memTransport{}
	conn := hub.NewConn(tr)
	f.hub.Attach(conn)
	defer f.hub.Detach(conn)
	f.hub.Subscribe(conn, hub.QuotesChannel("BTC"))

	f.eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	f.tick(50000)
	f.status(t, btcCall)

	f.eng.SetMasterEnabled(false)

	// Ticks arriving after the switch must not produce quote events.
	f.tick(50100)
	f.status(t, btcCall)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var sawWithdrawal bool
		for _, raw := range tr.snapshot() {
			var fr quoteFrame
			if err := json.Unmarshal(raw, &fr); err != nil || fr.Type != "quote" {
				continue
			}
			if fr.Data.State == model.StateWithdrawn && fr.Data.Reason == model.WithdrawKillSwitch {
				sawWithdrawal = true
				continue
			}
			if sawWithdrawal && fr.Data.State == model.StateQuoting {
				t.Fatal("quoting event delivered after kill-switch withdrawal")
			}
		}
		if sawWithdrawal {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("withdrawal event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOnFillUnregisteredSymbolDropped(t *testing.T) {
	f := newFixture(t, nil)
	// No symbols registered; must not panic.
	f.eng.OnFill(model.Fill{
		ExecutionID: "x",
		OrderID:     "o",
		Instrument:  btcCall,
		Side:        model.SideBuy,
		Price:       1,
		Quantity:    1,
		Timestamp:   time.Now(),
	})
	if f.ledger.ExecutionCount() != 0 {
		t.Error("fill for unregistered symbol must not reach the ledger")
	}
}

// flakyBook fails the first N submits, then delegates to a real book.
type flakyBook struct {
	inner    *book.SimBook
	failures int
}

func (b *flakyBook) SubmitOrder(k model.InstrumentKey, side model.Side, price, size float64) (string, error) {
	if b.failures > 0 {
		b.failures--
		return "", errors.New("transient venue error")
	}
	return b.inner.SubmitOrder(k, side, price, size)
}

func (b *flakyBook) CancelOrder(id string) error { return b.inner.CancelOrder(id) }

func TestSubmitRetriesOnce(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	led := ledger.New(nil)
	fb := &flakyBook{inner: book.NewSim(), failures: 1}
	p := &stubPricer{theo: model.Theo{Value: 50000, Greeks: model.Greeks{Delta: 0.5}}}
	eng := New(Config{BaseSpread: 2.0, BaseSize: 10, MinTick: 0.01}, p, fb, led, h, nil)
	defer eng.Close()

	eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	eng.OnTick(model.PriceTick{Symbol: "BTC", Price: 50000, Timestamp: time.Now(), Source: "test"})

	var st model.InstrumentStatus
	for _, s := range eng.InstrumentStatuses("BTC") {
		if s.Instrument == btcCall {
			st = s
		}
	}
	if st.State != model.StateQuoting {
		t.Fatalf("state = %s, want quoting after one retry", st.State)
	}
	if faults := eng.Faults(); faults.BookRetries != 1 {
		t.Errorf("book retries = %d, want 1", faults.BookRetries)
	}
}

func TestPersistentBookErrorWithdraws(t *testing.T) {
	h := hub.New(hub.DefaultConfig())
	led := ledger.New(nil)
	fb := &flakyBook{inner: book.NewSim(), failures: 1000}
	p := &stubPricer{theo: model.Theo{Value: 50000, Greeks: model.Greeks{Delta: 0.5}}}
	eng := New(Config{BaseSpread: 2.0, BaseSize: 10, MinTick: 0.01}, p, fb, led, h, nil)
	defer eng.Close()

	eng.RegisterInstruments("BTC", []model.InstrumentKey{btcCall})
	eng.OnTick(model.PriceTick{Symbol: "BTC", Price: 50000, Timestamp: time.Now(), Source: "test"})

	var st model.InstrumentStatus
	for _, s := range eng.InstrumentStatuses("BTC") {
		if s.Instrument == btcCall {
			st = s
		}
	}
	if st.State != model.StateWithdrawn || st.Reason != model.WithdrawBookError {
		t.Errorf("status = %s/%s, want withdrawn/book_error", st.State, st.Reason)
	}
	if faults := eng.Faults(); faults.BookErrors == 0 {
		t.Error("book error counter not incremented")
	}
}
