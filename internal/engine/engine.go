// Package engine derives quotes from underlying prices and a pricing
// collaborator, manages resting quote orders on the external book, and
// records fills into the ledger. Ticks, control changes, and fills are
// serialized per underlying symbol; different symbols run in parallel.
package engine

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"options-core/internal/book"
	"options-core/internal/hub"
	"options-core/internal/ledger"
	"options-core/internal/model"
	"options-core/pkg/pricing"
)

// Config holds the static quoting parameters.
type Config struct {
	// BaseSpread is the full bid/ask spread in price units before the
	// spread multiplier is applied.
	BaseSpread float64
	// BaseSize is the per-side quote size before the size scalar.
	BaseSize float64
	// MinTick is the smallest price or size change that justifies a
	// cancel-replace; smaller diffs leave resting orders untouched.
	MinTick float64
	// MaxPosition and MaxDelta seed the control state's default
	// symbol-wide exposure ceilings. Zero keeps the built-in defaults;
	// per-symbol control overrides still apply on top.
	MaxPosition float64
	MaxDelta    float64
}

// DefaultConfig returns sane quoting defaults.
func DefaultConfig() Config {
	return Config{BaseSpread: 2.0, BaseSize: 10, MinTick: 0.01}
}

// Store receives engine-side records for durable persistence
// (fire-and-forget; the engine never waits on it).
type Store interface {
	SaveTick(model.PriceTick)
	SaveControlState(model.ControlState)
}

// Faults are observable failure counters.
type Faults struct {
	PricingErrors uint64 `json:"pricing_errors"`
	BookErrors    uint64 `json:"book_errors"`
	BookRetries   uint64 `json:"book_retries"`
	Withdrawals   uint64 `json:"withdrawals"`
}

// Engine is the market-making core.
type Engine struct {
	cfg    Config
	pricer pricing.Pricer
	book   book.Book
	ledger *ledger.Ledger
	hub    *hub.Hub
	store  Store

	// controlMu guards control state. Quote events are published while
	// holding the read side, so flipping MasterEnabled under the write
	// lock is atomic with respect to quote emission (no Quoting-state
	// event can interleave after the kill switch engages).
	controlMu sync.RWMutex
	control   model.ControlState
	onTrade   func(model.Execution)

	workersMu sync.RWMutex
	workers   map[string]*symbolWorker

	pricingErrors atomic.Uint64
	bookErrors    atomic.Uint64
	bookRetries   atomic.Uint64
	withdrawals   atomic.Uint64
}

// New creates an engine. store may be nil.
func New(cfg Config, pricer pricing.Pricer, bk book.Book, led *ledger.Ledger, h *hub.Hub, store Store) *Engine {
	if cfg.BaseSpread <= 0 {
		cfg.BaseSpread = DefaultConfig().BaseSpread
	}
	if cfg.BaseSize <= 0 {
		cfg.BaseSize = DefaultConfig().BaseSize
	}
	if cfg.MinTick <= 0 {
		cfg.MinTick = DefaultConfig().MinTick
	}
	control := model.DefaultControlState()
	if cfg.MaxPosition > 0 {
		control.DefaultMaxPosition = cfg.MaxPosition
	}
	if cfg.MaxDelta > 0 {
		control.DefaultMaxDelta = cfg.MaxDelta
	}
	return &Engine{
		cfg:     cfg,
		pricer:  pricer,
		book:    bk,
		ledger:  led,
		hub:     h,
		store:   store,
		control: control,
		workers: make(map[string]*symbolWorker),
	}
}

// RegisterInstruments declares the option universe for one underlying
// and starts its worker. Idempotent per symbol; later calls extend the
// instrument set.
func (e *Engine) RegisterInstruments(symbol string, keys []model.InstrumentKey) {
	e.workersMu.Lock()
	w, ok := e.workers[symbol]
	if !ok {
		w = newSymbolWorker(e, symbol)
		e.workers[symbol] = w
		go w.run()
	}
	e.workersMu.Unlock()
	w.post(addInstrumentsMsg{keys: keys})
}

// Symbols lists registered underlyings.
func (e *Engine) Symbols() []string {
	e.workersMu.RLock()
	defer e.workersMu.RUnlock()
	out := make([]string, 0, len(e.workers))
	for s := range e.workers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close stops all workers.
func (e *Engine) Close() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	for _, w := range e.workers {
		w.close()
	}
	e.workers = nil
}

// OnTick feeds an underlying price tick into the engine. Ticks for
// unregistered symbols are persisted but otherwise ignored.
func (e *Engine) OnTick(tick model.PriceTick) {
	if e.store != nil {
		e.store.SaveTick(tick)
	}
	if w := e.worker(tick.Symbol); w != nil {
		w.post(tickMsg{tick: tick})
	}
}

// OnFill routes a fill notification from the book to its symbol's
// worker. Fills are never dropped; duplicates are absorbed by the
// ledger's idempotency.
func (e *Engine) OnFill(fill model.Fill) {
	w := e.worker(fill.Instrument.Underlying)
	if w == nil {
		log.Printf("engine: fill for unregistered symbol %s dropped", fill.Instrument.Underlying)
		return
	}
	w.post(fillMsg{fill: fill})
}

// LastPrice returns the most recent accepted tick for a symbol.
func (e *Engine) LastPrice(symbol string) (model.PriceTick, bool) {
	w := e.worker(symbol)
	if w == nil {
		return model.PriceTick{}, false
	}
	reply := make(chan *model.PriceTick, 1)
	w.post(priceQueryMsg{reply: reply})
	select {
	case t := <-reply:
		if t != nil {
			return *t, true
		}
	case <-w.done:
		// Worker already stopped; nothing will answer.
	}
	return model.PriceTick{}, false
}

// InstrumentStatuses reports quoting state for every instrument of one
// symbol ("" = all symbols), sorted by instrument symbol.
func (e *Engine) InstrumentStatuses(symbol string) []model.InstrumentStatus {
	e.workersMu.RLock()
	var targets []*symbolWorker
	for s, w := range e.workers {
		if symbol == "" || s == symbol {
			targets = append(targets, w)
		}
	}
	e.workersMu.RUnlock()

	var out []model.InstrumentStatus
	for _, w := range targets {
		reply := make(chan []model.InstrumentStatus, 1)
		w.post(statusQueryMsg{reply: reply})
		select {
		case sts := <-reply:
			out = append(out, sts...)
		case <-w.done:
			// Worker already stopped; skip it.
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instrument.Symbol() < out[j].Instrument.Symbol()
	})
	return out
}

// ControlState returns a read-only snapshot of the control layers.
func (e *Engine) ControlState() model.ControlState {
	e.controlMu.RLock()
	defer e.controlMu.RUnlock()
	return e.control.Clone()
}

// Faults returns the observable fault counters.
func (e *Engine) Faults() Faults {
	return Faults{
		PricingErrors: e.pricingErrors.Load(),
		BookErrors:    e.bookErrors.Load(),
		BookRetries:   e.bookRetries.Load(),
		Withdrawals:   e.withdrawals.Load(),
	}
}

// SetMasterEnabled flips the kill switch. Disabling withdraws every
// instrument before returning: no instrument remains quoting once this
// call completes.
func (e *Engine) SetMasterEnabled(enabled bool) {
	e.controlMu.Lock()
	e.control.MasterEnabled = enabled
	snapshot := e.control.Clone()
	e.controlMu.Unlock()

	if enabled {
		log.Println("engine: master quoting enabled")
	} else {
		log.Println("engine: kill switch engaged, withdrawing all instruments")
	}
	e.persistControl(snapshot)
	e.refreshAll(true)
}

// SetGlobalParams replaces the global parameter layer.
func (e *Engine) SetGlobalParams(p model.Params) {
	e.controlMu.Lock()
	e.control.Global = p
	snapshot := e.control.Clone()
	e.controlMu.Unlock()
	e.persistControl(snapshot)
	e.refreshAll(false)
}

// SetSymbolControl replaces the per-symbol override layer for one
// underlying.
func (e *Engine) SetSymbolControl(symbol string, sc model.SymbolControl) {
	e.controlMu.Lock()
	e.control.Symbols[symbol] = sc
	snapshot := e.control.Clone()
	e.controlMu.Unlock()
	e.persistControl(snapshot)
	e.refresh(symbol, true)
}

// SetSymbolEnabled toggles quoting for one underlying, preserving its
// other overrides.
func (e *Engine) SetSymbolEnabled(symbol string, enabled bool) {
	e.controlMu.Lock()
	sc, ok := e.control.Symbols[symbol]
	if !ok {
		sc = model.SymbolControl{
			QuotingEnabled:   enabled,
			SpreadMultiplier: 1,
			SizeScalar:       1,
		}
	}
	sc.QuotingEnabled = enabled
	e.control.Symbols[symbol] = sc
	snapshot := e.control.Clone()
	e.controlMu.Unlock()

	log.Printf("engine: symbol %s quoting %v", symbol, enabled)
	e.persistControl(snapshot)
	e.refresh(symbol, true)
}

// RestoreControlState seeds control state at startup (from storage).
func (e *Engine) RestoreControlState(cs model.ControlState) {
	e.controlMu.Lock()
	if cs.Symbols == nil {
		cs.Symbols = make(map[string]model.SymbolControl)
	}
	e.control = cs
	e.controlMu.Unlock()
	e.refreshAll(false)
}

// controlSnapshot returns the merged parameters for a symbol together
// with the master flag, read under one lock acquisition.
func (e *Engine) controlSnapshot(symbol string) (model.EffectiveParams, bool) {
	e.controlMu.RLock()
	defer e.controlMu.RUnlock()
	return e.control.Effective(symbol), e.control.MasterEnabled
}

// publishQuoteStatus emits a quote/withdrawal event. Quoting-state
// events are suppressed once the kill switch is engaged; withdrawal
// and disabled events always go out.
func (e *Engine) publishQuoteStatus(st model.InstrumentStatus) {
	e.controlMu.RLock()
	defer e.controlMu.RUnlock()
	if st.State == model.StateQuoting && !e.control.MasterEnabled {
		return
	}
	e.hub.Publish(
		hub.QuotesChannel(st.Instrument.Underlying),
		hub.NewSupersedableEvent("quote", st, st.Instrument.Symbol(), st.Sequence),
	)
}

// SetTradeHandler registers an observer invoked for every execution the
// ledger accepts, before the trade event is published. Used to feed
// derived views like candle aggregation.
func (e *Engine) SetTradeHandler(h func(model.Execution)) {
	e.controlMu.Lock()
	e.onTrade = h
	e.controlMu.Unlock()
}

func (e *Engine) publishTrade(exec model.Execution, pos model.Position) {
	e.controlMu.RLock()
	onTrade := e.onTrade
	e.controlMu.RUnlock()
	if onTrade != nil {
		onTrade(exec)
	}
	e.hub.Publish(hub.TradesChannel(exec.Instrument.Underlying), hub.NewEvent("trade", tradeEvent{
		Execution: exec,
		Position:  pos,
	}))
}

// tradeEvent is the payload published on trades:{symbol}.
type tradeEvent struct {
	Execution model.Execution `json:"execution"`
	Position  model.Position  `json:"position"`
}

func (e *Engine) persistControl(cs model.ControlState) {
	if e.store != nil {
		e.store.SaveControlState(cs)
	}
}

func (e *Engine) worker(symbol string) *symbolWorker {
	e.workersMu.RLock()
	defer e.workersMu.RUnlock()
	return e.workers[symbol]
}

// refresh posts a control-refresh to one symbol's worker. wait makes
// the call synchronous, which control paths that disable quoting use
// so resting orders are cancelled before returning.
func (e *Engine) refresh(symbol string, wait bool) {
	w := e.worker(symbol)
	if w == nil {
		return
	}
	e.refreshWorkers([]*symbolWorker{w}, wait)
}

func (e *Engine) refreshAll(wait bool) {
	e.workersMu.RLock()
	targets := make([]*symbolWorker, 0, len(e.workers))
	for _, w := range e.workers {
		targets = append(targets, w)
	}
	e.workersMu.RUnlock()
	e.refreshWorkers(targets, wait)
}

func (e *Engine) refreshWorkers(targets []*symbolWorker, wait bool) {
	acks := make([]chan struct{}, 0, len(targets))
	for _, w := range targets {
		var ack chan struct{}
		if wait {
			ack = make(chan struct{})
			acks = append(acks, ack)
		}
		w.post(controlMsg{ack: ack})
	}
	for _, ack := range acks {
		<-ack
	}
}
