package engine

import (
	"errors"
	"log"
	"time"

	"options-core/internal/book"
	"options-core/internal/ledger"
	"options-core/internal/model"
)

type workerMsg interface{ workerMsg() }

type tickMsg struct{ tick model.PriceTick }
type fillMsg struct{ fill model.Fill }
type controlMsg struct{ ack chan struct{} }
type addInstrumentsMsg struct{ keys []model.InstrumentKey }
type statusQueryMsg struct{ reply chan []model.InstrumentStatus }
type priceQueryMsg struct{ reply chan *model.PriceTick }

func (tickMsg) workerMsg()           {}
func (fillMsg) workerMsg()           {}
func (controlMsg) workerMsg()        {}
func (addInstrumentsMsg) workerMsg() {}
func (statusQueryMsg) workerMsg()    {}
func (priceQueryMsg) workerMsg()     {}

// instrumentRuntime is the engine's working state for one instrument,
// owned exclusively by its symbol's worker goroutine.
type instrumentRuntime struct {
	state  model.QuoteState
	reason model.WithdrawReason
	seq    uint64
	quote  model.Quote

	bidOrderID string
	askOrderID string

	theo      model.Theo
	theoValid bool
}

// symbolWorker serializes all processing for one underlying: price
// ticks, control changes, and fills arrive on one inbox and are
// handled by a single goroutine, so ledger entries and quote state for
// this symbol have a single writer.
type symbolWorker struct {
	symbol string
	eng    *Engine
	inbox  chan workerMsg
	done   chan struct{}

	lastTick *model.PriceTick
	order    []model.InstrumentKey
	state    map[model.InstrumentKey]*instrumentRuntime

	// owned maps this worker's live order ids to their unfilled size.
	// Fills for orders we never placed belong to the counterparty and
	// stay out of the ledger.
	owned map[string]float64
}

func newSymbolWorker(e *Engine, symbol string) *symbolWorker {
	return &symbolWorker{
		symbol: symbol,
		eng:    e,
		inbox:  make(chan workerMsg, 1024),
		done:   make(chan struct{}),
		state:  make(map[model.InstrumentKey]*instrumentRuntime),
		owned:  make(map[string]float64),
	}
}

func (w *symbolWorker) post(msg workerMsg) {
	select {
	case w.inbox <- msg:
	case <-w.done:
	}
}

func (w *symbolWorker) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *symbolWorker) run() {
	for {
		select {
		case <-w.done:
			w.withdrawAll(model.WithdrawKillSwitch)
			return
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

func (w *symbolWorker) handle(msg workerMsg) {
	switch m := msg.(type) {
	case tickMsg:
		w.onTick(m.tick)
	case fillMsg:
		w.onFill(m.fill)
	case controlMsg:
		w.requoteAll()
		if m.ack != nil {
			close(m.ack)
		}
	case addInstrumentsMsg:
		for _, k := range m.keys {
			if _, ok := w.state[k]; ok {
				continue
			}
			w.state[k] = &instrumentRuntime{state: model.StateDisabled}
			w.order = append(w.order, k)
		}
		w.requoteAll()
	case statusQueryMsg:
		m.reply <- w.statuses()
	case priceQueryMsg:
		m.reply <- w.lastTick
	}
}

// onTick accepts a price update. Ticks older than the last applied one
// are kept out of quoting so already-published quotes never roll back.
func (w *symbolWorker) onTick(tick model.PriceTick) {
	if w.lastTick != nil && tick.Timestamp.Before(w.lastTick.Timestamp) {
		log.Printf("engine: %s out-of-order tick (%.2f @ %s) ignored for quoting",
			w.symbol, tick.Price, tick.Timestamp.Format(time.RFC3339Nano))
		return
	}
	w.lastTick = &tick
	w.requoteAll()
}

func (w *symbolWorker) requoteAll() {
	for _, k := range w.order {
		w.requote(k)
	}
}

// requote recomputes the target quote for one instrument and diffs it
// against the resting quote, issuing cancel-replace only when the
// change exceeds the minimum tick.
func (w *symbolWorker) requote(k model.InstrumentKey) {
	rt := w.state[k]
	eff, master := w.eng.controlSnapshot(w.symbol)

	if !eff.Enabled {
		reason := model.WithdrawSymbolToggle
		if !master {
			reason = model.WithdrawKillSwitch
		}
		w.withdraw(k, rt, reason)
		return
	}
	if w.lastTick == nil {
		w.withdraw(k, rt, model.WithdrawNoUnderlyingPrice)
		return
	}

	theo, err := w.eng.pricer.Theoretical(k, w.lastTick.Price, time.Now())
	if err != nil {
		w.eng.pricingErrors.Add(1)
		log.Printf("engine: %v", err)
		w.withdraw(k, rt, model.WithdrawNoUnderlyingPrice)
		return
	}
	rt.theo = theo
	rt.theoValid = true
	w.eng.ledger.MarkToTheo(k, theo.Value)

	desired := computeQuote(quoteInput{
		theo:        theo,
		eff:         eff,
		baseSpread:  w.eng.cfg.BaseSpread,
		baseSize:    w.eng.cfg.BaseSize,
		netPosition: w.eng.ledger.NetQuantity(w.symbol),
		netDelta:    w.netDelta(),
	})

	if desired.bidSize == 0 && desired.askSize == 0 {
		w.withdraw(k, rt, model.WithdrawRiskLimit)
		return
	}

	if rt.state == model.StateQuoting && !changedBeyond(rt.quote, desired, w.eng.cfg.MinTick) {
		return // negligible change, leave resting orders alone
	}

	if !w.place(k, rt, desired) {
		return // placement failed; instrument already withdrawn
	}

	rt.seq++
	rt.state = model.StateQuoting
	rt.reason = model.WithdrawNone
	rt.quote = model.Quote{
		Instrument: k,
		BidPrice:   desired.bidPrice,
		BidSize:    desired.bidSize,
		AskPrice:   desired.askPrice,
		AskSize:    desired.askSize,
		Sequence:   rt.seq,
	}
	w.publishStatus(k, rt)
}

// place cancels resting orders and submits the new quote sides. Each
// submission is retried once; a second failure withdraws the
// instrument and surfaces the fault.
func (w *symbolWorker) place(k model.InstrumentKey, rt *instrumentRuntime, q desiredQuote) bool {
	w.cancelResting(rt)

	if q.bidSize > 0 {
		id, err := w.submitWithRetry(k, model.SideBuy, q.bidPrice, q.bidSize)
		if err != nil {
			w.eng.bookErrors.Add(1)
			log.Printf("engine: bid submit failed for %s: %v", k.Symbol(), err)
			w.withdraw(k, rt, model.WithdrawBookError)
			return false
		}
		rt.bidOrderID = id
		w.owned[id] = q.bidSize
	}
	if q.askSize > 0 {
		id, err := w.submitWithRetry(k, model.SideSell, q.askPrice, q.askSize)
		if err != nil {
			w.eng.bookErrors.Add(1)
			log.Printf("engine: ask submit failed for %s: %v", k.Symbol(), err)
			w.withdraw(k, rt, model.WithdrawBookError)
			return false
		}
		rt.askOrderID = id
		w.owned[id] = q.askSize
	}
	return true
}

func (w *symbolWorker) submitWithRetry(k model.InstrumentKey, side model.Side, price, size float64) (string, error) {
	id, err := w.eng.book.SubmitOrder(k, side, price, size)
	if err == nil {
		return id, nil
	}
	w.eng.bookRetries.Add(1)
	return w.eng.book.SubmitOrder(k, side, price, size)
}

// withdraw cancels resting orders before the transition completes, so
// no orphaned orders survive a withdrawal.
func (w *symbolWorker) withdraw(k model.InstrumentKey, rt *instrumentRuntime, reason model.WithdrawReason) {
	if rt.state == model.StateWithdrawn && rt.reason == reason {
		return
	}
	if rt.state == model.StateDisabled && (reason == model.WithdrawKillSwitch || reason == model.WithdrawSymbolToggle) {
		// Never quoted and quoting is off: stays Disabled.
		return
	}

	w.cancelResting(rt)
	rt.seq++
	rt.state = model.StateWithdrawn
	rt.reason = reason
	rt.quote = model.Quote{Instrument: k, Sequence: rt.seq}
	w.eng.withdrawals.Add(1)
	w.publishStatus(k, rt)
}

func (w *symbolWorker) withdrawAll(reason model.WithdrawReason) {
	for _, k := range w.order {
		w.withdraw(k, w.state[k], reason)
	}
}

// cancelResting is best-effort: an order the book no longer holds has
// been filled, and that fill will still arrive and be applied. The id
// stays in owned until its fills drain it.
func (w *symbolWorker) cancelResting(rt *instrumentRuntime) {
	for _, id := range []string{rt.bidOrderID, rt.askOrderID} {
		if id == "" {
			continue
		}
		err := w.eng.book.CancelOrder(id)
		switch {
		case err == nil:
			delete(w.owned, id)
		case errors.Is(err, book.ErrUnknownOrder):
			// Filled before the cancel landed; fills are in flight.
		default:
			w.eng.bookErrors.Add(1)
			log.Printf("engine: cancel %s failed: %v", id, err)
		}
	}
	rt.bidOrderID = ""
	rt.askOrderID = ""
}

// onFill forwards a fill to the ledger before acknowledging, then
// publishes the trade event. A duplicate execution id means the fill
// was already applied and is absorbed silently. Counterparty fills
// (order ids this worker never placed) are not ours to book.
func (w *symbolWorker) onFill(fill model.Fill) {
	remaining, ours := w.owned[fill.OrderID]
	if !ours {
		return
	}
	remaining -= fill.Quantity
	if remaining <= 0 {
		delete(w.owned, fill.OrderID)
	} else {
		w.owned[fill.OrderID] = remaining
	}

	rt := w.state[fill.Instrument]

	theoValue := 0.0
	if rt != nil && rt.theoValid {
		theoValue = rt.theo.Value
	} else if w.lastTick != nil {
		if theo, err := w.eng.pricer.Theoretical(fill.Instrument, w.lastTick.Price, fill.Timestamp); err == nil {
			theoValue = theo.Value
		}
	}

	exec := model.Execution{
		ID:         fill.ExecutionID,
		OrderID:    fill.OrderID,
		Instrument: fill.Instrument,
		Side:       fill.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Theo:       theoValue,
		Edge:       model.EdgeFor(fill.Side, fill.Price, theoValue),
		Latency:    time.Since(fill.Timestamp),
		Timestamp:  fill.Timestamp,
	}

	pos, err := w.eng.ledger.ApplyFill(exec)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateExecution) {
			return // already applied, nothing to do
		}
		log.Printf("engine: apply fill %s failed: %v", exec.ID, err)
		return
	}
	if theoValue != 0 {
		pos = w.eng.ledger.MarkToTheo(fill.Instrument, theoValue)
	}
	w.eng.publishTrade(exec, pos)

	if rt != nil {
		w.consumeResting(rt, fill)
	}
	// Position headroom is symbol-wide: every sibling instrument's
	// resting sizes are now stale, not just the filled one's.
	w.requoteAll()
}

// consumeResting reduces the working quote by the filled quantity and
// forgets fully-filled order ids so they are not cancelled later.
func (w *symbolWorker) consumeResting(rt *instrumentRuntime, fill model.Fill) {
	switch fill.OrderID {
	case rt.bidOrderID:
		rt.quote.BidSize -= fill.Quantity
		if rt.quote.BidSize <= 0 {
			rt.quote.BidSize = 0
			rt.bidOrderID = ""
		}
	case rt.askOrderID:
		rt.quote.AskSize -= fill.Quantity
		if rt.quote.AskSize <= 0 {
			rt.quote.AskSize = 0
			rt.askOrderID = ""
		}
	}
}

// netDelta sums position delta across this symbol's instruments using
// the latest priced greeks.
func (w *symbolWorker) netDelta() float64 {
	var total float64
	for k, rt := range w.state {
		if !rt.theoValid {
			continue
		}
		pos := w.eng.ledger.GetPosition(k)
		total += pos.Quantity * rt.theo.Greeks.Delta
	}
	return total
}

func (w *symbolWorker) statuses() []model.InstrumentStatus {
	out := make([]model.InstrumentStatus, 0, len(w.order))
	for _, k := range w.order {
		out = append(out, w.status(k, w.state[k]))
	}
	return out
}

func (w *symbolWorker) status(k model.InstrumentKey, rt *instrumentRuntime) model.InstrumentStatus {
	st := model.InstrumentStatus{
		Instrument: k,
		State:      rt.state,
		Reason:     rt.reason,
		Sequence:   rt.seq,
	}
	if rt.state == model.StateQuoting {
		q := rt.quote
		st.Quote = &q
	}
	return st
}

func (w *symbolWorker) publishStatus(k model.InstrumentKey, rt *instrumentRuntime) {
	w.eng.publishQuoteStatus(w.status(k, rt))
}
