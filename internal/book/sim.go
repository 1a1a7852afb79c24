package book

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/model"
)

// FillHandler receives fill notifications as the book produces them.
type FillHandler func(model.Fill)

// ChangeHandler is notified after the resting set of an instrument
// changes (order added, cancelled, or filled).
type ChangeHandler func(k model.InstrumentKey)

type restingOrder struct {
	id         string
	instrument model.InstrumentKey
	side       model.Side
	price      float64
	remaining  float64
	createdAt  time.Time
	seq        uint64 // arrival order for price-time priority
}

// PriceLevel is one aggregated depth level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Snapshot is the depth view of one instrument's book.
type Snapshot struct {
	Instrument model.InstrumentKey `json:"instrument"`
	Bids       []PriceLevel        `json:"bids"`
	Asks       []PriceLevel        `json:"asks"`
	OrderCount int                 `json:"order_count"`
}

// MarketResult reports a market-order execution.
type MarketResult struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"` // filled, partial, rejected
	FilledQty float64 `json:"filled_quantity"`
	Remaining float64 `json:"remaining_quantity"`
	AvgPrice  float64 `json:"average_price"`
}

// SimBook is an in-memory book that rests limit orders and crosses
// market orders against them. All resulting fills, maker and taker
// alike, flow through the single registered fill handler.
type SimBook struct {
	mu           sync.Mutex
	orders       map[string]*restingOrder
	byInstrument map[model.InstrumentKey]map[string]*restingOrder
	nextSeq      uint64

	onFill   FillHandler
	onChange ChangeHandler
}

// NewSim creates an empty simulated book.
func NewSim() *SimBook {
	return &SimBook{
		orders:       make(map[string]*restingOrder),
		byInstrument: make(map[model.InstrumentKey]map[string]*restingOrder),
	}
}

// SetFillHandler registers the fill notification sink. Must be set
// before orders can match.
func (b *SimBook) SetFillHandler(h FillHandler) {
	b.mu.Lock()
	b.onFill = h
	b.mu.Unlock()
}

// SetChangeHandler registers a depth-change observer.
func (b *SimBook) SetChangeHandler(h ChangeHandler) {
	b.mu.Lock()
	b.onChange = h
	b.mu.Unlock()
}

// SubmitOrder rests a limit order and returns its id.
func (b *SimBook) SubmitOrder(k model.InstrumentKey, side model.Side, price, size float64) (string, error) {
	if price <= 0 {
		return "", &Error{Op: "submit", Msg: "non-positive price"}
	}
	if size <= 0 {
		return "", &Error{Op: "submit", Msg: "non-positive size"}
	}

	b.mu.Lock()
	id := uuid.NewString()
	b.nextSeq++
	o := &restingOrder{
		id:         id,
		instrument: k,
		side:       side,
		price:      price,
		remaining:  size,
		createdAt:  time.Now(),
		seq:        b.nextSeq,
	}
	b.orders[id] = o
	byInst := b.byInstrument[k]
	if byInst == nil {
		byInst = make(map[string]*restingOrder)
		b.byInstrument[k] = byInst
	}
	byInst[id] = o
	change := b.onChange
	b.mu.Unlock()

	if change != nil {
		change(k)
	}
	return id, nil
}

// CancelOrder removes a resting order. Returns ErrUnknownOrder when the
// book no longer holds it (for example, already filled).
func (b *SimBook) CancelOrder(orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownOrder
	}
	delete(b.orders, orderID)
	delete(b.byInstrument[o.instrument], orderID)
	change := b.onChange
	b.mu.Unlock()

	if change != nil {
		change(o.instrument)
	}
	return nil
}

// ExecuteMarket crosses a market order against the resting side,
// best price first, time priority within a level. Every partial fill
// produces one fill notification for the resting (maker) order and one
// for the incoming (taker) order.
func (b *SimBook) ExecuteMarket(k model.InstrumentKey, side model.Side, qty float64) (MarketResult, error) {
	if qty <= 0 {
		return MarketResult{}, &Error{Op: "market", Msg: "non-positive quantity"}
	}

	b.mu.Lock()
	takerID := uuid.NewString()
	resting := make([]*restingOrder, 0)
	for _, o := range b.byInstrument[k] {
		if o.side != side { // opposite side only
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool {
		if resting[i].price != resting[j].price {
			if side == model.SideBuy {
				return resting[i].price < resting[j].price // cheapest ask first
			}
			return resting[i].price > resting[j].price // highest bid first
		}
		return resting[i].seq < resting[j].seq
	})

	var fills []model.Fill
	remaining := qty
	var notional float64
	now := time.Now()
	for _, o := range resting {
		if remaining <= 0 {
			break
		}
		take := remaining
		if o.remaining < take {
			take = o.remaining
		}
		remaining -= take
		notional += take * o.price
		o.remaining -= take
		if o.remaining <= 0 {
			delete(b.orders, o.id)
			delete(b.byInstrument[k], o.id)
		}
		makerSide := o.side
		takerSide := side
		fills = append(fills,
			model.Fill{
				ExecutionID: uuid.NewString(),
				OrderID:     o.id,
				Instrument:  k,
				Side:        makerSide,
				Price:       o.price,
				Quantity:    take,
				Timestamp:   now,
			},
			model.Fill{
				ExecutionID: uuid.NewString(),
				OrderID:     takerID,
				Instrument:  k,
				Side:        takerSide,
				Price:       o.price,
				Quantity:    take,
				Timestamp:   now,
			},
		)
	}
	onFill := b.onFill
	change := b.onChange
	b.mu.Unlock()

	filled := qty - remaining
	res := MarketResult{
		OrderID:   takerID,
		FilledQty: filled,
		Remaining: remaining,
	}
	switch {
	case filled == 0:
		res.Status = "rejected"
	case remaining > 0:
		res.Status = "partial"
	default:
		res.Status = "filled"
	}
	if filled > 0 {
		res.AvgPrice = notional / filled
	}

	if onFill != nil {
		for _, f := range fills {
			onFill(f)
		}
	}
	if change != nil && filled > 0 {
		change(k)
	}
	return res, nil
}

// BestQuote returns the best bid/ask levels for an instrument.
func (b *SimBook) BestQuote(k model.InstrumentKey) (bid, ask *PriceLevel) {
	snap := b.Depth(k, 1)
	if len(snap.Bids) > 0 {
		bid = &snap.Bids[0]
	}
	if len(snap.Asks) > 0 {
		ask = &snap.Asks[0]
	}
	return bid, ask
}

// Depth returns an aggregated depth snapshot, at most maxLevels deep
// per side (0 = unlimited).
func (b *SimBook) Depth(k model.InstrumentKey, maxLevels int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	bidAgg := make(map[float64]float64)
	askAgg := make(map[float64]float64)
	count := 0
	for _, o := range b.byInstrument[k] {
		count++
		if o.side == model.SideBuy {
			bidAgg[o.price] += o.remaining
		} else {
			askAgg[o.price] += o.remaining
		}
	}

	bids := levels(bidAgg, true, maxLevels)
	asks := levels(askAgg, false, maxLevels)
	return Snapshot{Instrument: k, Bids: bids, Asks: asks, OrderCount: count}
}

// OpenOrder is the public view of a resting order.
type OpenOrder struct {
	ID         string              `json:"id"`
	Instrument model.InstrumentKey `json:"instrument"`
	Side       model.Side          `json:"side"`
	Price      float64             `json:"price"`
	Remaining  float64             `json:"remaining_quantity"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Orders lists the resting orders for one instrument in arrival order.
func (b *SimBook) Orders(k model.InstrumentKey) []OpenOrder {
	b.mu.Lock()
	resting := make([]*restingOrder, 0, len(b.byInstrument[k]))
	for _, o := range b.byInstrument[k] {
		resting = append(resting, o)
	}
	b.mu.Unlock()

	sort.Slice(resting, func(i, j int) bool { return resting[i].seq < resting[j].seq })
	out := make([]OpenOrder, len(resting))
	for i, o := range resting {
		out[i] = OpenOrder{
			ID:         o.id,
			Instrument: o.instrument,
			Side:       o.side,
			Price:      o.price,
			Remaining:  o.remaining,
			CreatedAt:  o.createdAt,
		}
	}
	return out
}

// OrderCount reports the number of resting orders across instruments.
func (b *SimBook) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func levels(agg map[float64]float64, descending bool, maxLevels int) []PriceLevel {
	out := make([]PriceLevel, 0, len(agg))
	for p, q := range agg {
		out = append(out, PriceLevel{Price: p, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if maxLevels > 0 && len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}
