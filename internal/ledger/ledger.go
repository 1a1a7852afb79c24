// Package ledger keeps positions and the append-only execution tape.
// Entries are mutated only by the engine's per-symbol workers; readers
// get consistent snapshots.
package ledger

import (
	"errors"
	"iter"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"options-core/internal/model"
)

// ErrDuplicateExecution signals that an execution id was already
// applied. The engine treats it as a no-op success.
var ErrDuplicateExecution = errors.New("duplicate execution")

// Store receives records for durable persistence. Persistence is
// fire-and-forget: the ledger never blocks on it or depends on it
// succeeding.
type Store interface {
	SaveExecution(model.Execution)
	SavePosition(model.Position)
}

// Ledger is the position and execution state keyed by instrument.
type Ledger struct {
	mu         sync.RWMutex
	positions  map[model.InstrumentKey]model.Position
	executions []model.Execution
	applied    map[string]struct{}
	store      Store
}

// New creates a ledger. store may be nil for in-memory use.
func New(store Store) *Ledger {
	return &Ledger{
		positions: make(map[model.InstrumentKey]model.Position),
		applied:   make(map[string]struct{}),
		store:     store,
	}
}

// ApplyFill applies one execution to its instrument's position,
// idempotent on execution id, and returns the post-fill position.
// Same-direction adds update the weighted average entry; reducing
// fills realize P&L against the prior average; a sign flip re-bases
// the average at the fill price for the excess quantity.
func (l *Ledger) ApplyFill(exec model.Execution) (model.Position, error) {
	if exec.Quantity <= 0 {
		return model.Position{}, errors.New("non-positive fill quantity")
	}

	l.mu.Lock()
	if _, dup := l.applied[exec.ID]; dup {
		pos := l.positions[exec.Instrument]
		l.mu.Unlock()
		return pos, ErrDuplicateExecution
	}

	pos, ok := l.positions[exec.Instrument]
	if !ok {
		pos = model.Position{Instrument: exec.Instrument}
	}

	signed := exec.Quantity
	if exec.Side == model.SideSell {
		signed = -signed
	}

	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, signed):
		total := math.Abs(pos.Quantity) + exec.Quantity
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Quantity) + exec.Price*exec.Quantity) / total
		pos.Quantity += signed
	default:
		closed := math.Min(exec.Quantity, math.Abs(pos.Quantity))
		dir := 1.0
		if pos.Quantity < 0 {
			dir = -1.0
		}
		pos.RealizedPnL += (exec.Price - pos.AvgEntryPrice) * closed * dir
		pos.Quantity += signed
		switch {
		case pos.Quantity == 0:
			pos.AvgEntryPrice = 0
		case !sameSign(pos.Quantity, -signed):
			// Sign flipped: the excess quantity establishes a new basis.
			pos.AvgEntryPrice = exec.Price
		}
	}
	pos.UpdatedAt = exec.Timestamp

	l.applied[exec.ID] = struct{}{}
	l.executions = append(l.executions, exec)
	l.positions[exec.Instrument] = pos
	store := l.store
	l.mu.Unlock()

	if store != nil {
		store.SaveExecution(exec)
		store.SavePosition(pos)
	}
	return pos, nil
}

// GetPosition returns the position for an instrument, or a flat zero
// position if none exists. It never reports "not found".
func (l *Ledger) GetPosition(k model.InstrumentKey) model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[k]
	if !ok {
		return model.Position{Instrument: k}
	}
	return pos
}

// Positions returns a snapshot of all positions, flat records included.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instrument.Symbol() < out[j].Instrument.Symbol()
	})
	return out
}

// NetQuantity sums signed position quantity across all instruments of
// one underlying symbol.
func (l *Ledger) NetQuantity(underlying string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var net float64
	for k, p := range l.positions {
		if k.Underlying == underlying {
			net += p.Quantity
		}
	}
	return net
}

// MarkToTheo refreshes unrealized P&L for an instrument against the
// given theoretical value and returns the updated position.
func (l *Ledger) MarkToTheo(k model.InstrumentKey, theo float64) model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[k]
	if !ok {
		return model.Position{Instrument: k}
	}
	pos.UnrealizedPnL = (theo - pos.AvgEntryPrice) * pos.Quantity
	l.positions[k] = pos
	return pos
}

// Filter selects executions. Zero values match everything.
type Filter struct {
	Instrument *model.InstrumentKey
	Underlying string
	Side       model.Side
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f Filter) matches(e model.Execution) bool {
	if f.Instrument != nil && e.Instrument != *f.Instrument {
		return false
	}
	if f.Underlying != "" && !strings.EqualFold(e.Instrument.Underlying, f.Underlying) {
		return false
	}
	if f.Side != "" && e.Side != f.Side {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Executions returns a lazy, finite, restartable sequence of matching
// executions ordered by timestamp ascending. The sequence iterates
// over a snapshot taken at call time, so it can be ranged more than
// once and is safe against concurrent fills.
func (l *Ledger) Executions(f Filter) iter.Seq[model.Execution] {
	l.mu.RLock()
	snapshot := make([]model.Execution, len(l.executions))
	copy(snapshot, l.executions)
	l.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Timestamp.Before(snapshot[j].Timestamp)
	})

	return func(yield func(model.Execution) bool) {
		n := 0
		for _, e := range snapshot {
			if !f.matches(e) {
				continue
			}
			if f.Limit > 0 && n >= f.Limit {
				return
			}
			if !yield(e) {
				return
			}
			n++
		}
	}
}

// ExecutionCount reports the size of the execution tape.
func (l *Ledger) ExecutionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.executions)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
