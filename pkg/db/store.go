package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"options-core/internal/model"
)

// writeOp is one buffered database write.
type writeOp struct {
	query string
	args  []any
}

// Store buffers engine and ledger writes and flushes them in batched
// transactions. Callers never block on disk; a write that loses a race
// with shutdown is flushed by Close.
type Store struct {
	db          *sql.DB
	mu          sync.Mutex
	buffer      []writeOp
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64
}

// StoreMetrics reports batch writer activity.
type StoreMetrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Pending      int    `json:"pending"`
}

// NewStore creates the batching store. maxSize is the operation count
// that triggers an immediate flush; interval is the background flush
// cadence.
func NewStore(d *Database, maxSize int, interval time.Duration) *Store {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	s := &Store{
		db:          d.DB,
		buffer:      make([]writeOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.backgroundFlush()
	return s
}

// SaveTick records an underlying price tick.
func (s *Store) SaveTick(t model.PriceTick) {
	s.write(writeOp{
		query: `INSERT INTO price_ticks (symbol, price, bid, ask, volume, source, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args:  []any{t.Symbol, t.Price, t.Bid, t.Ask, t.Volume, t.Source, t.Timestamp},
	})
}

// SaveExecution records one execution. The primary key on the
// execution id makes replays idempotent at the storage layer too.
func (s *Store) SaveExecution(e model.Execution) {
	s.write(writeOp{
		query: `INSERT OR IGNORE INTO executions (id, order_id, instrument, underlying, side, qty, price, theo, edge, latency_us, ts)
		        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			e.ID, e.OrderID, e.Instrument.Symbol(), e.Instrument.Underlying,
			string(e.Side), e.Quantity, e.Price, e.Theo, e.Edge,
			e.Latency.Microseconds(), e.Timestamp,
		},
	})
}

// SavePosition upserts the latest position snapshot for an instrument.
func (s *Store) SavePosition(p model.Position) {
	s.write(writeOp{
		query: `INSERT INTO positions (instrument, qty, avg_price, realized_pnl, updated_at) VALUES (?, ?, ?, ?, ?)
		        ON CONFLICT(instrument) DO UPDATE SET qty=excluded.qty, avg_price=excluded.avg_price,
		        realized_pnl=excluded.realized_pnl, updated_at=excluded.updated_at`,
		args: []any{p.Instrument.Symbol(), p.Quantity, p.AvgEntryPrice, p.RealizedPnL, p.UpdatedAt},
	})
}

// SaveControlState persists the full control state as JSON in a single
// row, replaced on every change.
func (s *Store) SaveControlState(cs model.ControlState) {
	data, err := json.Marshal(cs)
	if err != nil {
		log.Printf("db: marshal control state: %v", err)
		return
	}
	s.write(writeOp{
		query: `INSERT INTO control_state (id, state, updated_at) VALUES (1, ?, ?)
		        ON CONFLICT(id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		args: []any{string(data), time.Now().UTC()},
	})
}

// LoadControlState reads the persisted control state, if any. A
// missing row returns (zero, false, nil).
func (s *Store) LoadControlState() (model.ControlState, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT state FROM control_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ControlState{}, false, nil
	}
	if err != nil {
		return model.ControlState{}, false, err
	}
	var cs model.ControlState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return model.ControlState{}, false, err
	}
	return cs, true, nil
}

// RecentTicks returns up to limit most recent ticks for a symbol,
// newest first.
func (s *Store) RecentTicks(symbol string, limit int) ([]model.PriceTick, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT symbol, price, bid, ask, volume, source, ts FROM price_ticks
		 WHERE symbol = ? ORDER BY ts DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceTick
	for rows.Next() {
		var t model.PriceTick
		if err := rows.Scan(&t.Symbol, &t.Price, &t.Bid, &t.Ask, &t.Volume, &t.Source, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Metrics reports batch writer counters.
func (s *Store) Metrics() StoreMetrics {
	s.mu.Lock()
	pending := len(s.buffer)
	s.mu.Unlock()
	return StoreMetrics{
		TotalWrites:  s.writes.Load(),
		TotalBatches: s.batches.Load(),
		TotalErrors:  s.errors.Load(),
		Pending:      pending,
	}
}

// Flush immediately writes all buffered operations to the database.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	ops := s.buffer
	s.buffer = make([]writeOp, 0, s.maxSize)
	s.mu.Unlock()
	return s.executeBatch(ops)
}

// Close flushes remaining writes and stops the background loop.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *Store) write(op writeOp) {
	s.mu.Lock()
	s.buffer = append(s.buffer, op)
	shouldFlush := len(s.buffer) >= s.maxSize
	s.mu.Unlock()

	if shouldFlush {
		if err := s.Flush(); err != nil {
			log.Printf("db: flush error: %v", err)
		}
	}
}

func (s *Store) executeBatch(ops []writeOp) error {
	s.writes.Add(uint64(len(ops)))
	s.batches.Add(1)

	tx, err := s.db.Begin()
	if err != nil {
		s.errors.Add(1)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			tx.Rollback()
			s.errors.Add(1)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		s.errors.Add(1)
		return err
	}
	return nil
}

func (s *Store) backgroundFlush() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Printf("db: background flush error: %v", err)
			}
		case <-s.done:
			if err := s.Flush(); err != nil {
				log.Printf("db: final flush error: %v", err)
			}
			return
		}
	}
}
