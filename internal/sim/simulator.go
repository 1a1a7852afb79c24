// Package sim generates synthetic underlying price ticks for local
// development and demos.
package sim

import (
	"context"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"options-core/internal/model"
	"options-core/pkg/config"
)

// TickSink consumes the simulator's price updates.
type TickSink interface {
	OnTick(model.PriceTick)
}

// Walk identifies the random walk model driving an asset's price.
type Walk string

const (
	WalkGBM           Walk = "gbm"
	WalkMeanReverting Walk = "mean_reverting"
	WalkJumpDiffusion Walk = "jump_diffusion"
)

// assetState is the per-asset walk state.
type assetState struct {
	cfg   config.Asset
	price float64
	mean  float64 // mean-reverting anchor
}

// Simulator advances one random walk per configured asset and feeds
// each step into the sink as a price tick.
type Simulator struct {
	sink     TickSink
	walk     Walk
	interval time.Duration
	rng      *rand.Rand

	mu     sync.RWMutex
	assets map[string]*assetState
}

// New creates a simulator over the configured assets. A zero seed
// seeds from the clock.
func New(sink TickSink, assets []config.Asset, simCfg config.Simulation) *Simulator {
	seed := simCfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	walk := Walk(strings.ToLower(simCfg.Walk))
	switch walk {
	case WalkGBM, WalkMeanReverting, WalkJumpDiffusion:
	default:
		walk = WalkGBM
	}

	s := &Simulator{
		sink:     sink,
		walk:     walk,
		interval: time.Duration(simCfg.TickIntervalMs) * time.Millisecond,
		rng:      rand.New(rand.NewSource(seed)),
		assets:   make(map[string]*assetState, len(assets)),
	}
	for _, a := range assets {
		s.assets[a.Symbol] = &assetState{cfg: a, price: a.InitialPrice, mean: a.InitialPrice}
	}
	return s
}

// Run ticks every asset on the configured interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	log.Printf("sim: starting %s walk, %d assets, interval %s", s.walk, len(s.assets), s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("sim: stopped")
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// CurrentPrice returns the latest simulated price for a symbol.
func (s *Simulator) CurrentPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[symbol]
	if !ok {
		return 0, false
	}
	return a.price, true
}

// SetPrice overrides an asset's price, emitting a tick. Used by the
// control surface to inject external prices.
func (s *Simulator) SetPrice(symbol string, price float64) bool {
	s.mu.Lock()
	a, ok := s.assets[symbol]
	if !ok {
		s.mu.Unlock()
		return false
	}
	a.price = price
	s.mu.Unlock()

	s.sink.OnTick(model.PriceTick{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    "manual",
	})
	return true
}

func (s *Simulator) step() {
	now := time.Now().UTC()
	// Each tick advances one minute of market time regardless of wall
	// interval, so annualized vols produce visible moves.
	const dt = 1.0 / (365.25 * 24 * 60)

	s.mu.Lock()
	ticks := make([]model.PriceTick, 0, len(s.assets))
	for sym, a := range s.assets {
		a.price = s.next(a, dt)
		ticks = append(ticks, model.PriceTick{
			Symbol:    sym,
			Price:     round2(a.price),
			Timestamp: now,
			Source:    "sim",
		})
	}
	s.mu.Unlock()

	for _, t := range ticks {
		s.sink.OnTick(t)
	}
}

// next advances one asset by one step of the configured walk.
func (s *Simulator) next(a *assetState, dt float64) float64 {
	vol := a.cfg.Volatility
	if vol <= 0 {
		vol = 0.3
	}
	drift := a.cfg.Drift
	z := s.rng.NormFloat64()

	var p float64
	switch s.walk {
	case WalkMeanReverting:
		// Ornstein-Uhlenbeck around the initial price. Speed is per
		// day; dt is in years so convert.
		const speed = 0.5
		p = a.price + speed*(a.mean-a.price)*dt*365.25 + vol*a.price*math.Sqrt(dt)*z
	case WalkJumpDiffusion:
		p = a.price * math.Exp((drift-0.5*vol*vol)*dt+vol*math.Sqrt(dt)*z)
		// Poisson jumps, intensity 0.1 per step scale.
		if s.rng.Float64() < 0.001 {
			jump := s.rng.NormFloat64() * 0.05
			p *= math.Exp(jump)
		}
	default: // geometric Brownian
		p = a.price * math.Exp((drift-0.5*vol*vol)*dt+vol*math.Sqrt(dt)*z)
	}

	if p < 0.01 {
		p = 0.01
	}
	return p
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
