package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-core/internal/api"
	"options-core/internal/book"
	"options-core/internal/engine"
	"options-core/internal/hub"
	"options-core/internal/ledger"
	"options-core/internal/model"
	"options-core/internal/ohlc"
	"options-core/internal/sim"
	"options-core/pkg/config"
	"options-core/pkg/db"
	"options-core/pkg/pricing"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting options core on port %s", cfg.Port)

	universe, err := config.LoadInstruments(cfg.InstrumentsPath)
	if err != nil {
		log.Fatalf("instruments load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	store := db.NewStore(database, 50, 500*time.Millisecond)
	defer store.Close()

	// Event hub
	eventHub := hub.New(hub.Config{
		QueueSize:         cfg.HubQueueSize,
		HeartbeatInterval: time.Duration(cfg.HubHeartbeatSecs) * time.Second,
		IdleTimeout:       time.Duration(cfg.HubIdleTimeoutSecs) * time.Second,
	})

	// Pricing: per-symbol IVs from the instrument universe.
	ivBySymbol := make(map[string]float64, len(universe.Assets))
	for _, a := range universe.Assets {
		if a.Volatility > 0 {
			ivBySymbol[a.Symbol] = a.Volatility
		}
	}
	pricer := &pricing.BlackScholes{
		RiskFreeRate: cfg.RiskFreeRate,
		DefaultIV:    cfg.DefaultIV,
		IVBySymbol:   ivBySymbol,
	}

	// Ledger and book
	led := ledger.New(store)
	simBook := book.NewSim()

	// Engine
	eng := engine.New(engine.Config{
		BaseSpread:  cfg.BaseSpread,
		BaseSize:    cfg.BaseSize,
		MinTick:     cfg.MinTick,
		MaxPosition: cfg.DefaultMaxPosition,
		MaxDelta:    cfg.DefaultMaxDelta,
	}, pricer, simBook, led, eventHub, store)
	defer eng.Close()

	// Candle aggregation over booked executions.
	candles := ohlc.New()
	eng.SetTradeHandler(func(e model.Execution) {
		candles.RecordTrade(e.Instrument.Symbol(), e.Timestamp, e.Price, e.Quantity)
	})

	// Book events feed the engine and the orderbook channel.
	simBook.SetFillHandler(eng.OnFill)
	simBook.SetChangeHandler(func(k model.InstrumentKey) {
		eventHub.Publish(
			hub.OrderbookChannel(k.Underlying),
			hub.NewEvent("orderbook", simBook.Depth(k, 10)),
		)
	})

	// Control state survives restarts.
	if cs, ok, err := store.LoadControlState(); err != nil {
		log.Printf("control state load failed: %v", err)
	} else if ok {
		eng.RestoreControlState(cs)
		log.Println("control state restored from storage")
	}

	// Instrument universe
	symbols := make([]string, 0, len(universe.Assets))
	for _, asset := range universe.Assets {
		keys := asset.InstrumentKeys()
		eng.RegisterInstruments(asset.Symbol, keys)
		symbols = append(symbols, asset.Symbol)
		log.Printf("registered %s: %d instruments (%d expirations x %d strikes x 2)",
			asset.Symbol, len(keys), len(asset.Expirations), len(asset.Strikes()))
	}

	// Price feed
	var simulator *sim.Simulator
	if cfg.EnableSimulator {
		simulator = sim.New(eng, universe.Assets, universe.Simulation)
		go simulator.Run(ctx)
	} else {
		log.Println("simulator disabled; prices arrive via POST /api/prices/:symbol")
	}

	// HTTP/WS surface
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	server, err := api.NewServer(eng, led, simBook, eventHub, store, api.SystemMeta{
		Symbols:      symbols,
		UseSimulator: cfg.EnableSimulator,
		Version:      version,
		StartedAt:    time.Now(),
	}, cfg.JWTSecret, cfg.AdminPassword, cfg.RequireAuth)
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	server.OHLC = candles

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	cancel()
	eng.SetMasterEnabled(false) // withdraw everything before exit
	if err := store.Flush(); err != nil {
		log.Printf("final flush failed: %v", err)
	}
}
