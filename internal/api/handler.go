// Package api exposes the REST control surface and the websocket
// event stream.
package api

import (
	"net/http"
	"time"

	"options-core/internal/book"
	"options-core/internal/engine"
	"options-core/internal/hub"
	"options-core/internal/ledger"
	"options-core/internal/ohlc"
	"options-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine, ledger, book, and hub.
type Server struct {
	Router *gin.Engine
	Engine *engine.Engine
	Ledger *ledger.Ledger
	Book   *book.SimBook
	Hub    *hub.Hub
	Store  *db.Store
	OHLC   *ohlc.Aggregator

	JWTSecret   string
	adminHash   string
	requireAuth bool
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	Symbols      []string
	UseSimulator bool
	Version      string
	StartedAt    time.Time
}

// NewServer builds the router. adminPassword is hashed once at startup;
// the login endpoint compares against the hash.
func NewServer(eng *engine.Engine, led *ledger.Ledger, bk *book.SimBook, h *hub.Hub, store *db.Store, meta SystemMeta, jwtSecret, adminPassword string, requireAuth bool) (*Server, error) {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	adminHash, err := hashPassword(adminPassword)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Router:      r,
		Engine:      eng,
		Ledger:      led,
		Book:        bk,
		Hub:         h,
		Store:       store,
		JWTSecret:   jwtSecret,
		adminHash:   adminHash,
		requireAuth: requireAuth,
		Meta:        meta,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/auth/login", s.login)

		// Read surface (no auth).
		api.GET("/controls", s.getControls)
		api.GET("/instruments", s.getInstrumentStatuses)
		api.GET("/positions", s.getPositions)
		api.GET("/executions", s.getExecutions)
		api.GET("/prices/:symbol", s.getLastPrice)
		api.GET("/prices/:symbol/history", s.getPriceHistory)
		api.GET("/orderbook/:instrument", s.getOrderbook)
		api.GET("/book/underlyings", s.getUnderlyings)
		api.GET("/book/underlyings/:symbol/expirations", s.getExpirations)
		api.GET("/book/underlyings/:symbol/expirations/:expiration/strikes", s.getStrikes)
		api.GET("/orders", s.getOpenOrders)
		api.GET("/ohlc/:instrument", s.getOHLC)
		api.GET("/hub/stats", s.getHubStats)
		api.GET("/faults", s.getFaults)

		// Control mutations and order entry require auth.
		protected := api.Group("")
		if s.requireAuth {
			protected.Use(AuthMiddleware(s.JWTSecret))
		}
		{
			protected.POST("/controls/master", s.setMaster)
			protected.PUT("/controls/global", s.setGlobalParams)
			protected.PUT("/controls/symbols/:symbol", s.setSymbolControl)
			protected.POST("/controls/symbols/:symbol/enable", s.setSymbolEnabled)
			protected.POST("/prices/:symbol", s.postTick)
			protected.POST("/orders/market", s.postMarketOrder)
			protected.POST("/orders/limit", s.postLimitOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server (blocking).
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
