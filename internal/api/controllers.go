package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"options-core/internal/ledger"
	"options-core/internal/model"
	"options-core/internal/ohlc"

	"github.com/gin-gonic/gin"
)

var errInvalidSide = errors.New("side must be buy or sell")

func (s *Server) getSystemStatus(c *gin.Context) {
	resp := gin.H{
		"version":       s.Meta.Version,
		"symbols":       s.Meta.Symbols,
		"use_simulator": s.Meta.UseSimulator,
		"uptime":        time.Since(s.Meta.StartedAt).Round(time.Second).String(),
		"executions":    s.Ledger.ExecutionCount(),
		"open_orders":   s.Book.OrderCount(),
	}
	if s.Store != nil {
		resp["store"] = s.Store.Metrics()
	}
	c.JSON(http.StatusOK, resp)
}

// --- Controls ---

func (s *Server) getControls(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ControlState())
}

func (s *Server) setMaster(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "body must include enabled (bool)",
		})
		return
	}
	// Synchronous: when this returns after a disable, every instrument
	// has been withdrawn and resting orders cancelled.
	s.Engine.SetMasterEnabled(*req.Enabled)
	c.JSON(http.StatusOK, s.Engine.ControlState())
}

func (s *Server) setGlobalParams(c *gin.Context) {
	var req model.Params
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.SpreadMultiplier <= 0 || req.SizeScalar < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PARAMS",
			"error": "spread_multiplier must be positive and size_scalar non-negative",
		})
		return
	}
	s.Engine.SetGlobalParams(req)
	c.JSON(http.StatusOK, s.Engine.ControlState())
}

func (s *Server) setSymbolControl(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.knownSymbol(symbol) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_SYMBOL",
			"error": "symbol is not registered",
		})
		return
	}
	var req model.SymbolControl
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.SpreadMultiplier <= 0 || req.SizeScalar < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PARAMS",
			"error": "spread_multiplier must be positive and size_scalar non-negative",
		})
		return
	}
	s.Engine.SetSymbolControl(symbol, req)
	c.JSON(http.StatusOK, s.Engine.ControlState())
}

func (s *Server) setSymbolEnabled(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.knownSymbol(symbol) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_SYMBOL",
			"error": "symbol is not registered",
		})
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "body must include enabled (bool)",
		})
		return
	}
	s.Engine.SetSymbolEnabled(symbol, *req.Enabled)
	c.JSON(http.StatusOK, s.Engine.ControlState())
}

// --- Quoting state, positions, executions ---

func (s *Server) getInstrumentStatuses(c *gin.Context) {
	symbol := c.Query("symbol")
	statuses := s.Engine.InstrumentStatuses(symbol)
	c.JSON(http.StatusOK, gin.H{
		"count":       len(statuses),
		"instruments": statuses,
	})
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.Ledger.Positions()
	if u := c.Query("underlying"); u != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.Instrument.Underlying == u {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}

	var realized float64
	for _, p := range positions {
		realized += p.RealizedPnL
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(positions),
		"realized_pnl": realized,
		"positions":    positions,
	})
}

func (s *Server) getExecutions(c *gin.Context) {
	f := ledger.Filter{
		Underlying: c.Query("underlying"),
		Side:       model.Side(c.Query("side")),
	}
	if inst := c.Query("instrument"); inst != "" {
		k, err := model.ParseInstrument(inst)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_INSTRUMENT",
				"error": err.Error(),
			})
			return
		}
		f.Instrument = &k
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_TIME",
				"error": "since must be RFC3339",
			})
			return
		}
		f.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_TIME",
				"error": "until must be RFC3339",
			})
			return
		}
		f.Until = t
	}
	f.Limit = 100
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			f.Limit = n
		}
	}

	out := make([]model.Execution, 0, f.Limit)
	for e := range s.Ledger.Executions(f) {
		out = append(out, e)
	}
	c.JSON(http.StatusOK, gin.H{
		"count":      len(out),
		"executions": out,
	})
}

// --- Prices ---

func (s *Server) getLastPrice(c *gin.Context) {
	symbol := c.Param("symbol")
	tick, ok := s.Engine.LastPrice(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NO_PRICE",
			"error": "no price observed for symbol",
		})
		return
	}
	c.JSON(http.StatusOK, tick)
}

func (s *Server) getPriceHistory(c *gin.Context) {
	if s.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NO_STORE",
			"error": "price history is not persisted",
		})
		return
	}
	symbol := c.Param("symbol")
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	ticks, err := s.Store.RecentTicks(symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(ticks),
		"ticks": ticks,
	})
}

func (s *Server) postTick(c *gin.Context) {
	symbol := c.Param("symbol")
	var req struct {
		Price  float64  `json:"price"`
		Bid    *float64 `json:"bid"`
		Ask    *float64 `json:"ask"`
		Volume *int64   `json:"volume"`
		Source string   `json:"source"`
	}
	if err := c.BindJSON(&req); err != nil || req.Price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "body must include a positive price",
		})
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	s.Engine.OnTick(model.PriceTick{
		Symbol:    symbol,
		Price:     req.Price,
		Bid:       req.Bid,
		Ask:       req.Ask,
		Volume:    req.Volume,
		Timestamp: time.Now().UTC(),
		Source:    source,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// --- Book ---

func (s *Server) getOrderbook(c *gin.Context) {
	k, err := model.ParseInstrument(c.Param("instrument"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INSTRUMENT",
			"error": err.Error(),
		})
		return
	}
	maxLevels := 10
	if l := c.Query("levels"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			maxLevels = n
		}
	}
	c.JSON(http.StatusOK, s.Book.Depth(k, maxLevels))
}

func (s *Server) getUnderlyings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"underlyings": s.Engine.Symbols()})
}

func (s *Server) getExpirations(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.knownSymbol(symbol) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_SYMBOL",
			"error": "symbol is not registered",
		})
		return
	}
	seen := make(map[string]bool)
	for _, st := range s.Engine.InstrumentStatuses(symbol) {
		seen[st.Instrument.Expiration] = true
	}
	expirations := make([]string, 0, len(seen))
	for exp := range seen {
		expirations = append(expirations, exp)
	}
	sort.Strings(expirations)
	c.JSON(http.StatusOK, gin.H{
		"underlying":  symbol,
		"expirations": expirations,
	})
}

func (s *Server) getStrikes(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.knownSymbol(symbol) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_SYMBOL",
			"error": "symbol is not registered",
		})
		return
	}
	expiration := c.Param("expiration")

	type strikeRow struct {
		Strike float64 `json:"strike"`
		Call   string  `json:"call,omitempty"`
		Put    string  `json:"put,omitempty"`
	}
	rows := make(map[float64]*strikeRow)
	for _, st := range s.Engine.InstrumentStatuses(symbol) {
		k := st.Instrument
		if k.Expiration != expiration {
			continue
		}
		row := rows[k.Strike]
		if row == nil {
			row = &strikeRow{Strike: k.Strike}
			rows[k.Strike] = row
		}
		if k.Style == model.StyleCall {
			row.Call = k.Symbol()
		} else {
			row.Put = k.Symbol()
		}
	}
	out := make([]strikeRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	c.JSON(http.StatusOK, gin.H{
		"underlying": symbol,
		"expiration": expiration,
		"strikes":    out,
	})
}

func (s *Server) getOpenOrders(c *gin.Context) {
	k, err := model.ParseInstrument(c.Query("instrument"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INSTRUMENT",
			"error": err.Error(),
		})
		return
	}
	orders := s.Book.Orders(k)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(orders),
		"orders": orders,
	})
}

func (s *Server) postMarketOrder(c *gin.Context) {
	var req struct {
		Instrument string  `json:"instrument"`
		Side       string  `json:"side"`
		Quantity   float64 `json:"quantity"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	k, side, err := parseOrderTarget(req.Instrument, req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_ORDER",
			"error": err.Error(),
		})
		return
	}
	result, err := s.Book.ExecuteMarket(k, side, req.Quantity)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "ORDER_REJECTED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) postLimitOrder(c *gin.Context) {
	var req struct {
		Instrument string  `json:"instrument"`
		Side       string  `json:"side"`
		Price      float64 `json:"price"`
		Size       float64 `json:"size"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	k, side, err := parseOrderTarget(req.Instrument, req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_ORDER",
			"error": err.Error(),
		})
		return
	}
	orderID, err := s.Book.SubmitOrder(k, side, req.Price, req.Size)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "ORDER_REJECTED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": orderID})
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.Book.CancelOrder(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "UNKNOWN_ORDER",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// --- OHLC ---

func (s *Server) getOHLC(c *gin.Context) {
	if s.OHLC == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NO_OHLC",
			"error": "candle aggregation is not enabled",
		})
		return
	}
	symbol := c.Param("instrument")
	iv, ok := ohlc.ParseInterval(c.DefaultQuery("interval", "1m"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INTERVAL",
			"error": "interval must be one of 1m, 5m, 15m, 1h, 4h, 1d",
		})
		return
	}
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_TIME",
				"error": "from must be RFC3339",
			})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_TIME",
				"error": "to must be RFC3339",
			})
			return
		}
		to = t
	}
	limit := 500
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	bars := s.OHLC.Bars(symbol, iv, from, to, limit)
	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"interval": iv,
		"count":    len(bars),
		"bars":     bars,
	})
}

// --- Diagnostics ---

func (s *Server) getHubStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Hub.Stats())
}

func (s *Server) getFaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine":             s.Engine.Faults(),
		"hub_dropped_events": s.Hub.DroppedEvents(),
	})
}

func (s *Server) knownSymbol(symbol string) bool {
	for _, sym := range s.Engine.Symbols() {
		if sym == symbol {
			return true
		}
	}
	return false
}

func parseOrderTarget(instrument, side string) (model.InstrumentKey, model.Side, error) {
	k, err := model.ParseInstrument(instrument)
	if err != nil {
		return model.InstrumentKey{}, "", err
	}
	switch model.Side(side) {
	case model.SideBuy:
		return k, model.SideBuy, nil
	case model.SideSell:
		return k, model.SideSell, nil
	default:
		return model.InstrumentKey{}, "", errInvalidSide
	}
}
