// Package hub fans engine and ledger events out to subscribed
// connections. Publish is a registry lookup plus a bounded enqueue per
// connection; it never blocks on a slow consumer and never holds the
// registry lock across a network write.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Event channel name helpers. One channel per topic per underlying.
func OrderbookChannel(symbol string) string { return "orderbook:" + symbol }
func TradesChannel(symbol string) string    { return "trades:" + symbol }
func QuotesChannel(symbol string) string    { return "quotes:" + symbol }

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    string `json:"type"` // orderbook, trade, quote, ...
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data"`

	// supersedeKey marks events that can be replaced by a newer event
	// with the same key and a higher sequence while still queued.
	supersedeKey string
	sequence     uint64
	terminal     bool
}

// NewEvent creates a plain event.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data}
}

// NewSupersedableEvent creates an event that a newer event with the
// same key may replace before delivery (used for per-instrument
// quotes: only the latest sequence matters).
func NewSupersedableEvent(typ string, data any, key string, sequence uint64) Event {
	return Event{Type: typ, Data: data, supersedeKey: key, sequence: sequence}
}

// NewTerminalEvent creates an event that is never dropped by the
// slow-consumer policy (connection-closing and error frames).
func NewTerminalEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, terminal: true}
}

// Config tunes hub behavior.
type Config struct {
	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// HeartbeatInterval between pings to each connection.
	HeartbeatInterval time.Duration
	// IdleTimeout closes a connection with no inbound traffic (pongs
	// included) for this long.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         256,
		HeartbeatInterval: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Hub is the subscription registry and fan-out point.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	channels map[string]map[*Conn]struct{}
	conns    map[*Conn]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a hub.
func New(cfg Config) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		channels: make(map[string]map[*Conn]struct{}),
		conns:    make(map[*Conn]struct{}),
	}
}

// Attach registers a connection and starts its writer and heartbeat.
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	c.start(h)
}

// Detach tears a connection down and releases all its subscriptions.
// Safe to call more than once.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for ch, subs := range h.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
	h.mu.Unlock()
	c.stop()
	log.Printf("hub: connection %s detached (dropped %d events)", c.ID, c.Dropped())
}

// Subscribe adds a connection to a channel. Subscribing twice is a
// no-op.
func (h *Hub) Subscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*Conn]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
}

// Unsubscribe removes a connection from a channel. Unsubscribing an
// absent subscription is a no-op.
func (h *Hub) Unsubscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[channel]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Publish delivers an event to every current subscriber of the
// channel. Subscribers added afterwards do not receive it. The call
// only marshals and enqueues; delivery happens on each connection's
// writer goroutine, preserving per-channel publish order.
func (h *Hub) Publish(channel string, ev Event) {
	ev.Channel = channel
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("hub: drop unmarshalable %s event on %s: %v", ev.Type, channel, err)
		return
	}
	item := queued{
		data:         payload,
		supersedeKey: ev.supersedeKey,
		sequence:     ev.sequence,
		terminal:     ev.terminal,
	}

	h.published.Add(1)
	h.mu.RLock()
	subs := h.channels[channel]
	targets := make([]*Conn, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if dropped := c.enqueue(item, h.cfg.QueueSize); dropped > 0 {
			h.dropped.Add(uint64(dropped))
		}
	}
}

// Send queues an event for one connection only (command replies,
// snapshots on subscribe).
func (h *Hub) Send(c *Conn, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if dropped := c.enqueue(queued{data: payload, terminal: ev.terminal}, h.cfg.QueueSize); dropped > 0 {
		h.dropped.Add(uint64(dropped))
	}
}

// Stats is an observable snapshot for diagnostics.
type Stats struct {
	Connections     int               `json:"connections"`
	Channels        int               `json:"channels"`
	PublishedEvents uint64            `json:"published_events"`
	DroppedEvents   uint64            `json:"dropped_events"`
	Subscriptions   map[string]int    `json:"subscriptions"`
}

// Stats returns current hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make(map[string]int, len(h.channels))
	for ch, set := range h.channels {
		subs[ch] = len(set)
	}
	return Stats{
		Connections:     len(h.conns),
		Channels:        len(h.channels),
		PublishedEvents: h.published.Load(),
		DroppedEvents:   h.dropped.Load(),
		Subscriptions:   subs,
	}
}

// DroppedEvents reports the total events discarded by the
// slow-consumer policy.
func (h *Hub) DroppedEvents() uint64 { return h.dropped.Load() }

// Config returns the effective (defaulted) configuration.
func (h *Hub) Config() Config { return h.cfg }

// Subscriptions lists the channels a connection is subscribed to.
func (h *Hub) Subscriptions(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for ch, set := range h.channels {
		if _, ok := set[c]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (h *Hub) String() string {
	s := h.Stats()
	return fmt.Sprintf("hub{conns=%d channels=%d dropped=%d}", s.Connections, s.Channels, s.DroppedEvents)
}
