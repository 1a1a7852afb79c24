package hub

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport is the wire a Conn writes to. The websocket adapter is the
// production implementation; tests use an in-memory one.
type Transport interface {
	WriteText(data []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
}

type queued struct {
	data         []byte
	supersedeKey string
	sequence     uint64
	terminal     bool
}

// Conn is one subscriber connection with a bounded outbound queue.
// Delivery order matches enqueue order; when the queue is full the
// oldest non-terminal entry is discarded so publish never blocks.
type Conn struct {
	ID        string
	transport Transport

	qmu    sync.Mutex
	queue  []queued
	notify chan struct{}
	done   chan struct{}
	closed bool

	dropped atomic.Uint64
}

// NewConn wraps a transport in a connection.
func NewConn(t Transport) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		transport: t,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Dropped reports how many queued events this connection lost to the
// slow-consumer policy.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// QueueLen reports the current outbound backlog.
func (c *Conn) QueueLen() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// enqueue adds an item, applying the supersede and drop-oldest
// policies. Returns how many queued events were discarded.
func (c *Conn) enqueue(item queued, limit int) int {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return 0
	}

	discarded := 0
	if item.supersedeKey != "" {
		kept := c.queue[:0]
		for _, q := range c.queue {
			if q.supersedeKey == item.supersedeKey && q.sequence < item.sequence {
				discarded++
				continue
			}
			kept = append(kept, q)
		}
		c.queue = kept
	}

	if len(c.queue) >= limit {
		// Drop the oldest non-terminal entry; terminal events
		// (close/error frames) are never discarded.
		droppedOne := false
		for i, q := range c.queue {
			if !q.terminal {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				droppedOne = true
				discarded++
				break
			}
		}
		if !droppedOne && !item.terminal {
			// Queue full of terminal frames; shed the newcomer.
			c.qmu.Unlock()
			c.dropped.Add(uint64(discarded + 1))
			return discarded + 1
		}
	}

	c.queue = append(c.queue, item)
	c.qmu.Unlock()

	if discarded > 0 {
		c.dropped.Add(uint64(discarded))
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return discarded
}

func (c *Conn) pop() (queued, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return queued{}, false
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	return item, true
}

// start launches the writer/heartbeat loop.
func (c *Conn) start(h *Hub) {
	go c.writeLoop(h)
}

func (c *Conn) writeLoop(h *Hub) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.transport.Ping(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				log.Printf("hub: ping failed for %s: %v", c.ID, err)
				go h.Detach(c)
				return
			}
		case <-c.notify:
			for {
				item, ok := c.pop()
				if !ok {
					break
				}
				if err := c.transport.WriteText(item.data, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					if !errors.Is(err, websocket.ErrCloseSent) {
						log.Printf("hub: write failed for %s: %v", c.ID, err)
					}
					go h.Detach(c)
					return
				}
			}
		}
	}
}

func (c *Conn) stop() {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.qmu.Unlock()
	close(c.done)
	_ = c.transport.Close()
}

// WebsocketTransport adapts a gorilla websocket connection.
type WebsocketTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWebsocketTransport wraps an upgraded websocket connection.
func NewWebsocketTransport(ws *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{ws: ws}
}

// WriteText implements Transport.
func (t *WebsocketTransport) WriteText(data []byte, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(deadline)
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping implements Transport.
func (t *WebsocketTransport) Ping(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close implements Transport.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.Close()
}
