package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"options-core/internal/hub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is an inbound client frame.
type wsCommand struct {
	Action  string `json:"action"`  // subscribe, unsubscribe, ping
	Channel string `json:"channel"` // e.g. "quotes:BTC"
}

// websocket upgrades the connection, attaches it to the hub, and runs
// the read pump. Outbound delivery happens on the hub's writer
// goroutine; this handler only parses client commands and tracks
// liveness.
func (s *Server) websocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	conn := hub.NewConn(hub.NewWebsocketTransport(ws))
	s.Hub.Attach(conn)
	defer s.Hub.Detach(conn)

	idle := s.Hub.Config().IdleTimeout
	resetDeadline := func() {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	s.Hub.Send(conn, hub.NewEvent("connected", gin.H{
		"connection_id": conn.ID,
		"symbols":       s.Meta.Symbols,
	}))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			// Read deadline expiry tears down stale connections that
			// stopped answering pings.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read error for %s: %v", conn.ID, err)
			}
			return
		}
		resetDeadline()

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.Hub.Send(conn, hub.NewEvent("error", gin.H{"error": "invalid command frame"}))
			continue
		}

		switch strings.ToLower(cmd.Action) {
		case "subscribe":
			if cmd.Channel == "" {
				s.Hub.Send(conn, hub.NewEvent("error", gin.H{"error": "channel is required"}))
				continue
			}
			s.Hub.Subscribe(conn, cmd.Channel)
			s.Hub.Send(conn, hub.NewEvent("subscribed", gin.H{"channel": cmd.Channel}))
		case "unsubscribe":
			if cmd.Channel == "" {
				s.Hub.Send(conn, hub.NewEvent("error", gin.H{"error": "channel is required"}))
				continue
			}
			s.Hub.Unsubscribe(conn, cmd.Channel)
			s.Hub.Send(conn, hub.NewEvent("unsubscribed", gin.H{"channel": cmd.Channel}))
		case "ping":
			s.Hub.Send(conn, hub.NewEvent("pong", gin.H{"time": time.Now().UTC()}))
		default:
			s.Hub.Send(conn, hub.NewEvent("error", gin.H{"error": "unknown action"}))
		}
	}
}
