package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	hub        *Hub
	tenantID   string
	remoteAddr string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newClient(hub *Hub, tenantID, remoteAddr string, conn *websocket.Conn) *client {
	return &client{
		hub:        hub,
		tenantID:   tenantID,
		remoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, hub.config.SendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve upgrades the request and streams job updates of tenantID until the observer leaves.
// Authorization of the tenant is the caller's responsibility.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("tenant_id", tenantID).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, tenantID, r.RemoteAddr, conn)
	h.register(c)
	h.logger.Info().Str("tenant_id", tenantID).Str("remote_addr", c.remoteAddr).Msg("observer connected")

	go c.writePump()
	c.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

// readPump only services control frames; observers have nothing to say.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.logger.Info().Str("tenant_id", c.tenantID).Str("remote_addr", c.remoteAddr).Msg("observer disconnected")
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "reconnect"))
			return
		}
	}
}
