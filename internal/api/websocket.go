package api

import (
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cernvm/cernvm-webapi/internal/daemon"
)

var (
	errClientClosed = errors.New("websocket client closed")
	errSlowClient   = errors.New("client not reading, frame dropped")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Every origin may open a socket; trust is decided per-domain by
	// the signed keystore during requestSession, and the listener is
	// loopback-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts a gorilla connection to the daemon.Sender interface
// with a buffered write pump, so a stalled page cannot block workflow
// workers mid-emission.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// Send implements daemon.Sender.
func (c *wsClient) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		// The page stopped reading; dropping beats blocking a worker.
		return errSlowClient
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) writePump() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// handleWebSocket upgrades the request and runs the connection actor
// until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	domain := originDomain(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(ws)
	go client.writePump()

	conn := daemon.NewConnection(s.core, domain, client)
	s.connOpened()
	s.log.Info("connection opened", "domain", domain)

	defer func() {
		conn.Cleanup()
		client.close()
		ws.Close()
		s.connClosed()
		s.log.Info("connection closed", "domain", domain)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.HandleFrame(raw)
	}
}

// originDomain extracts the page's domain from the Origin header.
// Sockets without an origin (native callers) count as localhost.
func originDomain(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return "localhost"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
