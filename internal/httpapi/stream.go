package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/engine"
	"github.com/quantlab/regimeflow/internal/reload"
)

const (
	writeWait    = 10 * time.Second
	clientBuffer = 16
)

// streamMessage is the envelope pushed to websocket subscribers.
type streamMessage struct {
	Type    string `json:"type"` // "reload" or "cycle"
	Payload any    `json:"payload"`
}

// hub fans reload events and cycle summaries out to websocket clients. A
// client that cannot keep up is dropped rather than allowed to apply
// backpressure to the core.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     zerolog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan streamMessage
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newHub(log zerolog.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), log: log}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan streamMessage, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("stream client connected")

	go h.writeLoop(c)
	go h.readLoop(c)
}

// BroadcastReload is subscribed to the reloader.
func (h *hub) BroadcastReload(ev reload.Event) {
	h.broadcast(streamMessage{Type: "reload", Payload: ev})
}

// BroadcastCycle pushes a per-bar summary for display surfaces.
func (h *hub) BroadcastCycle(result *engine.CycleResult) {
	h.broadcast(streamMessage{Type: "cycle", Payload: result})
}

func (h *hub) broadcast(msg streamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop discards inbound frames; the stream is one-way. It exists to
// notice closes promptly.
func (h *hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	c.conn.Close()
}
