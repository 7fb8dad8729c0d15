// Package websocket streams session lifecycle events to subscribers.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/session"
)

// Hub fans session events out to websocket subscribers. It keeps the most
// recent events and replays them to every new subscriber.
type Hub struct {
	mu        sync.RWMutex
	upgrader  websocket.Upgrader
	clients   map[*client]struct{}
	recent    []session.Event
	maxRecent int
	bufSize   int
	writeWait time.Duration
	published int
	dropped   int
	closed    bool
	log       *logger.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRecent sets how many past events are replayed on subscribe.
func WithRecent(n int) HubOption {
	return func(h *Hub) { h.maxRecent = n }
}

// WithBuffer sets the per-subscriber queue length. A subscriber whose
// queue is full is disconnected.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates an event hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*client]struct{}),
		maxRecent: 100,
		bufSize:   64,
		writeWait: 5 * time.Second,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithComponent("events")
	return h
}

type client struct {
	conn *websocket.Conn
	send chan session.Event
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

// Publish implements session.Notifier. It never blocks.
func (h *Hub) Publish(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.published++

	if h.maxRecent > 0 {
		h.recent = append(h.recent, ev)
		if len(h.recent) > h.maxRecent {
			h.recent = h.recent[len(h.recent)-h.maxRecent:]
		}
	}

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.dropped++
			delete(h.clients, c)
			c.stop()
			h.log.Warn("Dropping slow event subscriber")
		}
	}
}

// ServeHTTP upgrades the request and streams events until the subscriber
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Event subscriber upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan session.Event, h.bufSize+h.maxRecent)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	for _, ev := range h.recent {
		c.send <- ev
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()

	// Subscribers never send; reading only detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
	<-done
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Recent returns a copy of the replay buffer.
func (h *Hub) Recent() []session.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]session.Event(nil), h.recent...)
}

// HubStats describes the hub.
type HubStats struct {
	Subscribers int `json:"subscribers"`
	Published   int `json:"published"`
	Dropped     int `json:"dropped"`
}

// Stats returns the current hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Subscribers: len(h.clients),
		Published:   h.published,
		Dropped:     h.dropped,
	}
}

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
}
