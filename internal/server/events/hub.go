// Package events is the server side of the change feed: a websocket hub that
// tells connected devices when a namespace changed.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tasksync/internal/logging"
	"tasksync/internal/server/metrics"
	"tasksync/internal/wire"
)

const (
	TypeHello   = "hello"
	TypeChanged = "changed"
)

type Message struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Applied  int    `json:"applied,omitempty"`
	At       string `json:"at,omitempty"`
}

type envelope struct {
	namespace string
	msg       Message
}

type client struct {
	conn      *websocket.Conn
	namespace string
}

type Hub struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	broadcast chan envelope
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeTimeout time.Duration
}

func NewHub(log *logging.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	h := &Hub{
		log:          log,
		metrics:      m,
		clients:      make(map[*client]struct{}),
		broadcast:    make(chan envelope, 100),
		done:         make(chan struct{}),
		writeTimeout: 5 * time.Second,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// NotifyChanged queues a "changed" frame for every client of namespace.
func (h *Hub) NotifyChanged(namespace, deviceID string, applied int, at time.Time) {
	h.Broadcast(namespace, Message{Type: TypeChanged, DeviceID: deviceID, Applied: applied, At: wire.FormatTime(at)})
}

// Broadcast never blocks; frames are dropped when the queue is full.
func (h *Hub) Broadcast(namespace string, msg Message) {
	select {
	case h.broadcast <- envelope{namespace: namespace, msg: msg}:
	case <-h.done:
	default:
		h.log.Warnf("change feed queue full, dropping %s for %s", msg.Type, namespace)
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and keeps the connection until the client leaves
// or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, namespace string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// origins are enforced by the HTTP middleware
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warnf("change feed upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, namespace: namespace}

	h.clientsMu.Lock()
	select {
	case <-h.done:
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	default:
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.SetFeedClients(count)
	h.log.Debugf("change feed client connected ns=%s (%d total)", namespace, count)

	if err := h.write(r.Context(), c, Message{Type: TypeHello}); err != nil {
		h.removeClient(c)
		return
	}
	h.readLoop(r.Context(), c)
}

// readLoop discards client frames; it exists to notice disconnects.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	defer h.removeClient(c)
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.metrics.SetFeedClients(count)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case env := <-h.broadcast:
			h.clientsMu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				if c.namespace == env.namespace {
					targets = append(targets, c)
				}
			}
			h.clientsMu.RUnlock()

			for _, c := range targets {
				if err := h.write(context.Background(), c, env.msg); err != nil {
					h.log.Debugf("change feed write failed: %v", err)
					h.removeClient(c)
				}
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.clientsMu.Lock()
		close(h.done)
		conns := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			conns = append(conns, c)
			delete(h.clients, c)
		}
		h.clientsMu.Unlock()
		h.metrics.SetFeedClients(0)

		for _, c := range conns {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		h.wg.Wait()
	})
}
