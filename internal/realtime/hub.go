// README: Live hub fans dispatch events out to connected control-room websockets.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
)

const broadcastBuffer = 256

// Hub owns the client set; only Run mutates it.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan activity.Event
	done       chan struct{}
	log        logrus.FieldLogger

	mu    sync.RWMutex
	count int
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan activity.Event, broadcastBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run must be started once; clients cannot connect after it returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount()
			h.log.WithField("clients", len(h.clients)).Debug("live client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// Broadcast queues ev for every interested client. It never blocks; events are dropped when the queue is full.
func (h *Hub) Broadcast(ev activity.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.WithField("kind", ev.Kind).Warn("live broadcast queue full; event dropped")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) fanOut(ev activity.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("marshal live event")
		return
	}
	for c := range h.clients {
		if !c.wants(ev.Kind) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow reader.
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}
