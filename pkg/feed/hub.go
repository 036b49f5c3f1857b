// Package feed pushes live telemetry to WebSocket subscribers. It runs on its
// own plain net/http listener, independent of the REST endpoint.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
	"github.com/Muskantaranum/btshelf/pkg/telemetry"
)

// Envelope is the wire frame for every feed message
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub tracks subscribers and fans broadcast messages out to them
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	logger shelf.Logger
}

// NewHub instantiates a new Hub, executing functional options, if any
func NewHub(options ...func(*Hub)) *Hub {

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		ctx:        ctx,
		cancel:     cancel,
		logger:     &shelf.NullLogger{},
	}

	for _, option := range options {
		option(h)
	}

	return h
}

// WithLogger sets a logger for the hub
func WithLogger(logger shelf.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger
	}
}

// Run drives the hub loop until Shutdown is called
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debugf("feed client %s connected (%d total)", c.id, len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debugf("feed client %s disconnected (%d total)", c.id, len(h.clients))
			}

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:

					// Subscriber cannot keep up, drop it
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Shutdown terminates the hub loop and closes all subscriber connections
func (h *Hub) Shutdown() {
	h.cancel()
}

// BroadcastTelemetry pushes an aggregated state snapshot to all subscribers
func (h *Hub) BroadcastTelemetry(state telemetry.State) {
	h.send("telemetry", state)
}

// BroadcastShock pushes a shock event to all subscribers
func (h *Hub) BroadcastShock(event shelf.ShockEvent) {
	h.send("shock", event)
}

// BroadcastStatus pushes the connection status to all subscribers
func (h *Hub) BroadcastStatus(status shelf.ConnectionStatus) {
	h.send("status", status)
}

func (h *Hub) send(msgType string, data interface{}) {

	message, err := json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		h.logger.Warnf("failed to encode %s feed message: %s", msgType, err)
		return
	}

	select {
	case h.broadcast <- message:
	case <-h.ctx.Done():
	}
}
