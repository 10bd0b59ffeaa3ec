// Package pubsub provides a WebSocket fan-out hub for price ticks and ledger
// deltas. Delivery is best-effort: slow clients are dropped, never waited on.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Envelope is the wire frame delivered to subscribers.
type Envelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Hub manages WebSocket clients and routes published payloads to the clients
// subscribed to each channel. Channel names follow the `price:<SYMBOL>`,
// `price:all`, and `ledger:<userId>` convention.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	publish    chan Envelope
	done       chan struct{} // closed when Run exits, unblocks late (un)registers
	log        *slog.Logger
}

// NewHub creates a Hub with initialised channels and client map.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan Envelope, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the Hub's main event loop. It should be launched as a goroutine
// and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case env := <-h.publish:
			frame, err := json.Marshal(env)
			if err != nil {
				h.log.Warn("dropping unmarshalable payload", "channel", env.Channel, "error", err)
				continue
			}
			for client := range h.clients {
				if !client.subscribed(env.Channel) {
					continue
				}
				select {
				case client.send <- frame:
				default:
					// Slow client: drop it rather than stall the loop.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Publish queues a payload for delivery on the given channel. It never
// blocks; if the hub's queue is full the payload is dropped.
func (h *Hub) Publish(channel string, payload any) {
	select {
	case h.publish <- Envelope{Channel: channel, Data: payload}:
	default:
		h.log.Warn("publish queue full, dropping", "channel", channel)
	}
}
