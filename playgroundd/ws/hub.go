package ws

import (
	"context"
	"log/slog"
	"sync"
)

// Hub maintains the set of active clients and fans messages out to the
// clients subscribed to specific environments.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Inbound messages from the manager to be broadcast.
	broadcast chan *BroadcastMessage

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Force-close requests for every subscriber of one environment.
	closeAll chan string

	// Map of environment IDs to the set of clients subscribed to them.
	subscriptions map[string]map[*Client]bool

	// Closed when the run loop exits so registration attempts against a
	// stopped hub do not block forever.
	done chan struct{}

	mu sync.RWMutex

	logger *slog.Logger
}

// BroadcastMessage encapsulates a message intended for one environment's
// subscribers.
type BroadcastMessage struct {
	EnvironmentID string
	Message       []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:     make(chan *BroadcastMessage, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		closeAll:      make(chan string),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		logger:        logger.With("component", "websocket-hub"),
	}
}

// Run processes registration, disconnects and broadcasts until ctx is
// cancelled. A message is delivered to the subscriber set as it exists at
// send time; clients found closed are skipped.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.subscriptions[client.environmentID]; !ok {
				h.subscriptions[client.environmentID] = make(map[*Client]bool)
			}
			h.subscriptions[client.environmentID][client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", "environmentID", client.environmentID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()

		case environmentID := <-h.closeAll:
			h.mu.Lock()
			for client := range h.subscriptions[environmentID] {
				h.dropClient(client)
			}
			h.mu.Unlock()
			h.logger.Debug("Closed all subscribers", "environmentID", environmentID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			subscribers := h.subscriptions[msg.EnvironmentID]
			for client := range subscribers {
				select {
				case client.send <- msg.Message:
				default:
					// Slow or closed client; skip rather than block the hub.
					h.logger.Warn("Client send buffer full, skipping", "environmentID", client.environmentID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// dropClient removes the client from every index and closes its send
// channel, which ends its write pump. Called with h.mu held.
func (h *Hub) dropClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if subs, ok := h.subscriptions[client.environmentID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, client.environmentID)
		}
	}
	h.logger.Debug("Client unregistered", "environmentID", client.environmentID)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.done)
	for client := range h.clients {
		h.dropClient(client)
	}
}

// SubmitBroadcast queues a message for every current subscriber of the
// environment. Non-blocking: if the hub is saturated the message is
// dropped, not queued unboundedly.
func (h *Hub) SubmitBroadcast(environmentID string, message []byte) {
	msg := &BroadcastMessage{EnvironmentID: environmentID, Message: message}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Error("Hub broadcast channel full, discarding message", "environmentID", environmentID)
	}
}

// CloseAll force-closes and clears every connection for the environment.
// Used by the lifecycle controller when deleting a sandbox.
func (h *Hub) CloseAll(environmentID string) {
	select {
	case h.closeAll <- environmentID:
	default:
		// Hub not running (shutdown path); clean up inline.
		h.mu.Lock()
		for client := range h.subscriptions[environmentID] {
			h.dropClient(client)
		}
		h.mu.Unlock()
	}
}

// Subscribers reports how many connections are registered for the
// environment.
func (h *Hub) Subscribers(environmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[environmentID])
}
