package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

type clientSet map[*Client]struct{}

// Hub fans task notifications out to connected UI clients. A client with no
// task subscriptions is a firehose and receives everything; once it
// subscribes it only receives its tasks plus notifications with no task.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{} // client -> subscribed task ids
	byTask  map[string]clientSet
	closed  bool

	broadcast chan outbound
	done      chan struct{}
	logger    *logger.Logger
}

type outbound struct {
	taskID string
	data   []byte
}

// NewHub creates a hub. Notifications are delivered once Run is started.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]map[string]struct{}),
		byTask:    make(map[string]clientSet),
		broadcast: make(chan outbound, 256),
		done:      make(chan struct{}),
		logger:    log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run delivers notifications until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]map[string]struct{})
	h.byTask = make(map[string]clientSet)
}

// Register adds a client. A client registered after shutdown is closed at once.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(client.send)
		return
	}
	h.clients[client] = make(map[string]struct{})
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and all of its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.clients[client]
	if !ok {
		return
	}
	for taskID := range topics {
		h.dropSubscriber(taskID, client)
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) subscribe(client *Client, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.clients[client]
	if !ok {
		return false
	}
	topics[taskID] = struct{}{}
	set := h.byTask[taskID]
	if set == nil {
		set = make(clientSet)
		h.byTask[taskID] = set
	}
	set[client] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(client *Client, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.clients[client]
	if !ok {
		return false
	}
	delete(topics, taskID)
	h.dropSubscriber(taskID, client)
	return true
}

// dropSubscriber requires h.mu held for writing.
func (h *Hub) dropSubscriber(taskID string, client *Client) {
	set := h.byTask[taskID]
	delete(set, client)
	if len(set) == 0 {
		delete(h.byTask, taskID)
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client, topics := range h.clients {
		if msg.taskID == "" || len(topics) == 0 {
			h.enqueue(client, msg.data)
		}
	}
	if msg.taskID == "" {
		return
	}
	for client := range h.byTask[msg.taskID] {
		h.enqueue(client, msg.data)
	}
}

// enqueue requires h.mu held.
func (h *Hub) enqueue(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client send buffer full; dropping notification", zap.String("client_id", client.ID))
	}
}

// sendTo queues data for one client if it is still registered.
func (h *Hub) sendTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; ok {
		h.enqueue(client, data)
	}
}

// Broadcast sends a notification to every client interested in taskID. An
// empty taskID reaches all clients.
func (h *Hub) Broadcast(taskID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{taskID: taskID, data: data}:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many clients subscribed to taskID explicitly.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTask[taskID])
}
