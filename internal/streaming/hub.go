// Package streaming pushes run and task events to WebSocket clients. The
// webhook layer and planner publish events on the bus; the hub fans them
// out to clients subscribed to the affected task.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events/bus"
)

// Hub manages all WebSocket clients and routes events by task id.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	taskID string
	event  *bus.Event
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		done:        make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "streaming")),
	}
}

// BindBus subscribes the hub to every run and task subject on the bus.
func (h *Hub) BindBus(b bus.EventBus) ([]bus.Subscription, error) {
	var subs []bus.Subscription
	for _, subject := range []string{"run.>", "task.>"} {
		sub, err := b.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			h.BroadcastEvent(event)
			return nil
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// BroadcastEvent routes one event to the task named in its payload. Events
// without a task id are dropped. The send never blocks: bus callbacks must
// not hang on a full buffer or a stopped hub.
func (h *Hub) BroadcastEvent(event *bus.Event) {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{taskID: taskID, event: event}:
	case <-h.done:
	default:
		h.logger.Warn("broadcast buffer full, dropping event",
			zap.String("task_id", taskID),
			zap.String("type", event.Type))
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.taskClients[msg.taskID]))
	for client := range h.taskClients[msg.taskID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg.event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop the connection rather than the hub.
			h.dropClient(client)
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for taskID := range client.taskIDs {
		if clients, ok := h.taskClients[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskClients, taskID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) subscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
}

func (h *Hub) unsubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.taskClients[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// SubscriberCount returns how many clients follow a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}
