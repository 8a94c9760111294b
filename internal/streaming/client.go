package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Client is one WebSocket connection and its task subscriptions.
type Client struct {
	ID      string
	conn    *websocket.Conn
	taskIDs map[string]bool
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		taskIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// subscriptionMessage is what clients send to change their subscriptions.
type subscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	TaskIDs []string `json:"task_ids"`
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("dropping malformed subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, taskID := range sub.TaskIDs {
				c.Subscribe(taskID)
			}
		case "unsubscribe":
			for _, taskID := range sub.TaskIDs {
				c.Unsubscribe(taskID)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// WritePump flushes outbound events and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever else is queued into this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe follows a task.
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, taskID)
}

// Unsubscribe stops following a task.
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, taskID)
}
