// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grbl-service/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mutex  sync.RWMutex
	topics map[model.EventType]bool
	done   chan struct{}
	once   sync.Once
}

func newClient(id string, conn *websocket.Conn, userAgent, remoteAddr string) *Client {
	return &Client{
		ID:          id,
		Connection:  conn,
		Send:        make(chan []byte, 256),
		UserAgent:   userAgent,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		topics:      make(map[model.EventType]bool),
		done:        make(chan struct{}),
	}
}

// Subscribe narrows the stream to the given event type. A client with no
// topics receives everything.
func (c *Client) Subscribe(topic model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.topics[topic] = true
}

// Unsubscribe removes a topic
func (c *Client) Unsubscribe(topic model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.topics, topic)
}

// Wants reports whether an event of the given type should be forwarded
func (c *Client) Wants(topic model.EventType) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.topics) == 0 || c.topics[topic]
}

// Topics returns the current subscriptions
func (c *Client) Topics() []model.EventType {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	topics := make([]model.EventType, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}

// Done is closed when the client goes away
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and signals its goroutines to stop
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	delete(cm.clients, client.ID)
	cm.mutex.Unlock()
	client.close()
}

// CloseAll disconnects every client
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	clients := cm.clients
	cm.clients = make(map[string]*Client)
	cm.mutex.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// Count returns the number of connected clients
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.clients)
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	Clients          []*Client `json:"clients"`
}
