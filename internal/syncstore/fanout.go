package syncstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Conn is the transport capability the fan-out needs: deliver one serialized
// message. A send error marks the connection dead.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

// Broadcaster is what the synchronization service emits change events
// through. Hub implements it; tests substitute recorders.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any, excludeClientID string) int
}

// Envelope is the wire shape of a change event.
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
}

type ConnectionInfo struct {
	ClientID    string    `json:"clientId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type hubConnection struct {
	conn        Conn
	clientID    string
	connectedAt time.Time
}

// Hub owns the live connection registry and fans accepted change events out
// to every registered connection except the one that caused the change.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]hubConnection
	sendTimeout time.Duration
}

func NewHub() *Hub {
	return NewHubWithTimeout(0)
}

func NewHubWithTimeout(sendTimeout time.Duration) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Hub{
		connections: map[string]hubConnection{},
		sendTimeout: sendTimeout,
	}
}

// NewClientID mints a client id: a ULID, which is time-ordered with a
// random suffix.
func NewClientID() string {
	return ulid.Make().String()
}

// Register adds a connection under a freshly minted client id.
func (h *Hub) Register(conn Conn) string {
	clientID := NewClientID()
	h.RegisterWithID(clientID, conn)
	return clientID
}

// RegisterWithID adds a connection under a caller-supplied client id, for
// transports that must tell the peer its id before it can receive events.
func (h *Hub) RegisterWithID(clientID string, conn Conn) {
	h.mu.Lock()
	h.connections[clientID] = hubConnection{
		conn:        conn,
		clientID:    clientID,
		connectedAt: time.Now().UTC(),
	}
	h.mu.Unlock()
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	delete(h.connections, clientID)
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ConnectionInfo, 0, len(h.connections))
	for _, conn := range h.connections {
		infos = append(infos, ConnectionInfo{ClientID: conn.clientID, ConnectedAt: conn.connectedAt})
	}
	return infos
}

// Broadcast serializes the envelope once and delivers it to a stable
// snapshot of the registry, skipping excludeClientID so a writer never
// receives the echo of its own change. Connections whose send fails are
// removed after the full pass completes, never mid-iteration, and the count
// of successful deliveries is returned. Partial failure is not an error.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any, excludeClientID string) int {
	envelope := Envelope{
		Event:     event,
		Data:      payload,
		Timestamp: time.Now().UTC(),
		ClientID:  excludeClientID,
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	snapshot := make([]hubConnection, 0, len(h.connections))
	for _, conn := range h.connections {
		if conn.clientID == excludeClientID {
			continue
		}
		snapshot = append(snapshot, conn)
	}
	h.mu.RUnlock()

	sent := 0
	var dead []hubConnection
	for _, conn := range snapshot {
		sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
		err := conn.conn.Send(sendCtx, message)
		cancel()
		if err != nil {
			dead = append(dead, conn)
			continue
		}
		sent++
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, conn := range dead {
			delete(h.connections, conn.clientID)
		}
		h.mu.Unlock()
	}
	return sent
}
