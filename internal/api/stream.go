package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cac-client/internal/cac"
)

// UpdateEvent is the websocket payload sent on config changes.
type UpdateEvent struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Tenant       string    `json:"tenant"`
	Version      string    `json:"version"`
	LastModified time.Time `json:"last_modified"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	eventSnapshot = "snapshot"
	eventUpdate   = "update"
)

// wsClient wraps a websocket connection with write locking.
type wsClient struct {
	id     string
	tenant string
	conn   *websocket.Conn
	mu     sync.Mutex
}

// UpdateNotifier keeps track of watch connections and fans out config updates.
type UpdateNotifier struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    map[string]cac.Update
}

// NewUpdateNotifier constructs a notifier instance.
func NewUpdateNotifier() *UpdateNotifier {
	return &UpdateNotifier{
		clients: make(map[*wsClient]struct{}),
		last:    make(map[string]cac.Update),
	}
}

// Register attaches a connection watching tenant and sends it the latest
// known update, falling back to current when none was broadcast yet.
func (n *UpdateNotifier) Register(conn *websocket.Conn, tenant string, current cac.Update) *wsClient {
	client := &wsClient{id: uuid.NewString(), tenant: tenant, conn: conn}
	n.mu.Lock()
	n.clients[client] = struct{}{}
	if last, ok := n.last[tenant]; ok {
		current = last
	}
	n.mu.Unlock()

	_ = client.writeJSON(client.event(eventSnapshot, current))
	return client
}

// Unregister removes the client and closes its socket.
func (n *UpdateNotifier) Unregister(client *wsClient) {
	if client == nil {
		return
	}
	n.mu.Lock()
	delete(n.clients, client)
	n.mu.Unlock()
	_ = client.conn.Close()
}

// Broadcast sends update to every connection watching its tenant.
func (n *UpdateNotifier) Broadcast(update cac.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last[update.Tenant] = update

	for client := range n.clients {
		if client.tenant != update.Tenant {
			continue
		}
		if err := client.writeJSON(client.event(eventUpdate, update)); err != nil {
			logrus.WithError(err).WithField("connection", client.id).Debug("drop watch connection")
			delete(n.clients, client)
			_ = client.conn.Close()
		}
	}
}

// Connections returns the number of open watch connections.
func (n *UpdateNotifier) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// Forward broadcasts every update of client until ctx is done or the
// client is closed.
func (n *UpdateNotifier) Forward(ctx context.Context, client *cac.Client) {
	updates, cancel := client.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			n.Broadcast(update)
		}
	}
}

func (c *wsClient) event(kind string, update cac.Update) UpdateEvent {
	return UpdateEvent{
		Type:         kind,
		ConnectionID: c.id,
		Tenant:       update.Tenant,
		Version:      update.Version,
		LastModified: update.LastModified,
		Timestamp:    time.Now().UTC(),
	}
}

func (c *wsClient) writeJSON(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(payload)
}
