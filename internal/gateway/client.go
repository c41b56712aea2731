package gateway

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-connection queue of encoded messages waiting
// for the write pump.
const DefaultSendBuffer = 32

var (
	errClientClosed = errors.New("client closed")
	errSendOverflow = errors.New("client send buffer full")
)

// Client is one WebSocket connection. It is the hub sink for its
// subscription: Send encodes and queues, the write pump owns the socket.
type Client struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	lastPing time.Time
	sub      *hub.Subscription

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, owner string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	now := time.Now()
	return &Client{
		ID:        uuid.New().String(),
		Owner:     owner,
		CreatedAt: now,
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		lastPing:  now,
	}
}

// Send queues a ticket update. It fails instead of blocking when the client
// cannot keep up, which makes the hub drop it.
func (c *Client) Send(e *ticket.Event) error {
	return c.enqueue(UpdateMessage(e))
}

// Reply queues a protocol message. Errors mean the client is going away and
// are ignored.
func (c *Client) Reply(msg *OutboundMessage) {
	_ = c.enqueue(msg)
}

func (c *Client) enqueue(msg *OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendOverflow
	}
}

// Close stops the write pump, which closes the socket. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// UpdatePing updates the last ping time
func (c *Client) UpdatePing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

// LastPing returns when the client last pinged.
func (c *Client) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *Client) setSubscription(sub *hub.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = sub
}

// Subscription returns the client's hub subscription, nil before registration.
func (c *Client) Subscription() *hub.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// ClientManager tracks live connections.
type ClientManager struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewClientManager creates an empty manager.
func NewClientManager() *ClientManager {
	return &ClientManager{clients: make(map[string]*Client)}
}

// Add registers c.
func (m *ClientManager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// Get retrieves a client by ID
func (m *ClientManager) Get(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Remove forgets a client. The caller closes it.
func (m *ClientManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// Count returns the number of live connections.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Owners returns the distinct connected owners in sorted order.
func (m *ClientManager) Owners() []string {
	m.mu.RLock()
	seen := make(map[string]struct{}, len(m.clients))
	for _, c := range m.clients {
		seen[c.Owner] = struct{}{}
	}
	m.mu.RUnlock()

	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// CloseAll closes every client.
func (m *ClientManager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		_ = c.Close()
	}
}
