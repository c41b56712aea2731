package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// MessageType defines the type of a WebSocket message
type MessageType string

const (
	// Client to server.
	MessageTypePing        MessageType = "ping"
	MessageTypeSubscribe   MessageType = "subscribe_ticket"
	MessageTypeUnsubscribe MessageType = "unsubscribe_ticket"

	// Server to client.
	MessageTypeConnected    MessageType = "connection_confirmed"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscription_confirmed"
	MessageTypeUnsubscribed MessageType = "unsubscription_confirmed"
	MessageTypeTicketUpdate MessageType = "ticket_update"
	MessageTypeError        MessageType = "error"
)

// Message is a client request.
type Message struct {
	Type     MessageType `json:"type"`
	TicketID string      `json:"ticket_id,omitempty"`
	// Timestamp is echoed back verbatim in pong replies.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// OutboundMessage is anything the server pushes to a client.
type OutboundMessage struct {
	Type      MessageType     `json:"type"`
	TicketID  string          `json:"ticket_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      *ticket.Event   `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// UpdateMessage wraps a ticket event for the wire.
func UpdateMessage(e *ticket.Event) *OutboundMessage {
	ts, _ := json.Marshal(e.Timestamp.Format(time.RFC3339Nano))
	return &OutboundMessage{
		Type:      MessageTypeTicketUpdate,
		TicketID:  e.TicketID,
		Data:      e,
		Timestamp: ts,
	}
}

// MessageHandler handles one client request.
type MessageHandler func(c *Client, msg *Message)

// Router routes client messages to handlers by type.
type Router struct {
	handlers map[MessageType]MessageHandler
	mu       sync.RWMutex
}

// NewRouter creates a router that already answers pings.
func NewRouter() *Router {
	r := &Router{handlers: make(map[MessageType]MessageHandler)}
	r.Handle(MessageTypePing, r.handlePing)
	return r
}

// Handle registers handler for msgType, replacing any previous one.
func (r *Router) Handle(msgType MessageType, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

// HandleMessage decodes data and dispatches it. Malformed or unknown
// messages are answered with an error message; the connection stays open.
func (r *Router) HandleMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Reply(&OutboundMessage{Type: MessageTypeError, Error: "invalid JSON message"})
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		logging.WithComponent("gateway").Debug("Unknown message type",
			slog.String("client_id", c.ID),
			slog.String("type", string(msg.Type)))
		c.Reply(&OutboundMessage{Type: MessageTypeError, Error: "unknown message type: " + string(msg.Type)})
		return
	}
	handler(c, &msg)
}

func (r *Router) handlePing(c *Client, msg *Message) {
	c.UpdatePing()
	c.Reply(&OutboundMessage{Type: MessageTypePong, Timestamp: msg.Timestamp})
}
