package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// wsMaxMessageSize bounds client requests.
	wsMaxMessageSize = 4096
	// wsLookupTimeout bounds the ownership check behind subscribe_ticket.
	wsLookupTimeout = 5 * time.Second
)

// ScopeTickets opens a connection that only receives tickets it subscribes
// to explicitly. The default scope also delivers every ticket of the owner.
const ScopeTickets = "tickets"

// handleWebSocket authenticates, upgrades and serves one client until it
// disconnects or the hub drops it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	client := newClient(conn, owner, s.sendBuffer)
	client.Reply(&OutboundMessage{
		Type:     MessageTypeConnected,
		Message:  "WebSocket connection established",
		ClientID: client.ID,
		Owner:    owner,
	})

	filter := hub.Filter{Owner: owner}
	if r.URL.Query().Get("scope") == ScopeTickets {
		filter.Owner = ""
	}
	sub, err := s.hub.Subscribe(client.ID, filter, client)
	if err != nil {
		s.log.Warn("Rejecting WebSocket client", slog.Any("error", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	client.setSubscription(sub)
	s.clients.Add(client)

	s.log.Info("WebSocket client connected",
		slog.String("client_id", client.ID),
		slog.String("owner", owner),
		slog.String("remote", r.RemoteAddr))

	go s.writePump(client)
	s.readPump(client)

	s.clients.Remove(client.ID)
	s.hub.Unsubscribe(sub)
	s.log.Info("WebSocket client disconnected", slog.String("client_id", client.ID))
}

// readPump feeds client requests to the router until the socket fails.
func (s *Server) readPump(c *Client) {
	conn := c.conn
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.UpdatePing()
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket read error", slog.String("client_id", c.ID), slog.Any("error", err))
			}
			return
		}
		s.router.HandleMessage(c, data)
	}
}

// writePump is the only writer on the socket. It exits when the client is
// closed, by the hub or by readPump's owner, and closes the connection.
func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("WebSocket write error", slog.String("client_id", c.ID), slog.Any("error", err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			s.flush(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (s *Server) flush(c *Client) {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handleSubscribe(c *Client, msg *Message) {
	if msg.TicketID == "" {
		c.Reply(&OutboundMessage{Type: MessageTypeError, Error: "ticket_id is required"})
		return
	}
	if err := s.checkTicketOwner(c.Owner, msg.TicketID); err != nil {
		c.Reply(&OutboundMessage{Type: MessageTypeError, TicketID: msg.TicketID, Error: err.Error()})
		return
	}
	if sub := c.Subscription(); sub != nil {
		sub.AddTicket(msg.TicketID)
	}
	s.log.Debug("Client subscribed to ticket",
		slog.String("client_id", c.ID),
		slog.String("ticket_id", msg.TicketID))
	c.Reply(&OutboundMessage{Type: MessageTypeSubscribed, TicketID: msg.TicketID})
}

func (s *Server) handleUnsubscribe(c *Client, msg *Message) {
	if msg.TicketID == "" {
		c.Reply(&OutboundMessage{Type: MessageTypeError, Error: "ticket_id is required"})
		return
	}
	if sub := c.Subscription(); sub != nil {
		sub.RemoveTicket(msg.TicketID)
	}
	c.Reply(&OutboundMessage{Type: MessageTypeUnsubscribed, TicketID: msg.TicketID})
}

// checkTicketOwner reports a missing ticket and someone else's ticket the
// same way so ids cannot be guessed.
func (s *Server) checkTicketOwner(owner, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsLookupTimeout)
	defer cancel()

	t, err := s.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return errTicketNotFound
		}
		s.log.Warn("Ticket lookup failed", slog.String("ticket_id", id), slog.Any("error", err))
		return errors.New("ticket lookup failed")
	}
	if t.Owner != owner {
		return errTicketNotFound
	}
	return nil
}

var errTicketNotFound = errors.New("ticket not found")
