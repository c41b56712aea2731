package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/ticketd/internal/gateway"
)

// DefaultRetry is the pause before reconnecting a dropped feed.
const DefaultRetry = 2 * time.Second

// Feed follows the gateway WebSocket and turns its messages into TUI
// messages. It reconnects until its context ends.
type Feed struct {
	url    string
	header http.Header
	retry  time.Duration
	dialer *websocket.Dialer
	out    chan tea.Msg
}

// NewFeed creates a feed for wsURL. header carries credentials.
func NewFeed(wsURL string, header http.Header) *Feed {
	return &Feed{
		url:    wsURL,
		header: header,
		retry:  DefaultRetry,
		dialer: websocket.DefaultDialer,
		out:    make(chan tea.Msg, 64),
	}
}

// Messages is read by the model; see WaitForFeed.
func (f *Feed) Messages() <-chan tea.Msg {
	return f.out
}

// Run connects and relays until ctx is cancelled, then closes Messages.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.out)
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if !f.emit(ctx, DisconnectedMsg{Err: err}) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retry):
		}
	}
}

// session serves one connection and returns why it ended.
func (f *Feed) session(ctx context.Context) error {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadJSON on cancel.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg gateway.OutboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		var tm tea.Msg
		switch msg.Type {
		case gateway.MessageTypeConnected:
			tm = ConnectedMsg{ClientID: msg.ClientID, Owner: msg.Owner}
		case gateway.MessageTypeTicketUpdate:
			if msg.Data == nil {
				continue
			}
			tm = EventMsg{Event: msg.Data}
		case gateway.MessageTypeError:
			tm = LogMsg("server: " + msg.Error)
		default:
			continue
		}
		if !f.emit(ctx, tm) {
			return ctx.Err()
		}
	}
}

func (f *Feed) emit(ctx context.Context, msg tea.Msg) bool {
	select {
	case f.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitForFeed returns a command that delivers the next feed message.
func WaitForFeed(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return msg
	}
}

