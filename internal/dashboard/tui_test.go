package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

func TestFormatCompact(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0K"},
		{57300, "57.3K"},
		{1000000, "1.0M"},
		{1234567, "1.2M"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatCompact(tt.input); got != tt.want {
				t.Errorf("formatCompact(%d) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{5 * time.Second, "5s"},
		{3 * time.Minute, "3m"},
		{2 * time.Hour, "2h"},
		{49 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := age(tt.d); got != tt.want {
			t.Errorf("age(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestPanelLinesHaveFixedWidth(t *testing.T) {
	panel := renderPanel("tickets", "short\n"+strings.Repeat("x", 200))
	for i, line := range strings.Split(panel, "\n") {
		if w := lipgloss.Width(line); w != panelTotalWidth {
			t.Errorf("line %d width = %d, want %d: %q", i, w, panelTotalWidth, line)
		}
	}
}

func TestTruncateVisual(t *testing.T) {
	if got := truncateVisual("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncateVisual("hello world", 8); got != "hello..." {
		t.Errorf("truncateVisual = %q", got)
	}
	if got := truncateVisual("hello", 2); got != ".." {
		t.Errorf("tiny width = %q", got)
	}
}

func fixedModel(actions Actions) Model {
	m := NewModel("http://127.0.0.1:8080", nil, actions)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestEventsUpdateRows(t *testing.T) {
	m := fixedModel(nil)
	base := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)

	m, _ = update(t, m, ConnectedMsg{ClientID: "c1", Owner: "alice"})
	m, _ = update(t, m, EventMsg{Event: &ticket.Event{
		TicketID: "ticket-aaaaaaaa", Kind: ticket.KindCustom, Title: "First",
		State: ticket.StateProcessing, AttemptCount: 0, Timestamp: base,
	}})
	m, _ = update(t, m, EventMsg{Event: &ticket.Event{
		TicketID: "ticket-aaaaaaaa", Kind: ticket.KindCustom,
		State: ticket.StateFailed, AttemptCount: 1, Timestamp: base.Add(time.Second),
		Error: "upstream timed out", ErrorCode: ticket.CodeTimeout, Retryable: true,
	}})
	// A stale duplicate is ignored.
	m, _ = update(t, m, EventMsg{Event: &ticket.Event{
		TicketID: "ticket-aaaaaaaa", Kind: ticket.KindCustom,
		State: ticket.StateProcessing, Timestamp: base,
	}})

	row := m.rows["ticket-aaaaaaaa"]
	if row == nil || row.State != ticket.StateFailed || row.Attempts != 1 {
		t.Fatalf("row = %+v", row)
	}
	if row.Title != "First" {
		t.Errorf("title lost: %q", row.Title)
	}
	if c := m.counts(); c[ticket.StateFailed] != 1 || c[ticket.StateProcessing] != 0 {
		t.Errorf("counts = %v", c)
	}

	view := m.View()
	for _, want := range []string{"ALICE", "ticket-a", "timeout", "upstream timed out"} {
		if !strings.Contains(strings.ToUpper(view), strings.ToUpper(want)) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestSelectionAndSeed(t *testing.T) {
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := fixedModel(nil).WithTickets([]*ticket.Ticket{
		{ID: "old", Kind: ticket.KindDataQuery, State: ticket.StateCompleted, UpdatedAt: older},
		{ID: "new", Kind: ticket.KindPRReview, State: ticket.StatePending, UpdatedAt: older.Add(time.Hour)},
	})

	rows := m.sortedRows()
	if len(rows) != 2 || rows[0].ID != "new" {
		t.Fatalf("rows not newest first: %v", rows)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.selected != 1 {
		t.Errorf("selected = %d after j", m.selected)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.selected != 1 {
		t.Errorf("selection ran past the end: %d", m.selected)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if m.selected != 0 {
		t.Errorf("selected = %d after k", m.selected)
	}
}

type fakeActions struct {
	called []string
	err    error
}

func (f *fakeActions) Reprocess(ctx context.Context, id string) (*ticket.Ticket, error) {
	f.called = append(f.called, id)
	return nil, f.err
}

func TestReprocessKey(t *testing.T) {
	actions := &fakeActions{}
	m := fixedModel(actions).WithTickets([]*ticket.Ticket{
		{ID: "t-failed", State: ticket.StateFailed, UpdatedAt: time.Now()},
	})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("no command for reprocess")
	}
	msg := cmd()
	if len(actions.called) != 1 || actions.called[0] != "t-failed" {
		t.Fatalf("Reprocess calls = %v", actions.called)
	}
	m, _ = update(t, m, msg)
	if last := m.logs[len(m.logs)-1]; !strings.Contains(last, "queued") {
		t.Errorf("last log = %q", last)
	}

	actions.err = errors.New("boom")
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m, _ = update(t, m, cmd())
	if last := m.logs[len(m.logs)-1]; !strings.Contains(last, "boom") {
		t.Errorf("last log = %q", last)
	}
}

func TestReprocessKeyIgnoresNonFailed(t *testing.T) {
	actions := &fakeActions{}
	m := fixedModel(actions).WithTickets([]*ticket.Ticket{
		{ID: "t-done", State: ticket.StateCompleted, UpdatedAt: time.Now()},
	})

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("expected a notice")
	}
	if _, ok := cmd().(noticeMsg); !ok {
		t.Error("expected a notice message")
	}
	if len(actions.called) != 0 {
		t.Errorf("reprocess called for a completed ticket")
	}
}

func TestHelpHidesReprocessWhenReadOnly(t *testing.T) {
	if view := fixedModel(nil).View(); strings.Contains(view, "reprocess") {
		t.Errorf("read-only view offers reprocess:\n%s", view)
	}
	if view := fixedModel(&fakeActions{}).View(); !strings.Contains(view, "reprocess") {
		t.Errorf("view missing reprocess key:\n%s", view)
	}

	m := fixedModel(nil)
	m.rows["t1"] = &Row{ID: "t1", State: ticket.StateFailed}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")}); cmd != nil {
		t.Error("disabled reprocess key produced a command")
	}
}

func TestFeedRelaysServerMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteJSON(gateway.OutboundMessage{Type: gateway.MessageTypeConnected, ClientID: "c1", Owner: r.Header.Get(gateway.OwnerHeader)})
		_ = conn.WriteJSON(gateway.OutboundMessage{Type: gateway.MessageTypePong})
		_ = conn.WriteJSON(gateway.UpdateMessage(&ticket.Event{TicketID: "t1", State: ticket.StateCompleted, Timestamp: time.Now()}))
		_ = conn.WriteJSON(gateway.OutboundMessage{Type: gateway.MessageTypeError, Error: "nope"})
		// Hold the connection until the client leaves.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set(gateway.OwnerHeader, "alice")
	feed := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), header)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	next := func() tea.Msg {
		t.Helper()
		select {
		case msg := <-feed.Messages():
			return msg
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for feed")
			return nil
		}
	}

	if msg, ok := next().(ConnectedMsg); !ok || msg.Owner != "alice" {
		t.Fatalf("first message = %#v", msg)
	}
	if msg, ok := next().(EventMsg); !ok || msg.Event.TicketID != "t1" {
		t.Fatalf("second message = %#v", msg)
	}
	if msg, ok := next().(LogMsg); !ok || !strings.Contains(string(msg), "nope") {
		t.Fatalf("third message = %#v", msg)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not stop")
	}
	if _, ok := <-feed.Messages(); ok {
		t.Error("messages channel not closed")
	}
}

func TestFeedReportsDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	feed := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	feed.retry = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case msg := <-feed.Messages():
		d, ok := msg.(DisconnectedMsg)
		if !ok || d.Err == nil || !strings.Contains(d.Err.Error(), "401") {
			t.Fatalf("message = %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect reported")
	}
}
