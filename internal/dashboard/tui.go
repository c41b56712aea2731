// Package dashboard is the terminal view behind `ticketd watch`: a live list
// of the owner's tickets fed by the gateway WebSocket.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

const (
	maxRows = 12
	maxLogs = 100
)

// Actions are the operations the TUI can trigger on the server.
type Actions interface {
	Reprocess(ctx context.Context, id string) (*ticket.Ticket, error)
}

type keyMap struct {
	Up        key.Binding
	Down      key.Binding
	Reprocess key.Binding
	Logs      key.Binding
	Quit      key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.Logs, k.Up, k.Down, k.Reprocess}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

func defaultKeys() keyMap {
	return keyMap{
		Up:        key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("k", "up")),
		Down:      key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("j", "down")),
		Reprocess: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reprocess")),
		Logs:      key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "logs")),
		Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// Row is the TUI's view of one ticket.
type Row struct {
	ID        string
	Kind      ticket.Kind
	Title     string
	State     ticket.State
	Attempts  int
	Error     string
	ErrorCode ticket.FailureCode
	Retryable bool
	UpdatedAt time.Time
}

// EventMsg carries a ticket update from the feed.
type EventMsg struct {
	Event *ticket.Event
}

// SeedMsg loads tickets fetched before the feed started.
type SeedMsg []*ticket.Ticket

// ConnectedMsg reports a (re)established feed.
type ConnectedMsg struct {
	ClientID string
	Owner    string
}

// DisconnectedMsg reports a lost feed.
type DisconnectedMsg struct {
	Err error
}

// LogMsg adds a line to the log panel.
type LogMsg string

type feedClosedMsg struct{}

// tickMsg is sent periodically to refresh relative times
type tickMsg time.Time

// Model is the TUI model
type Model struct {
	server    string
	owner     string
	connected bool

	rows     map[string]*Row
	selected int
	logs     []string
	showLogs bool

	feed    <-chan tea.Msg
	actions Actions
	now     func() time.Time

	keys keyMap
	help help.Model

	width    int
	height   int
	quitting bool
}

// NewModel creates a watch model. feed and actions may be nil.
func NewModel(server string, feed <-chan tea.Msg, actions Actions) Model {
	keys := defaultKeys()
	keys.Reprocess.SetEnabled(actions != nil)

	h := help.New()
	h.Styles.ShortKey = helpStyle
	h.Styles.ShortDesc = dimStyle

	return Model{
		server:   server,
		rows:     make(map[string]*Row),
		showLogs: true,
		feed:     feed,
		actions:  actions,
		now:      time.Now,
		keys:     keys,
		help:     h,
	}
}

// WithTickets preloads rows, typically from a list call made before the
// feed connects.
func (m Model) WithTickets(tickets []*ticket.Ticket) Model {
	for _, t := range tickets {
		m.applyTicket(t)
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), WaitForFeed(m.feed))
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Logs):
			m.showLogs = !m.showLogs
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.rows)-1 && m.selected < maxRows-1 {
				m.selected++
			}
		case key.Matches(msg, m.keys.Reprocess):
			return m, m.reprocessSelected()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, tickCmd()

	case SeedMsg:
		for _, t := range msg {
			m.applyTicket(t)
		}

	case EventMsg:
		m.applyEvent(msg.Event)
		return m, WaitForFeed(m.feed)

	case ConnectedMsg:
		m.connected = true
		m.owner = msg.Owner
		m.addLog(fmt.Sprintf("connected as %s", msg.Owner))
		return m, WaitForFeed(m.feed)

	case DisconnectedMsg:
		m.connected = false
		if msg.Err != nil {
			m.addLog("disconnected: " + msg.Err.Error())
		} else {
			m.addLog("disconnected")
		}
		return m, WaitForFeed(m.feed)

	case LogMsg:
		m.addLog(string(msg))
		return m, WaitForFeed(m.feed)

	case noticeMsg:
		m.addLog(string(msg))

	case reprocessedMsg:
		if msg.err != nil {
			m.addLog(fmt.Sprintf("reprocess %s: %v", shortID(msg.id), msg.err))
		} else {
			m.addLog(fmt.Sprintf("reprocess %s: queued", shortID(msg.id)))
		}

	case feedClosedMsg:
		m.connected = false
	}

	return m, nil
}

type reprocessedMsg struct {
	id  string
	err error
}

// noticeMsg is a log line produced locally rather than by the feed.
type noticeMsg string

func (m Model) reprocessSelected() tea.Cmd {
	rows := m.sortedRows()
	if m.actions == nil || m.selected >= len(rows) {
		return nil
	}
	row := rows[m.selected]
	if row.State != ticket.StateFailed {
		return func() tea.Msg {
			return noticeMsg(fmt.Sprintf("reprocess %s: ticket is %s", shortID(row.ID), row.State))
		}
	}
	actions := m.actions
	id := row.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := actions.Reprocess(ctx, id)
		return reprocessedMsg{id: id, err: err}
	}
}

func (m *Model) applyTicket(t *ticket.Ticket) {
	row := &Row{
		ID:        t.ID,
		Kind:      t.Kind,
		Title:     t.Title,
		State:     t.State,
		Attempts:  t.AttemptCount,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Error != nil {
		row.Error = t.Error.Reason
		row.ErrorCode = t.Error.Code
		row.Retryable = t.Error.Retryable
	}
	m.rows[t.ID] = row
}

func (m *Model) applyEvent(e *ticket.Event) {
	if e == nil {
		return
	}
	row, ok := m.rows[e.TicketID]
	if !ok {
		row = &Row{ID: e.TicketID}
		m.rows[e.TicketID] = row
	}
	// Late duplicates from a reconnect must not move a row backwards.
	if !row.UpdatedAt.IsZero() && e.Timestamp.Before(row.UpdatedAt) {
		return
	}
	row.Kind = e.Kind
	if e.Title != "" {
		row.Title = e.Title
	}
	row.State = e.State
	row.Attempts = e.AttemptCount
	row.Error = e.Error
	row.ErrorCode = e.ErrorCode
	row.Retryable = e.Retryable
	row.UpdatedAt = e.Timestamp

	m.addLog(fmt.Sprintf("%s %s -> %s", shortID(e.TicketID), e.Kind, e.State))
}

func (m *Model) addLog(line string) {
	stamp := m.now().Format("15:04:05")
	m.logs = append(m.logs, stamp+" "+line)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// sortedRows returns the newest rows first.
func (m Model) sortedRows() []*Row {
	rows := make([]*Row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
	})
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return rows
}

// counts tallies rows by state.
func (m Model) counts() map[ticket.State]int64 {
	c := make(map[ticket.State]int64, 4)
	for _, r := range m.rows {
		c[r.State]++
	}
	return c
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "watch stopped.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("   ticketd watch"))
	b.WriteString(dimStyle.Render("  " + m.server))
	b.WriteString("\n\n")

	b.WriteString(m.renderSummary())
	b.WriteString("\n")
	b.WriteString(m.renderTickets())
	b.WriteString("\n")
	b.WriteString(m.renderDetail())
	b.WriteString("\n")
	if m.showLogs {
		b.WriteString(m.renderLogs())
		b.WriteString("\n")
	}

	b.WriteString("   ")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderSummary() string {
	var content strings.Builder
	conn := statusFailedStyle.Render("disconnected")
	if m.connected {
		conn = statusCompletedStyle.Render("live")
	}
	owner := m.owner
	if owner == "" {
		owner = "-"
	}
	content.WriteString(fmt.Sprintf("  %s  owner %s", conn, labelStyle.Render(owner)))

	counts := m.counts()
	for _, state := range ticket.States() {
		content.WriteString("\n")
		content.WriteString(dotLeaderStyled(string(state), formatCompact(counts[state]), stateStyle(state), panelInnerWidth))
	}
	return renderPanel("SUMMARY", content.String())
}

func (m Model) renderTickets() string {
	rows := m.sortedRows()
	if len(rows) == 0 {
		return renderPanel("TICKETS", "  No tickets yet")
	}

	var content strings.Builder
	for i, row := range rows {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(m.renderRow(row, i == m.selected))
	}
	return renderPanel("TICKETS", content.String())
}

// renderRow formats "> x 1a2b3c4d  pr_review       Title...         #2   5s"
func (m Model) renderRow(row *Row, selected bool) string {
	selector := "  "
	if selected {
		selector = "> "
	}
	icon := stateStyle(row.State).Render(stateIcon(row.State))
	title := row.Title
	if title == "" {
		title = string(row.Kind)
	}
	return fmt.Sprintf("%s%s %-8s  %-14s  %-22s  #%-2d %5s",
		selector,
		icon,
		shortID(row.ID),
		truncateVisual(string(row.Kind), 14),
		truncateVisual(title, 22),
		row.Attempts,
		age(m.now().Sub(row.UpdatedAt)),
	)
}

func (m Model) renderDetail() string {
	rows := m.sortedRows()
	if m.selected >= len(rows) {
		return renderPanel("DETAIL", "  Nothing selected")
	}
	row := rows[m.selected]

	var content strings.Builder
	content.WriteString("  " + labelStyle.Render(row.ID))
	content.WriteString(fmt.Sprintf("\n  %s  attempt %d", stateStyle(row.State).Render(string(row.State)), row.Attempts))
	if row.State == ticket.StateFailed {
		retry := "permanent"
		if row.Retryable {
			retry = "retryable"
		}
		content.WriteString(fmt.Sprintf("\n  %s (%s)", warningStyle.Render(string(row.ErrorCode)), retry))
		if row.Error != "" {
			content.WriteString("\n  " + truncateVisual(row.Error, panelInnerWidth-4))
		}
	}
	return renderPanel("DETAIL", content.String())
}

func (m Model) renderLogs() string {
	if len(m.logs) == 0 {
		return renderPanel("LOGS", "  No events yet")
	}
	start := len(m.logs) - 8
	if start < 0 {
		start = 0
	}
	var content strings.Builder
	for i, line := range m.logs[start:] {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString("  " + truncateVisual(line, panelInnerWidth-4))
	}
	return renderPanel("LOGS", content.String())
}

func stateIcon(s ticket.State) string {
	switch s {
	case ticket.StateProcessing:
		return "*"
	case ticket.StateCompleted:
		return "+"
	case ticket.StateFailed:
		return "x"
	default:
		return "o"
	}
}

func stateStyle(s ticket.State) lipgloss.Style {
	switch s {
	case ticket.StateProcessing:
		return statusRunningStyle
	case ticket.StateCompleted:
		return statusCompletedStyle
	case ticket.StateFailed:
		return statusFailedStyle
	default:
		return statusPendingStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// age formats a duration compactly: 5s, 3m, 2h, 4d.
func age(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Run starts the TUI and blocks until the user quits.
func Run(m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
