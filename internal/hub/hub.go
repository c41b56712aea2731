// Package hub fans ticket events out to real-time subscribers.
//
// Publish never blocks: events land in an unbounded inbox drained by a single
// distributor goroutine. Each subscription owns a bounded outbox and a writer
// goroutine, so a slow or broken subscriber is dropped without holding up the
// others. Events for one ticket reach a subscriber in publish order.
package hub

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// DefaultOutboxSize is the per-subscriber queue length.
const DefaultOutboxSize = 64

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("hub closed")

// Sink delivers events to one client.
type Sink interface {
	Send(e *ticket.Event) error
	Close() error
}

// Filter selects the events a subscription receives. An event matches when
// its ticket is listed, its owner equals Owner, or All is set.
type Filter struct {
	TicketIDs []string
	Owner     string
	All       bool
}

// Stats are cumulative hub counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Subscription is one registered client.
type Subscription struct {
	ID       string
	ClientID string
	Owner    string

	all     bool
	mu      sync.RWMutex
	tickets map[string]struct{}

	sink      Sink
	outbox    chan *ticket.Event
	done      chan struct{}
	closeOnce sync.Once
}

// AddTicket adds an explicit ticket to the filter.
func (s *Subscription) AddTicket(id string) {
	s.mu.Lock()
	s.tickets[id] = struct{}{}
	s.mu.Unlock()
}

// RemoveTicket removes an explicit ticket from the filter.
func (s *Subscription) RemoveTicket(id string) {
	s.mu.Lock()
	delete(s.tickets, id)
	s.mu.Unlock()
}

// Tickets returns the explicit ticket ids, sorted.
func (s *Subscription) Tickets() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tickets))
	for id := range s.tickets {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Matches reports whether e passes the subscription filter.
func (s *Subscription) Matches(e *ticket.Event) bool {
	if s.all {
		return true
	}
	if s.Owner != "" && s.Owner == e.Owner {
		return true
	}
	s.mu.RLock()
	_, ok := s.tickets[e.TicketID]
	s.mu.RUnlock()
	return ok
}

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sink.Close()
	})
}

// Hub routes published events to matching subscriptions.
type Hub struct {
	outboxSize int
	log        *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	inboxMu sync.Mutex
	inbox   []*ticket.Event
	signal  chan struct{}

	quit     chan struct{}
	finished chan struct{}

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithOutboxSize sets the per-subscriber outbox length.
func WithOutboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.outboxSize = n
		}
	}
}

// New starts a hub. Call Close to stop it.
func New(opts ...Option) *Hub {
	h := &Hub{
		outboxSize: DefaultOutboxSize,
		log:        logging.WithComponent("hub"),
		subs:       make(map[string]*Subscription),
		signal:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.distribute()
	return h
}

// Subscribe registers sink under clientID. The hub owns sink from here on and
// closes it when the subscription ends.
func (h *Hub) Subscribe(clientID string, f Filter, sink Sink) (*Subscription, error) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Owner:    f.Owner,
		all:      f.All,
		tickets:  make(map[string]struct{}, len(f.TicketIDs)),
		sink:     sink,
		outbox:   make(chan *ticket.Event, h.outboxSize),
		done:     make(chan struct{}),
	}
	for _, id := range f.TicketIDs {
		sub.tickets[id] = struct{}{}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	go h.write(sub)

	h.log.Debug("subscribed",
		slog.String("subscription_id", sub.ID),
		slog.String("client_id", clientID),
		slog.String("owner", f.Owner),
		slog.Bool("all", f.All))
	return sub, nil
}

// Unsubscribe removes sub and closes its sink. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.remove(sub)
	sub.terminate()
}

// Publish queues e for delivery and returns immediately. Events published
// after Close are discarded.
func (h *Hub) Publish(e *ticket.Event) {
	if e == nil {
		return
	}
	h.inboxMu.Lock()
	select {
	case <-h.quit:
		h.inboxMu.Unlock()
		return
	default:
	}
	h.inbox = append(h.inbox, e)
	h.inboxMu.Unlock()
	h.published.Add(1)

	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Close delivers what is already queued to the outboxes, then ends every
// subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.finished
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.inboxMu.Lock()
	close(h.quit)
	h.inboxMu.Unlock()
	<-h.finished

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for id, s := range h.subs {
		subs = append(subs, s)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.terminate()
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Clients returns the distinct client ids with a live subscription.
func (h *Hub) Clients() []string {
	return h.distinct(func(s *Subscription) string { return s.ClientID })
}

// Owners returns the distinct owners with a live subscription.
func (h *Hub) Owners() []string {
	return h.distinct(func(s *Subscription) string { return s.Owner })
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Count(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

func (h *Hub) distinct(key func(*Subscription) string) []string {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(h.subs))
	for _, s := range h.subs {
		if k := key(s); k != "" {
			seen[k] = struct{}{}
		}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) distribute() {
	defer close(h.finished)
	for {
		select {
		case <-h.signal:
			h.drain()
		case <-h.quit:
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		h.inboxMu.Lock()
		batch := h.inbox
		h.inbox = nil
		h.inboxMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			h.route(e)
		}
	}
}

func (h *Hub) route(e *ticket.Event) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.Matches(e) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.outbox <- e:
		case <-s.done:
		default:
			h.drop(s, "outbox full", nil)
		}
	}
}

func (h *Hub) write(s *Subscription) {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.outbox:
			if err := s.sink.Send(e); err != nil {
				h.drop(s, "send failed", err)
				return
			}
			h.delivered.Add(1)
		}
	}
}

func (h *Hub) drop(s *Subscription, reason string, err error) {
	if !h.remove(s) {
		return
	}
	h.dropped.Add(1)
	attrs := []any{
		slog.String("subscription_id", s.ID),
		slog.String("client_id", s.ClientID),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	h.log.Warn("dropping subscriber", attrs...)
	s.terminate()
}

// remove deletes s from the table and reports whether it was present.
func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; !ok {
		return false
	}
	delete(h.subs, s.ID)
	return true
}
