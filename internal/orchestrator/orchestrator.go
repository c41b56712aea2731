// Package orchestrator owns the ticket lifecycle: submission, claiming and
// running tickets on a worker pool, reprocessing, and the watchdog and
// retention sweeps.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/guard"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/queue"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Config configures the orchestrator.
type Config struct {
	// Workers is the number of worker goroutines. Zero runs no workers.
	Workers int
	// ProcessingTimeout bounds a single processor run.
	ProcessingTimeout time.Duration
	// StuckAfter is how long a ticket may stay PROCESSING before the
	// watchdog fails it.
	StuckAfter time.Duration
	// WatchdogSchedule is a cron spec; empty disables the watchdog.
	WatchdogSchedule string
	// RequeueDelay is how long a ticket whose guard is held waits before it
	// is queued again.
	RequeueDelay time.Duration
	// DequeueWait is the longest a worker blocks on an empty queue.
	DequeueWait time.Duration

	RetentionEnabled  bool
	RetentionAge      time.Duration
	RetentionSchedule string
	RetentionDryRun   bool

	// InstanceID prefixes worker ids. Defaults to the hostname.
	InstanceID string
}

// DefaultConfig returns default orchestrator settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:           4,
		ProcessingTimeout: 5 * time.Minute,
		StuckAfter:        10 * time.Minute,
		WatchdogSchedule:  "@every 1m",
		RequeueDelay:      2 * time.Second,
		DequeueWait:       2 * time.Second,
		RetentionAge:      30 * 24 * time.Hour,
		RetentionSchedule: "0 3 * * *",
	}
}

// Publisher receives one event per ticket state change.
type Publisher interface {
	Publish(e *ticket.Event)
}

// Publishers fans an event out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(e *ticket.Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(e)
		}
	}
}

// SubmitRequest describes a new ticket.
type SubmitRequest struct {
	Owner       string          `json:"owner"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Kind        ticket.Kind     `json:"kind"`
	Priority    string          `json:"priority,omitempty"`
	Input       json.RawMessage `json:"input"`
}

// Orchestrator drives tickets through their lifecycle. It is the only
// component that changes a ticket after creation.
type Orchestrator struct {
	config   *Config
	store    store.Store
	queue    queue.Queue
	guard    guard.Guard
	registry *dispatch.Registry
	events   Publisher
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	workers []*Worker
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. events may be nil.
func New(config *Config, st store.Store, q queue.Queue, g guard.Guard, registry *dispatch.Registry, events Publisher) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ticketd"
		}
		config.InstanceID = host
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		config:   config,
		store:    st,
		queue:    q,
		guard:    g,
		registry: registry,
		events:   events,
		log:      logging.WithComponent("orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers queued work, then launches the workers and the scheduled
// sweeps. It returns once everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	recovered, err := o.RecoverPending(ctx)
	if err != nil {
		o.log.Warn("Failed to recover pending tickets", slog.Any("error", err))
	} else if recovered > 0 {
		o.log.Info("Recovered pending tickets", slog.Int("count", recovered))
	}

	c := cron.New()
	if o.config.WatchdogSchedule != "" {
		if _, err := c.AddFunc(o.config.WatchdogSchedule, func() {
			if _, err := o.Sweep(o.ctx); err != nil {
				o.log.Error("Watchdog sweep failed", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("invalid watchdog schedule %q: %w", o.config.WatchdogSchedule, err)
		}
	}
	if o.config.RetentionEnabled {
		if _, err := c.AddFunc(o.config.RetentionSchedule, func() {
			if _, err := o.Purge(o.ctx); err != nil {
				o.log.Error("Retention purge failed", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", o.config.RetentionSchedule, err)
		}
	}
	o.cron = c
	c.Start()

	for i := 0; i < o.config.Workers; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", o.config.InstanceID, i+1), o)
		o.workers = append(o.workers, w)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w.Run(o.ctx)
		}()
	}

	o.running = true
	o.log.Info("Orchestrator started",
		slog.Int("workers", o.config.Workers),
		slog.Duration("processing_timeout", o.config.ProcessingTimeout),
		slog.String("watchdog_schedule", o.config.WatchdogSchedule),
	)
	return nil
}

// Stop cancels in-flight runs and waits for workers and sweeps to exit.
// Runs interrupted here are recorded as cancelled, retryable failures.
func (o *Orchestrator) Stop() {
	o.log.Info("Stopping orchestrator")
	o.cancel()

	o.mu.Lock()
	c := o.cron
	o.cron = nil
	o.running = false
	o.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	o.wg.Wait()
	o.log.Info("Orchestrator stopped")
}

// Submit validates and persists a new PENDING ticket, then queues it. If
// queueing fails the ticket is still returned along with the error; it will
// be picked up by pending recovery on the next start.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*ticket.Ticket, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ticket.ErrInvalidInput)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ticket.ErrUnknownTaskKind, req.Kind)
	}
	if err := o.registry.Validate(req.Kind, req.Input); err != nil {
		return nil, err
	}
	priority, err := ticket.ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ticket.ErrInvalidInput, err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = string(req.Kind)
	}

	now := o.now()
	t := &ticket.Ticket{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		Kind:        req.Kind,
		Title:       title,
		Description: req.Description,
		Priority:    priority,
		Input:       req.Input,
		State:       ticket.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	log := o.log.With(slog.String("ticket_id", t.ID))
	log.Info("Ticket submitted",
		slog.String("owner", t.Owner),
		slog.String("kind", string(t.Kind)),
		slog.String("priority", string(t.Priority)),
	)

	if err := o.queue.Enqueue(ctx, t.ID); err != nil {
		log.Warn("Failed to enqueue ticket", slog.Any("error", err))
		return t, fmt.Errorf("ticket %s saved but not queued: %w", t.ID, err)
	}
	return t, nil
}

// Get loads a ticket.
func (o *Orchestrator) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	return o.store.Load(ctx, id)
}

// List returns a page of tickets and the total number matching f.
func (o *Orchestrator) List(ctx context.Context, f store.ListFilter) ([]*ticket.Ticket, int, error) {
	return o.store.List(ctx, f)
}

// Attempts returns the execution history of a ticket.
func (o *Orchestrator) Attempts(ctx context.Context, id string) ([]*ticket.Attempt, error) {
	if _, err := o.store.Load(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListAttempts(ctx, id)
}

// Delete removes a COMPLETED or FAILED ticket.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.log.Info("Ticket deleted", slog.String("ticket_id", id))
	return nil
}

// Reprocess moves a FAILED ticket back to PENDING and queues it. Any other
// state yields ticket.ErrInvalidReprocessTarget. While a run still holds the
// ticket's guard it yields ticket.ErrConflict.
func (o *Orchestrator) Reprocess(ctx context.Context, id string) (*ticket.Ticket, error) {
	t, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != ticket.StateFailed {
		return nil, fmt.Errorf("%w: ticket %s is %s", ticket.ErrInvalidReprocessTarget, id, t.State)
	}

	lease, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := o.store.CASTransition(ctx, id, ticket.StateFailed, t.AttemptCount, ticket.StatePending,
		store.Update{ClearOutcome: true})
	if err != nil {
		o.release(ctx, lease, id)
		if errors.Is(err, ticket.ErrConflict) {
			return nil, fmt.Errorf("%w: ticket %s changed concurrently", ticket.ErrInvalidReprocessTarget, id)
		}
		return nil, err
	}
	o.log.Info("Ticket reprocessed",
		slog.String("ticket_id", id),
		slog.Int("attempt_count", updated.AttemptCount),
	)
	o.publish(updated)
	o.release(ctx, lease, id)

	if err := o.queue.Enqueue(ctx, id); err != nil {
		return updated, fmt.Errorf("ticket %s reset but not queued: %w", id, err)
	}
	return updated, nil
}

// DetailsRequest edits a ticket's descriptive fields. Nil fields are kept.
type DetailsRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

// maxTitleLen bounds ticket titles.
const maxTitleLen = 255

// UpdateDetails changes title, description or priority in any state. Kind,
// input and lifecycle fields cannot be edited, and no event is emitted since
// the state does not change.
func (o *Orchestrator) UpdateDetails(ctx context.Context, id string, req DetailsRequest) (*ticket.Ticket, error) {
	var d store.Details
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" || len(title) > maxTitleLen {
			return nil, fmt.Errorf("%w: title must be 1-%d characters", ticket.ErrInvalidInput, maxTitleLen)
		}
		d.Title = &title
	}
	d.Description = req.Description
	if req.Priority != nil {
		p, err := ticket.ParsePriority(*req.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ticket.ErrInvalidInput, err)
		}
		d.Priority = &p
	}
	if d.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ticket.ErrInvalidInput)
	}

	t, err := o.store.UpdateDetails(ctx, id, d)
	if err != nil {
		return nil, err
	}
	o.log.Info("Ticket details updated", slog.String("ticket_id", id))
	return t, nil
}

// RecoverPending queues every PENDING ticket. The queue may have lost ids
// across a restart; duplicates are harmless.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	pending, err := o.store.ListStale(ctx, ticket.StatePending, o.now().Add(time.Second))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range pending {
		if err := o.queue.Enqueue(ctx, t.ID); err != nil {
			return n, fmt.Errorf("failed to enqueue %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Running    bool           `json:"running"`
	QueueDepth int64          `json:"queue_depth"`
	Workers    []WorkerStatus `json:"workers"`
	Kinds      []ticket.Kind  `json:"kinds"`
}

// Status reports worker activity and queue depth.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	workers := append([]*Worker(nil), o.workers...)
	running := o.running
	o.mu.Unlock()

	st := Status{Running: running, Kinds: o.registry.Kinds()}
	for _, w := range workers {
		st.Workers = append(st.Workers, w.Status())
	}
	if depth, err := o.queue.Len(ctx); err == nil {
		st.QueueDepth = depth
	}
	return st
}

func (o *Orchestrator) publish(t *ticket.Ticket) {
	if o.events == nil {
		return
	}
	o.events.Publish(ticket.NewEvent(t))
}

// acquire takes id's execution guard for a state change made outside a run.
func (o *Orchestrator) acquire(ctx context.Context, id string) (guard.Lease, error) {
	lease, err := o.guard.Acquire(ctx, id)
	if errors.Is(err, guard.ErrHeld) {
		return nil, fmt.Errorf("%w: ticket %s is being processed", ticket.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire guard: %w", err)
	}
	return lease, nil
}

func (o *Orchestrator) release(ctx context.Context, lease guard.Lease, id string) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn("Failed to release execution guard", slog.String("ticket_id", id), slog.Any("error", err))
	}
}

// requeueLater puts id back on the queue after the configured delay unless
// the orchestrator stops first.
func (o *Orchestrator) requeueLater(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(o.config.RequeueDelay)
		defer timer.Stop()
		select {
		case <-o.ctx.Done():
			return
		case <-timer.C:
		}
		if err := o.queue.Enqueue(o.ctx, id); err != nil && o.ctx.Err() == nil {
			o.log.Warn("Failed to requeue ticket", slog.String("ticket_id", id), slog.Any("error", err))
		}
	}()
}
