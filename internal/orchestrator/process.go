package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/guard"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Outcome is what a single Process call did.
type Outcome string

const (
	// OutcomeCompleted means the ticket ran and is now COMPLETED.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the ticket ran and is now FAILED.
	OutcomeFailed Outcome = "failed"
	// OutcomeBusy means another holder had the guard; the ticket was queued
	// again after a delay.
	OutcomeBusy Outcome = "busy"
	// OutcomeSkipped means there was nothing to run: the ticket is gone, not
	// PENDING, or was claimed by someone else first.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSuperseded means the run finished but the ticket had already
	// been moved on (e.g. failed by the watchdog), so its result was dropped.
	OutcomeSuperseded Outcome = "superseded"
)

// Process claims and runs one ticket. It is safe to call concurrently for the
// same id from any number of goroutines or processes: at most one run wins.
func (o *Orchestrator) Process(ctx context.Context, id, workerID string) (Outcome, error) {
	ctx = logging.ContextWithTicketID(ctx, id)
	ctx = logging.ContextWithWorker(ctx, workerID)
	log := logging.WithContext(ctx).With(slog.String("component", "orchestrator"))

	lease, err := o.guard.Acquire(ctx, id)
	if errors.Is(err, guard.ErrHeld) {
		log.Debug("Execution guard held, requeueing")
		o.requeueLater(id)
		return OutcomeBusy, nil
	}
	if err != nil {
		// The id has left the queue; put it back or the ticket stays
		// PENDING with nothing to pick it up.
		o.requeueLater(id)
		return "", fmt.Errorf("failed to acquire guard: %w", err)
	}
	defer o.release(ctx, lease, id)

	t, err := o.store.Load(ctx, id)
	if errors.Is(err, ticket.ErrNotFound) {
		log.Debug("Queued ticket no longer exists")
		return OutcomeSkipped, nil
	}
	if err != nil {
		o.requeueLater(id)
		return "", err
	}
	if t.State != ticket.StatePending {
		log.Debug("Ticket not pending, skipping", slog.String("state", string(t.State)))
		return OutcomeSkipped, nil
	}

	started := o.now()
	claimed, err := o.store.CASTransition(ctx, id, ticket.StatePending, t.AttemptCount, ticket.StateProcessing,
		store.Update{StartedAt: &started})
	if errors.Is(err, ticket.ErrConflict) || errors.Is(err, ticket.ErrNotFound) {
		log.Debug("Lost claim race")
		return OutcomeSkipped, nil
	}
	if err != nil {
		o.requeueLater(id)
		return "", err
	}

	log.Info("Processing ticket",
		slog.String("kind", string(claimed.Kind)),
		slog.Int("attempt", claimed.AttemptCount+1),
	)
	o.publish(claimed)

	res, runErr := o.execute(ctx, claimed)
	duration := time.Since(started)

	// Terminal writes must land even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	to := ticket.StateCompleted
	update := store.Update{IncrementAttempt: true}
	completedAt := o.now()
	update.CompletedAt = &completedAt

	attempt := &ticket.Attempt{
		ID:        uuid.NewString(),
		TicketID:  id,
		Number:    claimed.AttemptCount + 1,
		WorkerID:  workerID,
		StartedAt: started,
		Duration:  duration,
		Outcome:   ticket.OutcomeSuccess,
	}

	if runErr != nil {
		f := ticket.AsFailure(runErr)
		to = ticket.StateFailed
		update.Error = f
		attempt.Outcome = ticket.OutcomeFailure
		if f.Code == ticket.CodeCancelled {
			attempt.Outcome = ticket.OutcomeCancelled
		}
		attempt.Reason = f.Reason
		log.Warn("Ticket failed",
			slog.String("code", string(f.Code)),
			slog.String("reason", f.Reason),
			slog.Bool("retryable", f.Retryable),
			slog.Duration("duration", duration),
		)
	} else {
		update.Result = res.Payload
		update.ModelUsed = res.ModelUsed
		update.TokensUsed = res.TokensUsed
		log.Info("Ticket completed",
			slog.String("model", res.ModelUsed),
			slog.Int64("tokens", res.TokensUsed),
			slog.Duration("duration", duration),
		)
	}

	if err := o.store.RecordAttempt(persistCtx, attempt); err != nil {
		log.Warn("Failed to record attempt", slog.Any("error", err))
	}

	final, err := o.store.CASTransition(persistCtx, id, ticket.StateProcessing, claimed.AttemptCount, to, update)
	if errors.Is(err, ticket.ErrConflict) || errors.Is(err, ticket.ErrNotFound) {
		log.Warn("Run result dropped, ticket moved on while processing", slog.String("result_state", string(to)))
		return OutcomeSuperseded, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to persist %s: %w", to, err)
	}

	// Still under the guard; Reprocess and the watchdog take it too.
	o.publish(final)

	if to == ticket.StateFailed {
		return OutcomeFailed, nil
	}
	return OutcomeCompleted, nil
}

type runResult struct {
	res *dispatch.Result
	err error
}

// execute runs the ticket's processor under the processing timeout. Panics
// become non-retryable internal failures; an expired timeout becomes a
// retryable Timeout failure even if the processor ignores its context.
func (o *Orchestrator) execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	proc, err := o.registry.Resolve(t.Kind)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.config.ProcessingTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.config.ProcessingTimeout)
	}
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.WithContext(ctx).Error("Processor panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- runResult{err: ticket.NewFailure(ticket.CodeInternal, false, "processor panic: %v", r)}
			}
		}()
		res, err := proc.Execute(runCtx, t.Clone())
		done <- runResult{res: res, err: err}
	}()

	var out runResult
	select {
	case out = <-done:
	case <-runCtx.Done():
	}

	if out.err == nil && out.res != nil {
		return out.res, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, ticket.Wrap(ticket.CodeCancelled, true, fmt.Errorf("processing interrupted: %w", ctx.Err()))
	case runCtx.Err() != nil:
		return nil, ticket.NewFailure(ticket.CodeTimeout, true, "processing exceeded %s", o.config.ProcessingTimeout)
	case out.err != nil:
		return nil, out.err
	}
	return nil, ticket.NewFailure(ticket.CodeInternal, false, "processor returned no result")
}
