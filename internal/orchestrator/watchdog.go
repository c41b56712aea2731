package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// watchdogWorkerID marks attempts closed by the watchdog.
const watchdogWorkerID = "watchdog"

// Sweep fails every ticket that has been PROCESSING longer than StuckAfter.
// The failure is a retryable Timeout, so the owner may reprocess it. Tickets
// whose run still holds the execution guard are left alone; that run is
// bounded by ProcessingTimeout and will finish on its own. The attempt
// counter fences the write, so a run whose guard expired and that later
// finishes cannot overwrite the failure.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	if o.config.StuckAfter <= 0 {
		return 0, nil
	}
	cutoff := o.now().Add(-o.config.StuckAfter)
	stuck, err := o.store.ListStale(ctx, ticket.StateProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck tickets: %w", err)
	}

	failed := 0
	for _, t := range stuck {
		ok, err := o.failStuck(ctx, t)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}

	if failed > 0 {
		o.log.Info("Watchdog sweep finished", slog.Int("failed", failed))
	}
	return failed, nil
}

func (o *Orchestrator) failStuck(ctx context.Context, t *ticket.Ticket) (bool, error) {
	lease, err := o.acquire(ctx, t.ID)
	if errors.Is(err, ticket.ErrConflict) {
		o.log.Debug("Stuck ticket still guarded by its run", slog.String("ticket_id", t.ID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer o.release(ctx, lease, t.ID)

	now := o.now()
	f := ticket.NewFailure(ticket.CodeTimeout, true, "no progress after %s in processing", o.config.StuckAfter)
	updated, err := o.store.CASTransition(ctx, t.ID, ticket.StateProcessing, t.AttemptCount, ticket.StateFailed,
		store.Update{Error: f, IncrementAttempt: true, CompletedAt: &now})
	if errors.Is(err, ticket.ErrConflict) || errors.Is(err, ticket.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fail stuck ticket %s: %w", t.ID, err)
	}

	a := &ticket.Attempt{
		ID:       uuid.NewString(),
		TicketID: t.ID,
		Number:   t.AttemptCount + 1,
		WorkerID: watchdogWorkerID,
		Outcome:  ticket.OutcomeFailure,
		Reason:   f.Reason,
	}
	if t.StartedAt != nil {
		a.StartedAt = *t.StartedAt
		a.Duration = now.Sub(*t.StartedAt)
	}
	if err := o.store.RecordAttempt(ctx, a); err != nil {
		o.log.Warn("Failed to record watchdog attempt", slog.String("ticket_id", t.ID), slog.Any("error", err))
	}

	o.log.Warn("Watchdog failed stuck ticket",
		slog.String("ticket_id", t.ID),
		slog.Time("updated_at", t.UpdatedAt),
	)
	o.publish(updated)
	return true, nil
}

// Purge deletes COMPLETED tickets older than the retention age. In dry-run
// mode it only counts them.
func (o *Orchestrator) Purge(ctx context.Context) (int64, error) {
	if o.config.RetentionAge <= 0 {
		return 0, nil
	}
	before := o.now().Add(-o.config.RetentionAge)
	n, err := o.store.PurgeCompleted(ctx, before, o.config.RetentionDryRun)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed tickets: %w", err)
	}
	o.log.Info("Retention purge finished",
		slog.Int64("tickets", n),
		slog.Bool("dry_run", o.config.RetentionDryRun),
		slog.Time("before", before),
	)
	return n, nil
}
