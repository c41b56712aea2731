package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alekspetrov/ticketd/internal/queue"
)

// dequeueErrorBackoff is the pause after a failed dequeue.
const dequeueErrorBackoff = time.Second

// WorkerStatus represents the current state of a worker.
type WorkerStatus struct {
	ID              string `json:"id"`
	IsProcessing    bool   `json:"is_processing"`
	CurrentTicketID string `json:"current_ticket_id,omitempty"`
	Processed       int64  `json:"processed"`
}

// Worker pulls ticket ids off the queue and processes them one at a time.
type Worker struct {
	id              string
	o               *Orchestrator
	log             *slog.Logger
	processing      atomic.Bool
	currentTicketID atomic.Value // stores string
	processed       atomic.Int64
}

func newWorker(id string, o *Orchestrator) *Worker {
	return &Worker{
		id:  id,
		o:   o,
		log: o.log.With(slog.String("worker_id", id)),
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled or the queue is
// closed.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Worker stopped (context cancelled)")
			return
		default:
		}

		id, ok, err := w.o.queue.Dequeue(ctx, w.o.config.DequeueWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				w.log.Debug("Worker stopped", slog.Any("reason", err))
				return
			}
			w.log.Error("Failed to dequeue", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}

		w.handle(ctx, id)
	}
}

func (w *Worker) handle(ctx context.Context, id string) {
	w.processing.Store(true)
	w.currentTicketID.Store(id)
	defer func() {
		w.currentTicketID.Store("")
		w.processing.Store(false)
	}()

	outcome, err := w.o.Process(ctx, id, w.id)
	if err != nil {
		w.log.Error("Ticket cycle failed", slog.String("ticket_id", id), slog.Any("error", err))
		return
	}
	if outcome == OutcomeCompleted || outcome == OutcomeFailed {
		w.processed.Add(1)
	}
}

// Status returns the current worker status.
func (w *Worker) Status() WorkerStatus {
	taskID := ""
	if v := w.currentTicketID.Load(); v != nil {
		taskID = v.(string)
	}
	return WorkerStatus{
		ID:              w.id,
		IsProcessing:    w.processing.Load(),
		CurrentTicketID: taskID,
		Processed:       w.processed.Load(),
	}
}
