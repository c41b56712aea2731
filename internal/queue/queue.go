// Package queue carries ticket ids from submission to workers. The queue is a
// delivery hint only: the ticket store remains the source of truth, and
// duplicates or stale ids are tolerated by the orchestrator.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of ticket ids.
type Queue interface {
	// Enqueue adds id to the tail of the queue.
	Enqueue(ctx context.Context, id string) error
	// Dequeue removes the head of the queue, waiting up to wait for one to
	// arrive. ok is false when nothing arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (id string, ok bool, err error)
	// Len reports the number of queued ids.
	Len(ctx context.Context) (int64, error)
	Close() error
}
