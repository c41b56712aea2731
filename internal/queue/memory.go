package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an unbounded in-process queue. Enqueue never blocks.
type Memory struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue appends id.
func (q *Memory) Enqueue(_ context.Context, id string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the head, waiting up to wait.
func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (string, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if id, ok := q.pop(); ok {
			return id, true, nil
		}
		select {
		case <-q.signal:
		case <-timer.C:
			return "", false, nil
		case <-q.closed:
			return "", false, ErrClosed
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (q *Memory) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Pass the wakeup on so another waiter drains the rest.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Len returns the number of queued ids.
func (q *Memory) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Close wakes all waiters with ErrClosed.
func (q *Memory) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
