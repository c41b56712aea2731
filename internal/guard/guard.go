// Package guard provides the per-ticket execution guard: at most one holder
// per ticket id at a time, across goroutines (Local) or processes (Redis).
package guard

import (
	"context"
	"errors"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("execution guard held")

// Guard hands out exclusive leases keyed by ticket id.
type Guard interface {
	// Acquire claims id without waiting. It returns ErrHeld if the id is
	// already claimed.
	Acquire(ctx context.Context, id string) (Lease, error)
}

// Lease is a held claim. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}
