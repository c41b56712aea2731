package guard

import (
	"context"
	"sync"
)

// Local guards ticket ids within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

var _ Guard = (*Local)(nil)

// NewLocal returns an empty in-process guard.
func NewLocal() *Local {
	return &Local{held: make(map[string]uint64)}
}

// Acquire claims id.
func (g *Local) Acquire(_ context.Context, id string) (Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; ok {
		return nil, ErrHeld
	}
	g.seq++
	g.held[id] = g.seq
	return &localLease{g: g, id: id, token: g.seq}, nil
}

// Held reports whether id is currently claimed.
func (g *Local) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[id]
	return ok
}

type localLease struct {
	g     *Local
	id    string
	token uint64
	once  sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.g.mu.Lock()
		defer l.g.mu.Unlock()
		// Only drop our own claim.
		if l.g.held[l.id] == l.token {
			delete(l.g.held, l.id)
		}
	})
	return nil
}
