package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/store/storetest"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := os.Getenv("TICKETD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKETD_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE tickets, ticket_attempts`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, setupTestStore)
}
