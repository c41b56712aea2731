package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/store/storetest"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, setupTestStore)
}

func TestOpenRerunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.db")
	s, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s.Close()

	s, err = Open("sqlite", path)
	if err != nil {
		t.Fatalf("second Open should tolerate existing columns: %v", err)
	}
	_ = s.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("bolt", ":memory:"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
