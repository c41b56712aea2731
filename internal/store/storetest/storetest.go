// Package storetest holds a behavioural test suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// NewTicket returns a PENDING ticket ready to be created.
func NewTicket(owner string, kind ticket.Kind) *ticket.Ticket {
	now := time.Now().UTC()
	return &ticket.Ticket{
		ID:        uuid.NewString(),
		Owner:     owner,
		Kind:      kind,
		Title:     "test " + string(kind),
		Priority:  ticket.PriorityMedium,
		Input:     json.RawMessage(`{"task_description":"x"}`),
		State:     ticket.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateLoad", func(t *testing.T) { testCreateLoad(t, newStore(t)) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("CASConflict", func(t *testing.T) { testCASConflict(t, newStore(t)) })
	t.Run("UpdateDetails", func(t *testing.T) { testUpdateDetails(t, newStore(t)) })
	t.Run("CASIllegalEdge", func(t *testing.T) { testCASIllegalEdge(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Attempts", func(t *testing.T) { testAttempts(t, newStore(t)) })
	t.Run("PurgeCompleted", func(t *testing.T) { testPurgeCompleted(t, newStore(t)) })
}

func mustCreate(t *testing.T, s store.Store, tk *ticket.Ticket) {
	t.Helper()
	if err := s.Create(context.Background(), tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func testCreateLoad(t *testing.T, s store.Store) {
	tk := NewTicket("alice", ticket.KindPRReview)
	tk.Description = "review please"
	tk.Priority = ticket.PriorityHigh
	mustCreate(t, s, tk)

	got, err := s.Load(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Owner != "alice" || got.Kind != ticket.KindPRReview || got.State != ticket.StatePending {
		t.Errorf("loaded ticket = %+v", got)
	}
	if got.Priority != ticket.PriorityHigh || got.Description != "review please" {
		t.Errorf("priority/description lost: %+v", got)
	}
	if string(got.Input) != string(tk.Input) {
		t.Errorf("input = %s, want %s", got.Input, tk.Input)
	}
	if !got.CreatedAt.Equal(tk.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, tk.CreatedAt)
	}
	if got.Result != nil || got.Error != nil || got.StartedAt != nil {
		t.Errorf("new ticket should have no outcome: %+v", got)
	}
}

func testLoadMissing(t *testing.T, s store.Store) {
	_, err := s.Load(context.Background(), uuid.NewString())
	if !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
}

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	started := time.Now().UTC()
	got, err := s.CASTransition(ctx, tk.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{StartedAt: &started})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.State != ticket.StateProcessing || got.StartedAt == nil {
		t.Fatalf("after claim: %+v", got)
	}

	failure := ticket.NewFailure(ticket.CodeUpstreamAI, true, "model unavailable")
	done := time.Now().UTC()
	got, err = s.CASTransition(ctx, tk.ID, ticket.StateProcessing, 0, ticket.StateFailed, store.Update{
		Error: failure, CompletedAt: &done, IncrementAttempt: true,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.State != ticket.StateFailed || got.AttemptCount != 1 {
		t.Fatalf("after fail: %+v", got)
	}
	if got.Error == nil || got.Error.Code != ticket.CodeUpstreamAI || !got.Error.Retryable {
		t.Fatalf("error not persisted: %+v", got.Error)
	}

	got, err = s.CASTransition(ctx, tk.ID, ticket.StateFailed, 1, ticket.StatePending, store.Update{ClearOutcome: true})
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if got.State != ticket.StatePending || got.Error != nil || got.CompletedAt != nil {
		t.Fatalf("after reprocess: %+v", got)
	}

	if _, err := s.CASTransition(ctx, tk.ID, ticket.StatePending, 1, ticket.StateProcessing, store.Update{}); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	got, err = s.CASTransition(ctx, tk.ID, ticket.StateProcessing, 1, ticket.StateCompleted, store.Update{
		Result:           json.RawMessage(`{"task_result":"ok"}`),
		ModelUsed:        "gpt-4",
		TokensUsed:       321,
		CompletedAt:      &done,
		IncrementAttempt: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.State != ticket.StateCompleted || got.AttemptCount != 2 {
		t.Errorf("after complete: %+v", got)
	}
	if string(got.Result) != `{"task_result":"ok"}` || got.ModelUsed != "gpt-4" || got.TokensUsed != 321 {
		t.Errorf("result fields not persisted: %+v", got)
	}
}

func testUpdateDetails(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	tk.Description = "old"
	mustCreate(t, s, tk)

	started := time.Now().UTC()
	if _, err := s.CASTransition(ctx, tk.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{StartedAt: &started}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before, _ := s.Load(ctx, tk.ID)

	title, prio := "Renamed", ticket.PriorityUrgent
	got, err := s.UpdateDetails(ctx, tk.ID, store.Details{Title: &title, Priority: &prio})
	if err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	if got.Title != "Renamed" || got.Priority != ticket.PriorityUrgent || got.Description != "old" {
		t.Errorf("details = %q %q %q", got.Title, got.Priority, got.Description)
	}
	if got.State != ticket.StateProcessing || got.AttemptCount != 0 || got.Kind != ticket.KindCustom {
		t.Errorf("lifecycle fields changed: %+v", got)
	}
	if !got.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("updated_at moved from %v to %v", before.UpdatedAt, got.UpdatedAt)
	}

	// The run's CAS is unaffected by the edit.
	done := time.Now().UTC()
	if _, err := s.CASTransition(ctx, tk.ID, ticket.StateProcessing, 0, ticket.StateCompleted,
		store.Update{CompletedAt: &done, IncrementAttempt: true}); err != nil {
		t.Errorf("complete after edit: %v", err)
	}

	if _, err := s.UpdateDetails(ctx, "missing", store.Details{Title: &title}); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func testCASConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	// Wrong expected state.
	_, err := s.CASTransition(ctx, tk.ID, ticket.StateProcessing, 0, ticket.StateCompleted, store.Update{})
	if !errors.Is(err, ticket.ErrConflict) {
		t.Errorf("state mismatch error = %v, want ErrConflict", err)
	}

	// Wrong attempt fence.
	_, err = s.CASTransition(ctx, tk.ID, ticket.StatePending, 7, ticket.StateProcessing, store.Update{})
	if !errors.Is(err, ticket.ErrConflict) {
		t.Errorf("attempt mismatch error = %v, want ErrConflict", err)
	}

	_, err = s.CASTransition(ctx, uuid.NewString(), ticket.StatePending, 0, ticket.StateProcessing, store.Update{})
	if !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("missing ticket error = %v, want ErrNotFound", err)
	}
}

func testCASIllegalEdge(t *testing.T, s store.Store) {
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	_, err := s.CASTransition(context.Background(), tk.ID, ticket.StatePending, 0, ticket.StateCompleted, store.Update{})
	if !errors.Is(err, ticket.ErrIllegalTransition) {
		t.Errorf("error = %v, want ErrIllegalTransition", err)
	}
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CASTransition(context.Background(), tk.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ticket.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
	if conflicts.Load() != 7 {
		t.Errorf("conflicts = %d, want 7", conflicts.Load())
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		tk := NewTicket("alice", ticket.KindCustom)
		tk.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		mustCreate(t, s, tk)
	}
	bob := NewTicket("bob", ticket.KindDataQuery)
	mustCreate(t, s, bob)

	page, total, err := s.List(ctx, store.ListFilter{Owner: "alice", Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 5 and 2", total, len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("list should be newest first")
	}

	rest, _, err := s.List(ctx, store.ListFilter{Owner: "alice", Limit: 10, Offset: 2})
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("offset page len = %d, want 3", len(rest))
	}

	byKind, total, err := s.List(ctx, store.ListFilter{Kind: ticket.KindDataQuery})
	if err != nil {
		t.Fatalf("List kind: %v", err)
	}
	if total != 1 || byKind[0].ID != bob.ID {
		t.Errorf("kind filter returned %d tickets", total)
	}

	_, total, err = s.List(ctx, store.ListFilter{State: ticket.StateCompleted})
	if err != nil {
		t.Fatalf("List state: %v", err)
	}
	if total != 0 {
		t.Errorf("completed total = %d, want 0", total)
	}
}

func testListStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)
	if _, err := s.CASTransition(ctx, tk.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	fresh := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, fresh)

	stale, err := s.ListStale(ctx, ticket.StateProcessing, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != tk.ID {
		t.Errorf("stale = %v, want only %s", stale, tk.ID)
	}

	stale, err = s.ListStale(ctx, ticket.StateProcessing, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no tickets older than a minute, got %d", len(stale))
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	if err := s.Delete(ctx, tk.ID); !errors.Is(err, ticket.ErrNotTerminal) {
		t.Fatalf("Delete(pending) = %v, want ErrNotTerminal", err)
	}

	if _, err := s.CASTransition(ctx, tk.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CASTransition(ctx, tk.ID, ticket.StateProcessing, 0, ticket.StateCompleted, store.Update{
		Result: json.RawMessage(`{}`), IncrementAttempt: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, tk.ID); err != nil {
		t.Fatalf("Delete(completed): %v", err)
	}
	if _, err := s.Load(ctx, tk.ID); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, tk.ID); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func testAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, tk)

	for i, outcome := range []ticket.Outcome{ticket.OutcomeFailure, ticket.OutcomeSuccess} {
		err := s.RecordAttempt(ctx, &ticket.Attempt{
			ID:        uuid.NewString(),
			TicketID:  tk.ID,
			Number:    i + 1,
			WorkerID:  "worker-1",
			StartedAt: time.Now().UTC(),
			Duration:  1500 * time.Millisecond,
			Outcome:   outcome,
		})
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	attempts, err := s.ListAttempts(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[1].Outcome != ticket.OutcomeSuccess {
		t.Errorf("unexpected attempts: %+v %+v", attempts[0], attempts[1])
	}
	if attempts[0].Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v", attempts[0].Duration)
	}
}

func testPurgeCompleted(t *testing.T, s store.Store) {
	ctx := context.Background()
	done := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, done)
	if _, err := s.CASTransition(ctx, done.ID, ticket.StatePending, 0, ticket.StateProcessing, store.Update{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CASTransition(ctx, done.ID, ticket.StateProcessing, 0, ticket.StateCompleted, store.Update{
		Result: json.RawMessage(`{}`), IncrementAttempt: true,
	}); err != nil {
		t.Fatal(err)
	}
	pending := NewTicket("alice", ticket.KindCustom)
	mustCreate(t, s, pending)

	cutoff := time.Now().Add(time.Minute)
	n, err := s.PurgeCompleted(ctx, cutoff, true)
	if err != nil || n != 1 {
		t.Fatalf("dry run = %d, %v; want 1", n, err)
	}
	if _, err := s.Load(ctx, done.ID); err != nil {
		t.Fatalf("dry run must not delete: %v", err)
	}

	n, err = s.PurgeCompleted(ctx, cutoff, false)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v; want 1", n, err)
	}
	if _, err := s.Load(ctx, done.ID); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("completed ticket should be purged, got %v", err)
	}
	if _, err := s.Load(ctx, pending.ID); err != nil {
		t.Errorf("pending ticket must survive purge: %v", err)
	}
}
