// Package sqlite implements store.Store on SQLite through database/sql.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go) and
// "sqlite3" (mattn/go-sqlite3, cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Store is a SQLite-backed ticket store. Timestamps are stored as unix
// nanoseconds so both drivers compare them identically.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path with the named driver
// and runs migrations. Use ":memory:" for a throwaway database.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium',
			input TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT,
			error TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_ticket ON attempts(ticket_id, number)`,
		// AI metadata columns were added after the first release.
		`ALTER TABLE tickets ADD COLUMN model_used TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tickets ADD COLUMN tokens_used INTEGER NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const ticketColumns = `id, owner, kind, title, description, priority, input, state, result, error,
	attempt_count, model_used, tokens_used, created_at, updated_at, started_at, completed_at`

// Create inserts a new ticket.
func (s *Store) Create(ctx context.Context, t *ticket.Ticket) error {
	errJSON, err := encodeFailure(t.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, string(t.Kind), t.Title, t.Description, string(t.Priority), string(t.Input),
		string(t.State), nullRaw(t.Result), errJSON, t.AttemptCount, t.ModelUsed, t.TokensUsed,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Load returns the ticket with the given id.
func (s *Store) Load(ctx context.Context, id string) (*ticket.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ticket.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return t, nil
}

// CASTransition moves a ticket from (from, attempt) to `to`, writing u.
func (s *Store) CASTransition(ctx context.Context, id string, from ticket.State, attempt int, to ticket.State, u store.Update) (*ticket.Ticket, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return nil, err
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(to), s.now().UnixNano()}

	if u.ClearOutcome {
		sets = append(sets, "result = NULL", "error = NULL", "completed_at = NULL")
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(u.Result))
	}
	if u.Error != nil {
		errJSON, err := encodeFailure(u.Error)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if u.ModelUsed != "" {
		sets = append(sets, "model_used = ?")
		args = append(args, u.ModelUsed)
	}
	if u.TokensUsed != 0 {
		sets = append(sets, "tokens_used = ?")
		args = append(args, u.TokensUsed)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, u.StartedAt.UnixNano())
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, u.CompletedAt.UnixNano())
	}
	if u.IncrementAttempt {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}

	args = append(args, id, string(from), attempt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ? AND attempt_count = ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to transition ticket: %w", err)
	}
	if n == 0 {
		if _, err := s.Load(ctx, id); err != nil {
			return nil, err
		}
		return nil, ticket.ErrConflict
	}
	return s.Load(ctx, id)
}

// UpdateDetails rewrites title, description and priority.
func (s *Store) UpdateDetails(ctx context.Context, id string, d store.Details) (*ticket.Ticket, error) {
	if d.Empty() {
		return s.Load(ctx, id)
	}
	var sets []string
	var args []any
	if d.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *d.Title)
	}
	if d.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *d.Description)
	}
	if d.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*d.Priority))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	if n == 0 {
		return nil, ticket.ErrNotFound
	}
	return s.Load(ctx, id)
}

// List returns a page of tickets, newest first, and the total match count.
func (s *Store) List(ctx context.Context, f store.ListFilter) ([]*ticket.Ticket, int, error) {
	var where []string
	var args []any
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, f.EffectiveLimit(), f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

// ListStale returns tickets in state whose last update is before updatedBefore.
func (s *Store) ListStale(ctx context.Context, state ticket.State, updatedBefore time.Time) ([]*ticket.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE state = ? AND updated_at < ? ORDER BY updated_at`,
		string(state), updatedBefore.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// Delete removes a terminal ticket and its attempts.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tickets WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load ticket: %w", err)
	}
	if !ticket.State(state).Terminal() {
		return ticket.ErrNotTerminal
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE ticket_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	return tx.Commit()
}

// RecordAttempt appends an execution attempt to the audit table.
func (s *Store) RecordAttempt(ctx context.Context, a *ticket.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, ticket_id, number, worker_id, started_at, duration_ms, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TicketID, a.Number, a.WorkerID, a.StartedAt.UnixNano(), a.Duration.Milliseconds(),
		string(a.Outcome), a.Reason)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a ticket's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, ticketID string) ([]*ticket.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, number, worker_id, started_at, duration_ms, outcome, reason
		FROM attempts WHERE ticket_id = ? ORDER BY number, started_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*ticket.Attempt
	for rows.Next() {
		var a ticket.Attempt
		var startedAt, durationMs int64
		var outcome string
		if err := rows.Scan(&a.ID, &a.TicketID, &a.Number, &a.WorkerID, &startedAt, &durationMs, &outcome, &a.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StartedAt = time.Unix(0, startedAt).UTC()
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.Outcome = ticket.Outcome(outcome)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// PurgeCompleted deletes COMPLETED tickets finished before the cutoff. With
// dryRun it only counts them.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time, dryRun bool) (int64, error) {
	cutoff := before.UnixNano()
	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tickets WHERE state = ? AND updated_at < ?`,
			string(ticket.StateCompleted), cutoff).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count purgeable tickets: %w", err)
		}
		return n, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attempts WHERE ticket_id IN (
			SELECT id FROM tickets WHERE state = ? AND updated_at < ?)`,
		string(ticket.StateCompleted), cutoff); err != nil {
		return 0, fmt.Errorf("failed to purge attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE state = ? AND updated_at < ?`,
		string(ticket.StateCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tickets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var kind, priority, input, state string
	var result, errJSON sql.NullString
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.Owner, &kind, &t.Title, &t.Description, &priority, &input, &state,
		&result, &errJSON, &t.AttemptCount, &t.ModelUsed, &t.TokensUsed,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = ticket.Kind(kind)
	t.Priority = ticket.Priority(priority)
	t.State = ticket.State(state)
	t.Input = json.RawMessage(input)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid {
		var f ticket.Failure
		if err := json.Unmarshal([]byte(errJSON.String), &f); err != nil {
			return nil, fmt.Errorf("failed to decode ticket error: %w", err)
		}
		t.Error = &f
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if startedAt.Valid {
		v := time.Unix(0, startedAt.Int64).UTC()
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := time.Unix(0, completedAt.Int64).UTC()
		t.CompletedAt = &v
	}
	return &t, nil
}

func scanTickets(rows *sql.Rows) ([]*ticket.Ticket, error) {
	var tickets []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func encodeFailure(f *ticket.Failure) (any, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket error: %w", err)
	}
	return string(data), nil
}

func nullRaw(r json.RawMessage) any {
	if r == nil {
		return nil
	}
	return string(r)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
