// Package postgres implements store.Store on PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Store provides ticket storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing pool. The caller runs Migrate.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium',
			input JSONB NOT NULL,
			state TEXT NOT NULL,
			result JSONB,
			error JSONB,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			model_used TEXT NOT NULL DEFAULT '',
			tokens_used BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS ticket_attempts (
			id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_attempts_ticket ON ticket_attempts(ticket_id, number)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const ticketColumns = `id, owner, kind, title, description, priority, input, state, result, error,
	attempt_count, model_used, tokens_used, created_at, updated_at, started_at, completed_at`

// Create inserts a new ticket
func (s *Store) Create(ctx context.Context, t *ticket.Ticket) error {
	errJSON, err := encodeFailure(t.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, t.ID, t.Owner, string(t.Kind), t.Title, t.Description, string(t.Priority), rawArg(t.Input),
		string(t.State), rawArg(t.Result), errJSON, t.AttemptCount, t.ModelUsed, t.TokensUsed,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Load retrieves a ticket by ID
func (s *Store) Load(ctx context.Context, id string) (*ticket.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

// CASTransition applies a state change in a single conditional UPDATE.
func (s *Store) CASTransition(ctx context.Context, id string, from ticket.State, attempt int, to ticket.State, u store.Update) (*ticket.Ticket, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return nil, err
	}

	args := []any{string(to), time.Now().UTC()}
	sets := []string{"state = $1", "updated_at = $2"}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if u.ClearOutcome {
		sets = append(sets, "result = NULL", "error = NULL", "completed_at = NULL")
	}
	if u.Result != nil {
		add("result", rawArg(u.Result))
	}
	if u.Error != nil {
		errJSON, err := encodeFailure(u.Error)
		if err != nil {
			return nil, err
		}
		add("error", errJSON)
	}
	if u.ModelUsed != "" {
		add("model_used", u.ModelUsed)
	}
	if u.TokensUsed != 0 {
		add("tokens_used", u.TokensUsed)
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at", *u.CompletedAt)
	}
	if u.IncrementAttempt {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}

	n := len(args)
	args = append(args, id, string(from), attempt)
	query := fmt.Sprintf(`UPDATE tickets SET %s WHERE id = $%d AND state = $%d AND attempt_count = $%d RETURNING `+ticketColumns,
		strings.Join(sets, ", "), n+1, n+2, n+3)

	t, err := scanTicket(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ticket.ErrNotFound) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check ticket: %w", err)
		}
		if !exists {
			return nil, ticket.ErrNotFound
		}
		return nil, ticket.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition ticket: %w", err)
	}
	return t, nil
}

// UpdateDetails rewrites title, description and priority.
func (s *Store) UpdateDetails(ctx context.Context, id string, d store.Details) (*ticket.Ticket, error) {
	if d.Empty() {
		return s.Load(ctx, id)
	}
	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if d.Title != nil {
		add("title", *d.Title)
	}
	if d.Description != nil {
		add("description", *d.Description)
	}
	if d.Priority != nil {
		add("priority", string(*d.Priority))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tickets SET %s WHERE id = $%d RETURNING `+ticketColumns,
		strings.Join(sets, ", "), len(args))

	t, err := scanTicket(s.pool.QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, ticket.ErrNotFound) {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	return t, err
}

// List returns a page of tickets, newest first, plus the total match count.
func (s *Store) List(ctx context.Context, f store.ListFilter) ([]*ticket.Ticket, int, error) {
	var where []string
	var args []any
	cond := func(column string, v any) {
		args = append(args, v)
		where = append(where, column+" = $"+strconv.Itoa(len(args)))
	}
	if f.Owner != "" {
		cond("owner", f.Owner)
	}
	if f.State != "" {
		cond("state", string(f.State))
	}
	if f.Kind != "" {
		cond("kind", string(f.Kind))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	n := len(args)
	args = append(args, f.EffectiveLimit(), f.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+ticketColumns+` FROM tickets%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		clause, n+1, n+2), args...)
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

// ListStale returns tickets in state not updated since updatedBefore.
func (s *Store) ListStale(ctx context.Context, state ticket.State, updatedBefore time.Time) ([]*ticket.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at`, string(state), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// Delete removes a terminal ticket. Attempts cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tickets WHERE id = $1 AND state IN ($2, $3)`,
		id, string(ticket.StateCompleted), string(ticket.StateFailed))
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Load(ctx, id); err != nil {
		return err
	}
	return ticket.ErrNotTerminal
}

// RecordAttempt appends an execution attempt.
func (s *Store) RecordAttempt(ctx context.Context, a *ticket.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ticket_attempts (id, ticket_id, number, worker_id, started_at, duration_ms, outcome, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TicketID, a.Number, a.WorkerID, a.StartedAt, a.Duration.Milliseconds(), string(a.Outcome), a.Reason)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a ticket's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, ticketID string) ([]*ticket.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ticket_id, number, worker_id, started_at, duration_ms, outcome, reason
		FROM ticket_attempts WHERE ticket_id = $1 ORDER BY number, started_at`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*ticket.Attempt
	for rows.Next() {
		var a ticket.Attempt
		var durationMs int64
		var outcome string
		if err := rows.Scan(&a.ID, &a.TicketID, &a.Number, &a.WorkerID, &a.StartedAt, &durationMs, &outcome, &a.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.Outcome = ticket.Outcome(outcome)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// PurgeCompleted deletes COMPLETED tickets last updated before the cutoff.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE state = $1 AND updated_at < $2`,
			string(ticket.StateCompleted), before).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count purgeable tickets: %w", err)
		}
		return n, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM tickets WHERE state = $1 AND updated_at < $2`,
		string(ticket.StateCompleted), before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTicket(row pgx.Row) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var kind, priority, state string
	var input, result, errJSON []byte

	err := row.Scan(&t.ID, &t.Owner, &kind, &t.Title, &t.Description, &priority, &input, &state,
		&result, &errJSON, &t.AttemptCount, &t.ModelUsed, &t.TokensUsed,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticket.ErrNotFound
		}
		return nil, err
	}

	t.Kind = ticket.Kind(kind)
	t.Priority = ticket.Priority(priority)
	t.State = ticket.State(state)
	t.Input = json.RawMessage(input)
	if result != nil {
		t.Result = json.RawMessage(result)
	}
	if errJSON != nil {
		var f ticket.Failure
		if err := json.Unmarshal(errJSON, &f); err != nil {
			return nil, fmt.Errorf("failed to decode ticket error: %w", err)
		}
		t.Error = &f
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanTickets(rows pgx.Rows) ([]*ticket.Ticket, error) {
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

// rawArg passes JSON documents as text so pgx encodes them for JSONB columns.
func rawArg(r json.RawMessage) any {
	if r == nil {
		return nil
	}
	return string(r)
}
