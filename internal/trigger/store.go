package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	getStateSQL = `SELECT status, last_reason, last_run_id, lock_token, cooldown_until, updated_at
		FROM trigger_state WHERE id = 1`

	markTriggeredSQL = `UPDATE trigger_state
		SET status = 'triggered', last_reason = $1, updated_at = now()
		WHERE id = 1 AND status = 'idle'`

	// The CAS: only one concurrent caller moves the row to running.
	acquireSQL = `UPDATE trigger_state
		SET status = 'running', lock_token = $1, last_reason = $2, updated_at = now()
		WHERE id = 1 AND status IN ('idle', 'triggered')`

	releaseSQL = `UPDATE trigger_state
		SET status = 'cooling_down', lock_token = NULL, last_run_id = $2,
		    cooldown_until = $3, updated_at = now()
		WHERE id = 1 AND lock_token = $1`

	resetCooledSQL = `UPDATE trigger_state
		SET status = 'idle', cooldown_until = NULL, updated_at = now()
		WHERE id = 1 AND status = 'cooling_down' AND cooldown_until <= $1`
)

// Store is the Postgres trigger state row. The schema seeds the single row,
// so every method is a plain UPDATE or SELECT against id = 1.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a trigger state Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Get reads the current state.
func (s *Store) Get(ctx context.Context) (State, error) {
	var st State
	err := s.db.QueryRow(ctx, getStateSQL).Scan(
		&st.Status, &st.LastReason, &st.LastRunID,
		&st.LockToken, &st.CooldownUntil, &st.UpdatedAt)
	if err != nil {
		return State{}, fmt.Errorf("reading trigger state: %w", err)
	}
	return st, nil
}

// MarkTriggered records a fire decision on an idle row.
func (s *Store) MarkTriggered(ctx context.Context, reason string) error {
	if _, err := s.db.Exec(ctx, markTriggeredSQL, reason); err != nil {
		return fmt.Errorf("marking triggered: %w", err)
	}
	return nil
}

// Acquire attempts the compare-and-swap into running.
func (s *Store) Acquire(ctx context.Context, token uuid.UUID, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, acquireSQL, token, reason)
	if err != nil {
		return false, fmt.Errorf("acquiring retrain lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release moves the lock holder's row to cooling_down. A stale token is a
// no-op with a warning, so a crashed run that already lost the row cannot
// clobber a newer one.
func (s *Store) Release(ctx context.Context, token, runID uuid.UUID, cooldownUntil time.Time) error {
	tag, err := s.db.Exec(ctx, releaseSQL, token, runID, cooldownUntil)
	if err != nil {
		return fmt.Errorf("releasing retrain lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("release skipped: lock token no longer holds the row",
			"run_id", runID)
	}
	return nil
}

// ResetIfCooled moves cooling_down to idle once the deadline has passed.
func (s *Store) ResetIfCooled(ctx context.Context, now time.Time) error {
	if _, err := s.db.Exec(ctx, resetCooledSQL, now); err != nil {
		return fmt.Errorf("resetting cooled-down state: %w", err)
	}
	return nil
}
