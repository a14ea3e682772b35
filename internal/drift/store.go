package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// beginner additionally opens transactions; *pgxpool.Pool satisfies it.
// ReplaceReference needs one so the active swap is atomic.
type beginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	insertScoreSQL = `INSERT INTO drift_scores
		(computed_at, divergence, window_size, threshold, exceeded, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	latestScoreSQL = `SELECT id, computed_at, divergence, window_size, threshold, exceeded, reason
		FROM drift_scores
		ORDER BY computed_at DESC, id DESC
		LIMIT 1`

	activeReferenceSQL = `SELECT id, feature, edges, counts, sample_count,
			window_start, window_end, built_at
		FROM drift_reference
		WHERE active`

	deactivateReferenceSQL = `UPDATE drift_reference SET active = false WHERE active`

	insertReferenceSQL = `INSERT INTO drift_reference
		(feature, edges, counts, sample_count, window_start, window_end, built_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING id`
)

// Store persists drift scores and reference distributions in PostgreSQL.
type Store struct {
	db     beginner
	logger *slog.Logger
}

// NewStore creates a drift Store.
func NewStore(db beginner, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveScore appends the outcome of a detection cycle and fills in the
// assigned ID.
func (s *Store) SaveScore(ctx context.Context, score *Score) error {
	at := score.ComputedAt
	if at.IsZero() {
		at = time.Now()
	}
	err := s.db.QueryRow(ctx, insertScoreSQL,
		at, score.Divergence, score.WindowSize,
		score.Threshold, score.Exceeded, score.Reason).Scan(&score.ID)
	if err != nil {
		return fmt.Errorf("inserting drift score: %w", err)
	}
	return nil
}

// LatestScore returns the most recent detection outcome. When no cycle has
// run yet the error wraps pgx.ErrNoRows.
func (s *Store) LatestScore(ctx context.Context) (Score, error) {
	var score Score
	err := s.db.QueryRow(ctx, latestScoreSQL).Scan(
		&score.ID, &score.ComputedAt, &score.Divergence,
		&score.WindowSize, &score.Threshold, &score.Exceeded, &score.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Score{}, fmt.Errorf("no drift scores recorded: %w", err)
	}
	if err != nil {
		return Score{}, fmt.Errorf("querying latest drift score: %w", err)
	}
	return score, nil
}

// RecentScores returns up to limit scores, newest first.
func (s *Store) RecentScores(ctx context.Context, limit int) ([]Score, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, computed_at, divergence, window_size, threshold, exceeded, reason
		 FROM drift_scores
		 ORDER BY computed_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent drift scores: %w", err)
	}
	defer rows.Close()

	var out []Score
	for rows.Next() {
		var score Score
		if err := rows.Scan(&score.ID, &score.ComputedAt, &score.Divergence,
			&score.WindowSize, &score.Threshold, &score.Exceeded, &score.Reason); err != nil {
			return nil, fmt.Errorf("scanning drift score: %w", err)
		}
		out = append(out, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drift scores: %w", err)
	}
	return out, nil
}

// ActiveReference loads the active reference distribution, or ErrNoReference
// when none has been built yet.
func (s *Store) ActiveReference(ctx context.Context) (*Reference, error) {
	var ref Reference
	err := s.db.QueryRow(ctx, activeReferenceSQL).Scan(
		&ref.ID, &ref.Feature, &ref.Edges, &ref.Counts, &ref.SampleCount,
		&ref.WindowStart, &ref.WindowEnd, &ref.BuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoReference
	}
	if err != nil {
		return nil, fmt.Errorf("querying active drift reference: %w", err)
	}
	return &ref, nil
}

// ReplaceReference installs ref as the active reference, retiring the
// previous one in the same transaction. Fills in the assigned ID.
func (s *Store) ReplaceReference(ctx context.Context, ref *Reference) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reference swap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, deactivateReferenceSQL); err != nil {
		return fmt.Errorf("retiring active reference: %w", err)
	}
	if err := tx.QueryRow(ctx, insertReferenceSQL,
		ref.Feature, ref.Edges, ref.Counts, ref.SampleCount,
		ref.WindowStart, ref.WindowEnd, ref.BuiltAt).Scan(&ref.ID); err != nil {
		return fmt.Errorf("inserting reference: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing reference swap: %w", err)
	}

	s.logger.Info("drift reference replaced",
		"reference_id", ref.ID,
		"sample_count", ref.SampleCount,
		"bins", ref.Bins())
	return nil
}
