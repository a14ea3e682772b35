package retrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/propbot/propbot/internal/knowledge"
)

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createRunSQL = `INSERT INTO retrain_runs (id, started_at, snapshot_ref, phase, status)
		VALUES ($1, $2, $3, $4, $5)`

	setPhaseSQL = `UPDATE retrain_runs SET phase = $2, snapshot_ref = $3 WHERE id = $1`

	finishRunSQL = `UPDATE retrain_runs
		SET finished_at = $2, snapshot_ref = $3, phase = $4, status = $5,
		    validation = $6, promoted = $7, failure_reason = $8
		WHERE id = $1`

	recentRunsSQL = `SELECT id, started_at, finished_at, snapshot_ref, phase,
			status, validation, promoted, failure_reason
		FROM retrain_runs
		ORDER BY started_at DESC
		LIMIT $1`
)

// Store persists retraining run records in PostgreSQL.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a retrain run Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Create inserts a fresh run record.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, createRunSQL,
		run.ID, run.StartedAt, run.SnapshotRef, run.Phase, run.Status)
	if err != nil {
		return fmt.Errorf("inserting retrain run: %w", err)
	}
	return nil
}

// SetPhase records a phase transition.
func (s *Store) SetPhase(ctx context.Context, id uuid.UUID, phase Phase, snapshotRef string) error {
	if _, err := s.db.Exec(ctx, setPhaseSQL, id, phase, snapshotRef); err != nil {
		return fmt.Errorf("updating run phase: %w", err)
	}
	return nil
}

// Finish finalizes a run record.
func (s *Store) Finish(ctx context.Context, run Run) error {
	var validationJSON []byte
	if run.Validation != nil {
		var err error
		validationJSON, err = json.Marshal(run.Validation)
		if err != nil {
			return fmt.Errorf("marshaling validation report: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, finishRunSQL,
		run.ID, run.FinishedAt, run.SnapshotRef, run.Phase, run.Status,
		validationJSON, run.Promoted, run.FailureReason)
	if err != nil {
		return fmt.Errorf("finalizing retrain run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.Query(ctx, recentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("querying retrain runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			run            Run
			validationJSON []byte
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt,
			&run.SnapshotRef, &run.Phase, &run.Status,
			&validationJSON, &run.Promoted, &run.FailureReason); err != nil {
			return nil, fmt.Errorf("scanning retrain run: %w", err)
		}
		if len(validationJSON) > 0 {
			run.Validation = &Report{}
			if err := json.Unmarshal(validationJSON, run.Validation); err != nil {
				s.logger.Warn("unparseable validation report", "run_id", run.ID, "error", err)
				run.Validation = nil
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retrain runs: %w", err)
	}
	return out, nil
}

const (
	latestSnapshotRefSQL = `SELECT snapshot_ref FROM properties
		ORDER BY loaded_at DESC LIMIT 1`

	snapshotDocumentsSQL = `SELECT id, content, metadata, loaded_at
		FROM properties WHERE snapshot_ref = $1 ORDER BY id`
)

// PGDataSource reads property snapshots from the staging table loaded by the
// upstream ingestion job. Satisfies DataSource.
type PGDataSource struct {
	db querier
}

// NewPGDataSource creates a PGDataSource.
func NewPGDataSource(db querier) (*PGDataSource, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PGDataSource{db: db}, nil
}

// LatestSnapshot returns the most recently loaded snapshot and its
// documents. No rows means no snapshot has ever been loaded.
func (s *PGDataSource) LatestSnapshot(ctx context.Context) (string, []knowledge.Document, error) {
	var ref string
	err := s.db.QueryRow(ctx, latestSnapshotRefSQL).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("finding latest snapshot: %w", err)
	}

	rows, err := s.db.Query(ctx, snapshotDocumentsSQL, ref)
	if err != nil {
		return "", nil, fmt.Errorf("reading snapshot %q: %w", ref, err)
	}
	defer rows.Close()

	var docs []knowledge.Document
	for rows.Next() {
		var (
			doc          knowledge.Document
			metadataJSON []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &doc.CreatedAt); err != nil {
			return "", nil, fmt.Errorf("scanning property: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return "", nil, fmt.Errorf("parsing property metadata for %q: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterating properties: %w", err)
	}
	return ref, docs, nil
}

const benchmarksSQL = `SELECT query, expected_id FROM benchmark_queries ORDER BY id`

// PGBenchmarkSource reads the held-out validation set. Satisfies
// BenchmarkSource.
type PGBenchmarkSource struct {
	db querier
}

// NewPGBenchmarkSource creates a PGBenchmarkSource.
func NewPGBenchmarkSource(db querier) (*PGBenchmarkSource, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PGBenchmarkSource{db: db}, nil
}

// Benchmarks returns all benchmark probes.
func (s *PGBenchmarkSource) Benchmarks(ctx context.Context) ([]Benchmark, error) {
	rows, err := s.db.Query(ctx, benchmarksSQL)
	if err != nil {
		return nil, fmt.Errorf("querying benchmarks: %w", err)
	}
	defer rows.Close()

	var out []Benchmark
	for rows.Next() {
		var b Benchmark
		if err := rows.Scan(&b.Query, &b.ExpectedID); err != nil {
			return nil, fmt.Errorf("scanning benchmark: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating benchmarks: %w", err)
	}
	return out, nil
}
