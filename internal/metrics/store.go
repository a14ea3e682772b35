package metrics

import (
	"context"
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

const insertRecordSQL = `INSERT INTO query_metrics
	(recorded_at, conversation_id, query_chars, latency_ms, retrieved_count, similarity, satisfaction, success)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// recordCols is the standard SELECT column list for scanRecords.
const recordCols = `id, recorded_at, conversation_id, query_chars,
	latency_ms, retrieved_count, similarity, satisfaction, success`

// Store persists query metrics in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines. Window reads see
// a consistent snapshot (MVCC) and may lag in-flight writes; that is fine
// for monitoring.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a metrics Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Record appends one measurement. A zero RecordedAt is stamped with the
// current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	at := rec.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(ctx, insertRecordSQL,
		at, rec.ConversationID, rec.QueryChars, rec.LatencyMS,
		rec.RetrievedCount, rec.Similarity, rec.Satisfaction, rec.Success)
	if err != nil {
		return fmt.Errorf("%w: inserting record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Window returns records with recorded_at in [since, until), ordered by
// timestamp ascending (id as tiebreaker for stable order).
func (s *Store) Window(ctx context.Context, since, until time.Time) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordCols+` FROM query_metrics
		 WHERE recorded_at >= $1 AND recorded_at < $2
		 ORDER BY recorded_at ASC, id ASC`,
		since, until)
	if err != nil {
		return nil, fmt.Errorf("%w: querying window: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Aggregate computes a Summary over [since, until).
func (s *Store) Aggregate(ctx context.Context, since, until time.Time) (Summary, error) {
	sum := Summary{WindowStart: since, WindowEnd: until}
	err := s.db.QueryRow(ctx,
		`SELECT count(*),
		        coalesce(avg(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		        coalesce(avg(latency_ms), 0),
		        coalesce(avg(retrieved_count), 0),
		        coalesce(avg(similarity), 0),
		        coalesce(avg(satisfaction), 0),
		        count(satisfaction)
		 FROM query_metrics
		 WHERE recorded_at >= $1 AND recorded_at < $2`,
		since, until).Scan(
		&sum.Count, &sum.SuccessRate, &sum.AvgLatencyMS,
		&sum.AvgRetrieved, &sum.AvgSimilarity, &sum.AvgSatisfaction,
		&sum.RatedCount)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: aggregating window: %v", ErrStoreUnavailable, err)
	}
	return sum, nil
}

// scanRecords reads all rows into Records.
func scanRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RecordedAt, &rec.ConversationID,
			&rec.QueryChars, &rec.LatencyMS, &rec.RetrievedCount,
			&rec.Similarity, &rec.Satisfaction, &rec.Success); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", ErrStoreUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating records: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}
