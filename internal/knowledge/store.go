package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// searchTimeout bounds vector search queries so a degraded index cannot
// block the serving path.
const searchTimeout = 10 * time.Second

// embedBatchSize caps how many documents one embedder call carries.
const embedBatchSize = 32

// querier is the common interface satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// beginner additionally opens transactions and pipelines batches;
// *pgxpool.Pool satisfies it. Promote needs the transaction for the
// active-flag flip, AddBatch the pipeline for bulk inserts.
type beginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	insertDocumentSQL = `INSERT INTO documents (id, index_version, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, index_version) DO UPDATE
		SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`

	searchVersionSQL = `SELECT id, content, metadata, created_at,
			1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE index_version = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	activeVersionSQL = `SELECT version, built_at, document_count, active
		FROM index_versions WHERE active`

	createVersionSQL = `INSERT INTO index_versions (document_count, active)
		VALUES (0, false)
		RETURNING version, built_at`

	deactivateVersionSQL = `UPDATE index_versions SET active = false WHERE active`

	activateVersionSQL = `UPDATE index_versions
		SET active = true,
		    document_count = (SELECT count(*) FROM documents WHERE index_version = $1)
		WHERE version = $1`

	discardVersionSQL = `DELETE FROM index_versions WHERE version = $1 AND NOT active`

	countDocumentsSQL = `SELECT count(*) FROM documents WHERE index_version = $1`
)

// Store manages versioned property documents with vector search.
//
// Safe for concurrent use by multiple goroutines.
type Store struct {
	db       beginner
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a knowledge Store.
func NewStore(db beginner, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}, nil
}

// CreateVersion opens a new inactive index generation for the retraining
// pipeline to build into.
func (s *Store) CreateVersion(ctx context.Context) (Version, error) {
	var v Version
	if err := s.db.QueryRow(ctx, createVersionSQL).Scan(&v.Version, &v.BuiltAt); err != nil {
		return Version{}, fmt.Errorf("creating index version: %w", err)
	}
	s.logger.Info("index version created", "version", v.Version)
	return v, nil
}

// AddBatch embeds docs and inserts them under the given generation. The
// generation stays inactive, so serving traffic never sees partial batches.
func (s *Store) AddBatch(ctx context.Context, version int64, docs []Document) error {
	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		chunk := docs[start:end]

		vectors, err := s.embedDocuments(ctx, chunk)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, doc := range chunk {
			metadataJSON, err := json.Marshal(doc.Metadata)
			if err != nil {
				return fmt.Errorf("marshaling metadata for %q: %w", doc.ID, err)
			}
			createdAt := doc.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			batch.Queue(insertDocumentSQL,
				doc.ID, version, doc.Content, metadataJSON, vectors[i], createdAt)
		}

		results := s.db.SendBatch(ctx, batch)
		if err := results.Close(); err != nil {
			return fmt.Errorf("inserting document batch: %w", err)
		}
	}

	s.logger.Debug("documents added", "version", version, "count", len(docs))
	return nil
}

// Search retrieves the topK most similar documents from the active
// generation.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	active, err := s.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return s.SearchVersion(ctx, active.Version, query, topK)
}

// SearchVersion retrieves from a specific generation. The validation phase
// uses it to probe a candidate index before promotion.
func (s *Store) SearchVersion(ctx context.Context, version int64, query string, topK int) ([]Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embedQuery(queryCtx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(queryCtx, searchVersionSQL, vec, version, topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			res          Result
			metadataJSON []byte
		)
		if err := rows.Scan(&res.Document.ID, &res.Document.Content,
			&metadataJSON, &res.Document.CreatedAt, &res.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &res.Document.Metadata); err != nil {
			s.logger.Warn("unparseable document metadata", "document_id", res.Document.ID, "error", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return results, nil
}

// ActiveVersion returns the generation serving traffic.
func (s *Store) ActiveVersion(ctx context.Context) (Version, error) {
	var v Version
	err := s.db.QueryRow(ctx, activeVersionSQL).Scan(
		&v.Version, &v.BuiltAt, &v.DocumentCount, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, ErrNoActiveVersion
	}
	if err != nil {
		return Version{}, fmt.Errorf("querying active index version: %w", err)
	}
	return v, nil
}

// Promote atomically makes version the active generation, retiring the
// previous one in the same transaction. The retired generation's documents
// are left in place for rollback until the next promotion cleans up.
func (s *Store) Promote(ctx context.Context, version int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning promotion: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, deactivateVersionSQL); err != nil {
		return fmt.Errorf("retiring active version: %w", err)
	}
	tag, err := tx.Exec(ctx, activateVersionSQL, version)
	if err != nil {
		return fmt.Errorf("activating version %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index version %d does not exist", version)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing promotion: %w", err)
	}

	s.logger.Info("index version promoted", "version", version)
	return nil
}

// Discard drops a non-active candidate generation and its documents
// (cascade). Discarding the active generation is refused.
func (s *Store) Discard(ctx context.Context, version int64) error {
	tag, err := s.db.Exec(ctx, discardVersionSQL, version)
	if err != nil {
		return fmt.Errorf("discarding version %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index version %d is active or does not exist", version)
	}
	s.logger.Info("index version discarded", "version", version)
	return nil
}

// DocumentCount returns how many documents a generation holds.
func (s *Store) DocumentCount(ctx context.Context, version int64) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, countDocumentsSQL, version).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return count, nil
}

// embedDocuments generates one vector per document, preserving order.
func (s *Store) embedDocuments(ctx context.Context, docs []Document) ([]pgvector.Vector, error) {
	input := make([]*ai.Document, len(docs))
	for i, doc := range docs {
		input[i] = ai.DocumentFromText(doc.Content, nil)
	}
	dim := int32(VectorDimension)
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   input,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("generating embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents",
			len(resp.Embeddings), len(docs))
	}

	vectors := make([]pgvector.Vector, len(docs))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != VectorDimension {
			return nil, fmt.Errorf("embedding for %q has dimension %d, want %d",
				docs[i].ID, len(emb.Embedding), VectorDimension)
		}
		vectors[i] = pgvector.NewVector(emb.Embedding)
	}
	return vectors, nil
}

// embedQuery generates the query vector.
func (s *Store) embedQuery(ctx context.Context, query string) (pgvector.Vector, error) {
	dim := int32(VectorDimension)
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(query, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return pgvector.Vector{}, fmt.Errorf("query embedding timeout: %w", err)
		}
		return pgvector.Vector{}, fmt.Errorf("generating query embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding returned for query")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
