// Package knowledge is the versioned retrieval index for propbot.
//
// Property documents live in Postgres with pgvector embeddings, scoped to an
// index generation. Serving always searches the active generation; the
// retraining pipeline builds a candidate generation alongside it and
// promotion flips the active flag in one transaction, so readers never see a
// half-built index.
package knowledge

import (
	"errors"
	"time"
)

// VectorDimension is the embedding width for all document and query vectors.
// The documents table column is vector(768); embedders must be configured to
// produce this dimensionality.
const VectorDimension = 768

// ErrNoActiveVersion indicates the index_versions table has no active row.
// The schema seeds one, so this means operator intervention went wrong.
var ErrNoActiveVersion = errors.New("no active index version")

// Document is one retrievable property listing.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Result is a document with its cosine similarity to the query, in [0,1].
type Result struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}

// Version is one index generation.
type Version struct {
	Version       int64     `json:"version"`
	BuiltAt       time.Time `json:"built_at"`
	DocumentCount int64     `json:"document_count"`
	Active        bool      `json:"active"`
}
