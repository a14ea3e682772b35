// Package metrics provides the operational metrics store for propbot.
//
// Each served chat query emits one Record. Records are appended through an
// asynchronous bounded-queue Recorder so the serving path never waits on the
// store, and read back in time windows by the drift detector and the
// monitoring API.
package metrics

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable indicates a metrics read or write failed at the
// database. Write failures are logged and swallowed at the serving boundary;
// they never reach the chat caller.
var ErrStoreUnavailable = errors.New("metrics store unavailable")

// Record is one per-query operational measurement.
// Immutable once written; the store is append-only.
type Record struct {
	ID             int64
	RecordedAt     time.Time
	ConversationID uuid.UUID

	// QueryChars is the rune length of the user query, a cheap proxy for
	// query complexity used by drift featurization.
	QueryChars int

	// LatencyMS is the end-to-end answer latency in milliseconds.
	LatencyMS int64

	// RetrievedCount is how many documents retrieval returned.
	RetrievedCount int

	// Similarity is the top-1 retrieval cosine similarity, 0 when nothing
	// was retrieved.
	Similarity float64

	// Satisfaction is an optional user rating in [0,1], supplied by the
	// client with the follow-up turn. Nil when no rating was given.
	Satisfaction *float64

	// Success reports whether the answer was generated without error.
	Success bool
}

// Summary aggregates records over a window for the monitoring API and the
// performance trigger.
type Summary struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Count           int64   `json:"count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	AvgRetrieved    float64 `json:"avg_retrieved"`
	AvgSimilarity   float64 `json:"avg_similarity"`
	AvgSatisfaction float64 `json:"avg_satisfaction"` // over rated records only
	RatedCount      int64   `json:"rated_count"`
}
