// Package retrain drives the four-phase retraining pipeline: refresh the
// property snapshot, rebuild the embedding index as a candidate generation,
// validate it against a held-out benchmark set, and promote or discard.
//
// A run never partially promotes: the candidate generation is invisible to
// serving traffic until the final promotion transaction, and any phase
// failure discards it.
package retrain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is one pipeline stage.
type Phase string

const (
	PhaseRefresh  Phase = "refresh"
	PhaseRebuild  Phase = "rebuild"
	PhaseValidate Phase = "validate"
	PhasePromote  Phase = "promote"
)

// Run statuses persisted in retrain_runs.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Failure reasons recorded on failed runs.
const (
	ReasonDataUnavailable = "data-unavailable"
	ReasonRebuildFailed   = "rebuild-failed"
	ReasonValidateFailed  = "validate-failed"
	ReasonPromoteFailed   = "promote-failed"
	ReasonCanceled        = "canceled"
)

// PhaseError wraps a failure with the phase it happened in and a stable
// machine-readable reason. It never escapes the monitoring subsystem; the
// run record carries it to operators.
type PhaseError struct {
	Phase  Phase
	Reason string
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed (%s): %v", e.Phase, e.Reason, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Validation is the outcome of probing one index generation with the
// benchmark set.
type Validation struct {
	// HitRate is the fraction of benchmark queries whose expected document
	// appeared in the top-k results. Range [0,1].
	HitRate float64 `json:"hit_rate"`

	// MeanSimilarity is the average top-1 similarity across queries.
	MeanSimilarity float64 `json:"mean_similarity"`

	// Queries is how many benchmark queries were evaluated.
	Queries int `json:"queries"`
}

// Report pairs the candidate validation with the deployed baseline's, for
// the promotion decision and the run record.
type Report struct {
	Candidate Validation `json:"candidate"`
	Baseline  Validation `json:"baseline"`
}

// Run is the durable record of one retraining run.
type Run struct {
	ID            uuid.UUID  `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	SnapshotRef   string     `json:"snapshot_ref,omitempty"`
	Phase         Phase      `json:"phase"`
	Status        string     `json:"status"`
	Validation    *Report    `json:"validation,omitempty"`
	Promoted      bool       `json:"promoted"`
	FailureReason string     `json:"failure_reason,omitempty"`
}
