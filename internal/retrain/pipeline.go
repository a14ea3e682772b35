package retrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/knowledge"
)

// DataSource supplies the latest property snapshot for the refresh phase.
type DataSource interface {
	// LatestSnapshot returns the snapshot reference and its documents.
	// An empty snapshot is a refresh failure (data-unavailable).
	LatestSnapshot(ctx context.Context) (ref string, docs []knowledge.Document, err error)
}

// Index is the subset of the knowledge store the pipeline drives;
// *knowledge.Store satisfies it.
type Index interface {
	CreateVersion(ctx context.Context) (knowledge.Version, error)
	AddBatch(ctx context.Context, version int64, docs []knowledge.Document) error
	SearchVersion(ctx context.Context, version int64, query string, topK int) ([]knowledge.Result, error)
	ActiveVersion(ctx context.Context) (knowledge.Version, error)
	Promote(ctx context.Context, version int64) error
	Discard(ctx context.Context, version int64) error
}

// Benchmark is one held-out validation probe.
type Benchmark struct {
	Query      string
	ExpectedID string
}

// BenchmarkSource supplies the validation set.
type BenchmarkSource interface {
	Benchmarks(ctx context.Context) ([]Benchmark, error)
}

// RunRecorder persists run state transitions; *Store satisfies it.
type RunRecorder interface {
	Create(ctx context.Context, run *Run) error
	SetPhase(ctx context.Context, id uuid.UUID, phase Phase, snapshotRef string) error
	Finish(ctx context.Context, run Run) error
}

// Pipeline executes retraining runs. It satisfies trigger.Runner.
type Pipeline struct {
	data       DataSource
	index      Index
	benchmarks BenchmarkSource
	runs       RunRecorder
	cfg        config.RetrainConfig
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(data DataSource, index Index, benchmarks BenchmarkSource, runs RunRecorder, cfg config.RetrainConfig, logger *slog.Logger) (*Pipeline, error) {
	if data == nil {
		return nil, fmt.Errorf("data source is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if benchmarks == nil {
		return nil, fmt.Errorf("benchmark source is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		data:       data,
		index:      index,
		benchmarks: benchmarks,
		runs:       runs,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run executes one retraining run end to end. The returned error is the
// terminal PhaseError (or context.Canceled); it is also recorded on the run,
// so callers only need it for the promoted/failed decision.
func (p *Pipeline) Run(ctx context.Context, runID uuid.UUID, reason string) (bool, error) {
	logger := p.logger.With("run_id", runID, "reason", reason)
	logger.Info("retraining run started")

	run := Run{ID: runID, StartedAt: time.Now(), Phase: PhaseRefresh, Status: StatusRunning}
	if err := p.runs.Create(ctx, &run); err != nil {
		return false, fmt.Errorf("recording run: %w", err)
	}

	promoted, report, err := p.execute(ctx, &run, logger)

	run.Promoted = promoted
	run.Validation = report
	now := time.Now()
	run.FinishedAt = &now
	if err != nil {
		run.Status = StatusFailed
		run.FailureReason = failureReason(err)
	} else {
		run.Status = StatusSucceeded
	}
	// Finish must land even when the run context was canceled.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if finErr := p.runs.Finish(finishCtx, run); finErr != nil {
		logger.Error("failed to finalize run record", "error", finErr)
	}
	return promoted, err
}

// execute walks the phases. The candidate generation is discarded on every
// non-promoting exit path.
func (p *Pipeline) execute(ctx context.Context, run *Run, logger *slog.Logger) (bool, *Report, error) {
	// Phase 1: refresh.
	var (
		snapshotRef string
		docs        []knowledge.Document
	)
	err := p.runPhase(ctx, PhaseRefresh, logger, func(ctx context.Context) error {
		ref, d, err := p.data.LatestSnapshot(ctx)
		if err != nil {
			return err
		}
		if len(d) == 0 {
			return errors.New("snapshot is empty")
		}
		snapshotRef, docs = ref, d
		return nil
	})
	if err != nil {
		return false, nil, &PhaseError{Phase: PhaseRefresh, Reason: ReasonDataUnavailable, Err: err}
	}
	run.SnapshotRef = snapshotRef
	if err := p.runs.SetPhase(ctx, run.ID, PhaseRebuild, snapshotRef); err != nil {
		logger.Warn("failed to record phase transition", "error", err)
	}

	// Phase 2: rebuild into a fresh candidate generation.
	var candidate knowledge.Version
	err = p.runPhase(ctx, PhaseRebuild, logger, func(ctx context.Context) error {
		v, err := p.index.CreateVersion(ctx)
		if err != nil {
			return err
		}
		candidate = v
		return p.index.AddBatch(ctx, candidate.Version, docs)
	})
	if err != nil {
		p.discard(candidate, logger)
		return false, nil, &PhaseError{Phase: PhaseRebuild, Reason: ReasonRebuildFailed, Err: err}
	}
	if err := p.runs.SetPhase(ctx, run.ID, PhaseValidate, snapshotRef); err != nil {
		logger.Warn("failed to record phase transition", "error", err)
	}

	// Phase 3: validate candidate and baseline with the same probes.
	var report Report
	err = p.runPhase(ctx, PhaseValidate, logger, func(ctx context.Context) error {
		probes, err := p.benchmarks.Benchmarks(ctx)
		if err != nil {
			return err
		}
		if len(probes) == 0 {
			return errors.New("benchmark set is empty")
		}
		baseline, err := p.index.ActiveVersion(ctx)
		if err != nil {
			return err
		}
		report.Candidate, err = p.validate(ctx, candidate.Version, probes)
		if err != nil {
			return err
		}
		report.Baseline, err = p.validate(ctx, baseline.Version, probes)
		return err
	})
	if err != nil {
		p.discard(candidate, logger)
		return false, nil, &PhaseError{Phase: PhaseValidate, Reason: ReasonValidateFailed, Err: err}
	}

	// Phase 4: promote or discard. A candidate may regress the baseline's
	// hit rate by at most the configured tolerance.
	if report.Candidate.HitRate < report.Baseline.HitRate-p.cfg.PromotionTolerance {
		logger.Info("candidate regressed validation, keeping baseline",
			"candidate_hit_rate", report.Candidate.HitRate,
			"baseline_hit_rate", report.Baseline.HitRate)
		p.discard(candidate, logger)
		return false, &report, nil
	}
	err = p.runPhase(ctx, PhasePromote, logger, func(ctx context.Context) error {
		return p.index.Promote(ctx, candidate.Version)
	})
	if err != nil {
		p.discard(candidate, logger)
		return false, &report, &PhaseError{Phase: PhasePromote, Reason: ReasonPromoteFailed, Err: err}
	}

	logger.Info("candidate promoted",
		"version", candidate.Version,
		"hit_rate", report.Candidate.HitRate,
		"baseline_hit_rate", report.Baseline.HitRate)
	return true, &report, nil
}

// validate probes one generation with the benchmark set.
func (p *Pipeline) validate(ctx context.Context, version int64, probes []Benchmark) (Validation, error) {
	v := Validation{Queries: len(probes)}
	var hits int
	var similaritySum float64

	for _, probe := range probes {
		results, err := p.index.SearchVersion(ctx, version, probe.Query, p.cfg.ValidationTopK)
		if err != nil {
			return Validation{}, fmt.Errorf("probing %q: %w", probe.Query, err)
		}
		if len(results) > 0 {
			similaritySum += results[0].Similarity
		}
		for _, res := range results {
			if res.Document.ID == probe.ExpectedID {
				hits++
				break
			}
		}
	}

	v.HitRate = float64(hits) / float64(len(probes))
	v.MeanSimilarity = similaritySum / float64(len(probes))
	return v, nil
}

// runPhase executes fn under the per-phase timeout with bounded retries.
// Cancellation of the run context is terminal and never retried.
func (p *Pipeline) runPhase(ctx context.Context, phase Phase, logger *slog.Logger, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PhaseRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
		err := fn(phaseCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Warn("phase attempt failed",
			"phase", phase, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// discard removes a candidate generation, tolerating the zero version (the
// phase failed before CreateVersion).
func (p *Pipeline) discard(candidate knowledge.Version, logger *slog.Logger) {
	if candidate.Version == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.index.Discard(ctx, candidate.Version); err != nil {
		logger.Warn("failed to discard candidate generation",
			"version", candidate.Version, "error", err)
	}
}

// failureReason maps a terminal error to the stable reason recorded on the
// run.
func failureReason(err error) string {
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		if errors.Is(phaseErr.Err, context.Canceled) {
			return ReasonCanceled
		}
		return phaseErr.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return err.Error()
}
