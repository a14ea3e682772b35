package drift

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/metrics"
)

// MetricsSource provides windowed metric reads; *metrics.Store satisfies it.
type MetricsSource interface {
	Window(ctx context.Context, since, until time.Time) ([]metrics.Record, error)
}

// Storage persists references and scores; *Store satisfies it.
type Storage interface {
	SaveScore(ctx context.Context, score *Score) error
	LatestScore(ctx context.Context) (Score, error)
	ActiveReference(ctx context.Context) (*Reference, error)
	ReplaceReference(ctx context.Context, ref *Reference) error
}

// OnScore is invoked after each detection cycle with the persisted score.
// The trigger controller hooks in here.
type OnScore func(ctx context.Context, score Score)

// Detector runs drift detection cycles against the metrics store.
type Detector struct {
	source  MetricsSource
	storage Storage
	cfg     config.MonitoringConfig
	onScore OnScore
	logger  *slog.Logger
}

// NewDetector creates a Detector. onScore may be nil when no trigger is
// wired (manual-only operation).
func NewDetector(source MetricsSource, storage Storage, cfg config.MonitoringConfig, onScore OnScore, logger *slog.Logger) (*Detector, error) {
	if source == nil {
		return nil, fmt.Errorf("metrics source is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		source:  source,
		storage: storage,
		cfg:     cfg,
		onScore: onScore,
		logger:  logger,
	}, nil
}

// DetectNow runs one detection cycle: read the trailing window, score it
// against the active reference, persist the score, and notify the trigger.
// Returns ErrNoReference until the first recalibration.
func (d *Detector) DetectNow(ctx context.Context) (Score, error) {
	ref, err := d.storage.ActiveReference(ctx)
	if err != nil {
		return Score{}, err
	}

	until := time.Now()
	since := until.Add(-d.cfg.Window)
	window, err := d.source.Window(ctx, since, until)
	if err != nil {
		return Score{}, fmt.Errorf("reading metrics window: %w", err)
	}

	score := ComputeDrift(ref, window, d.cfg.DriftThreshold, d.cfg.MinSamples)
	if err := d.storage.SaveScore(ctx, &score); err != nil {
		// The score is still actionable this cycle; persistence catches up
		// on the next one.
		d.logger.Warn("failed to persist drift score", "error", err)
	}

	d.logger.Info("drift detection cycle",
		"divergence", score.Divergence,
		"window_size", score.WindowSize,
		"exceeded", score.Exceeded,
		"reason", score.Reason)

	if d.onScore != nil {
		d.onScore(ctx, score)
	}
	return score, nil
}

// Latest returns the most recently persisted score.
func (d *Detector) Latest(ctx context.Context) (Score, error) {
	return d.storage.LatestScore(ctx)
}

// Recalibrate rebuilds the reference distribution from the metrics in
// [since, until) and installs it as active. The window must satisfy the
// configured sample minimum.
func (d *Detector) Recalibrate(ctx context.Context, since, until time.Time) (*Reference, error) {
	window, err := d.source.Window(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("reading recalibration window: %w", err)
	}

	ref, err := BuildReference(window, d.cfg.HistogramBins, d.cfg.MinSamples, since, until)
	if err != nil {
		return nil, err
	}
	if err := d.storage.ReplaceReference(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// Run executes detection cycles at the configured interval until ctx is
// cancelled. Cycle errors are logged; the loop keeps going.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DetectInterval)
	defer ticker.Stop()

	d.logger.Info("drift detector started",
		"interval", d.cfg.DetectInterval,
		"window", d.cfg.Window,
		"threshold", d.cfg.DriftThreshold)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drift detector stopped")
			return
		case <-ticker.C:
			if _, err := d.DetectNow(ctx); err != nil {
				d.logger.Warn("drift detection cycle failed", "error", err)
			}
		}
	}
}
