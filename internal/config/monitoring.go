package config

import "time"

// Monitoring defaults. Each constant documents the operational effect of the
// knob it seeds; see MonitoringConfig for per-field semantics.
const (
	// DefaultDriftThreshold is the Jensen-Shannon divergence above which a
	// detection cycle reports drift. JS divergence with base-2 logs is bounded
	// to [0,1]; 0.1 flags a clearly visible shift without tripping on noise.
	DefaultDriftThreshold = 0.1

	// DefaultWindow is how far back a detection cycle reads query metrics.
	DefaultWindow = time.Hour

	// DefaultMinSamples is the minimum number of records a window must hold
	// before a divergence score is computed. Smaller windows report
	// "insufficient-data" instead of a spurious score.
	DefaultMinSamples = 50

	// DefaultHistogramBins is the bin count for reference and window histograms.
	DefaultHistogramBins = 10

	// DefaultDetectInterval is the period of the background detection cycle.
	DefaultDetectInterval = 5 * time.Minute

	// DefaultCooldown is the quiescent interval after a retraining run during
	// which re-triggering is suppressed, regardless of the run's outcome.
	DefaultCooldown = 24 * time.Hour

	// DefaultSatisfactionBaseline is the rolling satisfaction score below
	// which the performance trigger fires.
	DefaultSatisfactionBaseline = 0.85

	// DefaultLatencyCeiling is the rolling average response latency above
	// which the performance trigger fires.
	DefaultLatencyCeiling = 5 * time.Second

	// DefaultQueueSize bounds the asynchronous metric-recording queue.
	// When the store is slow and the queue fills, new records are dropped
	// rather than growing memory without bound.
	DefaultQueueSize = 1024
)

// Retraining pipeline defaults.
const (
	// DefaultPhaseTimeout bounds each pipeline phase. A phase that exceeds it
	// is treated as failed; no phase blocks indefinitely.
	DefaultPhaseTimeout = 10 * time.Minute

	// DefaultPhaseRetries is how many times a failed phase is retried before
	// the whole run is marked failed.
	DefaultPhaseRetries = 2

	// DefaultPromotionTolerance is the maximum hit-rate regression (absolute)
	// a candidate index may show against the deployed baseline and still be
	// promoted. 0.02 allows measurement noise but blocks real regressions.
	DefaultPromotionTolerance = 0.02

	// DefaultValidationTopK is how many documents the validation phase
	// retrieves per benchmark query when computing hit rate.
	DefaultValidationTopK = 5
)

// MonitoringConfig holds drift-detection and trigger thresholds.
type MonitoringConfig struct {
	// DriftThreshold is the divergence value above which DriftScore.Exceeded
	// is set. Range (0,1].
	DriftThreshold float64 `mapstructure:"drift_threshold" json:"drift_threshold"`

	// Window is the sliding-window duration a detection cycle compares
	// against the reference distribution.
	Window time.Duration `mapstructure:"window" json:"window"`

	// MinSamples is the minimum window size for a numeric divergence score.
	MinSamples int `mapstructure:"min_samples" json:"min_samples"`

	// HistogramBins is the number of equal-width bins used when a reference
	// distribution is built. Existing references keep their own bin edges.
	HistogramBins int `mapstructure:"histogram_bins" json:"histogram_bins"`

	// DetectInterval is the period of the background detection cycle.
	DetectInterval time.Duration `mapstructure:"detect_interval" json:"detect_interval"`

	// Cooldown suppresses re-triggering after a run completes (or fails).
	Cooldown time.Duration `mapstructure:"cooldown" json:"cooldown"`

	// SatisfactionBaseline triggers retraining when the rolling satisfaction
	// average over the window falls below it. Range [0,1].
	SatisfactionBaseline float64 `mapstructure:"satisfaction_baseline" json:"satisfaction_baseline"`

	// LatencyCeiling triggers retraining when the rolling average response
	// latency exceeds it.
	LatencyCeiling time.Duration `mapstructure:"latency_ceiling" json:"latency_ceiling"`

	// QueueSize bounds the asynchronous metric-recording queue.
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

// RetrainConfig holds retraining pipeline policy.
type RetrainConfig struct {
	// PhaseTimeout bounds each pipeline phase.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout" json:"phase_timeout"`

	// PhaseRetries is the retry budget per phase.
	PhaseRetries int `mapstructure:"phase_retries" json:"phase_retries"`

	// PromotionTolerance is the maximum allowed hit-rate regression for
	// promotion, absolute. Range [0,1].
	PromotionTolerance float64 `mapstructure:"promotion_tolerance" json:"promotion_tolerance"`

	// ValidationTopK is the retrieval depth used by the validation phase.
	ValidationTopK int `mapstructure:"validation_top_k" json:"validation_top_k"`
}

// NotifyConfig holds webhook notification settings.
// Notifications are disabled when WebhookURL is empty.
type NotifyConfig struct {
	// WebhookURL is a Slack-compatible incoming webhook. SENSITIVE.
	WebhookURL string `mapstructure:"webhook_url" json:"-"`
}
