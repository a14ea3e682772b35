package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/metrics"
	"github.com/propbot/propbot/internal/retrain"
	"github.com/propbot/propbot/internal/trigger"
)

// defaultMetricsWindow is the aggregation window when ?window= is absent.
const defaultMetricsWindow = time.Hour

// recentRunsLimit caps the run history on the status endpoint.
const recentRunsLimit = 10

// MetricsSource aggregates query metrics; *metrics.Store satisfies it.
type MetricsSource interface {
	Aggregate(ctx context.Context, since, until time.Time) (metrics.Summary, error)
}

// DriftService is the detector surface the API exposes; *drift.Detector
// satisfies it.
type DriftService interface {
	DetectNow(ctx context.Context) (drift.Score, error)
	Latest(ctx context.Context) (drift.Score, error)
	Recalibrate(ctx context.Context, since, until time.Time) (*drift.Reference, error)
}

// TriggerService is the controller surface the API exposes;
// *trigger.Controller satisfies it.
type TriggerService interface {
	Trigger(ctx context.Context, reason string) error
	Cancel(ctx context.Context) error
	Status(ctx context.Context) (trigger.State, error)
}

// RunHistory lists recent retraining runs; *retrain.Store satisfies it.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]retrain.Run, error)
}

// monitoringHandler serves the operator-facing monitoring API.
type monitoringHandler struct {
	metrics MetricsSource
	drift   DriftService
	trigger TriggerService
	runs    RunHistory
	logger  *slog.Logger
}

// getMetrics serves GET /api/monitoring/metrics?window=1h.
func (h *monitoringHandler) getMetrics(w http.ResponseWriter, r *http.Request) {
	window := defaultMetricsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_window",
				"window must be a positive duration like 30m or 2h")
			return
		}
		window = parsed
	}

	until := time.Now()
	summary, err := h.metrics.Aggregate(r.Context(), until.Add(-window), until)
	if err != nil {
		h.logger.Error("aggregating metrics", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "metrics store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// getDrift serves GET /api/monitoring/drift. With ?compute=true it runs a
// detection cycle on demand instead of returning the last persisted score.
func (h *monitoringHandler) getDrift(w http.ResponseWriter, r *http.Request) {
	var (
		score drift.Score
		err   error
	)
	if r.URL.Query().Get("compute") == "true" {
		score, err = h.drift.DetectNow(r.Context())
	} else {
		score, err = h.drift.Latest(r.Context())
	}
	if err != nil {
		if errors.Is(err, drift.ErrNoReference) {
			writeError(w, http.StatusConflict, "no_reference",
				"no drift reference built yet; recalibrate first")
			return
		}
		h.logger.Error("reading drift score", "error", err)
		writeError(w, http.StatusServiceUnavailable, "drift_unavailable", "drift score unavailable")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// triggerRetraining serves POST /api/monitoring/trigger-retraining.
// 202 when the run was accepted, 409 when one is already in flight or the
// machine is cooling down.
func (h *monitoringHandler) triggerRetraining(w http.ResponseWriter, r *http.Request) {
	err := h.trigger.Trigger(r.Context(), trigger.ReasonManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, trigger.ErrRetrainInProgress):
		writeError(w, http.StatusConflict, "already_running", "rejected: already running")
	case errors.Is(err, trigger.ErrCoolingDown):
		writeError(w, http.StatusConflict, "cooling_down", err.Error())
	default:
		h.logger.Error("triggering retraining", "error", err)
		writeError(w, http.StatusInternalServerError, "trigger_failed", "failed to trigger retraining")
	}
}

// cancelRetraining serves POST /api/monitoring/cancel-retraining.
func (h *monitoringHandler) cancelRetraining(w http.ResponseWriter, r *http.Request) {
	if err := h.trigger.Cancel(r.Context()); err != nil {
		writeError(w, http.StatusConflict, "not_running", "no retraining run in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// recalibrate serves POST /api/monitoring/recalibrate?window=24h, rebuilding
// the drift reference from the trailing window.
func (h *monitoringHandler) recalibrate(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_window",
				"window must be a positive duration like 24h")
			return
		}
		window = parsed
	}

	until := time.Now()
	ref, err := h.drift.Recalibrate(r.Context(), until.Add(-window), until)
	if err != nil {
		if errors.Is(err, drift.ErrInsufficientData) {
			writeError(w, http.StatusConflict, "insufficient_data", err.Error())
			return
		}
		h.logger.Error("recalibrating drift reference", "error", err)
		writeError(w, http.StatusInternalServerError, "recalibrate_failed", "failed to rebuild reference")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference_id": ref.ID,
		"sample_count": ref.SampleCount,
		"bins":         ref.Bins(),
		"window_start": ref.WindowStart,
		"window_end":   ref.WindowEnd,
	})
}

// getStatus serves GET /api/monitoring/status: trigger state plus recent
// runs.
func (h *monitoringHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.trigger.Status(r.Context())
	if err != nil {
		h.logger.Error("reading trigger state", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "trigger state unavailable")
		return
	}

	runs, err := h.runs.Recent(r.Context(), recentRunsLimit)
	if err != nil {
		h.logger.Error("reading run history", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "run history unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trigger": state,
		"runs":    runs,
	})
}
