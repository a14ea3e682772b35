package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/metrics"
)

// StateStore is the durable trigger row; *Store is the Postgres
// implementation.
type StateStore interface {
	Get(ctx context.Context) (State, error)

	// MarkTriggered records a fire decision: idle -> triggered. A no-op when
	// the row is in any other status.
	MarkTriggered(ctx context.Context, reason string) error

	// Acquire attempts the CAS into running. Returns false when the row is
	// not in idle or triggered, without error.
	Acquire(ctx context.Context, token uuid.UUID, reason string) (bool, error)

	// Release moves running -> cooling_down, recording the run and the
	// cooldown deadline. Only the lock holder's token matches.
	Release(ctx context.Context, token, runID uuid.UUID, cooldownUntil time.Time) error

	// ResetIfCooled moves cooling_down -> idle once the deadline has passed.
	ResetIfCooled(ctx context.Context, now time.Time) error
}

// Runner executes one retraining run; *retrain.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, runID uuid.UUID, reason string) (promoted bool, err error)
}

// Event describes a trigger lifecycle transition, for notifications.
type Event struct {
	Kind     EventKind
	Reason   string
	RunID    uuid.UUID
	Promoted bool
	Err      error
}

// EventKind enumerates trigger lifecycle transitions.
type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventStarted   EventKind = "started"
	EventFinished  EventKind = "finished"
	EventCanceled  EventKind = "canceled"
)

// OnEvent receives lifecycle events. Must not block; it runs on the
// controller's goroutines.
type OnEvent func(ctx context.Context, ev Event)

// Controller evaluates monitoring signals and owns the retraining lock.
//
// All public methods are safe for concurrent use. Mutual exclusion between
// processes is enforced by the StateStore CAS, not by the local mutex; the
// mutex only guards the in-process cancel handle.
type Controller struct {
	store   StateStore
	runner  Runner
	cfg     config.MonitoringConfig
	onEvent OnEvent
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewController creates a Controller. onEvent may be nil.
func NewController(store StateStore, runner Runner, cfg config.MonitoringConfig, onEvent OnEvent, logger *slog.Logger) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		onEvent: onEvent,
		logger:  logger,
	}, nil
}

// Evaluate inspects a detection cycle's outputs and fires a trigger when any
// condition breaches. Simultaneous breaches collapse into a single trigger
// with the reasons joined. Rejections (already running, cooling down) are
// expected here and only logged.
func (c *Controller) Evaluate(ctx context.Context, score drift.Score, summary metrics.Summary) {
	reasons := c.breaches(score, summary)
	if len(reasons) == 0 {
		return
	}
	reason := strings.Join(reasons, ",")

	if err := c.store.MarkTriggered(ctx, reason); err != nil {
		c.logger.Warn("failed to record trigger decision", "error", err)
	}
	c.emit(ctx, Event{Kind: EventTriggered, Reason: reason})

	if err := c.Trigger(ctx, reason); err != nil {
		if errors.Is(err, ErrRetrainInProgress) || errors.Is(err, ErrCoolingDown) {
			c.logger.Info("trigger suppressed", "reason", reason, "cause", err)
			return
		}
		c.logger.Error("trigger failed", "reason", reason, "error", err)
	}
}

// breaches returns the list of fired conditions, in evaluation order.
func (c *Controller) breaches(score drift.Score, summary metrics.Summary) []string {
	var reasons []string
	if score.Exceeded {
		reasons = append(reasons, ReasonDrift)
	}
	// Performance conditions need a populated window; a quiet hour is not a
	// regression.
	if summary.Count >= int64(c.cfg.MinSamples) {
		if summary.RatedCount > 0 && summary.AvgSatisfaction < c.cfg.SatisfactionBaseline {
			reasons = append(reasons, ReasonSatisfaction)
		}
		if summary.AvgLatencyMS > float64(c.cfg.LatencyCeiling.Milliseconds()) {
			reasons = append(reasons, ReasonLatency)
		}
	}
	return reasons
}

// Trigger attempts to start a retraining run. Exactly one concurrent caller
// wins the state CAS; losers get ErrRetrainInProgress. During cooldown it
// returns ErrCoolingDown.
func (c *Controller) Trigger(ctx context.Context, reason string) error {
	now := time.Now()
	state, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("reading trigger state: %w", err)
	}
	if state.CoolingDown(now) {
		return fmt.Errorf("%w until %s", ErrCoolingDown,
			state.CooldownUntil.Format(time.RFC3339))
	}
	if state.Status == StatusCoolingDown {
		// Deadline elapsed; lazily reset before racing for the lock.
		if err := c.store.ResetIfCooled(ctx, now); err != nil {
			return fmt.Errorf("resetting cooled-down state: %w", err)
		}
	}

	token := uuid.New()
	acquired, err := c.store.Acquire(ctx, token, reason)
	if err != nil {
		return fmt.Errorf("acquiring retrain lock: %w", err)
	}
	if !acquired {
		return ErrRetrainInProgress
	}

	runID := uuid.New()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("retraining run starting", "run_id", runID, "reason", reason)
	c.emit(ctx, Event{Kind: EventStarted, Reason: reason, RunID: runID})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(runCtx, token, runID, reason)
	}()
	return nil
}

// execute drives one run to completion and always moves the state machine to
// cooling_down, success or failure.
func (c *Controller) execute(ctx context.Context, token, runID uuid.UUID, reason string) {
	promoted, err := c.runner.Run(ctx, runID, reason)

	kind := EventFinished
	switch {
	case errors.Is(err, context.Canceled):
		kind = EventCanceled
		c.logger.Info("retraining run canceled", "run_id", runID)
	case err != nil:
		c.logger.Error("retraining run failed", "run_id", runID, "error", err)
	default:
		c.logger.Info("retraining run finished", "run_id", runID, "promoted", promoted)
	}

	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()

	// Release with a background context: the run context may already be
	// canceled, but the state row must still move on.
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelRelease()
	until := time.Now().Add(c.cfg.Cooldown)
	if relErr := c.store.Release(releaseCtx, token, runID, until); relErr != nil {
		c.logger.Error("failed to release retrain lock", "run_id", runID, "error", relErr)
	}

	c.emit(releaseCtx, Event{Kind: kind, Reason: reason, RunID: runID, Promoted: promoted, Err: err})
}

// Cancel aborts the in-flight run, if any. The pipeline sees context
// cancellation; the active index is never touched by a canceled run.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("no retraining run in progress")
	}
	c.logger.Info("canceling retraining run")
	cancel()
	return nil
}

// Status returns the durable state, after lazily resetting an elapsed
// cooldown.
func (c *Controller) Status(ctx context.Context) (State, error) {
	if err := c.store.ResetIfCooled(ctx, time.Now()); err != nil {
		c.logger.Warn("failed to reset cooled-down state", "error", err)
	}
	return c.store.Get(ctx)
}

// Wait blocks until any in-flight run goroutine has exited. Used by shutdown
// and by tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) emit(ctx context.Context, ev Event) {
	if c.onEvent != nil {
		c.onEvent(ctx, ev)
	}
}
