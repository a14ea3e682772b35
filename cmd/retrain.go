package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/propbot/propbot/internal/app"
	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/trigger"
)

// runRetrain fires one manual retraining run and waits for it to finish.
// The same state machine applies as for automatic triggers: a run already
// in flight or an active cooldown rejects the request.
func runRetrain() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if err := a.Controller.Trigger(ctx, trigger.ReasonManual); err != nil {
		switch {
		case errors.Is(err, trigger.ErrRetrainInProgress):
			return errors.New("a retraining run is already in progress")
		case errors.Is(err, trigger.ErrCoolingDown):
			return fmt.Errorf("retraining rejected: %w", err)
		default:
			return fmt.Errorf("triggering retraining: %w", err)
		}
	}

	a.Controller.Wait()

	runs, err := a.Runs.Recent(ctx, 1)
	if err != nil {
		return fmt.Errorf("reading run result: %w", err)
	}
	if len(runs) == 0 {
		return errors.New("run finished but left no record")
	}

	run := runs[0]
	fmt.Printf("Run %s: %s", run.ID, run.Status)
	if run.Promoted {
		fmt.Print(" (new index generation promoted)")
	} else if run.FailureReason != "" {
		fmt.Printf(" (%s)", run.FailureReason)
	}
	fmt.Println()
	return nil
}
