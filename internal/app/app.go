// Package app assembles the propbot serving process: storage, the Genkit
// client, the monitoring pipeline, and the HTTP API, with teardown in the
// right order.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propbot/propbot/internal/api"
	"github.com/propbot/propbot/internal/chat"
	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/knowledge"
	"github.com/propbot/propbot/internal/metrics"
	"github.com/propbot/propbot/internal/notify"
	"github.com/propbot/propbot/internal/retrain"
	"github.com/propbot/propbot/internal/trigger"
)

// App is the application container. Setup builds it; Close releases it.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool     *pgxpool.Pool
	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	Knowledge  *knowledge.Store
	Metrics    *metrics.Store
	Recorder   *metrics.Recorder
	Detector   *drift.Detector
	Controller *trigger.Controller
	Pipeline   *retrain.Pipeline
	Runs       *retrain.Store
	Chat       *chat.Service
	Notifier   *notify.Notifier
	Server     *api.Server

	otelShutdown func()
}

// Close shuts the application down. Order matters: the recorder flushes its
// queue into the pool, and an in-flight retraining run must finish releasing
// the trigger row, before the pool closes.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down")
	}

	if a.Recorder != nil {
		a.Recorder.Close()
	}
	if a.Controller != nil {
		a.Controller.Wait()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.otelShutdown != nil {
		a.otelShutdown()
	}
	return nil
}
