package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propbot/propbot/db"
	"github.com/propbot/propbot/internal/api"
	"github.com/propbot/propbot/internal/chat"
	"github.com/propbot/propbot/internal/config"
	"github.com/propbot/propbot/internal/drift"
	"github.com/propbot/propbot/internal/knowledge"
	"github.com/propbot/propbot/internal/metrics"
	"github.com/propbot/propbot/internal/notify"
	"github.com/propbot/propbot/internal/observability"
	"github.com/propbot/propbot/internal/retrain"
	"github.com/propbot/propbot/internal/trigger"
)

// Setup creates and wires the application. On any failure everything already
// initialized is released before the error returns.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first so Genkit's TracerProvider is ready before Init.
	a.otelShutdown = provideOtelShutdown(ctx, cfg.Otel, logger)

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	a.Knowledge, err = knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}

	a.Metrics, err = metrics.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metrics store: %w", err)
	}
	a.Recorder = metrics.NewRecorder(a.Metrics, cfg.Monitoring.QueueSize, logger)

	a.Notifier = notify.New(cfg.Notify.WebhookURL, logger)

	if err := a.wireRetraining(pool, logger); err != nil {
		return nil, err
	}
	if err := a.wireDetection(logger); err != nil {
		return nil, err
	}

	a.Chat, err = chat.NewService(g, a.Knowledge, a.Recorder, cfg.ModelName, chat.DefaultTopK, logger)
	if err != nil {
		return nil, fmt.Errorf("creating chat service: %w", err)
	}

	a.Server, err = api.NewServer(api.ServerConfig{
		Logger:      logger,
		Chat:        a.Chat,
		Metrics:     a.Metrics,
		Drift:       a.Detector,
		Trigger:     a.Controller,
		Runs:        a.Runs,
		Pool:        pool,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	return a, nil
}

// wireRetraining builds the retraining pipeline and the trigger controller
// around it, with lifecycle events forwarded to the notifier.
func (a *App) wireRetraining(pool *pgxpool.Pool, logger *slog.Logger) error {
	var err error
	a.Runs, err = retrain.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating run store: %w", err)
	}

	data, err := retrain.NewPGDataSource(pool)
	if err != nil {
		return fmt.Errorf("creating data source: %w", err)
	}
	benchmarks, err := retrain.NewPGBenchmarkSource(pool)
	if err != nil {
		return fmt.Errorf("creating benchmark source: %w", err)
	}

	a.Pipeline, err = retrain.NewPipeline(data, a.Knowledge, benchmarks, a.Runs, a.Config.Retrain, logger)
	if err != nil {
		return fmt.Errorf("creating retraining pipeline: %w", err)
	}

	triggerStore, err := trigger.NewStore(pool, logger)
	if err != nil {
		return fmt.Errorf("creating trigger store: %w", err)
	}

	onEvent := func(ctx context.Context, ev trigger.Event) {
		a.Notifier.RetrainEvent(ctx, ev)
	}
	a.Controller, err = trigger.NewController(triggerStore, a.Pipeline, a.Config.Monitoring, onEvent, logger)
	if err != nil {
		return fmt.Errorf("creating trigger controller: %w", err)
	}
	return nil
}

// wireDetection builds the drift detector. Every score feeds the trigger
// controller's evaluation, together with the same window's quality summary.
func (a *App) wireDetection(logger *slog.Logger) error {
	driftStore, err := drift.NewStore(a.Pool, logger)
	if err != nil {
		return fmt.Errorf("creating drift store: %w", err)
	}

	onScore := func(ctx context.Context, score drift.Score) {
		until := time.Now()
		summary, err := a.Metrics.Aggregate(ctx, until.Add(-a.Config.Monitoring.Window), until)
		if err != nil {
			logger.Warn("aggregating metrics for trigger evaluation", "error", err)
		}
		if score.Exceeded {
			a.Notifier.DriftDetected(ctx, score)
		}
		a.Controller.Evaluate(ctx, score, summary)
	}

	a.Detector, err = drift.NewDetector(a.Metrics, driftStore, a.Config.Monitoring, onScore, logger)
	if err != nil {
		return fmt.Errorf("creating drift detector: %w", err)
	}
	return nil
}

// provideOtelShutdown sets up OTLP tracing and returns a bounded shutdown.
func provideOtelShutdown(ctx context.Context, cfg config.OtelConfig, logger *slog.Logger) func() {
	shutdown, err := observability.Setup(ctx, cfg)
	if err != nil || shutdown == nil {
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// providePool runs migrations and opens the connection pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
