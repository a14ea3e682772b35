// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.propbot/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: chat model and embedder selection
//   - Storage: PostgreSQL connection (see storage.go)
//   - Monitoring: drift detection and retraining-trigger thresholds (see monitoring.go)
//   - Retrain: retraining pipeline phase policy (see monitoring.go)
//   - Observability: OTLP trace export (see observability.go)
//
// Every monitoring threshold is an explicit named setting with a documented
// default; components never carry inline threshold literals.
//
// Error handling uses sentinel errors for errors.Is checks, wrapped with
// fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the chat model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidDriftThreshold indicates the drift threshold is out of [0,1].
	ErrInvalidDriftThreshold = errors.New("invalid drift threshold")

	// ErrInvalidMinSamples indicates the minimum sample count is not positive.
	ErrInvalidMinSamples = errors.New("invalid minimum sample count")

	// ErrInvalidHistogramBins indicates the histogram bin count is too small.
	ErrInvalidHistogramBins = errors.New("invalid histogram bin count")

	// ErrInvalidWindow indicates the detection window duration is not positive.
	ErrInvalidWindow = errors.New("invalid detection window")

	// ErrInvalidCooldown indicates the cooldown duration is not positive.
	ErrInvalidCooldown = errors.New("invalid cooldown duration")

	// ErrInvalidSatisfactionBaseline indicates the satisfaction baseline is out of [0,1].
	ErrInvalidSatisfactionBaseline = errors.New("invalid satisfaction baseline")

	// ErrInvalidQueueSize indicates the metrics queue size is not positive.
	ErrInvalidQueueSize = errors.New("invalid metrics queue size")

	// ErrInvalidPhaseTimeout indicates the retrain phase timeout is not positive.
	ErrInvalidPhaseTimeout = errors.New("invalid retrain phase timeout")

	// ErrInvalidPhaseRetries indicates the retrain phase retry count is negative.
	ErrInvalidPhaseRetries = errors.New("invalid retrain phase retries")

	// ErrInvalidPromotionTolerance indicates the promotion tolerance is out of [0,1].
	ErrInvalidPromotionTolerance = errors.New("invalid promotion tolerance")
)

// DefaultEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the pgvector schema uses 768 (knowledge.VectorDimension).
const DefaultEmbedderModel = "gemini-embedding-001"

// Config stores application configuration.
// SECURITY: sensitive fields (PostgresPassword, webhook URL) must never be logged.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"` // e.g. "googleai/gemini-2.5-flash"
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Monitoring and retraining (see monitoring.go)
	Monitoring MonitoringConfig `mapstructure:"monitoring" json:"monitoring"`
	Retrain    RetrainConfig    `mapstructure:"retrain" json:"retrain"`

	// Notifications (see monitoring.go)
	Notify NotifyConfig `mapstructure:"notify" json:"notify"`

	// Observability (see observability.go)
	Otel OtelConfig `mapstructure:"otel" json:"otel"`

	// Serve mode
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For behind a reverse proxy
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`   // per-IP token bucket burst (0 = default)
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".propbot")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL has highest priority for PostgreSQL settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// AI defaults
	v.SetDefault("model_name", "googleai/gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "propbot")
	v.SetDefault("postgres_password", "propbot_dev_password")
	v.SetDefault("postgres_db_name", "propbot")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Monitoring defaults (see MonitoringConfig for the effect of each knob)
	v.SetDefault("monitoring.drift_threshold", DefaultDriftThreshold)
	v.SetDefault("monitoring.window", DefaultWindow)
	v.SetDefault("monitoring.min_samples", DefaultMinSamples)
	v.SetDefault("monitoring.histogram_bins", DefaultHistogramBins)
	v.SetDefault("monitoring.detect_interval", DefaultDetectInterval)
	v.SetDefault("monitoring.cooldown", DefaultCooldown)
	v.SetDefault("monitoring.satisfaction_baseline", DefaultSatisfactionBaseline)
	v.SetDefault("monitoring.latency_ceiling", DefaultLatencyCeiling)
	v.SetDefault("monitoring.queue_size", DefaultQueueSize)

	// Retraining pipeline defaults
	v.SetDefault("retrain.phase_timeout", DefaultPhaseTimeout)
	v.SetDefault("retrain.phase_retries", DefaultPhaseRetries)
	v.SetDefault("retrain.promotion_tolerance", DefaultPromotionTolerance)
	v.SetDefault("retrain.validation_top_k", DefaultValidationTopK)

	// CORS defaults (frontend dev server)
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("trust_proxy", false)

	// OTLP defaults
	v.SetDefault("otel.endpoint", "localhost:4318")
	v.SetDefault("otel.environment", "dev")
	v.SetDefault("otel.service_name", "propbot")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via viper.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "PROPBOT_MODEL_NAME")
	mustBind("cors_origins", "PROPBOT_CORS_ORIGINS")
	mustBind("trust_proxy", "PROPBOT_TRUST_PROXY")
	mustBind("rate_burst", "PROPBOT_RATE_BURST")
	mustBind("notify.webhook_url", "PROPBOT_WEBHOOK_URL")
	mustBind("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}
