package config

import (
	"fmt"
	"strings"
)

// Valid PostgreSQL SSL modes per libpq.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate performs comprehensive configuration validation.
// Returns sentinel errors (wrapped with context) for errors.Is checks.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateMonitoring(); err != nil {
		return err
	}
	return c.validateRetrain()
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	return nil
}

func (c *Config) validateMonitoring() error {
	m := c.Monitoring
	if m.DriftThreshold <= 0 || m.DriftThreshold > 1 {
		return fmt.Errorf("%w: %v not in (0,1]", ErrInvalidDriftThreshold, m.DriftThreshold)
	}
	if m.Window <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, m.Window)
	}
	if m.MinSamples < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMinSamples, m.MinSamples)
	}
	if m.HistogramBins < 2 {
		return fmt.Errorf("%w: %d (need at least 2)", ErrInvalidHistogramBins, m.HistogramBins)
	}
	if m.DetectInterval <= 0 {
		return fmt.Errorf("%w: detect interval %v", ErrInvalidWindow, m.DetectInterval)
	}
	if m.Cooldown <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCooldown, m.Cooldown)
	}
	if m.SatisfactionBaseline < 0 || m.SatisfactionBaseline > 1 {
		return fmt.Errorf("%w: %v not in [0,1]", ErrInvalidSatisfactionBaseline, m.SatisfactionBaseline)
	}
	if m.QueueSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, m.QueueSize)
	}
	return nil
}

func (c *Config) validateRetrain() error {
	r := c.Retrain
	if r.PhaseTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPhaseTimeout, r.PhaseTimeout)
	}
	if r.PhaseRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPhaseRetries, r.PhaseRetries)
	}
	if r.PromotionTolerance < 0 || r.PromotionTolerance > 1 {
		return fmt.Errorf("%w: %v not in [0,1]", ErrInvalidPromotionTolerance, r.PromotionTolerance)
	}
	return nil
}
