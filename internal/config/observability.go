package config

// OtelConfig holds OTLP trace export configuration.
//
// Traces are sent to a local collector (or agent) over OTLP HTTP.
// See internal/observability for exporter setup.
type OtelConfig struct {
	// Endpoint is the OTLP HTTP endpoint (default: localhost:4318)
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name attached to spans (default: propbot)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
