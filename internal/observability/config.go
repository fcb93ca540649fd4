package observability

import (
	"strings"

	"github.com/smallbiznis/genstudio/internal/config"
)

// Config holds observability settings. Values come from the application
// config and can be overridden with the standard OTEL_* variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	protocol := config.Env("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	protocol = config.Env("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)

	return Config{
		ServiceName:          valueOr(cfg.AppName, "genstudio"),
		Environment:          config.Env("DEPLOYMENT_ENV", strings.TrimSpace(cfg.Environment)),
		Version:              config.Env("SERVICE_VERSION", strings.TrimSpace(cfg.AppVersion)),
		LogLevel:             strings.ToLower(config.Env("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(config.Env("LOG_FORMAT", "json")),
		OtelEnabled:          config.EnvBool("OTEL_ENABLED", true),
		OtelExporterEndpoint: config.Env("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimSpace(cfg.OTLPEndpoint)),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    config.EnvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// Debug is true for debug log level and for non-production environments.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
