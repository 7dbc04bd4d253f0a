// Package telemetry sets up OpenTelemetry tracing and metrics export for
// docmatch. Failures never stop the service: a provider that cannot be
// built leaves the telemetry degraded and the global no-op in place.
package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool            `koanf:"enabled"`
	Endpoint       string          `koanf:"endpoint"`
	Protocol       string          `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool            `koanf:"insecure"`
	ServiceName    string          `koanf:"service_name"`
	ServiceVersion string          `koanf:"service_version"`
	SampleRate     float64         `koanf:"sample_rate"`
	ExportInterval config.Duration `koanf:"export_interval"`
	ShutdownAfter  config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns telemetry disabled, pointed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		Insecure:       true,
		ServiceName:    "docmatch",
		ServiceVersion: "0.1.0",
		SampleRate:     1.0,
		ExportInterval: config.Duration(15 * time.Second),
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// FromAppConfig maps the operator-facing observability section.
func FromAppConfig(c config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = c.EnableTelemetry
	if c.Endpoint != "" {
		cfg.Endpoint = c.Endpoint
	}
	if c.Protocol != "" {
		cfg.Protocol = c.Protocol
	}
	cfg.Insecure = c.Insecure
	if c.ServiceName != "" {
		cfg.ServiceName = c.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.SampleRate = c.SampleRate
	return cfg
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export is only allowed to a local endpoint, got %q", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("export_interval must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
