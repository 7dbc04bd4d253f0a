package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled is always valid", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"enabled loopback ip", func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4317" }, false},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, true},
		{"missing service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "thrift" }, true},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, true},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}, false},
		{"sample rate above one", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.ObservabilityConfig{
		EnableTelemetry: true,
		Endpoint:        "localhost:4318",
		Protocol:        "http/protobuf",
		Insecure:        true,
		SampleRate:      0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "docmatch", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.InDelta(t, 0.25, cfg.SampleRate, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.False(t, tel.Enabled())

	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "carrier-pigeon"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestShutdown_Nil(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.Nil(t, tel.LoggerProvider())
	tel.SetLoggerProvider(nil)
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(t)

	_, span := otel.Tracer("test").Start(context.Background(), "search.match")
	span.SetAttributes(attribute.Int("match.count", 4), attribute.String("backend", "sql"))
	span.End()

	rec.AssertSpan(t, "search.match", "match.count", int64(4))
	rec.AssertSpan(t, "search.match", "backend", "sql")
	assert.Nil(t, rec.Span("missing"))
}
