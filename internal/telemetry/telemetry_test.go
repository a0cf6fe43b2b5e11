package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, wantErr: "endpoint"},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: "protocol"},
		{name: "insecure remote", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: "local endpoint"},
		{name: "secure remote", mutate: func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}},
		{name: "bad sample rate", mutate: func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, wantErr: "sample rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("collector:4317"))
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.ObservabilityConfig{
		EnableTelemetry: true,
		Endpoint:        "localhost:4318",
		Protocol:        ProtocolHTTP,
		Insecure:        true,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "orchestrd", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	require.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.True(t, tel.Health().Healthy)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()

	_, span := tel.Tracer("orchestrator").Start(context.Background(), "orchestrator.phase")
	span.SetAttributes(attribute.String("phase.code", "design"), attribute.Int("phase.attempts", 2))
	span.End()

	tel.AssertSpanExists(t, "orchestrator.phase")
	tel.AssertSpanAttribute(t, "orchestrator.phase", "phase.code", "design")
	tel.AssertSpanAttribute(t, "orchestrator.phase", "phase.attempts", int64(2))
	assert.Len(t, tel.SpansNamed("orchestrator.phase"), 1)
}
