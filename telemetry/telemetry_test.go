package telemetry

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func Test_Config_Validate(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{
		TraceRatio:     2,
		MetricInterval: -time.Second,
	}

	config.NewValidator(internal.NewTelemetry("telemetry", "test")).Validate(cfg)

	assert.Equal(DefaultConfigServiceName, cfg.ServiceName)
	assert.Equal(DefaultConfigServiceVersion, cfg.ServiceVersion)
	assert.Equal(DefaultConfigEndpoint, cfg.Endpoint)
	assert.Equal(DefaultConfigLogEndpoint, cfg.LogEndpoint)
	assert.Equal(1.0, cfg.TraceRatio)
	assert.Equal(DefaultConfigMetricInterval, cfg.MetricInterval)
	assert.Equal(DefaultConfigDialTimeout, cfg.DialTimeout)
}

func Test_LoadConfig(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	content := "service_name: loaded\ntrace_ratio: 0.5\nmetric_interval: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal("loaded", cfg.ServiceName)
	assert.Equal(0.5, cfg.TraceRatio)
	assert.Equal(10*time.Second, cfg.MetricInterval)
	assert.Equal(DefaultConfigEndpoint, cfg.Endpoint)

	require.NoError(t, os.WriteFile(path, []byte("unknown: 1\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(err)
}

func Test_isCollectorReachable(t *testing.T) {
	assert := assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	endpoint := listener.Addr().String()
	assert.True(isCollectorReachable(endpoint, time.Second))

	listener.Close()
	assert.False(isCollectorReachable(endpoint, 100*time.Millisecond))
}

func Test_Init_unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := listener.Addr().String()
	listener.Close()

	cfg := NewConfig("test")
	cfg.Endpoint = endpoint
	cfg.DialTimeout = 100 * time.Millisecond

	shutdown, err := Init(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(t.Context()))
}

func Test_Init_reachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := NewConfig("reachable-test")
	cfg.Endpoint = listener.Addr().String()
	cfg.LogEndpoint = listener.Addr().String()
	cfg.RuntimeMetrics = false

	shutdown, err := Init(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// The listener does not speak OTLP, so only the return is checked
	shutdownCtx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func Test_newResource(t *testing.T) {
	assert := assert.New(t)

	cfg := NewConfig("resource-test")
	cfg.ServiceVersion = "1.2.3"

	res, err := newResource(t.Context(), cfg)
	require.NoError(t, err)

	attrs := res.Set()

	name, ok := attrs.Value(semconv.ServiceNameKey)
	assert.True(ok)
	assert.Equal("resource-test", name.AsString())

	version, ok := attrs.Value(semconv.ServiceVersionKey)
	assert.True(ok)
	assert.Equal("1.2.3", version.AsString())
}
