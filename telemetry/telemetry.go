// Package telemetry initializes the OpenTelemetry providers
// the library reports its traces, metrics and logs to.
//
// Without a call to [Init] the library still logs to the console,
// while traces and metrics are discarded by the no-op global providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the telemetry configuration.
const (
	DefaultConfigServiceName    = "phaser"
	DefaultConfigServiceVersion = "0.1.0"
	DefaultConfigEndpoint       = "localhost:4317"
	DefaultConfigLogEndpoint    = "localhost:4318"
	DefaultConfigTraceRatio     = 0.05
	DefaultConfigMetricInterval = time.Second
	DefaultConfigDialTimeout    = 2 * time.Second
	DefaultConfigRuntimeMetrics = true
)

// Config structs contains the configuration of the OpenTelemetry providers.
type Config struct {
	// ServiceName is the name of the service reported in the resource.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version of the service reported in the resource.
	ServiceVersion string `yaml:"service_version"`

	// Endpoint is the gRPC endpoint of the collector receiving
	// the traces and the metrics.
	Endpoint string `yaml:"endpoint"`

	// LogEndpoint is the HTTP endpoint of the collector receiving the logs.
	LogEndpoint string `yaml:"log_endpoint"`

	// TraceRatio is the fraction of the traces that are sampled.
	TraceRatio float64 `yaml:"trace_ratio"`

	// MetricInterval is the interval between two metric exports.
	MetricInterval time.Duration `yaml:"metric_interval"`

	// DialTimeout is the timeout of the reachability check of the collector.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// RuntimeMetrics states whether the Go runtime metrics are exported.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// NewConfig returns the default telemetry configuration.
func NewConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: DefaultConfigServiceVersion,
		Endpoint:       DefaultConfigEndpoint,
		LogEndpoint:    DefaultConfigLogEndpoint,
		TraceRatio:     DefaultConfigTraceRatio,
		MetricInterval: DefaultConfigMetricInterval,
		DialTimeout:    DefaultConfigDialTimeout,
		RuntimeMetrics: DefaultConfigRuntimeMetrics,
	}
}

// LoadConfig reads the telemetry configuration from a YAML file,
// on top of the default one.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig(DefaultConfigServiceName)
	if err := config.LoadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "ServiceName", &c.ServiceName, DefaultConfigServiceName)
	config.CheckNotEmpty(ac, "ServiceVersion", &c.ServiceVersion, DefaultConfigServiceVersion)
	config.CheckNotEmpty(ac, "Endpoint", &c.Endpoint, DefaultConfigEndpoint)
	config.CheckNotEmpty(ac, "LogEndpoint", &c.LogEndpoint, DefaultConfigLogEndpoint)

	config.CheckNotNegative(ac, "TraceRatio", &c.TraceRatio, DefaultConfigTraceRatio)
	config.CheckNotGreaterThan(ac, "TraceRatio", "1", &c.TraceRatio, 1)

	config.CheckPositive(ac, "MetricInterval", &c.MetricInterval, DefaultConfigMetricInterval)

	config.CheckPositive(ac, "DialTimeout", &c.DialTimeout, DefaultConfigDialTimeout)
}

////////////
//  INIT  //
////////////

// ShutdownFunc flushes and stops the providers created by [Init].
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// isCollectorReachable checks if the OTLP collector port is reachable.
func isCollectorReachable(endpoint string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Init initializes the global OpenTelemetry providers.
// If the collector is not reachable it logs a warning and leaves
// the global providers untouched, returning a no-op shutdown.
func Init(ctx context.Context, cfg *Config) (ShutdownFunc, error) {
	if cfg == nil {
		cfg = NewConfig(DefaultConfigServiceName)
	}

	tel := internal.NewTelemetry("telemetry", cfg.ServiceName)
	config.NewValidator(tel).Validate(cfg)

	// The propagator is needed even without a collector,
	// so the traces coming from kafka headers are kept
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !isCollectorReachable(cfg.Endpoint, cfg.DialTimeout) {
		tel.LogWarn("OpenTelemetry collector is not reachable", "endpoint", cfg.Endpoint)
		return noopShutdown, nil
	}

	grpcConn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		grpcConn.Close()
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var shutdownFuncs []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
		errs = append(errs, grpcConn.Close())
		return errors.Join(errs...)
	}

	// Trace
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(grpcConn))
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}
	tracerProvider := newTracerProvider(res, traceExporter, cfg.TraceRatio)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	// Meter
	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(grpcConn))
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}
	meterProvider := newMeterProvider(res, metricExporter, cfg.MetricInterval)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	// Log
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.LogEndpoint),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}
	loggerProvider := newLoggerProvider(res, logExporter)
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	// Runtime
	if cfg.RuntimeMetrics {
		if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(cfg.MetricInterval)); err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
	}

	tel.LogInfo("OpenTelemetry initialized", "endpoint", cfg.Endpoint, "trace_ratio", cfg.TraceRatio)

	return shutdown, nil
}

// newResource describes the service. The detectors carry the schema
// of the SDK, so partial or conflicting detections keep the resource
// that was built instead of failing the initialization.
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	serviceAttrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(serviceAttrs...),
	)
	if err == nil {
		return res, nil
	}

	if !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, err
	}

	if res == nil {
		res = resource.NewSchemaless(serviceAttrs...)
	}

	return res, nil
}

func newTracerProvider(res *resource.Resource, exporter *otlptrace.Exporter, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}

func newMeterProvider(res *resource.Resource, exporter sdkmetric.Exporter, interval time.Duration) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
		),
	)
}

func newLoggerProvider(res *resource.Resource, exporter sdklog.Exporter) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
}
