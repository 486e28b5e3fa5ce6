// Package internal contains the telemetry shared by every component of the library.
package internal

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of the library.
const ScopeName = "github.com/FerroO2000/phaser"

var (
	logLevel = new(slog.LevelVar)

	baseHandlerOnce sync.Once
	baseHandler     slog.Handler
)

// SetLogLevel sets the minimum level of the library logs.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func getBaseHandler() slog.Handler {
	baseHandlerOnce.Do(func() {
		console := tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})

		bridge := otelslog.NewHandler(ScopeName)

		baseHandler = newFanoutHandler(logLevel, console, bridge)
	})

	return baseHandler
}

// fanoutHandler sends every record to all its handlers.
type fanoutHandler struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func newFanoutHandler(level slog.Leveler, handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{
		level:    level,
		handlers: handlers,
	}
}

func (fh *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < fh.level.Level() {
		return false
	}

	for _, h := range fh.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (fh *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error

	for _, h := range fh.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}

		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (fh *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(fh.handlers))
	for _, h := range fh.handlers {
		handlers = append(handlers, h.WithAttrs(attrs))
	}
	return newFanoutHandler(fh.level, handlers...)
}

func (fh *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(fh.handlers))
	for _, h := range fh.handlers {
		handlers = append(handlers, h.WithGroup(name))
	}
	return newFanoutHandler(fh.level, handlers...)
}

// Telemetry groups the logger, the tracer and the meter of a component.
type Telemetry struct {
	kind string
	name string

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	attributes metric.MeasurementOption

	mux           sync.Mutex
	registrations []metric.Registration
}

// NewTelemetry returns the telemetry of the component
// with the given kind (e.g. ingress, egress) and name.
func NewTelemetry(kind, name string) *Telemetry {
	logger := slog.New(getBaseHandler()).With("kind", kind, "name", name)

	return &Telemetry{
		kind: kind,
		name: name,

		logger: logger,
		tracer: otel.Tracer(ScopeName),
		meter:  otel.Meter(ScopeName),

		attributes: metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("name", name),
		),
	}
}

// Name returns the name of the component.
func (t *Telemetry) Name() string {
	return t.name
}

// Kind returns the kind of the component.
func (t *Telemetry) Kind() string {
	return t.kind
}

// Logger returns the logger of the component.
func (t *Telemetry) Logger() *slog.Logger {
	return t.logger
}

// LogDebug logs a debug message.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs an error message.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append(args, tint.Err(err))...)
}

func (t *Telemetry) metricName(name string) string {
	return "phaser_" + t.kind + "_" + name
}

func (t *Telemetry) register(name string, reg metric.Registration, err error) {
	if err != nil {
		t.LogError("failed to create metric", err, "metric", name)
		return
	}

	t.mux.Lock()
	t.registrations = append(t.registrations, reg)
	t.mux.Unlock()
}

// NewCounter creates an observable counter whose value is read from fn.
func (t *Telemetry) NewCounter(name string, fn func() int64) {
	counter, err := t.meter.Int64ObservableCounter(t.metricName(name))
	if err != nil {
		t.register(name, nil, err)
		return
	}

	reg, err := t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(counter, fn(), t.attributes)
		return nil
	}, counter)

	t.register(name, reg, err)
}

// NewUpDownCounter creates an observable up/down counter whose value is read from fn.
func (t *Telemetry) NewUpDownCounter(name string, fn func() int64) {
	counter, err := t.meter.Int64ObservableUpDownCounter(t.metricName(name))
	if err != nil {
		t.register(name, nil, err)
		return
	}

	reg, err := t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(counter, fn(), t.attributes)
		return nil
	}, counter)

	t.register(name, reg, err)
}

// NewGauge creates an observable gauge whose value is read from fn.
func (t *Telemetry) NewGauge(name string, fn func() int64) {
	gauge, err := t.meter.Int64ObservableGauge(t.metricName(name))
	if err != nil {
		t.register(name, nil, err)
		return
	}

	reg, err := t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, fn(), t.attributes)
		return nil
	}, gauge)

	t.register(name, reg, err)
}

// Histogram is an int64 histogram bound to the attributes of a component.
type Histogram struct {
	histogram  metric.Int64Histogram
	attributes metric.MeasurementOption
}

// Record adds a value to the histogram.
func (h *Histogram) Record(ctx context.Context, value int64) {
	if h.histogram == nil {
		return
	}
	h.histogram.Record(ctx, value, h.attributes)
}

// NewHistogram creates a new histogram.
func (t *Telemetry) NewHistogram(name string, opts ...metric.Int64HistogramOption) *Histogram {
	histogram, err := t.meter.Int64Histogram(t.metricName(name), opts...)
	if err != nil {
		t.LogError("failed to create histogram", err, "metric", name)
		return &Histogram{}
	}

	return &Histogram{
		histogram:  histogram,
		attributes: t.attributes,
	}
}

// NewTrace starts a new span named after the component.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, t.name+": "+spanName)
}

// InjectTrace writes the trace of the context into the carrier.
func (t *Telemetry) InjectTrace(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractTraceContext reads the trace from the carrier into the context.
func (t *Telemetry) ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Close unregisters the metric callbacks of the component.
func (t *Telemetry) Close() {
	t.mux.Lock()
	defer t.mux.Unlock()

	for _, reg := range t.registrations {
		if err := reg.Unregister(); err != nil {
			t.LogWarn("failed to unregister metric callback", "error", err)
		}
	}
	t.registrations = nil
}
