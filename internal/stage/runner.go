package stage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/message"
	"go.opentelemetry.io/otel/metric"
)

///////////////
//  METRICS  //
///////////////

type runnerMetrics struct {
	tel *internal.Telemetry

	processedMessages atomic.Int64
	droppedMessages   atomic.Int64
	processingErrors  atomic.Int64

	processingTime *internal.Histogram
}

func newRunnerMetrics(tel *internal.Telemetry) *runnerMetrics {
	return &runnerMetrics{
		tel: tel,
	}
}

func (rm *runnerMetrics) init() {
	rm.tel.NewCounter("processed_messages", rm.processedMessages.Load)
	rm.tel.NewCounter("dropped_messages", rm.droppedMessages.Load)
	rm.tel.NewCounter("processing_errors", rm.processingErrors.Load)

	rm.processingTime = rm.tel.NewHistogram("message_processing_time", metric.WithUnit("us"))
}

//////////////
//  RUNNER  //
//////////////

// Runner adapts a [Handler] to a ring buffer consumer.
// It skips the dropped messages, propagates the trace of the message
// and keeps the metrics of the handler.
type Runner[T any] struct {
	tel *internal.Telemetry

	handler Handler[T]
	flusher Flusher

	metrics *runnerMetrics
}

// HandlerName returns the name of the handler, or a name built from
// the fallback index if the handler is not [Named].
func HandlerName(handler any, fallback int) string {
	if named, ok := handler.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("handler_%d", fallback)
}

// NewRunner returns a new runner for the given handler.
func NewRunner[T any](kind, name string, handler Handler[T]) *Runner[T] {
	tel := internal.NewTelemetry(kind, name)

	flusher, _ := handler.(Flusher)

	return &Runner[T]{
		tel: tel,

		handler: handler,
		flusher: flusher,

		metrics: newRunnerMetrics(tel),
	}
}

// Telemetry returns the telemetry of the runner.
func (r *Runner[T]) Telemetry() *internal.Telemetry {
	return r.tel
}

// Processed returns the number of handled messages.
func (r *Runner[T]) Processed() int64 {
	return r.metrics.processedMessages.Load()
}

// Dropped returns the number of skipped dropped messages.
func (r *Runner[T]) Dropped() int64 {
	return r.metrics.droppedMessages.Load()
}

// Errors returns the number of handler failures.
func (r *Runner[T]) Errors() int64 {
	return r.metrics.processingErrors.Load()
}

// Init initializes the metrics and the handler.
func (r *Runner[T]) Init(ctx context.Context) error {
	r.tel.LogInfo("initializing")

	r.metrics.init()
	r.handler.SetTelemetry(r.tel)

	if err := r.handler.Init(ctx); err != nil {
		r.tel.LogError("failed to init handler", err)
		return err
	}

	return nil
}

// Handle runs the handler on the message.
// It has the signature of a ring buffer handle function.
func (r *Runner[T]) Handle(ctx context.Context, msg *message.Message[T], endOfBatch bool) error {
	if msg.IsDropped() {
		r.metrics.droppedMessages.Add(1)

		if endOfBatch && r.flusher != nil {
			return r.flusher.Flush(ctx)
		}

		return nil
	}

	r.metrics.processedMessages.Add(1)

	if err := r.handler.Handle(msg.LoadSpanContext(ctx), msg, endOfBatch); err != nil {
		r.metrics.processingErrors.Add(1)
		return err
	}

	if recvTime := msg.GetReceiveTime(); !recvTime.IsZero() && r.metrics.processingTime != nil {
		r.metrics.processingTime.Record(ctx, time.Since(recvTime).Microseconds())
	}

	return nil
}

// OnFailure logs a failure the consumer decided to skip.
func (r *Runner[T]) OnFailure(seq int64, err error) {
	r.tel.LogError("failed to handle message", err, "sequence", seq)
}

// Close closes the handler and the telemetry.
func (r *Runner[T]) Close(ctx context.Context) {
	r.tel.LogInfo("closing")

	if err := r.handler.Close(ctx); err != nil {
		r.tel.LogError("failed to close handler", err)
	}

	r.tel.Close()
}
