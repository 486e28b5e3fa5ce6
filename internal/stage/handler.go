// Package stage contains the handler contract of the consumers
// and the runner that wraps a handler with telemetry.
package stage

import (
	"context"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/message"
)

// Handler is the business logic run by a consumer for every message.
type Handler[T any] interface {
	// Init initializes the handler before the consumer starts.
	Init(ctx context.Context) error
	// Handle processes a message. endOfBatch is true for the last
	// message currently available, so buffered work can be flushed.
	// The message must not be retained after the call returns.
	Handle(ctx context.Context, msg *message.Message[T], endOfBatch bool) error
	// Close releases the resources of the handler.
	Close(ctx context.Context) error
	// SetTelemetry sets the telemetry of the consumer running the handler.
	SetTelemetry(tel *internal.Telemetry)
}

// Flusher is implemented by handlers that buffer their output.
// Flush is called at the end of a batch whose last message was dropped,
// so the handler did not see the end of the batch.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Named is implemented by handlers that provide their own telemetry name.
type Named interface {
	Name() string
}

// HandlerBase gives no-op defaults to the optional methods of a [Handler].
// It can be embedded.
type HandlerBase struct {
	Tel *internal.Telemetry
}

// Init does nothing.
func (hb *HandlerBase) Init(_ context.Context) error {
	return nil
}

// Close does nothing.
func (hb *HandlerBase) Close(_ context.Context) error {
	return nil
}

// SetTelemetry sets the telemetry for the handler.
func (hb *HandlerBase) SetTelemetry(tel *internal.Telemetry) {
	hb.Tel = tel
}
