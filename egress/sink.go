package egress

import (
	"context"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
)

// SinkHandler is an egress handler that simply counts and discards
// all incoming messages. It is intended for testing purposes.
type SinkHandler[T any] struct {
	stage.HandlerBase

	sinkedMessages atomic.Int64
	batches        atomic.Int64
}

// NewSinkHandler returns a new sink handler.
func NewSinkHandler[T any]() *SinkHandler[T] {
	return &SinkHandler[T]{}
}

// Name returns the name of the handler.
func (sh *SinkHandler[T]) Name() string {
	return "sink"
}

// Init initializes the metrics.
func (sh *SinkHandler[T]) Init(_ context.Context) error {
	sh.Tel.NewCounter("sinked_messages", sh.sinkedMessages.Load)
	return nil
}

// Handle discards the message.
func (sh *SinkHandler[T]) Handle(_ context.Context, _ *message.Message[T], endOfBatch bool) error {
	sh.sinkedMessages.Add(1)

	if endOfBatch {
		sh.batches.Add(1)
	}

	return nil
}

// Sinked returns the number of discarded messages.
func (sh *SinkHandler[T]) Sinked() int64 {
	return sh.sinkedMessages.Load()
}

// Batches returns the number of batches seen by the handler.
func (sh *SinkHandler[T]) Batches() int64 {
	return sh.batches.Load()
}
