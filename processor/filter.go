package processor

import (
	"context"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
)

// FilterFunc states whether a payload must be kept.
type FilterFunc[T any] func(payload T) bool

// FilterHandler drops the messages whose payload is rejected by
// the filter function. The handlers chained after it skip them.
type FilterHandler[T any] struct {
	stage.HandlerBase

	filterFn FilterFunc[T]

	// Metrics
	filteredMessages atomic.Int64
}

// NewFilterHandler returns a new filter handler.
func NewFilterHandler[T any](filterFn FilterFunc[T]) *FilterHandler[T] {
	return &FilterHandler[T]{
		filterFn: filterFn,
	}
}

// Name returns the name of the handler.
func (fh *FilterHandler[T]) Name() string {
	return "filter"
}

// Init initializes the metrics.
func (fh *FilterHandler[T]) Init(_ context.Context) error {
	fh.Tel.NewCounter("filtered_messages", fh.filteredMessages.Load)
	return nil
}

// Handle drops the message if the filter rejects it.
func (fh *FilterHandler[T]) Handle(ctx context.Context, msg *message.Message[T], _ bool) error {
	_, span := fh.Tel.NewTrace(ctx, "filter message")
	defer span.End()

	if !fh.filterFn(msg.GetPayload()) {
		msg.Drop()
		fh.filteredMessages.Add(1)
	}

	return nil
}

// Filtered returns the number of dropped messages.
func (fh *FilterHandler[T]) Filtered() int64 {
	return fh.filteredMessages.Load()
}
