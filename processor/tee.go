package processor

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	"go.opentelemetry.io/otel/attribute"
)

// CloneFunc copies src into the pre-allocated payload dst
// of the destination slot and returns the payload to store.
type CloneFunc[T any] func(dst, src T) T

// ShareClone stores the same payload in the destination slot.
// It is only safe for payloads that are never modified after publishing.
func ShareClone[T any](_, src T) T {
	return src
}

// TeeHandler republishes every message into other publishers,
// typically the ingress side of other disruptors.
// The metadata and the trace of the message are kept.
type TeeHandler[T any] struct {
	stage.HandlerBase

	clone      CloneFunc[T]
	publishers []connector.Publisher[T]

	// Metrics
	clonedMessages atomic.Int64
	failedClones   atomic.Int64
}

// NewTeeHandler returns a new tee handler.
// If clone is nil, the payload is shared with [ShareClone].
func NewTeeHandler[T any](clone CloneFunc[T], publishers ...connector.Publisher[T]) *TeeHandler[T] {
	if clone == nil {
		clone = ShareClone[T]
	}

	return &TeeHandler[T]{
		clone:      clone,
		publishers: publishers,
	}
}

// Name returns the name of the handler.
func (th *TeeHandler[T]) Name() string {
	return "tee"
}

// Init initializes the handler.
func (th *TeeHandler[T]) Init(_ context.Context) error {
	if len(th.publishers) == 0 {
		return errors.New("no output publisher specified")
	}

	th.Tel.NewCounter("cloned_messages", th.clonedMessages.Load)
	th.Tel.NewCounter("failed_clones", th.failedClones.Load)

	return nil
}

// Handle publishes a copy of the message into every publisher.
// It blocks while a publisher is full.
func (th *TeeHandler[T]) Handle(ctx context.Context, msgIn *message.Message[T], _ bool) error {
	ctx, span := th.Tel.NewTrace(ctx, "clone message")
	defer span.End()

	span.SetAttributes(attribute.Int("clone_count", len(th.publishers)))

	payload := msgIn.GetPayload()

	translate := func(msgOut *message.Message[T]) error {
		msgOut.SetPayload(th.clone(msgOut.GetPayload(), payload))
		msgOut.SetReceiveTime(msgIn.GetReceiveTime())
		msgOut.SetTimestamp(msgIn.GetTimestamp())
		msgOut.SaveSpan(span)
		return nil
	}

	for _, pub := range th.publishers {
		if err := pub.Publish(ctx, translate); err != nil {
			th.failedClones.Add(1)
			th.Tel.LogError("failed to publish into output publisher", err)
			continue
		}

		th.clonedMessages.Add(1)
	}

	return nil
}

// Cloned returns the number of published copies.
func (th *TeeHandler[T]) Cloned() int64 {
	return th.clonedMessages.Load()
}
