// Package ingress contains the ingress stages.
// An ingress stage reads from an external source and publishes every
// input into a ring buffer, translating it directly into the claimed slot.
package ingress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/rb"
	"go.opentelemetry.io/otel/trace"
)

type source[T any] interface {
	setTelemetry(tel *internal.Telemetry)
	init() error
	run(ctx context.Context, pub connector.Publisher[T])
	close()
}

var _ connector.Publisher[any] = (*stage[any, config.Config])(nil)

type stage[T any, C config.Config] struct {
	tel *internal.Telemetry

	cfg C

	source    source[T]
	publisher connector.Publisher[T]

	closeCtx  context.Context
	closeFn   context.CancelFunc
	closeOnce sync.Once

	// Metrics
	published     atomic.Int64
	publishErrors atomic.Int64
}

func newStage[T any, C config.Config](name string, source source[T], publisher connector.Publisher[T], cfg C) *stage[T, C] {
	tel := internal.NewTelemetry("ingress", name)
	source.setTelemetry(tel)

	closeCtx, closeFn := context.WithCancel(context.Background())

	return &stage[T, C]{
		tel: tel,

		cfg: cfg,

		source:    source,
		publisher: publisher,

		closeCtx: closeCtx,
		closeFn:  closeFn,
	}
}

// Init validates the configuration and initializes the source.
func (s *stage[T, C]) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	config.NewValidator(s.tel).Validate(s.cfg)

	if err := s.source.init(); err != nil {
		return err
	}

	s.tel.NewCounter("published_messages", s.published.Load)
	s.tel.NewCounter("publish_errors", s.publishErrors.Load)

	return nil
}

// Run reads from the source until the context is done or the stage is closed.
func (s *stage[T, C]) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	s.source.run(ctx, s)
}

// Publish forwards to the output publisher, counting the outcome.
func (s *stage[T, C]) Publish(ctx context.Context, translate connector.Translator[T]) error {
	if err := s.publisher.Publish(ctx, translate); err != nil {
		s.publishErrors.Add(1)
		return err
	}

	s.published.Add(1)
	return nil
}

// Published returns the number of messages published by the stage.
func (s *stage[T, C]) Published() int64 {
	return s.published.Load()
}

// Close stops the source. The output publisher is not closed,
// because other stages may still be publishing into it.
func (s *stage[T, C]) Close() {
	s.closeOnce.Do(func() {
		s.tel.LogInfo("closing")

		s.closeFn()
		s.source.close()

		s.tel.Close()
	})
}

// isPublisherClosed states whether a publish error is final.
func isPublisherClosed(err error) bool {
	return errors.Is(err, rb.ErrAlerted) || errors.Is(err, connector.ErrClosed)
}

// publishOrStop logs a publish error and returns true when
// the source must stop reading.
func publishOrStop(ctx context.Context, tel *internal.Telemetry, err error) bool {
	if err == nil {
		return false
	}

	if ctx.Err() != nil {
		return true
	}

	if isPublisherClosed(err) {
		tel.LogInfo("publisher closed, stopping")
		return true
	}

	tel.LogError("failed to publish message", err)
	return false
}

// stamp sets the receive time and the timestamp of a freshly
// translated message and saves the span into it.
func stamp[T any](msg *message.Message[T], recvTime time.Time, span trace.Span) {
	msg.SetReceiveTime(recvTime)
	msg.SetTimestamp(recvTime)
	msg.SaveSpan(span)
}

// payloadOf returns the payload of the slot, creating it
// when the slot has none.
func payloadOf[T any](msg *message.Message[*T]) *T {
	payload := msg.GetPayload()
	if payload == nil {
		payload = new(T)
		msg.SetPayload(payload)
	}
	return payload
}
