package rb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillRing(t *testing.T, rb *RingBuffer[*testPayload], items int) {
	t.Helper()

	for idx := range items {
		_, err := rb.Write(t.Context(), writeValue(idx))
		require.NoError(t, err)
	}
}

func Test_Consumer_outOfOrder(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)
	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})
	fillRing(t, rb, 3)

	assert.ErrorIs(consumer.Consume(t.Context(), 1), ErrOutOfOrder)
	assert.NoError(consumer.Consume(t.Context(), 0))
	assert.ErrorIs(consumer.Consume(t.Context(), 0), ErrOutOfOrder)
	assert.NoError(consumer.Consume(t.Context(), 1))
	assert.Equal(int64(1), consumer.Load())
}

func Test_Consumer_waitTimeout(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)
	consumer := rb.NewConsumer(nil)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := consumer.WaitForNext(ctx)
	assert.ErrorIs(err, ErrTimedOut)
}

func Test_Consumer_endOfBatch(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)

	flags := []bool{}
	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], endOfBatch bool) error {
		flags = append(flags, endOfBatch)
		return nil
	})
	fillRing(t, rb, 3)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(func() bool { return consumer.Load() == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(<-done, context.Canceled)

	assert.Equal([]bool{false, false, true}, flags)
}

func Test_Consumer_failurePolicy(t *testing.T) {
	errHandler := errors.New("handler failure")

	failOn := func(bad int64) HandleFunc[*testPayload] {
		return func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
			if msg.GetSequenceNumber() == bad {
				return errHandler
			}
			return nil
		}
	}

	t.Run("halt", func(t *testing.T) {
		assert := assert.New(t)

		rb := newTestRing(t, 8)
		consumer := rb.NewConsumer(failOn(2))
		fillRing(t, rb, 5)

		err := consumer.Run(t.Context())
		assert.ErrorIs(err, ErrHandlerFailure)
		assert.ErrorIs(err, errHandler)

		var handlerErr *HandlerError
		if assert.ErrorAs(err, &handlerErr) {
			assert.Equal(int64(2), handlerErr.Sequence)
		}

		assert.Equal(int64(1), consumer.Load())
		assert.False(consumer.IsRunning())
	})

	t.Run("skip", func(t *testing.T) {
		assert := assert.New(t)

		rb := newTestRing(t, 8)

		skipped := []int64{}
		consumer := rb.NewConsumer(failOn(2),
			WithFailurePolicy(FailurePolicySkip),
			WithFailureHook(func(seq int64, err error) {
				assert.ErrorIs(err, errHandler)
				skipped = append(skipped, seq)
			}),
		)
		fillRing(t, rb, 5)

		for seq := range int64(5) {
			assert.NoError(consumer.Consume(t.Context(), seq))
		}

		assert.Equal([]int64{2}, skipped)
		assert.Equal(int64(4), consumer.Load())
	})
}

func Test_Consumer_dependencies(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)

	first := rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
		msg.GetPayload().text = "first"
		return nil
	})

	second := rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
		if first.Load() < msg.GetSequenceNumber() {
			return errors.New("ran ahead of its dependency")
		}
		if msg.GetPayload().text != "first" {
			return errors.New("dependency output not visible")
		}
		return nil
	}, WithDependencies(first))

	fillRing(t, rb, 4)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	_, err := second.WaitForNext(ctx)
	cancel()
	assert.ErrorIs(err, ErrTimedOut)

	ctx, cancel = context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- second.Run(ctx) }()
	go func() { done <- first.Run(ctx) }()

	assert.Eventually(func() bool { return second.Load() == 3 }, time.Second, time.Millisecond)

	first.Halt()
	second.Halt()
	assert.NoError(<-done)
	assert.NoError(<-done)
}

func Test_Consumer_runTwice(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)
	consumer := rb.NewConsumer(nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(consumer.IsRunning, time.Second, time.Millisecond)
	assert.ErrorIs(consumer.Run(ctx), ErrAlreadyRunning)

	consumer.Halt()
	assert.NoError(<-done)
}

func Test_Consumer_detach(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 2)
	consumer := rb.NewConsumer(nil)
	fillRing(t, rb, 2)

	_, err := rb.TryWrite(writeValue(2))
	assert.ErrorIs(err, ErrInsufficientCapacity)

	assert.True(consumer.Detach())
	assert.False(consumer.Detach())

	_, err = rb.TryWrite(writeValue(2))
	assert.NoError(err)
}

func Test_Consumer_tryNextAfterClose(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)

	values := []int{}
	consumer := rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
		values = append(values, msg.GetPayload().value)
		return nil
	})

	_, ok := consumer.TryNext()
	assert.False(ok)

	fillRing(t, rb, 2)
	rb.Close()

	for {
		seq, ok := consumer.TryNext()
		if !ok {
			break
		}
		assert.NoError(consumer.Consume(t.Context(), seq))
	}

	assert.Equal([]int{0, 1}, values)

	_, err := consumer.WaitForNext(t.Context())
	assert.ErrorIs(err, ErrAlerted)
}
