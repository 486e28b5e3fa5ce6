package rb

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_WaitStrategies(t *testing.T) {
	suite := []WaitStrategyKind{
		WaitStrategyKindBlocking,
		WaitStrategyKindSleeping,
		WaitStrategyKindYielding,
		WaitStrategyKindBusySpin,
	}

	for _, kind := range suite {
		t.Run(kind.String(), func(t *testing.T) {
			testWaitStrategy(t, NewWaitStrategy(kind, 10, 50*time.Microsecond))
		})
	}
}

func testWaitStrategy(t *testing.T, ws WaitStrategy) {
	t.Run("condition met", func(t *testing.T) {
		assert := assert.New(t)
		assert.NoError(ws.Await(t.Context(), func() bool { return true }, nil))
	})

	t.Run("timeout", func(t *testing.T) {
		assert := assert.New(t)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Millisecond)
		defer cancel()

		err := ws.Await(ctx, func() bool { return false }, nil)
		assert.ErrorIs(err, ErrTimedOut)
		assert.ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		assert := assert.New(t)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := ws.Await(ctx, func() bool { return false }, nil)
		assert.ErrorIs(err, context.Canceled)
		assert.NotErrorIs(err, ErrTimedOut)
	})

	t.Run("alerted", func(t *testing.T) {
		assert := assert.New(t)

		alert := &Alert{}
		done := make(chan error, 1)
		go func() {
			done <- ws.Await(t.Context(), func() bool { return false }, alert)
		}()

		time.Sleep(time.Millisecond)
		alert.Raise()
		ws.Signal()

		select {
		case err := <-done:
			assert.ErrorIs(err, ErrAlerted)
		case <-time.After(time.Second):
			t.Fatal("alert did not interrupt the wait")
		}
	})

	t.Run("signaled", func(t *testing.T) {
		assert := assert.New(t)

		var flag atomic.Bool
		done := make(chan error, 1)
		go func() {
			done <- ws.Await(t.Context(), flag.Load, nil)
		}()

		time.Sleep(time.Millisecond)
		flag.Store(true)
		ws.Signal()

		select {
		case err := <-done:
			assert.NoError(err)
		case <-time.After(time.Second):
			t.Fatal("condition change not observed")
		}
	})
}

func Test_BlockingStrategy_signalWithoutWaiters(t *testing.T) {
	assert := assert.New(t)

	bs := NewBlockingStrategy()
	signalCh := bs.signalCh

	bs.Signal()
	assert.Equal(signalCh, bs.signalCh)
}

func Test_WaitStrategyKind_text(t *testing.T) {
	assert := assert.New(t)

	for _, kind := range []WaitStrategyKind{
		WaitStrategyKindBlocking, WaitStrategyKindSleeping,
		WaitStrategyKindYielding, WaitStrategyKindBusySpin,
	} {
		text, err := kind.MarshalText()
		assert.NoError(err)

		var decoded WaitStrategyKind
		assert.NoError(decoded.UnmarshalText(text))
		assert.Equal(kind, decoded)
	}

	var kind WaitStrategyKind
	assert.ErrorIs(kind.UnmarshalText([]byte("snooze")), ErrConfig)

	var producerKind ProducerKind
	assert.NoError(producerKind.UnmarshalText([]byte("Multi")))
	assert.Equal(ProducerKindMulti, producerKind)

	var policy FailurePolicy
	assert.NoError(policy.UnmarshalText([]byte("skip")))
	assert.Equal(FailurePolicySkip, policy)
	assert.ErrorIs(policy.UnmarshalText([]byte("retry")), ErrConfig)
}
