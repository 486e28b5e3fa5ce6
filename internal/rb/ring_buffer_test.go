package rb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	value    int
	producer int
	text     string
}

func newTestPayload() *testPayload {
	return &testPayload{}
}

type resettablePayload struct {
	data []byte
}

func (rp *resettablePayload) Reset() {
	rp.data = rp.data[:0]
}

func newTestRing(t testing.TB, capacity int, opts ...Option) *RingBuffer[*testPayload] {
	t.Helper()

	rb, err := NewRingBuffer(capacity, newTestPayload, opts...)
	require.NoError(t, err)

	return rb
}

func writeValue(value int) Translator[*testPayload] {
	return func(msg *message.Message[*testPayload]) error {
		msg.GetPayload().value = value
		return nil
	}
}

func Test_NewRingBuffer(t *testing.T) {
	t.Run("invalid capacity", func(t *testing.T) {
		assert := assert.New(t)

		for _, capacity := range []int{0, -4, 3, 6, 100} {
			rb, err := NewRingBuffer(capacity, newTestPayload)
			assert.Nil(rb)
			assert.ErrorIs(err, ErrConfig, "capacity %d", capacity)

			var cfgErr *ConfigError
			if assert.ErrorAs(err, &cfgErr) {
				assert.Equal("capacity", cfgErr.Field)
				assert.Equal(capacity, cfgErr.Value)
			}
		}
	})

	t.Run("nil factory", func(t *testing.T) {
		assert := assert.New(t)

		_, err := NewRingBuffer[*testPayload](8, nil)
		assert.ErrorIs(err, ErrConfig)
	})

	t.Run("factory called once per slot", func(t *testing.T) {
		assert := assert.New(t)

		calls := 0
		factory := func() *testPayload {
			calls++
			return &testPayload{}
		}

		rb, err := NewRingBuffer(16, factory)
		assert.NoError(err)
		assert.Equal(16, calls)
		assert.Equal(16, rb.Capacity())
		assert.Equal(InitialSequence, rb.Cursor())

		// every slot holds its own payload
		seen := make(map[*testPayload]struct{})
		for seq := range int64(16) {
			seen[rb.SlotAt(seq).GetPayload()] = struct{}{}
		}
		assert.Len(seen, 16)

		for seq := range int64(32) {
			rb.SlotAt(seq)
		}
		assert.Equal(16, calls)
	})
}

func Test_RingBuffer_roundTrip(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)
	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})

	seq, err := rb.Write(t.Context(), func(msg *message.Message[*testPayload]) error {
		msg.GetPayload().text = "hello"
		return nil
	})
	assert.NoError(err)
	assert.Equal(int64(0), seq)
	assert.Equal(int64(0), rb.Cursor())

	next, err := consumer.WaitForNext(t.Context())
	assert.NoError(err)
	assert.Equal(seq, next)

	slot := rb.SlotAt(next)
	assert.Equal("hello", slot.GetPayload().text)
	assert.Equal(next, slot.GetSequenceNumber())
	assert.NoError(consumer.Consume(t.Context(), next))
	assert.Equal(int64(0), consumer.Load())
}

func Test_RingBuffer_wrapAround(t *testing.T) {
	assert := assert.New(t)

	const capacity = 4

	rb := newTestRing(t, capacity)

	first := rb.SlotAt(1)
	assert.Same(first, rb.SlotAt(1+capacity))
	assert.Same(first, rb.SlotAt(1+3*capacity))

	values := []int{}
	consumer := rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
		values = append(values, msg.GetPayload().value)
		return nil
	})

	producer, err := rb.NewProducer()
	require.NoError(t, err)

	for round := range 3 {
		for idx := range capacity {
			_, err := producer.Write(t.Context(), writeValue(round*capacity+idx))
			assert.NoError(err)
		}

		for range capacity {
			seq, err := consumer.WaitForNext(t.Context())
			assert.NoError(err)
			assert.NoError(consumer.Consume(t.Context(), seq))
		}
	}

	assert.Len(values, 3*capacity)
	for idx, val := range values {
		assert.Equal(idx, val)
	}
	assert.Equal(int64(3*capacity-1), rb.Cursor())
	assert.Equal(int64(capacity), rb.RemainingCapacity())
}

func Test_RingBuffer_partialLap(t *testing.T) {
	for _, kind := range []ProducerKind{ProducerKindSingle, ProducerKindMulti} {
		t.Run(kind.String(), func(t *testing.T) {
			assert := assert.New(t)

			const capacity = 4

			rb := newTestRing(t, capacity, WithProducerKind(kind))

			values := []int{}
			consumer := rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
				values = append(values, msg.GetPayload().value)
				return nil
			})

			consume := func(count int) {
				for range count {
					seq, err := consumer.WaitForNext(t.Context())
					require.NoError(t, err)
					require.NoError(t, consumer.Consume(t.Context(), seq))
				}
			}

			for val := range capacity {
				_, err := rb.TryWrite(writeValue(val))
				require.NoError(t, err)
			}

			consume(2)

			// The next lap reuses the two consumed slots only
			for val := capacity; val < capacity+2; val++ {
				seq, err := rb.TryWrite(writeValue(val))
				require.NoError(t, err)
				assert.Equal(int64(val), seq)
			}

			_, err := rb.TryWrite(writeValue(100))
			assert.ErrorIs(err, ErrInsufficientCapacity)

			// The unread slots of the previous lap are intact
			assert.Equal(2, rb.SlotAt(2).GetPayload().value)
			assert.Equal(3, rb.SlotAt(3).GetPayload().value)
			assert.Equal(int64(2), rb.SlotAt(2).GetSequenceNumber())
			assert.Equal(int64(3), rb.SlotAt(3).GetSequenceNumber())

			consume(4)

			assert.Equal([]int{0, 1, 2, 3, 4, 5}, values)
			assert.Equal(int64(capacity), rb.RemainingCapacity())
		})
	}
}

func Test_RingBuffer_claimBoundSlowConsumer(t *testing.T) {
	const (
		capacity = 8
		items    = 400
	)

	suite := []struct {
		producerKind ProducerKind
		producers    int
	}{
		{ProducerKindSingle, 1},
		{ProducerKindMulti, 4},
	}

	for _, tCase := range suite {
		t.Run(fmt.Sprintf("%s-P%d", tCase.producerKind, tCase.producers), func(t *testing.T) {
			assert := assert.New(t)

			rb := newTestRing(t, capacity,
				WithProducerKind(tCase.producerKind),
				WithWaitStrategy(NewSleepingStrategy(DefaultSpinTries, 10*time.Microsecond)),
			)

			var handled atomic.Int64
			fast := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
				return nil
			})
			slow := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
				time.Sleep(20 * time.Microsecond)
				handled.Add(1)
				return nil
			})

			var overrun atomic.Int64
			checkBound := func() {
				// claimed first: the gating sequences only move forward
				claimed := rb.sequencer.claimed()
				if lead := claimed - rb.MinimumGatingSequence(); lead > capacity {
					overrun.Store(lead)
				}
			}

			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			consWg := &sync.WaitGroup{}
			for _, consumer := range []*Consumer[*testPayload]{fast, slow} {
				consWg.Go(func() {
					assert.NoError(consumer.Run(ctx))
				})
			}

			stopMonitor := make(chan struct{})
			monitorWg := &sync.WaitGroup{}
			monitorWg.Go(func() {
				for {
					select {
					case <-stopMonitor:
						return
					default:
						checkBound()
					}
				}
			})

			prodWg := &sync.WaitGroup{}
			itemsPerProducer := items / tCase.producers
			for range tCase.producers {
				prodWg.Go(func() {
					producer, err := rb.NewProducer()
					if !assert.NoError(err) {
						return
					}

					for val := range itemsPerProducer {
						_, err := producer.Write(ctx, func(msg *message.Message[*testPayload]) error {
							checkBound()
							msg.GetPayload().value = val
							return nil
						})
						assert.NoError(err)
					}
				})
			}

			prodWg.Wait()

			assert.Eventually(func() bool {
				return handled.Load() == int64(items)
			}, 10*time.Second, time.Millisecond)

			close(stopMonitor)
			monitorWg.Wait()

			fast.Halt()
			slow.Halt()
			consWg.Wait()

			assert.Zero(overrun.Load(), "claimed sequence ran ahead of the slowest consumer")
		})
	}
}

func Test_RingBuffer_fixedScenario(t *testing.T) {
	assert := assert.New(t)

	rb, err := NewRingBuffer(4, func() string { return "" })
	require.NoError(t, err)

	received := make(chan string, 6)
	consumer := rb.NewConsumer(func(_ context.Context, msg *message.Message[string], _ bool) error {
		received <- msg.GetPayload()
		return nil
	})

	producer, err := rb.NewProducer()
	require.NoError(t, err)

	written := make(chan error, 1)
	go func() {
		for _, val := range []string{"a", "b", "c", "d", "e", "f"} {
			_, err := producer.Write(t.Context(), func(msg *message.Message[string]) error {
				msg.SetPayload(val)
				return nil
			})
			if err != nil {
				written <- err
				return
			}
		}
		written <- nil
	}()

	// the producer fills the ring and waits for the consumer
	assert.Eventually(func() bool { return rb.Cursor() == 3 }, time.Second, time.Millisecond)
	assert.Equal(int64(0), rb.RemainingCapacity())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.NoError(<-written)

	got := []string{}
	for range 6 {
		select {
		case val := <-received:
			got = append(got, val)
		case <-time.After(time.Second):
			t.Fatal("consumer did not receive all the values")
		}
	}
	assert.Equal([]string{"a", "b", "c", "d", "e", "f"}, got)

	consumer.Halt()
	assert.NoError(<-done)
}

func Test_RingBuffer_claimBlocksWhenFull(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 2)
	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})

	producer, err := rb.NewProducer()
	require.NoError(t, err)

	for expected := range int64(2) {
		seq, err := producer.Claim(t.Context())
		assert.NoError(err)
		assert.Equal(expected, seq)
		assert.NoError(producer.Publish(seq))
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	_, err = producer.Claim(ctx)
	cancel()
	assert.ErrorIs(err, ErrTimedOut)
	assert.ErrorIs(err, context.DeadlineExceeded)

	_, err = producer.TryClaim()
	assert.ErrorIs(err, ErrInsufficientCapacity)

	claimed := make(chan int64, 1)
	go func() {
		seq, err := producer.Claim(t.Context())
		if err == nil {
			claimed <- seq
		}
	}()

	select {
	case <-claimed:
		t.Fatal("third claim must wait for the consumer")
	case <-time.After(20 * time.Millisecond):
	}

	assert.NoError(consumer.Consume(t.Context(), 0))

	select {
	case seq := <-claimed:
		assert.Equal(int64(2), seq)
	case <-time.After(time.Second):
		t.Fatal("third claim not released")
	}
}

func Test_RingBuffer_noConsumers(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 4)

	for idx := range 10 {
		_, err := rb.TryWrite(writeValue(idx))
		assert.NoError(err)
	}
	assert.Equal(int64(9), rb.Cursor())
}

func Test_RingBuffer_lateConsumer(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 8)
	for idx := range 5 {
		_, err := rb.Write(t.Context(), writeValue(idx))
		assert.NoError(err)
	}

	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})
	assert.Equal(int64(4), consumer.Load())

	_, err := rb.Write(t.Context(), writeValue(5))
	assert.NoError(err)

	seq, err := consumer.WaitForNext(t.Context())
	assert.NoError(err)
	assert.Equal(int64(5), seq)
	assert.Equal(5, rb.SlotAt(seq).GetPayload().value)
}

func Test_RingBuffer_translateFailure(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 4)
	errTranslate := errors.New("bad input")

	seq, err := rb.Write(t.Context(), func(_ *message.Message[*testPayload]) error {
		return errTranslate
	})
	assert.ErrorIs(err, errTranslate)
	assert.Equal(int64(0), rb.Cursor())
	assert.True(rb.SlotAt(seq).IsDropped())

	seq, err = rb.Write(t.Context(), writeValue(1))
	assert.NoError(err)
	assert.False(rb.SlotAt(seq).IsDropped())
}

func Test_RingBuffer_resettablePayload(t *testing.T) {
	assert := assert.New(t)

	rb, err := NewRingBuffer(2, func() *resettablePayload {
		return &resettablePayload{data: make([]byte, 0, 16)}
	})
	require.NoError(t, err)

	for range 3 {
		_, err := rb.Write(t.Context(), func(msg *message.Message[*resettablePayload]) error {
			payload := msg.GetPayload()
			assert.Empty(payload.data)
			payload.data = append(payload.data, "abc"...)
			return nil
		})
		assert.NoError(err)
	}
}

func Test_RingBuffer_close(t *testing.T) {
	assert := assert.New(t)

	rb := newTestRing(t, 2)
	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})

	for idx := range 2 {
		_, err := rb.Write(t.Context(), writeValue(idx))
		assert.NoError(err)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := rb.Write(t.Context(), writeValue(2))
		blocked <- err
	}()

	waiting := make(chan error, 1)
	go func() {
		_, err := rb.NewConsumer(nil).WaitForNext(t.Context())
		waiting <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	assert.ErrorIs(<-blocked, ErrAlerted)
	assert.ErrorIs(<-waiting, ErrAlerted)
	assert.True(rb.IsClosed())

	_, err := rb.TryWrite(writeValue(3))
	assert.ErrorIs(err, ErrAlerted)
	assert.NoError(consumer.Run(t.Context()))
}

func Test_RingBuffer_broadcast(t *testing.T) {
	const (
		capacity  = 64
		consumers = 3
		producers = 4
		items     = 4_000
	)

	suite := []struct {
		producerKind ProducerKind
		waitKind     WaitStrategyKind
		producers    int
	}{
		{ProducerKindSingle, WaitStrategyKindBlocking, 1},
		{ProducerKindSingle, WaitStrategyKindYielding, 1},
		{ProducerKindSingle, WaitStrategyKindBusySpin, 1},
		{ProducerKindMulti, WaitStrategyKindBlocking, producers},
		{ProducerKindMulti, WaitStrategyKindSleeping, producers},
		{ProducerKindMulti, WaitStrategyKindYielding, producers},
	}

	for _, tCase := range suite {
		tName := fmt.Sprintf("%s-%s-P%d", tCase.producerKind, tCase.waitKind, tCase.producers)

		t.Run(tName, func(t *testing.T) {
			testBroadcast(t, tCase.producerKind, tCase.waitKind, tCase.producers, consumers, capacity, items)
		})
	}
}

func testBroadcast(t *testing.T, kind ProducerKind, waitKind WaitStrategyKind, prodNum, consNum, capacity, items int) {
	assert := assert.New(t)

	rb := newTestRing(t, capacity,
		WithProducerKind(kind),
		WithWaitStrategy(NewWaitStrategy(waitKind, DefaultSpinTries, 10*time.Microsecond)),
	)

	type record struct {
		seq      int64
		producer int
		value    int
	}

	records := make([][]record, consNum)
	consumerList := make([]*Consumer[*testPayload], consNum)
	var overrun atomic.Bool

	for idx := range consNum {
		var consumer *Consumer[*testPayload]
		consumer = rb.NewConsumer(func(_ context.Context, msg *message.Message[*testPayload], _ bool) error {
			cursor := rb.Cursor()
			if cursor-consumer.Load() > int64(capacity) {
				overrun.Store(true)
			}

			payload := msg.GetPayload()
			records[idx] = append(records[idx], record{msg.GetSequenceNumber(), payload.producer, payload.value})
			return nil
		})
		consumerList[idx] = consumer
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	consWg := &sync.WaitGroup{}
	for _, consumer := range consumerList {
		consWg.Go(func() {
			assert.NoError(consumer.Run(ctx))
		})
	}

	prodWg := &sync.WaitGroup{}
	itemsPerProducer := items / prodNum
	for prodIdx := range prodNum {
		prodWg.Go(func() {
			producer, err := rb.NewProducer()
			if !assert.NoError(err) {
				return
			}

			for val := range itemsPerProducer {
				_, err := producer.Write(ctx, func(msg *message.Message[*testPayload]) error {
					payload := msg.GetPayload()
					payload.producer = prodIdx
					payload.value = val
					return nil
				})
				assert.NoError(err)
			}
		})
	}

	prodWg.Wait()

	total := int64(itemsPerProducer * prodNum)
	assert.Eventually(func() bool {
		for _, consumer := range consumerList {
			if consumer.Load() != total-1 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	for _, consumer := range consumerList {
		consumer.Halt()
	}
	consWg.Wait()

	assert.False(overrun.Load(), "producer overran a consumer")

	for _, consumerRecords := range records {
		assert.Len(consumerRecords, int(total))

		lastValues := make([]int, prodNum)
		for idx := range lastValues {
			lastValues[idx] = -1
		}

		for idx, rec := range consumerRecords {
			assert.Equal(int64(idx), rec.seq)
			assert.Equal(lastValues[rec.producer]+1, rec.value)
			lastValues[rec.producer] = rec.value
		}
	}
}

func Benchmark_RingBuffer(b *testing.B) {
	rb := newTestRing(b, 1024, WithWaitStrategy(NewYieldingStrategy(DefaultSpinTries)))

	consumer := rb.NewConsumer(func(_ context.Context, _ *message.Message[*testPayload], _ bool) error {
		return nil
	})

	ctx, cancel := context.WithCancel(b.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()

	translate := writeValue(1)

	b.ReportAllocs()

	for b.Loop() {
		if _, err := rb.Write(ctx, translate); err != nil {
			b.Fatal(err)
		}
	}

	consumer.Halt()
	<-done
}
