package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/rb"
)

// ErrClosed is returned when the ring buffer is closed.
var ErrClosed = errors.New("connector: ring buffer is closed")

var (
	_ Connector[any] = (*RingBuffer[any])(nil)
	_ Publisher[any] = (*RingBuffer[any])(nil)
)

// RingBuffer is a queue-style view of the ring buffer engine.
// Any number of goroutines can write, reads are serialized
// and return the items in publication order.
type RingBuffer[T any] struct {
	ring     *rb.RingBuffer[T]
	consumer *rb.Consumer[T]

	readMux sync.Mutex
	item    T

	isClosed atomic.Bool
	// writers counts the publications in progress
	writers atomic.Int64
}

// NewRingBuffer returns a new ring buffer with the given capacity,
// which must be a positive power of two.
func NewRingBuffer[T any](capacity int) (*RingBuffer[T], error) {
	ring, err := rb.NewRingBuffer(capacity, func() T {
		var zero T
		return zero
	}, rb.WithProducerKind(rb.ProducerKindMulti))
	if err != nil {
		return nil, err
	}

	r := &RingBuffer[T]{
		ring: ring,
	}

	r.consumer = ring.NewConsumer(r.take)

	return r, nil
}

// take moves the payload out of the slot, so the slot
// does not keep the item alive.
func (r *RingBuffer[T]) take(_ context.Context, msg *message.Message[T], _ bool) error {
	var zero T

	r.item = msg.GetPayload()
	msg.SetPayload(zero)

	return nil
}

func (r *RingBuffer[T]) mapErr(err error) error {
	if errors.Is(err, rb.ErrAlerted) {
		return ErrClosed
	}
	return err
}

// Publish claims a slot, fills it with translate and publishes it.
// If translate fails the slot is published as dropped and skipped by the reader.
func (r *RingBuffer[T]) Publish(ctx context.Context, translate Translator[T]) error {
	// Counted before the close check, so a reader that saw the close
	// also sees this writer
	r.writers.Add(1)
	defer r.doneWriting()

	if r.isClosed.Load() {
		return ErrClosed
	}

	_, err := r.ring.Write(ctx, translate)
	return r.mapErr(err)
}

func (r *RingBuffer[T]) doneWriting() {
	if r.writers.Add(-1) == 0 && r.isClosed.Load() {
		r.ring.WaitStrategy().Signal()
	}
}

// awaitWriters waits for the publications started before the close.
func (r *RingBuffer[T]) awaitWriters(ctx context.Context) error {
	return r.ring.WaitStrategy().Await(ctx, func() bool {
		return r.writers.Load() == 0
	}, nil)
}

// Write adds an item to the ring buffer.
func (r *RingBuffer[T]) Write(ctx context.Context, item T) error {
	return r.Publish(ctx, func(msg *message.Message[T]) error {
		msg.SetPayload(item)
		return nil
	})
}

// Read returns the next item.
// After the ring buffer is closed the remaining items are still returned,
// then [ErrClosed].
func (r *RingBuffer[T]) Read(ctx context.Context) (T, error) {
	r.readMux.Lock()
	defer r.readMux.Unlock()

	var zero T

	for {
		seq, ok := r.consumer.TryNext()

		if !ok && r.isClosed.Load() {
			// A writer that claimed before the close may still be publishing
			if err := r.awaitWriters(ctx); err != nil {
				return zero, err
			}

			if seq, ok = r.consumer.TryNext(); !ok {
				return zero, ErrClosed
			}
		}

		if !ok {
			var err error
			seq, err = r.consumer.WaitForNext(ctx)
			if err != nil {
				if errors.Is(err, rb.ErrAlerted) {
					continue
				}
				return zero, err
			}
		}

		dropped := r.ring.SlotAt(seq).IsDropped()

		if err := r.consumer.Consume(ctx, seq); err != nil {
			return zero, err
		}

		if dropped {
			continue
		}

		item := r.item
		r.item = zero

		return item, nil
	}
}

// Len returns the number of items waiting to be read.
func (r *RingBuffer[T]) Len() int {
	return int(r.ring.Cursor() - r.consumer.Load())
}

// Capacity returns the capacity of the ring buffer.
func (r *RingBuffer[T]) Capacity() int {
	return r.ring.Capacity()
}

// Close closes the ring buffer.
// Blocked writers and readers are woken up.
func (r *RingBuffer[T]) Close() {
	if !r.isClosed.CompareAndSwap(false, true) {
		return
	}

	r.ring.Close()
}
