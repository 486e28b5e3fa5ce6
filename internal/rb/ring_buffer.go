// Package rb provides the lock-free ring buffer engine:
// sequences, sequencers, barriers, wait strategies, producers and consumers.
package rb

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/message"
	"golang.org/x/sys/cpu"
)

// Translator writes a value into a claimed slot.
type Translator[T any] func(msg *message.Message[T]) error

// Option customizes a ring buffer.
type Option func(*options)

type options struct {
	producerKind ProducerKind
	waitStrategy WaitStrategy
}

// WithProducerKind sets the producer kind of the ring buffer.
// The default is [ProducerKindSingle].
func WithProducerKind(kind ProducerKind) Option {
	return func(o *options) {
		o.producerKind = kind
	}
}

// WithWaitStrategy sets the wait strategy used by producers and consumers.
// The default is the [BlockingStrategy].
func WithWaitStrategy(waitStrategy WaitStrategy) Option {
	return func(o *options) {
		if waitStrategy != nil {
			o.waitStrategy = waitStrategy
		}
	}
}

// RingBuffer is a pre-allocated circular array of reusable message slots
// addressed by sequence number.
type RingBuffer[T any] struct {
	_ cpu.CacheLinePad

	capacity int64
	mask     int64
	slots    []message.Message[T]

	// resettable states whether the payloads are cleared on claim
	resettable bool

	_ cpu.CacheLinePad

	producerKind ProducerKind
	sequencer    sequencer
	waitStrategy WaitStrategy
	gating       *sequenceGroup

	alert     Alert
	producers atomic.Int32
}

// NewRingBuffer returns a new ring buffer with the given capacity.
// The factory is called exactly capacity times to fill the slots.
// The capacity must be a positive power of two.
func NewRingBuffer[T any](capacity int, factory message.Factory[T], opts ...Option) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, newConfigError("capacity", "must be positive", capacity)
	}

	if capacity&(capacity-1) != 0 {
		return nil, newConfigError("capacity", "must be a power of two", capacity)
	}

	if factory == nil {
		return nil, newConfigError("factory", "must not be nil", nil)
	}

	o := &options{
		producerKind: ProducerKindSingle,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.waitStrategy == nil {
		o.waitStrategy = NewBlockingStrategy()
	}

	rb := &RingBuffer[T]{
		capacity: int64(capacity),
		mask:     int64(capacity - 1),
		slots:    make([]message.Message[T], capacity),

		producerKind: o.producerKind,
		waitStrategy: o.waitStrategy,
		gating:       newSequenceGroup(),
	}

	for idx := range rb.slots {
		rb.slots[idx] = *message.New(factory())
	}
	_, rb.resettable = any(rb.slots[0].GetPayload()).(message.Resettable)

	base := sequencerBase{
		capacity:     rb.capacity,
		gating:       rb.gating,
		waitStrategy: rb.waitStrategy,
		alert:        &rb.alert,
		published:    NewSequence(InitialSequence),
	}

	switch o.producerKind {
	case ProducerKindSingle:
		rb.sequencer = newSingleSequencer(base)
	case ProducerKindMulti:
		rb.sequencer = newMultiSequencer(base)
	default:
		return nil, newConfigError("producer kind", "unknown kind", o.producerKind)
	}

	return rb, nil
}

// Capacity returns the number of slots.
func (rb *RingBuffer[T]) Capacity() int {
	return int(rb.capacity)
}

// ProducerKind returns the producer kind of the ring buffer.
func (rb *RingBuffer[T]) ProducerKind() ProducerKind {
	return rb.producerKind
}

// WaitStrategy returns the wait strategy of the ring buffer.
func (rb *RingBuffer[T]) WaitStrategy() WaitStrategy {
	return rb.waitStrategy
}

// SlotAt returns the slot that holds the given sequence.
// The caller must own the sequence, either by claiming it
// or by having it released by its barrier.
func (rb *RingBuffer[T]) SlotAt(seq int64) *message.Message[T] {
	return &rb.slots[seq&rb.mask]
}

// Cursor returns the highest published sequence.
func (rb *RingBuffer[T]) Cursor() int64 {
	return rb.sequencer.cursor().Load()
}

// NewBarrier returns a barrier over the published cursor
// that also waits for the given dependencies.
func (rb *RingBuffer[T]) NewBarrier(dependencies ...Gate) *Barrier {
	return newBarrier(rb.sequencer.cursor(), rb.waitStrategy, &rb.alert, dependencies...)
}

// AddGatingSequences adds sequences that producers must not overrun.
func (rb *RingBuffer[T]) AddGatingSequences(sequences ...*Sequence) {
	rb.gating.add(sequences...)
}

// RemoveGatingSequence removes a gating sequence.
// It returns false if the sequence was not gating.
func (rb *RingBuffer[T]) RemoveGatingSequence(sequence *Sequence) bool {
	removed := rb.gating.remove(sequence)
	if removed {
		rb.waitStrategy.Signal()
	}
	return removed
}

// MinimumGatingSequence returns the slowest gating sequence,
// or the cursor if there are none.
func (rb *RingBuffer[T]) MinimumGatingSequence() int64 {
	return rb.gating.minimum(rb.Cursor())
}

// RemainingCapacity returns the number of slots that can be claimed
// without waiting for the consumers.
func (rb *RingBuffer[T]) RemainingCapacity() int64 {
	claimed := rb.sequencer.claimed()
	consumed := rb.gating.minimum(claimed)
	return rb.capacity - (claimed - consumed)
}

// addConsumerSequences registers new gating sequences positioned at the cursor.
// The cursor is stored again after registration, so a claim racing
// with the registration cannot overrun the new sequences.
func (rb *RingBuffer[T]) addConsumerSequences(sequences ...*Sequence) {
	cursor := rb.Cursor()
	for _, seq := range sequences {
		seq.Store(cursor)
	}

	rb.gating.add(sequences...)

	cursor = rb.Cursor()
	for _, seq := range sequences {
		seq.Store(cursor)
	}
}

func (rb *RingBuffer[T]) prepare(lo, hi int64) {
	for seq := lo; seq <= hi; seq++ {
		slot := rb.SlotAt(seq)
		slot.Reset(seq)

		if rb.resettable {
			any(slot.GetPayload()).(message.Resettable).Reset()
		}
	}
}

func (rb *RingBuffer[T]) claim(ctx context.Context, n int64) (int64, int64, error) {
	if n < 1 || n > rb.capacity {
		return 0, 0, newConfigError("claim size", fmt.Sprintf("must be between 1 and %d", rb.capacity), n)
	}

	hi, err := rb.sequencer.next(ctx, n)
	if err != nil {
		return 0, 0, err
	}

	lo := hi - n + 1
	rb.prepare(lo, hi)

	return lo, hi, nil
}

func (rb *RingBuffer[T]) tryClaim(n int64) (int64, int64, error) {
	if n < 1 || n > rb.capacity {
		return 0, 0, newConfigError("claim size", fmt.Sprintf("must be between 1 and %d", rb.capacity), n)
	}

	hi, err := rb.sequencer.tryNext(n)
	if err != nil {
		return 0, 0, err
	}

	lo := hi - n + 1
	rb.prepare(lo, hi)

	return lo, hi, nil
}

func (rb *RingBuffer[T]) publish(lo, hi int64) {
	rb.sequencer.publish(lo, hi)
}

func (rb *RingBuffer[T]) translateAndPublish(seq int64, translate Translator[T]) error {
	slot := rb.SlotAt(seq)

	if err := translate(slot); err != nil {
		// The sequence is already claimed, it must be published anyway.
		// Consumers see it as dropped.
		slot.Drop()
		rb.publish(seq, seq)
		return fmt.Errorf("ring buffer: translate sequence %d: %w", seq, err)
	}

	rb.publish(seq, seq)
	return nil
}

// Write claims the next slot, fills it with translate and publishes it.
// It blocks while the ring buffer is full.
// For a [ProducerKindSingle] ring buffer the calls must not be concurrent.
func (rb *RingBuffer[T]) Write(ctx context.Context, translate Translator[T]) (int64, error) {
	seq, _, err := rb.claim(ctx, 1)
	if err != nil {
		return 0, err
	}

	return seq, rb.translateAndPublish(seq, translate)
}

// TryWrite is like [RingBuffer.Write] but it returns
// [ErrInsufficientCapacity] instead of waiting.
func (rb *RingBuffer[T]) TryWrite(translate Translator[T]) (int64, error) {
	seq, _, err := rb.tryClaim(1)
	if err != nil {
		return 0, err
	}

	return seq, rb.translateAndPublish(seq, translate)
}

// Close alerts every producer and consumer waiting on the ring buffer.
// Waits started after the close fail with [ErrAlerted].
func (rb *RingBuffer[T]) Close() {
	rb.alert.Raise()
	rb.waitStrategy.Signal()
}

// IsClosed states whether the ring buffer has been closed.
func (rb *RingBuffer[T]) IsClosed() bool {
	return rb.alert.IsRaised()
}
