package rb

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal/message"
)

// HandleFunc processes the message of a published sequence.
// endOfBatch is true for the last sequence currently available,
// so the handler can flush any buffered work.
type HandleFunc[T any] func(ctx context.Context, msg *message.Message[T], endOfBatch bool) error

// FailureHook is called when a handler fails under [FailurePolicySkip].
type FailureHook func(seq int64, err error)

// FailurePolicy decides what a consumer does when its handler fails.
type FailurePolicy uint8

const (
	// FailurePolicyHalt stops the consumer on the failed sequence.
	FailurePolicyHalt FailurePolicy = iota
	// FailurePolicySkip reports the failure and moves past the sequence.
	FailurePolicySkip
)

func (fp FailurePolicy) String() string {
	switch fp {
	case FailurePolicyHalt:
		return "halt"
	case FailurePolicySkip:
		return "skip"
	default:
		return "unknown"
	}
}

// MarshalText encodes the policy by name.
func (fp FailurePolicy) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText decodes the policy from its name.
func (fp *FailurePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "halt":
		*fp = FailurePolicyHalt
	case "skip":
		*fp = FailurePolicySkip
	default:
		return newConfigError("failure policy", "unknown policy", string(text))
	}

	return nil
}

// ConsumerOption customizes a consumer or a worker group.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	dependencies  []Gate
	failurePolicy FailurePolicy
	onFailure     FailureHook
}

// WithDependencies makes the consumer read only the sequences
// already processed by the given gates.
func WithDependencies(gates ...Gate) ConsumerOption {
	return func(o *consumerOptions) {
		o.dependencies = append(o.dependencies, gates...)
	}
}

// WithFailurePolicy sets the failure policy. The default is [FailurePolicyHalt].
func WithFailurePolicy(policy FailurePolicy) ConsumerOption {
	return func(o *consumerOptions) {
		o.failurePolicy = policy
	}
}

// WithFailureHook sets the hook called on skipped failures.
func WithFailureHook(hook FailureHook) ConsumerOption {
	return func(o *consumerOptions) {
		o.onFailure = hook
	}
}

func newConsumerOptions(opts []ConsumerOption) *consumerOptions {
	o := &consumerOptions{
		failurePolicy: FailurePolicyHalt,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Consumer reads every published sequence in order
// and passes its message to a handler.
// Its sequence gates the producers, so no slot is overwritten
// before the consumer has processed it.
type Consumer[T any] struct {
	rb      *RingBuffer[T]
	barrier *Barrier

	// sequence is the last consumed sequence
	sequence *Sequence

	// cachedAvailable is the highest sequence known to be readable
	cachedAvailable int64

	handle        HandleFunc[T]
	failurePolicy FailurePolicy
	onFailure     FailureHook

	running atomic.Bool
}

// NewConsumer registers a new consumer.
// The consumer starts from the cursor at registration time,
// so it only sees the sequences published afterwards.
func (rb *RingBuffer[T]) NewConsumer(handle HandleFunc[T], opts ...ConsumerOption) *Consumer[T] {
	o := newConsumerOptions(opts)

	c := &Consumer[T]{
		rb:       rb,
		barrier:  rb.NewBarrier(o.dependencies...),
		sequence: NewSequence(InitialSequence),

		handle:        handle,
		failurePolicy: o.failurePolicy,
		onFailure:     o.onFailure,
	}

	rb.addConsumerSequences(c.sequence)
	c.cachedAvailable = c.sequence.Load()

	return c
}

// Sequence returns the last consumed sequence.
// It can be used as a dependency of downstream consumers.
func (c *Consumer[T]) Sequence() *Sequence {
	return c.sequence
}

// Load returns the last consumed sequence.
func (c *Consumer[T]) Load() int64 {
	return c.sequence.Load()
}

// Barrier returns the barrier of the consumer.
func (c *Consumer[T]) Barrier() *Barrier {
	return c.barrier
}

// IsRunning states whether the consumer loop is running.
func (c *Consumer[T]) IsRunning() bool {
	return c.running.Load()
}

// WaitForNext blocks until the sequence after the last consumed one
// is published and returns it.
func (c *Consumer[T]) WaitForNext(ctx context.Context) (int64, error) {
	next := c.sequence.Load() + 1

	if c.cachedAvailable >= next {
		return next, nil
	}

	available, err := c.barrier.WaitFor(ctx, next)
	if err != nil {
		return 0, err
	}
	c.cachedAvailable = available

	return next, nil
}

// TryNext returns the sequence after the last consumed one
// if it can be read without waiting.
// Unlike [Consumer.WaitForNext], it ignores the alerts,
// so the remaining sequences can be drained after a close.
func (c *Consumer[T]) TryNext() (int64, bool) {
	next := c.sequence.Load() + 1

	if c.cachedAvailable >= next {
		return next, true
	}

	available := c.barrier.Available()
	if available < next {
		return 0, false
	}
	c.cachedAvailable = available

	return next, true
}

// Consume processes the given sequence, which must be the one
// after the last consumed sequence, otherwise [ErrOutOfOrder] is returned.
// It waits for the sequence if it is not yet published.
func (c *Consumer[T]) Consume(ctx context.Context, seq int64) error {
	if seq != c.sequence.Load()+1 {
		return ErrOutOfOrder
	}

	if _, err := c.WaitForNext(ctx); err != nil {
		return err
	}

	if err := c.process(ctx, seq, seq == c.cachedAvailable); err != nil {
		return err
	}

	c.advance(seq)
	return nil
}

func (c *Consumer[T]) process(ctx context.Context, seq int64, endOfBatch bool) error {
	err := c.handle(ctx, c.rb.SlotAt(seq), endOfBatch)
	if err == nil {
		return nil
	}

	if c.failurePolicy == FailurePolicyHalt {
		return newHandlerError(seq, err)
	}

	if c.onFailure != nil {
		c.onFailure(seq, err)
	}

	return nil
}

func (c *Consumer[T]) advance(seq int64) {
	c.sequence.Store(seq)
	c.rb.waitStrategy.Signal()
}

// Run processes the published sequences in batches until the consumer
// is halted, the context ends, or the handler fails under [FailurePolicyHalt].
// A halt returns nil.
func (c *Consumer[T]) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	next := c.sequence.Load() + 1
	for {
		available, err := c.barrier.WaitFor(ctx, next)
		if err != nil {
			if errors.Is(err, ErrAlerted) {
				return nil
			}
			return err
		}
		c.cachedAvailable = available

		for seq := next; seq <= available; seq++ {
			if err := c.process(ctx, seq, seq == available); err != nil {
				if seq > next {
					c.advance(seq - 1)
				}
				return err
			}
		}

		c.advance(available)
		next = available + 1
	}
}

// Halt stops the consumer loop. A halted consumer does not run again
// until its barrier alert is cleared.
// The consumer keeps gating the producers until it is detached.
func (c *Consumer[T]) Halt() {
	c.barrier.Alert()
}

// Detach removes the consumer from the gating sequences of the ring buffer,
// so the producers no longer wait for it.
func (c *Consumer[T]) Detach() bool {
	return c.rb.RemoveGatingSequence(c.sequence)
}
