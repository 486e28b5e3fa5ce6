package rb

import (
	"context"

	"github.com/FerroO2000/phaser/internal/message"
)

// ProducerState is the state of a [Producer].
type ProducerState uint8

const (
	// ProducerStateIdle means that nothing has been claimed yet.
	ProducerStateIdle ProducerState = iota
	// ProducerStateClaimed means that some sequences are claimed but not published.
	ProducerStateClaimed
	// ProducerStatePublished means that every claimed sequence has been published.
	ProducerStatePublished
)

func (ps ProducerState) String() string {
	switch ps {
	case ProducerStateIdle:
		return "idle"
	case ProducerStateClaimed:
		return "claimed"
	case ProducerStatePublished:
		return "published"
	default:
		return "unknown"
	}
}

// Producer is a handle used by one goroutine to claim and publish slots.
// It is not safe for concurrent use: every producing goroutine
// of a [ProducerKindMulti] ring buffer gets its own handle.
type Producer[T any] struct {
	rb *RingBuffer[T]

	state ProducerState

	// lo and hi are the bounds of the claimed but unpublished sequences
	lo, hi int64
}

// NewProducer returns a new producer handle.
// A [ProducerKindSingle] ring buffer hands out a single producer,
// the next calls return [ErrProducerLimit].
func (rb *RingBuffer[T]) NewProducer() (*Producer[T], error) {
	if rb.producerKind == ProducerKindSingle && !rb.producers.CompareAndSwap(0, 1) {
		return nil, ErrProducerLimit
	}

	if rb.producerKind == ProducerKindMulti {
		rb.producers.Add(1)
	}

	return &Producer[T]{
		rb:    rb,
		state: ProducerStateIdle,
		lo:    InitialSequence,
		hi:    InitialSequence,
	}, nil
}

// State returns the state of the producer.
func (p *Producer[T]) State() ProducerState {
	return p.state
}

// Claim reserves the next sequence, waiting while the ring buffer is full.
// The wait ends with [ErrTimedOut] when the context deadline expires
// and with [ErrAlerted] when the ring buffer is closed.
func (p *Producer[T]) Claim(ctx context.Context) (int64, error) {
	lo, _, err := p.ClaimN(ctx, 1)
	return lo, err
}

// ClaimN reserves the next n sequences and returns the first and the last one.
func (p *Producer[T]) ClaimN(ctx context.Context, n int) (int64, int64, error) {
	if p.state == ProducerStateClaimed {
		return 0, 0, ErrClaimPending
	}

	lo, hi, err := p.rb.claim(ctx, int64(n))
	if err != nil {
		return 0, 0, err
	}

	p.setClaimed(lo, hi)
	return lo, hi, nil
}

// TryClaim reserves the next sequence without waiting.
// It returns [ErrInsufficientCapacity] if the ring buffer is full.
func (p *Producer[T]) TryClaim() (int64, error) {
	if p.state == ProducerStateClaimed {
		return 0, ErrClaimPending
	}

	lo, hi, err := p.rb.tryClaim(1)
	if err != nil {
		return 0, err
	}

	p.setClaimed(lo, hi)
	return lo, nil
}

func (p *Producer[T]) setClaimed(lo, hi int64) {
	p.lo = lo
	p.hi = hi
	p.state = ProducerStateClaimed
}

// Slot returns the slot of a claimed sequence.
func (p *Producer[T]) Slot(seq int64) (*message.Message[T], error) {
	if !p.owns(seq) {
		return nil, ErrNotClaimed
	}
	return p.rb.SlotAt(seq), nil
}

func (p *Producer[T]) owns(seq int64) bool {
	return p.state == ProducerStateClaimed && seq >= p.lo && seq <= p.hi
}

// Publish makes every claimed sequence up to seq visible to the consumers.
// Publishing a sequence that is not claimed by this producer
// returns [ErrNotClaimed].
func (p *Producer[T]) Publish(seq int64) error {
	if !p.owns(seq) {
		return ErrNotClaimed
	}

	p.rb.publish(p.lo, seq)

	if seq == p.hi {
		p.state = ProducerStatePublished
		return nil
	}

	p.lo = seq + 1
	return nil
}

// Write claims the next slot, fills it with translate and publishes it.
// If translate fails the slot is published as dropped.
func (p *Producer[T]) Write(ctx context.Context, translate Translator[T]) (int64, error) {
	seq, err := p.Claim(ctx)
	if err != nil {
		return 0, err
	}

	p.state = ProducerStatePublished
	return seq, p.rb.translateAndPublish(seq, translate)
}
