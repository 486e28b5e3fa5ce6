package rb

import (
	"context"
	"math/bits"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// ProducerKind selects how many goroutines can claim sequences concurrently.
type ProducerKind uint8

const (
	// ProducerKindSingle allows a single claiming goroutine.
	// It does not need any atomic read-modify-write on the claim path.
	ProducerKindSingle ProducerKind = iota
	// ProducerKindMulti allows any number of claiming goroutines.
	ProducerKindMulti
)

func (pk ProducerKind) String() string {
	switch pk {
	case ProducerKindSingle:
		return "single"
	case ProducerKindMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (pk ProducerKind) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText decodes the kind from its name.
func (pk *ProducerKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "single":
		*pk = ProducerKindSingle
	case "multi":
		*pk = ProducerKindMulti
	default:
		return newConfigError("producer kind", "unknown kind", string(text))
	}

	return nil
}

// sequencer coordinates the claim and the publication of sequences.
type sequencer interface {
	// next claims n sequences and returns the highest one.
	next(ctx context.Context, n int64) (int64, error)
	// tryNext claims n sequences without waiting.
	tryNext(n int64) (int64, error)
	// publish makes the sequences from lo to hi visible to the consumers.
	publish(lo, hi int64)
	// claimed returns the highest claimed sequence.
	claimed() int64
	// cursor returns the sequence holding the highest published value.
	cursor() *Sequence
}

type sequencerBase struct {
	capacity     int64
	gating       *sequenceGroup
	waitStrategy WaitStrategy
	alert        *Alert

	// published is the highest sequence visible to the consumers
	published *Sequence
}

func (sb *sequencerBase) cursor() *Sequence {
	return sb.published
}

// awaitCapacity blocks until wrapPoint is no longer ahead of the slowest
// gating sequence and returns that sequence.
func (sb *sequencerBase) awaitCapacity(ctx context.Context, wrapPoint, current int64) (int64, error) {
	var minGating int64

	hasCapacity := func() bool {
		minGating = sb.gating.minimum(current)
		return wrapPoint <= minGating || sb.alert.IsRaised()
	}

	if err := sb.waitStrategy.Await(ctx, hasCapacity, sb.alert); err != nil {
		return 0, err
	}

	if sb.alert.IsRaised() {
		return 0, ErrAlerted
	}

	return minGating, nil
}

//////////////
//  SINGLE  //
//////////////

type singleSequencer struct {
	sequencerBase

	_ cpu.CacheLinePad

	// nextValue and cachedGating are only touched by the producer goroutine
	nextValue    int64
	cachedGating int64

	// claimedValue mirrors nextValue for the readers of other goroutines
	claimedValue atomic.Int64

	_ cpu.CacheLinePad
}

func newSingleSequencer(base sequencerBase) *singleSequencer {
	ss := &singleSequencer{
		sequencerBase: base,
		nextValue:     InitialSequence,
		cachedGating:  InitialSequence,
	}

	ss.claimedValue.Store(InitialSequence)

	return ss
}

func (ss *singleSequencer) next(ctx context.Context, n int64) (int64, error) {
	if ss.alert.IsRaised() {
		return 0, ErrAlerted
	}

	next := ss.nextValue + n
	wrapPoint := next - ss.capacity

	if wrapPoint > ss.cachedGating || ss.cachedGating > ss.nextValue {
		minGating, err := ss.awaitCapacity(ctx, wrapPoint, ss.nextValue)
		if err != nil {
			return 0, err
		}
		ss.cachedGating = minGating
	}

	ss.nextValue = next
	ss.claimedValue.Store(next)

	return next, nil
}

func (ss *singleSequencer) tryNext(n int64) (int64, error) {
	if ss.alert.IsRaised() {
		return 0, ErrAlerted
	}

	next := ss.nextValue + n
	wrapPoint := next - ss.capacity

	if wrapPoint > ss.cachedGating || ss.cachedGating > ss.nextValue {
		minGating := ss.gating.minimum(ss.nextValue)
		ss.cachedGating = minGating

		if wrapPoint > minGating {
			return 0, ErrInsufficientCapacity
		}
	}

	ss.nextValue = next
	ss.claimedValue.Store(next)

	return next, nil
}

func (ss *singleSequencer) publish(_, hi int64) {
	ss.published.Store(hi)
	ss.waitStrategy.Signal()
}

func (ss *singleSequencer) claimed() int64 {
	return ss.claimedValue.Load()
}

/////////////
//  MULTI  //
/////////////

type multiSequencer struct {
	sequencerBase

	_ cpu.CacheLinePad

	claim *Sequence

	_ cpu.CacheLinePad

	cachedGating *Sequence

	// available holds, for each slot, the round of the last
	// sequence published into it
	available []atomic.Int64
	mask      int64
	shift     int
}

func newMultiSequencer(base sequencerBase) *multiSequencer {
	ms := &multiSequencer{
		sequencerBase: base,

		claim:        NewSequence(InitialSequence),
		cachedGating: NewSequence(InitialSequence),

		available: make([]atomic.Int64, base.capacity),
		mask:      base.capacity - 1,
		shift:     bits.TrailingZeros64(uint64(base.capacity)),
	}

	for idx := range ms.available {
		ms.available[idx].Store(-1)
	}

	return ms
}

func (ms *multiSequencer) next(ctx context.Context, n int64) (int64, error) {
	for {
		if ms.alert.IsRaised() {
			return 0, ErrAlerted
		}

		current := ms.claim.Load()
		next := current + n
		wrapPoint := next - ms.capacity

		cachedGating := ms.cachedGating.Load()
		if wrapPoint > cachedGating || cachedGating > current {
			minGating := ms.gating.minimum(current)
			if wrapPoint > minGating {
				if _, err := ms.awaitCapacity(ctx, wrapPoint, current); err != nil {
					return 0, err
				}
				continue
			}

			ms.cachedGating.Store(minGating)
			continue
		}

		if ms.claim.CompareAndSwap(current, next) {
			return next, nil
		}
	}
}

func (ms *multiSequencer) tryNext(n int64) (int64, error) {
	for {
		if ms.alert.IsRaised() {
			return 0, ErrAlerted
		}

		current := ms.claim.Load()
		next := current + n

		if next-ms.capacity > ms.gating.minimum(current) {
			return 0, ErrInsufficientCapacity
		}

		if ms.claim.CompareAndSwap(current, next) {
			return next, nil
		}
	}
}

func (ms *multiSequencer) isAvailable(seq int64) bool {
	return ms.available[seq&ms.mask].Load() == seq>>ms.shift
}

func (ms *multiSequencer) publish(lo, hi int64) {
	for seq := lo; seq <= hi; seq++ {
		ms.available[seq&ms.mask].Store(seq >> ms.shift)
	}

	// Advance the published cursor over the contiguous run of available slots.
	// A producer that finds a gap leaves the work to the one filling it.
	for {
		current := ms.published.Load()

		highest := current
		for highest < ms.claim.Load() && ms.isAvailable(highest+1) {
			highest++
		}

		if highest == current {
			break
		}

		ms.published.CompareAndSwap(current, highest)
	}

	ms.waitStrategy.Signal()
}

func (ms *multiSequencer) claimed() int64 {
	return ms.claim.Load()
}
