package rb

import (
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// InitialSequence is the value of a sequence that has not seen any slot yet.
const InitialSequence int64 = -1

// Sequence is a monotonically increasing counter shared between
// producers and consumers. It is padded on both sides to avoid false sharing.
type Sequence struct {
	_ cpu.CacheLinePad

	value atomic.Int64

	_ cpu.CacheLinePad
}

// NewSequence returns a new sequence set to the given initial value.
func NewSequence(initial int64) *Sequence {
	seq := &Sequence{}
	seq.value.Store(initial)
	return seq
}

// Load returns the current value of the sequence.
func (s *Sequence) Load() int64 {
	return s.value.Load()
}

// Store sets the value of the sequence.
func (s *Sequence) Store(value int64) {
	s.value.Store(value)
}

// CompareAndSwap sets the sequence to next only if it is equal to current.
func (s *Sequence) CompareAndSwap(current, next int64) bool {
	return s.value.CompareAndSwap(current, next)
}

// Add adds delta to the sequence and returns the new value.
func (s *Sequence) Add(delta int64) int64 {
	return s.value.Add(delta)
}

// minimumSequence returns the lowest value among the given sequences,
// or fallback if there are none.
func minimumSequence(sequences []*Sequence, fallback int64) int64 {
	if len(sequences) == 0 {
		return fallback
	}

	minSeq := int64(math.MaxInt64)
	for _, seq := range sequences {
		if val := seq.Load(); val < minSeq {
			minSeq = val
		}
	}

	return min(minSeq, fallback)
}

// sequenceGroup is a copy-on-write set of sequences.
// Readers never lock; writers replace the whole slice.
type sequenceGroup struct {
	sequences atomic.Pointer[[]*Sequence]
}

func newSequenceGroup() *sequenceGroup {
	sg := &sequenceGroup{}
	sg.sequences.Store(&[]*Sequence{})
	return sg
}

func (sg *sequenceGroup) load() []*Sequence {
	return *sg.sequences.Load()
}

func (sg *sequenceGroup) add(sequences ...*Sequence) {
	for {
		curr := sg.sequences.Load()

		next := make([]*Sequence, 0, len(*curr)+len(sequences))
		next = append(next, *curr...)
		next = append(next, sequences...)

		if sg.sequences.CompareAndSwap(curr, &next) {
			return
		}
	}
}

func (sg *sequenceGroup) remove(sequence *Sequence) bool {
	for {
		curr := sg.sequences.Load()

		next := make([]*Sequence, 0, len(*curr))
		found := false
		for _, seq := range *curr {
			if seq == sequence {
				found = true
				continue
			}
			next = append(next, seq)
		}

		if !found {
			return false
		}

		if sg.sequences.CompareAndSwap(curr, &next) {
			return true
		}
	}
}

func (sg *sequenceGroup) minimum(fallback int64) int64 {
	return minimumSequence(sg.load(), fallback)
}
