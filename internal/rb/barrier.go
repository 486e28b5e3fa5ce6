package rb

import (
	"context"
	"math"
)

// Gate exposes a sequence position that a barrier can depend on.
// Both [Sequence] and the progress of a [WorkerGroup] implement it.
type Gate interface {
	Load() int64
}

// Barrier tracks the highest sequence a consumer is allowed to read.
// Without dependencies it follows the published cursor,
// otherwise it follows the slowest dependency.
type Barrier struct {
	cursor       *Sequence
	dependencies []Gate
	waitStrategy WaitStrategy

	alert     Alert
	ringAlert *Alert
}

func newBarrier(cursor *Sequence, waitStrategy WaitStrategy, ringAlert *Alert, dependencies ...Gate) *Barrier {
	return &Barrier{
		cursor:       cursor,
		dependencies: dependencies,
		waitStrategy: waitStrategy,
		ringAlert:    ringAlert,
	}
}

// Available returns the highest sequence that can be read.
func (b *Barrier) Available() int64 {
	if len(b.dependencies) == 0 {
		return b.cursor.Load()
	}

	minSeq := int64(math.MaxInt64)
	for _, dep := range b.dependencies {
		if val := dep.Load(); val < minSeq {
			minSeq = val
		}
	}

	return minSeq
}

// WaitFor blocks until the given sequence can be read
// and returns the highest readable sequence, which may be greater.
func (b *Barrier) WaitFor(ctx context.Context, seq int64) (int64, error) {
	if err := b.checkAlert(); err != nil {
		return 0, err
	}

	var available int64
	isAvailable := func() bool {
		available = b.Available()
		return available >= seq || b.ringAlert.IsRaised()
	}

	if err := b.waitStrategy.Await(ctx, isAvailable, &b.alert); err != nil {
		return 0, err
	}

	if err := b.checkAlert(); err != nil {
		return 0, err
	}

	return available, nil
}

func (b *Barrier) checkAlert() error {
	if b.alert.IsRaised() || b.ringAlert.IsRaised() {
		return ErrAlerted
	}
	return nil
}

// Alert interrupts the current and future waits of the barrier.
func (b *Barrier) Alert() {
	b.alert.Raise()
	b.waitStrategy.Signal()
}

// ClearAlert allows the barrier to wait again.
func (b *Barrier) ClearAlert() {
	b.alert.Clear()
}

// IsAlerted states whether the barrier or its ring buffer has been alerted.
func (b *Barrier) IsAlerted() bool {
	return b.checkAlert() != nil
}
