package rb

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// WorkerGroup is a set of competing consumers.
// Each published sequence is processed by exactly one worker,
// the workers claim sequences from a shared work sequence.
// Ordering across workers is not guaranteed.
type WorkerGroup[T any] struct {
	rb           *RingBuffer[T]
	dependencies []Gate

	// workSequence is the highest sequence claimed by a worker
	workSequence *Sequence

	handle        HandleFunc[T]
	failurePolicy FailurePolicy
	onFailure     FailureHook

	// sequences holds the sequences of the running workers
	sequences *sequenceGroup

	mux     sync.Mutex
	workers []*worker[T]
	wg      sync.WaitGroup
	ctx     context.Context

	errMux sync.Mutex
	err    error

	halted atomic.Bool
}

type worker[T any] struct {
	barrier  *Barrier
	sequence *Sequence

	// removed asks the worker to leave after its current sequence
	removed atomic.Bool
}

// NewWorkerGroup registers a new group of competing consumers.
// Like [RingBuffer.NewConsumer], the group starts from the cursor.
// The workers are started by [WorkerGroup.Run] and [WorkerGroup.AddWorker].
func (rb *RingBuffer[T]) NewWorkerGroup(handle HandleFunc[T], opts ...ConsumerOption) *WorkerGroup[T] {
	o := newConsumerOptions(opts)

	wg := &WorkerGroup[T]{
		rb:           rb,
		dependencies: o.dependencies,

		workSequence: NewSequence(InitialSequence),
		sequences:    newSequenceGroup(),

		handle:        handle,
		failurePolicy: o.failurePolicy,
		onFailure:     o.onFailure,
	}

	rb.addConsumerSequences(wg.workSequence)

	return wg
}

// Load returns the highest sequence processed by every worker.
// It can be used as a dependency of downstream consumers.
func (wg *WorkerGroup[T]) Load() int64 {
	return wg.sequences.minimum(wg.workSequence.Load())
}

// Backlog returns the number of published sequences
// not yet processed by the group.
func (wg *WorkerGroup[T]) Backlog() int64 {
	return max(0, wg.rb.Cursor()-wg.Load())
}

// Workers returns the number of running workers.
func (wg *WorkerGroup[T]) Workers() int {
	wg.mux.Lock()
	defer wg.mux.Unlock()

	count := 0
	for _, w := range wg.workers {
		if !w.removed.Load() {
			count++
		}
	}

	return count
}

// Run starts the given number of workers and blocks until all of them stop.
// The workers stop when the group is halted, the context ends,
// or a handler fails under [FailurePolicyHalt].
// It returns the first handler error, if any.
func (wg *WorkerGroup[T]) Run(ctx context.Context, workers int) error {
	wg.mux.Lock()
	if wg.ctx != nil {
		wg.mux.Unlock()
		return ErrAlreadyRunning
	}
	wg.ctx = ctx
	wg.mux.Unlock()

	for range max(1, workers) {
		wg.AddWorker()
	}

	wg.wg.Wait()

	wg.mux.Lock()
	wg.halted.Store(true)
	wg.mux.Unlock()

	// Wait for a worker added while the last one was leaving
	wg.wg.Wait()

	return wg.Err()
}

// AddWorker starts a new worker.
// It returns false if the group is halted or not running.
func (wg *WorkerGroup[T]) AddWorker() bool {
	wg.mux.Lock()
	defer wg.mux.Unlock()

	if wg.halted.Load() || wg.ctx == nil {
		return false
	}

	w := &worker[T]{
		barrier:  wg.rb.NewBarrier(wg.dependencies...),
		sequence: NewSequence(InitialSequence),
	}

	// The new worker starts where the group is claiming
	workSeq := wg.workSequence.Load()
	w.sequence.Store(workSeq)
	wg.sequences.add(w.sequence)
	wg.rb.AddGatingSequences(w.sequence)

	workers := make([]*worker[T], 0, len(wg.workers)+1)
	workers = append(workers, wg.workers...)
	wg.workers = append(workers, w)

	ctx := wg.ctx
	wg.wg.Add(1)
	go func() {
		defer wg.wg.Done()
		wg.runWorker(ctx, w)
	}()

	return true
}

// RemoveWorker stops the last started worker.
// The worker processes the sequence it has already claimed before stopping,
// so it may leave only after the next publication.
// It returns false if there is at most one worker left.
func (wg *WorkerGroup[T]) RemoveWorker() bool {
	wg.mux.Lock()
	defer wg.mux.Unlock()

	var candidate *worker[T]
	active := 0
	for _, w := range wg.workers {
		if !w.removed.Load() {
			active++
			candidate = w
		}
	}

	if active <= 1 {
		return false
	}

	candidate.removed.Store(true)
	return true
}

func (wg *WorkerGroup[T]) detach(w *worker[T]) {
	wg.mux.Lock()
	defer wg.mux.Unlock()

	workers := make([]*worker[T], 0, len(wg.workers))
	for _, curr := range wg.workers {
		if curr != w {
			workers = append(workers, curr)
		}
	}
	wg.workers = workers

	wg.sequences.remove(w.sequence)
	wg.rb.RemoveGatingSequence(w.sequence)
}

func (wg *WorkerGroup[T]) setErr(err error) {
	wg.errMux.Lock()
	defer wg.errMux.Unlock()

	if wg.err == nil {
		wg.err = err
	}
}

// Err returns the first handler error of the group.
func (wg *WorkerGroup[T]) Err() error {
	wg.errMux.Lock()
	defer wg.errMux.Unlock()

	return wg.err
}

func (wg *WorkerGroup[T]) runWorker(ctx context.Context, w *worker[T]) {
	processed := true
	cachedAvailable := int64(math.MinInt64)
	next := w.sequence.Load()

	for {
		if processed {
			// A worker leaves only between two claims,
			// otherwise its claimed sequence would be lost
			if w.removed.Load() {
				wg.detach(w)
				return
			}

			processed = false
			for {
				next = wg.workSequence.Load() + 1
				w.sequence.Store(next - 1)
				if wg.workSequence.CompareAndSwap(next-1, next) {
					break
				}
			}
		}

		if cachedAvailable >= next {
			if err := wg.process(ctx, next, next == cachedAvailable); err != nil {
				wg.setErr(err)
				wg.Halt()
				return
			}

			processed = true
			w.sequence.Store(next)
			wg.rb.waitStrategy.Signal()
			continue
		}

		available, err := w.barrier.WaitFor(ctx, next)
		if err != nil {
			return
		}
		cachedAvailable = available
	}
}

func (wg *WorkerGroup[T]) process(ctx context.Context, seq int64, endOfBatch bool) error {
	err := wg.handle(ctx, wg.rb.SlotAt(seq), endOfBatch)
	if err == nil {
		return nil
	}

	if wg.failurePolicy == FailurePolicyHalt {
		return newHandlerError(seq, err)
	}

	if wg.onFailure != nil {
		wg.onFailure(seq, err)
	}

	return nil
}

// Halt stops every worker of the group.
func (wg *WorkerGroup[T]) Halt() {
	wg.halted.Store(true)

	wg.mux.Lock()
	defer wg.mux.Unlock()

	for _, w := range wg.workers {
		w.barrier.Alert()
	}
}

// Detach removes the group from the gating sequences of the ring buffer.
func (wg *WorkerGroup[T]) Detach() {
	wg.mux.Lock()
	defer wg.mux.Unlock()

	for _, w := range wg.workers {
		wg.rb.RemoveGatingSequence(w.sequence)
	}
	wg.rb.RemoveGatingSequence(wg.workSequence)
}
