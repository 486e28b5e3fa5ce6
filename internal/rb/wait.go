package rb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"
)

// Default tuning values for the wait strategies.
const (
	DefaultSpinTries     = 100
	DefaultYieldTries    = 100
	DefaultSleepDuration = 100 * time.Microsecond
)

// ctxCheckMask sets how often a spinning waiter looks at its context.
const ctxCheckMask = 1<<6 - 1

// Condition reports whether the state a waiter is waiting for has been reached.
type Condition func() bool

// Alert is a flag used to interrupt the waiters of a ring buffer.
type Alert struct {
	raised atomic.Bool
}

// Raise sets the alert.
func (a *Alert) Raise() {
	a.raised.Store(true)
}

// Clear resets the alert.
func (a *Alert) Clear() {
	a.raised.Store(false)
}

// IsRaised states whether the alert is set.
func (a *Alert) IsRaised() bool {
	return a != nil && a.raised.Load()
}

// WaitStrategy is the policy used by producers and consumers
// to wait for a condition on the sequences.
// All the strategies give the same ordering guarantees,
// they only trade latency for CPU usage.
type WaitStrategy interface {
	// Await blocks until cond reports true.
	// It returns [ErrAlerted] if the alert is raised, [ErrTimedOut] if the
	// context deadline is exceeded, or the context error if it is canceled.
	Await(ctx context.Context, cond Condition, alert *Alert) error

	// Signal wakes up the waiters that are parked.
	// It is called every time a sequence moves.
	Signal()
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	return err
}

func checkInterrupt(ctx context.Context, alert *Alert) error {
	if alert.IsRaised() {
		return ErrAlerted
	}

	select {
	case <-ctx.Done():
		return contextError(ctx)
	default:
		return nil
	}
}

/////////////////
//  BUSY SPIN  //
/////////////////

// BusySpinStrategy spins on the condition without ever giving up the CPU.
// It has the lowest latency and the highest CPU usage.
type BusySpinStrategy struct{}

// NewBusySpinStrategy returns a busy-spin wait strategy.
func NewBusySpinStrategy() *BusySpinStrategy {
	return &BusySpinStrategy{}
}

// Await spins until the condition is met.
func (*BusySpinStrategy) Await(ctx context.Context, cond Condition, alert *Alert) error {
	for i := 0; ; i++ {
		if cond() {
			return nil
		}

		if alert.IsRaised() {
			return ErrAlerted
		}

		if i&ctxCheckMask == 0 {
			if err := checkInterrupt(ctx, alert); err != nil {
				return err
			}
		}
	}
}

// Signal is a no-op.
func (*BusySpinStrategy) Signal() {}

////////////////
//  YIELDING  //
////////////////

// YieldingStrategy spins for a number of tries and then
// yields the processor between each check.
type YieldingStrategy struct {
	spinTries int
}

// NewYieldingStrategy returns a yielding wait strategy.
func NewYieldingStrategy(spinTries int) *YieldingStrategy {
	return &YieldingStrategy{
		spinTries: max(0, spinTries),
	}
}

// Await spins and then yields until the condition is met.
func (ys *YieldingStrategy) Await(ctx context.Context, cond Condition, alert *Alert) error {
	for i := 0; ; i++ {
		if cond() {
			return nil
		}

		if i < ys.spinTries {
			if alert.IsRaised() {
				return ErrAlerted
			}
			continue
		}

		if err := checkInterrupt(ctx, alert); err != nil {
			return err
		}

		runtime.Gosched()
	}
}

// Signal is a no-op.
func (*YieldingStrategy) Signal() {}

////////////////
//  SLEEPING  //
////////////////

// SleepingStrategy spins, then yields, and finally sleeps between each check.
// The sleep is jittered so that many idle waiters do not wake up in lockstep.
type SleepingStrategy struct {
	spinTries  int
	yieldTries int
	sleep      time.Duration
}

// NewSleepingStrategy returns a sleeping wait strategy.
func NewSleepingStrategy(spinTries int, sleep time.Duration) *SleepingStrategy {
	if sleep <= 0 {
		sleep = DefaultSleepDuration
	}

	return &SleepingStrategy{
		spinTries:  max(0, spinTries),
		yieldTries: DefaultYieldTries,
		sleep:      sleep,
	}
}

func (ss *SleepingStrategy) sleepDuration() time.Duration {
	jitterRange := uint32(min(int64(ss.sleep/4)+1, 1<<31))
	return ss.sleep + time.Duration(fastrand.Uint32n(jitterRange))
}

// Await spins, yields and sleeps until the condition is met.
func (ss *SleepingStrategy) Await(ctx context.Context, cond Condition, alert *Alert) error {
	for i := 0; ; i++ {
		if cond() {
			return nil
		}

		if i < ss.spinTries {
			if alert.IsRaised() {
				return ErrAlerted
			}
			continue
		}

		if err := checkInterrupt(ctx, alert); err != nil {
			return err
		}

		if i < ss.spinTries+ss.yieldTries {
			runtime.Gosched()
			continue
		}

		time.Sleep(ss.sleepDuration())
	}
}

// Signal is a no-op.
func (*SleepingStrategy) Signal() {}

////////////////
//  BLOCKING  //
////////////////

// BlockingStrategy parks the waiters until they are signaled.
// It has the lowest CPU usage and the highest latency.
type BlockingStrategy struct {
	mux      sync.Mutex
	signalCh chan struct{}

	// waiters is used to skip the lock when nobody is parked
	waiters atomic.Int32
}

// NewBlockingStrategy returns a blocking wait strategy.
func NewBlockingStrategy() *BlockingStrategy {
	return &BlockingStrategy{
		signalCh: make(chan struct{}),
	}
}

// Await parks the caller until the condition is met.
func (bs *BlockingStrategy) Await(ctx context.Context, cond Condition, alert *Alert) error {
	if cond() {
		return nil
	}

	bs.waiters.Add(1)
	defer bs.waiters.Add(-1)

	for {
		// Take the channel before checking the condition,
		// so a signal sent in between is not lost
		bs.mux.Lock()
		signalCh := bs.signalCh
		bs.mux.Unlock()

		if cond() {
			return nil
		}

		if err := checkInterrupt(ctx, alert); err != nil {
			return err
		}

		select {
		case <-signalCh:
		case <-ctx.Done():
			return contextError(ctx)
		}
	}
}

// Signal wakes up all the parked waiters.
func (bs *BlockingStrategy) Signal() {
	if bs.waiters.Load() == 0 {
		return
	}

	bs.mux.Lock()
	close(bs.signalCh)
	bs.signalCh = make(chan struct{})
	bs.mux.Unlock()
}

////////////
//  KIND  //
////////////

// WaitStrategyKind selects one of the provided wait strategies.
type WaitStrategyKind uint8

const (
	// WaitStrategyKindBlocking selects the [BlockingStrategy].
	WaitStrategyKindBlocking WaitStrategyKind = iota
	// WaitStrategyKindSleeping selects the [SleepingStrategy].
	WaitStrategyKindSleeping
	// WaitStrategyKindYielding selects the [YieldingStrategy].
	WaitStrategyKindYielding
	// WaitStrategyKindBusySpin selects the [BusySpinStrategy].
	WaitStrategyKindBusySpin
)

func (wk WaitStrategyKind) String() string {
	switch wk {
	case WaitStrategyKindBlocking:
		return "blocking"
	case WaitStrategyKindSleeping:
		return "sleeping"
	case WaitStrategyKindYielding:
		return "yielding"
	case WaitStrategyKindBusySpin:
		return "busy-spin"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (wk WaitStrategyKind) MarshalText() ([]byte, error) {
	return []byte(wk.String()), nil
}

// UnmarshalText decodes the kind from its name.
func (wk *WaitStrategyKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "blocking":
		*wk = WaitStrategyKindBlocking
	case "sleeping":
		*wk = WaitStrategyKindSleeping
	case "yielding":
		*wk = WaitStrategyKindYielding
	case "busy-spin", "busyspin", "busy_spin":
		*wk = WaitStrategyKindBusySpin
	default:
		return newConfigError("wait strategy", "unknown kind", string(text))
	}

	return nil
}

// NewWaitStrategy returns the wait strategy of the given kind.
func NewWaitStrategy(kind WaitStrategyKind, spinTries int, sleep time.Duration) WaitStrategy {
	switch kind {
	case WaitStrategyKindSleeping:
		return NewSleepingStrategy(spinTries, sleep)
	case WaitStrategyKindYielding:
		return NewYieldingStrategy(spinTries)
	case WaitStrategyKindBusySpin:
		return NewBusySpinStrategy()
	default:
		return NewBlockingStrategy()
	}
}
