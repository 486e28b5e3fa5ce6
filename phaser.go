// Package phaser provides the main entrypoint of the phaser library:
// a lock-free ring buffer for passing messages between goroutines,
// the [Disruptor] orchestrating its consumers and the [Pipeline]
// running the stages around it.
package phaser

import (
	"log/slog"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/rb"
	"github.com/FerroO2000/phaser/internal/stage"
)

// Message is the reusable slot of the ring buffer.
type Message[T any] = message.Message[T]

// Factory creates the payload of a slot.
// It is called exactly once per slot when the ring buffer is built.
type Factory[T any] = message.Factory[T]

// Translator writes a value into a claimed slot.
type Translator[T any] = rb.Translator[T]

// Publisher is the producer side of a ring buffer.
type Publisher[T any] = connector.Publisher[T]

// Handler is the business logic run by a consumer for every message.
type Handler[T any] = stage.Handler[T]

// HandlerBase gives no-op defaults to the optional methods of a [Handler].
type HandlerBase = stage.HandlerBase

// Telemetry groups the logger, the tracer and the meter of a component.
type Telemetry = internal.Telemetry

// DisruptorConfig is the configuration of the [Disruptor].
type DisruptorConfig = config.Disruptor

// NewDisruptorConfig returns the default configuration of the [Disruptor].
func NewDisruptorConfig() *DisruptorConfig {
	return config.NewDisruptor()
}

// LoadDisruptorConfig reads the configuration of the [Disruptor] from a YAML file.
func LoadDisruptorConfig(path string) (*DisruptorConfig, error) {
	return config.LoadDisruptor(path)
}

// PoolConfig is the configuration of a group of competing workers.
type PoolConfig = config.Pool

// NewPoolConfig returns the default configuration of a worker pool.
func NewPoolConfig() *PoolConfig {
	return config.NewPool()
}

// StageRunningMode represents the running mode of a stage.
type StageRunningMode = config.StageRunningMode

const (
	// StageRunningModeSingle runs a handler on a single in-order consumer.
	StageRunningModeSingle = config.StageRunningModeSingle
	// StageRunningModePool runs a handler on a group of competing workers.
	StageRunningModePool = config.StageRunningModePool
)

// StageConfig represents the configuration for a stage.
type StageConfig = config.Stage

// ProducerKind selects how many goroutines can publish concurrently.
type ProducerKind = rb.ProducerKind

const (
	// ProducerKindSingle allows a single publishing goroutine.
	ProducerKindSingle = rb.ProducerKindSingle
	// ProducerKindMulti allows any number of publishing goroutines.
	ProducerKindMulti = rb.ProducerKindMulti
)

// WaitStrategyKind selects how producers and consumers wait.
type WaitStrategyKind = rb.WaitStrategyKind

const (
	// WaitStrategyBlocking parks the waiting goroutines until a publication.
	WaitStrategyBlocking = rb.WaitStrategyKindBlocking
	// WaitStrategySleeping spins, yields, then sleeps with jitter.
	WaitStrategySleeping = rb.WaitStrategyKindSleeping
	// WaitStrategyYielding spins, then yields the processor.
	WaitStrategyYielding = rb.WaitStrategyKindYielding
	// WaitStrategyBusySpin never releases the processor.
	WaitStrategyBusySpin = rb.WaitStrategyKindBusySpin
)

// FailurePolicy decides what a consumer does when its handler fails.
type FailurePolicy = rb.FailurePolicy

const (
	// FailurePolicyHalt stops the consumer on the failed message.
	FailurePolicyHalt = rb.FailurePolicyHalt
	// FailurePolicySkip logs the failure and moves to the next message.
	FailurePolicySkip = rb.FailurePolicySkip
)

// Errors returned by the ring buffer.
var (
	// ErrConfig is matched by every [ConfigError].
	ErrConfig = rb.ErrConfig
	// ErrTimedOut is returned when the context deadline expires while waiting.
	ErrTimedOut = rb.ErrTimedOut
	// ErrAlerted is returned when the ring buffer is closed while waiting.
	ErrAlerted = rb.ErrAlerted
	// ErrInsufficientCapacity is returned by the non-blocking claims on a full ring buffer.
	ErrInsufficientCapacity = rb.ErrInsufficientCapacity
	// ErrHandlerFailure is matched by every [HandlerError].
	ErrHandlerFailure = rb.ErrHandlerFailure
	// ErrProducerLimit is returned when the single producer is already taken.
	ErrProducerLimit = rb.ErrProducerLimit
)

// ConfigError describes an invalid construction parameter.
type ConfigError = rb.ConfigError

// HandlerError wraps the error of a handler with the failed sequence.
type HandlerError = rb.HandlerError

// SetLogLevel sets the minimum level of the library logs.
func SetLogLevel(level slog.Level) {
	internal.SetLogLevel(level)
}

// Errors returned by producers and consumers.
var (
	ErrNotClaimed     = rb.ErrNotClaimed
	ErrOutOfOrder     = rb.ErrOutOfOrder
	ErrClaimPending   = rb.ErrClaimPending
	ErrAlreadyRunning = rb.ErrAlreadyRunning
)

// RingBuffer is the pre-allocated ring of message slots.
// It can be used directly when the [Disruptor] orchestration is not needed.
type RingBuffer[T any] = rb.RingBuffer[T]

// RingBufferOption configures a [RingBuffer].
type RingBufferOption = rb.Option

// NewRingBuffer returns a new ring buffer with the given capacity,
// that must be a power of two.
func NewRingBuffer[T any](capacity int, factory Factory[T], opts ...RingBufferOption) (*RingBuffer[T], error) {
	return rb.NewRingBuffer(capacity, factory, opts...)
}

// WithProducerKind sets the producer kind of a [RingBuffer].
func WithProducerKind(kind ProducerKind) RingBufferOption {
	return rb.WithProducerKind(kind)
}

// WithWaitStrategy sets the wait strategy of a [RingBuffer].
func WithWaitStrategy(waitStrategy WaitStrategy) RingBufferOption {
	return rb.WithWaitStrategy(waitStrategy)
}

// NewWaitStrategy returns the wait strategy of the given kind.
func NewWaitStrategy(kind WaitStrategyKind, spinTries int, sleep time.Duration) WaitStrategy {
	return rb.NewWaitStrategy(kind, spinTries, sleep)
}

type (
	// Sequence is a padded atomic counter of the ring buffer.
	Sequence = rb.Sequence
	// Gate is anything exposing a sequence a consumer can depend on.
	Gate = rb.Gate
	// Barrier tracks the sequences a consumer is allowed to read.
	Barrier = rb.Barrier
	// WaitStrategy decides how producers and consumers wait.
	WaitStrategy = rb.WaitStrategy
	// ConsumerOption configures a [Consumer] or a [WorkerGroup].
	ConsumerOption = rb.ConsumerOption
)

// Producer claims and publishes slots of a [RingBuffer].
type Producer[T any] = rb.Producer[T]

// Consumer processes every message of a [RingBuffer] in order.
type Consumer[T any] = rb.Consumer[T]

// WorkerGroup is a set of workers sharing the messages of a [RingBuffer].
type WorkerGroup[T any] = rb.WorkerGroup[T]

// WithDependencies makes a consumer wait for the given gates.
func WithDependencies(gates ...Gate) ConsumerOption {
	return rb.WithDependencies(gates...)
}

// WithFailurePolicy sets the failure policy of a consumer.
func WithFailurePolicy(policy FailurePolicy) ConsumerOption {
	return rb.WithFailurePolicy(policy)
}

// WithFailureHook sets the function called for every skipped failure.
func WithFailureHook(hook rb.FailureHook) ConsumerOption {
	return rb.WithFailureHook(hook)
}
