package rb

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is matched by every [ConfigError].
	ErrConfig = errors.New("ring buffer: invalid configuration")

	// ErrTimedOut is returned when a bounded wait exceeds its deadline.
	ErrTimedOut = errors.New("ring buffer: timed out")

	// ErrAlerted is returned when a wait is interrupted because
	// the ring buffer or the consumer has been halted.
	ErrAlerted = errors.New("ring buffer: alerted")

	// ErrInsufficientCapacity is returned by non-blocking claims
	// when the ring buffer is full.
	ErrInsufficientCapacity = errors.New("ring buffer: insufficient capacity")

	// ErrHandlerFailure is matched by every [HandlerError].
	ErrHandlerFailure = errors.New("ring buffer: handler failure")

	// ErrNotClaimed is returned when publishing a sequence
	// the producer has not claimed.
	ErrNotClaimed = errors.New("ring buffer: sequence not claimed")

	// ErrOutOfOrder is returned when a consumer is asked to consume
	// a sequence that is not the next one.
	ErrOutOfOrder = errors.New("ring buffer: sequence out of order")

	// ErrClaimPending is returned when a producer claims again
	// before publishing its previous claim.
	ErrClaimPending = errors.New("ring buffer: previous claim not published")

	// ErrAlreadyRunning is returned when a consumer is started twice.
	ErrAlreadyRunning = errors.New("ring buffer: consumer already running")

	// ErrProducerLimit is returned when a second producer is requested
	// from a single producer ring buffer.
	ErrProducerLimit = errors.New("ring buffer: single producer already registered")
)

// ConfigError describes an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
	Value  any
}

func newConfigError(field, reason string, value any) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: reason,
		Value:  value,
	}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ring buffer: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Is makes every config error match [ErrConfig].
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// HandlerError wraps an error returned by a consumer handler
// together with the sequence that caused it.
type HandlerError struct {
	Sequence int64
	Err      error
}

func newHandlerError(sequence int64, err error) *HandlerError {
	return &HandlerError{
		Sequence: sequence,
		Err:      err,
	}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("ring buffer: handler failed at sequence %d: %v", e.Sequence, e.Err)
}

// Unwrap returns the handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is makes every handler error match [ErrHandlerFailure].
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}
