// Package message contains the reusable message slot stored in the ring buffer.
package message

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Factory is a zero-argument constructor for a payload container.
// The ring buffer calls it exactly once per slot at construction time,
// so steady-state publishing never allocates a new payload.
type Factory[T any] func() T

// Message is a reusable slot of the ring buffer.
// It holds the payload and the metadata of the sequence it currently
// represents. It has no synchronization of its own: ownership is granted
// by the sequence ordering of the ring buffer.
type Message[T any] struct {
	payload T

	sequenceNumber int64
	receiveTime    time.Time
	timestamp      time.Time
	isDropped      bool
	span           trace.SpanContext
}

// New returns a new message wrapping the given payload.
func New[T any](payload T) *Message[T] {
	return &Message[T]{
		payload:        payload,
		sequenceNumber: -1,
	}
}

// Reset clears the metadata of the message and stamps it with the given sequence.
// The payload is kept, so it can be overwritten in place.
func (m *Message[T]) Reset(sequenceNumber int64) {
	m.sequenceNumber = sequenceNumber
	m.receiveTime = time.Time{}
	m.timestamp = time.Time{}
	m.isDropped = false
	m.span = trace.SpanContext{}
}

// GetPayload returns the payload of the message.
func (m *Message[T]) GetPayload() T {
	return m.payload
}

// SetPayload replaces the payload of the message.
func (m *Message[T]) SetPayload(payload T) {
	m.payload = payload
}

// GetSequenceNumber returns the ring buffer sequence the message was claimed for.
func (m *Message[T]) GetSequenceNumber() int64 {
	return m.sequenceNumber
}

// SetReceiveTime sets the time the message was received.
func (m *Message[T]) SetReceiveTime(receiveTime time.Time) {
	m.receiveTime = receiveTime
}

// GetReceiveTime returns the time the message was received.
func (m *Message[T]) GetReceiveTime() time.Time {
	return m.receiveTime
}

// SetTimestamp sets the timestamp of the message.
func (m *Message[T]) SetTimestamp(timestamp time.Time) {
	m.timestamp = timestamp
}

// GetTimestamp returns the timestamp of the message.
// It may be different from the receive time.
func (m *Message[T]) GetTimestamp() time.Time {
	return m.timestamp
}

// Drop marks the message as dropped.
// Handlers placed after the one that dropped it will skip it.
func (m *Message[T]) Drop() {
	m.isDropped = true
}

// IsDropped states whether the message was dropped.
func (m *Message[T]) IsDropped() bool {
	return m.isDropped
}

// SaveSpan saves the trace span for the message.
func (m *Message[T]) SaveSpan(span trace.Span) {
	m.span = span.SpanContext()
}

// LoadSpanContext loads the trace of the message
// into the provided context.
func (m *Message[T]) LoadSpanContext(ctx context.Context) context.Context {
	if !m.span.IsValid() {
		return ctx
	}

	return trace.ContextWithSpanContext(ctx, m.span)
}
