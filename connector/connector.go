// Package connector contains the interfaces used to connect
// the stages to the ring buffer engine.
package connector

import (
	"context"

	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/rb"
)

// Message is the reusable slot of a ring buffer.
type Message[T any] = message.Message[T]

// Translator writes a value into a claimed slot.
type Translator[T any] = rb.Translator[T]

// Publisher is the producer side of a ring buffer.
// Ingress stages write into a publisher by translating
// their input directly into the pre-allocated slots.
type Publisher[T any] interface {
	// Publish claims a slot, fills it with translate and makes it visible.
	// It blocks while the ring buffer is full.
	Publish(ctx context.Context, translate Translator[T]) error
}

// Connector is a queue with many writers and a single in-order reader.
type Connector[T any] interface {
	// Write adds an item, blocking while the queue is full.
	Write(ctx context.Context, item T) error
	// Read returns the oldest item, blocking while the queue is empty.
	Read(ctx context.Context) (T, error)
	// Close stops the writers. The reader can still drain the remaining items.
	Close()
	// Len returns the number of items waiting to be read.
	Len() int
}
