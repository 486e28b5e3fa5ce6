// Package processor contains the handlers that transform or filter
// the messages in place for the consumers chained after them.
package processor

import (
	"context"
	"fmt"

	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	"go.opentelemetry.io/otel/codes"
)

//////////////
//  CONFIG  //
//////////////

// DefaultCustomName is the default name of a [CustomHandler].
const DefaultCustomName = "custom"

// CustomConfig structs contains the configuration for a [CustomHandler].
type CustomConfig struct {
	// Name is the name of the handler.
	// It is used to identify the handler in the telemetry.
	//
	// Default: "custom"
	Name string `yaml:"name"`
}

// DefaultCustomConfig returns the default configuration for a [CustomHandler].
func DefaultCustomConfig() *CustomConfig {
	return &CustomConfig{
		Name: DefaultCustomName,
	}
}

// Validate checks the configuration.
func (c *CustomConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Name", &c.Name, DefaultCustomName)
}

///////////////
//  HANDLER  //
///////////////

// CustomFunc processes a message in place.
// The payload can be modified or replaced, the consumers chained
// after the handler see the result.
type CustomFunc[T any] func(ctx context.Context, msg *message.Message[T]) error

// CustomHandler runs a user defined function for every message,
// tracing each call.
type CustomHandler[T any] struct {
	stage.HandlerBase

	cfg    *CustomConfig
	handle CustomFunc[T]

	traceString string
}

// NewCustomHandler returns a new custom handler.
func NewCustomHandler[T any](handle CustomFunc[T], cfg *CustomConfig) *CustomHandler[T] {
	if cfg == nil {
		cfg = DefaultCustomConfig()
	}

	return &CustomHandler[T]{
		cfg:    cfg,
		handle: handle,
	}
}

// Name returns the name of the handler.
func (ch *CustomHandler[T]) Name() string {
	if ch.cfg.Name == "" {
		return DefaultCustomName
	}
	return ch.cfg.Name
}

// Init validates the configuration.
func (ch *CustomHandler[T]) Init(_ context.Context) error {
	config.NewValidator(ch.Tel).Validate(ch.cfg)
	ch.traceString = fmt.Sprintf("handle %s message", ch.cfg.Name)
	return nil
}

// Handle runs the custom function and saves its span into the message.
func (ch *CustomHandler[T]) Handle(ctx context.Context, msg *message.Message[T], _ bool) error {
	ctx, span := ch.Tel.NewTrace(ctx, ch.traceString)
	defer span.End()

	if err := ch.handle(ctx, msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg.SaveSpan(span)

	return nil
}
