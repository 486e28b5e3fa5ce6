package internal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_fanoutHandler(t *testing.T) {
	assert := assert.New(t)

	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	first := &bytes.Buffer{}
	second := &bytes.Buffer{}

	handler := newFanoutHandler(level,
		slog.NewTextHandler(first, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(second, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(handler).With("kind", "test")

	logger.Debug("hidden")
	assert.Empty(first.String())

	logger.Info("only first")
	assert.Contains(first.String(), "only first")
	assert.Contains(first.String(), "kind=test")
	assert.NotContains(second.String(), "only first")

	logger.WithGroup("grp").Warn("both", "key", "value")
	assert.Contains(first.String(), "grp.key=value")
	assert.Contains(second.String(), "grp.key=value")

	assert.False(handler.Enabled(context.Background(), slog.LevelDebug))
}

func Test_Telemetry(t *testing.T) {
	assert := assert.New(t)

	tel := NewTelemetry("test", "telemetry")
	assert.Equal("test", tel.Kind())
	assert.Equal("telemetry", tel.Name())

	var calls int64
	tel.NewCounter("calls", func() int64 { return calls })
	tel.NewUpDownCounter("level", func() int64 { return 0 })
	tel.NewGauge("gauge", func() int64 { return 0 })

	hist := tel.NewHistogram("latency")
	hist.Record(t.Context(), 10)

	ctx, span := tel.NewTrace(t.Context(), "test span")
	assert.NotNil(ctx)
	span.End()

	tel.LogError("test error", errors.New("boom"), "key", "value")
	tel.Close()
}
