package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func Test_Message(t *testing.T) {
	assert := assert.New(t)

	msg := New([]byte("payload"))
	assert.Equal(int64(-1), msg.GetSequenceNumber())
	assert.Equal([]byte("payload"), msg.GetPayload())

	now := time.Now()
	msg.SetReceiveTime(now)
	msg.SetTimestamp(now.Add(time.Second))
	msg.Drop()

	assert.Equal(now, msg.GetReceiveTime())
	assert.Equal(now.Add(time.Second), msg.GetTimestamp())
	assert.True(msg.IsDropped())

	msg.Reset(7)
	assert.Equal(int64(7), msg.GetSequenceNumber())
	assert.False(msg.IsDropped())
	assert.True(msg.GetReceiveTime().IsZero())
	assert.True(msg.GetTimestamp().IsZero())

	// the payload survives the reset
	assert.Equal([]byte("payload"), msg.GetPayload())

	msg.SetPayload([]byte("other"))
	assert.Equal([]byte("other"), msg.GetPayload())
}

func Test_Message_span(t *testing.T) {
	assert := assert.New(t)

	msg := New(0)

	ctx := context.Background()
	assert.Equal(ctx, msg.LoadSpanContext(ctx))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NoError(err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	assert.NoError(err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	_, span := noop.NewTracerProvider().Tracer("test").Start(trace.ContextWithSpanContext(ctx, spanCtx), "span")

	msg.SaveSpan(span)
	loaded := trace.SpanContextFromContext(msg.LoadSpanContext(ctx))
	assert.Equal(traceID, loaded.TraceID())

	msg.Reset(0)
	assert.Equal(ctx, msg.LoadSpanContext(ctx))
}
