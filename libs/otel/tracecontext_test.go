package otelx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "outbox.write")
	defer span.End()

	traceparent, _ := TraceContextStrings(ctx)
	require.NotEmpty(t, traceparent)

	resumed := ContextWithTraceContext(context.Background(), traceparent, "")
	sc := trace.SpanContextFromContext(resumed)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestContextWithTraceContextEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithTraceContext(ctx, "", ""))
}

func TestContextWithTraceContextIgnoresStateWithoutParent(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithTraceContext(ctx, "", "vendor=1"))
}

func TestFailSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "publish")
	FailSpan(span, errors.New("broker down"), "publish failed")
	span.End()

	ro := span.(sdktrace.ReadOnlySpan)
	assert.Equal(t, codes.Error, ro.Status().Code)
	assert.Equal(t, "publish failed", ro.Status().Description)
	require.Len(t, ro.Events(), 1)
	assert.Equal(t, "exception", ro.Events()[0].Name)
}
