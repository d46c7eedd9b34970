package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func TestTracerProviderRecordsSampledSpans(t *testing.T) {
	tp := MustNewTracerProvider(
		WithAttributes(
			semconv.ServiceNameKey.String("loom-test"),
			semconv.ServiceVersionKey.String("0.0.0"),
		),
		WithSamplingRatio(1),
	)

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("").Start(context.Background(), "route_chunk")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "route_chunk", spans[0].Name())
}

func TestTracerProviderDropsSpansAtZeroRatio(t *testing.T) {
	tp := MustNewTracerProvider(WithSamplingRatio(0))

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("").Start(context.Background(), "route_chunk")
	span.End()

	require.Empty(t, recorder.Ended())
}

func TestTraceErrorMarksSpan(t *testing.T) {
	tp := MustNewTracerProvider(WithSamplingRatio(1))

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("").Start(context.Background(), "pull_chunk")
	TraceError(span, context.DeadlineExceeded)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, context.DeadlineExceeded.Error(), spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}
