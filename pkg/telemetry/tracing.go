package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type TracerOption func(d *CustomTracer)

func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *CustomTracer) {
		d.endpoint = endpoint
	}
}

// WithOTLPInsecure exports traces to the collector over a plaintext connection.
func WithOTLPInsecure() TracerOption {
	return func(d *CustomTracer) {
		d.insecure = true
	}
}

func WithAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(d *CustomTracer) {
		d.attributes = append(d.attributes, attrs...)
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *CustomTracer) {
		d.samplingRatio = samplingRatio
	}
}

func WithEnableTailLatencySpanExporter(enable bool) TracerOption {
	return func(d *CustomTracer) {
		d.enableTailLatencySpanExporter = enable
	}
}

func WithTailLatencyInMillisecond(latency int) TracerOption {
	return func(d *CustomTracer) {
		d.tailLatencyInMs = latency
	}
}

type CustomTracer struct {
	endpoint   string
	insecure   bool
	attributes []attribute.KeyValue

	samplingRatio float64

	enableTailLatencySpanExporter bool
	tailLatencyInMs               int
}

func MustNewTracerProvider(opts ...TracerOption) *sdktrace.TracerProvider {
	tracer := &CustomTracer{
		endpoint:                      "",
		attributes:                    nil,
		samplingRatio:                 0,
		enableTailLatencySpanExporter: false,
		tailLatencyInMs:               0,
	}

	for _, opt := range opts {
		opt(tracer)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(tracer.attributes...),
	)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	otlpOptions := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(tracer.endpoint),
	}
	if tracer.insecure {
		otlpOptions = append(otlpOptions, otlptracegrpc.WithInsecure())
	}

	var exp sdktrace.SpanExporter
	exp, err = otlptracegrpc.New(ctx, otlpOptions...)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize the otlp exporter: %v", err))
	}

	if tracer.enableTailLatencySpanExporter {
		exp = NewTailLatencySpanExporter(exp, WithLatencyInMs(tracer.tailLatencyInMs))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(tracer.samplingRatio)),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	otel.SetTracerProvider(tp)

	return tp
}

func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
