package telemetry

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPServerTraceExtractor is a custom middleware that extracts
// the tracing context and sets the current tracing context.
// It can be used in place of [otelhttp.NewHandler] to avoid creating
// an additional span on surfaces that start their own spans.
func HTTPServerTraceExtractor(h http.Handler) http.Handler {
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
