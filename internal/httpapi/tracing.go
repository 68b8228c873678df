package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerExtraAttributePrefix = "tensorzero-otlp-traces-extra-attribute-"
	headerExtraResourcePrefix  = "tensorzero-otlp-traces-extra-resource-"
)

// tracingMiddleware starts one span per request, honouring an inbound
// W3C traceparent header as the parent (spec.md §6), and excludes
// /health and /metrics from export entirely since those paths are
// liveness/scrape noise rather than inference traffic.
//
// Grounded on BaSui01-agentflow's cmd/agentflow/middleware.go
// OTelTracing, generalised to also parse the extra-attribute/extra-
// resource header conventions spec.md §6 adds. Resource attributes are
// recorded as span attributes rather than merged into the process-wide
// Resource: a Resource describes the service, not one request, so a
// per-request "resource" only makes sense attached to that request's
// span.
func tracingMiddleware(tracerName string) Middleware {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			extraAttrs, err := extraAttributesFromHeaders(r.Header)
			if err != nil {
				writeError(w, noopLogger, err)
				return
			}

			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanAttrs := append([]attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			}, extraAttrs...)

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extraAttributesFromHeaders parses the
// tensorzero-otlp-traces-extra-attribute-<name> and
// …-extra-resource-<name> header conventions into span attributes. An
// attribute value that fails to parse as JSON is a 400 (spec.md §6);
// resource values are plain scalars and always accepted as strings.
func extraAttributesFromHeaders(h http.Header) ([]attribute.KeyValue, error) {
	var attrs []attribute.KeyValue
	for key, values := range h {
		lower := strings.ToLower(key)
		switch {
		case strings.HasPrefix(lower, headerExtraAttributePrefix):
			name := strings.TrimPrefix(lower, headerExtraAttributePrefix)
			var v any
			if jsonErr := json.Unmarshal([]byte(values[0]), &v); jsonErr != nil {
				return nil, invalidExtraAttributeError(name)
			}
			attrs = append(attrs, jsonValueToAttribute(name, v))
		case strings.HasPrefix(lower, headerExtraResourcePrefix):
			name := strings.TrimPrefix(lower, headerExtraResourcePrefix)
			attrs = append(attrs, attribute.String("resource."+name, values[0]))
		}
	}
	return attrs, nil
}

func jsonValueToAttribute(name string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(name, val)
	case float64:
		return attribute.Float64(name, val)
	case bool:
		return attribute.Bool(name, val)
	default:
		b, _ := json.Marshal(val)
		return attribute.String(name, string(b))
	}
}
