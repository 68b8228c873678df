package httpapi

import (
	"net/http"
	"testing"
)

func TestExtraAttributesFromHeadersParsesJSONValues(t *testing.T) {
	h := http.Header{}
	h.Set("tensorzero-otlp-traces-extra-attribute-user_id", `"u-123"`)
	h.Set("tensorzero-otlp-traces-extra-attribute-retry_count", `3`)
	h.Set("tensorzero-otlp-traces-extra-attribute-cached", `true`)
	h.Set("tensorzero-otlp-traces-extra-resource-deployment", "canary")

	attrs, err := extraAttributesFromHeaders(h)
	if err != nil {
		t.Fatalf("extraAttributesFromHeaders: %v", err)
	}
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d: %+v", len(attrs), attrs)
	}

	found := map[string]bool{}
	for _, a := range attrs {
		found[string(a.Key)] = true
	}
	for _, want := range []string{"user_id", "retry_count", "cached", "resource.deployment"} {
		if !found[want] {
			t.Errorf("missing attribute %q in %+v", want, attrs)
		}
	}
}

func TestExtraAttributesFromHeadersRejectsInvalidJSON(t *testing.T) {
	h := http.Header{}
	h.Set("tensorzero-otlp-traces-extra-attribute-broken", "{not json")

	if _, err := extraAttributesFromHeaders(h); err == nil {
		t.Fatal("expected error for invalid JSON in extra-attribute header")
	}
}

func TestExtraAttributesFromHeadersIgnoresUnrelatedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer xyz")

	attrs, err := extraAttributesFromHeaders(h)
	if err != nil {
		t.Fatalf("extraAttributesFromHeaders: %v", err)
	}
	if len(attrs) != 0 {
		t.Fatalf("expected no attributes, got %+v", attrs)
	}
}

func TestJSONValueToAttributeFallsBackToStringForComposites(t *testing.T) {
	attr := jsonValueToAttribute("payload", map[string]any{"a": float64(1)})
	if attr.Value.AsString() != `{"a":1}` {
		t.Fatalf("composite value not JSON-encoded as string: %q", attr.Value.AsString())
	}
}
