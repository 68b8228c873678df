package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(nil, nil, zap.NewNop(), Config{Registry: prometheus.NewRegistry()})
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestMetricsEndpointIsExposed(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTwoServersWithIndependentRegistriesDoNotCollide(t *testing.T) {
	// promauto.With(reg) would panic on duplicate registration if both
	// servers shared prometheus.DefaultRegisterer; separate registries
	// per Server must avoid that.
	_ = NewServer(nil, nil, zap.NewNop(), Config{Registry: prometheus.NewRegistry()})
	_ = NewServer(nil, nil, zap.NewNop(), Config{Registry: prometheus.NewRegistry()})
}

func TestRecoveryMiddlewareConvertsPanicTo500(t *testing.T) {
	mw := recoveryMiddleware(zap.NewNop())
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/inference", nil)

	mw(panicking).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestStatusCapturingWriterRecordsStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusCapturingWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusTeapot)

	if sw.status != http.StatusTeapot {
		t.Fatalf("captured status = %d, want 418", sw.status)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("underlying recorder status = %d, want 418", rec.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
