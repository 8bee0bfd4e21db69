package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareCounts(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bucket/key", nil))
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `lamina_http_requests_total{code="404",method="GET"} 3`) {
		t.Fatalf("Counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "lamina_http_request_duration_seconds_count") {
		t.Fatalf("Histogram missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "lamina_http_response_bytes_total 12") {
		t.Fatalf("Byte counter missing from exposition:\n%s", body)
	}
}

func TestHealthz(t *testing.T) {
	metrics := NewMetrics()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("Unexpected body: %s", rec.Body.String())
	}
}
