package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/savings_layer/pkg/logger"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestTracingSetsTraceID(t *testing.T) {
	h := NewTracingMiddleware(logger.NewDiscard()).Handler(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(TraceHeader) == "" {
		t.Fatalf("trace id missing")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(TraceHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(TraceHeader); got != "abc" {
		t.Fatalf("trace id = %q, want abc", got)
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	h := NewRateLimiter(0.001, 2, logger.NewDiscard()).Handler(ok)

	serve := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/pools", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := serve("10.0.0.1:1000"); code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d", i, code)
		}
	}
	if code := serve("10.0.0.1:2000"); code != http.StatusTooManyRequests {
		t.Fatalf("third request should be throttled, got %d", code)
	}
	if code := serve("10.0.0.2:1000"); code != http.StatusNoContent {
		t.Fatalf("other client should pass, got %d", code)
	}
}
