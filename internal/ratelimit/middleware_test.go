package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashita-ai/kaiwa/internal/model"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyAll) Close() error                                { return nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDeniesWithEnvelope(t *testing.T) {
	h := Middleware(denyAll{}, IPKeyFunc, func(*http.Request) string { return "req-1" })(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	var apiErr model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeRateLimited {
		t.Fatalf("expected %s, got %s", model.ErrCodeRateLimited, apiErr.Error.Code)
	}
	if apiErr.Meta.RequestID != "req-1" {
		t.Fatalf("expected request ID in envelope, got %q", apiErr.Meta.RequestID)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %d", rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	h := Middleware(denyAll{}, func(*http.Request) string { return "" }, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when key is empty, got %d", rec.Code)
	}
}

func TestSessionKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-Session-ID", "abc")
	if got := SessionKeyFunc(req); got != "session:abc" {
		t.Fatalf("expected session key, got %q", got)
	}

	req.Header.Del("X-Session-ID")
	req.RemoteAddr = "192.168.1.5:9999"
	if got := SessionKeyFunc(req); got != "ip:192.168.1.5" {
		t.Fatalf("expected ip key, got %q", got)
	}
}
