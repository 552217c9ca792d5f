package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(60)
	for i := 0; i < 60; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d denied within burst of 60", i)
		}
	}
}

func TestAllowRejectsOverBudget(t *testing.T) {
	l := New(1)
	if !l.Allow("1.2.3.4") {
		t.Fatal("first request denied")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("second request allowed immediately, want denied")
	}
}

func TestBucketsAreIndependentPerIP(t *testing.T) {
	l := New(1)
	if !l.Allow("1.1.1.1") {
		t.Fatal("first client denied")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("second client should have its own bucket")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := ClientIP(req); got != "203.0.113.5" {
		t.Errorf("ClientIP() = %q, want 203.0.113.5", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	if got := ClientIP(req); got != "10.0.0.1" {
		t.Errorf("ClientIP() = %q, want 10.0.0.1", got)
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(1)
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.RemoteAddr = "9.9.9.9:5555"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on 429")
	}
}
