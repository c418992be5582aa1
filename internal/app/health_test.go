package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore()), Domains{}, "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Errorf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a generated request id")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore()), Domains{}, "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", payload["status"])
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	server := NewHTTPServer(newTestService(t, fs), Domains{}, "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks := payload["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Errorf("unexpected database check %v", database)
	}
}

func TestReadyEndpoint_SecondaryDependencyDegrades(t *testing.T) {
	redisDown := ReadyCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}
	server := NewHTTPServer(newTestService(t, newFakeStore()), Domains{}, "*", redisDown)

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	redis := payload["checks"].(map[string]any)["redis"].(map[string]any)
	if redis["status"] != "degraded" {
		t.Errorf("expected redis degraded, got %v", redis)
	}
}

func TestCORSHeaders(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore()), Domains{}, "https://editor.sitecraft.test")

	rr, _ := doJSON(t, server.Handler(), http.MethodOptions, "/api/sites", "", nil)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://editor.sitecraft.test" {
		t.Errorf("unexpected allow origin %q", got)
	}
}
