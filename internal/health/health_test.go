package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("rabbitmq", NewPingChecker("rabbitmq", ok))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
	if response.Version != "v1.0.0" {
		t.Errorf("expected version v1.0.0, got %s", response.Version)
	}
	if len(response.Checks) != 1 {
		t.Errorf("expected 1 check, got %d", len(response.Checks))
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("rabbitmq", NewPingChecker("rabbitmq", ok))
	handler.RegisterChecker("postgres", NewPingChecker("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", response.Status)
	}
	if response.Checks["postgres"].Message != "connection refused" {
		t.Errorf("unexpected postgres check: %+v", response.Checks["postgres"])
	}
}

func TestHealthHandler_OptionalDependencyDegrades(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("kafka", NewOptionalChecker("kafka", func(context.Context) error {
		return errors.New("no brokers")
	}))

	status, checks := handler.Run(context.Background())
	if status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status)
	}
	if checks["kafka"].Status != StatusDegraded {
		t.Fatalf("expected degraded kafka check, got %s", checks["kafka"].Status)
	}

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("degraded service must stay ready, got %d", w.Code)
	}
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.timeout = 20 * time.Millisecond
	handler.RegisterChecker("redis", NewPingChecker("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	status, _ := handler.Run(context.Background())
	if status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on timeout, got %s", status)
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the timeout")
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	LivenessHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %s", w.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("rabbitmq", NewPingChecker("rabbitmq", ok))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.ReadinessHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ready" {
		t.Errorf("expected body 'ready', got %s", w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("rabbitmq", NewPingChecker("rabbitmq", func(context.Context) error {
		return errors.New("not ready")
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.ReadinessHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	if w.Body.String() != "not ready" {
		t.Errorf("expected body 'not ready', got %s", w.Body.String())
	}
}

func TestPingChecker_Error(t *testing.T) {
	check := NewPingChecker("postgres", func(context.Context) error {
		return errors.New("test error")
	}).Check(context.Background())

	if check.Status != StatusUnhealthy {
		t.Errorf("expected status unhealthy, got %s", check.Status)
	}
	if check.Message != "test error" {
		t.Errorf("expected message 'test error', got %s", check.Message)
	}
	if check.Name != "postgres" {
		t.Errorf("expected name postgres, got %s", check.Name)
	}
}
