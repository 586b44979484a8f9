package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lucasvandyk/recapd/internal/health"
)

func do(t *testing.T, h http.HandlerFunc, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h(rr, req)

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rr.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := health.New(health.Checker{
		Name:  "postgres",
		Check: func(context.Context) error { return errors.New("down") },
	})

	code, body := do(t, h.Healthz, "/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", code, body)
	}
	if _, ok := body["uptime_ms"]; !ok {
		t.Error("no uptime_ms in liveness response")
	}
}

func TestReadyzAggregatesCheckers(t *testing.T) {
	h := health.New(
		health.Checker{Name: "postgres", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "objstore", Check: func(context.Context) error { return errors.New("bucket gone") }},
	)

	code, body := do(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable || body["status"] != "fail" {
		t.Fatalf("readyz = %d %v", code, body)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" {
		t.Errorf("postgres = %v", checks["postgres"])
	}
	if checks["objstore"] != "fail: bucket gone" {
		t.Errorf("objstore = %v", checks["objstore"])
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	h := health.New()

	code, body := do(t, h.Readyz, "/readyz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("readyz = %d %v", code, body)
	}
}
