package opsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthzReturnsOK(t *testing.T) {
	metrics, reg := NewMetricsRegistry()
	s := New(DefaultConfig(), metrics, reg, zerolog.Nop())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestStatusReflectsEngineUpdates(t *testing.T) {
	metrics, reg := NewMetricsRegistry()
	s := New(DefaultConfig(), metrics, reg, zerolog.Nop())
	s.Status().SetPhase("run-1", "simulate", 3)
	s.Status().MarkSymbolDone()
	s.Status().MarkSymbolDone()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	var decoded Status
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Phase != "simulate" || decoded.Done != 2 || decoded.Symbols != 3 {
		t.Fatalf("unexpected status snapshot: %+v", &decoded)
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	metrics, reg := NewMetricsRegistry()
	s := New(DefaultConfig(), metrics, reg, zerolog.Nop())
	metrics.SymbolsIngested.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestUnknownRouteReturns404JSON(t *testing.T) {
	metrics, reg := NewMetricsRegistry()
	s := New(DefaultConfig(), metrics, reg, zerolog.Nop())

	req := httptest.NewRequest("GET", "/nope", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
