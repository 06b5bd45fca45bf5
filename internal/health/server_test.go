package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyResponse(t *testing.T, s *Server) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, resp
}

func TestHandleHealth(t *testing.T) {
	s := New(":0", WithLogger(testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
}

func TestReadyNoCheckers(t *testing.T) {
	s := New(":0", WithLogger(testLogger()))

	code, resp := readyResponse(t, s)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if resp.Status != StatusReady {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}
}

func TestReadyAllHealthy(t *testing.T) {
	s := New(":0", WithLogger(testLogger()))
	s.RegisterChecker("state", func(ctx context.Context) error { return nil })
	s.RegisterChecker("provider:cloudflare", func(ctx context.Context) error { return nil })

	code, resp := readyResponse(t, s)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if resp.Status != StatusReady {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(resp.Components))
	}
	for _, c := range resp.Components {
		if !c.Healthy {
			t.Errorf("expected component %q to be healthy", c.Name)
		}
	}
}

func TestReadySomeUnhealthy(t *testing.T) {
	s := New(":0", WithLogger(testLogger()))
	s.RegisterChecker("state", func(ctx context.Context) error { return nil })
	s.RegisterChecker("provider:technitium", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	code, resp := readyResponse(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if resp.Status != StatusNotReady {
		t.Errorf("expected status 'not_ready', got %q", resp.Status)
	}

	healthy, unhealthy := 0, 0
	for _, c := range resp.Components {
		if c.Healthy {
			healthy++
			continue
		}
		unhealthy++
		if c.Error != "connection refused" {
			t.Errorf("expected error 'connection refused', got %q", c.Error)
		}
	}
	if healthy != 1 || unhealthy != 1 {
		t.Errorf("got %d healthy and %d unhealthy, want 1 and 1", healthy, unhealthy)
	}
}

func TestReadyDegraded(t *testing.T) {
	s := New(":0", WithLogger(testLogger()))
	s.RegisterChecker("state", func(ctx context.Context) error { return nil })
	s.RegisterDegradedChecker("providers", func(ctx context.Context) (bool, string) {
		return true, "1 of 2 providers unavailable"
	})

	code, resp := readyResponse(t, s)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected status 'degraded', got %q", resp.Status)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0].Message != "1 of 2 providers unavailable" {
		t.Errorf("degraded = %+v", resp.Degraded)
	}
}

func TestReadyCheckerTimeout(t *testing.T) {
	s := New(":0", WithLogger(testLogger()), WithTimeout(50*time.Millisecond))
	s.RegisterChecker("provider:slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	code, resp := readyResponse(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if resp.Status != StatusNotReady {
		t.Errorf("expected status 'not_ready', got %q", resp.Status)
	}
}

func TestMetricsHandlerInjected(t *testing.T) {
	custom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("trafegodns_build_info 1\n"))
	})
	s := New(":0", WithLogger(testLogger()), WithMetricsHandler(custom))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "trafegodns_build_info") {
		t.Errorf("custom metrics handler not wired: %q", w.Body.String())
	}
}
