package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	assetaware "github.com/u9401066/asset-aware-mcp"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := authMiddleware("secret", okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/documents", "", http.StatusUnauthorized},
		{"wrong key", "/documents", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/documents", "Basic secret", http.StatusUnauthorized},
		{"valid key", "/documents", "Bearer secret", http.StatusOK},
		{"health is open", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	authMiddleware("", okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected auth to be disabled, got %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware("https://a.example, https://b.example", okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/documents", nil)
	req.Header.Set("Origin", "https://b.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected preflight 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://b.example" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header for unknown origin, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected request to pass through, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestLogMiddlewareSetsRequestID(t *testing.T) {
	h := logMiddleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected incoming request ID kept, got %q", got)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", assetaware.ErrDocumentNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", assetaware.ErrAssetNotFound), http.StatusNotFound},
		{&assetaware.DecompositionError{Stage: assetaware.StageOpen, Err: fmt.Errorf("bad")}, http.StatusUnprocessableEntity},
		{&assetaware.DecompositionError{Stage: assetaware.StageAssemble, Err: fmt.Errorf("empty")}, http.StatusUnprocessableEntity},
		{&assetaware.DecompositionError{Stage: assetaware.StagePublish, Err: fmt.Errorf("disk")}, http.StatusServiceUnavailable},
		{fmt.Errorf("decompose: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
