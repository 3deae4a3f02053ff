package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"podforge/internal/config"
	"podforge/internal/jobs"
	"podforge/internal/services"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", services.Wrap(services.ErrValidation, "extract", "run", "bad input", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "speech", "post", "no key", nil), false},
		{"not found", services.Wrap(services.ErrNotFound, "script", "post", "gone", nil), false},
		{"canceled", context.Canceled, false},
		{"timeout", services.Wrap(services.ErrTimeout, "speech", "post", "slow", nil), true},
		{"transient", services.Wrap(services.ErrTransient, "extract", "post", "refused", nil), true},
		{"external", services.Wrap(services.ErrExternal, "composer", "post", "500", nil), true},
		{"plain error", errors.New("mystery"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrapPreservesMarkerAndDetail(t *testing.T) {
	inner := errors.New("connection refused")
	err := services.Wrap(services.ErrTransient, "extract", "post", "request failed", inner)
	if !errors.Is(err, services.ErrTransient) {
		t.Error("marker lost")
	}
	if !errors.Is(err, inner) {
		t.Error("wrapped cause lost")
	}
	if !strings.Contains(err.Error(), "extract: post") {
		t.Errorf("detail missing from %q", err)
	}
}

func TestContentExtractorStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		marker error
	}{
		{http.StatusUnprocessableEntity, services.ErrValidation},
		{http.StatusUnauthorized, services.ErrConfiguration},
		{http.StatusNotFound, services.ErrNotFound},
		{http.StatusInternalServerError, services.ErrExternal},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		extractor := services.NewContentExtractor(config.Service{BaseURL: server.URL}, server.Client())

		_, err := extractor.Run(context.Background(), services.ExtractRequest{
			Inputs: []jobs.Input{{Kind: jobs.InputURL, Value: "https://example.com"}},
		})
		server.Close()
		if !errors.Is(err, tc.marker) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.marker, err)
		}
	}
}

func TestContentExtractorSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"extracted text"}`))
	}))
	defer server.Close()

	extractor := services.NewContentExtractor(config.Service{BaseURL: server.URL, APIKey: "secret-key"}, server.Client())
	result, err := extractor.Run(context.Background(), services.ExtractRequest{
		Inputs: []jobs.Input{{Kind: jobs.InputURL, Value: "https://example.com"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "extracted text" {
		t.Errorf("unexpected content %q", result.Content)
	}
}

func TestExtractorRejectsEmptyInputs(t *testing.T) {
	extractor := services.NewContentExtractor(config.Service{BaseURL: "http://localhost:1"}, nil)
	_, err := extractor.Run(context.Background(), services.ExtractRequest{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUnconfiguredServiceIsConfigurationError(t *testing.T) {
	script := services.NewScriptSynthesizer(config.Service{}, nil)
	_, err := script.Run(context.Background(), services.ScriptRequest{Content: "text"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestScriptSynthesizerRejectsEmptyTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcript":""}`))
	}))
	defer server.Close()

	script := services.NewScriptSynthesizer(config.Service{BaseURL: server.URL}, server.Client())
	_, err := script.Run(context.Background(), services.ScriptRequest{Content: "text"})
	if !errors.Is(err, services.ErrExternal) {
		t.Fatalf("empty transcript should be an external error, got %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := services.NewMemoryStore()
	ctx := context.Background()

	location, err := store.Put(ctx, "jobs/1/content.txt", strings.NewReader("hello"), -1, "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if location != "mem://jobs/1/content.txt" {
		t.Errorf("unexpected location %q", location)
	}

	reader, err := store.Get(ctx, "jobs/1/content.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	buf := make([]byte, 16)
	n, _ := reader.Read(buf)
	if string(buf[:n]) != "hello" {
		t.Errorf("content mismatch: %q", buf[:n])
	}

	if _, err := store.Get(ctx, "jobs/ghost"); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("missing object should be not-found, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 object, got %d", store.Len())
	}
}
