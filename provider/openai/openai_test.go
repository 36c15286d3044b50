package openai_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStructureSendsConfiguredSettings(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		CompletionModel: "gpt-4o-mini",
		Temperature:     0.3,
		MaxTokens:       512,
		Timeout:         2 * time.Second,
	})
	if _, err := c.Structure(context.Background(), "extract"); err != nil {
		t.Fatalf("structure: %v", err)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("model = %v, want configured gpt-4o-mini", got["model"])
	}
	if got["temperature"] != 0.3 {
		t.Fatalf("temperature = %v, want configured 0.3", got["temperature"])
	}
	if got["max_tokens"] != float64(512) {
		t.Fatalf("max_tokens = %v, want configured 512", got["max_tokens"])
	}
}

func TestCreateEmbeddingSendsDimensions(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDim:   256,
		Timeout:        2 * time.Second,
	})
	vecs, err := c.CreateEmbedding(context.Background(), []string{"Bordeaux"})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if got["dimensions"] != float64(256) {
		t.Fatalf("dimensions = %v, want configured 256", got["dimensions"])
	}
	if got["model"] != "text-embedding-3-small" {
		t.Fatalf("model = %v", got["model"])
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		CompletionModel: "gpt-4o-mini",
		MaxRetries:      2,
		Timeout:         2 * time.Second,
	})
	out, err := c.Structure(context.Background(), "extract")
	if err != nil {
		t.Fatalf("structure: %v", err)
	}
	if out != "ok" {
		t.Fatalf("output = %q", out)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("server hit %d times, want 429 then success", hits)
	}
}

func TestNoRetryOnBadRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Config{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		CompletionModel: "gpt-4o-mini",
		MaxRetries:      3,
		Timeout:         2 * time.Second,
	})
	if _, err := c.Structure(context.Background(), "extract"); err == nil {
		t.Fatal("expected error on 400")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("client retried a non-retryable status, %d hits", hits)
	}
}
