package openai_compat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vaultchat/internal/providers"
)

const okCompletion = `{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`

func TestProbeSendsBearerKey(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	c := New(Config{})
	err := c.Probe(context.Background(), providers.ProbeRequest{
		Model:   "openai/gpt-4o",
		BaseURL: srv.URL + "/v1/",
		APIKey:  "sk-or-v1-abcdef123456",
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if gotAuth != "Bearer sk-or-v1-abcdef123456" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestProbeListsModelsWithoutModel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	if err := New(Config{}).Probe(context.Background(), providers.ProbeRequest{BaseURL: srv.URL, APIKey: "k"}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if gotPath != "/models" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestProbeUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided: sk-or-v1-abcdef123456","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 2, BackoffBase: time.Millisecond})
	err := c.Probe(context.Background(), providers.ProbeRequest{Model: "m", BaseURL: srv.URL, APIKey: "sk-or-v1-abcdef123456"})
	if got := providers.Classify(err); got != providers.ResultUnauthorized {
		t.Fatalf("expected unauthorized, got %q (%v)", got, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestProbeRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 2, BackoffBase: time.Millisecond})
	if err := c.Probe(context.Background(), providers.ProbeRequest{Model: "m", BaseURL: srv.URL, APIKey: "k"}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected retry after 503, got %d calls", calls.Load())
	}
}
