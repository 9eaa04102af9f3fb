package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vaultchat/internal/policy"
)

type Config struct {
	BaseURL    string
	QueryPath  string
	HTTPClient *http.Client
	// HeaderTimeout bounds the wait for response headers. Reading the body
	// is bounded only by the caller's context.
	HeaderTimeout time.Duration
}

// Client forwards effective requests to the remote RAG backend. It does not
// retry; fallback decisions belong to the backend.
type Client struct {
	endpoint      string
	http          *http.Client
	headerTimeout time.Duration
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = 120 * time.Second
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/api/chat/query"
	}
	return &Client{
		endpoint:      strings.TrimSuffix(cfg.BaseURL, "/") + cfg.QueryPath,
		http:          cfg.HTTPClient,
		headerTimeout: cfg.HeaderTimeout,
	}
}

// Query posts the request and returns the raw response for relaying. The
// caller owns the body.
func (c *Client) Query(ctx context.Context, req policy.EffectiveBackendRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(c.headerTimeout, cancel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		headerTimer.Stop()
		cancel()
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if !headerTimer.Stop() {
		// The timer already fired: the backend missed the header deadline.
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("backend request failed: %w", context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the caller is done with
// the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
