package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vaultchat/internal/policy"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerUser        = "X-User-ID"
	headerIdempotency = "Idempotency-Key"

	maxErrorBody = 64 << 10
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx answer from the proxy. CanRetry is the server's
// hint; the client never retries on its own.
type StatusError struct {
	StatusCode int
	Message    string
	CanRetry   bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("proxy returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("proxy returned status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL    string
	TenantID   string
	UserID     string
	HTTPClient *http.Client
	// Timeout bounds non-streaming calls. Chat calls are bounded only by ctx.
	Timeout time.Duration
}

type Client struct {
	baseURL string
	tenant  string
	user    string
	http    *http.Client
	timeout time.Duration
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tenant:  cfg.TenantID,
		user:    cfg.UserID,
		http:    hc,
		timeout: cfg.Timeout,
	}
}

// Response is a successful chat answer. Body is either a single JSON document
// or an event stream, as declared by ContentType. The caller closes Body.
type Response struct {
	ContentType string
	Body        io.ReadCloser
}

// Chat posts a query. Non-2xx answers are returned as *StatusError.
func (c *Client) Chat(ctx context.Context, req policy.ChatRequest) (*Response, error) {
	if req.History == nil {
		req.History = []policy.HistoryMessage{}
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", req, func(h http.Header) {
		if req.Stream {
			h.Set("Accept", "text/event-stream")
		} else {
			h.Set("Accept", "application/json")
		}
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return &Response{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}

// RunTool submits a confirmed side effect. The toolCallId is sent both in the
// body and as the idempotency key so replays are harmless.
func (c *Client) RunTool(ctx context.Context, tool, toolCallID string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["toolCallId"] = toolCallID

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, "/api/tools/"+url.PathEscape(tool), body, func(h http.Header) {
		h.Set(headerIdempotency, toolCallID)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}

	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode tool response: %w", err)
	}
	if !out.Success {
		return &StatusError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, decorate func(http.Header)) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerTenant, c.tenant)
	if c.user != "" {
		req.Header.Set(headerUser, c.user)
	}
	if decorate != nil {
		decorate(req.Header)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// getJSON and sendJSON cover the small request/response endpoints.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.sendJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, method, path, in, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		se := readStatusError(resp)
		return fmt.Errorf("%w: %s", ErrNotFound, se.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) *StatusError {
	se := &StatusError{
		StatusCode: resp.StatusCode,
		CanRetry:   resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(b) == 0 {
		return se
	}
	var body struct {
		Error    string `json:"error"`
		CanRetry *bool  `json:"canRetry"`
	}
	if json.Unmarshal(b, &body) != nil {
		return se
	}
	se.Message = body.Error
	if body.CanRetry != nil {
		se.CanRetry = *body.CanRetry
	}
	return se
}
