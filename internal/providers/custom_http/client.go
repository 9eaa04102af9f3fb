package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"vaultchat/internal/providers"
)

// Config describes a provider without an OpenAI-compatible surface. Header
// values may reference the key as {{api_key}}.
type Config struct {
	URL          string
	Path         string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Prober = (*Client)(nil)

func (c *Client) Probe(ctx context.Context, req providers.ProbeRequest) error {
	endpoint, err := c.endpoint(req)
	if err != nil {
		return err
	}
	body, err := c.renderBody(req)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		retry, err := c.callOnce(ctx, endpoint, req.APIKey, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return lastErr
}

func (c *Client) endpoint(req providers.ProbeRequest) (string, error) {
	base := strings.TrimSpace(req.BaseURL)
	if base == "" {
		base = strings.TrimSpace(c.cfg.URL)
	}
	if base == "" {
		return "", fmt.Errorf("custom http url is empty")
	}
	return strings.TrimSuffix(base, "/") + c.cfg.Path, nil
}

func (c *Client) renderBody(req providers.ProbeRequest) ([]byte, error) {
	if c.cfg.Method == http.MethodGet {
		return nil, nil
	}
	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		payload := map[string]any{
			"model":      req.Model,
			"prompt":     "ping",
			"max_tokens": 1,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":  req.Model,
		"Prompt": "ping",
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, endpoint, apiKey string, body []byte) (retry bool, err error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, endpoint, rd)
	if err != nil {
		return false, fmt.Errorf("build custom request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", apiKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{StatusCode: resp.StatusCode}
		return se.Temporary(), se
	}
	return false, nil
}
