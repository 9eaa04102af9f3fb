package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type WebhookConfig struct {
	URL         string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// WebhookSender relays email and SMS side effects to an external gateway.
type WebhookSender struct {
	cfg WebhookConfig
}

func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &WebhookSender{cfg: cfg}
}

var _ Sender = (*WebhookSender)(nil)

func (s *WebhookSender) Send(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return fmt.Errorf("notify webhook url is empty")
	}
	if len(d.Payload) == 0 || !json.Valid(d.Payload) {
		return fmt.Errorf("%w: payload is not json", ErrInvalidPayload)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		retry, err := s.callOnce(ctx, d, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return lastErr
}

func (s *WebhookSender) callOnce(ctx context.Context, d Delivery, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.TenantID+":"+d.ToolCallID)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, fmt.Errorf("webhook temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: webhook status %d", ErrInvalidPayload, resp.StatusCode)
	}
	return false, nil
}
