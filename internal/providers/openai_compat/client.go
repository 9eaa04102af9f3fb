package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"vaultchat/internal/providers"
)

type Config struct {
	DefaultBaseURL string
	HTTPClient     *http.Client
	MaxRetries     int
	BackoffBase    time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
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

// Probe sends a one-token completion when a model is known and falls back to
// listing models otherwise. Temporary failures are retried with backoff.
func (c *Client) Probe(ctx context.Context, req providers.ProbeRequest) error {
	client, err := c.newClient(req)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.callOnce(ctx, client, req.Model)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) newClient(req providers.ProbeRequest) (*openai.Client, error) {
	base := strings.TrimSpace(req.BaseURL)
	if base == "" {
		base = c.cfg.DefaultBaseURL
	}
	if base == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	base = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/chat/completions")

	oc := openai.DefaultConfig(req.APIKey)
	oc.BaseURL = base
	oc.HTTPClient = c.cfg.HTTPClient
	return openai.NewClientWithConfig(oc), nil
}

func (c *Client) callOnce(ctx context.Context, client *openai.Client, model string) error {
	if strings.TrimSpace(model) == "" {
		if _, err := client.ListModels(ctx); err != nil {
			return normalizeError(err)
		}
		return nil
	}
	_, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return normalizeError(err)
	}
	return nil
}

// normalizeError drops provider messages and keeps only the status code.
func normalizeError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &providers.StatusError{StatusCode: apiErr.HTTPStatusCode}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &providers.StatusError{StatusCode: reqErr.HTTPStatusCode}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("request failed: %w", err)
}

func retryable(err error) bool {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
