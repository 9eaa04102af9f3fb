package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Settings mirrors the proxy's masked configuration view.
type Settings struct {
	Configured      bool       `json:"configured"`
	Provider        string     `json:"provider,omitempty"`
	BaseURL         *string    `json:"baseUrl,omitempty"`
	DefaultModel    *string    `json:"defaultModel,omitempty"`
	Policy          string     `json:"policy,omitempty"`
	MaskedKey       string     `json:"maskedKey,omitempty"`
	LastTestedAt    *time.Time `json:"lastTestedAt,omitempty"`
	LastTestResult  *string    `json:"lastTestResult,omitempty"`
	LastTestLatency *int64     `json:"lastTestLatency,omitempty"`
}

type SettingsInput struct {
	Provider     string  `json:"provider"`
	APIKey       string  `json:"apiKey,omitempty"`
	BaseURL      *string `json:"baseUrl,omitempty"`
	DefaultModel *string `json:"defaultModel,omitempty"`
	Policy       string  `json:"policy,omitempty"`
}

func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.getJSON(ctx, "/api/settings/llm", &s)
	return s, err
}

func (c *Client) PutSettings(ctx context.Context, in SettingsInput) (Settings, error) {
	var s Settings
	err := c.sendJSON(ctx, http.MethodPut, "/api/settings/llm", in, &s)
	return s, err
}

func (c *Client) DeleteSettings(ctx context.Context) error {
	return c.sendJSON(ctx, http.MethodDelete, "/api/settings/llm", nil, nil)
}

func (c *Client) TestSettings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.sendJSON(ctx, http.MethodPost, "/api/settings/llm/test", nil, &s)
	return s, err
}

type ThreadMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	IsError   bool            `json:"isError,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

type Thread struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Messages []ThreadMessage `json:"messages"`
}

func (c *Client) SaveThread(ctx context.Context, t Thread) error {
	return c.sendJSON(ctx, http.MethodPut, "/api/threads/"+url.PathEscape(t.ID), t, nil)
}

func (c *Client) GetThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := c.getJSON(ctx, "/api/threads/"+url.PathEscape(id), &t)
	return t, err
}
