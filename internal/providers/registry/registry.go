package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"vaultchat/internal/providers"
	"vaultchat/internal/providers/custom_http"
	"vaultchat/internal/providers/openai_compat"
)

var openAICompatibleBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"together":   "https://api.together.xyz/v1",
}

type BuildOptions struct {
	Provider    string
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build returns the prober for a stored provider identifier. Unknown
// identifiers are treated as OpenAI-compatible when a base URL is stored.
func Build(opts BuildOptions) (providers.Prober, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	kind := strings.ToLower(strings.TrimSpace(opts.Provider))
	switch {
	case kind == "anthropic":
		return custom_http.New(custom_http.Config{
			URL:    "https://api.anthropic.com/v1",
			Path:   "/models",
			Method: http.MethodGet,
			Headers: map[string]string{
				"x-api-key":         "{{api_key}}",
				"anthropic-version": "2023-06-01",
			},
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case kind == "custom_http" || kind == "custom-http":
		if baseURL == "" {
			return nil, fmt.Errorf("provider %q requires a base url", opts.Provider)
		}
		return custom_http.New(custom_http.Config{
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case openAICompatibleBaseURLs[kind] != "" || baseURL != "":
		return openai_compat.New(openai_compat.Config{
			DefaultBaseURL: openAICompatibleBaseURLs[kind],
			HTTPClient:     opts.HTTPClient,
			MaxRetries:     opts.MaxRetries,
			BackoffBase:    opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
}
