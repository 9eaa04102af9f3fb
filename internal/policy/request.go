package policy

import (
	"errors"
	"fmt"
	"strings"

	"vaultchat/internal/storage"
)

// AEGISProvider is the llmProvider value a client sends to ask for the
// platform default explicitly.
const AEGISProvider = "aegis"

var ErrCredential = errors.New("stored credential could not be decrypted")

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is what a browser client may send. Any key or base URL the
// client tries to pass is not part of this type and never reaches upstream.
type ChatRequest struct {
	Query         string           `json:"query"`
	History       []HistoryMessage `json:"history"`
	Stream        bool             `json:"stream"`
	PrivilegeMode bool             `json:"privilegeMode"`
	LLMProvider   string           `json:"llmProvider,omitempty"`
	LLMModel      string           `json:"llmModel,omitempty"`
}

// WantsBYOLLM reports whether the client asked for its tenant's own model.
func (r ChatRequest) WantsBYOLLM() bool {
	p := strings.ToLower(strings.TrimSpace(r.LLMProvider))
	return p != "" && p != AEGISProvider
}

// EffectiveBackendRequest is forwarded server-to-server only. LLMAPIKey is
// plaintext.
type EffectiveBackendRequest struct {
	Query         string           `json:"query"`
	History       []HistoryMessage `json:"history"`
	Stream        bool             `json:"stream"`
	PrivilegeMode bool             `json:"privilegeMode"`
	LLMProvider   string           `json:"llmProvider,omitempty"`
	LLMModel      string           `json:"llmModel,omitempty"`
	LLMAPIKey     string           `json:"llmApiKey,omitempty"`
	LLMBaseURL    string           `json:"llmBaseUrl,omitempty"`

	Route Route `json:"-"`
}

// HasBYOLLM reports whether any BYOLLM field is set.
func (r EffectiveBackendRequest) HasBYOLLM() bool {
	return r.LLMProvider != "" || r.LLMModel != "" || r.LLMAPIKey != "" || r.LLMBaseURL != ""
}

// Wipe drops the plaintext key reference once the request has been sent.
func (r *EffectiveBackendRequest) Wipe() {
	r.LLMAPIKey = ""
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// BuildEffectiveRequest applies the routing table. The key is decrypted only
// when the route injects BYOLLM fields.
func BuildEffectiveRequest(cfg *storage.LLMConfiguration, req ChatRequest, dec Decrypter) (EffectiveBackendRequest, error) {
	out := EffectiveBackendRequest{
		Query:         req.Query,
		History:       req.History,
		Stream:        req.Stream,
		PrivilegeMode: req.PrivilegeMode,
	}
	if out.History == nil {
		out.History = []HistoryMessage{}
	}

	p := PolicyNone
	if cfg != nil {
		p = Policy(cfg.Policy)
	}
	out.Route = Decide(p, cfg != nil, req.WantsBYOLLM())
	if out.Route == RouteAEGIS {
		return out, nil
	}

	key, err := dec.Decrypt(cfg.APIKeyEncrypted)
	if err != nil {
		return EffectiveBackendRequest{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}

	out.LLMProvider = cfg.Provider
	out.LLMAPIKey = key
	if cfg.DefaultModel != nil {
		out.LLMModel = *cfg.DefaultModel
	}
	if cfg.BaseURL != nil {
		out.LLMBaseURL = *cfg.BaseURL
	}
	if out.Route == RouteBYOLLMClientModel && strings.TrimSpace(req.LLMModel) != "" {
		out.LLMModel = strings.TrimSpace(req.LLMModel)
	}
	return out, nil
}
