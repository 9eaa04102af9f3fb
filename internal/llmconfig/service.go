package llmconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vaultchat/internal/crypto"
	"vaultchat/internal/policy"
	"vaultchat/internal/providers"
	"vaultchat/internal/providers/registry"
	"vaultchat/internal/storage"
)

var ErrNotConfigured = errors.New("llm configuration not found")

// ConfigurationError rejects a write before anything is encrypted or stored.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid llm configuration: %s %s", e.Field, e.Reason)
}

// View is the only shape of a configuration that leaves the server.
type View struct {
	Configured        bool       `json:"configured"`
	Provider          string     `json:"provider,omitempty"`
	BaseURL           *string    `json:"baseUrl,omitempty"`
	DefaultModel      *string    `json:"defaultModel,omitempty"`
	Policy            string     `json:"policy,omitempty"`
	MaskedKey         string     `json:"maskedKey,omitempty"`
	LastTestedAt      *time.Time `json:"lastTestedAt,omitempty"`
	LastTestResult    *string    `json:"lastTestResult,omitempty"`
	LastTestLatencyMs *int64     `json:"lastTestLatency,omitempty"`
}

type Input struct {
	Provider     string  `json:"provider"`
	APIKey       string  `json:"apiKey"`
	BaseURL      *string `json:"baseUrl"`
	DefaultModel *string `json:"defaultModel"`
	Policy       string  `json:"policy"`
}

type ProberFactory func(provider, baseURL string) (providers.Prober, error)

type Config struct {
	Store        *storage.Store
	Vault        *crypto.Vault
	Probes       ProberFactory
	ProbeTimeout time.Duration
	Logger       zerolog.Logger
}

type Service struct {
	store        *storage.Store
	vault        *crypto.Vault
	probes       ProberFactory
	probeTimeout time.Duration
	logger       zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.Probes == nil {
		cfg.Probes = func(provider, baseURL string) (providers.Prober, error) {
			return registry.Build(registry.BuildOptions{Provider: provider, BaseURL: baseURL, MaxRetries: 1})
		}
	}
	return &Service{
		store:        cfg.Store,
		vault:        cfg.Vault,
		probes:       cfg.Probes,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
	}
}

// Internal returns the stored record for request building, or nil when the
// tenant has none.
func (s *Service) Internal(ctx context.Context, tenantID string) (*storage.LLMConfiguration, error) {
	c, err := s.store.GetLLMConfiguration(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) Describe(ctx context.Context, tenantID string) (View, error) {
	c, err := s.Internal(ctx, tenantID)
	if err != nil {
		return View{}, err
	}
	if c == nil {
		return View{Configured: false}, nil
	}
	return s.view(c, s.maskStored(tenantID, c.APIKeyEncrypted)), nil
}

// Put creates or replaces the tenant's configuration. An empty APIKey keeps
// the stored ciphertext, which allows policy-only updates.
func (s *Service) Put(ctx context.Context, tenantID, actor string, in Input) (View, error) {
	in, err := normalize(in)
	if err != nil {
		return View{}, err
	}

	var encrypted, masked string
	if in.APIKey != "" {
		encrypted, err = s.vault.Encrypt(in.APIKey)
		if err != nil {
			return View{}, fmt.Errorf("encrypt api key: %w", err)
		}
		masked = crypto.Mask(in.APIKey)
	} else {
		existing, err := s.Internal(ctx, tenantID)
		if err != nil {
			return View{}, err
		}
		if existing == nil {
			return View{}, &ConfigurationError{Field: "apiKey", Reason: "is required"}
		}
		encrypted = existing.APIKeyEncrypted
		masked = s.maskStored(tenantID, encrypted)
	}

	rec := storage.LLMConfiguration{
		TenantID:        tenantID,
		Provider:        in.Provider,
		APIKeyEncrypted: encrypted,
		BaseURL:         in.BaseURL,
		DefaultModel:    in.DefaultModel,
		Policy:          in.Policy,
	}
	if err := s.store.UpsertLLMConfiguration(ctx, rec); err != nil {
		return View{}, err
	}
	s.audit(ctx, tenantID, actor, "llm_config.put", map[string]any{
		"provider":   in.Provider,
		"policy":     in.Policy,
		"masked_key": masked,
		"key_change": in.APIKey != "",
	})
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("provider", in.Provider).
		Str("policy", in.Policy).
		Str("masked_key", masked).
		Msg("llm configuration saved")

	return s.view(&rec, masked), nil
}

func (s *Service) Delete(ctx context.Context, tenantID, actor string) error {
	if err := s.store.DeleteLLMConfiguration(ctx, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotConfigured
		}
		return err
	}
	s.audit(ctx, tenantID, actor, "llm_config.delete", nil)
	return nil
}

// Test probes the provider with the stored key and records the outcome. The
// result is advisory and never consulted for routing.
func (s *Service) Test(ctx context.Context, tenantID, actor string) (View, error) {
	c, err := s.Internal(ctx, tenantID)
	if err != nil {
		return View{}, err
	}
	if c == nil {
		return View{}, ErrNotConfigured
	}

	key, err := s.vault.Decrypt(c.APIKeyEncrypted)
	if err != nil {
		return View{}, fmt.Errorf("%w: %w", policy.ErrCredential, err)
	}

	baseURL := ""
	if c.BaseURL != nil {
		baseURL = *c.BaseURL
	}
	model := ""
	if c.DefaultModel != nil {
		model = *c.DefaultModel
	}

	result := providers.ResultRejected
	start := time.Now()
	prober, err := s.probes(c.Provider, baseURL)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		err = prober.Probe(pctx, providers.ProbeRequest{Model: model, BaseURL: baseURL, APIKey: key})
		cancel()
		result = providers.Classify(err)
	}
	latency := time.Since(start).Milliseconds()
	key = ""

	if err := s.store.RecordLLMTest(ctx, tenantID, result, latency); err != nil {
		return View{}, err
	}
	s.audit(ctx, tenantID, actor, "llm_config.test", map[string]any{"result": result, "latency_ms": latency})
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("provider", c.Provider).
		Str("result", result).
		Int64("latency_ms", latency).
		Msg("llm connectivity probe finished")

	return s.Describe(ctx, tenantID)
}

// RotateKeys re-seals every stored key under the current master key. Rows
// changed concurrently are skipped and picked up on the next run.
func (s *Service) RotateKeys(ctx context.Context) (int, error) {
	keys, err := s.store.ListEncryptedKeys(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, k := range keys {
		stale, err := s.vault.Stale(k.APIKeyEncrypted)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", k.TenantID).Msg("stored key unreadable, skipping rotation")
			continue
		}
		if !stale {
			continue
		}
		next, err := s.vault.ReEncrypt(k.APIKeyEncrypted)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", k.TenantID).Msg("re-encrypt stored key failed")
			continue
		}
		ok, err := s.store.SwapEncryptedKey(ctx, k.TenantID, k.APIKeyEncrypted, next)
		if err != nil {
			return rotated, err
		}
		if ok {
			rotated++
		}
	}
	return rotated, nil
}

func (s *Service) view(c *storage.LLMConfiguration, masked string) View {
	return View{
		Configured:        true,
		Provider:          c.Provider,
		BaseURL:           c.BaseURL,
		DefaultModel:      c.DefaultModel,
		Policy:            c.Policy,
		MaskedKey:         masked,
		LastTestedAt:      c.LastTestedAt,
		LastTestResult:    c.LastTestResult,
		LastTestLatencyMs: c.LastTestLatency,
	}
}

// maskStored degrades to full redaction when the stored key cannot be read.
func (s *Service) maskStored(tenantID, encrypted string) string {
	plain, err := s.vault.Decrypt(encrypted)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("stored key unreadable")
		return crypto.Mask("")
	}
	return crypto.Mask(plain)
}

func (s *Service) audit(ctx context.Context, tenantID, actor, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, _ := json.Marshal(meta)
	if err := s.store.LogAction(ctx, storage.AuditEntry{
		TenantID: tenantID,
		Actor:    actor,
		Action:   action,
		MetaJSON: string(b),
	}); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("action", action).Msg("audit write failed")
	}
}

func normalize(in Input) (Input, error) {
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	if in.Provider == "" {
		return in, &ConfigurationError{Field: "provider", Reason: "is required"}
	}
	if in.Provider == policy.AEGISProvider {
		return in, &ConfigurationError{Field: "provider", Reason: "cannot be the platform default"}
	}
	in.APIKey = strings.TrimSpace(in.APIKey)

	p, err := policy.ParsePolicy(in.Policy)
	if err != nil {
		return in, &ConfigurationError{Field: "policy", Reason: "must be one of choice, byollm_only, aegis_only"}
	}
	in.Policy = string(p)

	in.BaseURL = trimOptional(in.BaseURL)
	if in.BaseURL != nil {
		u, err := url.Parse(*in.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return in, &ConfigurationError{Field: "baseUrl", Reason: "must be an absolute http(s) url"}
		}
	}
	in.DefaultModel = trimOptional(in.DefaultModel)
	return in, nil
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
