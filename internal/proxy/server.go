package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vaultchat/internal/llmconfig"
	"vaultchat/internal/metrics"
	"vaultchat/internal/policy"
	"vaultchat/internal/queue"
	"vaultchat/internal/storage"
)

// Backend is the remote RAG service.
type Backend interface {
	Query(ctx context.Context, req policy.EffectiveBackendRequest) (*http.Response, error)
}

type Limiter interface {
	Allow(ctx context.Context, tenantID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Deduplicator interface {
	MarkFirst(ctx context.Context, tenantID, toolCallID string) (bool, error)
	Release(ctx context.Context, tenantID, toolCallID string) error
}

type Outbox interface {
	Enqueue(ctx context.Context, job queue.SideEffectJob) (string, error)
}

type ThreadStore interface {
	SaveThread(ctx context.Context, t storage.Thread, msgs []storage.Message) error
	GetThread(ctx context.Context, tenantID, threadID string) (storage.Thread, []storage.Message, error)
}

type Config struct {
	Settings       *llmconfig.Service
	Vault          policy.Decrypter
	Backend        Backend
	Limiter        Limiter
	Dedupe         Deduplicator
	Outbox         Outbox
	Threads        ThreadStore
	Tools          []string
	AllowedOrigins []string
	HealthPath     string
	MetricsPath    string
	Ready          func(ctx context.Context) error
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type Server struct {
	settings *llmconfig.Service
	vault    policy.Decrypter
	backend  Backend
	limiter  Limiter
	dedupe   Deduplicator
	outbox   Outbox
	threads  ThreadStore
	tools    map[string]bool
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	tools := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t] = true
	}
	return &Server{
		settings: cfg.Settings,
		vault:    cfg.Vault,
		backend:  cfg.Backend,
		limiter:  cfg.Limiter,
		dedupe:   cfg.Dedupe,
		outbox:   cfg.Outbox,
		threads:  cfg.Threads,
		tools:    tools,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  m,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{"Content-Type", "Accept", headerTenant, headerUser, headerIdempotency},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET(s.cfg.HealthPath, s.health)
	r.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", requireTenant())
	{
		api.POST("/chat", s.chat)

		settings := api.Group("/settings/llm")
		{
			settings.GET("", s.getSettings)
			settings.PUT("", s.putSettings)
			settings.DELETE("", s.deleteSettings)
			settings.POST("/test", s.testSettings)
		}

		api.POST("/tools/:tool", s.runTool)

		threads := api.Group("/threads")
		{
			threads.GET("/:id", s.getThread)
			threads.PUT("/:id", s.putThread)
		}
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			c.String(http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	c.String(http.StatusOK, "ok")
}
