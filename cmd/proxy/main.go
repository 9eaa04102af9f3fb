package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vaultchat/internal/config"
	"vaultchat/internal/crypto"
	"vaultchat/internal/llmconfig"
	"vaultchat/internal/metrics"
	"vaultchat/internal/notify"
	"vaultchat/internal/providers"
	"vaultchat/internal/providers/registry"
	"vaultchat/internal/proxy"
	"vaultchat/internal/queue"
	"vaultchat/internal/rag"
	"vaultchat/internal/storage"
	"vaultchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("current_key_id", cfg.Crypto.CurrentKeyID).
		Msg("starting vaultchat proxy")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}
	vault := crypto.NewVault(cryptoManager)

	probeClient := &http.Client{Timeout: cfg.Probe.Timeout}
	settings := llmconfig.New(llmconfig.Config{
		Store: store,
		Vault: vault,
		Probes: func(provider, baseURL string) (providers.Prober, error) {
			return registry.Build(registry.BuildOptions{
				Provider:    provider,
				BaseURL:     baseURL,
				HTTPClient:  probeClient,
				MaxRetries:  cfg.Notify.MaxRetries,
				BackoffBase: cfg.Notify.BackoffBase,
			})
		},
		ProbeTimeout: cfg.Probe.Timeout,
		Logger:       log.Logger,
	})

	if cfg.Startup.RotateKeys {
		n, err := settings.RotateKeys(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to rotate stored keys")
		}
		log.Info().Int("rotated", n).Msg("stored keys re-encrypted")
	}

	m := metrics.Global()
	outbox := queue.NewOutbox(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	router := notify.NewRouter()
	if cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhookSender(notify.WebhookConfig{
			URL:         cfg.Notify.WebhookURL,
			HTTPClient:  &http.Client{Timeout: cfg.Notify.ClientTimeout},
			MaxRetries:  cfg.Notify.MaxRetries,
			BackoffBase: cfg.Notify.BackoffBase,
		})
		router.Handle(notify.ToolSendEmail, webhook)
		router.Handle(notify.ToolSendSMS, webhook)
	}
	if cfg.Notify.TelegramBotToken != "" {
		bot, err := gotgbot.NewBot(cfg.Notify.TelegramBotToken, nil)
		if err != nil {
			log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.Notify.TelegramBotToken)).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram channel initialized")
		router.Handle(notify.ToolSendTelegram, notify.NewTelegramSender(bot))
	}

	var tools []string
	for _, t := range []string{notify.ToolSendEmail, notify.ToolSendSMS, notify.ToolSendTelegram} {
		if router.Supports(t) {
			tools = append(tools, t)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		gin.SetMode(gin.ReleaseMode)
		srv := proxy.New(proxy.Config{
			Settings: settings,
			Vault:    vault,
			Backend: rag.New(rag.Config{
				BaseURL:       cfg.RAG.BaseURL,
				QueryPath:     cfg.RAG.QueryPath,
				HeaderTimeout: cfg.RAG.Timeout,
			}),
			Limiter:        queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Dedupe:         queue.NewToolCallDeduplicator(rdb, cfg.Redis.DedupeTTL),
			Outbox:         outbox,
			Threads:        store,
			Tools:          tools,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			HealthPath:     cfg.HTTP.HealthPath,
			MetricsPath:    cfg.HTTP.MetricsPath,
			Ready: func(ctx context.Context) error {
				if err := store.Ping(ctx); err != nil {
					return err
				}
				return rdb.Ping(ctx).Err()
			},
			Logger:  log.Logger,
			Metrics: m,
		})
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Strs("tools", tools).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:         outbox,
			Sender:        router,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		g.Go(func() error {
			return w.Start(gctx, cfg.Worker.Concurrency)
		})
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		if httpServer == nil {
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("runtime error")
	}
	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from gotgbot errors, which embed
// it in request URLs.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		msg = strings.ReplaceAll(msg, "/bot"+token[:idx]+":", "/bot<redacted>:")
	}
	return msg
}
