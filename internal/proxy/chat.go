package proxy

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vaultchat/internal/crypto"
	"vaultchat/internal/policy"
)

const relayBufferSize = 32 << 10

// chat builds the effective request for the tenant and relays the backend's
// answer. The configuration is re-read and the key re-decrypted per request.
func (s *Server) chat(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := tenantID(c)
	log := s.logger.With().Str("tenant_id", tenant).Logger()

	var req policy.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid chat request", false)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		fail(c, http.StatusBadRequest, "query is required", false)
		return
	}

	if s.limiter != nil {
		allowed, _, resetAt, err := s.limiter.Allow(ctx, tenant, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			s.metrics.RateLimited.Inc()
			c.Header("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			fail(c, http.StatusTooManyRequests, "rate limit exceeded", true)
			return
		}
	}

	cfg, err := s.settings.Internal(ctx, tenant)
	if err != nil {
		log.Error().Err(err).Msg("load llm configuration failed")
		fail(c, http.StatusInternalServerError, "chat request failed", true)
		return
	}

	eff, err := policy.BuildEffectiveRequest(cfg, req, s.vault)
	if err != nil {
		if errors.Is(err, policy.ErrCredential) {
			log.Error().Err(err).Msg("stored credential unusable")
		} else {
			log.Error().Err(err).Msg("build effective request failed")
		}
		fail(c, http.StatusInternalServerError, "chat request failed", false)
		return
	}
	secret := eff.LLMAPIKey
	route := eff.Route.String()
	s.metrics.ChatRequests.WithLabelValues(route).Inc()

	resp, err := s.backend.Query(ctx, eff)
	eff.Wipe()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Info().Str("route", route).Msg("client went away before backend answered")
			c.Abort()
			return
		}
		s.metrics.UpstreamFailures.WithLabelValues("transport").Inc()
		log.Error().Err(redactErr(err, secret)).Str("route", route).Msg("backend request failed")
		fail(c, http.StatusBadGateway, "chat backend unavailable", true)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ue := parseUpstreamError(resp, secret)
		s.metrics.UpstreamFailures.WithLabelValues("status").Inc()
		log.Warn().Int("status", ue.StatusCode).Bool("can_retry", ue.CanRetry).Str("route", route).Msg("backend returned failure")
		fail(c, ue.StatusCode, ue.Message, ue.CanRetry)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSON(contentType) {
		s.relayStream(c, resp, contentType, secret)
		return
	}

	c.Header("Content-Type", contentType)
	c.Status(resp.StatusCode)
	red := crypto.NewRedactor(c.Writer, secret)
	if _, err := io.Copy(red, resp.Body); err != nil {
		log.Warn().Err(redactErr(err, secret)).Msg("relay json body interrupted")
	}
	if err := red.Flush(); err != nil {
		log.Warn().Err(err).Msg("flush json body failed")
	}
}

// relayStream copies frames as they arrive, flushing after every read. The
// upstream content type is kept as is; an empty one stays empty.
func (s *Server) relayStream(c *gin.Context, resp *http.Response, contentType, secret string) {
	if contentType == "" {
		c.Writer.Header()["Content-Type"] = nil
	} else {
		c.Header("Content-Type", contentType)
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(resp.StatusCode)
	c.Writer.Flush()

	red := crypto.NewRedactor(c.Writer, secret)
	buf := make([]byte, relayBufferSize)
	ctx := c.Request.Context()
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := red.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.metrics.UpstreamFailures.WithLabelValues("stream").Inc()
				s.logger.Warn().Err(redactErr(err, secret)).Str("tenant_id", tenantID(c)).Msg("backend stream interrupted")
			}
			_ = red.Flush()
			c.Writer.Flush()
			return
		}
	}
}

// isJSON reports whether the body is a single JSON document. Anything else,
// including a missing content type, is relayed as a stream.
func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func redactErr(err error, secret string) error {
	if err == nil || secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return errors.New(redact(err.Error(), secret))
}
