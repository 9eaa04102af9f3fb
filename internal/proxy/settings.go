package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vaultchat/internal/llmconfig"
	"vaultchat/internal/policy"
)

func (s *Server) getSettings(c *gin.Context) {
	v, err := s.settings.Describe(c.Request.Context(), tenantID(c))
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Msg("describe llm configuration failed")
		fail(c, http.StatusInternalServerError, "settings unavailable", true)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) putSettings(c *gin.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	var in llmconfig.Input
	if err := dec.Decode(&in); err != nil {
		msg := "invalid settings body"
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			msg = "unknown config key " + strings.TrimPrefix(err.Error(), "json: unknown field ")
		}
		fail(c, http.StatusBadRequest, msg, false)
		return
	}

	v, err := s.settings.Put(c.Request.Context(), tenantID(c), actor(c), in)
	if err != nil {
		var cerr *llmconfig.ConfigurationError
		if errors.As(err, &cerr) {
			fail(c, http.StatusBadRequest, cerr.Error(), false)
			return
		}
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Msg("save llm configuration failed")
		fail(c, http.StatusInternalServerError, "settings could not be saved", true)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) deleteSettings(c *gin.Context) {
	err := s.settings.Delete(c.Request.Context(), tenantID(c), actor(c))
	if errors.Is(err, llmconfig.ErrNotConfigured) {
		fail(c, http.StatusNotFound, "llm configuration not found", false)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Msg("delete llm configuration failed")
		fail(c, http.StatusInternalServerError, "settings could not be deleted", true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) testSettings(c *gin.Context) {
	v, err := s.settings.Test(c.Request.Context(), tenantID(c), actor(c))
	switch {
	case errors.Is(err, llmconfig.ErrNotConfigured):
		fail(c, http.StatusNotFound, "llm configuration not found", false)
		return
	case errors.Is(err, policy.ErrCredential):
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Msg("stored credential unusable")
		fail(c, http.StatusInternalServerError, "connectivity test failed", false)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Msg("connectivity test failed")
		fail(c, http.StatusInternalServerError, "connectivity test failed", true)
		return
	}
	if v.LastTestResult != nil {
		s.metrics.ConnectivityTests.WithLabelValues(*v.LastTestResult).Inc()
	}
	c.JSON(http.StatusOK, v)
}
