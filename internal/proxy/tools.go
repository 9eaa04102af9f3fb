package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vaultchat/internal/queue"
)

const maxToolPayload = 64 << 10

// runTool accepts a confirmed side effect and hands it to the outbox. Replays
// of the same toolCallId succeed without enqueueing twice.
func (s *Server) runTool(c *gin.Context) {
	ctx := c.Request.Context()
	tool := c.Param("tool")
	tenant := tenantID(c)
	if !s.tools[tool] {
		fail(c, http.StatusNotFound, "unknown tool", false)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxToolPayload+1))
	if err != nil || len(raw) > maxToolPayload {
		fail(c, http.StatusBadRequest, "invalid tool payload", false)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		fail(c, http.StatusBadRequest, "tool payload must be a json object", false)
		return
	}

	callID := strings.TrimSpace(c.GetHeader(headerIdempotency))
	if v, ok := fields["toolCallId"]; ok {
		var id string
		if json.Unmarshal(v, &id) == nil && strings.TrimSpace(id) != "" {
			callID = strings.TrimSpace(id)
		}
	}
	dedupe := s.dedupe != nil && callID != ""
	if callID == "" {
		callID = uuid.NewString()
	}

	if dedupe {
		first, err := s.dedupe.MarkFirst(ctx, tenant, callID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenant).Msg("tool dedupe failed")
			fail(c, http.StatusServiceUnavailable, "side effect could not be accepted", true)
			return
		}
		if !first {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
	}

	_, err = s.outbox.Enqueue(ctx, queue.SideEffectJob{
		TenantID:   tenant,
		Actor:      actor(c),
		Tool:       tool,
		ToolCallID: callID,
		Payload:    raw,
	})
	if err != nil {
		if dedupe {
			if rerr := s.dedupe.Release(ctx, tenant, callID); rerr != nil {
				s.logger.Warn().Err(rerr).Str("tenant_id", tenant).Msg("release tool dedupe failed")
			}
		}
		s.logger.Error().Err(err).Str("tenant_id", tenant).Str("tool", tool).Msg("enqueue side effect failed")
		fail(c, http.StatusServiceUnavailable, "side effect could not be accepted", true)
		return
	}
	s.metrics.SideEffectsQueued.Inc()
	s.logger.Info().Str("tenant_id", tenant).Str("tool", tool).Str("tool_call_id", callID).Msg("side effect accepted")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
