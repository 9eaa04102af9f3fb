package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vaultchat/internal/storage"
)

type threadMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	IsError   bool            `json:"isError,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

type threadBody struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Messages []threadMessage `json:"messages"`
}

func (s *Server) putThread(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var body threadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid thread body", false)
		return
	}

	msgs := make([]storage.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		if m.ID == "" || (m.Role != "user" && m.Role != "assistant") {
			fail(c, http.StatusBadRequest, "messages need an id and a user or assistant role", false)
			return
		}
		msgs = append(msgs, storage.Message{
			ID:          m.ID,
			ThreadID:    id,
			Role:        m.Role,
			Content:     m.Content,
			IsError:     m.IsError,
			MetaJSON:    string(m.Meta),
			CreatedAtMs: m.CreatedAt,
		})
	}

	err := s.threads.SaveThread(c.Request.Context(), storage.Thread{ID: id, TenantID: tenantID(c), Title: body.Title}, msgs)
	if errors.Is(err, storage.ErrThreadOwnership) {
		fail(c, http.StatusNotFound, "thread not found", false)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Str("thread_id", id).Msg("save thread failed")
		fail(c, http.StatusInternalServerError, "thread could not be saved", true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getThread(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	t, msgs, err := s.threads.GetThread(c.Request.Context(), tenantID(c), id)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "thread not found", false)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID(c)).Str("thread_id", id).Msg("load thread failed")
		fail(c, http.StatusInternalServerError, "thread could not be loaded", true)
		return
	}

	out := threadBody{ID: t.ID, Title: t.Title, Messages: make([]threadMessage, 0, len(msgs))}
	for _, m := range msgs {
		tm := threadMessage{ID: m.ID, Role: m.Role, Content: m.Content, IsError: m.IsError, CreatedAt: m.CreatedAtMs}
		if m.MetaJSON != "" && m.MetaJSON != "{}" {
			tm.Meta = json.RawMessage(m.MetaJSON)
		}
		out.Messages = append(out.Messages, tm)
	}
	c.JSON(http.StatusOK, out)
}
