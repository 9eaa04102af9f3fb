package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vaultchat/internal/crypto"
)

const maxUpstreamErrorBody = 64 << 10

// ErrorResponse is the failure envelope every endpoint returns.
type ErrorResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	CanRetry bool   `json:"canRetry"`
}

// UpstreamError is a non-2xx answer from the RAG backend.
type UpstreamError struct {
	StatusCode int
	Message    string
	CanRetry   bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// parseUpstreamError reads the backend's failure body. The canRetry hint is
// taken from the body when present; otherwise 5xx and 429 are retryable.
// Any occurrence of secret is masked.
func parseUpstreamError(resp *http.Response, secret string) *UpstreamError {
	ue := &UpstreamError{
		StatusCode: resp.StatusCode,
		CanRetry:   resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Message:    fmt.Sprintf("chat backend returned status %d", resp.StatusCode),
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
	if err != nil || len(b) == 0 {
		return ue
	}
	var body struct {
		Error    any    `json:"error"`
		Message  string `json:"message"`
		Detail   string `json:"detail"`
		CanRetry *bool  `json:"canRetry"`
	}
	if json.Unmarshal(b, &body) != nil {
		return ue
	}
	if body.CanRetry != nil {
		ue.CanRetry = *body.CanRetry
	}
	msg := body.Message
	switch v := body.Error.(type) {
	case string:
		msg = v
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			msg = m
		}
	}
	if msg == "" {
		msg = body.Detail
	}
	if msg = strings.TrimSpace(msg); msg != "" {
		ue.Message = truncate(redact(msg, secret), 500)
	}
	return ue
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, crypto.Mask(secret))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func fail(c *gin.Context, status int, msg string, canRetry bool) {
	c.AbortWithStatusJSON(status, ErrorResponse{Success: false, Error: msg, CanRetry: canRetry})
}
