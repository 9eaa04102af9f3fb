package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultchat/internal/crypto"
	"vaultchat/internal/llmconfig"
	"vaultchat/internal/notify"
	"vaultchat/internal/queue"
	"vaultchat/internal/rag"
	"vaultchat/internal/storage"
)

const rawKey = "sk-or-v1-0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	mu       sync.Mutex
	received []map[string]any
	handler  http.HandlerFunc
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	b.mu.Lock()
	b.received = append(b.received, m)
	b.mu.Unlock()
	b.handler(w, r)
}

func (b *fakeBackend) last() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received[len(b.received)-1]
}

type harness struct {
	router  *gin.Engine
	backend *fakeBackend
	store   *storage.Store
	rdb     *redis.Client
	limiter *queue.RateLimiter
}

func newHarness(t *testing.T, ratePerHour int64) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "proxy.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.NoError(t, err)
	m, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	require.NoError(t, err)
	vault := crypto.NewVault(m)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"answer":"The NDA term is two years.","confidence":0.91,"citations":[]}}`))
	}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	limiter := queue.NewRateLimiter(rdb, ratePerHour)
	s := New(Config{
		Settings: llmconfig.New(llmconfig.Config{Store: store, Vault: vault, Logger: zerolog.Nop()}),
		Vault:    vault,
		Backend:  rag.New(rag.Config{BaseURL: srv.URL}),
		Limiter:  limiter,
		Dedupe:   queue.NewToolCallDeduplicator(rdb, time.Hour),
		Outbox:   queue.NewOutbox(rdb, "test:outbox", "workers", "c1", 10*time.Millisecond),
		Threads:  store,
		Tools:    []string{notify.ToolSendEmail, notify.ToolSendSMS},
		Logger:   zerolog.Nop(),
	})
	return &harness{router: s.Router(), backend: backend, store: store, rdb: rdb, limiter: limiter}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenant, "acme")
	req.Header.Set(headerUser, "u1")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) configure(t *testing.T, policy string) {
	t.Helper()
	rec := h.do(t, http.MethodPut, "/api/settings/llm",
		`{"provider":"openrouter","apiKey":"`+rawKey+`","defaultModel":"anthropic/claude-3.5-sonnet","baseUrl":"https://openrouter.ai/api/v1","policy":"`+policy+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestMissingTenantIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/settings/llm", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettingsNeverReturnRawKey(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, http.MethodGet, "/api/settings/llm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"configured":false}`, rec.Body.String())

	rec = h.do(t, http.MethodPut, "/api/settings/llm", `{"provider":"openrouter","apiKey":"`+rawKey+`","policy":"choice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), rawKey)
	assert.Contains(t, rec.Body.String(), `"maskedKey":"sk-or***def"`)

	rec = h.do(t, http.MethodGet, "/api/settings/llm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawKey)
	assert.NotContains(t, rec.Body.String(), crypto.FormatV1)
	var view llmconfig.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Configured)
	assert.Equal(t, "openrouter", view.Provider)
}

func TestSettingsRejectInvalidInput(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, http.MethodPut, "/api/settings/llm", `{"provider":"openai","apiKey":"`+rawKey+`","temperature":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown config key")

	rec = h.do(t, http.MethodPut, "/api/settings/llm", `{"provider":"openai","apiKey":"`+rawKey+`","policy":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawKey)

	rec = h.do(t, http.MethodDelete, "/api/settings/llm", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatChoiceInjectsStoredProviderWithClientModel(t *testing.T) {
	h := newHarness(t, 0)
	h.configure(t, "choice")

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"What is the NDA term?","history":[],"stream":false,"llmProvider":"byollm","llmModel":"openai/gpt-4o"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true,"data":{"answer":"The NDA term is two years.","confidence":0.91,"citations":[]}}`, rec.Body.String())

	got := h.backend.last()
	assert.Equal(t, "openrouter", got["llmProvider"])
	assert.Equal(t, "openai/gpt-4o", got["llmModel"])
	assert.Equal(t, rawKey, got["llmApiKey"])
	assert.Equal(t, "https://openrouter.ai/api/v1", got["llmBaseUrl"])
}

func TestChatAEGISOnlyStripsFields(t *testing.T) {
	h := newHarness(t, 0)
	h.configure(t, "aegis_only")

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q","llmProvider":"byollm","llmModel":"openai/gpt-4o","llmApiKey":"client-supplied"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := h.backend.last()
	for _, k := range []string{"llmProvider", "llmModel", "llmApiKey", "llmBaseUrl"} {
		_, ok := got[k]
		assert.False(t, ok, k)
	}
}

func TestChatStreamIsRelayedWithKeyRedacted(t *testing.T) {
	h := newHarness(t, 0)
	h.configure(t, "byollm_only")
	h.backend.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		f := w.(http.Flusher)
		frames := []string{
			"event: status\ndata: {\"stage\":\"retrieving\"}\n\n",
			"event: token\ndata: {\"text\":\"Two \"}\n\n",
			"event: token\ndata: {\"text\":\"years. debug key=" + rawKey[:7],
			rawKey[7:] + "\"}\n\n",
			"event: done\ndata: {\"answer\":\"Two years.\"}\n\n",
		}
		for _, fr := range frames {
			_, _ = io.WriteString(w, fr)
			f.Flush()
		}
	}

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.NotContains(t, body, rawKey)
	assert.Contains(t, body, "debug key=sk-or***def")
	assert.Contains(t, body, "event: token\ndata: {\"text\":\"Two \"}\n\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {\"answer\":\"Two years.\"}\n\n"))
}

func TestChatUntypedBodyIsRelayedAsStream(t *testing.T) {
	for _, ct := range []string{"", "text/plain"} {
		t.Run("content-type="+ct, func(t *testing.T) {
			h := newHarness(t, 0)
			h.configure(t, "byollm_only")
			h.backend.handler = func(w http.ResponseWriter, r *http.Request) {
				if ct == "" {
					w.Header()["Content-Type"] = nil
				} else {
					w.Header().Set("Content-Type", ct)
				}
				f := w.(http.Flusher)
				for _, fr := range []string{
					"event: token\ndata: {\"text\":\"Hel\"}\n\n",
					"event: token\ndata: {\"text\":\"lo\"}\n\n",
					"event: done\ndata: {}\n\n",
				} {
					_, _ = io.WriteString(w, fr)
					f.Flush()
				}
			}

			rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q","stream":true}`)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, ct, rec.Header().Get("Content-Type"))
			assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
			assert.Equal(t, "event: token\ndata: {\"text\":\"Hel\"}\n\n"+
				"event: token\ndata: {\"text\":\"lo\"}\n\n"+
				"event: done\ndata: {}\n\n", rec.Body.String())
		})
	}
}

func TestChatUpstreamFailureCarriesCanRetry(t *testing.T) {
	h := newHarness(t, 0)
	h.configure(t, "byollm_only")
	h.backend.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"error":"BYOLLM provider rejected key ` + rawKey + `","canRetry":false}`))
	}

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawKey)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.False(t, resp.CanRetry)
	assert.Contains(t, resp.Error, "sk-or***def")
}

func TestChatUpstreamFailureDefaultsCanRetry(t *testing.T) {
	h := newHarness(t, 0)
	h.backend.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.CanRetry)
}

func TestChatTransportFailure(t *testing.T) {
	h := newHarness(t, 0)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	s := New(Config{
		Settings: llmconfig.New(llmconfig.Config{Store: h.store, Logger: zerolog.Nop()}),
		Backend:  rag.New(rag.Config{BaseURL: dead.URL}),
		Logger:   zerolog.Nop(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(`{"query":"q"}`))
	req.Header.Set(headerTenant, "acme")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"chat backend unavailable","canRetry":true}`, rec.Body.String())
}

func TestChatCredentialFormatErrorIsGeneric(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.store.UpsertLLMConfiguration(context.Background(), storage.LLMConfiguration{
		TenantID:        "acme",
		Provider:        "openrouter",
		APIKeyEncrypted: "kms2:opaque",
		Policy:          "byollm_only",
	}))

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"chat request failed","canRetry":false}`, rec.Body.String())
	assert.Empty(t, h.backend.received)
}

func TestChatRateLimited(t *testing.T) {
	h := newHarness(t, 1)

	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/chat", `{"query":"q"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestChatRequiresQuery(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, http.MethodPost, "/api/chat", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsAreIdempotentPerCall(t *testing.T) {
	h := newHarness(t, 0)
	payload := `{"toolCallId":"call-1","to":"alice@example.com","subject":"Hi","body":"hello"}`

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/api/tools/send-email", payload)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	}

	n, err := h.rdb.XLen(context.Background(), "test:outbox").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec := h.do(t, http.MethodPost, "/api/tools/launch-missiles", payload)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/tools/send-sms", `["not","an","object"]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadsRoundTrip(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, http.MethodPut, "/api/threads/t1", `{"title":"NDA","messages":[
		{"id":"m1","role":"user","content":"What is the NDA term?","createdAt":1},
		{"id":"m2","role":"assistant","content":"Two years.","meta":{"provider":"openrouter"},"createdAt":2}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/threads/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got threadBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "NDA", got.Title)
	require.Len(t, got.Messages, 2)
	assert.JSONEq(t, `{"provider":"openrouter"}`, string(got.Messages[1].Meta))

	rec = h.do(t, http.MethodPut, "/api/threads/t2", `{"messages":[{"id":"x","role":"system","content":"nope"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
