package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultchat/internal/apiclient"
	"vaultchat/internal/policy"
)

type fakeBackend struct {
	mu      sync.Mutex
	reqs    []policy.ChatRequest
	respond func(ctx context.Context, req policy.ChatRequest) (*apiclient.Response, error)
}

func (f *fakeBackend) Chat(ctx context.Context, req policy.ChatRequest) (*apiclient.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.respond(ctx, req)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func stream(body string) func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
	return func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		return &apiclient.Response{ContentType: "text/event-stream; charset=utf-8", Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

// pipeStream hands back a stream the test writes to. The pipe closes when the
// request context is cancelled, as an HTTP body would.
func pipeStream(w chan<- *io.PipeWriter) func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
	return func(ctx context.Context, _ policy.ChatRequest) (*apiclient.Response, error) {
		pr, pw := io.Pipe()
		go func() {
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		w <- pw
		return &apiclient.Response{ContentType: "text/event-stream", Body: pr}, nil
	}
}

type fakeEffects struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEffects) RunTool(_ context.Context, tool, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tool+":"+id)
	return f.err
}

func (f *fakeEffects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePersister struct {
	mu    sync.Mutex
	saved []apiclient.Thread
	err   error
}

func (f *fakePersister) SaveThread(_ context.Context, t apiclient.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, t)
	return f.err
}

func newSession(t *testing.T, backend Backend, cfg Config) *Session {
	t.Helper()
	cfg.Backend = backend
	cfg.Stream = true
	cfg.Logger = zerolog.Nop()
	if cfg.SideEffects == nil {
		cfg.SideEffects = &fakeEffects{}
	}
	s := NewSession(cfg)
	t.Cleanup(s.Close)
	return s
}

func lastMessage(s *Session) Message {
	st := s.State()
	return st.Messages[len(st.Messages)-1]
}

func TestSessionStreamsAnswer(t *testing.T) {
	backend := &fakeBackend{respond: stream(
		"event: status\ndata: {\"stage\":\"retrieving\"}\n\n" +
			"event: token\ndata: {\"text\":\"Two \"}\n\n" +
			"event: token\ndata: {\"text\":\"broken\n\n" +
			"event: token\ndata: {\"text\":\"years.\"}\n\n" +
			"event: citations\ndata: {\"data\":[{\"documentId\":\"nda.pdf\",\"index\":1}]}\n\n" +
			"event: done\ndata: {\"model_used\":\"openai/gpt-4o\",\"provider\":\"openrouter\"}\n\n",
	)}
	persister := &fakePersister{}
	var snapshots []string
	var mu sync.Mutex
	s := newSession(t, backend, Config{Persister: persister, OnChange: func(st State) {
		mu.Lock()
		snapshots = append(snapshots, st.Buffer)
		mu.Unlock()
	}})

	require.NoError(t, s.Submit(context.Background(), "What is the NDA term?", Options{LLMProvider: "byollm", LLMModel: "openai/gpt-4o"}))

	st := s.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	require.Len(t, st.Messages, 2)
	msg := st.Messages[1]
	assert.Equal(t, "Two years.", msg.Content)
	assert.Equal(t, "openrouter", msg.Provider)
	assert.Equal(t, "openai/gpt-4o", msg.ModelUsed)
	assert.Len(t, msg.Citations, 1)

	req := backend.reqs[0]
	assert.True(t, req.Stream)
	assert.Equal(t, "byollm", req.LLMProvider)
	assert.Equal(t, "openai/gpt-4o", req.LLMModel)
	assert.Empty(t, req.History)

	mu.Lock()
	assert.Contains(t, snapshots, "Two ")
	mu.Unlock()

	s.Close()
	require.NotEmpty(t, persister.saved)
	saved := persister.saved[len(persister.saved)-1]
	assert.Equal(t, "What is the NDA term?", saved.Title)
	assert.Len(t, saved.Messages, 2)
	assert.Equal(t, s.ThreadID(), saved.ID)
}

func TestSessionSendsHistory(t *testing.T) {
	backend := &fakeBackend{respond: stream("event: done\ndata: {\"answer\":\"ok\"}\n\n")}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "first", Options{}))
	require.NoError(t, s.Submit(context.Background(), "second", Options{}))

	h := backend.reqs[1].History
	require.Len(t, h, 2)
	assert.Equal(t, policy.HistoryMessage{Role: "user", Content: "first"}, h[0])
	assert.Equal(t, policy.HistoryMessage{Role: "assistant", Content: "ok"}, h[1])
}

func TestSessionJSONAnswerKeepsProseOnly(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		body := `{"success":true,"data":{"answer":"The NDA term is two years.","confidence":0.91,"citations":[]}}`
		return &apiclient.Response{ContentType: "application/json", Body: io.NopCloser(strings.NewReader(body))}, nil
	}}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "What is the NDA term?", Options{}))

	msg := lastMessage(s)
	assert.Equal(t, "The NDA term is two years.", msg.Content)
	require.NotNil(t, msg.Confidence)
	assert.InDelta(t, 0.91, *msg.Confidence, 1e-9)
}

func TestSessionUpstreamErrorIsSingleMessage(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		return nil, &apiclient.StatusError{StatusCode: 502, Message: "BYOLLM provider failed", CanRetry: false}
	}}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "q", Options{}))

	st := s.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	require.Len(t, st.Messages, 2)
	assert.True(t, st.Messages[1].IsError)
	assert.Equal(t, "BYOLLM provider failed", st.Messages[1].Content)
	assert.Equal(t, false, st.Messages[1].Metadata["canRetry"])
	assert.Equal(t, 1, backend.calls())
}

func TestSessionTransportErrorDefaultsToRetryable(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "q", Options{}))
	msg := lastMessage(s)
	assert.True(t, msg.IsError)
	assert.Equal(t, true, msg.Metadata["canRetry"])
}

func TestSessionStopKeepsPartial(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	tokens := make(chan string, 16)
	s := newSession(t, &fakeBackend{respond: pipeStream(writers)}, Config{OnChange: func(st State) {
		if st.Buffer != "" {
			tokens <- st.Buffer
		}
	}})

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "What is the NDA term?", Options{}) }()

	pw := <-writers
	_, err := io.WriteString(pw, "event: token\ndata: {\"text\":\"Two ye\"}\n\n")
	require.NoError(t, err)
	select {
	case got := <-tokens:
		assert.Equal(t, "Two ye", got)
	case <-time.After(2 * time.Second):
		t.Fatal("token was not applied")
	}

	assert.ErrorIs(t, s.Submit(context.Background(), "again", Options{}), ErrBusy)
	assert.True(t, s.Stop())
	require.NoError(t, <-done)

	st := s.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "Two ye"+StopMarker, st.Messages[1].Content)
	assert.False(t, st.Messages[1].IsError)
}

func TestSessionStopBeforeContentAddsNothing(t *testing.T) {
	started := make(chan struct{})
	backend := &fakeBackend{respond: func(ctx context.Context, _ policy.ChatRequest) (*apiclient.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newSession(t, backend, Config{})

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), "q", Options{}) }()
	<-started
	s.Stop()
	require.NoError(t, <-done)

	st := s.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, RoleUser, st.Messages[0].Role)
}

func TestSessionLocalToolBypassesBackend(t *testing.T) {
	backend := &fakeBackend{respond: stream("")}
	now := func() time.Time { return t0 }
	s := newSession(t, backend, Config{Now: now})

	require.NoError(t, s.Submit(context.Background(), "what time is it?", Options{}))
	require.NoError(t, s.Submit(context.Background(), "calculate 2 + 3 * 4", Options{}))

	assert.Zero(t, backend.calls())
	st := s.State()
	require.Len(t, st.Messages, 4)
	assert.Contains(t, st.Messages[1].Content, "09:30")
	assert.Equal(t, "2 + 3 * 4 = 14", st.Messages[3].Content)
	assert.Nil(t, st.Messages[3].Confidence)
}

func TestSessionRejectsEmptyQuery(t *testing.T) {
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{})
	assert.ErrorIs(t, s.Submit(context.Background(), "   ", Options{}), ErrEmptyQuery)
}

func TestSessionConfirmRunsSideEffectOnce(t *testing.T) {
	effects := &fakeEffects{}
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{SideEffects: effects})

	require.NoError(t, s.Submit(context.Background(), "email alice@example.com saying the NDA is signed", Options{}))
	st := s.State()
	require.NotNil(t, st.Confirmation)
	req := *st.Confirmation
	assert.Equal(t, ToolSendEmail, req.ToolName)
	assert.Equal(t, SeverityHigh, req.Severity)
	assert.Equal(t, "alice@example.com", req.Payload["to"])
	assert.Equal(t, "the NDA is signed", req.Payload["body"])
	assert.Zero(t, effects.count())

	require.NoError(t, s.Confirm(context.Background(), req.ToolCallID))
	assert.ErrorIs(t, s.Confirm(context.Background(), req.ToolCallID), ErrNoPendingConfirmation)
	assert.ErrorIs(t, s.Deny(req.ToolCallID), ErrNoPendingConfirmation)

	assert.Equal(t, 1, effects.count())
	st = s.State()
	assert.Nil(t, st.Confirmation)
	assert.Equal(t, "Sent via send-email.", lastMessage(s).Content)
}

func TestSessionDenyPerformsNoSideEffect(t *testing.T) {
	effects := &fakeEffects{}
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{SideEffects: effects})

	require.NoError(t, s.Submit(context.Background(), "text +1 555 123 4567 saying running late", Options{}))
	req := *s.State().Confirmation
	assert.Equal(t, "+15551234567", req.Payload["to"])

	require.NoError(t, s.Deny(req.ToolCallID))
	assert.Zero(t, effects.count())
	assert.Nil(t, s.State().Confirmation)
	assert.Equal(t, "Cancelled. Nothing was sent.", lastMessage(s).Content)
}

func TestSessionConfirmationExpires(t *testing.T) {
	effects := &fakeEffects{}
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{SideEffects: effects, ConfirmTTL: 20 * time.Millisecond})

	require.NoError(t, s.Submit(context.Background(), "email bob@example.com saying hello", Options{}))
	id := s.State().Confirmation.ToolCallID

	require.Eventually(t, func() bool { return s.State().Confirmation == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Confirmation timed out. Nothing was sent.", lastMessage(s).Content)
	assert.ErrorIs(t, s.Confirm(context.Background(), id), ErrNoPendingConfirmation)
	assert.Zero(t, effects.count())
}

func TestSessionSecondConfirmationWaits(t *testing.T) {
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{})

	require.NoError(t, s.Submit(context.Background(), "email alice@example.com saying one", Options{}))
	first := s.State().Confirmation.ToolCallID
	require.NoError(t, s.Submit(context.Background(), "email bob@example.com saying two", Options{}))

	st := s.State()
	assert.Equal(t, first, st.Confirmation.ToolCallID)
	assert.Contains(t, lastMessage(s).Content, "awaiting confirmation")
}

func TestSessionPersistFailureIsNotVisible(t *testing.T) {
	persister := &fakePersister{err: errors.New("db down")}
	s := newSession(t, &fakeBackend{respond: stream("event: token\ndata: {\"text\":\"fine\"}\n\n")}, Config{Persister: persister})

	require.NoError(t, s.Submit(context.Background(), "q", Options{}))
	s.Close()
	msg := lastMessage(s)
	assert.Equal(t, "fine", msg.Content)
	assert.False(t, msg.IsError)
}

func TestSessionRestore(t *testing.T) {
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{})
	thread := buildThread("t-saved", []Message{
		{ID: "u1", Role: RoleUser, Content: "What is the NDA term?", CreatedAt: t0},
		{ID: "a1", Role: RoleAssistant, Content: "Two years.", Provider: "openrouter", Citations: []Citation{{DocumentID: "nda.pdf", Index: 1}}, CreatedAt: t0.Add(time.Second)},
	})

	require.NoError(t, s.Restore(thread))
	assert.Equal(t, "t-saved", s.ThreadID())
	st := s.State()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "openrouter", st.Messages[1].Provider)
	assert.Equal(t, "nda.pdf", st.Messages[1].Citations[0].DocumentID)
	assert.True(t, st.Messages[0].CreatedAt.Equal(t0))
}

func TestSessionReadsUntypedBodiesAsFrames(t *testing.T) {
	for _, ct := range []string{"", "text/plain", "text/event-stream"} {
		backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
			body := "event: token\ndata: {\"text\":\"Hello\"}\n\nevent: done\ndata: {}\n\n"
			return &apiclient.Response{ContentType: ct, Body: io.NopCloser(strings.NewReader(body))}, nil
		}}
		s := newSession(t, backend, Config{})
		require.NoError(t, s.Submit(context.Background(), "hi", Options{}), ct)

		msg := lastMessage(s)
		assert.Equal(t, "Hello", msg.Content, ct)
		assert.False(t, msg.IsError, ct)
	}
}

func TestSessionJSONSuffixContentType(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		return &apiclient.Response{ContentType: "application/vnd.rag+json; charset=utf-8", Body: io.NopCloser(strings.NewReader(`{"answer":"flat"}`))}, nil
	}}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "hi", Options{}))
	assert.Equal(t, "flat", lastMessage(s).Content)
}

func TestSessionMalformedJSONAnswer(t *testing.T) {
	backend := &fakeBackend{respond: func(context.Context, policy.ChatRequest) (*apiclient.Response, error) {
		return &apiclient.Response{ContentType: "application/json", Body: io.NopCloser(strings.NewReader(`{"answer":`))}, nil
	}}
	s := newSession(t, backend, Config{})
	require.NoError(t, s.Submit(context.Background(), "hi", Options{}))

	msg := lastMessage(s)
	assert.True(t, msg.IsError)
	assert.Equal(t, "The chat service returned an answer that could not be read.", msg.Content)
	assert.Equal(t, false, msg.Metadata["canRetry"])
}

func TestSessionRestoreExpiresPendingConfirmation(t *testing.T) {
	persister := &fakePersister{}
	effects := &fakeEffects{}
	s := newSession(t, &fakeBackend{respond: stream("")}, Config{Persister: persister, SideEffects: effects})
	oldID := s.ThreadID()

	require.NoError(t, s.Submit(context.Background(), "email alice@example.com saying hi", Options{}))
	id := s.State().Confirmation.ToolCallID

	require.NoError(t, s.Restore(buildThread("t-saved", []Message{{ID: "u1", Role: RoleUser, Content: "earlier", CreatedAt: t0}})))
	assert.Nil(t, s.State().Confirmation)
	assert.ErrorIs(t, s.Confirm(context.Background(), id), ErrNoPendingConfirmation)
	assert.Zero(t, effects.count())

	s.Close()
	persister.mu.Lock()
	defer persister.mu.Unlock()
	var expired bool
	for _, th := range persister.saved {
		if th.ID != oldID {
			continue
		}
		last := th.Messages[len(th.Messages)-1]
		expired = expired || last.Content == "Confirmation timed out. Nothing was sent."
	}
	assert.True(t, expired, "old thread should record the expired confirmation")
}
