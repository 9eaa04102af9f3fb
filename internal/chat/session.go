package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vaultchat/internal/apiclient"
	"vaultchat/internal/policy"
)

var (
	ErrBusy       = errors.New("a query is already in flight")
	ErrEmptyQuery = errors.New("query is empty")
)

const maxAnswerBytes = 4 << 20

// Backend sends a query to the proxy. Non-2xx answers come back as
// *apiclient.StatusError.
type Backend interface {
	Chat(ctx context.Context, req policy.ChatRequest) (*apiclient.Response, error)
}

type Persister interface {
	SaveThread(ctx context.Context, t apiclient.Thread) error
}

// Options are the routing choices the user has made for a query.
type Options struct {
	LLMProvider   string
	LLMModel      string
	PrivilegeMode bool
}

type Config struct {
	Backend     Backend
	SideEffects SideEffects
	// Persister is optional. Saves run in the background.
	Persister      Persister
	Classifier     *Classifier
	ThreadID       string
	Stream         bool
	ConfirmTTL     time.Duration
	PersistTimeout time.Duration
	// OnChange receives every state snapshot. It may be called from the
	// confirmation timer goroutine.
	OnChange func(State)
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Session drives one conversation. At most one query is in flight at a time.
type Session struct {
	cfg           Config
	now           func() time.Time
	classifier    *Classifier
	confirmations *Confirmations
	logger        zerolog.Logger

	mu       sync.Mutex
	state    State
	threadID string
	inflight bool
	cancel   context.CancelFunc

	saves sync.WaitGroup
}

func NewSession(cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 2 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(cfg.Now)
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = uuid.NewString()
	}
	s := &Session{
		cfg:        cfg,
		now:        cfg.Now,
		classifier: cfg.Classifier,
		logger:     cfg.Logger,
		threadID:   cfg.ThreadID,
	}
	s.confirmations = NewConfirmations(cfg.SideEffects, cfg.Now, s.resolved)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) update(fn func(State) State) State {
	s.mu.Lock()
	s.state = fn(s.state)
	st := s.state
	s.mu.Unlock()
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(st)
	}
	return st
}

func (s *Session) stamp() Stamp {
	return NewStamp(s.now())
}

// Submit runs one turn and blocks until it is finished, stopped or failed.
// Turn failures end up as error messages in the state; the returned error
// only reports a query that was not accepted.
func (s *Session) Submit(ctx context.Context, text string, opts Options) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyQuery
	}

	s.mu.Lock()
	if s.inflight {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inflight = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	history := History(s.state.Messages)
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.inflight = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	user := Message{ID: uuid.NewString(), Role: RoleUser, Content: text, CreatedAt: s.now()}
	if inv, ok := s.classifier.Classify(text); ok {
		s.runTool(ctx, inv, user)
		s.persist()
		return nil
	}

	s.update(func(st State) State { return Submit(st, user) })
	s.dispatch(ctx, policy.ChatRequest{
		Query:         text,
		History:       history,
		Stream:        s.cfg.Stream,
		PrivilegeMode: opts.PrivilegeMode,
		LLMProvider:   opts.LLMProvider,
		LLMModel:      opts.LLMModel,
	})
	s.update(Reset)
	s.persist()
	return nil
}

// Stop cancels the in-flight query, if any.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *Session) dispatch(ctx context.Context, req policy.ChatRequest) {
	resp, err := s.cfg.Backend.Chat(ctx, req)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	defer resp.Body.Close()

	if isJSON(resp.ContentType) {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
		if err != nil {
			s.fail(ctx, err)
			return
		}
		a, err := ParseAnswer(b)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		s.update(func(st State) State { return CompleteJSON(st, a, s.stamp()) })
		return
	}

	s.update(BeginStream)
	dec := NewFrameDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(ctx, err)
			return
		}
		ev, ok := ParseFrame(f)
		if !ok {
			s.logger.Debug().Str("event", f.Event).Msg("skipping unparseable frame")
			continue
		}
		s.update(func(st State) State { return ApplyEvent(st, ev) })
	}
	if ctx.Err() != nil {
		s.update(func(st State) State { return Abort(st, s.stamp()) })
		return
	}
	s.update(func(st State) State { return Finalize(st, s.stamp()) })
}

// fail ends the turn. A cancelled context means the user stopped it, which
// keeps partial content instead of reporting an error.
func (s *Session) fail(ctx context.Context, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		s.update(func(st State) State { return Abort(st, s.stamp()) })
		return
	}

	msg, canRetry := "The chat service could not be reached. Please try again.", true
	var se *apiclient.StatusError
	switch {
	case errors.As(err, &se):
		canRetry = se.CanRetry
		msg = se.Message
		if msg == "" {
			msg = fmt.Sprintf("The chat service returned an error (status %d).", se.StatusCode)
		}
	case errors.Is(err, ErrBackendFailed):
		msg, canRetry = "The chat service could not answer this question.", false
	case errors.Is(err, ErrMalformedAnswer):
		msg, canRetry = "The chat service returned an answer that could not be read.", false
	case errors.Is(err, context.DeadlineExceeded):
		msg = "The chat service took too long to answer."
	}
	s.logger.Warn().Err(err).Bool("can_retry", canRetry).Msg("chat turn failed")
	s.update(func(st State) State { return Fail(st, msg, canRetry, s.stamp()) })
}

func (s *Session) runTool(ctx context.Context, inv Invocation, user Message) {
	res, err := inv.Run(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", inv.Tool).Msg("local tool failed")
		res = ToolResult{Display: fmt.Sprintf("The %s tool failed.", inv.Tool)}
	}
	reply := Message{
		ID:        uuid.NewString(),
		Content:   res.Display,
		Metadata:  map[string]any{"tool": inv.Tool},
		CreatedAt: s.now(),
	}

	if !res.RequiresConfirmation {
		s.update(func(st State) State { return AppendToolResult(st, user, reply) })
		return
	}
	if _, busy := s.confirmations.Pending(); busy {
		reply.Content = "Another action is still awaiting confirmation. Confirm or cancel it first."
		s.update(func(st State) State { return AppendToolResult(st, user, reply) })
		return
	}

	req := ConfirmationRequest{
		ToolCallID: uuid.NewString(),
		ToolName:   res.ToolName,
		Payload:    res.Payload,
		Severity:   res.Severity,
		ExpiresAt:  s.now().Add(s.cfg.ConfirmTTL),
	}
	reply.Metadata["toolCallId"] = req.ToolCallID
	s.update(func(st State) State {
		return SetConfirmation(AppendToolResult(st, user, reply), &req)
	})
	if err := s.confirmations.Request(req); err != nil {
		s.update(func(st State) State { return SetConfirmation(st, nil) })
		s.logger.Warn().Err(err).Msg("confirmation not registered")
	}
}

// Confirm executes the pending side effect identified by id.
func (s *Session) Confirm(ctx context.Context, id string) error {
	return s.confirmations.Confirm(ctx, id)
}

func (s *Session) Deny(id string) error {
	return s.confirmations.Deny(id)
}

func (s *Session) resolved(r Resolution) {
	notice := Message{
		ID:        uuid.NewString(),
		Metadata:  map[string]any{"tool": r.Request.ToolName, "toolCallId": r.Request.ToolCallID, "outcome": r.Outcome.String()},
		CreatedAt: s.now(),
	}
	switch {
	case r.Outcome == OutcomeConfirmed && r.Err == nil:
		notice.Content = fmt.Sprintf("Sent via %s.", r.Request.ToolName)
	case r.Outcome == OutcomeConfirmed:
		notice.Content = fmt.Sprintf("The %s request failed. Nothing was confirmed as sent.", r.Request.ToolName)
		notice.IsError = true
	case r.Outcome == OutcomeDenied:
		notice.Content = "Cancelled. Nothing was sent."
	default:
		notice.Content = "Confirmation timed out. Nothing was sent."
	}
	if r.Err != nil {
		s.logger.Warn().Err(r.Err).Str("tool", r.Request.ToolName).Msg("side effect failed")
	}

	s.update(func(st State) State {
		if st.Confirmation != nil && st.Confirmation.ToolCallID == r.Request.ToolCallID {
			st = SetConfirmation(st, nil)
		}
		return AppendNotice(st, notice)
	})
	s.persist()
}

// persist saves the thread in the background. Failures are only logged.
func (s *Session) persist() {
	if s.cfg.Persister == nil {
		return
	}
	s.mu.Lock()
	t := buildThread(s.threadID, s.state.Messages)
	s.mu.Unlock()
	if len(t.Messages) == 0 {
		return
	}

	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer cancel()
		if err := s.cfg.Persister.SaveThread(ctx, t); err != nil {
			s.logger.Warn().Err(err).Str("thread_id", t.ID).Msg("save thread failed")
		}
	}()
}

// Restore replaces the conversation with a saved thread.
func (s *Session) Restore(t apiclient.Thread) error {
	msgs, err := fromThread(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	busy := s.inflight
	s.mu.Unlock()
	if busy {
		return ErrBusy
	}
	// A pending confirmation ends in the conversation it belongs to.
	s.confirmations.Close()
	s.mu.Lock()
	s.threadID = t.ID
	s.mu.Unlock()
	s.update(func(State) State { return State{Messages: msgs} })
	return nil
}

// Close stops any query, expires a pending confirmation and waits for
// background saves.
func (s *Session) Close() {
	s.Stop()
	s.confirmations.Close()
	s.saves.Wait()
}

// isJSON reports whether the answer is one JSON document. Any other content
// type, including none, is read as event frames.
func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}
