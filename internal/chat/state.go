package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"vaultchat/internal/policy"
)

const (
	// StopMarker is appended to partial content when the user stops a stream.
	StopMarker = "\n\n_[stopped]_"
	// EmptyAnswer is the content of a turn that produced no text.
	EmptyAnswer = "No response generated."
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseComplete
	PhaseError
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Busy reports whether a query is in flight.
func (p Phase) Busy() bool {
	return p == PhaseSending || p == PhaseStreaming
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message content is always prose. Answer metadata lives beside it.
type Message struct {
	ID         string
	Role       Role
	Content    string
	Confidence *float64
	Citations  []Citation
	ModelUsed  string
	Provider   string
	LatencyMs  *int64
	Metadata   map[string]any
	IsError    bool
	CreatedAt  time.Time
}

// Pending collects answer metadata while a stream is open.
type Pending struct {
	Details
	Silenced bool
}

// State is passed and returned by value. Reducers never mutate their input.
type State struct {
	Phase        Phase
	Messages     []Message
	Buffer       string
	Pending      Pending
	Confirmation *ConfirmationRequest
}

// Stamp identifies a message a reducer is about to create.
type Stamp struct {
	ID string
	At time.Time
}

func NewStamp(now time.Time) Stamp {
	return Stamp{ID: uuid.NewString(), At: now}
}

func appendMessage(msgs []Message, m Message) []Message {
	return append(slices.Clip(msgs), m)
}

// Submit starts a remote turn. It is a no-op while a turn is in flight.
func Submit(s State, user Message) State {
	if s.Phase.Busy() {
		return s
	}
	user.Role = RoleUser
	s.Phase = PhaseSending
	s.Messages = appendMessage(s.Messages, user)
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

func BeginStream(s State) State {
	if s.Phase != PhaseSending {
		return s
	}
	s.Phase = PhaseStreaming
	return s
}

// ApplyEvent folds one stream event into the in-progress turn.
func ApplyEvent(s State, ev Event) State {
	if s.Phase == PhaseSending {
		s.Phase = PhaseStreaming
	}
	if s.Phase != PhaseStreaming {
		return s
	}

	switch e := ev.(type) {
	case StatusEvent:
	case TokenEvent:
		if !s.Pending.Silenced {
			s.Buffer += e.Text
		}
	case UnknownEvent:
		if !s.Pending.Silenced {
			s.Buffer += e.Text
		}
	case CitationsEvent:
		s.Pending.Citations = slices.Clone(e.Citations)
	case ConfidenceEvent:
		score := e.Score
		s.Pending.Confidence = &score
		if e.ModelUsed != "" {
			s.Pending.ModelUsed = e.ModelUsed
		}
		if e.Provider != "" {
			s.Pending.Provider = e.Provider
		}
		if e.LatencyMs != nil {
			s.Pending.LatencyMs = e.LatencyMs
		}
	case SilenceEvent:
		score := e.Confidence
		s.Buffer = e.Message
		s.Pending.Confidence = &score
		s.Pending.Silenced = true
	case DoneEvent:
		if e.HasAnswer && !s.Pending.Silenced {
			s.Buffer = e.Answer
		}
		s.Pending = mergeDetails(s.Pending, e.Details)
	}
	return s
}

func mergeDetails(p Pending, d Details) Pending {
	if d.Confidence != nil && !p.Silenced {
		p.Confidence = d.Confidence
	}
	if d.Citations != nil {
		p.Citations = slices.Clone(d.Citations)
	}
	if d.ModelUsed != "" {
		p.ModelUsed = d.ModelUsed
	}
	if d.Provider != "" {
		p.Provider = d.Provider
	}
	if d.LatencyMs != nil {
		p.LatencyMs = d.LatencyMs
	}
	if len(d.Metadata) > 0 {
		m := maps.Clone(p.Metadata)
		if m == nil {
			m = make(map[string]any, len(d.Metadata))
		}
		maps.Copy(m, d.Metadata)
		p.Metadata = m
	}
	return p
}

func assistantMessage(st Stamp, content string, p Pending) Message {
	return Message{
		ID:         st.ID,
		Role:       RoleAssistant,
		Content:    content,
		Confidence: p.Confidence,
		Citations:  p.Citations,
		ModelUsed:  p.ModelUsed,
		Provider:   p.Provider,
		LatencyMs:  p.LatencyMs,
		Metadata:   p.Metadata,
		CreatedAt:  st.At,
	}
}

// Finalize turns the stream buffer into the assistant message.
func Finalize(s State, st Stamp) State {
	if !s.Phase.Busy() {
		return s
	}
	content := s.Buffer
	if content == "" {
		content = EmptyAnswer
	}
	s.Messages = appendMessage(s.Messages, assistantMessage(st, content, s.Pending))
	s.Phase = PhaseComplete
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

// CompleteJSON finishes a turn whose answer arrived as one JSON document.
func CompleteJSON(s State, a Answer, st Stamp) State {
	if !s.Phase.Busy() {
		return s
	}
	content := a.Text
	if content == "" {
		content = EmptyAnswer
	}
	s.Messages = appendMessage(s.Messages, assistantMessage(st, content, mergeDetails(Pending{}, a.Details)))
	s.Phase = PhaseComplete
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

// Abort ends a turn the user stopped. Partial content is kept with the stop
// marker; without any, no message is added.
func Abort(s State, st Stamp) State {
	if !s.Phase.Busy() {
		return s
	}
	if s.Buffer != "" {
		s.Messages = appendMessage(s.Messages, assistantMessage(st, s.Buffer+StopMarker, s.Pending))
	}
	s.Phase = PhaseAborted
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

// Fail ends a turn with a single error message.
func Fail(s State, text string, canRetry bool, st Stamp) State {
	if !s.Phase.Busy() {
		return s
	}
	s.Messages = appendMessage(s.Messages, Message{
		ID:        st.ID,
		Role:      RoleAssistant,
		Content:   text,
		Metadata:  map[string]any{"canRetry": canRetry},
		IsError:   true,
		CreatedAt: st.At,
	})
	s.Phase = PhaseError
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

// AppendToolResult records a locally answered query. The remote pipeline is
// not involved, so the phase does not move.
func AppendToolResult(s State, user Message, reply Message) State {
	if s.Phase.Busy() {
		return s
	}
	user.Role = RoleUser
	reply.Role = RoleAssistant
	s.Messages = appendMessage(appendMessage(s.Messages, user), reply)
	return s
}

// AppendNotice adds an assistant message outside of a turn, such as the
// outcome of a confirmation.
func AppendNotice(s State, reply Message) State {
	reply.Role = RoleAssistant
	s.Messages = appendMessage(s.Messages, reply)
	return s
}

func SetConfirmation(s State, req *ConfirmationRequest) State {
	if req != nil {
		c := *req
		c.Payload = maps.Clone(req.Payload)
		req = &c
	}
	s.Confirmation = req
	return s
}

// Reset returns a finished turn to idle, keeping the conversation.
func Reset(s State) State {
	if s.Phase.Busy() {
		return s
	}
	s.Phase = PhaseIdle
	s.Buffer = ""
	s.Pending = Pending{}
	return s
}

// Answer is a complete non-streamed reply.
type Answer struct {
	Text    string
	Details Details
}

var (
	ErrBackendFailed   = errors.New("chat backend reported failure")
	ErrMalformedAnswer = errors.New("chat backend returned a malformed answer")
)

// ParseAnswer reads a JSON answer in either the flat shape or the
// {success, data:{...}} envelope.
func ParseAnswer(b []byte) (Answer, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}
	if raw, ok := obj["success"]; ok {
		var success bool
		if json.Unmarshal(raw, &success) == nil && !success {
			var msg string
			_ = json.Unmarshal(obj["error"], &msg)
			return Answer{}, fmt.Errorf("%w: %s", ErrBackendFailed, msg)
		}
	}
	text, _, d := decodeAnswer(obj)
	return Answer{Text: text, Details: d}, nil
}

// History is the conversation sent upstream with the next query. Error
// messages are not part of it.
func History(msgs []Message) []policy.HistoryMessage {
	out := make([]policy.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError || m.Content == "" {
			continue
		}
		out = append(out, policy.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
