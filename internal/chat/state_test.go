package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func stampN(n int) Stamp {
	return Stamp{ID: "a" + string(rune('0'+n)), At: t0.Add(time.Duration(n) * time.Second)}
}

func sending(t *testing.T) State {
	t.Helper()
	s := Submit(State{}, Message{ID: "u1", Content: "What is the NDA term?", CreatedAt: t0})
	require.Equal(t, PhaseSending, s.Phase)
	return BeginStream(s)
}

func apply(s State, evs ...Event) State {
	for _, ev := range evs {
		s = ApplyEvent(s, ev)
	}
	return s
}

func TestTokensAccumulateInOrder(t *testing.T) {
	s := apply(sending(t), StatusEvent{Stage: "retrieving"}, TokenEvent{Text: "Two "}, TokenEvent{Text: "years"}, UnknownEvent{Text: "."})
	assert.Equal(t, "Two years.", s.Buffer)

	s = Finalize(s, stampN(1))
	assert.Equal(t, PhaseComplete, s.Phase)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "Two years.", s.Messages[1].Content)
	assert.Empty(t, s.Buffer)
}

func TestDoneAnswerReplacesBuffer(t *testing.T) {
	s := apply(sending(t),
		TokenEvent{Text: `{"answer":"Two`},
		CitationsEvent{Citations: []Citation{{DocumentID: "nda.pdf", Index: 1}}},
		ConfidenceEvent{Score: 0.91, ModelUsed: "openai/gpt-4o", Provider: "openrouter"},
		DoneEvent{Answer: "Two years.", HasAnswer: true, Details: Details{Metadata: map[string]any{"chunks_used": 2.0}}},
	)
	s = Finalize(s, stampN(1))

	msg := s.Messages[1]
	assert.Equal(t, "Two years.", msg.Content)
	require.NotNil(t, msg.Confidence)
	assert.InDelta(t, 0.91, *msg.Confidence, 1e-9)
	assert.Equal(t, "openai/gpt-4o", msg.ModelUsed)
	assert.Equal(t, "openrouter", msg.Provider)
	assert.Len(t, msg.Citations, 1)
	assert.Equal(t, 2.0, msg.Metadata["chunks_used"])
}

func TestSilenceIsFinal(t *testing.T) {
	s := apply(sending(t),
		TokenEvent{Text: "Possibly "},
		SilenceEvent{Message: "I can't answer that from your documents.", Confidence: 0},
		TokenEvent{Text: "more"},
		DoneEvent{Answer: "ignored", HasAnswer: true},
	)
	s = Finalize(s, stampN(1))

	msg := s.Messages[1]
	assert.Equal(t, "I can't answer that from your documents.", msg.Content)
	require.NotNil(t, msg.Confidence)
	assert.Zero(t, *msg.Confidence)
	assert.False(t, msg.IsError)
}

func TestFinalizeWithoutContent(t *testing.T) {
	s := Finalize(apply(sending(t), StatusEvent{}), stampN(1))
	assert.Equal(t, EmptyAnswer, s.Messages[1].Content)
}

func TestAbortKeepsPartialContent(t *testing.T) {
	s := Abort(apply(sending(t), TokenEvent{Text: "Two ye"}), stampN(1))
	assert.Equal(t, PhaseAborted, s.Phase)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Two ye"+StopMarker, s.Messages[1].Content)

	s = Reset(s)
	assert.Equal(t, PhaseIdle, s.Phase)
}

func TestAbortWithoutContentAddsNothing(t *testing.T) {
	s := Abort(sending(t), stampN(1))
	assert.Equal(t, PhaseAborted, s.Phase)
	assert.Len(t, s.Messages, 1)
}

func TestSubmitWhileBusyIsNoop(t *testing.T) {
	s := apply(sending(t), TokenEvent{Text: "Two"})
	again := Submit(s, Message{ID: "u2", Content: "another"})
	assert.Equal(t, s, again)
}

func TestFailAddsSingleErrorMessage(t *testing.T) {
	s := Fail(apply(sending(t), TokenEvent{Text: "partial"}), "BYOLLM provider failed", false, stampN(1))
	assert.Equal(t, PhaseError, s.Phase)
	require.Len(t, s.Messages, 2)
	assert.True(t, s.Messages[1].IsError)
	assert.Equal(t, false, s.Messages[1].Metadata["canRetry"])

	s = Fail(s, "again", true, stampN(2))
	assert.Len(t, s.Messages, 2)
}

func TestReducersDoNotMutateInput(t *testing.T) {
	base := Finalize(apply(sending(t), TokenEvent{Text: "one"}), stampN(1))
	base = Reset(base)

	next := Submit(base, Message{ID: "u2", Content: "second"})
	other := Submit(base, Message{ID: "u3", Content: "third"})
	assert.Len(t, base.Messages, 2)
	assert.Equal(t, "second", next.Messages[2].Content)
	assert.Equal(t, "third", other.Messages[2].Content)
}

func TestToolResultBypassesPhases(t *testing.T) {
	s := AppendToolResult(State{}, Message{ID: "u1", Content: "what time is it"}, Message{ID: "a1", Content: "It is 09:30."})
	assert.Equal(t, PhaseIdle, s.Phase)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, RoleAssistant, s.Messages[1].Role)
}

func TestParseAnswerShapes(t *testing.T) {
	a, err := ParseAnswer([]byte(`{"success":true,"data":{"answer":"The NDA term is two years.","confidence":0.91,"citations":[{"documentId":"nda.pdf","excerpt":"two (2) years","relevanceScore":0.88,"index":1}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "The NDA term is two years.", a.Text)
	require.NotNil(t, a.Details.Confidence)
	assert.InDelta(t, 0.91, *a.Details.Confidence, 1e-9)
	require.Len(t, a.Details.Citations, 1)
	assert.Equal(t, "nda.pdf", a.Details.Citations[0].DocumentID)

	a, err = ParseAnswer([]byte(`{"answer":"flat"}`))
	require.NoError(t, err)
	assert.Equal(t, "flat", a.Text)

	_, err = ParseAnswer([]byte(`{"success":false,"error":"no documents"}`))
	assert.True(t, errors.Is(err, ErrBackendFailed))

	_, err = ParseAnswer([]byte(`not json`))
	assert.Error(t, err)
}

func TestHistorySkipsErrors(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "boom", IsError: true},
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	}
	h := History(msgs)
	require.Len(t, h, 3)
	assert.Equal(t, "q1", h[0].Content)
	assert.Equal(t, "assistant", h[2].Role)
}
