package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"vaultchat/internal/chat"
)

// renderer prints session state changes as they happen. Streaming tokens
// are written incrementally; finished messages are printed once.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	now       func() time.Time
	shown     int
	streamed  string
	confirmID string
}

func newRenderer(out io.Writer, now func() time.Time) *renderer {
	if now == nil {
		now = time.Now
	}
	return &renderer{out: out, now: now}
}

// reset marks the current messages as already shown.
func (r *renderer) reset(st chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = len(st.Messages)
	r.streamed = ""
	r.confirmID = ""
}

func (r *renderer) render(st chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case st.Buffer == "":
	case strings.HasPrefix(st.Buffer, r.streamed):
		fmt.Fprint(r.out, st.Buffer[len(r.streamed):])
		r.streamed = st.Buffer
	default:
		fmt.Fprint(r.out, "\n"+st.Buffer)
		r.streamed = st.Buffer
	}

	if r.shown > len(st.Messages) {
		r.shown = len(st.Messages)
	}
	for _, m := range st.Messages[r.shown:] {
		if m.Role == chat.RoleAssistant {
			r.printMessage(m)
		}
	}
	r.shown = len(st.Messages)

	switch {
	case st.Confirmation == nil:
		r.confirmID = ""
	case st.Confirmation.ToolCallID != r.confirmID:
		r.confirmID = st.Confirmation.ToolCallID
		r.printConfirmation(*st.Confirmation)
	}
}

func (r *renderer) printMessage(m chat.Message) {
	switch {
	case m.IsError && r.streamed != "":
		fmt.Fprintln(r.out, "\nerror: "+m.Content)
	case m.IsError:
		fmt.Fprintln(r.out, "error: "+m.Content)
	case r.streamed != "" && strings.HasPrefix(m.Content, r.streamed):
		fmt.Fprintln(r.out, m.Content[len(r.streamed):])
	case r.streamed != "":
		fmt.Fprintln(r.out, "\n"+m.Content)
	default:
		fmt.Fprintln(r.out, m.Content)
	}
	r.streamed = ""

	if m.IsError {
		if retry, ok := m.Metadata["canRetry"].(bool); ok && retry {
			fmt.Fprintln(r.out, "  (you can try again)")
		}
		return
	}

	var facts []string
	if m.Confidence != nil {
		facts = append(facts, fmt.Sprintf("confidence %.0f%%", *m.Confidence*100))
	}
	if m.ModelUsed != "" {
		model := m.ModelUsed
		if m.Provider != "" {
			model += " via " + m.Provider
		}
		facts = append(facts, model)
	}
	if m.LatencyMs != nil {
		facts = append(facts, fmt.Sprintf("%dms", *m.LatencyMs))
	}
	if len(facts) > 0 {
		fmt.Fprintf(r.out, "  [%s]\n", strings.Join(facts, ", "))
	}
	for i, c := range m.Citations {
		idx := c.Index
		if idx == 0 {
			idx = i + 1
		}
		fmt.Fprintf(r.out, "  [%d] %s", idx, c.DocumentID)
		if c.RelevanceScore > 0 {
			fmt.Fprintf(r.out, " (%.2f)", c.RelevanceScore)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *renderer) printConfirmation(req chat.ConfirmationRequest) {
	fmt.Fprintf(r.out, "Confirm %s", req.ToolName)
	if req.Severity != "" {
		fmt.Fprintf(r.out, " [%s]", req.Severity)
	}
	fmt.Fprintln(r.out, ":")

	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %s: %v\n", k, req.Payload[k])
	}
	left := req.ExpiresAt.Sub(r.now()).Round(time.Second)
	if left < 0 {
		left = 0
	}
	fmt.Fprintf(r.out, "Type /confirm or /deny (expires in %s)\n", left)
}
