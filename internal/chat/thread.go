package chat

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"vaultchat/internal/apiclient"
)

const titleRunes = 60

type messageMeta struct {
	Confidence *float64       `json:"confidence,omitempty"`
	Citations  []Citation     `json:"citations,omitempty"`
	ModelUsed  string         `json:"modelUsed,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	LatencyMs  *int64         `json:"latencyMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (m messageMeta) empty() bool {
	return m.Confidence == nil && len(m.Citations) == 0 && m.ModelUsed == "" && m.Provider == "" && m.LatencyMs == nil && len(m.Extra) == 0
}

// Title is the first user message, shortened.
func Title(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Content) <= titleRunes {
			return m.Content
		}
		r := []rune(m.Content)
		return string(r[:titleRunes-3]) + "..."
	}
	return ""
}

func buildThread(id string, msgs []Message) apiclient.Thread {
	t := apiclient.Thread{ID: id, Title: Title(msgs), Messages: make([]apiclient.ThreadMessage, 0, len(msgs))}
	for _, m := range msgs {
		tm := apiclient.ThreadMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			IsError:   m.IsError,
			CreatedAt: m.CreatedAt.UnixMilli(),
		}
		meta := messageMeta{
			Confidence: m.Confidence,
			Citations:  m.Citations,
			ModelUsed:  m.ModelUsed,
			Provider:   m.Provider,
			LatencyMs:  m.LatencyMs,
			Extra:      m.Metadata,
		}
		if !meta.empty() {
			if b, err := json.Marshal(meta); err == nil {
				tm.Meta = b
			}
		}
		t.Messages = append(t.Messages, tm)
	}
	return t
}

func fromThread(t apiclient.Thread) ([]Message, error) {
	out := make([]Message, 0, len(t.Messages))
	for _, tm := range t.Messages {
		m := Message{
			ID:        tm.ID,
			Role:      Role(tm.Role),
			Content:   tm.Content,
			IsError:   tm.IsError,
			CreatedAt: time.UnixMilli(tm.CreatedAt),
		}
		if len(tm.Meta) > 0 {
			var meta messageMeta
			if err := json.Unmarshal(tm.Meta, &meta); err != nil {
				return nil, fmt.Errorf("decode meta of message %s: %w", tm.ID, err)
			}
			m.Confidence = meta.Confidence
			m.Citations = meta.Citations
			m.ModelUsed = meta.ModelUsed
			m.Provider = meta.Provider
			m.LatencyMs = meta.LatencyMs
			m.Metadata = meta.Extra
		}
		out = append(out, m)
	}
	return out, nil
}
