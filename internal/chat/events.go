package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Event is one decoded stream frame. The set of implementations is closed.
type Event interface {
	isEvent()
}

type StatusEvent struct {
	Stage string
}

type TokenEvent struct {
	Text string
}

type CitationsEvent struct {
	Citations []Citation
}

type ConfidenceEvent struct {
	Score     float64
	ModelUsed string
	Provider  string
	LatencyMs *int64
}

// SilenceEvent is a grounding refusal. Its message is final content.
type SilenceEvent struct {
	Message    string
	Confidence float64
}

// DoneEvent ends the turn. When HasAnswer is set, Answer replaces whatever
// tokens were accumulated.
type DoneEvent struct {
	Answer    string
	HasAnswer bool
	Details   Details
}

// UnknownEvent is an unlabeled or unrecognized frame that carried text.
type UnknownEvent struct {
	Label string
	Text  string
}

func (StatusEvent) isEvent()     {}
func (TokenEvent) isEvent()      {}
func (CitationsEvent) isEvent()  {}
func (ConfidenceEvent) isEvent() {}
func (SilenceEvent) isEvent()    {}
func (DoneEvent) isEvent()       {}
func (UnknownEvent) isEvent()    {}

type Citation struct {
	DocumentID     string  `json:"documentId"`
	Excerpt        string  `json:"excerpt"`
	RelevanceScore float64 `json:"relevanceScore"`
	Index          int     `json:"index"`
}

func (c *Citation) UnmarshalJSON(b []byte) error {
	var raw struct {
		DocumentID     string   `json:"documentId"`
		DocumentIDAlt  string   `json:"document_id"`
		Excerpt        string   `json:"excerpt"`
		Text           string   `json:"text"`
		RelevanceScore *float64 `json:"relevanceScore"`
		RelevanceAlt   *float64 `json:"relevance_score"`
		Score          *float64 `json:"score"`
		Index          int      `json:"index"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Citation{DocumentID: firstNonEmpty(raw.DocumentID, raw.DocumentIDAlt), Excerpt: firstNonEmpty(raw.Excerpt, raw.Text), Index: raw.Index}
	for _, s := range []*float64{raw.RelevanceScore, raw.RelevanceAlt, raw.Score} {
		if s != nil {
			c.RelevanceScore = *s
			break
		}
	}
	return nil
}

// Details is the answer metadata a done event or JSON answer may carry.
type Details struct {
	Confidence *float64
	Citations  []Citation
	ModelUsed  string
	Provider   string
	LatencyMs  *int64
	Metadata   map[string]any
}

type Frame struct {
	Event string
	Data  string
}

// FrameDecoder splits an event stream into frames. Frames may arrive split
// across reads; a frame is complete once a blank line is seen.
type FrameDecoder struct {
	r   *bufio.Reader
	eof bool
}

func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF once the stream is exhausted. A
// trailing frame without a delimiter is still returned.
func (d *FrameDecoder) Next() (Frame, error) {
	if d.eof {
		return Frame{}, io.EOF
	}
	var (
		f    Frame
		data []string
		seen bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		atEOF := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if seen && !atEOF {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				f.Event = value
				seen = true
			case "data":
				data = append(data, value)
				seen = true
			}
		}

		if atEOF {
			d.eof = true
			if !seen {
				return Frame{}, io.EOF
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
	}
}

// ParseFrame decodes a frame's payload according to its label. Frames whose
// payload is not valid JSON, or that carry nothing usable, report false.
func ParseFrame(f Frame) (Event, bool) {
	data := []byte(strings.TrimSpace(f.Data))
	if len(data) == 0 || !json.Valid(data) {
		return nil, false
	}
	if f.Event == "" {
		var tagged struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &tagged) == nil && tagged.Type != "" {
			f.Event = tagged.Type
		}
	}

	switch f.Event {
	case "status":
		var p struct {
			Stage   string `json:"stage"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &p)
		return StatusEvent{Stage: firstNonEmpty(p.Stage, p.Message)}, true

	case "token":
		text, ok := textField(data)
		if !ok {
			return nil, false
		}
		return TokenEvent{Text: text}, true

	case "citations":
		cs, ok := decodeCitations(data)
		if !ok {
			return nil, false
		}
		return CitationsEvent{Citations: cs}, true

	case "confidence":
		var p struct {
			Score      *float64 `json:"score"`
			Confidence *float64 `json:"confidence"`
			ModelUsed  string   `json:"modelUsed"`
			ModelAlt   string   `json:"model_used"`
			Provider   string   `json:"provider"`
			LatencyMs  *int64   `json:"latencyMs"`
			LatencyAlt *int64   `json:"latency_ms"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, false
		}
		ev := ConfidenceEvent{ModelUsed: firstNonEmpty(p.ModelUsed, p.ModelAlt), Provider: p.Provider, LatencyMs: firstInt(p.LatencyMs, p.LatencyAlt)}
		switch {
		case p.Score != nil:
			ev.Score = *p.Score
		case p.Confidence != nil:
			ev.Score = *p.Confidence
		default:
			var bare float64
			if json.Unmarshal(data, &bare) != nil {
				return nil, false
			}
			ev.Score = bare
		}
		return ev, true

	case "silence":
		var p struct {
			Message    string  `json:"message"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, false
		}
		return SilenceEvent{Message: p.Message, Confidence: p.Confidence}, true

	case "done", "complete":
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, false
		}
		answer, has, details := decodeAnswer(obj)
		return DoneEvent{Answer: answer, HasAnswer: has, Details: details}, true

	default:
		var p struct {
			Text *string `json:"text"`
		}
		if json.Unmarshal(data, &p) != nil || p.Text == nil {
			return nil, false
		}
		return UnknownEvent{Label: f.Event, Text: *p.Text}, true
	}
}

var proseFields = []string{"answer", "content", "text", "fullText"}

// decodeAnswer reads a flat or data-wrapped answer object. Prose goes to the
// returned string; everything else except the structured fields lands in
// Metadata.
func decodeAnswer(obj map[string]json.RawMessage) (string, bool, Details) {
	if inner, ok := obj["data"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(inner, &nested) == nil {
			merged := make(map[string]json.RawMessage, len(obj)+len(nested))
			for k, v := range obj {
				if k != "data" {
					merged[k] = v
				}
			}
			for k, v := range nested {
				merged[k] = v
			}
			obj = merged
		}
	}

	var (
		answer string
		has    bool
	)
	for _, k := range proseFields {
		if raw, ok := obj[k]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				answer, has = s, true
				break
			}
		}
	}

	var d Details
	for k, raw := range obj {
		switch k {
		case "answer", "content", "text", "fullText", "success", "type":
		case "confidence":
			var f float64
			if json.Unmarshal(raw, &f) == nil {
				d.Confidence = &f
			}
		case "citations":
			if cs, ok := decodeCitations(raw); ok {
				d.Citations = cs
			}
		case "modelUsed", "model_used":
			_ = json.Unmarshal(raw, &d.ModelUsed)
			d.setMeta("model_used", raw)
		case "provider":
			_ = json.Unmarshal(raw, &d.Provider)
			d.setMeta(k, raw)
		case "latencyMs", "latency_ms":
			var n int64
			if json.Unmarshal(raw, &n) == nil {
				d.LatencyMs = &n
			}
			d.setMeta("latency_ms", raw)
		default:
			d.setMeta(k, raw)
		}
	}
	return answer, has, d
}

func (d *Details) setMeta(key string, raw json.RawMessage) {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return
	}
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	d.Metadata[key] = v
}

func decodeCitations(data []byte) ([]Citation, bool) {
	data = bytes.TrimSpace(data)
	var list []Citation
	if json.Unmarshal(data, &list) == nil {
		return list, true
	}
	var wrapped struct {
		Citations []Citation `json:"citations"`
		Data      []Citation `json:"data"`
	}
	if json.Unmarshal(data, &wrapped) != nil {
		return nil, false
	}
	if wrapped.Citations != nil {
		return wrapped.Citations, true
	}
	if wrapped.Data != nil {
		return wrapped.Data, true
	}
	return nil, false
}

func textField(data []byte) (string, bool) {
	var bare string
	if json.Unmarshal(data, &bare) == nil {
		return bare, true
	}
	var p struct {
		Text    *string `json:"text"`
		Content *string `json:"content"`
		Token   *string `json:"token"`
	}
	if json.Unmarshal(data, &p) != nil {
		return "", false
	}
	for _, s := range []*string{p.Text, p.Content, p.Token} {
		if s != nil {
			return *s, true
		}
	}
	return "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
