package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tool names accepted on the side-effect endpoints.
const (
	ToolSendEmail    = "send-email"
	ToolSendSMS      = "send-sms"
	ToolSendTelegram = "send-telegram"
)

// ErrInvalidPayload marks deliveries that can never succeed; the worker does
// not retry them.
var ErrInvalidPayload = errors.New("invalid side effect payload")

// Delivery is one confirmed side effect handed to a channel.
type Delivery struct {
	TenantID   string          `json:"tenantId"`
	Tool       string          `json:"tool"`
	ToolCallID string          `json:"toolCallId"`
	Payload    json.RawMessage `json:"payload"`
}

type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// Router picks the channel for a tool.
type Router struct {
	senders map[string]Sender
}

func NewRouter() *Router {
	return &Router{senders: map[string]Sender{}}
}

func (r *Router) Handle(tool string, s Sender) {
	r.senders[tool] = s
}

func (r *Router) Supports(tool string) bool {
	_, ok := r.senders[tool]
	return ok
}

func (r *Router) Send(ctx context.Context, d Delivery) error {
	s, ok := r.senders[d.Tool]
	if !ok {
		return fmt.Errorf("%w: no channel for tool %q", ErrInvalidPayload, d.Tool)
	}
	return s.Send(ctx, d)
}
