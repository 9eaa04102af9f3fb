package chat

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var (
	ErrConfirmationPending   = errors.New("another action is awaiting confirmation")
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
	ErrConfirmationExpired   = errors.New("confirmation expired")
)

const (
	SeverityLow  = "low"
	SeverityHigh = "high"
)

// ConfirmationRequest is a side effect waiting for the user. ExpiresAt is an
// absolute deadline.
type ConfirmationRequest struct {
	ToolCallID string
	ToolName   string
	Payload    map[string]any
	Severity   string
	ExpiresAt  time.Time
}

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeDenied
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDenied:
		return "denied"
	default:
		return "expired"
	}
}

// Resolution reports how a request ended. Err is set when a confirmed side
// effect failed to execute.
type Resolution struct {
	Request ConfirmationRequest
	Outcome Outcome
	Err     error
}

// SideEffects executes confirmed tool calls.
type SideEffects interface {
	RunTool(ctx context.Context, tool, toolCallID string, payload map[string]any) error
}

// Confirmations holds at most one pending request. Each request is resolved
// exactly once, by Confirm, Deny, its deadline or Close.
type Confirmations struct {
	effects   SideEffects
	onResolve func(Resolution)
	now       func() time.Time

	mu      sync.Mutex
	pending *ConfirmationRequest
	timer   *time.Timer
}

func NewConfirmations(effects SideEffects, now func() time.Time, onResolve func(Resolution)) *Confirmations {
	if now == nil {
		now = time.Now
	}
	if onResolve == nil {
		onResolve = func(Resolution) {}
	}
	return &Confirmations{effects: effects, onResolve: onResolve, now: now}
}

// Request makes req pending and arms its deadline.
func (c *Confirmations) Request(req ConfirmationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ErrConfirmationPending
	}
	req.Payload = maps.Clone(req.Payload)
	c.pending = &req
	c.armLocked()
	return nil
}

// Rearm recomputes the timer from the absolute deadline, for example after
// the process was suspended.
func (c *Confirmations) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.armLocked()
	}
}

func (c *Confirmations) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	id := c.pending.ToolCallID
	delay := c.pending.ExpiresAt.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	c.timer = time.AfterFunc(delay, func() { c.expire(id) })
}

func (c *Confirmations) Pending() (ConfirmationRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ConfirmationRequest{}, false
	}
	return *c.pending, true
}

// take removes the pending request if it matches id.
func (c *Confirmations) take(id string) (ConfirmationRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.ToolCallID != id {
		return ConfirmationRequest{}, false
	}
	req := *c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return req, true
}

// Confirm executes the pending side effect. A request whose deadline has
// passed is resolved as expired instead.
func (c *Confirmations) Confirm(ctx context.Context, id string) error {
	req, ok := c.take(id)
	if !ok {
		return ErrNoPendingConfirmation
	}
	if !c.now().Before(req.ExpiresAt) {
		c.onResolve(Resolution{Request: req, Outcome: OutcomeExpired})
		return ErrConfirmationExpired
	}
	err := c.effects.RunTool(ctx, req.ToolName, req.ToolCallID, req.Payload)
	c.onResolve(Resolution{Request: req, Outcome: OutcomeConfirmed, Err: err})
	return err
}

func (c *Confirmations) Deny(id string) error {
	req, ok := c.take(id)
	if !ok {
		return ErrNoPendingConfirmation
	}
	c.onResolve(Resolution{Request: req, Outcome: OutcomeDenied})
	return nil
}

func (c *Confirmations) expire(id string) {
	req, ok := c.take(id)
	if !ok {
		return
	}
	c.onResolve(Resolution{Request: req, Outcome: OutcomeExpired})
}

// Close resolves a still pending request as expired and disarms its timer.
func (c *Confirmations) Close() {
	c.mu.Lock()
	var req *ConfirmationRequest
	if c.pending != nil {
		req = c.pending
		c.pending = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if req != nil {
		c.onResolve(Resolution{Request: *req, Outcome: OutcomeExpired})
	}
}
