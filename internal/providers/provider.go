package providers

import (
	"context"
	"errors"
	"fmt"
)

// ProbeRequest describes one connectivity check against a tenant's provider.
// APIKey is plaintext and must not outlive the call.
type ProbeRequest struct {
	Model   string
	BaseURL string
	APIKey  string
}

type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) error
}

// Failure classes recorded as last_test_result. They never carry provider
// response bodies, which may echo the key.
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultRateLimited  = "rate_limited"
	ResultUnavailable  = "unavailable"
	ResultRejected     = "rejected"
	ResultUnreachable  = "unreachable"
	ResultTimeout      = "timeout"
)

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d", e.StatusCode)
}

func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Classify maps a probe error to one of the Result constants.
func Classify(err error) string {
	if err == nil {
		return ResultOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return ResultUnauthorized
		case se.StatusCode == 429:
			return ResultRateLimited
		case se.StatusCode >= 500:
			return ResultUnavailable
		default:
			return ResultRejected
		}
	}
	return ResultUnreachable
}
