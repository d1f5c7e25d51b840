package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
)

var (
	// ErrCircuitOpen is returned without calling the gateway while the instance breaker is open.
	ErrCircuitOpen = errors.New("gateway circuit open")
	// ErrThrottled is returned when the local rate limiter could not grant a slot in time.
	ErrThrottled = fmt.Errorf("gateway throttled: %w", apperrors.ErrRateLimited)
)

// CallError describes a failed gateway call. StatusCode is 0 for transport failures.
type CallError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("Z-API %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("Z-API %s failed: %d %s", e.Op, e.StatusCode, e.Body)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is lets API error mapping treat every call failure as a gateway error.
func (e *CallError) Is(target error) bool { return target == apperrors.ErrGateway }

// IsTransient is true for server errors, 429 and transport failures.
func (e *CallError) IsTransient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsBackpressure(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.IsTransient()
	}
	return false
}

// IsBackpressure is true when the call was refused locally and no request reached the gateway.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrThrottled)
}
