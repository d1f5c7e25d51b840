package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job is one unit of dispatch work: send the message with MessageID.
type Job struct {
	MessageID int64 `json:"message_id"`
	CompanyID int64 `json:"company_id"`
}

// Enqueuer schedules a job to start no earlier than delay from now.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Handler runs jobs. Run's error decides what happens next, see RetryPolicy.Decide.
// Failed is the terminal hook, called once when the job gives up.
type Handler interface {
	Run(ctx context.Context, messageID int64) error
	Failed(ctx context.Context, messageID int64, cause error)
}

// DeferError asks for redelivery after Delay without consuming an attempt.
type DeferError struct {
	Delay time.Duration
}

func (e *DeferError) Error() string { return fmt.Sprintf("deferred for %s", e.Delay) }

// Defer returns a DeferError.
func Defer(d time.Duration) error { return &DeferError{Delay: d} }

// RetryError reports a failed attempt that may be retried.
type RetryError struct {
	Attempt int
	Err     error
}

func (e *RetryError) Error() string { return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err) }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry returns a RetryError for attempt.
func Retry(attempt int, err error) error { return &RetryError{Attempt: attempt, Err: err} }

// RetryPolicy is the job attempt budget and the delay before each retry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy allows 3 attempts, waiting 5s then 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}}
}

// Delay is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Action is what a queue does with a delivered job after Run returns.
type Action int

const (
	ActionAck Action = iota
	ActionRedeliver
	ActionTerminal
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRedeliver:
		return "redeliver"
	default:
		return "terminal"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
	Cause  error
}

// ErrDeliveryBudget is the terminal cause once a job was delivered maxDeliver times.
var ErrDeliveryBudget = errors.New("delivery budget exhausted")

// Decide maps a Run result to an action. deliveries counts this delivery;
// maxDeliver <= 0 means unbounded.
func (p RetryPolicy) Decide(runErr error, deliveries, maxDeliver int) Decision {
	if runErr == nil {
		return Decision{Action: ActionAck}
	}

	var d Decision
	var deferErr *DeferError
	var retryErr *RetryError
	switch {
	case errors.As(runErr, &deferErr):
		d = Decision{Action: ActionRedeliver, Delay: deferErr.Delay, Cause: runErr}
	case errors.As(runErr, &retryErr) && retryErr.Attempt < p.MaxAttempts:
		d = Decision{Action: ActionRedeliver, Delay: p.Delay(retryErr.Attempt), Cause: runErr}
	case errors.As(runErr, &retryErr):
		return Decision{Action: ActionTerminal, Cause: retryErr.Err}
	default:
		return Decision{Action: ActionTerminal, Cause: runErr}
	}

	if maxDeliver > 0 && deliveries >= maxDeliver {
		return Decision{Action: ActionTerminal, Cause: fmt.Errorf("%w: %v", ErrDeliveryBudget, runErr)}
	}
	return d
}

type deliveryKey struct{}

// WithDelivery stores the delivery count of the running job.
func WithDelivery(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, deliveryKey{}, n)
}

// DeliveryFromContext returns the delivery count, 0 outside a queue.
func DeliveryFromContext(ctx context.Context) int {
	n, _ := ctx.Value(deliveryKey{}).(int)
	return n
}
