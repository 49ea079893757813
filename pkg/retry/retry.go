// Package retry runs connection-establishment calls under a bounded retry
// policy. Whether an error is worth another attempt is decided by an explicit
// Classifier rather than by the error's type alone.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jrepp/simbridge/pkg/framing"
	"github.com/jrepp/simbridge/pkg/simerr"
)

// Decision is the outcome of classifying a failed attempt.
type Decision int

const (
	// Retry means the error is transient.
	Retry Decision = iota
	// Abort means the error is final and is returned immediately.
	Abort
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "abort"
}

// Classifier maps an attempt error to a Decision.
type Classifier func(err error) Decision

// DefaultMaxAttempts matches the connection retry budget of the bridge.
const DefaultMaxAttempts = 20

// Policy describes how often and how fast to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    Classifier

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error)

	Logger *slog.Logger
}

// DefaultPolicy returns the policy used for connect and hello.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Classify:    ClassifySocket,
	}
}

// Result records what Do observed.
type Result struct {
	Attempts int
	Decision Decision
	Err      error
}

// OK reports whether the call eventually succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Do calls fn until it succeeds, the classifier aborts, attempts run out or
// ctx is done. On exhaustion the first error observed is returned, since
// later failures are usually consequences of it.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = ClassifySocket
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	var first error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return Result{Attempts: attempt}
		}
		if first == nil {
			first = err
		}

		if classify(err) == Abort {
			log.Error("non-retryable error", "attempt", attempt, "error", err)
			return Result{Attempts: attempt, Decision: Abort, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		log.Debug("pause before retry", "attempt", attempt, "error", err)

		delay := ExponentialBackoff(attempt-1, p.BaseDelay, p.MaxDelay)
		if p.BaseDelay <= 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, Decision: Abort, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return Result{Attempts: maxAttempts, Decision: Retry, Err: first}
}

// transientCodes are the error codes a fresh connection attempt can cure.
var transientCodes = map[simerr.Code]bool{
	simerr.CodeSocketTimeout:    true,
	simerr.CodeSocketError:      true,
	simerr.CodeConnectionClosed: true,
}

// ClassifySocket retries socket-level failures and aborts on everything
// else, in particular on an unreachable pool manager.
func ClassifySocket(err error) Decision {
	switch {
	case err == nil:
		return Abort
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Abort
	case simerr.IsCode(err, simerr.CodeManagerUnreachable):
		return Abort
	case transientCodes[simerr.GetCode(err)]:
		return Retry
	case errors.Is(err, framing.ErrConnectionClosed):
		return Retry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retry
	}
	return Abort
}
