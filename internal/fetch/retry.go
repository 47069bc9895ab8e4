package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"flipbooks/internal/config"
	"flipbooks/internal/logging"
)

// ErrExhausted matches any error returned after the retry budget ran out.
var ErrExhausted = errors.New("retry attempts exhausted")

// Outcome classifies how a retried operation ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

// RetryPolicy bounds the backoff loop. The first retry waits Floor, each
// following one doubles the wait up to Ceiling.
type RetryPolicy struct {
	Floor       time.Duration
	Ceiling     time.Duration
	MaxAttempts int
}

// PolicyFromConfig converts the retry section of the configuration.
func PolicyFromConfig(r config.Retry) RetryPolicy {
	return RetryPolicy{Floor: r.Floor.Std(), Ceiling: r.Ceiling.Std(), MaxAttempts: r.MaxAttempts}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Floor
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if d > p.Ceiling {
		return p.Ceiling
	}
	return d
}

// Result is the typed outcome of Retry.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// ExhaustedError wraps the last transient failure once no attempts remain.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Error converts a non-successful result into an error; nil on success.
func (r Result) Error(op string) error {
	switch r.Outcome {
	case Succeeded:
		return nil
	case Exhausted:
		return &ExhaustedError{Op: op, Attempts: r.Attempts, Last: r.Err}
	default:
		return r.Err
	}
}

// Retry runs op until it succeeds, fails with a non-transient error, the
// context ends, or the policy's attempts are used up.
func Retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, name string, op func(ctx context.Context) error) Result {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Failed, Attempts: attempt - 1, Err: err}
		}

		last = op(ctx)
		if last == nil {
			return Result{Outcome: Succeeded, Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Result{Outcome: Failed, Attempts: attempt, Err: ctx.Err()}
		}
		if !IsTransient(last) {
			return Result{Outcome: Failed, Attempts: attempt, Err: last}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		logging.LogRetry(logger, name, attempt, delay, last)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Outcome: Failed, Attempts: attempt, Err: ctx.Err()}
		}
	}
	return Result{Outcome: Exhausted, Attempts: policy.MaxAttempts, Err: last}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient flags err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: connection resets,
// truncated bodies, malformed JSON, timeouts, and anything passed through
// MarkTransient. Refused connections and HTTP status errors are fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
