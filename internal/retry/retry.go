// Package retry implements the retry contract the scheduler delegates
// execution failures to: bounded exponential backoff with message-based
// classification of retryable errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
)

// ErrAttemptsExhausted wraps the last error once all attempts are consumed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// defaultRetryablePatterns match transient failures by message substring.
var defaultRetryablePatterns = []string{
	"timeout",
	"timed out",
	"rate limit",
	"rate_limit",
	"network",
	"connection refused",
	"connection reset",
	"temporary",
	"temporarily unavailable",
}

// Config controls backoff timing and error classification.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// RetryablePatterns are lowercase substrings marking an error retryable.
	// Empty means the default set (timeout, rate limit, network, temporary).
	RetryablePatterns []string
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
	}
}

// OpContext identifies the operation being retried, for logging.
type OpContext struct {
	// TaskID is the task the operation belongs to.
	TaskID string
	// OperationName names the operation (e.g., "execute_task").
	OperationName string
}

// Retrier applies the retry policy to operations.
type Retrier struct {
	cfg Config
}

// New creates a Retrier with the given config. Zero-valued fields fall back
// to the defaults.
func New(cfg Config) *Retrier {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Retrier{cfg: cfg}
}

// Retryable reports whether the error matches the retryable set.
// Cancellation is never retryable. A deadline error is: operations run under
// per-attempt deadlines, so an expired attempt is a timeout like any other.
// Do checks the caller's context separately, which is what stops the loop
// when the caller itself is cancelled or past its deadline.
func (r *Retrier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	patterns := r.cfg.RetryablePatterns
	if len(patterns) == 0 {
		patterns = defaultRetryablePatterns
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Delay returns the backoff delay before the given retry attempt (1-based),
// initialDelay × multiplier^(attempt-1), capped at MaxDelay.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := r.cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * r.cfg.BackoffMultiplier)
		if d >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	if d > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return d
}

// Do runs the operation, retrying retryable failures on an exponential
// backoff up to MaxAttempts. Non-retryable errors return immediately.
// The callback onRetry, if set, is invoked before each retry attempt with
// the attempt number (1-based) and the error being retried.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error, oc OpContext, onRetry func(attempt int, err error)) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		// The caller's context ending is terminal regardless of what the
		// attempt reported; only attempt-scoped deadlines are retried.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !r.Retryable(lastErr) {
			logging.Debugf("[retry] %s/%s: non-retryable error: %v", oc.TaskID, oc.OperationName, lastErr)
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		logging.Debugf("[retry] %s/%s: attempt %d/%d failed (%v), retrying in %s",
			oc.TaskID, oc.OperationName, attempt, r.cfg.MaxAttempts, lastErr, delay)
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, r.cfg.MaxAttempts, lastErr)
}
