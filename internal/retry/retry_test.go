package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, OpContext{TaskID: "t1", OperationName: "op"}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, OpContext{TaskID: "t1", OperationName: "op"}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	wantErr := errors.New("syntax error in task definition")
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, OpContext{TaskID: "t1", OperationName: "op"}, nil)

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries for non-retryable error, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(fastConfig())

	retries := 0
	err := r.Do(context.Background(), func(context.Context) error {
		return errors.New("request timeout")
	}, OpContext{TaskID: "t1", OperationName: "op"}, func(attempt int, err error) {
		retries++
	})

	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if retries != 2 {
		t.Errorf("expected 2 retry callbacks for 3 attempts, got %d", retries)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	r := New(Config{
		MaxAttempts:       5,
		InitialDelay:      time.Hour, // would hang without cancellation
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(context.Context) error {
		return errors.New("timeout")
	}, OpContext{}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDoRetriesAttemptDeadline(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return context.DeadlineExceeded
		}
		return nil
	}, OpContext{TaskID: "t1", OperationName: "op"}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected an expired attempt to be retried, got %d calls", calls)
	}
}

func TestDoStopsWhenCallerDeadlinePassed(t *testing.T) {
	r := New(fastConfig())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	}, OpContext{}, nil)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the context error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries past the caller's deadline, got %d calls", calls)
	}
}

func TestRetryableClassification(t *testing.T) {
	r := New(fastConfig())

	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("request timed out"), true},
		{errors.New("429 rate limit exceeded"), true},
		{errors.New("network unreachable"), true},
		{errors.New("service temporarily unavailable"), true},
		{errors.New("invalid task id"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{nil, false},
	}
	for _, c := range cases {
		if got := r.Retryable(c.err); got != c.want {
			t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRetryableCustomPatterns(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryablePatterns = []string{"flaky"}
	r := New(cfg)

	if !r.Retryable(errors.New("flaky backend")) {
		t.Error("custom pattern should match")
	}
	if r.Retryable(errors.New("request timeout")) {
		t.Error("default patterns should be replaced by custom set")
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	r := New(Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
	})

	if d := r.Delay(1); d != time.Second {
		t.Errorf("attempt 1: expected 1s, got %s", d)
	}
	if d := r.Delay(2); d != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %s", d)
	}
	if d := r.Delay(4); d != 5*time.Second {
		t.Errorf("attempt 4: expected cap of 5s, got %s", d)
	}
}
