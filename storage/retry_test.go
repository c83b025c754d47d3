package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "wrapped cancel", err: fmt.Errorf("attempt: %w", context.Canceled), want: false},
		{name: "408", err: &APIError{Code: 408}, want: true},
		{name: "429", err: &APIError{Code: 429}, want: true},
		{name: "500", err: &APIError{Code: 500}, want: true},
		{name: "503", err: &APIError{Code: 503}, want: true},
		{name: "504", err: &APIError{Code: 504}, want: true},
		{name: "400", err: &APIError{Code: 400}, want: false},
		{name: "404", err: &APIError{Code: 404}, want: false},
		{name: "409", err: &APIError{Code: 409}, want: false},
		{name: "412", err: &APIError{Code: 412}, want: false},
		{name: "unexpected EOF", err: io.ErrUnexpectedEOF, want: true},
		{name: "wrapped unexpected EOF", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: true},
		{name: "plain EOF", err: io.EOF, want: false},
		{name: "connection reset", err: errors.New("read tcp 127.0.0.1:80: read: connection reset by peer"), want: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:80: connect: connection refused"), want: true},
		{name: "broken pipe", err: errors.New("write tcp 127.0.0.1:80: write: broken pipe"), want: true},
		{name: "goaway", err: errors.New(`http2: server sent GOAWAY and closed the connection`), want: true},
		{name: "url timeout", err: &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, want: true},
		{name: "other", err: errors.New("unrelated failure"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRetry(tc.err); got != tc.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "operation timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

// fastRetry keeps test sleeps negligible.
func fastRetry() *retryConfig {
	rc := defaultRetryConfig()
	rc.backoff = Backoff{Initial: time.Microsecond, Max: 10 * time.Microsecond, Multiplier: 2}
	return rc
}

func TestRunWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), fastRetry(), nil, true, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &APIError{Code: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("runWithRetry = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunWithRetryPermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	want := &APIError{Code: 404}
	err := runWithRetry(context.Background(), fastRetry(), nil, true, "op", func(context.Context) error {
		calls++
		return want
	})
	if err != error(want) {
		t.Fatalf("runWithRetry = %v, want the 404", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunWithRetryNonIdempotentNotRetried(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), fastRetry(), nil, false, "op", func(context.Context) error {
		calls++
		return &APIError{Code: 503}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if apiErr, ok := err.(*APIError); !ok || apiErr.Code != 503 {
		t.Errorf("err = %v, want the injected 503", err)
	}
}

func TestRunWithRetryPolicyOverrides(t *testing.T) {
	// RetryAlways retries even non-idempotent operations.
	rc := fastRetry()
	rc.policy = RetryAlways
	calls := 0
	err := runWithRetry(context.Background(), rc, nil, false, "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return &APIError{Code: 503}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("RetryAlways: err = %v, calls = %d, want nil and 2", err, calls)
	}

	// RetryNever suppresses retries even for idempotent operations.
	rc = fastRetry()
	rc.policy = RetryNever
	calls = 0
	runWithRetry(context.Background(), rc, nil, true, "op", func(context.Context) error { //nolint:errcheck
		calls++
		return &APIError{Code: 503}
	})
	if calls != 1 {
		t.Errorf("RetryNever: calls = %d, want 1", calls)
	}
}

func TestRunWithRetryMaxAttempts(t *testing.T) {
	rc := fastRetry()
	rc.maxAttempts = 3
	calls := 0
	err := runWithRetry(context.Background(), rc, nil, true, "op", func(context.Context) error {
		calls++
		return &APIError{Code: 503}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if err == nil {
		t.Error("exhausted attempts returned nil")
	}
}

func TestRunWithRetryTotalTimeout(t *testing.T) {
	rc := fastRetry()
	rc.backoff = Backoff{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	rc.totalTimeout = 20 * time.Millisecond
	calls := 0
	start := time.Now()
	err := runWithRetry(context.Background(), rc, nil, true, "op", func(context.Context) error {
		calls++
		return &APIError{Code: 503}
	})
	if err == nil {
		t.Fatal("expected the last attempt error after the window closed")
	}
	// The first backoff sleep would overshoot the window, so exactly one
	// attempt runs and the loop returns without sleeping.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("runWithRetry slept %v past its window", elapsed)
	}
}

func TestRunWithRetryContextCancelDuringBackoff(t *testing.T) {
	rc := fastRetry()
	rc.backoff = Backoff{Initial: time.Minute, Max: time.Minute, Multiplier: 2}
	rc.totalTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := runWithRetry(ctx, rc, nil, true, "op", func(context.Context) error {
		return &APIError{Code: 503}
	})
	// The attempt error is reported, not the bare context error.
	if apiErr, ok := err.(*APIError); !ok || apiErr.Code != 503 {
		t.Fatalf("err = %v, want the attempt's 503", err)
	}
}

func TestRunWithRetryCustomClassifier(t *testing.T) {
	rc := fastRetry()
	sentinel := errors.New("flaky but known")
	rc.shouldRetry = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	err := runWithRetry(context.Background(), rc, nil, true, "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return sentinel
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("custom classifier: err = %v, calls = %d, want nil and 2", err, calls)
	}

	// Errors the classifier rejects are returned immediately, even ones the
	// default classifier would retry.
	calls = 0
	runWithRetry(context.Background(), rc, nil, true, "op", func(context.Context) error { //nolint:errcheck
		calls++
		return &APIError{Code: 503}
	})
	if calls != 1 {
		t.Errorf("classifier rejection: calls = %d, want 1", calls)
	}
}
