package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"time"
)

// RetryPolicy governs which operations the client retries automatically.
type RetryPolicy int

const (
	// RetryIdempotent retries only operations that are safe to repeat:
	// reads, lists, and mutations guarded by a generation, metageneration,
	// or etag precondition. This is the default.
	RetryIdempotent RetryPolicy = iota

	// RetryAlways retries all operations, including unconditional mutations.
	// Use only when the application tolerates duplicated side effects.
	RetryAlways

	// RetryNever disables automatic retries.
	RetryNever
)

// Backoff configures exponential backoff between retry attempts. The delay
// starts at Initial, is multiplied by Multiplier after each attempt, and is
// capped at Max. Each delay is jittered uniformly in (0, delay].
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Retry defaults. These match the service's published guidance: back off
// from one second with a 2x multiplier up to thirty seconds, and give up
// once an operation has been outstanding for thirty-two seconds total.
const (
	defaultBackoffInitial = 1 * time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultBackoffMult    = 2.0
	defaultTotalTimeout   = 32 * time.Second
)

// retryConfig is the resolved retry policy attached to a client or handle.
type retryConfig struct {
	backoff      Backoff
	policy       RetryPolicy
	maxAttempts  int // 0 means bounded by totalTimeout only
	totalTimeout time.Duration
	shouldRetry  func(error) bool
}

func defaultRetryConfig() *retryConfig {
	return &retryConfig{
		backoff: Backoff{
			Initial:    defaultBackoffInitial,
			Max:        defaultBackoffMax,
			Multiplier: defaultBackoffMult,
		},
		policy:       RetryIdempotent,
		totalTimeout: defaultTotalTimeout,
	}
}

// clone returns a copy so per-handle Retryer calls do not mutate the
// client-wide config.
func (rc *retryConfig) clone() *retryConfig {
	if rc == nil {
		return defaultRetryConfig()
	}
	cp := *rc
	return &cp
}

// RetryOption adjusts the retry behavior of a client or handle.
type RetryOption interface {
	apply(*retryConfig)
}

type retryOptionFunc func(*retryConfig)

func (f retryOptionFunc) apply(rc *retryConfig) { f(rc) }

// WithBackoff sets the backoff parameters for retried operations. Zero
// fields keep their defaults.
func WithBackoff(b Backoff) RetryOption {
	return retryOptionFunc(func(rc *retryConfig) {
		if b.Initial > 0 {
			rc.backoff.Initial = b.Initial
		}
		if b.Max > 0 {
			rc.backoff.Max = b.Max
		}
		if b.Multiplier > 1 {
			rc.backoff.Multiplier = b.Multiplier
		}
	})
}

// WithPolicy sets the idempotency policy gating automatic retries.
func WithPolicy(p RetryPolicy) RetryOption {
	return retryOptionFunc(func(rc *retryConfig) { rc.policy = p })
}

// WithMaxAttempts caps the number of attempts (the first attempt counts).
// Zero removes the cap, leaving the total timeout as the only bound.
func WithMaxAttempts(n int) RetryOption {
	return retryOptionFunc(func(rc *retryConfig) { rc.maxAttempts = n })
}

// WithTotalTimeout bounds the wall-clock window in which retry attempts may
// start. Once the window closes the last attempt's error is returned.
func WithTotalTimeout(d time.Duration) RetryOption {
	return retryOptionFunc(func(rc *retryConfig) { rc.totalTimeout = d })
}

// WithErrorFunc replaces the default transient-error classifier. The
// function receives the attempt error and reports whether it is retryable;
// the idempotency policy is still applied on top.
func WithErrorFunc(f func(error) bool) RetryOption {
	return retryOptionFunc(func(rc *retryConfig) { rc.shouldRetry = f })
}

// ShouldRetry is the default transient-error classifier. It reports true
// for HTTP 408, 429 and 5xx responses, connection-level failures, and
// bodies truncated mid-stream.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch code := httpStatus(err); code {
	case http408, http429:
		return true
	default:
		if code >= 500 && code < 600 {
			return true
		}
		if code != 0 {
			return false
		}
	}

	// Transport-level failures.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Temporary() || urlErr.Timeout() {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection resets do not implement net.Error usefully everywhere, so
	// fall back to the message, the way every HTTP client ends up doing.
	msg := err.Error()
	if strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "http2: server sent GOAWAY") {
		return true
	}
	return false
}

const (
	http408 = 408
	http429 = 429
)

// runWithRetry invokes attempt until it succeeds, returns a permanent error,
// or the retry budget is exhausted. The idempotent flag is the call site's
// classification of the specific operation (including any preconditions);
// the config's policy decides whether that classification gates retries.
func runWithRetry(ctx context.Context, rc *retryConfig, logger *slog.Logger, idempotent bool, op string, attempt func(context.Context) error) error {
	if rc == nil {
		rc = defaultRetryConfig()
	}

	retryable := idempotent
	switch rc.policy {
	case RetryAlways:
		retryable = true
	case RetryNever:
		retryable = false
	}

	classify := rc.shouldRetry
	if classify == nil {
		classify = ShouldRetry
	}

	// The total timeout bounds when new attempts may start. It deliberately
	// does not cancel an in-flight attempt's context: response bodies from
	// streaming calls outlive this loop.
	var deadline time.Time
	if rc.totalTimeout > 0 {
		deadline = time.Now().Add(rc.totalTimeout)
	}

	delay := rc.backoff.Initial
	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !retryable || !classify(err) {
			return err
		}
		if rc.maxAttempts > 0 && n >= rc.maxAttempts {
			return err
		}

		// Jitter uniformly within the current delay, then grow it.
		sleep := time.Duration(1 + rand.Int63n(int64(delay)))
		if !deadline.IsZero() && time.Now().Add(sleep).After(deadline) {
			return err
		}
		if logger != nil {
			logger.Debug("retrying after transient error",
				"op", op, "attempt", n, "backoff", sleep, "error", err)
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			// Report the attempt error, not the bare context error: the
			// caller wants to know what the service last said.
			return err
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * rc.backoff.Multiplier)
		if delay > rc.backoff.Max {
			delay = rc.backoff.Max
		}
	}
}
