// Package retry provides a bounded retry executor with exponential backoff and
// jitter for transient provider failures.
//
// The central entry point is [Do], which runs an operation up to a configured
// number of attempts, sleeping between attempts according to
// delay(n) = min(initial * multiplier^n, max), randomised by a jitter fraction.
// A [Classifier] decides which errors are worth retrying; permanent errors
// (authentication failures, malformed requests) abort immediately.
//
// All functions are safe for concurrent use.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrAttemptsExhausted is wrapped into the error returned by [Do] when every
// attempt failed with a retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// Config holds the tuning knobs for a retry loop.
type Config struct {
	// Name is a human-readable label used in log messages (e.g., "tts", "llm").
	Name string

	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the backoff delay after the first failed attempt.
	// Default: 300ms.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff delay. Default: 2s.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between attempts.
	// Default: 2.0.
	Multiplier float64

	// Jitter is the fraction of the computed delay randomised in both
	// directions: the actual sleep is uniform in [d*(1-Jitter), d*(1+Jitter)].
	// Zero selects the default of 0.2; any negative value disables jitter
	// entirely, giving deterministic delays (used by tests). Config files
	// cannot express the negative form: config validation requires [0, 1).
	Jitter float64

	// Classify decides whether an error is retryable. Default: [IsTransient].
	Classify Classifier
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 300 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.Classify == nil {
		c.Classify = IsTransient
	}
	return c
}

// Do runs fn up to cfg.MaxAttempts times, sleeping with exponential backoff
// between attempts. It returns fn's result on the first success.
//
// Non-retryable errors (per cfg.Classify) are returned immediately without
// further attempts. Context cancellation during a backoff sleep aborts the loop
// with ctx.Err(). When all attempts fail, the returned error wraps both
// [ErrAttemptsExhausted] and the last attempt's error.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := Delay(cfg, attempt-1)
			slog.Debug("retrying after backoff",
				"name", cfg.Name,
				"attempt", attempt+1,
				"max_attempts", cfg.MaxAttempts,
				"delay", d,
				"error", lastErr)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !cfg.Classify(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w",
		cfg.Name, ErrAttemptsExhausted, cfg.MaxAttempts, lastErr)
}

// Delay computes the randomised backoff delay for the given zero-based failure
// count: min(initial * multiplier^n, max), then jittered uniformly within
// ±Jitter of the computed value. The result is never negative.
func Delay(cfg Config, n int) time.Duration {
	cfg = cfg.withDefaults()

	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		// Uniform in [base*(1-j), base*(1+j)].
		span := base * cfg.Jitter
		base = base - span + rand.Float64()*2*span
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// statusCoder is implemented by provider errors that carry an HTTP status code.
type statusCoder interface {
	StatusCode() int
}

// IsTransient is the default [Classifier]. It retries network-level failures
// (connection resets, timeouts, DNS errors), HTTP 429 and 5xx responses, and
// errors whose message indicates a timeout. Other HTTP 4xx responses and
// unrecognised errors are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"broken pipe",
		"temporarily unavailable",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
