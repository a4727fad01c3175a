package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

// fastConfig keeps test sleeps negligible.
func fastConfig() Config {
	return Config{
		Name:         "test",
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

var errTransient = errors.New("connection reset by peer")

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want wrapped last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	permanent := errors.New("invalid api key")
	calls := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want permanent error", err)
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Error("permanent error should not be wrapped in ErrAttemptsExhausted")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour // force a long sleep after the first failure
	cfg.MaxDelay = time.Hour
	cfg.Jitter = 0

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
			calls++
			return 0, errTransient
		})
		done <- err
	}()

	// Give the first attempt time to fail and enter the backoff sleep.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelay_ExponentialGrowthAndCap(t *testing.T) {
	cfg := Config{
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       -1, // sentinel: withDefaults maps negative to zero jitter
	}

	want := []time.Duration{
		300 * time.Millisecond,  // n=0
		600 * time.Millisecond,  // n=1
		1200 * time.Millisecond, // n=2
		2 * time.Second,         // n=3: 2400ms capped at 2s
		2 * time.Second,         // n=4: stays capped
	}
	for n, w := range want {
		if got := Delay(cfg, n); got != w {
			t.Errorf("Delay(n=%d) = %v, want %v", n, got, w)
		}
	}
}

func TestDelay_JitterStaysWithinEnvelope(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}

	for n := 0; n < 4; n++ {
		base := float64(100*time.Millisecond) * pow2(n)
		lo := time.Duration(base * 0.8)
		hi := time.Duration(base * 1.2)
		for i := 0; i < 200; i++ {
			d := Delay(cfg, n)
			if d < lo || d > hi {
				t.Fatalf("Delay(n=%d) = %v outside [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestConfig_JitterConventions(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero selects the default", 0, 0.2},
		{"negative disables jitter", -1, 0},
		{"explicit value kept", 0.35, 0.35},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Jitter: tc.in}.withDefaults()
			if cfg.Jitter != tc.want {
				t.Errorf("Jitter = %.2f, want %.2f", cfg.Jitter, tc.want)
			}
		})
	}
}

func pow2(n int) float64 {
	f := 1.0
	for i := 0; i < n; i++ {
		f *= 2
	}
	return f
}

// ---- classifier tests ----

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int { return e.code }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &statusErr{429}, true},
		{"500", &statusErr{500}, true},
		{"503", &statusErr{503}, true},
		{"400", &statusErr{400}, false},
		{"401", &statusErr{401}, false},
		{"404", &statusErr{404}, false},
		{"wrapped 502", fmt.Errorf("speak: %w", &statusErr{502}), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"op error", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"timeout message", errors.New("request timed out waiting for response"), true},
		{"connection reset message", errors.New("read: connection reset by peer"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"auth failure", errors.New("invalid credentials"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
