package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d; want 3", result.Attempts, calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDoRespectsRetryIf(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	result := Do(context.Background(), cfg, func(int) error {
		calls++
		return fatal
	})
	if calls != 1 || !errors.Is(result.Err, fatal) {
		t.Errorf("calls = %d, err = %v", calls, result.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	result := Do(context.Background(), fastConfig(2), func(int) error {
		return errors.New("always")
	})
	if result.Attempts != 2 || result.Err == nil {
		t.Errorf("result = %+v", result)
	}
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, fastConfig(3), func(int) error { return nil })
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", result.Err)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := cfg.Delay(2)
		if d < time.Second || d >= 3*time.Second {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestDoWithValue(t *testing.T) {
	v, result := DoWithValue(context.Background(), fastConfig(3), func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("retry")
		}
		return "ok", nil
	})
	if v != "ok" || result.Err != nil {
		t.Errorf("DoWithValue = %q, %v", v, result.Err)
	}
}
