package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errBoom
	}, fastConfig(3))

	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() = %v, want errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryIf = IsRetryable

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errBoom)
	}, cfg)

	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() = %v, want wrapped errBoom", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried: calls = %d, want 1", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig(0) // бесконечные повторы
	cfg.InitialDelay = 10 * time.Millisecond

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, func() error {
			calls++
			return errBoom
		}, cfg)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errBoom) {
			t.Errorf("Do() = %v, want last operation error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do() did not return after context cancel")
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errBoom
		}
		return 42, nil
	}, fastConfig(3))

	if err != nil || got != 42 {
		t.Errorf("DoWithResult() = %d, %v; want 42, nil", got, err)
	}
}

func TestDoCallsOnRetry(t *testing.T) {
	cfg := fastConfig(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), func() error { return errBoom }, cfg)

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestCalculateDelayBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}
	cfg.validate()

	for attempt := 0; attempt < 20; attempt++ {
		delay := cfg.calculateDelay(attempt)
		if delay < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, delay)
		}
		// MaxDelay + 50% jitter - абсолютный потолок
		if delay > 1500*time.Millisecond {
			t.Fatalf("attempt %d: delay %v above jittered cap", attempt, delay)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if IsRetryable(Permanent(errBoom)) {
		t.Error("Permanent must not be retryable")
	}
	if !IsRetryable(Temporary(errBoom)) {
		t.Error("Temporary must be retryable")
	}
	if !IsRetryable(errBoom) {
		t.Error("unclassified errors default to retryable")
	}

	// Обёртки прозрачны для errors.Is
	if !errors.Is(Permanent(errBoom), errBoom) {
		t.Error("Permanent must unwrap to the original error")
	}
	if !errors.Is(Temporary(errBoom), errBoom) {
		t.Error("Temporary must unwrap to the original error")
	}

	if Permanent(nil) != nil || Temporary(nil) != nil {
		t.Error("wrapping nil must stay nil")
	}
}

func TestRetryIfNotContext(t *testing.T) {
	if RetryIfNotContext(context.Canceled) {
		t.Error("context.Canceled must not be retried")
	}
	if RetryIfNotContext(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded must not be retried")
	}
	if !RetryIfNotContext(errBoom) {
		t.Error("ordinary errors are retried")
	}
}
