package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowConsumesBurst(t *testing.T) {
	limiter := New(10, 5)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow() {
			allowed++
		}
	}

	// Полное ведро = burst токенов; пополнение за время цикла пренебрежимо
	if allowed < 5 || allowed > 6 {
		t.Errorf("allowed %d requests from burst of 5", allowed)
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	limiter := New(100, 1) // 1 токен, пополнение каждые 10ms

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	started := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait: %v", err)
	}

	if elapsed := time.Since(started); elapsed < 5*time.Millisecond {
		t.Errorf("second Wait returned in %v, expected to block for a refill", elapsed)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	limiter := New(0.001, 1) // практически не пополняется
	limiter.Allow()          // опустошаем ведро

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	limiter := New(1000, 10)
	for i := 0; i < 10; i++ {
		limiter.Allow()
	}

	time.Sleep(20 * time.Millisecond)

	if tokens := limiter.Tokens(); tokens < 5 {
		t.Errorf("tokens = %v after refill window, want >= 5", tokens)
	}
	if tokens := limiter.Tokens(); tokens > limiter.Burst() {
		t.Errorf("tokens = %v exceeds burst %v", tokens, limiter.Burst())
	}
}

func TestNewSanitizesArguments(t *testing.T) {
	limiter := New(-5, 0)

	if limiter.Rate() <= 0 {
		t.Errorf("Rate() = %v, want positive default", limiter.Rate())
	}
	if limiter.Burst() < limiter.Rate() {
		t.Errorf("Burst() = %v below rate %v", limiter.Burst(), limiter.Rate())
	}
}
