package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - Token Bucket rate limiter для контроля частоты запросов к API брокера.
//
// Ведро наполняется токенами со скоростью rate токенов/сек, ёмкость burst.
// Каждый запрос потребляет один токен; при пустом ведре запрос ждёт или
// отклоняется. Burst позволяет короткие всплески (batch-запрос котировок),
// постоянный поток сглаживается до rate.
//
// Использование:
//
//	limiter := ratelimit.New(10, 20) // 10 req/sec, burst 20
//	err := limiter.Wait(ctx)         // блокирующее ожидание
//	if limiter.Allow() { ... }       // неблокирующая проверка
type Limiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // ёмкость ведра
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// New создаёт новый rate limiter.
// rate - запросов в секунду, burst - ёмкость всплеска (обычно 1.5-2x rate).
func New(rate, burst float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate
	}

	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены по прошедшему времени.
// ВАЖНО: вызывается под локом.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	l.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		// Время до появления следующего токена
		waitTime := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-time.After(waitTime):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitN блокирует до получения n токенов (для batch-запросов)
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Allow проверяет доступность токена без блокировки
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.tokens >= 1 {
		l.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество доступных токенов (для мониторинга)
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Rate возвращает скорость пополнения (токенов/сек)
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Burst возвращает ёмкость ведра
func (l *Limiter) Burst() float64 {
	return l.burst
}
