package monitor

import (
	"sync"
	"time"
)

// Состояния circuit breaker
const (
	BreakerClosed   = "closed"
	BreakerHalfOpen = "half_open"
	BreakerOpen     = "open"
)

// CircuitBreaker отслеживает подряд идущие неудачи операции.
// После threshold неудач открывается и пропускает попытки до истечения
// cooldown; затем half-open: одна пробная попытка, успех закрывает,
// неудача снова открывает.
//
// Используется в двух местах:
//   - per-symbol breaker на запросы котировок
//   - глобальный breaker параллельной оценки (fallback в sequential)
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	open        bool
	probing     bool // идёт half-open проба
	scope       string
}

// NewCircuitBreaker создаёт breaker.
// scope - метка для метрик ("eval", "quote:BTCUSDT").
func NewCircuitBreaker(scope string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 3
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		scope:     scope,
	}
}

// Allow сообщает можно ли выполнять операцию.
// В открытом состоянии после cooldown разрешает одну half-open пробу.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}

	if time.Since(cb.openedAt) < cb.cooldown {
		return false
	}

	// Half-open: пропускаем единственную пробу
	if cb.probing {
		return false
	}
	cb.probing = true
	BreakerState.WithLabelValues(cb.scope).Set(1)
	return true
}

// RecordSuccess сбрасывает счётчик неудач и закрывает breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.open = false
	cb.probing = false
	BreakerState.WithLabelValues(cb.scope).Set(0)
}

// RecordFailure учитывает неудачу; при достижении порога открывает breaker
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Серия неудач стареет: сбои, разнесённые дольше cooldown,
	// не складываются в открытие. Открытый breaker не трогаем -
	// неудачная проба должна перезапустить отсчёт, а не обнулиться.
	if !cb.open && cb.failures > 0 && cb.cooldown > 0 &&
		time.Since(cb.lastFailure) > cb.cooldown {
		cb.failures = 0
	}

	cb.failures++
	cb.lastFailure = time.Now()
	cb.probing = false

	if cb.failures >= cb.threshold {
		if !cb.open {
			cb.openedAt = time.Now()
		} else {
			// Неудачная half-open проба: отсчёт cooldown заново
			cb.openedAt = time.Now()
		}
		cb.open = true
		BreakerState.WithLabelValues(cb.scope).Set(2)
	}
}

// IsOpen возвращает true если breaker открыт (включая half-open окно)
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// State возвращает текстовое состояние для health-запросов
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return BreakerClosed
	}
	if time.Since(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// Failures возвращает текущее количество подряд идущих неудач
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
