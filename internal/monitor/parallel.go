package monitor

import (
	"context"
	"sync"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// EvalOutcome - результат оценки условий одного плана
type EvalOutcome struct {
	Plan    *models.Plan
	Verdict Verdict
}

// ParallelEvaluator оценивает условия многих планов конкурентно.
//
// Ограниченный пул воркеров, планы подаются батчами, каждая единица
// работы со своим таймаутом. Таймаут или паника единицы - это
// "условия не выполнены" для данного плана, а не падение батча.
//
// Глобальный circuit breaker открывается после порога подряд идущих
// батчей, где большинство оценок завершилось ошибкой; пока он открыт,
// оценка деградирует в последовательную in-process без пула.
type ParallelEvaluator struct {
	registry *Registry
	store    *PlanStore
	breaker  *CircuitBreaker
	md       MarketDataPort
	log      *utils.Logger

	workers     int
	batchSize   int
	evalTimeout time.Duration
}

// NewParallelEvaluator создаёт оценщик
func NewParallelEvaluator(registry *Registry, store *PlanStore, breaker *CircuitBreaker,
	md MarketDataPort, workers, batchSize int, evalTimeout time.Duration,
	log *utils.Logger) *ParallelEvaluator {

	if workers < 1 {
		workers = 1
	}
	if batchSize < 1 {
		batchSize = 20
	}

	return &ParallelEvaluator{
		registry:    registry,
		store:       store,
		breaker:     breaker,
		md:          md,
		log:         log.WithComponent("parallel_evaluator"),
		workers:     workers,
		batchSize:   batchSize,
		evalTimeout: evalTimeout,
	}
}

// Evaluate оценивает условия всех планов против карты котировок.
// Возвращает результаты только для планов, всё ещё присутствующих в сторе.
func (pe *ParallelEvaluator) Evaluate(ctx context.Context, plans []*models.Plan,
	quotes map[string]*models.Quote) []EvalOutcome {

	if len(plans) == 0 {
		return nil
	}

	if !pe.breaker.Allow() {
		return pe.evaluateSequential(ctx, plans, quotes)
	}

	outcomes := make([]EvalOutcome, 0, len(plans))

	for start := 0; start < len(plans); start += pe.batchSize {
		if ctx.Err() != nil {
			break
		}

		end := start + pe.batchSize
		if end > len(plans) {
			end = len(plans)
		}

		batch := pe.evaluateBatch(ctx, plans[start:end], quotes)
		outcomes = append(outcomes, batch...)

		// Батч, где большинство оценок без данных - признак системного
		// сбоя источника, кормим глобальный breaker
		if majorityIndeterminate(batch) {
			pe.breaker.RecordFailure()
			if pe.breaker.IsOpen() {
				pe.log.Warn("evaluation breaker opened, falling back to sequential")
				rest := pe.evaluateSequential(ctx, plans[end:], quotes)
				return append(outcomes, rest...)
			}
		} else {
			pe.breaker.RecordSuccess()
		}
	}

	return outcomes
}

// evaluateBatch - один батч через пул воркеров
func (pe *ParallelEvaluator) evaluateBatch(ctx context.Context, batch []*models.Plan,
	quotes map[string]*models.Quote) []EvalOutcome {

	jobs := make(chan *models.Plan)
	results := make(chan EvalOutcome, len(batch))

	var wg sync.WaitGroup
	workers := pe.workers
	if workers > len(batch) {
		workers = len(batch)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for plan := range jobs {
				results <- EvalOutcome{
					Plan:    plan,
					Verdict: pe.evaluateOne(ctx, plan, quotes[plan.Symbol]),
				}
			}
		}()
	}

	submitted := 0
	for _, plan := range batch {
		// Защита от гонки: план могли отменить пока батч собирался
		if !pe.store.Contains(plan.ID) {
			continue
		}
		jobs <- plan
		submitted++
	}
	close(jobs)
	wg.Wait()
	close(results)

	outcomes := make([]EvalOutcome, 0, submitted)
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// evaluateOne оценивает один план с собственным таймаутом.
// Таймаут считается Indeterminate (нет ответа - нет исполнения).
func (pe *ParallelEvaluator) evaluateOne(ctx context.Context, plan *models.Plan,
	quote *models.Quote) Verdict {

	evalCtx, cancel := context.WithTimeout(ctx, pe.evalTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan Verdict, 1)

	go func() {
		mctx := &MarketContext{
			Plan:       plan,
			Quote:      quote,
			Now:        time.Now(),
			MarketData: pe.md,
			Ctx:        evalCtx,
		}
		done <- pe.registry.EvaluateAll(mctx)
	}()

	var verdict Verdict
	select {
	case verdict = <-done:
		if verdict == VerdictIndeterminate && quote == nil {
			EvaluationErrors.WithLabelValues("no_data").Inc()
		}
	case <-evalCtx.Done():
		EvaluationErrors.WithLabelValues("timeout").Inc()
		pe.log.Warn("condition evaluation timed out",
			utils.PlanID(plan.ID), utils.Symbol(plan.Symbol))
		verdict = VerdictIndeterminate
	}

	EvalLatency.WithLabelValues("parallel").Observe(float64(time.Since(started).Milliseconds()))
	EvaluationsTotal.WithLabelValues(verdict.String()).Inc()
	return verdict
}

// evaluateSequential - деградированный режим: чистая последовательная
// оценка без пула и без goroutine на единицу. Успешный проход закрывает
// breaker (half-open проба удалась).
func (pe *ParallelEvaluator) evaluateSequential(ctx context.Context, plans []*models.Plan,
	quotes map[string]*models.Quote) []EvalOutcome {

	outcomes := make([]EvalOutcome, 0, len(plans))
	indeterminate := 0

	for _, plan := range plans {
		if ctx.Err() != nil {
			break
		}
		if !pe.store.Contains(plan.ID) {
			continue
		}

		started := time.Now()
		mctx := &MarketContext{
			Plan:       plan,
			Quote:      quotes[plan.Symbol],
			Now:        time.Now(),
			MarketData: pe.md,
			Ctx:        ctx,
		}
		verdict := pe.registry.EvaluateAll(mctx)

		EvalLatency.WithLabelValues("sequential").Observe(float64(time.Since(started).Milliseconds()))
		EvaluationsTotal.WithLabelValues(verdict.String()).Inc()

		if verdict == VerdictIndeterminate {
			indeterminate++
			if quotes[plan.Symbol] == nil {
				EvaluationErrors.WithLabelValues("no_data").Inc()
			}
		}
		outcomes = append(outcomes, EvalOutcome{Plan: plan, Verdict: verdict})
	}

	if len(outcomes) > 0 && indeterminate*2 <= len(outcomes) {
		pe.breaker.RecordSuccess()
	}

	return outcomes
}

// majorityIndeterminate: больше половины оценок батча без ответа
func majorityIndeterminate(outcomes []EvalOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	indeterminate := 0
	for _, o := range outcomes {
		if o.Verdict == VerdictIndeterminate {
			indeterminate++
		}
	}
	return indeterminate*2 > len(outcomes)
}
