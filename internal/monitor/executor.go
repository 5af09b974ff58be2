package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/retry"
	"planwatch/pkg/utils"
)

// ExecutionCoordinator гарантирует at-most-once исполнение плана.
//
// Двухуровневая защита от дублей:
//  1. Персистентный CAS pending→executing в БД - переживает рестарты
//     процесса и конкурирующие инстансы.
//  2. In-process неблокирующий мьютекс на план - отсекает параллельные
//     попытки внутри одного цикла без обращения к БД.
//
// Побочные эффекты (отправка ордера) начинаются только после успеха
// обоих уровней. Любая ошибка исполнения откатывает статус в pending,
// мьютекс освобождается в defer.
type ExecutionCoordinator struct {
	persistence PlanPersistence
	queue       *WriteQueue
	orders      OrderExecutionPort
	journal     JournalSink
	notifier    NotificationPort
	log         *utils.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	attemptsMu sync.Mutex
	attempts   map[string]int

	maxAttempts int
	slippagePct float64
}

// NewExecutionCoordinator создаёт координатор.
// maxAttempts - предел попыток исполнения до перевода плана в failed.
// slippagePct - допустимое отклонение цены от входа для рыночного ордера,
// при превышении размещается отложенный ордер на уровне входа.
func NewExecutionCoordinator(persistence PlanPersistence, queue *WriteQueue,
	orders OrderExecutionPort, journal JournalSink, notifier NotificationPort,
	maxAttempts int, slippagePct float64, log *utils.Logger) *ExecutionCoordinator {

	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if slippagePct <= 0 {
		slippagePct = 0.5
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &ExecutionCoordinator{
		persistence: persistence,
		queue:       queue,
		orders:      orders,
		journal:     journal,
		notifier:    notifier,
		log:         log.WithComponent("execution_coordinator"),
		locks:       make(map[string]*sync.Mutex),
		attempts:    make(map[string]int),
		maxAttempts: maxAttempts,
		slippagePct: slippagePct,
	}
}

// Результат попытки исполнения для вызывающего шедулера
type ExecResult int

const (
	ExecSkipped ExecResult = iota // гонка проиграна или план занят
	ExecExecuted
	ExecPendingOrder
	ExecRolledBack // временная ошибка, план вернулся в pending
	ExecFailed     // попытки исчерпаны, план в failed
)

// TryExecute пытается исполнить план, чьи условия прошли оценку.
// store передаётся для синхронизации in-memory статуса и удаления
// завершённых планов из мониторинга.
func (ec *ExecutionCoordinator) TryExecute(ctx context.Context, store *PlanStore,
	plan *models.Plan, quote *models.Quote) ExecResult {

	// Уровень 1: in-process мьютекс. TryLock, не Lock: занятый план
	// означает идущую попытку, дубль не нужен.
	lock := ec.lockFor(plan.ID)
	if !lock.TryLock() {
		ExecutionsTotal.WithLabelValues("race_lost").Inc()
		return ExecSkipped
	}
	defer lock.Unlock()

	// Уровень 2: персистентный CAS. Ноль затронутых строк - статус уже
	// не pending (другой инстанс, отмена, истечение), молча выходим.
	claimed, err := ec.persistence.CompareAndSetStatus(plan.ID,
		models.StatusPending, models.StatusExecuting)
	if err != nil {
		ec.log.Error("execution claim failed", utils.PlanID(plan.ID), utils.Err(err))
		return ExecSkipped
	}
	if !claimed {
		ExecutionsTotal.WithLabelValues("race_lost").Inc()
		ec.log.Debug("lost execution race", utils.PlanID(plan.ID))
		return ExecSkipped
	}

	store.SetStatus(plan.ID, models.StatusExecuting)

	// С этого момента любой выход без терминального статуса обязан
	// откатить план в pending
	committed := false
	defer func() {
		if r := recover(); r != nil {
			ec.log.Error("panic during execution",
				utils.PlanID(plan.ID), utils.Any("panic", r))
			committed = false
		}
		if !committed {
			ec.rollback(store, plan)
		}
	}()

	result := ec.submit(ctx, store, plan, quote)
	committed = result != ExecRolledBack
	return result
}

// submit отправляет ордер брокеру и фиксирует терминальный статус
func (ec *ExecutionCoordinator) submit(ctx context.Context, store *PlanStore,
	plan *models.Plan, quote *models.Quote) ExecResult {

	usePending := ec.shouldUsePendingOrder(plan, quote)

	cfg := retry.OrderConfig()
	cfg.RetryIf = func(err error) bool {
		return retry.RetryIfNotContext(err) && retry.IsRetryable(err)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		ec.log.Warn("order submission retry",
			utils.PlanID(plan.ID), utils.Attempt(attempt), utils.Err(err))
	}

	ticket, err := retry.DoWithResult(ctx, func() (string, error) {
		if usePending {
			return ec.orders.SubmitPendingOrder(ctx, plan)
		}
		return ec.orders.SubmitMarketOrder(ctx, plan)
	}, cfg)

	if err != nil {
		return ec.handleFailure(store, plan, quote, err)
	}

	ec.clearAttempts(plan.ID)

	if usePending {
		return ec.commitPendingOrder(ctx, store, plan, quote, ticket)
	}
	return ec.commitExecuted(ctx, store, plan, quote, ticket)
}

// commitExecuted фиксирует исполненный рыночный ордер
func (ec *ExecutionCoordinator) commitExecuted(ctx context.Context, store *PlanStore,
	plan *models.Plan, quote *models.Quote, ticket string) ExecResult {

	executedAt := time.Now()

	// Терминальный переход пишется блокирующе с высоким приоритетом:
	// потеря этой записи означала бы повторное исполнение после рестарта
	err := ec.queue.EnqueueWait(ctx, &WriteOp{
		Kind:     OpMarkExecuted,
		PlanID:   plan.ID,
		Priority: PriorityHigh,
		Ticket:   ticket,
		At:       executedAt,
	})
	if err != nil {
		// Ордер уже у брокера, откат невозможен. Оставляем executing:
		// RecoverStuck при следующем старте потребует ручной сверки.
		ec.log.Error("CRITICAL: order filled but persistence failed, manual reconciliation required",
			utils.PlanID(plan.ID), utils.Ticket(ticket), utils.Err(err))
		return ExecExecuted
	}

	store.SetStatus(plan.ID, models.StatusExecuted)
	store.Remove(plan.ID)
	ec.releaseLock(plan.ID)

	ExecutionsTotal.WithLabelValues("executed").Inc()
	ec.log.Info("plan executed",
		utils.PlanID(plan.ID), utils.Symbol(plan.Symbol),
		utils.Ticket(ticket), utils.Price(quotePrice(quote)))

	ec.recordJournal(plan, models.JournalExecuted, ticket, quote,
		fmt.Sprintf("market order filled, ticket %s", ticket))
	ec.notifier.NotifyPlanEvent(plan, models.JournalExecuted, "plan executed")
	return ExecExecuted
}

// commitPendingOrder фиксирует размещённый отложенный ордер.
// План остаётся в мониторинге: отложенный ордер можно отменить.
func (ec *ExecutionCoordinator) commitPendingOrder(ctx context.Context, store *PlanStore,
	plan *models.Plan, quote *models.Quote, ticket string) ExecResult {

	err := ec.queue.EnqueueWait(ctx, &WriteOp{
		Kind:     OpMarkPendingOrder,
		PlanID:   plan.ID,
		Priority: PriorityHigh,
		Ticket:   ticket,
	})
	if err != nil {
		ec.log.Error("CRITICAL: pending order placed but persistence failed",
			utils.PlanID(plan.ID), utils.Ticket(ticket), utils.Err(err))
		return ExecPendingOrder
	}

	store.SetStatus(plan.ID, models.StatusPendingOrder)

	ExecutionsTotal.WithLabelValues("pending_order").Inc()
	ec.log.Info("pending order placed",
		utils.PlanID(plan.ID), utils.Symbol(plan.Symbol), utils.Ticket(ticket))

	ec.recordJournal(plan, models.JournalExecuted, ticket, quote,
		fmt.Sprintf("pending order placed at %.5f, ticket %s", plan.EntryPrice, ticket))
	ec.notifier.NotifyPlanEvent(plan, "pending_order_placed", "pending order placed")
	return ExecPendingOrder
}

// handleFailure: временная ошибка - откат в pending (повтор в следующем
// цикле), исчерпание попыток - терминальный failed
func (ec *ExecutionCoordinator) handleFailure(store *PlanStore, plan *models.Plan,
	quote *models.Quote, cause error) ExecResult {

	attempts := ec.bumpAttempts(plan.ID)

	if attempts < ec.maxAttempts {
		ec.log.Warn("execution attempt failed, plan returns to monitoring",
			utils.PlanID(plan.ID), utils.Attempt(attempts), utils.Err(cause))
		return ExecRolledBack // откат сделает deferred cleanup в TryExecute
	}

	// Попытки исчерпаны: план выводится из мониторинга
	reason := fmt.Sprintf("execution failed after %d attempts: %v", attempts, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ec.queue.EnqueueWait(ctx, &WriteOp{
		Kind:     OpMarkFailed,
		PlanID:   plan.ID,
		Priority: PriorityHigh,
		Reason:   reason,
	})
	if err != nil {
		ec.log.Error("failed to persist failed status",
			utils.PlanID(plan.ID), utils.Err(err))
		return ExecRolledBack
	}

	store.SetStatus(plan.ID, models.StatusFailed)
	store.Remove(plan.ID)
	ec.releaseLock(plan.ID)
	ec.clearAttempts(plan.ID)

	ExecutionsTotal.WithLabelValues("failed").Inc()
	ec.log.Error("plan failed permanently",
		utils.PlanID(plan.ID), utils.Symbol(plan.Symbol), utils.Reason(reason))

	ec.recordJournal(plan, models.JournalFailed, "", quote, reason)
	ec.notifier.NotifyPlanEvent(plan, models.JournalFailed, reason)
	return ExecFailed
}

// rollback возвращает план из executing в pending (персистентно и в памяти)
func (ec *ExecutionCoordinator) rollback(store *PlanStore, plan *models.Plan) {
	rolled, err := ec.persistence.CompareAndSetStatus(plan.ID,
		models.StatusExecuting, models.StatusPending)
	if err != nil {
		ec.log.Error("rollback to pending failed, recovery will fix on restart",
			utils.PlanID(plan.ID), utils.Err(err))
	} else if rolled {
		ExecutionsTotal.WithLabelValues("rolled_back").Inc()
	}

	store.SetStatus(plan.ID, models.StatusPending)
}

// shouldUsePendingOrder решает тип ордера: рыночный при цене в пределах
// допустимого проскальзывания от входа, иначе отложенный на уровне входа
func (ec *ExecutionCoordinator) shouldUsePendingOrder(plan *models.Plan,
	quote *models.Quote) bool {

	if quote == nil {
		return true // без свежей цены рыночный ордер слеп
	}
	devPct := math.Abs(quote.Mid()-plan.EntryPrice) / plan.EntryPrice * 100
	return devPct > ec.slippagePct
}

// CancelPendingOrder отменяет отложенный ордер отменяемого плана
func (ec *ExecutionCoordinator) CancelPendingOrder(ctx context.Context, plan *models.Plan) error {
	if plan.PendingTicket == "" {
		return nil
	}
	if err := ec.orders.CancelOrder(ctx, plan.PendingTicket); err != nil {
		return fmt.Errorf("cancel pending order %s: %w", plan.PendingTicket, err)
	}
	ec.log.Info("pending order cancelled",
		utils.PlanID(plan.ID), utils.Ticket(plan.PendingTicket))
	return nil
}

// recordJournal пишет событие в журнал fire-and-forget
func (ec *ExecutionCoordinator) recordJournal(plan *models.Plan, event, ticket string,
	quote *models.Quote, message string) {

	entry := &models.JournalEntry{
		PlanID:    plan.ID,
		Symbol:    plan.Symbol,
		Type:      event,
		Message:   message,
		Price:     quotePrice(quote),
		Ticket:    ticket,
		CreatedAt: time.Now(),
	}
	go func() {
		if err := ec.journal.Create(entry); err != nil {
			ec.log.Warn("journal write failed", utils.PlanID(plan.ID), utils.Err(err))
		}
	}()
}

// lockFor возвращает (создавая при необходимости) мьютекс плана
func (ec *ExecutionCoordinator) lockFor(planID string) *sync.Mutex {
	ec.locksMu.Lock()
	defer ec.locksMu.Unlock()

	lock, ok := ec.locks[planID]
	if !ok {
		lock = &sync.Mutex{}
		ec.locks[planID] = lock
	}
	return lock
}

// releaseLock удаляет мьютекс завершённого плана из карты.
// ВАЖНО: вызывается пока мьютекс ещё удерживается вызывающим,
// новый lockFor создаст свежий мьютекс - это безопасно, потому что
// план к этому моменту уже терминален и удалён из стора.
func (ec *ExecutionCoordinator) releaseLock(planID string) {
	ec.locksMu.Lock()
	delete(ec.locks, planID)
	ec.locksMu.Unlock()
}

func (ec *ExecutionCoordinator) bumpAttempts(planID string) int {
	ec.attemptsMu.Lock()
	defer ec.attemptsMu.Unlock()
	ec.attempts[planID]++
	return ec.attempts[planID]
}

func (ec *ExecutionCoordinator) clearAttempts(planID string) {
	ec.attemptsMu.Lock()
	delete(ec.attempts, planID)
	ec.attemptsMu.Unlock()
}

// Attempts возвращает количество неудачных попыток исполнения плана
func (ec *ExecutionCoordinator) Attempts(planID string) int {
	ec.attemptsMu.Lock()
	defer ec.attemptsMu.Unlock()
	return ec.attempts[planID]
}

func quotePrice(quote *models.Quote) float64 {
	if quote == nil {
		return 0
	}
	return quote.Mid()
}
