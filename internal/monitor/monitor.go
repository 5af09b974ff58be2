package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"planwatch/internal/config"
	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// ErrPlanNotCancellable возвращается при попытке отменить план
// в неподходящем статусе
var ErrPlanNotCancellable = errors.New("plan is not in a cancellable state")

// Service - фасад подсистемы мониторинга. Собирает компоненты,
// управляет их жизненным циклом и даёт внешним слоям (API, сервис
// планов) узкий набор операций.
type Service struct {
	cfg config.MonitorConfig
	log *utils.Logger

	store       *PlanStore
	registry    *Registry
	cache       *PriceCache
	fetcher     *QuoteFetcher
	classifier  *PriorityClassifier
	evaluator   *ParallelEvaluator
	evalBreaker *CircuitBreaker
	executor    *ExecutionCoordinator
	queue       *WriteQueue
	watchdog    *Watchdog

	persistence PlanPersistence
	journal     JournalSink
	notifier    NotificationPort

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// Deps - внешние зависимости подсистемы мониторинга
type Deps struct {
	Persistence PlanPersistence
	Journal     JournalSink
	MarketData  MarketDataPort
	Orders      OrderExecutionPort
	Notifier    NotificationPort // nil = уведомления выключены

	// SnapshotPath - файл снапшота очереди записи ("" = без снапшота)
	SnapshotPath string
}

// NewService собирает подсистему мониторинга
func NewService(cfg config.MonitorConfig, deps Deps, log *utils.Logger) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	store := NewPlanStore(log)
	registry := NewRegistry(log)
	cache := NewPriceCache(cfg.CacheCapacity, cfg.CacheTTL)
	fetcher := NewQuoteFetcher(deps.MarketData, cache, cfg.FetchChunk,
		cfg.BreakerThreshold, cfg.BreakerCooldown, log)
	classifier := NewPriorityClassifier(cfg)
	evalBreaker := NewCircuitBreaker("eval", cfg.BreakerThreshold, cfg.BreakerCooldown)
	evaluator := NewParallelEvaluator(registry, store, evalBreaker, deps.MarketData,
		cfg.Workers, cfg.BatchSize, cfg.EvalTimeout, log)
	queue := NewWriteQueue(deps.Persistence, cfg.QueueCapacity, deps.SnapshotPath, log)
	executor := NewExecutionCoordinator(deps.Persistence, queue, deps.Orders,
		deps.Journal, notifier, cfg.MaxExecAttempts, cfg.MaxSlippagePct, log)

	svc := &Service{
		cfg:         cfg,
		log:         log.WithComponent("monitor"),
		store:       store,
		registry:    registry,
		cache:       cache,
		fetcher:     fetcher,
		classifier:  classifier,
		evaluator:   evaluator,
		evalBreaker: evalBreaker,
		executor:    executor,
		queue:       queue,
		persistence: deps.Persistence,
		journal:     deps.Journal,
		notifier:    notifier,
	}

	// Шедулер одноразовый: watchdog пересоздаёт его фабрикой
	factory := func() *Scheduler {
		return NewScheduler(cfg, store, deps.Persistence, registry, fetcher,
			classifier, evaluator, executor, queue, deps.Journal, notifier, log)
	}
	svc.watchdog = NewWatchdog(factory, deps.Journal, cfg.HealthInterval,
		cfg.MaxRestarts, log)

	return svc
}

// Start запускает мониторинг: восстановление зависших планов,
// загрузка активных, очередь записи, шедулер под watchdog'ом, prefetch
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	// Планы, застрявшие в executing после падения процесса,
	// откатываются в pending до начала мониторинга
	recovered, err := s.persistence.RecoverStuck()
	if err != nil {
		cancel()
		return fmt.Errorf("recover stuck plans: %w", err)
	}
	if recovered > 0 {
		s.log.Warn("recovered plans stuck in executing after crash",
			utils.Count(int(recovered)))
	}

	loaded, err := s.persistence.LoadActive()
	if err != nil {
		cancel()
		return fmt.Errorf("load active plans: %w", err)
	}
	s.store.Merge(loaded)
	s.log.Info("monitoring started", utils.Count(s.store.Len()))

	s.queue.Start()
	s.watchdog.Start(runCtx)

	if s.cfg.PrefetchInterval > 0 {
		s.wg.Add(1)
		go s.prefetchLoop(runCtx)
	}

	return nil
}

// Stop останавливает подсистему в порядке, не теряющем записи:
// сначала шедулер (источник операций), затем очередь (дописывает остаток)
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.watchdog.Stop()
		s.wg.Wait()
		s.queue.Stop()
		s.log.Info("monitoring stopped")
	})
}

// prefetchLoop греет кэш котировок по символам активных планов,
// чтобы быстрая полоса шедулера не ходила к брокеру
func (s *Service) prefetchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PrefetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			symbols := s.store.Symbols()
			if len(symbols) > 0 {
				s.fetcher.FetchBatch(ctx, symbols)
			}
		}
	}
}

// Track ставит свежесозданный план под мониторинг, не дожидаясь
// периодической перезагрузки из БД
func (s *Service) Track(plan *models.Plan) {
	if plan.Status != models.StatusPending {
		return
	}
	s.store.Upsert(plan.Clone())
	s.log.Info("plan tracked",
		utils.PlanID(plan.ID), utils.Symbol(plan.Symbol))
}

// Cancel отменяет план. Для плана с размещённым отложенным ордером
// сначала отменяется ордер у брокера - терминальный статус не пишется,
// пока ордер жив.
func (s *Service) Cancel(ctx context.Context, plan *models.Plan, reason string) error {
	if !plan.IsActive() {
		return ErrPlanNotCancellable
	}

	if plan.Status == models.StatusPendingOrder {
		if err := s.executor.CancelPendingOrder(ctx, plan); err != nil {
			return err
		}
	}

	err := s.queue.EnqueueWait(ctx, &WriteOp{
		Kind:     OpMarkCancelled,
		PlanID:   plan.ID,
		Priority: PriorityHigh,
		Reason:   reason,
	})
	if err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	s.store.SetStatus(plan.ID, models.StatusCancelled)
	s.store.Remove(plan.ID)
	s.log.Info("plan cancelled", utils.PlanID(plan.ID), utils.Reason(reason))

	entry := &models.JournalEntry{
		PlanID:    plan.ID,
		Symbol:    plan.Symbol,
		Type:      models.JournalCancelled,
		Message:   reason,
		CreatedAt: time.Now(),
	}
	go func() {
		if err := s.journal.Create(entry); err != nil {
			s.log.Warn("journal write failed", utils.PlanID(plan.ID), utils.Err(err))
		}
	}()
	s.notifier.NotifyPlanEvent(plan, models.JournalCancelled, reason)

	return nil
}

// Untrack убирает план из мониторинга без смены статуса
// (используется при удалении плана оператором)
func (s *Service) Untrack(id string) {
	s.store.Remove(id)
}

// RegisterCondition добавляет пользовательский предикат условия
func (s *Service) RegisterCondition(name string, p Predicate) {
	s.registry.Register(name, p)
}

// KnownCondition сообщает зарегистрировано ли имя условия
// (используется валидацией при создании плана)
func (s *Service) KnownCondition(name string) bool {
	return s.registry.Known(name)
}

// HealthSnapshot - состояние подсистемы для health-эндпоинта
type HealthSnapshot struct {
	Healthy        bool              `json:"healthy"`
	SchedulerAlive bool              `json:"scheduler_alive"`
	WatchdogGaveUp bool              `json:"watchdog_gave_up"`
	Restarts       int64             `json:"restarts"`
	ActivePlans    int               `json:"active_plans"`
	QueueDepth     int               `json:"write_queue_depth"`
	EvalBreaker    string            `json:"eval_breaker"`
	QuoteBreakers  map[string]string `json:"quote_breakers,omitempty"`
	Cache          CacheStats        `json:"cache"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
}

// Health возвращает снимок здоровья подсистемы
func (s *Service) Health() HealthSnapshot {
	return HealthSnapshot{
		Healthy:        s.watchdog.Healthy(),
		SchedulerAlive: s.watchdog.Healthy(),
		WatchdogGaveUp: s.watchdog.GaveUp(),
		Restarts:       s.watchdog.Restarts(),
		ActivePlans:    s.store.Len(),
		QueueDepth:     s.queue.Depth(),
		EvalBreaker:    s.evalBreaker.State(),
		QuoteBreakers:  s.fetcher.BreakerStates(),
		Cache:          s.cache.Stats(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
	}
}
