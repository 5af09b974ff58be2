package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"planwatch/internal/config"
	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// Scheduler - главный цикл мониторинга планов.
//
// Две полосы проверки:
//   - общая: полный цикл (перезагрузка, sweep истёкших, батч котировок,
//     классификация, параллельная оценка, исполнение) с адаптивным
//     per-plan интервалом;
//   - быстрая: планы с ценовыми условиями, проверяемые на коротком
//     FastInterval без обращения к классификатору.
//
// Сигнал остановки будит цикл немедленно, без ожидания тика.
// Паника цикла гасится, шедулер завершает Run - рестарт делает watchdog.
type Scheduler struct {
	cfg         config.MonitorConfig
	store       *PlanStore
	persistence PlanPersistence
	registry    *Registry
	fetcher     *QuoteFetcher
	classifier  *PriorityClassifier
	evaluator   *ParallelEvaluator
	executor    *ExecutionCoordinator
	queue       *WriteQueue
	journal     JournalSink
	notifier    NotificationPort
	log         *utils.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	running   atomic.Bool
	heartbeat atomic.Int64 // unix nano последнего завершённого цикла
}

// NewScheduler собирает шедулер из готовых компонентов
func NewScheduler(cfg config.MonitorConfig, store *PlanStore, persistence PlanPersistence,
	registry *Registry, fetcher *QuoteFetcher, classifier *PriorityClassifier,
	evaluator *ParallelEvaluator, executor *ExecutionCoordinator, queue *WriteQueue,
	journal JournalSink, notifier NotificationPort, log *utils.Logger) *Scheduler {

	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &Scheduler{
		cfg:         cfg,
		store:       store,
		persistence: persistence,
		registry:    registry,
		fetcher:     fetcher,
		classifier:  classifier,
		evaluator:   evaluator,
		executor:    executor,
		queue:       queue,
		journal:     journal,
		notifier:    notifier,
		log:         log.WithComponent("scheduler"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run крутит цикл мониторинга до Stop или паники.
// Блокирует вызывающего; запускается в goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler panicked", utils.Any("panic", r))
		}
	}()

	s.running.Store(true)
	s.heartbeat.Store(time.Now().UnixNano())
	s.log.Info("scheduler started",
		utils.String("base_interval", s.cfg.BaseInterval.String()),
		utils.String("fast_interval", s.cfg.FastInterval.String()))

	// Первый цикл сразу: загруженные планы не должны ждать тика
	s.reload()
	s.cycle(ctx)

	cycleTicker := time.NewTicker(s.cfg.FloorInterval)
	defer cycleTicker.Stop()

	fastTicker := time.NewTicker(s.cfg.FastInterval)
	defer fastTicker.Stop()

	reloadTicker := time.NewTicker(s.cfg.ReloadEvery)
	defer reloadTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Info("scheduler stopping")
			return
		case <-ctx.Done():
			s.log.Info("scheduler context cancelled")
			return
		case <-reloadTicker.C:
			s.reload()
		case <-fastTicker.C:
			s.fastCycle(ctx)
		case <-cycleTicker.C:
			s.cycle(ctx)
		}
	}
}

// Stop сигнализирует остановку и ждёт завершения цикла
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Alive сообщает жив ли цикл шедулера (для watchdog)
func (s *Scheduler) Alive() bool {
	return s.running.Load()
}

// LastCycle возвращает время последнего завершённого цикла
func (s *Scheduler) LastCycle() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

// Done возвращает канал, закрываемый при завершении Run
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// reload подтягивает активные планы из БД и вливает их в стор.
// Перед чтением дожидается коммита своих же записей, чтобы не
// перечитать устаревшее состояние.
func (s *Scheduler) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()

	ids := make([]string, 0)
	for _, plan := range s.store.Snapshot() {
		ids = append(ids, plan.ID)
	}
	if err := s.queue.Flush(ctx, ids); err != nil {
		s.log.Warn("write queue flush before reload failed", utils.Err(err))
	}

	loaded, err := s.persistence.LoadActive()
	if err != nil {
		s.log.Error("plan reload failed, keeping in-memory state", utils.Err(err))
		return
	}

	s.store.Merge(loaded)
	s.log.Debug("plans reloaded", utils.Count(s.store.Len()))
}

// cycle - полный проход мониторинга
func (s *Scheduler) cycle(ctx context.Context) {
	started := time.Now()
	defer func() {
		CycleDuration.Observe(float64(time.Since(started).Milliseconds()))
		SchedulerCycles.Inc()
		s.heartbeat.Store(time.Now().UnixNano())
	}()

	now := time.Now()
	plans := s.store.Snapshot()
	s.publishGauges(plans)

	// Sweep истёкших до любой оценки: истёкший план не исполняется
	active := s.sweepExpired(ctx, plans, now)
	if len(active) == 0 {
		return
	}

	quotes := s.fetcher.FetchBatch(ctx, symbolsOf(active))

	// Классификация и отбор планов, которым пора проверяться
	due := make([]*models.Plan, 0, len(active))
	tiers := make(map[string]Tier, len(active))
	for _, plan := range active {
		if plan.Status != models.StatusPending {
			continue
		}
		tier := s.classifier.Classify(plan, quotes[plan.Symbol], now)
		tiers[plan.ID] = tier
		if s.classifier.Due(plan, tier, now) {
			due = append(due, plan)
		}
	}
	if len(due) == 0 {
		return
	}

	outcomes := s.evaluator.Evaluate(ctx, due, quotes)
	s.applyOutcomes(ctx, outcomes, quotes, now)
}

// fastCycle - быстрая полоса: только планы с чисто ценовыми условиями.
// Котировки берутся из кэша (батч-фетч общей полосы их прогревает),
// классификатор не опрашивается - скорость важнее точности интервала.
func (s *Scheduler) fastCycle(ctx context.Context) {
	now := time.Now()

	fast := make([]*models.Plan, 0)
	for _, plan := range s.store.Snapshot() {
		if plan.Status != models.StatusPending || !HasFastConditions(plan) {
			continue
		}
		// expires_at перепроверяется и здесь: план, истёкший между полными
		// циклами, дорабатывает sweep общей полосы, исполнять его нельзя
		if plan.IsExpired(now) {
			continue
		}
		if plan.CooldownUntil != nil && now.Before(*plan.CooldownUntil) {
			continue
		}
		fast = append(fast, plan)
	}
	if len(fast) == 0 {
		return
	}

	quotes := s.fetcher.FetchBatch(ctx, symbolsOf(fast))
	outcomes := s.evaluator.Evaluate(ctx, fast, quotes)
	s.applyOutcomes(ctx, outcomes, quotes, now)
}

// applyOutcomes обновляет служебные поля и запускает исполнение прошедших
func (s *Scheduler) applyOutcomes(ctx context.Context, outcomes []EvalOutcome,
	quotes map[string]*models.Quote, now time.Time) {

	for _, outcome := range outcomes {
		if ctx.Err() != nil {
			return
		}

		plan := outcome.Plan
		s.bookkeep(plan, outcome.Verdict, now)

		if outcome.Verdict != VerdictPass {
			continue
		}

		result := s.executor.TryExecute(ctx, s.store, plan, quotes[plan.Symbol])
		if result == ExecRolledBack {
			// Временная ошибка исполнения: пауза перед повторной попыткой
			cooldown := now.Add(s.cfg.RecheckPause)
			s.store.Mutate(plan.ID, func(p *models.Plan) {
				p.CooldownUntil = &cooldown
			})
		}
	}
}

// bookkeep фиксирует факт проверки в памяти и асинхронно в БД
func (s *Scheduler) bookkeep(plan *models.Plan, verdict Verdict, now time.Time) {
	checkedAt := now

	var zoneEntered *time.Time
	s.store.Mutate(plan.ID, func(p *models.Plan) {
		p.LastCheckAt = &checkedAt
		p.RecheckCount++
		if verdict == VerdictPass && p.ZoneEnteredAt == nil {
			p.ZoneEnteredAt = &checkedAt
		}
		zoneEntered = p.ZoneEnteredAt
		plan.RecheckCount = p.RecheckCount
	})

	// Best-effort: потеря записи bookkeeping не критична
	_ = s.queue.Enqueue(&WriteOp{
		Kind:          OpBookkeeping,
		PlanID:        plan.ID,
		Priority:      PriorityMedium,
		LastCheckAt:   &checkedAt,
		ZoneEnteredAt: zoneEntered,
		RecheckCount:  plan.RecheckCount,
		CooldownUntil: plan.CooldownUntil,
	})
}

// sweepExpired выводит истёкшие планы из мониторинга.
// Возвращает оставшиеся активные.
func (s *Scheduler) sweepExpired(ctx context.Context, plans []*models.Plan,
	now time.Time) []*models.Plan {

	active := make([]*models.Plan, 0, len(plans))
	for _, plan := range plans {
		if !plan.IsExpired(now) || plan.Status != models.StatusPending {
			active = append(active, plan)
			continue
		}

		err := s.queue.EnqueueWait(ctx, &WriteOp{
			Kind:     OpMarkExpired,
			PlanID:   plan.ID,
			Priority: PriorityHigh,
		})
		if err != nil {
			s.log.Warn("failed to persist expiry, will retry next cycle",
				utils.PlanID(plan.ID), utils.Err(err))
			active = append(active, plan)
			continue
		}

		s.store.SetStatus(plan.ID, models.StatusExpired)
		s.store.Remove(plan.ID)
		s.log.Info("plan expired", utils.PlanID(plan.ID), utils.Symbol(plan.Symbol))

		entry := &models.JournalEntry{
			PlanID:    plan.ID,
			Symbol:    plan.Symbol,
			Type:      models.JournalExpired,
			Message:   "plan expired before conditions triggered",
			CreatedAt: now,
		}
		go func(p *models.Plan) {
			if err := s.journal.Create(entry); err != nil {
				s.log.Warn("journal write failed", utils.PlanID(p.ID), utils.Err(err))
			}
		}(plan)
		s.notifier.NotifyPlanEvent(plan, models.JournalExpired, "plan expired")
	}
	return active
}

// publishGauges обновляет gauge активных планов по статусам
func (s *Scheduler) publishGauges(plans []*models.Plan) {
	counts := map[string]int{
		models.StatusPending:      0,
		models.StatusExecuting:    0,
		models.StatusPendingOrder: 0,
	}
	for _, plan := range plans {
		counts[plan.Status]++
	}
	for status, n := range counts {
		ActivePlans.WithLabelValues(status).Set(float64(n))
	}
}

func symbolsOf(plans []*models.Plan) []string {
	seen := make(map[string]bool, len(plans))
	symbols := make([]string, 0, len(plans))
	for _, plan := range plans {
		if !seen[plan.Symbol] {
			seen[plan.Symbol] = true
			symbols = append(symbols, plan.Symbol)
		}
	}
	return symbols
}
