package monitor

import (
	"sync"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// PlanStore - потокобезопасная in-memory карта активных планов.
// Единственный источник правды о состоянии плана в рамках жизни процесса.
//
// Дисциплина итерации: Snapshot копирует планы под коротким RLock,
// оценка условий идёт по копиям без удержания лока стора.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*models.Plan
	log   *utils.Logger
}

// NewPlanStore создаёт пустой стор
func NewPlanStore(log *utils.Logger) *PlanStore {
	return &PlanStore{
		plans: make(map[string]*models.Plan),
		log:   log.WithComponent("plan_store"),
	}
}

// Upsert добавляет или заменяет план
func (s *PlanStore) Upsert(plan *models.Plan) {
	s.mu.Lock()
	s.plans[plan.ID] = plan
	s.mu.Unlock()
}

// Remove удаляет план из памяти
func (s *PlanStore) Remove(id string) {
	s.mu.Lock()
	delete(s.plans, id)
	s.mu.Unlock()
}

// Get возвращает план по ID (сам объект, не копию)
func (s *PlanStore) Get(id string) (*models.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	return plan, ok
}

// Contains сообщает присутствует ли план в сторе
func (s *PlanStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.plans[id]
	return ok
}

// Snapshot возвращает консистентные копии всех планов для итерации.
// Лок освобождается до любой оценки условий.
func (s *PlanStore) Snapshot() []*models.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]*models.Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		snapshot = append(snapshot, plan.Clone())
	}
	return snapshot
}

// Symbols возвращает уникальные символы активных планов
func (s *PlanStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.plans))
	symbols := make([]string, 0, len(s.plans))
	for _, plan := range s.plans {
		if !seen[plan.Symbol] {
			seen[plan.Symbol] = true
			symbols = append(symbols, plan.Symbol)
		}
	}
	return symbols
}

// Len возвращает количество планов в сторе
func (s *PlanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// Mutate применяет fn к плану под локом стора.
// Для обновления служебных полей мониторинга без гонок со Snapshot.
func (s *PlanStore) Mutate(id string, fn func(*models.Plan)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[id]
	if !ok {
		return false
	}
	fn(plan)
	return true
}

// SetStatus меняет статус плана в памяти с проверкой state machine.
// Недопустимый переход игнорируется с предупреждением - статус не
// мутируется в обход таблицы переходов.
func (s *PlanStore) SetStatus(id, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[id]
	if !ok {
		return false
	}
	if !CanTransition(plan.Status, status) {
		s.log.Warn("rejected invalid status transition",
			utils.PlanID(id), utils.String("from", plan.Status), utils.String("to", status))
		return false
	}
	plan.Status = status
	return true
}

// Merge вливает свежезагруженные из БД планы в память.
//
// Правила:
//   - план, которого нет в памяти, добавляется (если валиден);
//   - план, который в памяти находится в executing (незакоммиченное
//     локальное состояние), не перезаписывается;
//   - служебные поля мониторинга (счётчики, last_check_at) сохраняются
//     из памяти - там они свежее;
//   - план, исчезнувший из БД, но локально всё ещё pending, удаляется.
//
// Невалидные записи пропускаются с предупреждением, никогда не роняют
// загрузку.
func (s *PlanStore) Merge(loaded []*models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inLoad := make(map[string]bool, len(loaded))

	for _, plan := range loaded {
		if err := validateLoaded(plan); err != nil {
			s.log.Warn("skipping invalid plan on load",
				utils.PlanID(plan.ID), utils.Symbol(plan.Symbol), utils.Err(err))
			continue
		}
		inLoad[plan.ID] = true

		existing, ok := s.plans[plan.ID]
		if !ok {
			s.plans[plan.ID] = plan
			continue
		}

		if existing.Status == models.StatusExecuting {
			// Попытка исполнения в полёте, память главнее
			continue
		}

		// Служебные поля мониторинга в памяти свежее, чем в БД
		plan.LastCheckAt = existing.LastCheckAt
		plan.ZoneEnteredAt = existing.ZoneEnteredAt
		plan.RecheckCount = existing.RecheckCount
		plan.CooldownUntil = existing.CooldownUntil
		s.plans[plan.ID] = plan
	}

	for id, plan := range s.plans {
		if !inLoad[id] && plan.Status == models.StatusPending {
			s.log.Info("removing plan that disappeared from durable store", utils.PlanID(id))
			delete(s.plans, id)
		}
	}
}

// validateLoaded проверяет запись из БД перед помещением в мониторинг.
// Истёкший expires_at здесь не ошибка: такие планы помечает expiry sweep.
func validateLoaded(plan *models.Plan) error {
	if plan.Symbol == "" {
		return models.ErrInvalidSymbol
	}
	if plan.Direction != models.DirectionLong && plan.Direction != models.DirectionShort {
		return models.ErrInvalidDirection
	}
	if plan.EntryPrice <= 0 || plan.StopPrice <= 0 || plan.TargetPrice <= 0 || plan.Size <= 0 {
		return models.ErrNonPositivePrice
	}
	switch plan.Direction {
	case models.DirectionLong:
		if plan.StopPrice >= plan.EntryPrice || plan.TargetPrice <= plan.EntryPrice {
			return models.ErrInconsistentStops
		}
	case models.DirectionShort:
		if plan.StopPrice <= plan.EntryPrice || plan.TargetPrice >= plan.EntryPrice {
			return models.ErrInconsistentStops
		}
	}
	if len(plan.Conditions) == 0 {
		return models.ErrEmptyConditions
	}
	return nil
}
