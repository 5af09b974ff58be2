package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// Ошибки сервисного слоя
var (
	ErrUnknownCondition = errors.New("unknown condition name")
	ErrNotDeletable     = errors.New("only plans in a terminal status can be deleted")
)

// PlanService - операции над планами для API-слоя.
// Валидация и генерация ID живут здесь, не в хендлерах.
type PlanService struct {
	plans   PlanRepo
	journal JournalRepo
	monitor MonitorControl
	log     *utils.Logger
}

// NewPlanService создаёт сервис планов
func NewPlanService(plans PlanRepo, journal JournalRepo, monitor MonitorControl,
	log *utils.Logger) *PlanService {

	return &PlanService{
		plans:   plans,
		journal: journal,
		monitor: monitor,
		log:     log.WithComponent("plan_service"),
	}
}

// Create валидирует, сохраняет и ставит план под мониторинг
func (s *PlanService) Create(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	plan.ID = uuid.NewString()
	plan.Status = models.StatusPending
	plan.CreatedAt = time.Now()
	plan.Ticket = ""
	plan.PendingTicket = ""
	plan.ExecutedAt = nil

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	// Неизвестное имя условия отклоняется на входе, а не в цикле оценки
	for name := range plan.Conditions {
		if !s.monitor.KnownCondition(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, name)
		}
	}

	if err := s.plans.Create(plan); err != nil {
		return nil, err
	}

	s.monitor.Track(plan)
	s.log.Info("plan created",
		utils.PlanID(plan.ID), utils.Symbol(plan.Symbol),
		utils.Direction(plan.Direction), utils.Price(plan.EntryPrice))
	return plan, nil
}

// Get возвращает план по ID
func (s *PlanService) Get(ctx context.Context, id string) (*models.Plan, error) {
	return s.plans.GetByID(id)
}

// ListActive возвращает планы под мониторингом
func (s *PlanService) ListActive(ctx context.Context) ([]*models.Plan, error) {
	return s.plans.LoadActive()
}

// ListRecent возвращает последние планы во всех статусах
func (s *PlanService) ListRecent(ctx context.Context, limit int) ([]*models.Plan, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return s.plans.GetRecent(limit)
}

// Cancel отменяет план через подсистему мониторинга:
// отмена отложенного ордера у брокера, персистентный переход, журнал
func (s *PlanService) Cancel(ctx context.Context, id, reason string) error {
	plan, err := s.plans.GetByID(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	return s.monitor.Cancel(ctx, plan, reason)
}

// Delete удаляет завершённый план из хранилища
func (s *PlanService) Delete(ctx context.Context, id string) error {
	plan, err := s.plans.GetByID(id)
	if err != nil {
		return err
	}
	if !models.IsTerminal(plan.Status) {
		return ErrNotDeletable
	}

	if err := s.plans.Delete(id); err != nil {
		return err
	}
	s.monitor.Untrack(id)
	s.log.Info("plan deleted", utils.PlanID(id))
	return nil
}

// Journal возвращает журнал событий плана
func (s *PlanService) Journal(ctx context.Context, planID string, limit int) ([]*models.JournalEntry, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if planID == "" {
		return s.journal.GetRecent(limit)
	}
	return s.journal.GetByPlanID(planID, limit)
}

// PruneJournal удаляет записи журнала старше retention
func (s *PlanService) PruneJournal(ctx context.Context, retention time.Duration) (int64, error) {
	return s.journal.DeleteOlderThan(time.Now().Add(-retention))
}

// Stats - сводка планов по статусам
type Stats struct {
	Pending      int `json:"pending"`
	PendingOrder int `json:"pending_order_placed"`
	Executed     int `json:"executed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	Expired      int `json:"expired"`
}

// Stats возвращает количество планов по статусам
func (s *PlanService) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		status string
		dst    *int
	}{
		{models.StatusPending, &stats.Pending},
		{models.StatusPendingOrder, &stats.PendingOrder},
		{models.StatusExecuted, &stats.Executed},
		{models.StatusFailed, &stats.Failed},
		{models.StatusCancelled, &stats.Cancelled},
		{models.StatusExpired, &stats.Expired},
	}
	for _, c := range counts {
		n, err := s.plans.CountByStatus(c.status)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return stats, nil
}
