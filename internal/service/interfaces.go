package service

import (
	"context"
	"time"

	"planwatch/internal/models"
	"planwatch/internal/monitor"
)

// PlanRepo - операции хранилища планов, нужные сервисному слою
type PlanRepo interface {
	Create(plan *models.Plan) error
	GetByID(id string) (*models.Plan, error)
	LoadActive() ([]*models.Plan, error)
	GetRecent(limit int) ([]*models.Plan, error)
	Delete(id string) error
	CountByStatus(status string) (int, error)
}

// JournalRepo - операции журнала, нужные сервисному слою
type JournalRepo interface {
	GetRecent(limit int) ([]*models.JournalEntry, error)
	GetByPlanID(planID string, limit int) ([]*models.JournalEntry, error)
	DeleteOlderThan(timestamp time.Time) (int64, error)
}

// MonitorControl - операции подсистемы мониторинга, нужные сервисному слою
type MonitorControl interface {
	Track(plan *models.Plan)
	Untrack(id string)
	Cancel(ctx context.Context, plan *models.Plan, reason string) error
	KnownCondition(name string) bool
	Health() monitor.HealthSnapshot
}
