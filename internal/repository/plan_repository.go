package repository

import (
	"database/sql"
	"errors"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// Ошибки репозитория планов
var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrPlanExists     = errors.New("plan already exists")
	ErrStatusConflict = errors.New("plan status changed concurrently")
)

const planColumns = `id, symbol, direction, entry_price, stop_price, target_price, size,
		conditions, status, notes, created_at, expires_at, executed_at,
		ticket, pending_order_ticket, cancel_reason, last_check_at,
		zone_entered_at, recheck_count, cooldown_until`

// PlanRepository - работа с таблицей plans
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository создает новый экземпляр репозитория
func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create создает новый план
func (r *PlanRepository) Create(plan *models.Plan) error {
	query := `
		INSERT INTO plans (id, symbol, direction, entry_price, stop_price, target_price, size, conditions, status, notes, created_at, expires_at, recheck_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	plan.CreatedAt = time.Now()
	if plan.Status == "" {
		plan.Status = models.StatusPending
	}

	_, err := r.db.Exec(
		query,
		plan.ID,
		plan.Symbol,
		plan.Direction,
		plan.EntryPrice,
		plan.StopPrice,
		plan.TargetPrice,
		plan.Size,
		plan.Conditions,
		plan.Status,
		plan.Notes,
		plan.CreatedAt,
		plan.ExpiresAt,
		plan.RecheckCount,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrPlanExists
		}
		return err
	}

	return nil
}

// GetByID возвращает план по ID
func (r *PlanRepository) GetByID(id string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	plan, err := scanPlan(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}

	return plan, nil
}

// LoadActive возвращает все планы в статусах pending и pending_order_placed
func (r *PlanRepository) LoadActive() ([]*models.Plan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM plans
		WHERE status = $1 OR status = $2
		ORDER BY created_at`

	rows, err := r.db.Query(query, models.StatusPending, models.StatusPendingOrder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			// Одна битая строка (например, нечитаемый conditions) не должна
			// блокировать загрузку остальных планов
			utils.Warn("skipping unreadable plan row", utils.Err(err))
			continue
		}
		plans = append(plans, plan)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return plans, nil
}

// GetRecent возвращает последние N планов независимо от статуса
func (r *PlanRepository) GetRecent(limit int) ([]*models.Plan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM plans
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return plans, nil
}

// CompareAndSetStatus атомарно переводит план из статуса from в to.
// Возвращает false если план уже не в статусе from (гонка проиграна) -
// это штатная ситуация, не ошибка.
func (r *PlanRepository) CompareAndSetStatus(id, from, to string) (bool, error) {
	query := `UPDATE plans SET status = $1 WHERE id = $2 AND status = $3`

	result, err := r.db.Exec(query, to, id, from)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// RecoverStuck возвращает зависшие в executing планы обратно в pending.
// Вызывается при старте: executing - транзитный статус, после падения
// процесса он означает незавершённую попытку исполнения.
func (r *PlanRepository) RecoverStuck() (int64, error) {
	query := `UPDATE plans SET status = $1 WHERE status = $2`

	result, err := r.db.Exec(query, models.StatusPending, models.StatusExecuting)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// MarkExecuted переводит план в executed с тикетом и временем исполнения
func (r *PlanRepository) MarkExecuted(id, ticket string, executedAt time.Time) error {
	query := `
		UPDATE plans
		SET status = $1, ticket = $2, executed_at = $3
		WHERE id = $4`

	return r.execExpectingRow(query, models.StatusExecuted, ticket, executedAt, id)
}

// MarkPendingOrder переводит план в pending_order_placed с тикетом отложенного ордера
func (r *PlanRepository) MarkPendingOrder(id, pendingTicket string) error {
	query := `
		UPDATE plans
		SET status = $1, pending_order_ticket = $2
		WHERE id = $3`

	return r.execExpectingRow(query, models.StatusPendingOrder, pendingTicket, id)
}

// MarkFailed переводит план в failed с причиной
func (r *PlanRepository) MarkFailed(id, reason string) error {
	query := `
		UPDATE plans
		SET status = $1, cancel_reason = $2
		WHERE id = $3`

	return r.execExpectingRow(query, models.StatusFailed, reason, id)
}

// MarkCancelled переводит план в cancelled с причиной.
// Разрешён только из pending/pending_order_placed.
func (r *PlanRepository) MarkCancelled(id, reason string) error {
	query := `
		UPDATE plans
		SET status = $1, cancel_reason = $2
		WHERE id = $3 AND (status = $4 OR status = $5)`

	result, err := r.db.Exec(query, models.StatusCancelled, reason, id,
		models.StatusPending, models.StatusPendingOrder)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// MarkExpired переводит план в expired. Разрешён только из pending.
func (r *PlanRepository) MarkExpired(id string) error {
	query := `
		UPDATE plans
		SET status = $1, cancel_reason = $2
		WHERE id = $3 AND status = $4`

	result, err := r.db.Exec(query, models.StatusExpired, "expired before trigger", id,
		models.StatusPending)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// UpdateBookkeeping сохраняет служебные поля мониторинга.
// Статус не трогает: единственный путь смены статуса - CAS и Mark*.
func (r *PlanRepository) UpdateBookkeeping(plan *models.Plan) error {
	query := `
		UPDATE plans
		SET last_check_at = $1, zone_entered_at = $2, recheck_count = $3, cooldown_until = $4
		WHERE id = $5`

	return r.execExpectingRow(query,
		plan.LastCheckAt, plan.ZoneEnteredAt, plan.RecheckCount, plan.CooldownUntil, plan.ID)
}

// Delete удаляет план
func (r *PlanRepository) Delete(id string) error {
	query := `DELETE FROM plans WHERE id = $1`

	result, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrPlanNotFound
	}

	return nil
}

// CountByStatus возвращает количество планов в статусе
func (r *PlanRepository) CountByStatus(status string) (int, error) {
	query := `SELECT COUNT(*) FROM plans WHERE status = $1`

	var count int
	err := r.db.QueryRow(query, status).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// execExpectingRow выполняет UPDATE и проверяет что строка найдена
func (r *PlanRepository) execExpectingRow(query string, args ...interface{}) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrPlanNotFound
	}

	return nil
}

// rowScanner покрывает *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPlan читает план из строки результата
func scanPlan(row rowScanner) (*models.Plan, error) {
	plan := &models.Plan{}
	var (
		notes         sql.NullString
		ticket        sql.NullString
		pendingTicket sql.NullString
		cancelReason  sql.NullString
	)

	err := row.Scan(
		&plan.ID,
		&plan.Symbol,
		&plan.Direction,
		&plan.EntryPrice,
		&plan.StopPrice,
		&plan.TargetPrice,
		&plan.Size,
		&plan.Conditions,
		&plan.Status,
		&notes,
		&plan.CreatedAt,
		&plan.ExpiresAt,
		&plan.ExecutedAt,
		&ticket,
		&pendingTicket,
		&cancelReason,
		&plan.LastCheckAt,
		&plan.ZoneEnteredAt,
		&plan.RecheckCount,
		&plan.CooldownUntil,
	)
	if err != nil {
		return nil, err
	}

	plan.Notes = notes.String
	plan.Ticket = ticket.String
	plan.PendingTicket = pendingTicket.String
	plan.CancelReason = cancelReason.String

	return plan, nil
}
