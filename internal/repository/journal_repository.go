package repository

import (
	"database/sql"
	"errors"
	"time"

	"planwatch/internal/models"
)

// Ошибки репозитория журнала
var (
	ErrJournalEntryNotFound = errors.New("journal entry not found")
)

// JournalRepository - работа с таблицей journal.
// Записи о событиях жизненного цикла планов (executed, cancelled, expired...).
type JournalRepository struct {
	db *sql.DB
}

// NewJournalRepository создает новый экземпляр репозитория
func NewJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Create создает запись журнала
func (r *JournalRepository) Create(entry *models.JournalEntry) error {
	query := `
		INSERT INTO journal (plan_id, symbol, type, message, price, ticket, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	entry.CreatedAt = time.Now()

	return r.db.QueryRow(
		query,
		entry.PlanID,
		entry.Symbol,
		entry.Type,
		entry.Message,
		entry.Price,
		entry.Ticket,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// GetRecent возвращает последние N записей журнала
func (r *JournalRepository) GetRecent(limit int) ([]*models.JournalEntry, error) {
	query := `
		SELECT id, plan_id, symbol, type, message, price, ticket, created_at
		FROM journal
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		entry := &models.JournalEntry{}
		var ticket sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.PlanID,
			&entry.Symbol,
			&entry.Type,
			&entry.Message,
			&entry.Price,
			&ticket,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.Ticket = ticket.String
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// GetByPlanID возвращает записи журнала для плана
func (r *JournalRepository) GetByPlanID(planID string, limit int) ([]*models.JournalEntry, error) {
	query := `
		SELECT id, plan_id, symbol, type, message, price, ticket, created_at
		FROM journal
		WHERE plan_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, planID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		entry := &models.JournalEntry{}
		var ticket sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.PlanID,
			&entry.Symbol,
			&entry.Type,
			&entry.Message,
			&entry.Price,
			&ticket,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.Ticket = ticket.String
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// DeleteOlderThan удаляет записи старше указанной даты
func (r *JournalRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM journal WHERE created_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Count возвращает общее количество записей
func (r *JournalRepository) Count() (int, error) {
	query := `SELECT COUNT(*) FROM journal`

	var count int
	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
