package models

import "time"

// Типы событий журнала
const (
	JournalExecuted  = "executed"
	JournalFailed    = "failed"
	JournalCancelled = "cancelled"
	JournalExpired   = "expired"
	JournalRestart   = "scheduler_restart"
)

// JournalEntry - запись журнала о событии жизненного цикла плана.
// Журнал пишется fire-and-forget: ошибки записи никогда не блокируют исполнение.
type JournalEntry struct {
	ID        int       `json:"id" db:"id"`
	PlanID    string    `json:"plan_id" db:"plan_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Type      string    `json:"type" db:"type"`
	Message   string    `json:"message" db:"message"`
	Price     float64   `json:"price" db:"price"`
	Ticket    string    `json:"ticket,omitempty" db:"ticket"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
