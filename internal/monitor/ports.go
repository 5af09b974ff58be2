package monitor

import (
	"context"
	"errors"
	"time"

	"planwatch/internal/models"
)

// ErrMarketDataUnavailable - различимая ошибка "данных нет".
// Предикаты трактуют её как Indeterminate, а не как Fail.
var ErrMarketDataUnavailable = errors.New("market data unavailable")

// MarketDataPort - источник рыночных данных (брокер)
type MarketDataPort interface {
	// GetQuote возвращает текущую котировку символа
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// GetCandles возвращает последние count свечей, от старых к новым
	GetCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error)
}

// OrderExecutionPort - отправка ордеров брокеру
type OrderExecutionPort interface {
	// SubmitMarketOrder отправляет рыночный ордер, возвращает тикет
	SubmitMarketOrder(ctx context.Context, plan *models.Plan) (string, error)

	// SubmitPendingOrder размещает отложенный ордер на уровне входа
	SubmitPendingOrder(ctx context.Context, plan *models.Plan) (string, error)

	// CancelOrder отменяет ранее размещённый ордер
	CancelOrder(ctx context.Context, ticket string) error
}

// NotificationPort - fire-and-forget уведомления о событиях планов.
// Ошибки реализации никогда не влияют на исполнение.
type NotificationPort interface {
	NotifyPlanEvent(plan *models.Plan, event, message string)
}

// PlanPersistence - долговременное хранилище планов.
// CompareAndSetStatus - единственный атомарный примитив смены статуса,
// на нём строится гарантия at-most-once.
type PlanPersistence interface {
	LoadActive() ([]*models.Plan, error)
	CompareAndSetStatus(id, from, to string) (bool, error)
	RecoverStuck() (int64, error)
	MarkExecuted(id, ticket string, executedAt time.Time) error
	MarkPendingOrder(id, pendingTicket string) error
	MarkFailed(id, reason string) error
	MarkCancelled(id, reason string) error
	MarkExpired(id string) error
	UpdateBookkeeping(plan *models.Plan) error
}

// JournalSink - журнал событий жизненного цикла (fire-and-forget)
type JournalSink interface {
	Create(entry *models.JournalEntry) error
}

// noopNotifier используется когда уведомления не сконфигурированы
type noopNotifier struct{}

func (noopNotifier) NotifyPlanEvent(*models.Plan, string, string) {}
