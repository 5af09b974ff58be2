package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"planwatch/internal/models"
	"planwatch/internal/monitor"
)

// Fake - in-memory брокер для локальной разработки и тестов.
// Котировки задаются вручную, ордера записываются в память.
type Fake struct {
	mu        sync.Mutex
	quotes    map[string]*models.Quote
	candles   map[string][]models.Candle
	orders    []FakeOrder
	cancelled []string

	// FailOrders: ненулевое значение заставляет следующие N ордеров
	// завершаться ошибкой (для проверки retry/rollback)
	failOrders int
	orderErr   error
}

// FakeOrder - запись об отправленном ордере
type FakeOrder struct {
	Ticket string
	PlanID string
	Symbol string
	Type   string // market, limit
	Price  float64
	Size   float64
}

// NewFake создаёт пустой фейковый брокер
func NewFake() *Fake {
	return &Fake{
		quotes:  make(map[string]*models.Quote),
		candles: make(map[string][]models.Candle),
	}
}

// SetQuote устанавливает текущую котировку символа
func (f *Fake) SetQuote(symbol string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = &models.Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
	}
}

// DropQuote убирает котировку (символ станет "нет данных")
func (f *Fake) DropQuote(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.quotes, symbol)
}

// SetCandles устанавливает свечи символа
func (f *Fake) SetCandles(symbol string, candles []models.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[symbol] = candles
}

// FailNextOrders заставляет следующие n ордеров падать с err
func (f *Fake) FailNextOrders(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOrders = n
	f.orderErr = err
}

// GetQuote возвращает котировку или ErrMarketDataUnavailable
func (f *Fake) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	quote, ok := f.quotes[symbol]
	if !ok {
		return nil, monitor.ErrMarketDataUnavailable
	}
	copied := *quote
	return &copied, nil
}

// GetCandles возвращает последние count свечей
func (f *Fake) GetCandles(_ context.Context, symbol, _ string, count int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candles, ok := f.candles[symbol]
	if !ok {
		return nil, monitor.ErrMarketDataUnavailable
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// SubmitMarketOrder записывает рыночный ордер
func (f *Fake) SubmitMarketOrder(_ context.Context, plan *models.Plan) (string, error) {
	return f.submit(plan, "market", 0)
}

// SubmitPendingOrder записывает отложенный ордер
func (f *Fake) SubmitPendingOrder(_ context.Context, plan *models.Plan) (string, error) {
	return f.submit(plan, "limit", plan.EntryPrice)
}

func (f *Fake) submit(plan *models.Plan, orderType string, price float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOrders > 0 {
		f.failOrders--
		if f.orderErr != nil {
			return "", f.orderErr
		}
		return "", fmt.Errorf("fake broker: order rejected")
	}

	ticket := "T-" + uuid.NewString()[:8]
	f.orders = append(f.orders, FakeOrder{
		Ticket: ticket,
		PlanID: plan.ID,
		Symbol: plan.Symbol,
		Type:   orderType,
		Price:  price,
		Size:   plan.Size,
	})
	return ticket, nil
}

// CancelOrder записывает отмену ордера
func (f *Fake) CancelOrder(_ context.Context, ticket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ticket)
	return nil
}

// Orders возвращает копию списка отправленных ордеров
func (f *Fake) Orders() []FakeOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeOrder, len(f.orders))
	copy(out, f.orders)
	return out
}

// Cancelled возвращает тикеты отменённых ордеров
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}
