package monitor

import (
	"context"
	"sync"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "console"})
}

// fakePersistence - in-memory реализация PlanPersistence с честным CAS
type fakePersistence struct {
	mu       sync.Mutex
	statuses map[string]string
	plans    map[string]*models.Plan

	casCalls  int
	failCAS   bool
	failMarks bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		statuses: make(map[string]string),
		plans:    make(map[string]*models.Plan),
	}
}

func (f *fakePersistence) put(plan *models.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[plan.ID] = plan.Clone()
	f.statuses[plan.ID] = plan.Status
}

func (f *fakePersistence) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakePersistence) LoadActive() ([]*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Plan
	for id, plan := range f.plans {
		st := f.statuses[id]
		if st == models.StatusPending || st == models.StatusPendingOrder {
			cp := plan.Clone()
			cp.Status = st
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakePersistence) CompareAndSetStatus(id, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.casCalls++
	if f.failCAS {
		return false, errDB
	}
	if f.statuses[id] != from {
		return false, nil
	}
	f.statuses[id] = to
	return true, nil
}

func (f *fakePersistence) RecoverStuck() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for id, st := range f.statuses {
		if st == models.StatusExecuting {
			f.statuses[id] = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (f *fakePersistence) MarkExecuted(id, ticket string, executedAt time.Time) error {
	return f.mark(id, models.StatusExecuted)
}

func (f *fakePersistence) MarkPendingOrder(id, pendingTicket string) error {
	return f.mark(id, models.StatusPendingOrder)
}

func (f *fakePersistence) MarkFailed(id, reason string) error {
	return f.mark(id, models.StatusFailed)
}

func (f *fakePersistence) MarkCancelled(id, reason string) error {
	return f.mark(id, models.StatusCancelled)
}

func (f *fakePersistence) MarkExpired(id string) error {
	return f.mark(id, models.StatusExpired)
}

func (f *fakePersistence) mark(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarks {
		return errDB
	}
	f.statuses[id] = status
	return nil
}

func (f *fakePersistence) UpdateBookkeeping(plan *models.Plan) error {
	return nil
}

// fakeMarketData - управляемый источник котировок
type fakeMarketData struct {
	mu     sync.Mutex
	quotes map[string]*models.Quote
	calls  int
	err    error
}

func newFakeMarketData() *fakeMarketData {
	return &fakeMarketData{quotes: make(map[string]*models.Quote)}
}

func (f *fakeMarketData) setQuote(symbol string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = &models.Quote{
		Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now(),
	}
}

func (f *fakeMarketData) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	quote, ok := f.quotes[symbol]
	if !ok {
		return nil, ErrMarketDataUnavailable
	}
	cp := *quote
	return &cp, nil
}

func (f *fakeMarketData) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, ErrMarketDataUnavailable
}

func (f *fakeMarketData) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeOrders - запись отправленных ордеров
type fakeOrders struct {
	mu        sync.Mutex
	submitted []string // plan IDs рыночных ордеров
	pending   []string // plan IDs отложенных ордеров
	cancelled []string
	failNext  int
	err       error
}

func (f *fakeOrders) SubmitMarketOrder(_ context.Context, plan *models.Plan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		if f.err != nil {
			return "", f.err
		}
		return "", errDB
	}
	f.submitted = append(f.submitted, plan.ID)
	return "TICKET-" + plan.ID[:4], nil
}

func (f *fakeOrders) SubmitPendingOrder(_ context.Context, plan *models.Plan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		if f.err != nil {
			return "", f.err
		}
		return "", errDB
	}
	f.pending = append(f.pending, plan.ID)
	return "PEND-" + plan.ID[:4], nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, ticket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ticket)
	return nil
}

func (f *fakeOrders) marketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeOrders) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// fakeJournal собирает записи журнала
type fakeJournal struct {
	mu      sync.Mutex
	entries []*models.JournalEntry
}

func (f *fakeJournal) Create(entry *models.JournalEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

var errDB = &dbError{}

type dbError struct{}

func (*dbError) Error() string { return "database unavailable" }

// testPlan создаёт валидный pending-план для тестов
func testPlan(id, symbol string) *models.Plan {
	return &models.Plan{
		ID:          id,
		Symbol:      symbol,
		Direction:   models.DirectionLong,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 110,
		Size:        1,
		Conditions: models.ConditionSet{
			"price_near": {"tolerance": 1.0},
		},
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
}
