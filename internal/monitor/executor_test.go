package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/retry"
)

func newTestCoordinator(t *testing.T, persistence *fakePersistence,
	orders *fakeOrders) (*ExecutionCoordinator, *WriteQueue) {
	t.Helper()

	log := testLogger()
	queue := NewWriteQueue(persistence, 100, "", log)
	queue.Start()
	t.Cleanup(queue.Stop)

	ec := NewExecutionCoordinator(persistence, queue, orders, &fakeJournal{},
		nil, 2, 0.5, log)
	return ec, queue
}

func TestTryExecuteMarketOrder(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0001", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()}

	result := ec.TryExecute(context.Background(), store, plan, quote)

	if result != ExecExecuted {
		t.Fatalf("expected ExecExecuted, got %v", result)
	}
	if orders.marketCount() != 1 {
		t.Fatalf("expected 1 market order, got %d", orders.marketCount())
	}
	if persistence.status(plan.ID) != models.StatusExecuted {
		t.Errorf("persisted status = %s, want executed", persistence.status(plan.ID))
	}
	if store.Contains(plan.ID) {
		t.Error("executed plan must be removed from the store")
	}
}

// Цена далеко от входа - вместо рыночного размещается отложенный ордер
func TestTryExecutePendingOrderOnSlippage(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0002", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	// Отклонение 2% > 0.5% slippage
	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 101.9, Ask: 102.1, Timestamp: time.Now()}

	result := ec.TryExecute(context.Background(), store, plan, quote)

	if result != ExecPendingOrder {
		t.Fatalf("expected ExecPendingOrder, got %v", result)
	}
	if orders.pendingCount() != 1 || orders.marketCount() != 0 {
		t.Fatalf("expected pending order only, got market=%d pending=%d",
			orders.marketCount(), orders.pendingCount())
	}
	if persistence.status(plan.ID) != models.StatusPendingOrder {
		t.Errorf("persisted status = %s, want pending_order_placed", persistence.status(plan.ID))
	}
	// План с отложенным ордером остаётся под мониторингом
	if !store.Contains(plan.ID) {
		t.Error("plan with pending order must stay in the store")
	}
}

// Гонка: статус в БД уже не pending - исполнение молча пропускается
func TestTryExecuteLosesRace(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0003", "BTCUSDT")
	persistence.put(plan)
	persistence.mark(plan.ID, models.StatusCancelled) // конкурент успел раньше
	store.Upsert(plan)

	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()}
	result := ec.TryExecute(context.Background(), store, plan, quote)

	if result != ExecSkipped {
		t.Fatalf("expected ExecSkipped, got %v", result)
	}
	if orders.marketCount() != 0 {
		t.Error("no order must be submitted after a lost race")
	}
	if persistence.status(plan.ID) != models.StatusCancelled {
		t.Errorf("status must stay cancelled, got %s", persistence.status(plan.ID))
	}
}

// Конкурентные попытки исполнения одного плана: ордер уходит ровно один раз
func TestTryExecuteAtMostOnceConcurrent(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0004", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()}

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]ExecResult, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ec.TryExecute(context.Background(), store, plan.Clone(), quote)
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, r := range results {
		if r == ExecExecuted {
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("exactly one attempt must execute, got %d", executed)
	}
	if orders.marketCount() != 1 {
		t.Errorf("exactly one order must be submitted, got %d", orders.marketCount())
	}
}

// Временная ошибка брокера: план откатывается в pending
func TestTryExecuteRollsBackOnFailure(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{
		failNext: 1,
		err:      retry.Permanent(errors.New("broker rejected")),
	}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0005", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()}
	result := ec.TryExecute(context.Background(), store, plan, quote)

	if result != ExecRolledBack {
		t.Fatalf("expected ExecRolledBack, got %v", result)
	}
	if persistence.status(plan.ID) != models.StatusPending {
		t.Errorf("status must roll back to pending, got %s", persistence.status(plan.ID))
	}
	if ec.Attempts(plan.ID) != 1 {
		t.Errorf("attempt counter = %d, want 1", ec.Attempts(plan.ID))
	}
}

// Исчерпание попыток: план терминально failed и выведен из мониторинга
func TestTryExecuteFailsAfterMaxAttempts(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{
		failNext: 10,
		err:      retry.Permanent(errors.New("broker rejected")),
	}
	ec, _ := newTestCoordinator(t, persistence, orders) // maxAttempts=2

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0006", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Timestamp: time.Now()}

	first := ec.TryExecute(context.Background(), store, plan, quote)
	if first != ExecRolledBack {
		t.Fatalf("first attempt: expected ExecRolledBack, got %v", first)
	}

	second := ec.TryExecute(context.Background(), store, plan, quote)
	if second != ExecFailed {
		t.Fatalf("second attempt: expected ExecFailed, got %v", second)
	}
	if persistence.status(plan.ID) != models.StatusFailed {
		t.Errorf("status = %s, want failed", persistence.status(plan.ID))
	}
	if store.Contains(plan.ID) {
		t.Error("failed plan must be removed from the store")
	}
}

// Без котировки рыночный ордер слеп - размещается отложенный
func TestTryExecuteNilQuoteUsesPendingOrder(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	store := NewPlanStore(testLogger())
	plan := testPlan("plan-0007", "BTCUSDT")
	persistence.put(plan)
	store.Upsert(plan)

	result := ec.TryExecute(context.Background(), store, plan, nil)

	if result != ExecPendingOrder {
		t.Fatalf("expected ExecPendingOrder, got %v", result)
	}
	if orders.pendingCount() != 1 {
		t.Errorf("expected 1 pending order, got %d", orders.pendingCount())
	}
}

func TestCancelPendingOrder(t *testing.T) {
	persistence := newFakePersistence()
	orders := &fakeOrders{}
	ec, _ := newTestCoordinator(t, persistence, orders)

	plan := testPlan("plan-0008", "BTCUSDT")
	plan.PendingTicket = "PEND-1234"

	if err := ec.CancelPendingOrder(context.Background(), plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orders.mu.Lock()
	defer orders.mu.Unlock()
	if len(orders.cancelled) != 1 || orders.cancelled[0] != "PEND-1234" {
		t.Errorf("cancelled = %v, want [PEND-1234]", orders.cancelled)
	}
}
