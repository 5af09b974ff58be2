package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func watchdogFixtureScheduler(t *testing.T) func() *Scheduler {
	t.Helper()

	cfg := testMonitorConfig()
	cfg.FloorInterval = 10 * time.Millisecond
	cfg.FastInterval = time.Hour
	cfg.ReloadEvery = time.Hour
	log := testLogger()

	persistence := newFakePersistence()
	md := newFakeMarketData()
	store := NewPlanStore(log)
	registry := NewRegistry(log)
	cache := NewPriceCache(10, time.Minute)
	fetcher := NewQuoteFetcher(md, cache, 5, 3, time.Minute, log)
	classifier := NewPriorityClassifier(cfg)
	breaker := NewCircuitBreaker("wd-test", 3, time.Minute)
	evaluator := NewParallelEvaluator(registry, store, breaker, md, 2, 10, time.Second, log)

	queue := NewWriteQueue(persistence, 100, "", log)
	queue.Start()
	t.Cleanup(queue.Stop)

	executor := NewExecutionCoordinator(persistence, queue, &fakeOrders{},
		&fakeJournal{}, nil, 2, 0.5, log)

	return func() *Scheduler {
		return NewScheduler(cfg, store, persistence, registry, fetcher,
			classifier, evaluator, executor, queue, &fakeJournal{}, nil, log)
	}
}

// Watchdog замечает умерший шедулер и запускает новый
func TestWatchdogRestartsDeadScheduler(t *testing.T) {
	factory := watchdogFixtureScheduler(t)

	var created atomic.Int32
	countingFactory := func() *Scheduler {
		created.Add(1)
		return factory()
	}

	wd := NewWatchdog(countingFactory, &fakeJournal{}, 20*time.Millisecond, 3, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd.Start(ctx)
	defer wd.Stop()

	waitFor(t, time.Second, func() bool { return wd.Healthy() })

	// Убиваем текущий шедулер напрямую
	wd.mu.Lock()
	current := wd.scheduler
	wd.mu.Unlock()
	current.Stop()

	waitFor(t, 2*time.Second, func() bool { return created.Load() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return wd.Healthy() })

	if wd.Restarts() < 1 {
		t.Errorf("restart counter = %d, want >= 1", wd.Restarts())
	}
}

// После исчерпания бюджета рестартов watchdog сдаётся и репортит нездоровье
func TestWatchdogGivesUpAfterBudget(t *testing.T) {
	factory := watchdogFixtureScheduler(t)

	// Каждый созданный шедулер немедленно умирает
	dyingFactory := func() *Scheduler {
		s := factory()
		go func() {
			for !s.Alive() {
				time.Sleep(time.Millisecond)
			}
			s.Stop()
		}()
		return s
	}

	wd := NewWatchdog(dyingFactory, &fakeJournal{}, 10*time.Millisecond, 2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd.Start(ctx)
	defer wd.Stop()

	waitFor(t, 3*time.Second, func() bool { return wd.GaveUp() })

	if wd.Healthy() {
		t.Error("watchdog that gave up must report unhealthy")
	}
	if wd.Restarts() != 2 {
		t.Errorf("restarts = %d, want exactly the budget of 2", wd.Restarts())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
