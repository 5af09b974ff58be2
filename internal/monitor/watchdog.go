package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// Watchdog следит за живостью шедулера и перезапускает его после
// паники или зависания.
//
// Признаки смерти:
//   - goroutine Run завершилась (паника погашена recover'ом);
//   - heartbeat не обновлялся дольше stallAfter (цикл завис).
//
// После maxRestarts подряд идущих рестартов watchdog сдаётся и
// переходит в состояние stopped - дальше только внешнее вмешательство.
// Успешно отработавший после рестарта шедулер сбрасывает счётчик.
type Watchdog struct {
	factory    func() *Scheduler
	journal    JournalSink
	log        *utils.Logger
	interval   time.Duration
	stallAfter time.Duration
	maxRestart int

	mu          sync.Mutex
	scheduler   *Scheduler
	restarts    int
	lastRestart time.Time
	gaveUp      bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	totalRestarts atomic.Int64
}

// NewWatchdog создаёт watchdog.
// factory создаёт свежий шедулер на каждый рестарт: каналы stop/done
// шедулера одноразовые.
func NewWatchdog(factory func() *Scheduler, journal JournalSink,
	interval time.Duration, maxRestarts int, log *utils.Logger) *Watchdog {

	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxRestarts < 1 {
		maxRestarts = 5
	}

	return &Watchdog{
		factory:    factory,
		journal:    journal,
		log:        log.WithComponent("watchdog"),
		interval:   interval,
		stallAfter: 6 * interval, // зависший цикл ловится за несколько проверок
		maxRestart: maxRestarts,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start запускает первый шедулер и цикл наблюдения
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	w.scheduler = w.factory()
	go w.scheduler.Run(ctx)
	w.mu.Unlock()

	go w.watch(ctx)
}

// watch - цикл наблюдения, сам защищён от паник
func (w *Watchdog) watch(ctx context.Context) {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog panicked", utils.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check оценивает здоровье шедулера и при необходимости рестартует
func (w *Watchdog) check(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gaveUp || w.scheduler == nil {
		return
	}

	if w.scheduler.Alive() {
		if time.Since(w.scheduler.LastCycle()) < w.stallAfter {
			// Устойчивая работа после рестарта сбрасывает счётчик.
			// Требуем продолжительной стабильности, иначе шедулер,
			// умирающий сразу после рестарта, обнулял бы бюджет.
			if w.restarts > 0 && time.Since(w.lastRestart) > 10*w.interval {
				w.restarts = 0
			}
			return
		}
		// Цикл завис: останавливаем зависший экземпляр перед заменой
		w.log.Error("scheduler stalled, forcing restart",
			utils.String("last_cycle", w.scheduler.LastCycle().Format(time.RFC3339)))
		go w.scheduler.Stop() // может блокироваться на зависшем цикле
	} else {
		w.log.Error("scheduler is dead, restarting")
	}

	if w.restarts >= w.maxRestart {
		w.gaveUp = true
		w.log.Error("restart budget exhausted, monitoring is DOWN",
			utils.Count(w.restarts))
		return
	}

	w.restarts++
	w.lastRestart = time.Now()
	w.totalRestarts.Add(1)
	WatchdogRestarts.Inc()

	w.scheduler = w.factory()
	go w.scheduler.Run(ctx)

	w.log.Warn("scheduler restarted", utils.Attempt(w.restarts))

	entry := &models.JournalEntry{
		Type:      models.JournalRestart,
		Message:   "scheduler restarted by watchdog",
		CreatedAt: time.Now(),
	}
	go func() {
		if err := w.journal.Create(entry); err != nil {
			w.log.Warn("journal write failed", utils.Err(err))
		}
	}()
}

// Stop останавливает наблюдение и текущий шедулер
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh

	w.mu.Lock()
	sched := w.scheduler
	w.mu.Unlock()

	if sched != nil && sched.Alive() {
		sched.Stop()
	}
}

// Healthy сообщает жив ли мониторинг
func (w *Watchdog) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.gaveUp && w.scheduler != nil && w.scheduler.Alive()
}

// Restarts возвращает суммарное количество рестартов за жизнь процесса
func (w *Watchdog) Restarts() int64 {
	return w.totalRestarts.Load()
}

// GaveUp сообщает исчерпан ли бюджет рестартов
func (w *Watchdog) GaveUp() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gaveUp
}
