package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"planwatch/internal/models"
	"planwatch/pkg/retry"
	"planwatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Приоритеты операций записи
type OpPriority int

const (
	PriorityMedium OpPriority = iota
	PriorityHigh // терминальные переходы статуса
)

// Виды операций записи
const (
	OpMarkExecuted     = "mark_executed"
	OpMarkPendingOrder = "mark_pending_order"
	OpMarkFailed       = "mark_failed"
	OpMarkCancelled    = "mark_cancelled"
	OpMarkExpired      = "mark_expired"
	OpBookkeeping      = "bookkeeping"
)

// ErrQueueFull возвращается при переполнении очереди (best-effort режим)
var ErrQueueFull = errors.New("write queue is full")

// ErrQueueStopped возвращается при записи в остановленную очередь
var ErrQueueStopped = errors.New("write queue is stopped")

// WriteOp - операция персистентности. Данные, не замыкание: очередь
// снапшотится на диск при остановке, чтобы незакоммиченные операции
// не терялись молча через рестарт процесса.
type WriteOp struct {
	Kind     string     `json:"kind"`
	PlanID   string     `json:"plan_id"`
	Priority OpPriority `json:"priority"`

	Ticket string    `json:"ticket,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at,omitempty"`

	// Служебные поля для OpBookkeeping
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
	ZoneEnteredAt *time.Time `json:"zone_entered_at,omitempty"`
	RecheckCount  int        `json:"recheck_count,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`

	done chan error // non-nil = блокирующий режим
}

// WriteQueue - асинхронная, приоритетная персистентность изменений планов.
// Снимает запись с горячего пути оценки: шедулер кладёт операцию и идёт
// дальше, consumer пишет в БД с retry/backoff.
type WriteQueue struct {
	persistence PlanPersistence
	log         *utils.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	high     []*WriteOp
	medium   []*WriteOp
	inFlight map[string]int // plan_id → количество операций в очереди/в работе
	capacity int
	stopped  bool

	snapshotPath string
	wg           sync.WaitGroup
}

// NewWriteQueue создаёт очередь записи.
// snapshotPath - файл снапшота недописанных операций ("" = без снапшота).
func NewWriteQueue(persistence PlanPersistence, capacity int, snapshotPath string,
	log *utils.Logger) *WriteQueue {

	if capacity < 1 {
		capacity = 1000
	}

	q := &WriteQueue{
		persistence:  persistence,
		log:          log.WithComponent("write_queue"),
		inFlight:     make(map[string]int),
		capacity:     capacity,
		snapshotPath: snapshotPath,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start запускает consumer и восстанавливает снапшот предыдущего запуска
func (q *WriteQueue) Start() {
	q.restoreSnapshot()

	q.wg.Add(1)
	go q.consume()
}

// Enqueue кладёт операцию best-effort: при переполнении возвращает
// ErrQueueFull, не блокирует вызывающего
func (q *WriteQueue) Enqueue(op *WriteOp) error {
	return q.push(op, false)
}

// EnqueueWait кладёт операцию и блокирует до её коммита в БД.
// Для терминальных переходов, где вызывающему важен результат.
func (q *WriteQueue) EnqueueWait(ctx context.Context, op *WriteOp) error {
	op.done = make(chan error, 1)
	if err := q.push(op, true); err != nil {
		return err
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WriteQueue) push(op *WriteOp, blocking bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}

	if len(q.high)+len(q.medium) >= q.capacity {
		if !blocking {
			WriteQueueDropped.Inc()
			q.log.Warn("write queue full, dropping operation",
				utils.String("kind", op.Kind), utils.PlanID(op.PlanID))
			return ErrQueueFull
		}
		// Блокирующие операции важнее ёмкости: пропускаем сверх лимита
	}

	if op.Priority == PriorityHigh {
		q.high = append(q.high, op)
	} else {
		q.medium = append(q.medium, op)
	}
	q.inFlight[op.PlanID]++
	WriteQueueDepth.Set(float64(len(q.high) + len(q.medium)))
	q.cond.Signal()
	return nil
}

// consume разбирает очередь в порядке приоритета
func (q *WriteQueue) consume() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.high) == 0 && len(q.medium) == 0 && !q.stopped {
			q.cond.Wait()
		}

		if q.stopped && len(q.high) == 0 && len(q.medium) == 0 {
			q.mu.Unlock()
			return
		}

		var op *WriteOp
		if len(q.high) > 0 {
			op = q.high[0]
			q.high = q.high[1:]
		} else {
			op = q.medium[0]
			q.medium = q.medium[1:]
		}
		WriteQueueDepth.Set(float64(len(q.high) + len(q.medium)))
		q.mu.Unlock()

		err := q.apply(op)
		if err != nil {
			q.log.Error("write operation failed after retries",
				utils.String("kind", op.Kind), utils.PlanID(op.PlanID), utils.Err(err))
		}

		q.mu.Lock()
		q.inFlight[op.PlanID]--
		if q.inFlight[op.PlanID] <= 0 {
			delete(q.inFlight, op.PlanID)
		}
		q.cond.Broadcast() // будим ожидающих Flush
		q.mu.Unlock()

		if op.done != nil {
			op.done <- err
		}
	}
}

// apply выполняет операцию с retry на временных ошибках БД
func (q *WriteQueue) apply(op *WriteOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := retry.PersistConfig()
	cfg.RetryIf = retry.IsRetryable
	return retry.Do(ctx, func() error {
		return q.dispatch(op)
	}, cfg)
}

// dispatch транслирует операцию в вызов персистентности
func (q *WriteQueue) dispatch(op *WriteOp) error {
	switch op.Kind {
	case OpMarkExecuted:
		return q.persistence.MarkExecuted(op.PlanID, op.Ticket, op.At)
	case OpMarkPendingOrder:
		return q.persistence.MarkPendingOrder(op.PlanID, op.Ticket)
	case OpMarkFailed:
		return q.persistence.MarkFailed(op.PlanID, op.Reason)
	case OpMarkCancelled:
		return q.persistence.MarkCancelled(op.PlanID, op.Reason)
	case OpMarkExpired:
		return q.persistence.MarkExpired(op.PlanID)
	case OpBookkeeping:
		return q.persistence.UpdateBookkeeping(&models.Plan{
			ID:            op.PlanID,
			LastCheckAt:   op.LastCheckAt,
			ZoneEnteredAt: op.ZoneEnteredAt,
			RecheckCount:  op.RecheckCount,
			CooldownUntil: op.CooldownUntil,
		})
	default:
		return retry.Permanent(fmt.Errorf("unknown write op kind: %s", op.Kind))
	}
}

// Flush блокирует пока не закоммичены все операции для данных планов.
// Шедулер вызывает перед перезагрузкой, чтобы свежий LoadActive не
// перечитал устаревшее состояние.
func (q *WriteQueue) Flush(ctx context.Context, planIDs []string) error {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()

	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.pendingFor(planIDs) > 0 && !q.stopped {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return errors.New("write queue flush timed out")
	}
}

// pendingFor считает операции в очереди для набора планов.
// ВАЖНО: вызывается под локом.
func (q *WriteQueue) pendingFor(planIDs []string) int {
	total := 0
	for _, id := range planIDs {
		total += q.inFlight[id]
	}
	return total
}

// Depth возвращает текущую глубину очереди
func (q *WriteQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.medium)
}

// Stop останавливает очередь: consumer дописывает остаток best-effort,
// недописанное снапшотится на диск
func (q *WriteQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.writeSnapshot()
}

// writeSnapshot сохраняет недописанные операции
func (q *WriteQueue) writeSnapshot() {
	if q.snapshotPath == "" {
		return
	}

	q.mu.Lock()
	leftover := append(append([]*WriteOp{}, q.high...), q.medium...)
	q.mu.Unlock()

	if len(leftover) == 0 {
		os.Remove(q.snapshotPath)
		return
	}

	data, err := json.Marshal(leftover)
	if err != nil {
		q.log.Error("failed to marshal write queue snapshot", utils.Err(err))
		return
	}
	if err := os.WriteFile(q.snapshotPath, data, 0o600); err != nil {
		q.log.Error("failed to write queue snapshot", utils.Err(err))
		return
	}
	q.log.Info("write queue snapshot persisted", utils.Count(len(leftover)))
}

// restoreSnapshot возвращает операции прошлого запуска в очередь
func (q *WriteQueue) restoreSnapshot() {
	if q.snapshotPath == "" {
		return
	}

	data, err := os.ReadFile(q.snapshotPath)
	if err != nil {
		return // нет снапшота - нормальный случай
	}

	var ops []*WriteOp
	if err := json.Unmarshal(data, &ops); err != nil {
		q.log.Warn("discarding corrupt write queue snapshot", utils.Err(err))
		os.Remove(q.snapshotPath)
		return
	}

	q.mu.Lock()
	for _, op := range ops {
		if op.Priority == PriorityHigh {
			q.high = append(q.high, op)
		} else {
			q.medium = append(q.medium, op)
		}
		q.inFlight[op.PlanID]++
	}
	q.mu.Unlock()

	os.Remove(q.snapshotPath)
	q.log.Info("restored write queue snapshot", utils.Count(len(ops)))
}
