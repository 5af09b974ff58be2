package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики ядра мониторинга
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для алертов (открытые breaker'ы, исчерпание рестартов)

// ============ Метрики латентности ============

// EvalLatency - время оценки условий одного плана
var EvalLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "eval_latency_ms",
		Help:      "Latency of a single plan condition evaluation in milliseconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
	[]string{"mode"}, // parallel, sequential
)

// CycleDuration - длительность полного цикла шедулера
var CycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "cycle_duration_ms",
		Help:      "Duration of a full scheduler cycle in milliseconds",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	},
)

// ============ Счётчики событий ============

// EvaluationsTotal - оценки условий по вердиктам
var EvaluationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "evaluations_total",
		Help:      "Total condition evaluations by verdict",
	},
	[]string{"verdict"}, // pass, fail, indeterminate
)

// EvaluationErrors - ошибки оценки, не сводимые к обычному "не прошло".
// Отдельный счётчик: системные сбои источников данных не должны
// маскироваться под "условие не выполнено".
var EvaluationErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "evaluation_errors_total",
		Help:      "Condition evaluation errors by kind",
	},
	[]string{"kind"}, // timeout, panic, unknown_condition, no_data
)

// ExecutionsTotal - попытки исполнения по результатам
var ExecutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "executions_total",
		Help:      "Plan execution attempts by result",
	},
	[]string{"result"}, // executed, pending_order, failed, race_lost, rolled_back
)

// SchedulerCycles - количество завершённых циклов шедулера
var SchedulerCycles = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "scheduler_cycles_total",
		Help:      "Total completed scheduler cycles",
	},
)

// ============ Кэш котировок ============

// CacheHits - попадания в кэш котировок
var CacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "price_cache",
		Name:      "hits_total",
		Help:      "Price cache hits",
	},
)

// CacheMisses - промахи кэша котировок (включая протухшие по TTL)
var CacheMisses = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "price_cache",
		Name:      "misses_total",
		Help:      "Price cache misses including TTL expiries",
	},
)

// CacheEvictions - вытеснения по LRU
var CacheEvictions = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "price_cache",
		Name:      "evictions_total",
		Help:      "Price cache LRU evictions",
	},
)

// QuoteFetchFailures - неудачные запросы котировок
var QuoteFetchFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "price_cache",
		Name:      "fetch_failures_total",
		Help:      "Failed quote fetch attempts after retries",
	},
)

// ============ Метрики состояния ============

// ActivePlans - количество планов в мониторинге по статусам
var ActivePlans = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "active_plans",
		Help:      "Plans under monitoring by status",
	},
	[]string{"status"},
)

// BreakerState - состояние circuit breaker'ов (0=closed, 1=half-open, 2=open)
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"scope"}, // eval, quote:<symbol>
)

// WriteQueueDepth - текущая глубина очереди записи
var WriteQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "planwatch",
		Subsystem: "write_queue",
		Name:      "depth",
		Help:      "Current write queue depth",
	},
)

// WriteQueueDropped - операции, отброшенные при переполнении очереди
var WriteQueueDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "write_queue",
		Name:      "dropped_total",
		Help:      "Write operations dropped on queue overflow",
	},
)

// WatchdogRestarts - рестарты шедулера watchdog'ом
var WatchdogRestarts = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "planwatch",
		Subsystem: "monitor",
		Name:      "watchdog_restarts_total",
		Help:      "Scheduler restarts performed by the watchdog",
	},
)
