package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"planwatch/internal/models"
	"planwatch/pkg/utils"
)

// Verdict - результат оценки условия.
// Indeterminate означает "нет данных для ответа": план не исполняется
// в этом цикле, но это не Fail и логируется отдельно.
type Verdict int

const (
	VerdictFail Verdict = iota
	VerdictPass
	VerdictIndeterminate
)

// String возвращает текстовое представление вердикта
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	case VerdictIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MarketContext - снимок рыночных данных для оценки условий одного плана.
// Quote может быть nil (данные недоступны) - предикаты обязаны это учитывать.
type MarketContext struct {
	Plan  *models.Plan
	Quote *models.Quote
	Now   time.Time

	// MarketData для предикатов, которым нужны свечи. Может быть nil.
	MarketData MarketDataPort
	Ctx        context.Context
}

// Price возвращает mid-цену котировки, ok=false если котировки нет
func (m *MarketContext) Price() (float64, bool) {
	if m.Quote == nil {
		return 0, false
	}
	return m.Quote.Mid(), true
}

// Predicate - функция-предикат одного условия
type Predicate func(mctx *MarketContext, params models.Params) Verdict

// Registry - реестр именованных предикатов.
// Условие плана (name, params) резолвится через таблицу; неизвестное имя
// отклоняется (fail closed) с диагностикой, а не матчится молча.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	log        *utils.Logger
}

// NewRegistry создаёт реестр со встроенными предикатами
func NewRegistry(log *utils.Logger) *Registry {
	r := &Registry{
		predicates: make(map[string]Predicate),
		log:        log.WithComponent("conditions"),
	}

	r.Register("price_near", predPriceNear)
	r.Register("price_above", predPriceAbove)
	r.Register("price_below", predPriceBelow)
	r.Register("price_in_zone", predPriceInZone)
	r.Register("spread_below", predSpreadBelow)
	r.Register("quote_fresh", predQuoteFresh)

	return r
}

// Register добавляет или заменяет предикат
func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Known сообщает зарегистрировано ли имя условия
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.predicates[name]
	return ok
}

// Evaluate оценивает одно именованное условие.
// Паника предиката не роняет вызывающего: считается Indeterminate.
func (r *Registry) Evaluate(name string, params models.Params, mctx *MarketContext) (verdict Verdict) {
	r.mu.RLock()
	pred, ok := r.predicates[name]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("unknown condition name, failing closed",
			utils.Condition(name), utils.PlanID(mctx.Plan.ID))
		EvaluationErrors.WithLabelValues("unknown_condition").Inc()
		return VerdictFail
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("condition predicate panicked",
				utils.Condition(name), utils.PlanID(mctx.Plan.ID), utils.Any("panic", rec))
			EvaluationErrors.WithLabelValues("panic").Inc()
			verdict = VerdictIndeterminate
		}
	}()

	return pred(mctx, params)
}

// EvaluateAll оценивает весь набор условий плана (конъюнкция).
// Любой Fail - итог Fail; иначе любой Indeterminate - итог Indeterminate.
func (r *Registry) EvaluateAll(mctx *MarketContext) Verdict {
	sawIndeterminate := false

	for name, params := range mctx.Plan.Conditions {
		switch r.Evaluate(name, params, mctx) {
		case VerdictFail:
			return VerdictFail
		case VerdictIndeterminate:
			sawIndeterminate = true
		}
	}

	if sawIndeterminate {
		return VerdictIndeterminate
	}
	return VerdictPass
}

// fastConditions - условия, реагирующие на быстрые движения цены.
// Планы с такими условиями попадают в high-frequency линию шедулера.
var fastConditions = map[string]bool{
	"price_near":    true,
	"price_in_zone": true,
}

// HasFastConditions сообщает, содержит ли план быстрые условия
func HasFastConditions(plan *models.Plan) bool {
	for name := range plan.Conditions {
		if fastConditions[name] {
			return true
		}
	}
	return false
}

// ============================================================
// Встроенные предикаты
// ============================================================

// predPriceNear: цена в пределах tolerance от level (по умолчанию - цена входа).
// params: level (опц.), tolerance (абсолютная) или tolerance_pct
func predPriceNear(mctx *MarketContext, params models.Params) Verdict {
	price, ok := mctx.Price()
	if !ok {
		return VerdictIndeterminate
	}

	level := params.FloatOr("level", mctx.Plan.EntryPrice)
	tolerance, hasAbs := params.Float("tolerance")
	if !hasAbs {
		tolerance = level * params.FloatOr("tolerance_pct", 0.5) / 100
	}

	if math.Abs(price-level) <= tolerance {
		return VerdictPass
	}
	return VerdictFail
}

// predPriceAbove: цена строго выше level
func predPriceAbove(mctx *MarketContext, params models.Params) Verdict {
	price, ok := mctx.Price()
	if !ok {
		return VerdictIndeterminate
	}

	level, ok := params.Float("level")
	if !ok {
		return VerdictFail
	}

	if price > level {
		return VerdictPass
	}
	return VerdictFail
}

// predPriceBelow: цена строго ниже level
func predPriceBelow(mctx *MarketContext, params models.Params) Verdict {
	price, ok := mctx.Price()
	if !ok {
		return VerdictIndeterminate
	}

	level, ok := params.Float("level")
	if !ok {
		return VerdictFail
	}

	if price < level {
		return VerdictPass
	}
	return VerdictFail
}

// predPriceInZone: цена внутри [low, high]
func predPriceInZone(mctx *MarketContext, params models.Params) Verdict {
	price, ok := mctx.Price()
	if !ok {
		return VerdictIndeterminate
	}

	low, okLow := params.Float("low")
	high, okHigh := params.Float("high")
	if !okLow || !okHigh || low > high {
		return VerdictFail
	}

	if price >= low && price <= high {
		return VerdictPass
	}
	return VerdictFail
}

// predSpreadBelow: спред bid/ask ниже max_pct (защита от тонкого рынка)
func predSpreadBelow(mctx *MarketContext, params models.Params) Verdict {
	if mctx.Quote == nil {
		return VerdictIndeterminate
	}

	maxPct := params.FloatOr("max_pct", 0.5)
	if mctx.Quote.SpreadPct() < maxPct {
		return VerdictPass
	}
	return VerdictFail
}

// predQuoteFresh: котировка не старше max_age_sec
func predQuoteFresh(mctx *MarketContext, params models.Params) Verdict {
	if mctx.Quote == nil {
		return VerdictIndeterminate
	}

	maxAge := time.Duration(params.FloatOr("max_age_sec", 30)) * time.Second
	if mctx.Quote.Age(mctx.Now) <= maxAge {
		return VerdictPass
	}
	return VerdictFail
}
