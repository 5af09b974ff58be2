package monitor

import (
	"math"
	"time"

	"planwatch/internal/config"
	"planwatch/internal/models"
)

// Tier - уровень срочности плана
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// String возвращает текстовое представление уровня
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// tierScale - множитель интервала проверки по уровню срочности
func (t Tier) tierScale() float64 {
	switch t {
	case TierHigh:
		return 0.5
	case TierLow:
		return 2.0
	default:
		return 1.0
	}
}

// PriorityClassifier ранжирует срочность планов по близости цены к входу
// и недавней активности условий. Уровень определяет порог пропуска
// перед повторной проверкой плана.
type PriorityClassifier struct {
	nearEntryPct float64
	hotWindow    time.Duration
	staleAfter   time.Duration

	baseInterval  time.Duration
	floorInterval time.Duration
	hotScale      float64
	staleScale    float64
	maxScale      float64
}

// NewPriorityClassifier создаёт классификатор из конфигурации мониторинга
func NewPriorityClassifier(cfg config.MonitorConfig) *PriorityClassifier {
	return &PriorityClassifier{
		nearEntryPct:  cfg.NearEntryPct,
		hotWindow:     cfg.HotWindow,
		staleAfter:    cfg.StaleAfter,
		baseInterval:  cfg.BaseInterval,
		floorInterval: cfg.FloorInterval,
		hotScale:      cfg.HotScale,
		staleScale:    cfg.StaleScale,
		maxScale:      cfg.MaxScale,
	}
}

// Classify возвращает уровень срочности плана.
// quote может быть nil - тогда близость к входу неизвестна.
func (pc *PriorityClassifier) Classify(plan *models.Plan, quote *models.Quote, now time.Time) Tier {
	// Недавний проход условий - план "горячий"
	if plan.ZoneEnteredAt != nil && now.Sub(*plan.ZoneEnteredAt) < pc.hotWindow {
		return TierHigh
	}

	// Цена ближе nearEntryPct к входу - кандидат на high
	if quote != nil {
		distPct := math.Abs(quote.Mid()-plan.EntryPrice) / plan.EntryPrice * 100
		if distPct < pc.nearEntryPct {
			return TierHigh
		}
	}

	// Долгая тишина - план остыл
	if plan.LastCheckAt != nil && now.Sub(*plan.LastCheckAt) < pc.staleAfter {
		if now.Sub(plan.CreatedAt) > pc.staleAfter && plan.ZoneEnteredAt == nil {
			return TierLow
		}
	}

	return TierMedium
}

// Interval возвращает адаптивный интервал между проверками плана:
// max(floor, base * tier * hot/stale), с верхней границей base*maxScale.
// Множители - эвристика, настраиваются конфигом.
func (pc *PriorityClassifier) Interval(plan *models.Plan, tier Tier, now time.Time) time.Duration {
	scale := tier.tierScale()

	if plan.ZoneEnteredAt != nil && now.Sub(*plan.ZoneEnteredAt) < pc.hotWindow {
		// Недавний проход условий: проверяем чаще пока "горячо"
		scale *= pc.hotScale
	} else if plan.ZoneEnteredAt == nil && now.Sub(plan.CreatedAt) > pc.staleAfter {
		// Ни одного прохода за долгое время: замедляемся
		scale *= pc.staleScale
	}

	if scale > pc.maxScale {
		scale = pc.maxScale
	}

	interval := time.Duration(float64(pc.baseInterval) * scale)
	if interval < pc.floorInterval {
		interval = pc.floorInterval
	}
	return interval
}

// Due сообщает пора ли проверять план.
// План в cooldown после недавней проверки пропускается.
func (pc *PriorityClassifier) Due(plan *models.Plan, tier Tier, now time.Time) bool {
	if plan.CooldownUntil != nil && now.Before(*plan.CooldownUntil) {
		return false
	}
	if plan.LastCheckAt == nil {
		return true
	}
	return now.Sub(*plan.LastCheckAt) >= pc.Interval(plan, tier, now)
}
