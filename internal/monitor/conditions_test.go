package monitor

import (
	"testing"
	"time"

	"planwatch/internal/models"
)

func marketCtx(plan *models.Plan, quote *models.Quote) *MarketContext {
	return &MarketContext{
		Plan:  plan,
		Quote: quote,
		Now:   time.Now(),
	}
}

func TestBuiltinPredicates(t *testing.T) {
	plan := testPlan("cond-plan", "BTCUSDT")

	tests := []struct {
		name      string
		condition string
		params    models.Params
		mid       float64
		want      Verdict
	}{
		{"price_near pass", "price_near", models.Params{"tolerance": 1.0}, 100.5, VerdictPass},
		{"price_near fail", "price_near", models.Params{"tolerance": 1.0}, 102, VerdictFail},
		{"price_near custom level", "price_near", models.Params{"level": 50.0, "tolerance": 0.5}, 50.2, VerdictPass},
		{"price_near pct tolerance", "price_near", models.Params{"tolerance_pct": 2.0}, 101.5, VerdictPass},

		{"price_above pass", "price_above", models.Params{"level": 99.0}, 100, VerdictPass},
		{"price_above fail", "price_above", models.Params{"level": 101.0}, 100, VerdictFail},
		{"price_above missing level", "price_above", models.Params{}, 100, VerdictFail},

		{"price_below pass", "price_below", models.Params{"level": 101.0}, 100, VerdictPass},
		{"price_below fail", "price_below", models.Params{"level": 99.0}, 100, VerdictFail},

		{"price_in_zone pass", "price_in_zone", models.Params{"low": 99.0, "high": 101.0}, 100, VerdictPass},
		{"price_in_zone fail", "price_in_zone", models.Params{"low": 101.0, "high": 102.0}, 100, VerdictFail},
		{"price_in_zone inverted bounds", "price_in_zone", models.Params{"low": 102.0, "high": 101.0}, 100, VerdictFail},
	}

	registry := NewRegistry(testLogger())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote := &models.Quote{
				Symbol:    "BTCUSDT",
				Bid:       tt.mid - 0.0,
				Ask:       tt.mid + 0.0,
				Timestamp: time.Now(),
			}
			got := registry.Evaluate(tt.condition, tt.params, marketCtx(plan, quote))
			if got != tt.want {
				t.Errorf("verdict = %v, want %v", got, tt.want)
			}
		})
	}
}

// Нет котировки - ценовые предикаты отвечают Indeterminate, не Fail
func TestPredicatesIndeterminateWithoutQuote(t *testing.T) {
	registry := NewRegistry(testLogger())
	plan := testPlan("cond-plan", "BTCUSDT")

	for _, name := range []string{"price_near", "price_above", "price_below",
		"price_in_zone", "spread_below", "quote_fresh"} {
		got := registry.Evaluate(name, models.Params{"level": 100.0}, marketCtx(plan, nil))
		if got != VerdictIndeterminate {
			t.Errorf("%s without quote: verdict = %v, want indeterminate", name, got)
		}
	}
}

// Неизвестное имя условия отклоняется (fail closed), не матчится молча
func TestUnknownConditionFailsClosed(t *testing.T) {
	registry := NewRegistry(testLogger())
	plan := testPlan("cond-plan", "BTCUSDT")
	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 100, Timestamp: time.Now()}

	got := registry.Evaluate("no_such_condition", models.Params{}, marketCtx(plan, quote))
	if got != VerdictFail {
		t.Errorf("verdict = %v, want fail", got)
	}
}

// Паника предиката не роняет оценку: считается Indeterminate
func TestPanickingPredicateIsIndeterminate(t *testing.T) {
	registry := NewRegistry(testLogger())
	registry.Register("bomb", func(*MarketContext, models.Params) Verdict {
		panic("boom")
	})

	plan := testPlan("cond-plan", "BTCUSDT")
	got := registry.Evaluate("bomb", models.Params{}, marketCtx(plan, nil))
	if got != VerdictIndeterminate {
		t.Errorf("verdict = %v, want indeterminate", got)
	}
}

// Конъюнкция: Fail сильнее Indeterminate, Pass только при полном проходе
func TestEvaluateAllConjunction(t *testing.T) {
	registry := NewRegistry(testLogger())
	quote := &models.Quote{Symbol: "BTCUSDT", Bid: 100, Ask: 100, Timestamp: time.Now()}

	tests := []struct {
		name       string
		conditions models.ConditionSet
		quote      *models.Quote
		want       Verdict
	}{
		{
			"all pass",
			models.ConditionSet{
				"price_near":  {"tolerance": 1.0},
				"price_above": {"level": 99.0},
			},
			quote, VerdictPass,
		},
		{
			"one fails",
			models.ConditionSet{
				"price_near":  {"tolerance": 1.0},
				"price_above": {"level": 200.0},
			},
			quote, VerdictFail,
		},
		{
			"indeterminate without data",
			models.ConditionSet{
				"price_near": {"tolerance": 1.0},
			},
			nil, VerdictIndeterminate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := testPlan("cond-plan", "BTCUSDT")
			plan.Conditions = tt.conditions
			got := registry.EvaluateAll(marketCtx(plan, tt.quote))
			if got != tt.want {
				t.Errorf("verdict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasFastConditions(t *testing.T) {
	fast := testPlan("fast", "BTCUSDT") // price_near
	if !HasFastConditions(fast) {
		t.Error("plan with price_near must be fast")
	}

	slow := testPlan("slow", "BTCUSDT")
	slow.Conditions = models.ConditionSet{"price_above": {"level": 99.0}}
	if HasFastConditions(slow) {
		t.Error("plan with only price_above must not be fast")
	}
}
