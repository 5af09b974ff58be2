package models

import (
	"errors"
	"testing"
	"time"
)

func validPlan() *Plan {
	return &Plan{
		ID:          "test-plan",
		Symbol:      "BTCUSDT",
		Direction:   DirectionLong,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 110,
		Size:        1,
		Conditions:  ConditionSet{"price_near": {"tolerance": 1.0}},
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr error
	}{
		{"valid long", func(*Plan) {}, nil},
		{"valid short", func(p *Plan) {
			p.Direction = DirectionShort
			p.StopPrice = 110
			p.TargetPrice = 90
		}, nil},
		{"empty symbol", func(p *Plan) { p.Symbol = "" }, ErrInvalidSymbol},
		{"bad direction", func(p *Plan) { p.Direction = "sideways" }, ErrInvalidDirection},
		{"zero entry", func(p *Plan) { p.EntryPrice = 0 }, ErrNonPositivePrice},
		{"negative size", func(p *Plan) { p.Size = -1 }, ErrNonPositivePrice},
		{"long stop above entry", func(p *Plan) { p.StopPrice = 105 }, ErrInconsistentStops},
		{"long target below entry", func(p *Plan) { p.TargetPrice = 99 }, ErrInconsistentStops},
		{"short stop below entry", func(p *Plan) {
			p.Direction = DirectionShort
			p.StopPrice = 95
			p.TargetPrice = 90
		}, ErrInconsistentStops},
		{"no conditions", func(p *Plan) { p.Conditions = nil }, ErrEmptyConditions},
		{"expiry in past", func(p *Plan) {
			past := time.Now().Add(-time.Minute)
			p.ExpiresAt = &past
		}, ErrExpiryInPast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := validPlan()
			tt.mutate(plan)

			err := plan.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanLifecyclePredicates(t *testing.T) {
	now := time.Now()

	plan := validPlan()
	if plan.IsExpired(now) {
		t.Error("plan without ExpiresAt never expires")
	}
	if !plan.IsActive() {
		t.Error("pending plan is active")
	}

	past := now.Add(-time.Second)
	plan.ExpiresAt = &past
	if !plan.IsExpired(now) {
		t.Error("plan past ExpiresAt is expired")
	}

	plan.Status = StatusExecuted
	if plan.IsActive() {
		t.Error("executed plan is not active")
	}

	for _, status := range []string{StatusExecuted, StatusFailed, StatusCancelled, StatusExpired} {
		if !IsTerminal(status) {
			t.Errorf("IsTerminal(%s) = false", status)
		}
	}
	for _, status := range []string{StatusPending, StatusExecuting, StatusPendingOrder} {
		if IsTerminal(status) {
			t.Errorf("IsTerminal(%s) = true", status)
		}
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	plan := validPlan()
	expires := time.Now().Add(time.Hour)
	plan.ExpiresAt = &expires

	clone := plan.Clone()
	clone.Symbol = "MUTATED"
	clone.Conditions["price_near"]["tolerance"] = 999.0
	*clone.ExpiresAt = time.Time{}

	if plan.Symbol != "BTCUSDT" {
		t.Error("clone mutation leaked into symbol")
	}
	if tol, _ := plan.Conditions["price_near"].Float("tolerance"); tol != 1.0 {
		t.Error("clone mutation leaked into condition params")
	}
	if plan.ExpiresAt.IsZero() {
		t.Error("clone mutation leaked into ExpiresAt")
	}
}

func TestConditionSetSQLRoundTrip(t *testing.T) {
	set := ConditionSet{
		"price_near":   {"tolerance": 1.5},
		"spread_below": {"max_pct": 0.3},
	}

	value, err := set.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var restored ConditionSet
	if err := restored.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if len(restored) != 2 {
		t.Fatalf("restored %d conditions, want 2", len(restored))
	}
	if tol, ok := restored["price_near"].Float("tolerance"); !ok || tol != 1.5 {
		t.Errorf("tolerance = %v (%v), want 1.5", tol, ok)
	}
}

func TestConditionSetScanNull(t *testing.T) {
	var set ConditionSet
	if err := set.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if set != nil {
		t.Error("scanning NULL must leave the set nil")
	}

	if err := set.Scan(42); err == nil {
		t.Error("scanning an unsupported type must fail")
	}
}

func TestParamsAccessors(t *testing.T) {
	p := Params{"f": 1.5, "i": 2, "s": "text"}

	if v, ok := p.Float("f"); !ok || v != 1.5 {
		t.Errorf("Float(f) = %v, %v", v, ok)
	}
	if v, ok := p.Float("i"); !ok || v != 2 {
		t.Errorf("Float(i) = %v, %v", v, ok)
	}
	if _, ok := p.Float("s"); ok {
		t.Error("Float on a string must fail")
	}
	if v := p.FloatOr("absent", 7); v != 7 {
		t.Errorf("FloatOr default = %v, want 7", v)
	}
	if v, ok := p.String("s"); !ok || v != "text" {
		t.Errorf("String(s) = %q, %v", v, ok)
	}
}
