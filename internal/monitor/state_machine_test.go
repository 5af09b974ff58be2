package monitor

import (
	"testing"

	"planwatch/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.StatusPending, models.StatusExecuting, true},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusPending, models.StatusExpired, true},
		{models.StatusPending, models.StatusExecuted, false}, // только через executing

		{models.StatusExecuting, models.StatusExecuted, true},
		{models.StatusExecuting, models.StatusFailed, true},
		{models.StatusExecuting, models.StatusPendingOrder, true},
		{models.StatusExecuting, models.StatusPending, true}, // откат
		{models.StatusExecuting, models.StatusCancelled, false},

		{models.StatusPendingOrder, models.StatusExecuted, true},
		{models.StatusPendingOrder, models.StatusCancelled, true},
		{models.StatusPendingOrder, models.StatusPending, false},

		// Терминальные статусы никуда не переходят
		{models.StatusExecuted, models.StatusPending, false},
		{models.StatusFailed, models.StatusPending, false},
		{models.StatusCancelled, models.StatusExecuting, false},
		{models.StatusExpired, models.StatusPending, false},

		{"garbage", models.StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// Каждый терминальный статус обязан присутствовать в таблице с пустым
// списком переходов: отсутствие ключа означало бы неизвестный статус
func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, status := range []string{
		models.StatusExecuted, models.StatusFailed,
		models.StatusCancelled, models.StatusExpired,
	} {
		allowed, ok := ValidTransitions[status]
		if !ok {
			t.Errorf("terminal status %s missing from transition table", status)
			continue
		}
		if len(allowed) != 0 {
			t.Errorf("terminal status %s has transitions %v", status, allowed)
		}
		if !models.IsTerminal(status) {
			t.Errorf("models.IsTerminal(%s) = false", status)
		}
	}
}
