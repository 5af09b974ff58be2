package monitor

import "planwatch/internal/models"

// ValidTransitions определяет допустимые переходы статуса плана.
//
// Владельцы переходов:
//   - ExecutionCoordinator: pending→executing и все переходы из executing
//   - Scheduler: pending→cancelled, pending→expired
//   - Восстановление при загрузке: executing→pending (откат после падения)
var ValidTransitions = map[string][]string{
	models.StatusPending: {
		models.StatusExecuting,
		models.StatusCancelled,
		models.StatusExpired,
	},
	models.StatusExecuting: {
		models.StatusExecuted,
		models.StatusFailed,
		models.StatusPendingOrder,
		models.StatusPending, // откат при ошибке или падении
	},
	models.StatusPendingOrder: {
		models.StatusExecuted,
		models.StatusCancelled,
	},
	// Терминальные статусы переходов не имеют
	models.StatusExecuted:  {},
	models.StatusFailed:    {},
	models.StatusCancelled: {},
	models.StatusExpired:   {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StatusInfo возвращает описание статуса для операторских ответов
func StatusInfo(s string) string {
	switch s {
	case models.StatusPending:
		return "Waiting for conditions"
	case models.StatusExecuting:
		return "Execution in progress"
	case models.StatusPendingOrder:
		return "Pending order placed at broker"
	case models.StatusExecuted:
		return "Executed"
	case models.StatusFailed:
		return "Execution failed"
	case models.StatusCancelled:
		return "Cancelled"
	case models.StatusExpired:
		return "Expired before trigger"
	default:
		return "Unknown status"
	}
}
