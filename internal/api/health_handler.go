package api

import (
	"net/http"

	"planwatch/internal/service"
)

// HealthHandler - эндпоинты здоровья сервиса
type HealthHandler struct {
	monitor service.MonitorControl
}

// NewHealthHandler создаёт хендлер здоровья
func NewHealthHandler(monitor service.MonitorControl) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// Health - GET /health
// 200 пока мониторинг жив, 503 если watchdog сдался или шедулер мёртв
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	snapshot := h.monitor.Health()

	status := http.StatusOK
	if !snapshot.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, snapshot)
}

// Live - GET /health/live
// Проверка живости процесса, без состояния мониторинга
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
