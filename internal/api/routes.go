package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"planwatch/internal/config"
	"planwatch/internal/service"
	"planwatch/internal/websocket"
	"planwatch/pkg/utils"
)

// NewRouter собирает роутер сервиса.
//
// Разделение доступа:
//   - чтение (GET) открыто;
//   - мутации (POST/DELETE) за операторским токеном;
//   - /metrics и /health без аутентификации (скрейпятся инфраструктурой).
func NewRouter(cfg *config.Config, plans *service.PlanService,
	monitor service.MonitorControl, hub *websocket.Hub, log *utils.Logger) *mux.Router {

	planHandler := NewPlanHandler(plans, log)
	healthHandler := NewHealthHandler(monitor)

	r := mux.NewRouter()
	r.Use(recoveryMiddleware(log))
	r.Use(loggingMiddleware(log))

	// Инфраструктурные эндпоинты
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.HandleFunc("/health/live", healthHandler.Live).Methods(http.MethodGet)

	// Websocket-подписка на события планов
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWS(hub, w, req)
	})

	api := r.PathPrefix("/api/v1").Subrouter()

	// Чтение
	api.HandleFunc("/plans", planHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/plans/stats", planHandler.Stats).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}", planHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/journal", planHandler.Journal).Methods(http.MethodGet)
	api.HandleFunc("/journal", planHandler.Journal).Methods(http.MethodGet)

	// Мутации за токеном
	protected := api.NewRoute().Subrouter()
	protected.Use(authMiddleware(cfg.Security.APITokenHash, log))
	protected.HandleFunc("/plans", planHandler.Create).Methods(http.MethodPost)
	protected.HandleFunc("/plans/{id}/cancel", planHandler.Cancel).Methods(http.MethodPost)
	protected.HandleFunc("/plans/{id}", planHandler.Delete).Methods(http.MethodDelete)

	return r
}
