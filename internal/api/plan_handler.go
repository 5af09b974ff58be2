package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"planwatch/internal/models"
	"planwatch/internal/monitor"
	"planwatch/internal/repository"
	"planwatch/internal/service"
	"planwatch/pkg/utils"
)

// PlanHandler - HTTP-хендлеры планов
type PlanHandler struct {
	plans *service.PlanService
	log   *utils.Logger
}

// NewPlanHandler создаёт хендлер планов
func NewPlanHandler(plans *service.PlanService, log *utils.Logger) *PlanHandler {
	return &PlanHandler{
		plans: plans,
		log:   log.WithComponent("plan_handler"),
	}
}

// Create - POST /api/v1/plans
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	created, err := h.plans.Create(r.Context(), &plan)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPlanExists):
			respondError(w, http.StatusConflict, err.Error())
		case isValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("plan creation failed", utils.Err(err))
			respondError(w, http.StatusInternalServerError, "failed to create plan")
		}
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// Get - GET /api/v1/plans/{id}
func (h *PlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	plan, err := h.plans.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan not found")
			return
		}
		h.log.Error("plan lookup failed", utils.PlanID(id), utils.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}

	respondJSON(w, http.StatusOK, plan)
}

// List - GET /api/v1/plans?active=true&limit=N
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		plans, err := h.plans.ListActive(r.Context())
		if err != nil {
			h.log.Error("active plan listing failed", utils.Err(err))
			respondError(w, http.StatusInternalServerError, "failed to list plans")
			return
		}
		respondJSON(w, http.StatusOK, plans)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	plans, err := h.plans.ListRecent(r.Context(), limit)
	if err != nil {
		h.log.Error("plan listing failed", utils.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	respondJSON(w, http.StatusOK, plans)
}

// cancelRequest - тело POST /api/v1/plans/{id}/cancel
type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel - POST /api/v1/plans/{id}/cancel
func (h *PlanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // пустое тело допустимо
	}

	if err := h.plans.Cancel(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, repository.ErrPlanNotFound):
			respondError(w, http.StatusNotFound, "plan not found")
		case errors.Is(err, repository.ErrStatusConflict),
			errors.Is(err, monitor.ErrPlanNotCancellable):
			respondError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("plan cancellation failed", utils.PlanID(id), utils.Err(err))
			respondError(w, http.StatusInternalServerError, "failed to cancel plan")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// Delete - DELETE /api/v1/plans/{id}
func (h *PlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.plans.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrPlanNotFound):
			respondError(w, http.StatusNotFound, "plan not found")
		case errors.Is(err, service.ErrNotDeletable):
			respondError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("plan deletion failed", utils.PlanID(id), utils.Err(err))
			respondError(w, http.StatusInternalServerError, "failed to delete plan")
		}
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}

// Journal - GET /api/v1/plans/{id}/journal и GET /api/v1/journal
func (h *PlanHandler) Journal(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["id"] // пусто для общего журнала
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.plans.Journal(r.Context(), planID, limit)
	if err != nil {
		h.log.Error("journal listing failed", utils.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to load journal")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// Stats - GET /api/v1/plans/stats
func (h *PlanHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.plans.Stats(r.Context())
	if err != nil {
		h.log.Error("stats query failed", utils.Err(err))
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// isValidationError распознаёт ошибки валидации плана
func isValidationError(err error) bool {
	return errors.Is(err, models.ErrInvalidSymbol) ||
		errors.Is(err, models.ErrInvalidDirection) ||
		errors.Is(err, models.ErrNonPositivePrice) ||
		errors.Is(err, models.ErrInconsistentStops) ||
		errors.Is(err, models.ErrExpiryInPast) ||
		errors.Is(err, models.ErrEmptyConditions) ||
		errors.Is(err, service.ErrUnknownCondition)
}
