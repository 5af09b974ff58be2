package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"planwatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errorResponse - единый формат ошибок API
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON пишет успешный JSON-ответ
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		utils.L().Error("failed to encode response", utils.Err(err))
	}
}

// respondError пишет ошибку в едином формате
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
