package api

import (
	"net/http"
	"strings"
	"time"

	"planwatch/pkg/crypto"
	"planwatch/pkg/utils"
)

// loggingMiddleware пишет access-лог каждого запроса
func loggingMiddleware(log *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			log.Info("http request",
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", rec.status),
				utils.Latency(float64(time.Since(started).Milliseconds())))
		})
	}
}

// recoveryMiddleware гасит панику хендлера, отвечая 500
func recoveryMiddleware(log *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panicked",
						utils.String("path", r.URL.Path), utils.Any("panic", rec))
					respondError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware проверяет операторский bearer-токен против bcrypt-хеша.
// Пустой хеш в конфигурации закрывает мутирующие эндпоинты полностью.
func authMiddleware(tokenHash string, log *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				respondError(w, http.StatusForbidden, "mutating API is disabled")
				return
			}

			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				respondError(w, http.StatusUnauthorized, "bearer token required")
				return
			}

			if err := crypto.VerifyToken(token, tokenHash); err != nil {
				log.Warn("rejected request with invalid token",
					utils.String("path", r.URL.Path))
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder запоминает код ответа для access-лога
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
