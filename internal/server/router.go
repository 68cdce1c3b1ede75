package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artpromedia/payhook/internal/config"
	"github.com/artpromedia/payhook/internal/engine"
	"github.com/artpromedia/payhook/internal/log"
	"github.com/artpromedia/payhook/internal/metrics"
	"github.com/artpromedia/payhook/internal/signature"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	signatureHeader = "Webhook-Signature"
	maxBodyBytes    = 1 << 20 // provider payloads are small; 1MB is generous
)

func SetupRouter(r *chi.Mux, cfg *config.Config, eng *engine.Engine, dlq engine.DeadLetters, rec *metrics.Recorder, db *sql.DB, rdb *redis.Client, logger *log.Logger) {
	r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				logger.Error("Redis health check failed", zap.Error(err))
				http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	// Intake is authenticated by the payload signature, not a bearer token.
	// Only a signature failure is surfaced to the provider; every other
	// outcome resolves internally so the provider does not redeliver events
	// the retry/dead-letter machinery already owns.
	r.Post("/webhooks/payments", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			logger.Error("Failed to read webhook body", zap.Error(err))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		evt, err := eng.Intake(body, r.Header.Get(signatureHeader))
		if err != nil {
			if errors.Is(err, signature.ErrInvalidSignature) {
				logger.Warn("Rejected webhook with invalid signature", zap.String("remote", r.RemoteAddr))
			} else {
				logger.Error("Rejected unparseable webhook", zap.Error(err))
			}
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}

		eng.Submit(evt)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"received": true})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			entries, err := dlq.Pending(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to get pending dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(entries); err != nil {
				logger.Error("Failed to encode dead letters", zap.Error(err))
			}
		})

		r.Post("/dlq/reprocess", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Limit int `json:"limit"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode reprocess request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Limit <= 0 {
				req.Limit = cfg.ReprocessBatchSize
			}
			start := time.Now()
			recovered, err := eng.ReprocessDeadLetters(r.Context(), req.Limit)
			if err != nil {
				logger.Error("Reprocess failed", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			logger.Info("Reprocessed dead letters", zap.Int("recovered", recovered), zap.Duration("duration", time.Since(start)))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int{"recovered": recovered})
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(rec.Snapshot()); err != nil {
				logger.Error("Failed to encode stats", zap.Error(err))
			}
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
