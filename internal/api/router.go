/**
 * @description
 * This file sets up the HTTP router for the reward-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RewardRoutes creates and returns a new router for the reward service.
func RewardRoutes(h *RewardHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes available to authenticated chat users.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/register", h.RegisterHandler)
		r.Get("/me", h.ProfileHandler)
		r.Get("/rules", h.RulesHandler)
		r.Post("/tasks", h.SubmitTaskHandler)
		r.Post("/withdrawals", h.RequestWithdrawalHandler)
	})

	// Operator endpoints, guarded by the internal API key.
	r.Route("/admin", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/tasks/{id}/approve", h.ApproveTaskHandler)
		r.Post("/tasks/{id}/reject", h.RejectTaskHandler)
		r.Get("/withdrawals", h.ListPendingWithdrawalsHandler)
		r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawalHandler)
		r.Post("/withdrawals/{id}/reject", h.RejectWithdrawalHandler)
		r.Get("/settings", h.GetSettingsHandler)
		r.Patch("/settings", h.UpdateSettingsHandler)
		r.Post("/users/{id}/block", h.SetUserBlockedHandler)
		r.Post("/reconcile", h.TriggerReconcileHandler)
	})

	return r
}
