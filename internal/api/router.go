/**
 * @description
 * This file sets up the HTTP router for the credit-gateway. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication middleware for account and operator routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the operator console.
 * - github.com/prometheus/client_golang: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the credentials the router enforces.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AdminOrigins   []string
	RequestTimeout time.Duration
}

// GatewayRoutes creates and returns the router for the credit-gateway.
func GatewayRoutes(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AccountAuthMiddleware(cfg.JWTSecret))

			r.Post("/accounts/me", h.RegisterContactHandler)
			r.Get("/accounts/me", h.GetAccountHandler)
			r.Get("/accounts/me/balance", h.GetBalanceHandler)
			r.Get("/accounts/me/top-up", h.TopUpInstructionsHandler)
			r.Post("/questions", h.SubmitQuestionHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.AdminOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key"},
				AllowCredentials: false,
				MaxAge:           300,
			}))
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

			r.Get("/accounts", h.ListAccountsHandler)
			r.Get("/accounts/by-username/{username}", h.FindAccountByUsernameHandler)
			r.Get("/accounts/{id}", h.GetAdminAccountHandler)
			r.Post("/accounts/{id}/credit", h.CreditAccountHandler)
			r.Post("/accounts/{id}/debit", h.DebitAccountHandler)
			r.Put("/accounts/{id}/balance", h.SetBalanceHandler)
			r.Post("/accounts/{id}/block", h.BlockAccountHandler)
			r.Post("/accounts/{id}/unblock", h.UnblockAccountHandler)
			r.Post("/reconcile", h.ReconcileHandler)
		})
	})

	return r
}
