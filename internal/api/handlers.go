/**
 * @description
 * This file contains the HTTP handlers for the credit-gateway's account endpoints.
 * Handlers parse incoming requests, call the application service and translate its
 * errors into actionable HTTP responses.
 *
 * @dependencies
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/transfa/credit-gateway/internal/app"
	"github.com/transfa/credit-gateway/internal/domain"
)

// ReconcileRunner runs one reconciliation cycle on demand.
type ReconcileRunner interface {
	RunCycle(ctx context.Context) (*app.ReconcileResult, error)
}

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service    *app.Service
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewHandlers creates a new instance of Handlers. reconciler may be nil when the payment
// feed is not configured.
func NewHandlers(service *app.Service, reconciler ReconcileRunner, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, reconciler: reconciler, logger: logger.With("component", "api")}
}

// RegisterContactHandler creates the caller's account on first contact and refreshes it afterwards.
func (h *Handlers) RegisterContactHandler(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}
	if err := h.service.AdmitInteraction(r.Context(), profile.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	account, err := h.service.RegisterContact(r.Context(), profile)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetAccountHandler returns the caller's account and usage statistics.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}
	if err := h.service.AdmitInteraction(r.Context(), profile.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	account, err := h.service.GetAccount(r.Context(), profile.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetBalanceHandler returns the caller's balance, served from the balance cache when fresh.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}
	if err := h.service.AdmitInteraction(r.Context(), profile.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), profile.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: profile.ID, Balance: balance})
}

// TopUpInstructionsHandler returns the card number and the payment comment to use for a top-up.
func (h *Handlers) TopUpInstructionsHandler(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}
	if err := h.service.AdmitInteraction(r.Context(), profile.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	instructions, err := h.service.TopUpInstructions(r.Context(), profile)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instructions)
}

// SubmitQuestionHandler charges one credit for one answered question.
func (h *Handlers) SubmitQuestionHandler(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	var req domain.QuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.SubmitQuestion(r.Context(), profile, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) requireProfile(w http.ResponseWriter, r *http.Request) (domain.AccountProfile, bool) {
	profile, ok := GetAccountProfile(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify account from token")
		return domain.AccountProfile{}, false
	}
	return profile, true
}

// writeServiceError maps application errors to status codes and user-facing messages.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	if rlErr, ok := app.IsRateLimited(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(rlErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("Too many requests. Try again in %d seconds.", rlErr.RetryAfterSeconds))
		return
	}

	switch {
	case errors.Is(err, app.ErrAlreadyInFlight):
		writeError(w, http.StatusConflict, "Your previous request is still processing. Please wait.")
	case errors.Is(err, app.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "Insufficient balance. Top up to continue.")
	case errors.Is(err, app.ErrBalanceChanged):
		writeError(w, http.StatusPaymentRequired, "Your balance changed while the request was processing. Check your balance and try again.")
	case errors.Is(err, app.ErrAccountBlocked):
		writeError(w, http.StatusForbidden, "Your account is blocked. Contact the operator.")
	case errors.Is(err, app.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, app.ErrInvalidQuestion), errors.Is(err, app.ErrUnknownService):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Amount must be positive")
	case errors.Is(err, app.ErrTopUpUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Top-up is temporarily unavailable. Contact the operator.")
	case errors.Is(err, app.ErrBackendFailure):
		writeError(w, http.StatusBadGateway, "The answering service is temporarily unavailable. No credit was charged.")
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error. Please try again later.")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
