package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/credit-gateway/internal/domain"
)

type setBalanceRequest struct {
	Balance *int64 `json:"balance"`
}

type blockStateResponse struct {
	AccountID int64 `json:"account_id"`
	IsBlocked bool  `json:"is_blocked"`
}

// ListAccountsHandler returns one page of accounts.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	result, err := h.service.ListAccounts(r.Context(), page, perPage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) GetAdminAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}
	account, err := h.service.FindAccount(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) FindAccountByUsernameHandler(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "Username is required")
		return
	}
	account, err := h.service.FindAccountByUsername(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// CreditAccountHandler adds credits to an account.
func (h *Handlers) CreditAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}
	var req domain.BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	balance, err := h.service.AdminCredit(r.Context(), accountID, req.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: accountID, Balance: balance})
}

// DebitAccountHandler removes credits from an account.
func (h *Handlers) DebitAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}
	var req domain.BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	balance, err := h.service.AdminDebit(r.Context(), accountID, req.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: accountID, Balance: balance})
}

func (h *Handlers) SetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}
	var req setBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Balance == nil {
		writeError(w, http.StatusBadRequest, "Request body must contain balance")
		return
	}
	if *req.Balance < 0 {
		writeError(w, http.StatusBadRequest, "Balance must not be negative")
		return
	}

	if err := h.service.SetBalance(r.Context(), accountID, *req.Balance); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BalanceResponse{AccountID: accountID, Balance: *req.Balance})
}

func (h *Handlers) BlockAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

func (h *Handlers) UnblockAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handlers) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}

	var err error
	if blocked {
		err = h.service.BlockAccount(r.Context(), accountID)
	} else {
		err = h.service.UnblockAccount(r.Context(), accountID)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blockStateResponse{AccountID: accountID, IsBlocked: blocked})
}

// ReconcileHandler runs a reconciliation cycle immediately.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Payment reconciliation is not configured")
		return
	}

	result, err := h.reconciler.RunCycle(r.Context())
	if err != nil {
		h.logger.Warn("manual reconcile failed", "error", err)
		writeError(w, http.StatusBadGateway, "Reconciliation failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseAccountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid account id")
		return 0, false
	}
	return accountID, true
}
