package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tgblast/tgblast/internal/ledger"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type AccountHandler struct {
	store storage.Storage
}

func NewAccountHandler(store storage.Storage) *AccountHandler {
	return &AccountHandler{store: store}
}

type createAccountRequest struct {
	Label       string `json:"label"`
	SessionKey  string `json:"session_key"`
	HourlyLimit *int   `json:"hourly_limit"`
	DailyLimit  *int   `json:"daily_limit"`
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	hourlyLimit := 50
	if req.HourlyLimit != nil {
		hourlyLimit = *req.HourlyLimit
	}
	dailyLimit := 200
	if req.DailyLimit != nil {
		dailyLimit = *req.DailyLimit
	}
	if hourlyLimit < 0 || dailyLimit < 0 {
		writeError(w, http.StatusBadRequest, "limits must not be negative")
		return
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:            models.NewID("acc"),
		Label:         req.Label,
		SessionKey:    req.SessionKey,
		Status:        models.AccountIdle,
		IsActive:      true,
		HourlyLimit:   hourlyLimit,
		HourlyResetAt: ledger.NextHourlyReset(now),
		DailyLimit:    dailyLimit,
		DailyResetAt:  ledger.NextDailyReset(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type updateAccountRequest struct {
	Label       *string `json:"label"`
	SessionKey  *string `json:"session_key"`
	Status      *string `json:"status"`
	IsActive    *bool   `json:"is_active"`
	HourlyLimit *int    `json:"hourly_limit"`
	DailyLimit  *int    `json:"daily_limit"`
}

func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Label != nil {
		account.Label = *req.Label
	}
	if req.SessionKey != nil {
		account.SessionKey = *req.SessionKey
	}
	if req.Status != nil {
		account.Status = models.AccountStatus(*req.Status)
	}
	if req.IsActive != nil {
		account.IsActive = *req.IsActive
	}
	if req.HourlyLimit != nil {
		if *req.HourlyLimit < 0 {
			writeError(w, http.StatusBadRequest, "limits must not be negative")
			return
		}
		account.HourlyLimit = *req.HourlyLimit
	}
	if req.DailyLimit != nil {
		if *req.DailyLimit < 0 {
			writeError(w, http.StatusBadRequest, "limits must not be negative")
			return
		}
		account.DailyLimit = *req.DailyLimit
	}

	if err := h.store.UpdateAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Delete deactivates instead of removing; jobs keep a valid account
// reference and history stays queryable.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	if err := h.store.DeactivateAccount(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to deactivate account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "inactive"})
}
