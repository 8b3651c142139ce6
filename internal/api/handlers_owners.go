package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type OwnerHandler struct {
	store storage.Storage
}

func NewOwnerHandler(store storage.Storage) *OwnerHandler {
	return &OwnerHandler{store: store}
}

type createOwnerRequest struct {
	TelegramID string `json:"telegram_id"`
	Name       string `json:"name"`
}

func (h *OwnerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TelegramID == "" {
		writeError(w, http.StatusBadRequest, "telegram_id is required")
		return
	}

	now := time.Now().UTC()
	owner := &models.Owner{
		ID:         models.NewID("own"),
		TelegramID: req.TelegramID,
		Name:       req.Name,
		APIToken:   models.NewAPIToken(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.CreateOwner(r.Context(), owner); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create owner")
		return
	}

	writeJSON(w, http.StatusCreated, owner)
}

func (h *OwnerHandler) List(w http.ResponseWriter, r *http.Request) {
	owners, err := h.store.ListOwners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list owners")
		return
	}
	if owners == nil {
		owners = []models.Owner{}
	}
	writeJSON(w, http.StatusOK, owners)
}
