package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type DestinationHandler struct {
	store storage.Storage
}

func NewDestinationHandler(store storage.Storage) *DestinationHandler {
	return &DestinationHandler{store: store}
}

type createDestinationRequest struct {
	ChatID  int64  `json:"chat_id"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	CanSend *bool  `json:"can_send"`
}

func (h *DestinationHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createDestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	kind := models.DestinationKind(req.Kind)
	if kind == "" {
		kind = models.DestinationGroup
	}
	canSend := true
	if req.CanSend != nil {
		canSend = *req.CanSend
	}

	dest := &models.Destination{
		ID:        models.NewID("dst"),
		OwnerID:   owner.ID,
		ChatID:    req.ChatID,
		Title:     req.Title,
		Kind:      kind,
		CanSend:   canSend,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateDestination(r.Context(), dest); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create destination")
		return
	}
	writeJSON(w, http.StatusCreated, dest)
}

func (h *DestinationHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	destinations, err := h.store.ListDestinations(r.Context(), owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list destinations")
		return
	}
	if destinations == nil {
		destinations = []models.Destination{}
	}
	writeJSON(w, http.StatusOK, destinations)
}

func (h *DestinationHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	dest, err := h.store.GetDestination(r.Context(), chi.URLParam(r, "id"), owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get destination")
		return
	}
	if dest == nil {
		writeError(w, http.StatusNotFound, "destination not found")
		return
	}
	writeJSON(w, http.StatusOK, dest)
}

func (h *DestinationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	dest, err := h.store.GetDestination(r.Context(), id, owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get destination")
		return
	}
	if dest == nil {
		writeError(w, http.StatusNotFound, "destination not found")
		return
	}

	if err := h.store.DeleteDestination(r.Context(), id, owner.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete destination")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
