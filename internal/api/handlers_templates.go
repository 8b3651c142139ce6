package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type TemplateHandler struct {
	store storage.Storage
}

func NewTemplateHandler(store storage.Storage) *TemplateHandler {
	return &TemplateHandler{store: store}
}

type templateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	now := time.Now().UTC()
	tpl := &models.Template{
		ID:        models.NewID("tpl"),
		OwnerID:   owner.ID,
		Name:      req.Name,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	templates, err := h.store.ListTemplates(r.Context(), owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	if templates == nil {
		templates = []models.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tpl, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "id"), owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tpl == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *TemplateHandler) Update(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tpl, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "id"), owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tpl == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		tpl.Name = req.Name
	}
	if req.Content != "" {
		tpl.Content = req.Content
	}

	if err := h.store.UpdateTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update template")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	tpl, err := h.store.GetTemplate(r.Context(), id, owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tpl == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	if err := h.store.DeleteTemplate(r.Context(), id, owner.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
