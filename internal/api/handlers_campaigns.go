package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tgblast/tgblast/internal/campaign"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type CampaignHandler struct {
	store storage.Storage
	orch  *campaign.Orchestrator
}

func NewCampaignHandler(store storage.Storage, orch *campaign.Orchestrator) *CampaignHandler {
	return &CampaignHandler{store: store, orch: orch}
}

// Send enqueues a campaign. The response reports enqueue results only;
// delivery progress is polled via the campaign endpoints.
func (h *CampaignHandler) Send(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req campaign.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TemplateID == "" || len(req.DestinationIDs) == 0 {
		writeError(w, http.StatusBadRequest, "template_id and destination_ids are required")
		return
	}

	c, results, err := h.orch.Submit(r.Context(), owner.ID, req)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrTemplateNotFound):
			writeError(w, http.StatusNotFound, "template not found")
		case errors.Is(err, campaign.ErrNoDestinations):
			writeError(w, http.StatusBadRequest, "no sendable destinations selected")
		case errors.Is(err, campaign.ErrNoAccounts):
			writeError(w, http.StatusBadRequest, "no eligible accounts available")
		default:
			writeError(w, http.StatusInternalServerError, "failed to submit campaign")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign": c,
		"results":  results,
	})
}

func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	campaigns, err := h.store.ListCampaigns(r.Context(), owner.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	c, err := h.store.GetCampaign(r.Context(), id, owner.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	items, err := h.store.ListCampaignItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get campaign items")
		return
	}
	if items == nil {
		items = []models.CampaignItem{}
	}

	counts, err := h.store.CountCampaignItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get campaign stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign": c,
		"items":    items,
		"counts":   counts,
	})
}
