package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/dispatch"
	"github.com/tgblast/tgblast/internal/metrics"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

type WorkerHandler struct {
	store    storage.Storage
	reporter *dispatch.Reporter
	log      zerolog.Logger
}

func NewWorkerHandler(store storage.Storage, reporter *dispatch.Reporter, log zerolog.Logger) *WorkerHandler {
	return &WorkerHandler{store: store, reporter: reporter, log: log}
}

// ClaimJobs hands due jobs to the calling worker. Despite the GET
// method this mutates state: returned jobs are assigned to worker_id
// atomically, so two workers polling at once never share a job.
func (h *WorkerHandler) ClaimJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workerID := q.Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	accountID := q.Get("account_id")

	jobs, err := h.store.ClaimJobs(r.Context(), workerID, accountID, limit, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to claim jobs")
		return
	}
	if jobs == nil {
		jobs = []storage.ClaimedJob{}
	}

	if len(jobs) > 0 {
		metrics.JobsClaimed.Add(float64(len(jobs)))
		h.log.Info().Str("worker_id", workerID).Int("count", len(jobs)).Msg("jobs claimed")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

type reportJobRequest struct {
	WorkerID     string     `json:"worker_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message"`
	SentAt       *time.Time `json:"sent_at"`
}

func (h *WorkerHandler) ReportJob(w http.ResponseWriter, r *http.Request) {
	var req reportJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "worker_id and status are required")
		return
	}

	rep := dispatch.Report{
		JobID:    chi.URLParam(r, "id"),
		WorkerID: req.WorkerID,
		Outcome:  dispatch.Outcome(req.Status),
		Error:    req.ErrorMessage,
	}
	if req.SentAt != nil {
		rep.SentAt = *req.SentAt
	}

	job, err := h.reporter.Apply(r.Context(), rep)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, dispatch.ErrStaleReport):
			writeError(w, http.StatusConflict, "report does not match current claim")
		case errors.Is(err, dispatch.ErrBadOutcome):
			writeError(w, http.StatusBadRequest, "status must be running, done or failed")
		default:
			writeError(w, http.StatusInternalServerError, "failed to apply report")
		}
		return
	}

	writeJSON(w, http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerID       string           `json:"worker_id"`
	Hostname       string           `json:"hostname"`
	Version        string           `json:"version"`
	ActiveAccounts []string         `json:"active_accounts"`
	Stats          map[string]int64 `json:"stats"`
}

func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "worker_id and hostname are required")
		return
	}

	version := req.Version
	if version == "" {
		version = "1.0.0"
	}

	hb := &models.WorkerHeartbeat{
		WorkerID:        req.WorkerID,
		Hostname:        req.Hostname,
		Version:         version,
		Status:          "online",
		ActiveAccounts:  req.ActiveAccounts,
		Stats:           req.Stats,
		LastHeartbeatAt: time.Now().UTC(),
	}

	if err := h.store.UpsertHeartbeat(r.Context(), hb); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_id":         hb.WorkerID,
		"status":            hb.Status,
		"last_heartbeat_at": hb.LastHeartbeatAt,
	})
}

type updateAccountStatusRequest struct {
	Status         string     `json:"status"`
	ErrorMessage   string     `json:"error_message"`
	FloodWaitUntil *time.Time `json:"flood_wait_until"`
}

// UpdateAccount lets workers report account-level conditions, flood
// waits in particular.
func (h *WorkerHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
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

	var req updateAccountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" && req.FloodWaitUntil == nil {
		writeError(w, http.StatusBadRequest, "status or flood_wait_until is required")
		return
	}

	if req.FloodWaitUntil != nil {
		if err := h.store.ApplyAccountCooldown(r.Context(), id, *req.FloodWaitUntil, req.ErrorMessage); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to apply cooldown")
			return
		}
		metrics.CooldownsApplied.Inc()
		h.log.Warn().
			Str("account_id", id).
			Time("until", *req.FloodWaitUntil).
			Msg("account placed in cooldown")
	} else {
		if err := h.store.SetAccountStatus(r.Context(), id, models.AccountStatus(req.Status), req.ErrorMessage); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update account")
			return
		}
	}

	account, err = h.store.GetAccount(r.Context(), id)
	if err != nil || account == nil {
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *WorkerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetDispatchStats(r.Context(), r.URL.Query().Get("worker_id"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	if stats.Workers == nil {
		stats.Workers = []models.WorkerHeartbeat{}
	}
	writeJSON(w, http.StatusOK, stats)
}
