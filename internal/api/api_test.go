package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/campaign"
	"github.com/tgblast/tgblast/internal/config"
	"github.com/tgblast/tgblast/internal/dispatch"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

const testWorkerToken = "wtok-test-secret"

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	log := zerolog.Nop()
	reporter := dispatch.NewReporter(store, 3, 5*time.Minute, log)
	orch := campaign.NewOrchestrator(store, log)
	srv := NewServer(config.ServerConfig{}, store, reporter, orch, testWorkerToken, log)
	return srv, store
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createOwner(t *testing.T, h http.Handler) *models.Owner {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/owners", "", map[string]string{
		"telegram_id": "555001",
		"name":        "tester",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create owner: %d %s", rec.Code, rec.Body.String())
	}
	var owner models.Owner
	decodeBody(t, rec, &owner)
	return &owner
}

func createAccount(t *testing.T, h http.Handler) *models.Account {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/accounts", testWorkerToken, map[string]interface{}{
		"label": "main-sender",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", rec.Code, rec.Body.String())
	}
	var account models.Account
	decodeBody(t, rec, &account)
	return &account
}

func TestAuthRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := doRequest(t, h, http.MethodGet, "/api/v1/templates", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/v1/templates", "tk_bogus", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad owner token: %d, want 401", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/v1/worker/jobs?worker_id=w1", "not-the-token", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad worker token: %d, want 401", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: %d, want 200", rec.Code)
	}
}

func TestTemplateCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	owner := createOwner(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/templates", owner.APIToken, map[string]string{
		"name":    "welcome",
		"content": "Hello {{name}}",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template: %d %s", rec.Code, rec.Body.String())
	}
	var tpl models.Template
	decodeBody(t, rec, &tpl)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/templates/"+tpl.ID, owner.APIToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get template: %d", rec.Code)
	}

	// Another owner cannot see it.
	other := createOwner2(t, h, "555002")
	rec = doRequest(t, h, http.MethodGet, "/api/v1/templates/"+tpl.ID, other.APIToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-owner get: %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/templates/"+tpl.ID, owner.APIToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete template: %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/v1/templates/"+tpl.ID, owner.APIToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d, want 404", rec.Code)
	}
}

func createOwner2(t *testing.T, h http.Handler, telegramID string) *models.Owner {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/owners", "", map[string]string{"telegram_id": telegramID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create owner: %d %s", rec.Code, rec.Body.String())
	}
	var owner models.Owner
	decodeBody(t, rec, &owner)
	return &owner
}

func TestCampaignLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	owner := createOwner(t, h)
	createAccount(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/templates", owner.APIToken, map[string]string{
		"name":    "launch",
		"content": "Hi {{name}}!",
	})
	var tpl models.Template
	decodeBody(t, rec, &tpl)

	destIDs := make([]string, 2)
	for i := range destIDs {
		rec = doRequest(t, h, http.MethodPost, "/api/v1/destinations", owner.APIToken, map[string]interface{}{
			"chat_id": 9000 + i,
			"title":   fmt.Sprintf("chat %d", i),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create destination: %d %s", rec.Code, rec.Body.String())
		}
		var dest models.Destination
		decodeBody(t, rec, &dest)
		destIDs[i] = dest.ID
	}

	// Submission is asynchronous: it reports queued jobs, not sends.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/send", owner.APIToken, map[string]interface{}{
		"template_id":     tpl.ID,
		"destination_ids": destIDs,
		"variables":       map[string]string{"name": "Ada"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var submitResp struct {
		Campaign models.Campaign          `json:"campaign"`
		Results  []campaign.EnqueueResult `json:"results"`
	}
	decodeBody(t, rec, &submitResp)
	if len(submitResp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(submitResp.Results))
	}
	for _, res := range submitResp.Results {
		if res.Status != "queued" {
			t.Fatalf("result status = %q, want queued", res.Status)
		}
	}

	// Worker claims both jobs.
	rec = doRequest(t, h, http.MethodGet, "/api/v1/worker/jobs?worker_id=w1&limit=10", testWorkerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	var claimResp struct {
		Jobs  []storage.ClaimedJob `json:"jobs"`
		Count int                  `json:"count"`
	}
	decodeBody(t, rec, &claimResp)
	if claimResp.Count != 2 {
		t.Fatalf("claimed %d jobs, want 2", claimResp.Count)
	}
	if claimResp.Jobs[0].Message != "Hi Ada!" {
		t.Fatalf("claimed message = %q, want rendered text", claimResp.Jobs[0].Message)
	}

	// A second worker polling immediately gets nothing.
	rec = doRequest(t, h, http.MethodGet, "/api/v1/worker/jobs?worker_id=w2&limit=10", testWorkerToken, nil)
	var second struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &second)
	if second.Count != 0 {
		t.Fatalf("second worker claimed %d jobs, want 0", second.Count)
	}

	// Report both done and the campaign closes.
	for _, job := range claimResp.Jobs {
		rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/jobs/"+job.ID, testWorkerToken, map[string]string{
			"worker_id": "w1",
			"status":    "running",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("report running: %d %s", rec.Code, rec.Body.String())
		}
		rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/jobs/"+job.ID, testWorkerToken, map[string]string{
			"worker_id": "w1",
			"status":    "done",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("report done: %d %s", rec.Code, rec.Body.String())
		}
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/campaigns/"+submitResp.Campaign.ID, owner.APIToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get campaign: %d", rec.Code)
	}
	var detail struct {
		Campaign models.Campaign       `json:"campaign"`
		Counts   storage.ItemCounts    `json:"counts"`
		Items    []models.CampaignItem `json:"items"`
	}
	decodeBody(t, rec, &detail)
	if detail.Campaign.Status != models.CampaignDone {
		t.Fatalf("campaign status = %s, want done", detail.Campaign.Status)
	}
	if detail.Counts.Sent != 2 {
		t.Fatalf("sent count = %d, want 2", detail.Counts.Sent)
	}
}

func TestReportConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	owner := createOwner(t, h)
	createAccount(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/templates", owner.APIToken, map[string]string{
		"name": "t", "content": "x",
	})
	var tpl models.Template
	decodeBody(t, rec, &tpl)
	rec = doRequest(t, h, http.MethodPost, "/api/v1/destinations", owner.APIToken, map[string]interface{}{"chat_id": 777})
	var dest models.Destination
	decodeBody(t, rec, &dest)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/send", owner.APIToken, map[string]interface{}{
		"template_id":     tpl.ID,
		"destination_ids": []string{dest.ID},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/worker/jobs?worker_id=w1", testWorkerToken, nil)
	var claimResp struct {
		Jobs []storage.ClaimedJob `json:"jobs"`
	}
	decodeBody(t, rec, &claimResp)
	if len(claimResp.Jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimResp.Jobs))
	}
	jobID := claimResp.Jobs[0].ID

	// Report from a worker that does not hold the claim.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/jobs/"+jobID, testWorkerToken, map[string]string{
		"worker_id": "w2",
		"status":    "done",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale report: %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/jobs/job_nope", testWorkerToken, map[string]string{
		"worker_id": "w1",
		"status":    "done",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/jobs/"+jobID, testWorkerToken, map[string]string{
		"worker_id": "w1",
		"status":    "levitating",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad outcome: %d, want 400", rec.Code)
	}
}

func TestSendValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	owner := createOwner(t, h)
	createAccount(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/send", owner.APIToken, map[string]interface{}{
		"destination_ids": []string{"dst_x"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing template_id: %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/send", owner.APIToken, map[string]interface{}{
		"template_id":     "tpl_missing",
		"destination_ids": []string{"dst_x"},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing template: %d, want 404", rec.Code)
	}
}

func TestHeartbeatAndStats(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	createAccount(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/worker/heartbeat", testWorkerToken, map[string]interface{}{
		"worker_id": "w1",
		"hostname":  "box-1",
		"stats":     map[string]int64{"sent": 12},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", rec.Code, rec.Body.String())
	}

	// Missing hostname is a validation error.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/heartbeat", testWorkerToken, map[string]interface{}{
		"worker_id": "w1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("heartbeat without hostname: %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/worker/stats", testWorkerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var stats storage.DispatchStats
	decodeBody(t, rec, &stats)
	if len(stats.Workers) != 1 {
		t.Fatalf("got %d workers, want 1", len(stats.Workers))
	}
	if stats.Workers[0].Stats["sent"] != 12 {
		t.Fatalf("worker stats.sent = %d, want 12", stats.Workers[0].Stats["sent"])
	}
	if stats.ActiveAccounts != 1 {
		t.Fatalf("active accounts = %d, want 1", stats.ActiveAccounts)
	}
}

func TestWorkerAccountUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	account := createAccount(t, h)

	until := time.Now().UTC().Add(30 * time.Minute)
	rec := doRequest(t, h, http.MethodPost, "/api/v1/worker/accounts/"+account.ID, testWorkerToken, map[string]interface{}{
		"status":           "cooldown",
		"error_message":    "flood wait 1800s",
		"flood_wait_until": until,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update account: %d %s", rec.Code, rec.Body.String())
	}
	var updated models.Account
	decodeBody(t, rec, &updated)
	if updated.Status != models.AccountCooldown {
		t.Fatalf("status = %s, want cooldown", updated.Status)
	}
	if updated.CooldownUntil == nil {
		t.Fatal("cooldown_until not set")
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/worker/accounts/acc_nope", testWorkerToken, map[string]interface{}{
		"status": "error",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account: %d, want 404", rec.Code)
	}
}

func TestAccountSoftDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	account := createAccount(t, h)

	rec := doRequest(t, h, http.MethodDelete, "/api/v1/accounts/"+account.ID, testWorkerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete account: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/accounts/"+account.ID, testWorkerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get after delete: %d, want 200 (soft delete keeps the row)", rec.Code)
	}
	var got models.Account
	decodeBody(t, rec, &got)
	if got.IsActive {
		t.Fatal("account still active after delete")
	}
	if got.Status != models.AccountInactive {
		t.Fatalf("status = %s, want inactive", got.Status)
	}
}
