package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tgblast/tgblast/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func seedAccount(t *testing.T, store *SQLiteStorage, id string, now time.Time) *models.Account {
	t.Helper()
	a := &models.Account{
		ID:            id,
		Label:         id,
		Status:        models.AccountIdle,
		IsActive:      true,
		HourlyLimit:   50,
		HourlyResetAt: now.Add(time.Hour),
		DailyLimit:    200,
		DailyResetAt:  now.Add(24 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func seedCampaignWithJobs(t *testing.T, store *SQLiteStorage, accountID string, n int, now time.Time) []models.Job {
	t.Helper()
	ctx := context.Background()

	owner := &models.Owner{ID: models.NewID("own"), TelegramID: models.NewID("tg"), APIToken: models.NewAPIToken(), CreatedAt: now, UpdatedAt: now}
	if err := store.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}

	c := &models.Campaign{
		ID:         models.NewID("cmp"),
		OwnerID:    owner.ID,
		TemplateID: "tpl_x",
		Name:       "test",
		Status:     models.CampaignRunning,
		CreatedAt:  now,
	}
	items := make([]models.CampaignItem, n)
	jobs := make([]models.Job, n)
	for i := 0; i < n; i++ {
		items[i] = models.CampaignItem{
			ID:            models.NewID("itm"),
			CampaignID:    c.ID,
			DestinationID: models.NewID("dst"),
			Status:        models.ItemPending,
			CreatedAt:     now,
		}
		jobs[i] = models.Job{
			ID:           models.NewID("job"),
			CampaignID:   c.ID,
			ItemID:       items[i].ID,
			AccountID:    accountID,
			ChatID:       int64(1000 + i),
			Message:      "hello",
			Status:       models.JobQueued,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	if err := store.CreateCampaign(ctx, c, items, jobs); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return jobs
}

func TestClaimJobsAssignsToWorker(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_claim", now)
	seedCampaignWithJobs(t, store, acc.ID, 3, now)

	claimed, err := store.ClaimJobs(context.Background(), "w1", "", 10, now)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	for _, cj := range claimed {
		if cj.Status != models.JobAssigned {
			t.Errorf("job %s status = %s, want assigned", cj.ID, cj.Status)
		}
		if cj.WorkerID != "w1" {
			t.Errorf("job %s worker = %q, want w1", cj.ID, cj.WorkerID)
		}
		if cj.ClaimedAt == nil {
			t.Errorf("job %s has no claimed_at", cj.ID)
		}
		if cj.AccountLabel != acc.Label {
			t.Errorf("job %s account label = %q, want %q", cj.ID, cj.AccountLabel, acc.Label)
		}
	}

	// Nothing left for a second claimant.
	again, err := store.ClaimJobs(context.Background(), "w2", "", 10, now)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim got %d jobs, want 0", len(again))
	}
}

func TestClaimJobsExclusive(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_race", now)
	acc.HourlyLimit = 0
	acc.DailyLimit = 0
	if err := store.UpdateAccount(context.Background(), acc); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	seedCampaignWithJobs(t, store, acc.ID, 20, now)

	const workers = 8
	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			claimed, err := store.ClaimJobs(context.Background(), worker, "", 5, now)
			if err != nil {
				t.Errorf("ClaimJobs(%s): %v", worker, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, cj := range claimed {
				if prev, ok := seen[cj.ID]; ok {
					t.Errorf("job %s claimed by both %s and %s", cj.ID, prev, worker)
				}
				seen[cj.ID] = worker
			}
		}("worker-" + string(rune('a'+i)))
	}
	wg.Wait()

	if len(seen) == 0 {
		t.Fatal("no jobs were claimed at all")
	}
	if len(seen) > 20 {
		t.Fatalf("claimed %d distinct jobs, only 20 exist", len(seen))
	}
}

func TestClaimJobsRespectsRateWindows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedAccount(t, store, "acc_limits", now)
	seedCampaignWithJobs(t, store, a.ID, 1, now)

	// Exhaust the daily window with a live reset deadline.
	for i := 0; i < 200; i++ {
		if err := store.RecordAccountSend(ctx, a.ID, now); err != nil {
			t.Fatalf("RecordAccountSend: %v", err)
		}
	}

	claimed, err := store.ClaimJobs(ctx, "w1", "", 10, now)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d jobs from an exhausted account, want 0", len(claimed))
	}

	// Past the reset deadline the same row is eligible again without
	// any write in between.
	later := now.Add(25 * time.Hour)
	claimed, err = store.ClaimJobs(ctx, "w1", "", 10, later)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs after window reset, want 1", len(claimed))
	}
}

func TestClaimJobsSkipsCooldownAndInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cold := seedAccount(t, store, "acc_cold", now)
	seedCampaignWithJobs(t, store, cold.ID, 1, now)
	if err := store.ApplyAccountCooldown(ctx, cold.ID, now.Add(time.Hour), "flood wait"); err != nil {
		t.Fatalf("ApplyAccountCooldown: %v", err)
	}

	dead := seedAccount(t, store, "acc_dead", now)
	seedCampaignWithJobs(t, store, dead.ID, 1, now)
	if err := store.DeactivateAccount(ctx, dead.ID); err != nil {
		t.Fatalf("DeactivateAccount: %v", err)
	}

	claimed, err := store.ClaimJobs(ctx, "w1", "", 10, now)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d jobs, want 0", len(claimed))
	}

	// Cooldown expiry brings the first account back.
	claimed, err = store.ClaimJobs(ctx, "w1", "", 10, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs after cooldown, want 1", len(claimed))
	}
	if claimed[0].AccountID != cold.ID {
		t.Fatalf("claimed job for %s, want %s", claimed[0].AccountID, cold.ID)
	}
}

func TestClaimJobsFilterByAccount(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	a := seedAccount(t, store, "acc_a", now)
	b := seedAccount(t, store, "acc_b", now)
	seedCampaignWithJobs(t, store, a.ID, 2, now)
	seedCampaignWithJobs(t, store, b.ID, 2, now)

	claimed, err := store.ClaimJobs(context.Background(), "w1", b.ID, 10, now)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	for _, cj := range claimed {
		if cj.AccountID != b.ID {
			t.Errorf("claimed job for account %s, want %s", cj.AccountID, b.ID)
		}
	}
}

func TestRecordAccountSendConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a := seedAccount(t, store, "acc_inc", now)

	const sends = 40
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.RecordAccountSend(ctx, a.ID, now); err != nil {
				t.Errorf("RecordAccountSend: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.HourlySent != sends {
		t.Errorf("hourly_sent = %d, want %d", got.HourlySent, sends)
	}
	if got.DailySent != sends {
		t.Errorf("daily_sent = %d, want %d", got.DailySent, sends)
	}
	if got.LastActiveAt == nil {
		t.Error("last_active_at not set")
	}
}

func TestRecordAccountSendLazyReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedAccount(t, store, "acc_reset", now)
	for i := 0; i < 10; i++ {
		if err := store.RecordAccountSend(ctx, a.ID, now); err != nil {
			t.Fatalf("RecordAccountSend: %v", err)
		}
	}

	// A send after the hourly deadline restarts that window at 1.
	later := now.Add(2 * time.Hour)
	if err := store.RecordAccountSend(ctx, a.ID, later); err != nil {
		t.Fatalf("RecordAccountSend: %v", err)
	}

	got, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.HourlySent != 1 {
		t.Errorf("hourly_sent = %d, want 1 after window restart", got.HourlySent)
	}
	if !got.HourlyResetAt.After(later) {
		t.Errorf("hourly_reset_at = %s, want after %s", got.HourlyResetAt, later)
	}
	if got.DailySent != 11 {
		t.Errorf("daily_sent = %d, want 11 (daily window still open)", got.DailySent)
	}
}

func TestJobTransitionGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_guard", now)
	jobs := seedCampaignWithJobs(t, store, acc.ID, 1, now)
	jobID := jobs[0].ID

	claimed, err := store.ClaimJobs(ctx, "w1", "", 10, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs: %v (%d claimed)", err, len(claimed))
	}

	// Wrong worker cannot move the job.
	if ok, err := store.MarkJobRunning(ctx, jobID, "w2", now); err != nil || ok {
		t.Fatalf("MarkJobRunning wrong worker: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompleteJob(ctx, jobID, "w2", now); err != nil || ok {
		t.Fatalf("CompleteJob wrong worker: ok=%v err=%v", ok, err)
	}

	if ok, err := store.MarkJobRunning(ctx, jobID, "w1", now); err != nil || !ok {
		t.Fatalf("MarkJobRunning: ok=%v err=%v", ok, err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", job.AttemptCount)
	}

	if ok, err := store.CompleteJob(ctx, jobID, "w1", now); err != nil || !ok {
		t.Fatalf("CompleteJob: ok=%v err=%v", ok, err)
	}

	// Terminal state is immutable, even for the owning worker.
	if ok, _ := store.MarkJobRunning(ctx, jobID, "w1", now); ok {
		t.Fatal("MarkJobRunning succeeded on a done job")
	}
	if ok, _ := store.RequeueJob(ctx, jobID, "w1", "late failure", 1, now); ok {
		t.Fatal("RequeueJob succeeded on a done job")
	}
	if ok, _ := store.FailJobPermanent(ctx, jobID, "w1", "late failure", 3, now); ok {
		t.Fatal("FailJobPermanent succeeded on a done job")
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.Status != models.JobDone {
		t.Fatalf("status = %s, want done", job.Status)
	}
}

func TestReleaseStaleJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_stale", now)
	seedCampaignWithJobs(t, store, acc.ID, 2, now)

	claimed, err := store.ClaimJobs(ctx, "w-dead", "", 10, now)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimJobs: %v (%d claimed)", err, len(claimed))
	}

	// Not stale yet.
	released, err := store.ReleaseStaleJobs(ctx, now.Add(-15*time.Minute), now)
	if err != nil {
		t.Fatalf("ReleaseStaleJobs: %v", err)
	}
	if released != 0 {
		t.Fatalf("released %d fresh claims, want 0", released)
	}

	later := now.Add(20 * time.Minute)
	released, err = store.ReleaseStaleJobs(ctx, later.Add(-15*time.Minute), later)
	if err != nil {
		t.Fatalf("ReleaseStaleJobs: %v", err)
	}
	if released != 2 {
		t.Fatalf("released %d claims, want 2", released)
	}

	job, _ := store.GetJob(ctx, claimed[0].ID)
	if job.Status != models.JobQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.WorkerID != "" {
		t.Fatalf("worker_id = %q, want empty", job.WorkerID)
	}
}

func TestRecomputeCampaignStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_cmp", now)
	jobs := seedCampaignWithJobs(t, store, acc.ID, 2, now)
	campaignID := jobs[0].CampaignID

	// One sent, one pending stays running.
	if err := store.MarkItemSent(ctx, jobs[0].ItemID, now); err != nil {
		t.Fatalf("MarkItemSent: %v", err)
	}
	status, err := store.RecomputeCampaignStatus(ctx, campaignID, now)
	if err != nil {
		t.Fatalf("RecomputeCampaignStatus: %v", err)
	}
	if status != models.CampaignRunning {
		t.Fatalf("status = %s, want running", status)
	}

	// One sent, one failed is a mixed outcome and still running.
	if err := store.MarkItemFailed(ctx, jobs[1].ItemID, "boom", now); err != nil {
		t.Fatalf("MarkItemFailed: %v", err)
	}
	status, err = store.RecomputeCampaignStatus(ctx, campaignID, now)
	if err != nil {
		t.Fatalf("RecomputeCampaignStatus: %v", err)
	}
	if status != models.CampaignRunning {
		t.Fatalf("mixed outcome status = %s, want running", status)
	}

	counts, err := store.CountCampaignItems(ctx, campaignID)
	if err != nil {
		t.Fatalf("CountCampaignItems: %v", err)
	}
	if counts.Total != 2 || counts.Sent != 1 || counts.Failed != 1 {
		t.Fatalf("counts = %+v, want total 2, sent 1, failed 1", counts)
	}
}

func TestRecomputeCampaignStatusAllSent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_done", now)
	jobs := seedCampaignWithJobs(t, store, acc.ID, 2, now)
	campaignID := jobs[0].CampaignID
	ownerID := func() string {
		owners, _ := store.ListOwners(ctx)
		return owners[0].ID
	}()

	for _, j := range jobs {
		if err := store.MarkItemSent(ctx, j.ItemID, now); err != nil {
			t.Fatalf("MarkItemSent: %v", err)
		}
	}
	status, err := store.RecomputeCampaignStatus(ctx, campaignID, now)
	if err != nil {
		t.Fatalf("RecomputeCampaignStatus: %v", err)
	}
	if status != models.CampaignDone {
		t.Fatalf("status = %s, want done", status)
	}

	c, err := store.GetCampaign(ctx, campaignID, ownerID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if c.Status != models.CampaignDone {
		t.Fatalf("stored status = %s, want done", c.Status)
	}
	if c.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestHeartbeatUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hb := &models.WorkerHeartbeat{
		WorkerID:        "w1",
		Hostname:        "host-a",
		Version:         "1.0.0",
		Status:          "online",
		ActiveAccounts:  []string{"acc_1"},
		Stats:           map[string]int64{"sent": 5},
		LastHeartbeatAt: now,
	}
	if err := store.UpsertHeartbeat(ctx, hb); err != nil {
		t.Fatalf("UpsertHeartbeat: %v", err)
	}

	hb.Hostname = "host-b"
	hb.Stats["sent"] = 9
	hb.LastHeartbeatAt = now.Add(time.Minute)
	if err := store.UpsertHeartbeat(ctx, hb); err != nil {
		t.Fatalf("UpsertHeartbeat again: %v", err)
	}

	beats, err := store.ListHeartbeats(ctx, "")
	if err != nil {
		t.Fatalf("ListHeartbeats: %v", err)
	}
	if len(beats) != 1 {
		t.Fatalf("got %d heartbeat rows, want 1", len(beats))
	}
	if beats[0].Hostname != "host-b" {
		t.Errorf("hostname = %q, want host-b", beats[0].Hostname)
	}
	if beats[0].Stats["sent"] != 9 {
		t.Errorf("stats.sent = %d, want 9", beats[0].Stats["sent"])
	}
}

func TestCreateCampaignRollsBackOnJobError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_atomic", now)

	owner := &models.Owner{ID: models.NewID("own"), TelegramID: "200", APIToken: models.NewAPIToken(), CreatedAt: now, UpdatedAt: now}
	if err := store.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}

	c := &models.Campaign{
		ID:         models.NewID("cmp"),
		OwnerID:    owner.ID,
		TemplateID: "tpl_x",
		Status:     models.CampaignRunning,
		CreatedAt:  now,
	}
	item := models.CampaignItem{
		ID:            models.NewID("itm"),
		CampaignID:    c.ID,
		DestinationID: models.NewID("dst"),
		Status:        models.ItemPending,
		CreatedAt:     now,
	}
	job := models.Job{
		ID:           models.NewID("job"),
		CampaignID:   c.ID,
		ItemID:       item.ID,
		AccountID:    acc.ID,
		ChatID:       1,
		Message:      "hi",
		Status:       models.JobQueued,
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// A duplicate job id fails the insert; the whole campaign must
	// roll back rather than persist with no runnable jobs.
	err := store.CreateCampaign(ctx, c, []models.CampaignItem{item}, []models.Job{job, job})
	if err == nil {
		t.Fatal("CreateCampaign with conflicting jobs succeeded")
	}

	got, err := store.GetCampaign(ctx, c.ID, owner.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got != nil {
		t.Fatalf("campaign %s persisted despite job insert failure", c.ID)
	}
	counts, err := store.CountCampaignItems(ctx, c.ID)
	if err != nil {
		t.Fatalf("CountCampaignItems: %v", err)
	}
	if counts.Total != 0 {
		t.Fatalf("found %d orphaned items, want 0", counts.Total)
	}
}

func TestGetDispatchStatsStaleWorker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := &models.WorkerHeartbeat{
		WorkerID:        "w-fresh",
		Hostname:        "host-a",
		Status:          "online",
		LastHeartbeatAt: now.Add(-time.Minute),
	}
	stale := &models.WorkerHeartbeat{
		WorkerID:        "w-stale",
		Hostname:        "host-b",
		Status:          "online",
		LastHeartbeatAt: now.Add(-time.Hour),
	}
	for _, hb := range []*models.WorkerHeartbeat{fresh, stale} {
		if err := store.UpsertHeartbeat(ctx, hb); err != nil {
			t.Fatalf("UpsertHeartbeat: %v", err)
		}
	}

	stats, err := store.GetDispatchStats(ctx, "", now)
	if err != nil {
		t.Fatalf("GetDispatchStats: %v", err)
	}
	if stats.OnlineWorkers != 1 {
		t.Errorf("online workers = %d, want 1", stats.OnlineWorkers)
	}
	for _, w := range stats.Workers {
		switch w.WorkerID {
		case "w-fresh":
			if w.Status != "online" {
				t.Errorf("fresh worker status = %q, want online", w.Status)
			}
		case "w-stale":
			if w.Status != "stale" {
				t.Errorf("hour-dead worker status = %q, want stale", w.Status)
			}
		}
	}
}

func TestGetDispatchStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acc := seedAccount(t, store, "acc_stats", now)
	jobs := seedCampaignWithJobs(t, store, acc.ID, 3, now)

	claimed, err := store.ClaimJobs(ctx, "w1", "", 1, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs: %v (%d claimed)", err, len(claimed))
	}
	if ok, _ := store.CompleteJob(ctx, claimed[0].ID, "w1", now); !ok {
		t.Fatal("CompleteJob failed")
	}
	_ = jobs

	stats, err := store.GetDispatchStats(ctx, "", now)
	if err != nil {
		t.Fatalf("GetDispatchStats: %v", err)
	}
	if stats.PendingJobs != 2 {
		t.Errorf("pending = %d, want 2", stats.PendingJobs)
	}
	if stats.CompletedToday != 1 {
		t.Errorf("completed today = %d, want 1", stats.CompletedToday)
	}
	if stats.ActiveAccounts != 1 {
		t.Errorf("active accounts = %d, want 1", stats.ActiveAccounts)
	}
}
