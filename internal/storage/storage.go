package storage

import (
	"context"
	"time"

	"github.com/tgblast/tgblast/internal/models"
)

// ClaimedJob is a job row denormalized with everything a worker needs
// to send without further lookups.
type ClaimedJob struct {
	models.Job
	AccountLabel   string               `json:"account_label"`
	AccountStatus  models.AccountStatus `json:"account_status"`
	SessionKey     string               `json:"session_key,omitempty"`
	HourlySent     int                  `json:"hourly_sent"`
	HourlyLimit    int                  `json:"hourly_limit"`
	DailySent      int                  `json:"daily_sent"`
	DailyLimit     int                  `json:"daily_limit"`
	FloodWaitUntil *time.Time           `json:"flood_wait_until,omitempty"`
	ChatTitle      string               `json:"chat_title"`
	CampaignName   string               `json:"campaign_name"`
}

type ItemCounts struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

type DispatchStats struct {
	Workers        []models.WorkerHeartbeat `json:"workers"`
	OnlineWorkers  int64                    `json:"online_workers"`
	PendingJobs    int64                    `json:"pending_jobs"`
	RunningJobs    int64                    `json:"running_jobs"`
	CompletedToday int64                    `json:"completed_today"`
	FailedToday    int64                    `json:"failed_today"`
	ActiveAccounts int64                    `json:"active_accounts"`
}

type Storage interface {
	// Owners
	CreateOwner(ctx context.Context, o *models.Owner) error
	GetOwner(ctx context.Context, id string) (*models.Owner, error)
	GetOwnerByToken(ctx context.Context, token string) (*models.Owner, error)
	ListOwners(ctx context.Context) ([]models.Owner, error)

	// Accounts
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListEligibleAccounts(ctx context.Context, now time.Time) ([]models.Account, error)
	UpdateAccount(ctx context.Context, a *models.Account) error
	DeactivateAccount(ctx context.Context, id string) error
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, lastError string) error
	ApplyAccountCooldown(ctx context.Context, id string, until time.Time, reason string) error
	RecordAccountSend(ctx context.Context, id string, now time.Time) error

	// Templates
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id, ownerID string) (*models.Template, error)
	ListTemplates(ctx context.Context, ownerID string) ([]models.Template, error)
	UpdateTemplate(ctx context.Context, t *models.Template) error
	DeleteTemplate(ctx context.Context, id, ownerID string) error

	// Destinations
	CreateDestination(ctx context.Context, d *models.Destination) error
	GetDestination(ctx context.Context, id, ownerID string) (*models.Destination, error)
	ListDestinations(ctx context.Context, ownerID string) ([]models.Destination, error)
	DeleteDestination(ctx context.Context, id, ownerID string) error

	// Campaigns
	CreateCampaign(ctx context.Context, c *models.Campaign, items []models.CampaignItem, jobs []models.Job) error
	GetCampaign(ctx context.Context, id, ownerID string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID string, limit, offset int) ([]models.Campaign, error)
	ListCampaignItems(ctx context.Context, campaignID string) ([]models.CampaignItem, error)
	CountCampaignItems(ctx context.Context, campaignID string) (*ItemCounts, error)
	MarkItemSent(ctx context.Context, itemID string, sentAt time.Time) error
	MarkItemFailed(ctx context.Context, itemID, errMsg string, at time.Time) error
	RecomputeCampaignStatus(ctx context.Context, campaignID string, now time.Time) (models.CampaignStatus, error)

	// Jobs
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ClaimJobs(ctx context.Context, workerID, accountID string, limit int, now time.Time) ([]ClaimedJob, error)
	MarkJobRunning(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id, workerID string, sentAt time.Time) (bool, error)
	RequeueJob(ctx context.Context, id, workerID, errMsg string, attempts int, scheduledFor time.Time) (bool, error)
	FailJobPermanent(ctx context.Context, id, workerID, errMsg string, attempts int, now time.Time) (bool, error)
	ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error)

	// Heartbeats
	UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error
	ListHeartbeats(ctx context.Context, workerID string) ([]models.WorkerHeartbeat, error)

	// Stats
	GetDispatchStats(ctx context.Context, workerID string, now time.Time) (*DispatchStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
