package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tgblast/tgblast/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			telegram_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			api_token TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			is_active INTEGER NOT NULL DEFAULT 1,
			hourly_sent INTEGER NOT NULL DEFAULT 0,
			hourly_limit INTEGER NOT NULL DEFAULT 50,
			hourly_reset_at DATETIME NOT NULL,
			daily_sent INTEGER NOT NULL DEFAULT 0,
			daily_limit INTEGER NOT NULL DEFAULT 200,
			daily_reset_at DATETIME NOT NULL,
			cooldown_until DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			last_active_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			chat_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'group',
			can_send INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES owners(id) ON DELETE CASCADE,
			template_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_items (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			destination_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			sent_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			item_id TEXT NOT NULL REFERENCES campaign_items(id) ON DELETE CASCADE,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			chat_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			scheduled_for DATETIME NOT NULL,
			claimed_at DATETIME,
			worker_id TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			sent_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'online',
			active_accounts TEXT NOT NULL DEFAULT '[]',
			stats TEXT NOT NULL DEFAULT '{}',
			last_heartbeat_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_owners_token ON owners(api_token)`,
		`CREATE INDEX IF NOT EXISTS idx_templates_owner ON templates(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_destinations_owner ON destinations(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_owner ON campaigns(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_campaign ON campaign_items(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queued ON jobs(status, scheduled_for) WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_assigned ON jobs(status, claimed_at) WHERE status = 'assigned'`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// --- Owners ---

func (s *SQLiteStorage) CreateOwner(ctx context.Context, o *models.Owner) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, telegram_id, name, api_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.TelegramID, o.Name, o.APIToken, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetOwner(ctx context.Context, id string) (*models.Owner, error) {
	var o models.Owner
	err := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, name, api_token, created_at, updated_at FROM owners WHERE id = ?`, id,
	).Scan(&o.ID, &o.TelegramID, &o.Name, &o.APIToken, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &o, err
}

func (s *SQLiteStorage) GetOwnerByToken(ctx context.Context, token string) (*models.Owner, error) {
	var o models.Owner
	err := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, name, api_token, created_at, updated_at FROM owners WHERE api_token = ?`, token,
	).Scan(&o.ID, &o.TelegramID, &o.Name, &o.APIToken, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &o, err
}

func (s *SQLiteStorage) ListOwners(ctx context.Context) ([]models.Owner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, telegram_id, name, api_token, created_at, updated_at FROM owners ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []models.Owner
	for rows.Next() {
		var o models.Owner
		if err := rows.Scan(&o.ID, &o.TelegramID, &o.Name, &o.APIToken, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// --- Accounts ---

const accountColumns = `id, label, session_key, status, is_active, hourly_sent, hourly_limit, hourly_reset_at,
	daily_sent, daily_limit, daily_reset_at, cooldown_until, last_error, last_active_at, created_at, updated_at`

func (s *SQLiteStorage) scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	var a models.Account
	var active int
	err := row.Scan(&a.ID, &a.Label, &a.SessionKey, &a.Status, &active,
		&a.HourlySent, &a.HourlyLimit, &a.HourlyResetAt,
		&a.DailySent, &a.DailyLimit, &a.DailyResetAt,
		&a.CooldownUntil, &a.LastError, &a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.IsActive = active == 1
	return &a, nil
}

func (s *SQLiteStorage) CreateAccount(ctx context.Context, a *models.Account) error {
	active := 0
	if a.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Label, a.SessionKey, a.Status, active,
		a.HourlySent, a.HourlyLimit, a.HourlyResetAt,
		a.DailySent, a.DailyLimit, a.DailyResetAt,
		a.CooldownUntil, a.LastError, a.LastActiveAt, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := s.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStorage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// eligibleAccountWhere is the SQL mirror of ledger.Eligible. Counters
// past their reset deadline read as zero, so exhausted windows come
// back without a writer touching the row.
const eligibleAccountWhere = `is_active = 1
	AND status NOT IN ('error', 'inactive')
	AND (cooldown_until IS NULL OR cooldown_until <= ?)
	AND (hourly_limit <= 0 OR (CASE WHEN hourly_reset_at <= ? THEN 0 ELSE hourly_sent END) < hourly_limit)
	AND (daily_limit <= 0 OR (CASE WHEN daily_reset_at <= ? THEN 0 ELSE daily_sent END) < daily_limit)`

func (s *SQLiteStorage) ListEligibleAccounts(ctx context.Context, now time.Time) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+eligibleAccountWhere+` ORDER BY created_at ASC`,
		now, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStorage) UpdateAccount(ctx context.Context, a *models.Account) error {
	active := 0
	if a.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET label = ?, session_key = ?, status = ?, is_active = ?,
			hourly_limit = ?, daily_limit = ?, updated_at = ? WHERE id = ?`,
		a.Label, a.SessionKey, a.Status, active, a.HourlyLimit, a.DailyLimit, time.Now().UTC(), a.ID,
	)
	return err
}

func (s *SQLiteStorage) DeactivateAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0, status = 'inactive', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStorage) ApplyAccountCooldown(ctx context.Context, id string, until time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = 'cooldown', cooldown_until = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		until, reason, time.Now().UTC(), id,
	)
	return err
}

// RecordAccountSend bumps both rate windows in a single statement so
// concurrent reporters never lose an increment. A window whose reset
// deadline has passed restarts at 1 with a fresh deadline.
func (s *SQLiteStorage) RecordAccountSend(ctx context.Context, id string, now time.Time) error {
	nextHour := now.Add(time.Hour)
	nextDay := now.Add(24 * time.Hour)
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET
			hourly_sent = CASE WHEN hourly_reset_at <= ? THEN 1 ELSE hourly_sent + 1 END,
			hourly_reset_at = CASE WHEN hourly_reset_at <= ? THEN ? ELSE hourly_reset_at END,
			daily_sent = CASE WHEN daily_reset_at <= ? THEN 1 ELSE daily_sent + 1 END,
			daily_reset_at = CASE WHEN daily_reset_at <= ? THEN ? ELSE daily_reset_at END,
			last_active_at = ?,
			updated_at = ?
		WHERE id = ?`,
		now, now, nextHour, now, now, nextDay, now, now, id,
	)
	return err
}

// --- Templates ---

func (s *SQLiteStorage) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, owner_id, name, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.Content, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetTemplate(ctx context.Context, id, ownerID string) (*models.Template, error) {
	var t models.Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, content, created_at, updated_at FROM templates WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	).Scan(&t.ID, &t.OwnerID, &t.Name, &t.Content, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

func (s *SQLiteStorage) ListTemplates(ctx context.Context, ownerID string) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, content, created_at, updated_at FROM templates WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Content, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStorage) UpdateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name = ?, content = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		t.Name, t.Content, time.Now().UTC(), t.ID, t.OwnerID,
	)
	return err
}

func (s *SQLiteStorage) DeleteTemplate(ctx context.Context, id, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ? AND owner_id = ?`, id, ownerID)
	return err
}

// --- Destinations ---

func (s *SQLiteStorage) CreateDestination(ctx context.Context, d *models.Destination) error {
	canSend := 0
	if d.CanSend {
		canSend = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations (id, owner_id, chat_id, title, kind, can_send, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.ChatID, d.Title, d.Kind, canSend, d.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanDestination(row interface{ Scan(...interface{}) error }) (*models.Destination, error) {
	var d models.Destination
	var canSend int
	err := row.Scan(&d.ID, &d.OwnerID, &d.ChatID, &d.Title, &d.Kind, &canSend, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.CanSend = canSend == 1
	return &d, nil
}

func (s *SQLiteStorage) GetDestination(ctx context.Context, id, ownerID string) (*models.Destination, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, chat_id, title, kind, can_send, created_at FROM destinations WHERE id = ? AND owner_id = ?`,
		id, ownerID)
	d, err := s.scanDestination(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) ListDestinations(ctx context.Context, ownerID string) ([]models.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, chat_id, title, kind, can_send, created_at FROM destinations WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var destinations []models.Destination
	for rows.Next() {
		d, err := s.scanDestination(rows)
		if err != nil {
			return nil, err
		}
		destinations = append(destinations, *d)
	}
	return destinations, rows.Err()
}

func (s *SQLiteStorage) DeleteDestination(ctx context.Context, id, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE id = ? AND owner_id = ?`, id, ownerID)
	return err
}

// --- Campaigns ---

// CreateCampaign writes the campaign, its items and its queued jobs in
// a single transaction. A failure on any row leaves nothing behind, so
// no campaign can exist without the jobs that would ever complete it.
func (s *SQLiteStorage) CreateCampaign(ctx context.Context, c *models.Campaign, items []models.CampaignItem, jobs []models.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO campaigns (id, owner_id, template_id, name, status, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.TemplateID, c.Name, c.Status, c.CreatedAt, c.CompletedAt,
	); err != nil {
		return err
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_items (id, campaign_id, destination_id, status, error, sent_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.CampaignID, item.DestinationID, item.Status, item.Error, item.SentAt, item.CreatedAt,
		); err != nil {
			return err
		}
	}

	for _, j := range jobs {
		var workerID interface{}
		if j.WorkerID != "" {
			workerID = j.WorkerID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.CampaignID, j.ItemID, j.AccountID, j.ChatID, j.Message,
			j.Status, j.AttemptCount, j.ScheduledFor, j.ClaimedAt, workerID,
			j.ErrorMessage, j.SentAt, j.CreatedAt, j.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) GetCampaign(ctx context.Context, id, ownerID string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, template_id, name, status, created_at, completed_at FROM campaigns WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.TemplateID, &c.Name, &c.Status, &c.CreatedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStorage) ListCampaigns(ctx context.Context, ownerID string, limit, offset int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, template_id, name, status, created_at, completed_at FROM campaigns
		 WHERE owner_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.TemplateID, &c.Name, &c.Status, &c.CreatedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *SQLiteStorage) ListCampaignItems(ctx context.Context, campaignID string) ([]models.CampaignItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, destination_id, status, error, sent_at, created_at FROM campaign_items
		 WHERE campaign_id = ? ORDER BY created_at ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.CampaignItem
	for rows.Next() {
		var item models.CampaignItem
		if err := rows.Scan(&item.ID, &item.CampaignID, &item.DestinationID, &item.Status, &item.Error, &item.SentAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStorage) CountCampaignItems(ctx context.Context, campaignID string) (*ItemCounts, error) {
	var counts ItemCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'sent'), 0),
			COALESCE(SUM(status = 'failed'), 0)
		 FROM campaign_items WHERE campaign_id = ?`, campaignID,
	).Scan(&counts.Total, &counts.Pending, &counts.Sent, &counts.Failed)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}

func (s *SQLiteStorage) MarkItemSent(ctx context.Context, itemID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_items SET status = 'sent', error = '', sent_at = ? WHERE id = ? AND status = 'pending'`,
		sentAt, itemID,
	)
	return err
}

func (s *SQLiteStorage) MarkItemFailed(ctx context.Context, itemID, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_items SET status = 'failed', error = ?, sent_at = ? WHERE id = ? AND status = 'pending'`,
		errMsg, at, itemID,
	)
	return err
}

// RecomputeCampaignStatus derives the campaign status from its items:
// all sent means done, all failed means failed, anything else stays
// running. Terminal campaigns are never rewritten.
func (s *SQLiteStorage) RecomputeCampaignStatus(ctx context.Context, campaignID string, now time.Time) (models.CampaignStatus, error) {
	counts, err := s.CountCampaignItems(ctx, campaignID)
	if err != nil {
		return "", err
	}

	status := models.CampaignRunning
	switch {
	case counts.Total > 0 && counts.Sent == counts.Total:
		status = models.CampaignDone
	case counts.Total > 0 && counts.Failed == counts.Total:
		status = models.CampaignFailed
	}

	if status == models.CampaignRunning {
		return status, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
		status, now, campaignID,
	)
	return status, err
}

// --- Jobs ---

const jobColumns = `id, campaign_id, item_id, account_id, chat_id, message, status, attempt_count,
	scheduled_for, claimed_at, worker_id, error_message, sent_at, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var j models.Job
	var workerID sql.NullString
	err := row.Scan(&j.ID, &j.CampaignID, &j.ItemID, &j.AccountID, &j.ChatID, &j.Message,
		&j.Status, &j.AttemptCount, &j.ScheduledFor, &j.ClaimedAt, &workerID,
		&j.ErrorMessage, &j.SentAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.WorkerID = workerID.String
	return &j, nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// ClaimJobs hands out up to limit due jobs to one worker. Candidates
// are selected with their account's rate windows applied, then flipped
// to assigned with a conditional update. A job grabbed by a concurrent
// claimant fails the status guard and is silently dropped from the
// result, so no job ever goes to two workers.
func (s *SQLiteStorage) ClaimJobs(ctx context.Context, workerID, accountID string, limit int, now time.Time) ([]ClaimedJob, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT j.id FROM jobs j
		JOIN accounts a ON j.account_id = a.id
		WHERE j.status = 'queued' AND j.scheduled_for <= ?
		  AND a.is_active = 1
		  AND a.status NOT IN ('error', 'inactive')
		  AND (a.cooldown_until IS NULL OR a.cooldown_until <= ?)
		  AND (a.hourly_limit <= 0 OR (CASE WHEN a.hourly_reset_at <= ? THEN 0 ELSE a.hourly_sent END) < a.hourly_limit)
		  AND (a.daily_limit <= 0 OR (CASE WHEN a.daily_reset_at <= ? THEN 0 ELSE a.daily_sent END) < a.daily_limit)`
	args := []interface{}{now, now, now, now}
	if accountID != "" {
		query += ` AND j.account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY j.scheduled_for ASC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	updArgs := []interface{}{workerID, now, now}
	for _, id := range ids {
		updArgs = append(updArgs, id)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET status = 'assigned', worker_id = ?, claimed_at = ?, updated_at = ?
			WHERE status = 'queued' AND id IN (%s)`, placeholders(len(ids))),
		updArgs...,
	); err != nil {
		return nil, err
	}

	selArgs := []interface{}{now, now, workerID}
	for _, id := range ids {
		selArgs = append(selArgs, id)
	}
	sel := fmt.Sprintf(`SELECT j.id, j.campaign_id, j.item_id, j.account_id, j.chat_id, j.message, j.status, j.attempt_count,
			j.scheduled_for, j.claimed_at, j.worker_id, j.error_message, j.sent_at, j.created_at, j.updated_at,
			a.label, a.status, a.session_key,
			CASE WHEN a.hourly_reset_at <= ? THEN 0 ELSE a.hourly_sent END, a.hourly_limit,
			CASE WHEN a.daily_reset_at <= ? THEN 0 ELSE a.daily_sent END, a.daily_limit,
			a.cooldown_until,
			COALESCE(d.title, ''), COALESCE(c.name, '')
		FROM jobs j
		JOIN accounts a ON j.account_id = a.id
		LEFT JOIN campaign_items ci ON j.item_id = ci.id
		LEFT JOIN destinations d ON ci.destination_id = d.id
		LEFT JOIN campaigns c ON j.campaign_id = c.id
		WHERE j.worker_id = ? AND j.status = 'assigned' AND j.id IN (%s)
		ORDER BY j.scheduled_for ASC`, placeholders(len(ids)))

	claimRows, err := tx.QueryContext(ctx, sel, selArgs...)
	if err != nil {
		return nil, err
	}
	defer claimRows.Close()

	var claimed []ClaimedJob
	for claimRows.Next() {
		var cj ClaimedJob
		var workerNS sql.NullString
		if err := claimRows.Scan(&cj.ID, &cj.CampaignID, &cj.ItemID, &cj.AccountID, &cj.ChatID, &cj.Message,
			&cj.Status, &cj.AttemptCount, &cj.ScheduledFor, &cj.ClaimedAt, &workerNS,
			&cj.ErrorMessage, &cj.SentAt, &cj.CreatedAt, &cj.UpdatedAt,
			&cj.AccountLabel, &cj.AccountStatus, &cj.SessionKey,
			&cj.HourlySent, &cj.HourlyLimit, &cj.DailySent, &cj.DailyLimit,
			&cj.FloodWaitUntil, &cj.ChatTitle, &cj.CampaignName); err != nil {
			return nil, err
		}
		cj.WorkerID = workerNS.String
		claimed = append(claimed, cj)
	}
	if err := claimRows.Err(); err != nil {
		return nil, err
	}

	return claimed, tx.Commit()
}

// MarkJobRunning records that the claiming worker started an attempt.
// The worker guard makes duplicate or stale reports a no-op.
func (s *SQLiteStorage) MarkJobRunning(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'assigned'`,
		now, id, workerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) CompleteJob(ctx context.Context, id, workerID string, sentAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', error_message = '', sent_at = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status IN ('assigned', 'running')`,
		sentAt, sentAt, id, workerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) RequeueJob(ctx context.Context, id, workerID, errMsg string, attempts int, scheduledFor time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', worker_id = NULL, claimed_at = NULL,
			attempt_count = ?, error_message = ?, scheduled_for = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status IN ('assigned', 'running')`,
		attempts, errMsg, scheduledFor, time.Now().UTC(), id, workerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) FailJobPermanent(ctx context.Context, id, workerID, errMsg string, attempts int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed_permanent', attempt_count = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status IN ('assigned', 'running')`,
		attempts, errMsg, now, id, workerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseStaleJobs requeues assigned jobs whose claim is older than
// cutoff, covering workers that died between claim and report.
func (s *SQLiteStorage) ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', worker_id = NULL, claimed_at = NULL, updated_at = ?
		 WHERE status = 'assigned' AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		now, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Heartbeats ---

func (s *SQLiteStorage) UpsertHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	accounts, _ := json.Marshal(hb.ActiveAccounts)
	stats, _ := json.Marshal(hb.Stats)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_heartbeats (worker_id, hostname, version, status, active_accounts, stats, last_heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET
			hostname = excluded.hostname,
			version = excluded.version,
			status = excluded.status,
			active_accounts = excluded.active_accounts,
			stats = excluded.stats,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		hb.WorkerID, hb.Hostname, hb.Version, hb.Status, string(accounts), string(stats), hb.LastHeartbeatAt,
	)
	return err
}

func (s *SQLiteStorage) ListHeartbeats(ctx context.Context, workerID string) ([]models.WorkerHeartbeat, error) {
	query := `SELECT worker_id, hostname, version, status, active_accounts, stats, last_heartbeat_at FROM worker_heartbeats`
	var args []interface{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY last_heartbeat_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beats []models.WorkerHeartbeat
	for rows.Next() {
		var hb models.WorkerHeartbeat
		var accounts, stats string
		if err := rows.Scan(&hb.WorkerID, &hb.Hostname, &hb.Version, &hb.Status, &accounts, &stats, &hb.LastHeartbeatAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(accounts), &hb.ActiveAccounts)
		json.Unmarshal([]byte(stats), &hb.Stats)
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

// --- Stats ---

// heartbeatOnlineWindow is how long a worker stays online after its
// last heartbeat. Older rows are reported as stale.
const heartbeatOnlineWindow = 5 * time.Minute

func (s *SQLiteStorage) GetDispatchStats(ctx context.Context, workerID string, now time.Time) (*DispatchStats, error) {
	stats := &DispatchStats{}

	workers, err := s.ListHeartbeats(ctx, workerID)
	if err != nil {
		return nil, err
	}
	for i := range workers {
		if now.Sub(workers[i].LastHeartbeatAt) > heartbeatOnlineWindow {
			workers[i].Status = "stale"
		} else {
			stats.OnlineWorkers++
		}
	}
	stats.Workers = workers

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&stats.PendingJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status IN ('assigned', 'running')`).Scan(&stats.RunningJobs)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'done' AND updated_at >= ?`, dayStart).Scan(&stats.CompletedToday)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status LIKE 'failed%' AND updated_at >= ?`, dayStart).Scan(&stats.FailedToday)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE is_active = 1 AND status != 'error'`).Scan(&stats.ActiveAccounts)

	return stats, nil
}
