package models

import "time"

type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobAssigned        JobStatus = "assigned"
	JobRunning         JobStatus = "running"
	JobDone            JobStatus = "done"
	JobFailed          JobStatus = "failed"
	JobFailedPermanent JobStatus = "failed_permanent"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailedPermanent
}

// Job is one message to one destination. The message text is rendered
// once at enqueue time so workers never see the template.
type Job struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	ItemID       string     `json:"item_id"`
	AccountID    string     `json:"account_id"`
	ChatID       int64      `json:"chat_id"`
	Message      string     `json:"message"`
	Status       JobStatus  `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
