package models

import "time"

type CampaignStatus string

const (
	CampaignRunning CampaignStatus = "running"
	CampaignDone    CampaignStatus = "done"
	CampaignFailed  CampaignStatus = "failed"
)

func (s CampaignStatus) Terminal() bool {
	return s == CampaignDone || s == CampaignFailed
}

type Campaign struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	TemplateID  string         `json:"template_id"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSent    ItemStatus = "sent"
	ItemFailed  ItemStatus = "failed"
)

// CampaignItem tracks delivery to a single destination within a campaign.
type CampaignItem struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaign_id"`
	DestinationID string     `json:"destination_id"`
	Status        ItemStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
