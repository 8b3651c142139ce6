// Package campaign turns a submission into a campaign with one item
// and one queued job per destination. Delivery happens later, when
// workers claim the jobs; submission only enqueues.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/metrics"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoDestinations   = errors.New("no sendable destinations selected")
	ErrNoAccounts       = errors.New("no eligible accounts available")
)

type SubmitRequest struct {
	TemplateID     string            `json:"template_id"`
	DestinationIDs []string          `json:"destination_ids"`
	Variables      map[string]string `json:"variables"`
	Name           string            `json:"name"`
}

// EnqueueResult is the per-destination outcome of a submission. A
// destination is either queued behind a job or skipped with a reason;
// nothing has been delivered yet either way.
type EnqueueResult struct {
	DestinationID string `json:"destination_id"`
	Status        string `json:"status"`
	JobID         string `json:"job_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type Orchestrator struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewOrchestrator(store storage.Storage, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, log: log}
}

// Submit renders the template once, creates the campaign with its
// items, and enqueues one job per sendable destination. Jobs are
// spread round-robin over the accounts eligible at submission time.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*models.Campaign, []EnqueueResult, error) {
	tpl, err := o.store.GetTemplate(ctx, req.TemplateID, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load template: %w", err)
	}
	if tpl == nil {
		return nil, nil, ErrTemplateNotFound
	}

	now := time.Now().UTC()

	results := make([]EnqueueResult, 0, len(req.DestinationIDs))
	var sendable []models.Destination
	for _, id := range req.DestinationIDs {
		dest, err := o.store.GetDestination(ctx, id, ownerID)
		if err != nil {
			return nil, nil, fmt.Errorf("load destination: %w", err)
		}
		if dest == nil {
			results = append(results, EnqueueResult{DestinationID: id, Status: "skipped", Reason: "destination not found"})
			continue
		}
		if !dest.CanSend {
			results = append(results, EnqueueResult{DestinationID: id, Status: "skipped", Reason: "bot cannot send to destination"})
			continue
		}
		sendable = append(sendable, *dest)
	}
	if len(sendable) == 0 {
		return nil, nil, ErrNoDestinations
	}

	accounts, err := o.store.ListEligibleAccounts(ctx, now)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil, ErrNoAccounts
	}

	message := Render(tpl.Content, req.Variables)

	name := req.Name
	if name == "" {
		name = tpl.Name
	}
	c := &models.Campaign{
		ID:         models.NewID("cmp"),
		OwnerID:    ownerID,
		TemplateID: tpl.ID,
		Name:       name,
		Status:     models.CampaignRunning,
		CreatedAt:  now,
	}

	items := make([]models.CampaignItem, 0, len(sendable))
	jobs := make([]models.Job, 0, len(sendable))
	for i, dest := range sendable {
		item := models.CampaignItem{
			ID:            models.NewID("itm"),
			CampaignID:    c.ID,
			DestinationID: dest.ID,
			Status:        models.ItemPending,
			CreatedAt:     now,
		}
		items = append(items, item)

		job := models.Job{
			ID:           models.NewID("job"),
			CampaignID:   c.ID,
			ItemID:       item.ID,
			AccountID:    accounts[i%len(accounts)].ID,
			ChatID:       dest.ChatID,
			Message:      message,
			Status:       models.JobQueued,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		jobs = append(jobs, job)
		results = append(results, EnqueueResult{DestinationID: dest.ID, Status: "queued", JobID: job.ID})
	}

	if err := o.store.CreateCampaign(ctx, c, items, jobs); err != nil {
		return nil, nil, fmt.Errorf("create campaign: %w", err)
	}

	metrics.JobsEnqueued.Add(float64(len(jobs)))
	o.log.Info().
		Str("campaign_id", c.ID).
		Str("owner_id", ownerID).
		Int("queued", len(jobs)).
		Int("skipped", len(results)-len(jobs)).
		Msg("campaign submitted")

	return c, results, nil
}
