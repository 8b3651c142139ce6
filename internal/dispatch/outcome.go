// Package dispatch applies worker outcome reports to jobs, accounts
// and campaigns, and recovers claims abandoned by dead workers.
package dispatch

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
	ErrJobNotFound = errors.New("job not found")
	ErrStaleReport = errors.New("report does not match current claim")
	ErrBadOutcome  = errors.New("unknown outcome")
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Minute
)

type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
)

// Report is one worker's statement about one job.
type Report struct {
	JobID    string
	WorkerID string
	Outcome  Outcome
	Error    string
	SentAt   time.Time
}

type Reporter struct {
	store        storage.Storage
	maxAttempts  int
	retryBackoff time.Duration
	log          zerolog.Logger
}

func NewReporter(store storage.Storage, maxAttempts int, retryBackoff time.Duration, log zerolog.Logger) *Reporter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if retryBackoff <= 0 {
		retryBackoff = DefaultRetryBackoff
	}
	return &Reporter{
		store:        store,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
		log:          log,
	}
}

// Apply validates a report against the job's current claim and applies
// the transition. Every write is guarded by the claiming worker and
// the expected status, so a report from a worker that lost its claim,
// or a duplicate of an already applied report, returns ErrStaleReport
// without touching anything.
func (r *Reporter) Apply(ctx context.Context, rep Report) (*models.Job, error) {
	job, err := r.store.GetJob(ctx, rep.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrStaleReport
	}

	now := time.Now().UTC()
	sentAt := rep.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	switch rep.Outcome {
	case OutcomeRunning:
		ok, err := r.store.MarkJobRunning(ctx, rep.JobID, rep.WorkerID, now)
		if err != nil {
			return nil, fmt.Errorf("mark running: %w", err)
		}
		if !ok {
			return nil, ErrStaleReport
		}

	case OutcomeDone:
		ok, err := r.store.CompleteJob(ctx, rep.JobID, rep.WorkerID, sentAt)
		if err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
		if !ok {
			return nil, ErrStaleReport
		}
		// The job is done either way; follow-up write failures still
		// surface to the caller so nothing under-counts silently.
		if err := r.store.RecordAccountSend(ctx, job.AccountID, now); err != nil {
			r.log.Error().Err(err).Str("account_id", job.AccountID).Msg("failed to record account send")
			return nil, fmt.Errorf("record account send: %w", err)
		}
		if err := r.store.MarkItemSent(ctx, job.ItemID, sentAt); err != nil {
			r.log.Error().Err(err).Str("item_id", job.ItemID).Msg("failed to mark item sent")
			return nil, fmt.Errorf("mark item sent: %w", err)
		}
		if _, err := r.store.RecomputeCampaignStatus(ctx, job.CampaignID, now); err != nil {
			r.log.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("failed to recompute campaign")
			return nil, fmt.Errorf("recompute campaign: %w", err)
		}
		metrics.JobsCompleted.Inc()
		r.log.Info().
			Str("job_id", job.ID).
			Str("worker_id", rep.WorkerID).
			Int("attempts", job.AttemptCount).
			Msg("job completed")

	case OutcomeFailed:
		// An attempt that was never reported running still counts.
		attempts := job.AttemptCount
		if job.Status == models.JobAssigned {
			attempts++
		}

		if attempts >= r.maxAttempts {
			ok, err := r.store.FailJobPermanent(ctx, rep.JobID, rep.WorkerID, rep.Error, attempts, now)
			if err != nil {
				return nil, fmt.Errorf("fail job: %w", err)
			}
			if !ok {
				return nil, ErrStaleReport
			}
			if err := r.store.MarkItemFailed(ctx, job.ItemID, rep.Error, now); err != nil {
				r.log.Error().Err(err).Str("item_id", job.ItemID).Msg("failed to mark item failed")
				return nil, fmt.Errorf("mark item failed: %w", err)
			}
			if _, err := r.store.RecomputeCampaignStatus(ctx, job.CampaignID, now); err != nil {
				r.log.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("failed to recompute campaign")
				return nil, fmt.Errorf("recompute campaign: %w", err)
			}
			metrics.JobsFailedPermanent.Inc()
			r.log.Warn().
				Str("job_id", job.ID).
				Int("attempts", attempts).
				Str("error", rep.Error).
				Msg("job permanently failed")
		} else {
			ok, err := r.store.RequeueJob(ctx, rep.JobID, rep.WorkerID, rep.Error, attempts, now.Add(r.retryBackoff))
			if err != nil {
				return nil, fmt.Errorf("requeue job: %w", err)
			}
			if !ok {
				return nil, ErrStaleReport
			}
			metrics.JobsRequeued.Inc()
			r.log.Info().
				Str("job_id", job.ID).
				Int("attempts", attempts).
				Time("next_attempt", now.Add(r.retryBackoff)).
				Msg("job requeued for retry")
		}

	default:
		return nil, ErrBadOutcome
	}

	return r.store.GetJob(ctx, rep.JobID)
}
