// Package agent is the built-in polling worker: it claims jobs from a
// tgblast API, sends them, and reports outcomes and heartbeats back.
package agent

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/config"
	"github.com/tgblast/tgblast/internal/storage"
)

type Agent struct {
	cfg      config.WorkerConfig
	client   *Client
	sender   Sender
	workerID string
	version  string
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64

	mu       sync.Mutex
	accounts map[string]struct{}
}

func New(cfg config.WorkerConfig, sender Sender, workerToken, version string, log zerolog.Logger) *Agent {
	workerID := cfg.ID
	if workerID == "" {
		workerID = "wrk-" + uuid.NewString()
	}
	return &Agent{
		cfg:      cfg,
		client:   NewClient(cfg.APIURL, workerToken, cfg.SendTimeout),
		sender:   sender,
		workerID: workerID,
		version:  version,
		log:      log.With().Str("worker_id", workerID).Logger(),
		stop:     make(chan struct{}),
		accounts: make(map[string]struct{}),
	}
}

func (a *Agent) WorkerID() string {
	return a.workerID
}

func (a *Agent) Start(ctx context.Context) {
	a.log.Info().
		Str("api_url", a.cfg.APIURL).
		Dur("poll_interval", a.cfg.PollInterval).
		Msg("starting worker agent")

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.pollLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()
}

func (a *Agent) Stop() {
	close(a.stop)
	a.wg.Wait()
	a.log.Info().Msg("worker agent stopped")
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := a.client.ClaimJobs(ctx, a.workerID, a.cfg.BatchSize)
			if err != nil {
				a.log.Error().Err(err).Msg("failed to claim jobs")
				continue
			}
			a.trackAccounts(jobs)
			for _, job := range jobs {
				a.process(ctx, job)
			}
		}
	}
}

func (a *Agent) process(ctx context.Context, job storage.ClaimedJob) {
	ok, err := a.client.ReportJob(ctx, job.ID, a.workerID, "running", "", nil)
	if err != nil {
		a.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to report running")
		return
	}
	if !ok {
		// Claim was reassigned while this job sat in our batch.
		a.log.Warn().Str("job_id", job.ID).Msg("claim no longer ours, skipping")
		return
	}

	sendErr := a.sender.Send(ctx, job)
	if sendErr == nil {
		now := time.Now().UTC()
		if _, err := a.client.ReportJob(ctx, job.ID, a.workerID, "done", "", &now); err != nil {
			a.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to report done")
			return
		}
		a.sent.Add(1)
		a.log.Info().Str("job_id", job.ID).Int64("chat_id", job.ChatID).Msg("message sent")
		return
	}

	var floodWait *FloodWaitError
	if errors.As(sendErr, &floodWait) {
		if err := a.client.ReportFloodWait(ctx, job.AccountID, sendErr.Error(), floodWait.Until); err != nil {
			a.log.Error().Err(err).Str("account_id", job.AccountID).Msg("failed to report flood wait")
		}
	}

	if _, err := a.client.ReportJob(ctx, job.ID, a.workerID, "failed", sendErr.Error(), nil); err != nil {
		a.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to report failure")
		return
	}
	a.failed.Add(1)
	a.log.Warn().Err(sendErr).Str("job_id", job.ID).Msg("send failed")
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	a.beat(ctx, hostname)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx, hostname)
		}
	}
}

// trackAccounts remembers every account the worker has handled jobs
// for, so heartbeats can report the accounts this process serves.
func (a *Agent) trackAccounts(jobs []storage.ClaimedJob) {
	if len(jobs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, job := range jobs {
		a.accounts[job.AccountID] = struct{}{}
	}
}

func (a *Agent) activeAccounts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.accounts))
	for id := range a.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Agent) beat(ctx context.Context, hostname string) {
	hb := heartbeatPayload{
		WorkerID:       a.workerID,
		Hostname:       hostname,
		Version:        a.version,
		ActiveAccounts: a.activeAccounts(),
		Stats: map[string]int64{
			"sent":   a.sent.Load(),
			"failed": a.failed.Load(),
		},
	}
	if err := a.client.Heartbeat(ctx, hb); err != nil {
		a.log.Error().Err(err).Msg("heartbeat failed")
	}
}
