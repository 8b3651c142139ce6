package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/metrics"
	"github.com/tgblast/tgblast/internal/storage"
)

// Sweeper periodically requeues assigned jobs whose claim has gone
// quiet for longer than the claim timeout. Workers that die between
// claiming and reporting would otherwise strand their jobs forever.
type Sweeper struct {
	store    storage.Storage
	timeout  time.Duration
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(store storage.Storage, timeout, interval time.Duration, log zerolog.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().Dur("claim_timeout", s.timeout).Msg("starting stale claim sweeper")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
					s.log.Error().Err(err).Msg("stale claim sweep failed")
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("stale claim sweeper stopped")
}

func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int64, error) {
	released, err := s.store.ReleaseStaleJobs(ctx, now.Add(-s.timeout), now)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		metrics.JobsReleased.Add(float64(released))
		s.log.Warn().Int64("released", released).Msg("requeued stale claims")
	}
	return released, nil
}
