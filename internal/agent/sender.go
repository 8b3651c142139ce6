package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tgblast/tgblast/internal/storage"
)

// Sender delivers one claimed job to its chat.
type Sender interface {
	Send(ctx context.Context, job storage.ClaimedJob) error
}

// FloodWaitError signals the platform asked the account to back off.
type FloodWaitError struct {
	Until time.Time
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait until %s", e.Until.Format(time.RFC3339))
}

// SimSender stands in for the real transport: it sleeps a little and
// fails a configurable fraction of sends. Useful for soak tests and
// deployments without live credentials.
type SimSender struct {
	failureRate float64
	mu          sync.Mutex
	rng         *rand.Rand
}

func NewSimSender(failureRate float64) *SimSender {
	return &SimSender{
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimSender) Send(ctx context.Context, job storage.ClaimedJob) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	if roll < s.failureRate {
		return fmt.Errorf("simulated send failure to chat %d", job.ChatID)
	}
	return nil
}
