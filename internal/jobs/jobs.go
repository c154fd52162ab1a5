// Package jobs schedules background maintenance: the token refresh sweep
// that keeps credentials fresh ahead of demand.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/refreshlock"
)

// RefreshWindow is how far ahead the sweep looks: tokens expiring within it
// get refreshed proactively so interactive fetches rarely pay the refresh
// round trip.
const RefreshWindow = 20 * time.Minute

// sweepSchedule runs the sweep well inside the refresh window.
const sweepSchedule = "@every 15m"

// maxRefreshAttempts bounds transient retries within one sweep pass.
const maxRefreshAttempts = 3

// ExpiringLister feeds the sweep.
type ExpiringLister interface {
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]integration.Integration, error)
}

// Refresher is the token service surface the sweep uses.
type Refresher interface {
	Refresh(ctx context.Context, in *integration.Integration) (*integration.Integration, error)
}

// Scheduler owns the cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	store   ExpiringLister
	tokens  Refresher
	logger  *slog.Logger
	timeout time.Duration

	sleep func(context.Context, time.Duration) error
}

func NewScheduler(store ExpiringLister, tokens Refresher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		tokens:  tokens,
		logger:  logger,
		timeout: 5 * time.Minute,
		sleep:   sleepCtx,
	}
}

// Start registers the sweep and begins running it. Jobs run on the cron
// goroutine; Stop waits for a running job to finish.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(sweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RefreshExpiringTokens(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RefreshExpiringTokens refreshes every active integration whose token
// expires inside the window. Transient failures retry with backoff inside
// the pass; hard failures are already recorded by the token service and are
// not retried.
func (s *Scheduler) RefreshExpiringTokens(ctx context.Context) {
	cutoff := time.Now().Add(RefreshWindow)
	expiring, err := s.store.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("refresh sweep: listing expiring integrations", "error", err)
		return
	}
	if len(expiring) == 0 {
		return
	}
	s.logger.Info("refresh sweep started", "expiring", len(expiring))

	var refreshed, failed int
	for i := range expiring {
		in := &expiring[i]
		if err := s.refreshWithRetry(ctx, in); err != nil {
			failed++
			continue
		}
		refreshed++
	}
	s.logger.Info("refresh sweep finished", "refreshed", refreshed, "failed", failed)
}

func (s *Scheduler) refreshWithRetry(ctx context.Context, in *integration.Integration) error {
	var lastErr error
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		_, err := s.tokens.Refresh(ctx, in)
		if err == nil {
			return nil
		}
		lastErr = err

		// Someone else is refreshing right now; their result is as good as
		// ours.
		if errors.Is(err, refreshlock.ErrRefreshInProgress) {
			return nil
		}
		if provider.IsHard(err) {
			return err
		}
		if attempt < maxRefreshAttempts {
			if err := s.sleep(ctx, CustomBackoff(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// CustomBackoff returns the wait before retry number attempt+1: 2s, 8s,
// 18s... quadratic growth capped at 30 seconds, gentle enough that a sweep
// pass stays within its timeout.
func CustomBackoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 2 * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
