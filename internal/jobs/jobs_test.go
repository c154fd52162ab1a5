package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/refreshlock"
)

type fakeLister struct {
	rows []integration.Integration
	err  error
}

func (f *fakeLister) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]integration.Integration, error) {
	return f.rows, f.err
}

type scriptedRefresher struct {
	errs  map[int64][]error
	calls map[int64]int
}

func newScriptedRefresher() *scriptedRefresher {
	return &scriptedRefresher{errs: make(map[int64][]error), calls: make(map[int64]int)}
}

func (f *scriptedRefresher) Refresh(ctx context.Context, in *integration.Integration) (*integration.Integration, error) {
	n := f.calls[in.ID]
	f.calls[in.ID] = n + 1
	script := f.errs[in.ID]
	if n < len(script) && script[n] != nil {
		return nil, script[n]
	}
	return in, nil
}

func testScheduler(lister ExpiringLister, tokens Refresher) *Scheduler {
	s := NewScheduler(lister, tokens, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func expiring(id int64) integration.Integration {
	return integration.Integration{
		ID:             id,
		Provider:       integration.ProviderGoogle,
		RefreshToken:   "rt",
		TokenExpiresAt: time.Now().Add(2 * time.Minute),
		IsActive:       true,
	}
}

func TestSweepRefreshesAllExpiring(t *testing.T) {
	lister := &fakeLister{rows: []integration.Integration{expiring(1), expiring(2)}}
	refresher := newScriptedRefresher()
	s := testScheduler(lister, refresher)

	s.RefreshExpiringTokens(context.Background())

	if refresher.calls[1] != 1 || refresher.calls[2] != 1 {
		t.Errorf("calls = %v", refresher.calls)
	}
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	transient := &provider.Error{Class: provider.ClassTransient, Message: "503"}
	lister := &fakeLister{rows: []integration.Integration{expiring(1)}}
	refresher := newScriptedRefresher()
	refresher.errs[1] = []error{transient, transient, nil}
	s := testScheduler(lister, refresher)

	s.RefreshExpiringTokens(context.Background())

	if refresher.calls[1] != 3 {
		t.Errorf("calls = %d, want 3 (two retries then success)", refresher.calls[1])
	}
}

func TestSweepDoesNotRetryHardFailures(t *testing.T) {
	permanent := &provider.Error{Class: provider.ClassPermanent, Message: "invalid_grant"}
	lister := &fakeLister{rows: []integration.Integration{expiring(1)}}
	refresher := newScriptedRefresher()
	refresher.errs[1] = []error{permanent, nil}
	s := testScheduler(lister, refresher)

	s.RefreshExpiringTokens(context.Background())

	if refresher.calls[1] != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", refresher.calls[1])
	}
}

func TestSweepTreatsInProgressAsDone(t *testing.T) {
	lister := &fakeLister{rows: []integration.Integration{expiring(1)}}
	refresher := newScriptedRefresher()
	refresher.errs[1] = []error{refreshlock.ErrRefreshInProgress}
	s := testScheduler(lister, refresher)

	s.RefreshExpiringTokens(context.Background())

	if refresher.calls[1] != 1 {
		t.Errorf("calls = %d, want 1", refresher.calls[1])
	}
}

func TestSweepListerFailureIsQuiet(t *testing.T) {
	lister := &fakeLister{err: errors.New("db gone")}
	refresher := newScriptedRefresher()
	s := testScheduler(lister, refresher)

	// Must not panic and must not call the refresher.
	s.RefreshExpiringTokens(context.Background())
	if len(refresher.calls) != 0 {
		t.Errorf("calls = %v", refresher.calls)
	}
}

func TestCustomBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 8 * time.Second},
		{3, 18 * time.Second},
		{4, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := CustomBackoff(tc.attempt); got != tc.want {
			t.Errorf("CustomBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
