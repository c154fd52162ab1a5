package health

import (
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
)

// fixedTracker removes jitter and pins the clock so schedules are exact.
func fixedTracker(now time.Time) (*Tracker, *time.Time) {
	clock := now
	t := NewTracker()
	t.now = func() time.Time { return clock }
	t.jitter = func(time.Duration) time.Duration { return 0 }
	return t, &clock
}

func hardErr(msg string) *provider.Error {
	return provider.Errf(integration.ProviderGoogle, "test_connection", provider.ClassPermanent, "%s", msg)
}

func transientErr(msg string) *provider.Error {
	return provider.Errf(integration.ProviderGoogle, "list_events", provider.ClassTransient, "%s", msg)
}

func TestStatusThresholds(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	authErr := hardErr("unauthorized: access token rejected")

	if tr.RecordFailure(1, authErr) != TransitionInitialFailure {
		t.Error("first failure should classify as initial_failure")
	}
	if s, _ := tr.StateOf(1); s.Status != StatusDegraded {
		t.Errorf("after 1 failure: %s, want degraded", s.Status)
	}

	if tr.RecordFailure(1, authErr) != TransitionNone {
		t.Error("second failure is no_change")
	}
	if got := tr.RecordFailure(1, authErr); got != TransitionBecameUnhealthy {
		t.Errorf("third failure: %s, want became_unhealthy", got)
	}
	if s, _ := tr.StateOf(1); s.Status != StatusUnhealthy || s.ConsecutiveFailures != 3 {
		t.Errorf("state = %+v", s)
	}

	// Recovery needs two consecutive successes.
	if got := tr.RecordSuccess(1); got != TransitionBecameDegraded {
		t.Errorf("first success: %s, want became_degraded", got)
	}
	if got := tr.RecordSuccess(1); got != TransitionBecameHealthy {
		t.Errorf("second success: %s, want became_healthy", got)
	}
	if s, _ := tr.StateOf(1); s.Status != StatusHealthy || s.ConsecutiveFailures != 0 {
		t.Errorf("state = %+v", s)
	}
}

func TestFreshStateIsDegraded(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordFailure(1, transientErr("connection refused"))

	// One transient blip on a never-verified integration leaves it degraded,
	// not healthy: healthy has to be earned by successful checks.
	s, _ := tr.StateOf(1)
	if s.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", s.Status)
	}

	tr.RecordSuccess(1)
	if s, _ := tr.StateOf(1); s.Status != StatusDegraded {
		t.Errorf("after one success: %s, want degraded", s.Status)
	}
	if got := tr.RecordSuccess(1); got != TransitionBecameHealthy {
		t.Errorf("second success: %s, want became_healthy", got)
	}
}

func TestTransientFailuresDoNotMoveStatus(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordSuccess(1)
	tr.RecordSuccess(1)

	netErr := transientErr("connection refused")
	for i := 0; i < 3; i++ {
		if got := tr.RecordFailure(1, netErr); got != TransitionNone {
			t.Fatalf("transient failure %d: transition %s, want no_change", i+1, got)
		}
	}

	s, _ := tr.StateOf(1)
	if s.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", s.Status)
	}
	if s.ConsecutiveFailures != 0 || s.ConsecutiveSuccesses != 2 {
		t.Errorf("streaks = %d/%d, want 0/2", s.ConsecutiveFailures, s.ConsecutiveSuccesses)
	}
	if s.LastErrorClass != ErrorClassTransient || s.LastError == "" {
		t.Errorf("last error = %q (%s)", s.LastError, s.LastErrorClass)
	}
}

func TestUntypedErrorsScoreTransient(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordFailure(1, errors.New("read tcp: i/o timeout"))

	s, _ := tr.StateOf(1)
	if s.ConsecutiveFailures != 0 || s.LastErrorClass != ErrorClassTransient {
		t.Errorf("state = %+v", s)
	}
}

func TestFailureResetsSuccessStreak(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordSuccess(1)
	tr.RecordSuccess(1)
	tr.RecordFailure(1, hardErr("insufficient permissions"))

	s, _ := tr.StateOf(1)
	if s.ConsecutiveSuccesses != 0 || s.ConsecutiveFailures != 1 {
		t.Errorf("state = %+v", s)
	}
	if s.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", s.Status)
	}
	if s.LastErrorClass != ErrorClassHard {
		t.Errorf("last error class = %s, want hard", s.LastErrorClass)
	}
}

func TestBackoffDoublesAndClamps(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := fixedTracker(now)
	authErr := hardErr("unauthorized")

	wantWaits := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		60 * time.Minute,
		60 * time.Minute, // clamped
	}
	for i, want := range wantWaits {
		tr.RecordFailure(1, authErr)
		s, _ := tr.StateOf(1)
		if got := s.NextCheckAt.Sub(*clock); got != want {
			t.Fatalf("failure %d: wait = %v, want %v", i+1, got, want)
		}
		*clock = s.NextCheckAt
	}

	// A success resets to the minimum interval.
	tr.RecordSuccess(1)
	s, _ := tr.StateOf(1)
	if got := s.NextCheckAt.Sub(*clock); got != MinBackoff {
		t.Errorf("after success: wait = %v, want %v", got, MinBackoff)
	}
}

func TestTransientFailureKeepsBackoff(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := fixedTracker(now)

	// Two hard failures push the interval to 10m with 20m queued next.
	tr.RecordFailure(1, hardErr("unauthorized"))
	tr.RecordFailure(1, hardErr("unauthorized"))

	s, _ := tr.StateOf(1)
	*clock = s.NextCheckAt

	// A transient failure reschedules at the current interval without
	// doubling it.
	tr.RecordFailure(1, transientErr("gateway timeout"))
	s, _ = tr.StateOf(1)
	if got := s.NextCheckAt.Sub(*clock); got != 20*time.Minute {
		t.Errorf("wait after transient = %v, want 20m", got)
	}
	if s.ConsecutiveFailures != 2 {
		t.Errorf("failures = %d, want 2", s.ConsecutiveFailures)
	}
}

func TestDueForCheck(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := fixedTracker(now)

	if !tr.DueForCheck(7) {
		t.Error("unknown integrations are always due")
	}

	tr.RecordSuccess(7)
	if tr.DueForCheck(7) {
		t.Error("just-checked integration is not due")
	}

	*clock = clock.Add(MinBackoff)
	if !tr.DueForCheck(7) {
		t.Error("integration is due once the interval elapsed")
	}
}

func TestLastErrorTracked(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordFailure(1, transientErr("tls handshake failed"))

	s, _ := tr.StateOf(1)
	if s.LastError == "" || s.LastErrorClass != ErrorClassTransient {
		t.Errorf("state = %+v", s)
	}

	tr.RecordSuccess(1)
	s, _ = tr.StateOf(1)
	if s.LastError != "" || s.LastErrorClass != ErrorClassNone {
		t.Error("success must clear the recorded error")
	}
}

func TestForget(t *testing.T) {
	tr, _ := fixedTracker(time.Now())
	tr.RecordSuccess(1)
	tr.Forget(1)
	if _, ok := tr.StateOf(1); ok {
		t.Error("forgotten integration still tracked")
	}
}
