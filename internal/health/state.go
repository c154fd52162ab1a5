// Package health tracks per-integration connection health and schedules
// re-checks with exponential backoff.
package health

import (
	"math/rand"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/provider"
)

// Status is the derived health of one integration.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrorClass says how the last recorded failure scored against health.
type ErrorClass string

const (
	ErrorClassNone      ErrorClass = ""
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassHard      ErrorClass = "hard"
)

// Transition classifies what a recorded outcome changed.
type Transition string

const (
	TransitionNone            Transition = "no_change"
	TransitionInitialFailure  Transition = "initial_failure"
	TransitionBecameUnhealthy Transition = "became_unhealthy"
	TransitionBecameDegraded  Transition = "became_degraded"
	TransitionBecameHealthy   Transition = "became_healthy"
)

const (
	// unhealthyThreshold consecutive failures mark the integration unhealthy.
	unhealthyThreshold = 3
	// healthyThreshold consecutive successes mark it healthy again.
	healthyThreshold = 2

	// MinBackoff and MaxBackoff clamp the re-check interval. Each failure
	// doubles the interval; a success resets it.
	MinBackoff = 5 * time.Minute
	MaxBackoff = 60 * time.Minute

	// backoffJitter spreads re-checks so integrations that failed together
	// do not retry in lockstep.
	backoffJitter = 30 * time.Second
)

// State is the tracked health of one integration.
type State struct {
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastError            string
	LastErrorClass       ErrorClass
	LastCheckedAt        time.Time
	NextCheckAt          time.Time

	backoff time.Duration
}

// deriveStatus applies the thresholds. Between the two thresholds the
// integration is degraded: something failed recently but it is too early to
// call it dead.
func deriveStatus(s *State) Status {
	switch {
	case s.ConsecutiveFailures >= unhealthyThreshold:
		return StatusUnhealthy
	case s.ConsecutiveSuccesses >= healthyThreshold:
		return StatusHealthy
	default:
		// Includes the fresh state: an untested integration has not earned
		// healthy yet.
		return StatusDegraded
	}
}

// Tracker holds health state for every known integration.
type Tracker struct {
	mu     sync.Mutex
	states map[int64]*State
	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[int64]*State),
		now:    time.Now,
		jitter: randomJitter,
	}
}

func randomJitter(spread time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(2*spread))) - spread
}

func (t *Tracker) state(id int64) *State {
	s, ok := t.states[id]
	if !ok {
		s = &State{Status: StatusDegraded, backoff: MinBackoff}
		t.states[id] = s
	}
	return s
}

// RecordSuccess notes a successful provider interaction and returns the
// transition it caused.
func (t *Tracker) RecordSuccess(id int64) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(id)
	before := s.Status

	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastErrorClass = ErrorClassNone
	s.LastCheckedAt = t.now()
	s.backoff = MinBackoff
	s.NextCheckAt = s.LastCheckedAt.Add(MinBackoff + t.jitter(backoffJitter))

	s.Status = deriveStatus(s)
	return classify(before, s.Status, false)
}

// RecordFailure notes a failed provider interaction. Transient and
// rate-limit failures are expected noise from flaky networks and quota
// windows: they update the error bookkeeping and reschedule the next check,
// but the failure count, the status, and the backoff only move for hard
// failures.
func (t *Tracker) RecordFailure(id int64, err error) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(id)

	if !provider.IsHard(err) {
		if err != nil {
			s.LastError = err.Error()
		}
		s.LastErrorClass = ErrorClassTransient
		s.LastCheckedAt = t.now()
		s.NextCheckAt = s.LastCheckedAt.Add(s.backoff + t.jitter(backoffJitter))
		return TransitionNone
	}

	before := s.Status
	firstEver := s.ConsecutiveFailures == 0 && s.ConsecutiveSuccesses == 0 && s.LastCheckedAt.IsZero()

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if err != nil {
		s.LastError = err.Error()
	}
	s.LastErrorClass = ErrorClassHard
	s.LastCheckedAt = t.now()
	s.NextCheckAt = s.LastCheckedAt.Add(s.backoff + t.jitter(backoffJitter))

	// Double for next time, clamped.
	s.backoff *= 2
	if s.backoff > MaxBackoff {
		s.backoff = MaxBackoff
	}

	s.Status = deriveStatus(s)
	return classify(before, s.Status, firstEver)
}

func classify(before, after Status, firstEver bool) Transition {
	if before == after {
		if firstEver {
			return TransitionInitialFailure
		}
		return TransitionNone
	}
	switch after {
	case StatusUnhealthy:
		return TransitionBecameUnhealthy
	case StatusDegraded:
		if firstEver {
			return TransitionInitialFailure
		}
		return TransitionBecameDegraded
	default:
		return TransitionBecameHealthy
	}
}

// StateOf returns a copy of the tracked state, and whether the integration
// is known at all.
func (t *Tracker) StateOf(id int64) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// DueForCheck reports whether the integration should be probed now. Unknown
// integrations are always due.
func (t *Tracker) DueForCheck(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		return true
	}
	return !t.now().Before(s.NextCheckAt)
}

// Forget drops tracked state, for deleted integrations.
func (t *Tracker) Forget(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
