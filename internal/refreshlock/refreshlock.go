// Package refreshlock coordinates token refreshes so that concurrent callers
// for the same integration do not race each other against the provider's
// token endpoint. Locks live in process memory; one syncd instance owns all
// refresh traffic for its database.
package refreshlock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
)

// ErrRefreshInProgress reports that another goroutine currently holds the
// refresh lock for the same integration. Callers treat this as "someone else
// is already doing the work" and re-read the integration instead of failing.
var ErrRefreshInProgress = errors.New("refreshlock: refresh already in progress")

// AbandonTimeout is how long a lock may be held before another caller is
// allowed to reclaim it. A refresh that takes this long has died without
// releasing (crashed goroutine, hung connection past every HTTP timeout).
const AbandonTimeout = 90 * time.Second

type key struct {
	provider      integration.Provider
	integrationID int64
}

// Handle identifies one successful acquisition. Release demands it back so
// that a holder whose lock was reclaimed after AbandonTimeout cannot free
// the lock out from under the reclaimer.
type Handle uint64

type entry struct {
	holder     Handle
	acquiredAt time.Time
}

// Coordinator hands out per-integration refresh locks.
type Coordinator struct {
	mu         sync.Mutex
	locks      map[key]entry
	nextHolder Handle
	logger     *slog.Logger
	now        func() time.Time
}

func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locks:  make(map[key]entry),
		logger: logger,
		now:    time.Now,
	}
}

// Acquire takes the lock for (provider, integrationID) and returns the handle
// that releases it. It returns ErrRefreshInProgress when the lock is held and
// not yet abandoned. An abandoned lock is reclaimed in place, under a fresh
// handle, and the reclaim is logged.
func (c *Coordinator) Acquire(p integration.Provider, integrationID int64) (Handle, error) {
	k := key{provider: p, integrationID: integrationID}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.locks[k]; ok {
		age := now.Sub(held.acquiredAt)
		if age < AbandonTimeout {
			return 0, fmt.Errorf("%w: integration %d held for %s", ErrRefreshInProgress, integrationID, age.Round(time.Millisecond))
		}
		c.logger.Warn("reclaiming abandoned refresh lock",
			"provider", p, "integration_id", integrationID,
			"abandoned_holder", held.holder, "held_for", age)
	}

	c.nextHolder++
	c.locks[k] = entry{holder: c.nextHolder, acquiredAt: now}
	return c.nextHolder, nil
}

// Release drops the lock if h still holds it. When the handle does not match
// the current entry the holder lost the lock to an abandonment reclaim and
// the release is a no-op; the reclaimer keeps its lock.
func (c *Coordinator) Release(p integration.Provider, integrationID int64, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{provider: p, integrationID: integrationID}
	if held, ok := c.locks[k]; ok && held.holder == h {
		delete(c.locks, k)
	}
}

// WithLock runs fn while holding the refresh lock. The lock is released on
// every exit path, including a panic in fn, so a crashing refresh cannot
// leave the integration locked until the abandonment timeout.
func (c *Coordinator) WithLock(p integration.Provider, integrationID int64, fn func() error) (err error) {
	h, acquireErr := c.Acquire(p, integrationID)
	if acquireErr != nil {
		return acquireErr
	}
	defer func() {
		c.Release(p, integrationID, h)
		if r := recover(); r != nil {
			c.logger.Error("refresh panicked while holding lock",
				"provider", p, "integration_id", integrationID, "panic", r)
			err = fmt.Errorf("refreshlock: refresh panicked: %v", r)
		}
	}()
	return fn()
}

// Held reports whether the lock for (provider, integrationID) is currently
// taken, abandoned or not.
func (c *Coordinator) Held(p integration.Provider, integrationID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locks[key{provider: p, integrationID: integrationID}]
	return ok
}

// seed installs a lock with an explicit acquisition time. Tests use it to
// construct abandoned locks without sleeping.
func (c *Coordinator) seed(p integration.Provider, integrationID int64, acquiredAt time.Time) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHolder++
	c.locks[key{provider: p, integrationID: integrationID}] = entry{holder: c.nextHolder, acquiredAt: acquiredAt}
	return c.nextHolder
}
