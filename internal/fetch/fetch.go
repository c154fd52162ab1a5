// Package fetch aggregates busy events across every calendar an integration
// syncs. Calendars are fetched concurrently with a bounded fan-out; one slow
// or broken calendar degrades the result instead of failing it.
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
)

const (
	// DefaultConcurrency bounds simultaneous calendar fetches per call.
	DefaultConcurrency = 4

	// DefaultPerCalendarTimeout caps one calendar's fetch independent of the
	// caller's deadline.
	DefaultPerCalendarTimeout = 15 * time.Second
)

// TokenSource hands back an integration with a usable access token.
type TokenSource interface {
	EnsureValid(ctx context.Context, in *integration.Integration) (*integration.Integration, error)
}

// Reporter receives per-integration fetch outcomes. The health monitor
// implements it.
type Reporter interface {
	ReportSuccess(in *integration.Integration)
	ReportFailure(in *integration.Integration, err error)
}

// Result is the aggregate of one fetch across calendars.
type Result struct {
	Events []provider.Event

	// Failed maps calendar id to the error that calendar produced. Partial
	// results leave entries here while Events carries the rest.
	Failed map[string]error
}

// AllFailed reports whether not a single calendar produced events or an
// empty success.
func (r *Result) AllFailed(requested int) bool {
	return requested > 0 && len(r.Failed) == requested
}

// Aggregator fans fetches out over an integration's calendars.
type Aggregator struct {
	registry    *provider.Registry
	tokens      TokenSource
	reporter    Reporter
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration
}

type Option func(*Aggregator)

func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithPerCalendarTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func New(registry *provider.Registry, tokens TokenSource, reporter Reporter, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:    registry,
		tokens:      tokens,
		reporter:    reporter,
		logger:      logger,
		concurrency: DefaultConcurrency,
		timeout:     DefaultPerCalendarTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CalendarIDs resolves which calendars a fetch covers: the user-selected
// set when one exists, otherwise the default booking calendar.
func CalendarIDs(in *integration.Integration) []string {
	var ids []string
	for _, cal := range in.SelectedCalendars() {
		ids = append(ids, cal.ID)
	}
	if len(ids) > 0 {
		return ids
	}
	if id := integration.DefaultBookingCalendar(in); id != "" {
		return []string{id}
	}
	return nil
}

// FetchEvents gathers events from every synced calendar of the integration
// within [start, end). Duplicate event ids across calendars keep the first
// occurrence. Per-calendar failures land in Result.Failed; the error return
// is reserved for failures that invalidate the whole fetch, such as a dead
// refresh token.
func (a *Aggregator) FetchEvents(ctx context.Context, in *integration.Integration, start, end time.Time) (*Result, error) {
	adapter, err := a.registry.Adapter(in.Provider)
	if err != nil {
		return nil, err
	}

	valid, err := a.tokens.EnsureValid(ctx, in)
	if err != nil {
		a.reporter.ReportFailure(in, err)
		return nil, err
	}
	in = valid

	ids := CalendarIDs(in)
	result := &Result{Failed: make(map[string]error)}
	if len(ids) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	perCalendar := make(map[string][]provider.Event, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			began := time.Now()
			events, err := adapter.ListEvents(fctx, in, id, start, end)
			if err != nil {
				metrics.ObserveCalendarFetch(string(in.Provider), "failure", time.Since(began))
				a.logger.Warn("calendar fetch failed",
					"integration_id", in.ID, "provider", in.Provider,
					"calendar_id", id, "error", err)
				mu.Lock()
				result.Failed[id] = err
				mu.Unlock()
				// Partial tolerance: a failed calendar never cancels its
				// siblings.
				return nil
			}
			metrics.ObserveCalendarFetch(string(in.Provider), "success", time.Since(began))
			mu.Lock()
			perCalendar[id] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge in request order so the output is deterministic regardless of
	// which goroutine finished first. First occurrence of an id wins.
	seen := make(map[string]bool)
	for _, id := range ids {
		for _, ev := range perCalendar[id] {
			if ev.ID != "" && seen[ev.ID] {
				continue
			}
			if ev.ID != "" {
				seen[ev.ID] = true
			}
			result.Events = append(result.Events, ev)
		}
	}

	if result.AllFailed(len(ids)) {
		// Every calendar failed: report unhealthy but still hand back the
		// empty result so booking flows degrade to "no busy times" rather
		// than erroring out.
		a.reporter.ReportFailure(in, firstError(result.Failed))
		return result, nil
	}
	a.reporter.ReportSuccess(in)
	return result, nil
}

func firstError(failed map[string]error) error {
	for _, err := range failed {
		return err
	}
	return nil
}
