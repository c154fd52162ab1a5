package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
)

type calendarAdapter struct {
	mu     sync.Mutex
	events map[string][]provider.Event
	errs   map[string]error
	calls  []string
}

func (f *calendarAdapter) ListEvents(ctx context.Context, in *integration.Integration, calendarID string, start, end time.Time) ([]provider.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, calendarID)
	f.mu.Unlock()
	if err := f.errs[calendarID]; err != nil {
		return nil, err
	}
	return f.events[calendarID], nil
}

func (f *calendarAdapter) CreateEvent(ctx context.Context, in *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	panic("unexpected")
}
func (f *calendarAdapter) UpdateEvent(ctx context.Context, in *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	panic("unexpected")
}
func (f *calendarAdapter) DeleteEvent(ctx context.Context, in *integration.Integration, calendarID, eventID string) error {
	panic("unexpected")
}
func (f *calendarAdapter) DiscoverCalendars(ctx context.Context, in *integration.Integration) ([]provider.Calendar, error) {
	panic("unexpected")
}
func (f *calendarAdapter) RefreshToken(ctx context.Context, in *integration.Integration) (provider.Credentials, error) {
	panic("unexpected")
}
func (f *calendarAdapter) TestConnection(ctx context.Context, in *integration.Integration) (string, error) {
	panic("unexpected")
}

type passthroughTokens struct {
	err error
}

func (p passthroughTokens) EnsureValid(ctx context.Context, in *integration.Integration) (*integration.Integration, error) {
	if p.err != nil {
		return in, p.err
	}
	return in, nil
}

type recordingReporter struct {
	mu        sync.Mutex
	successes int
	failures  []error
}

func (r *recordingReporter) ReportSuccess(in *integration.Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recordingReporter) ReportFailure(in *integration.Integration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func testAggregator(adapter provider.Adapter, tokens TokenSource, reporter Reporter) *Aggregator {
	registry := provider.NewRegistry()
	registry.Register(integration.ProviderGoogle, adapter)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(registry, tokens, reporter, logger)
}

func selectedIntegration(ids ...string) *integration.Integration {
	in := &integration.Integration{
		ID:             1,
		Provider:       integration.ProviderGoogle,
		AccessToken:    "at",
		TokenExpiresAt: time.Now().Add(time.Hour),
		IsActive:       true,
	}
	for _, id := range ids {
		in.CalendarList = append(in.CalendarList, integration.CalendarDescriptor{ID: id, Selected: true})
	}
	return in
}

func ev(id string) provider.Event {
	return provider.Event{ID: id, Summary: "event " + id}
}

func TestFetchEventsPartialFailure(t *testing.T) {
	adapter := &calendarAdapter{
		events: map[string][]provider.Event{
			"a": {ev("a1"), ev("a2")},
			"c": {ev("c1")},
		},
		errs: map[string]error{
			"b": &provider.Error{Class: provider.ClassTransient, Message: "timeout"},
		},
	}
	reporter := &recordingReporter{}
	agg := testAggregator(adapter, passthroughTokens{}, reporter)

	result, err := agg.FetchEvents(context.Background(), selectedIntegration("a", "b", "c"), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("events = %d, want union of the two healthy calendars", len(result.Events))
	}
	if len(result.Failed) != 1 || result.Failed["b"] == nil {
		t.Errorf("Failed = %v", result.Failed)
	}
	if reporter.successes != 1 || len(reporter.failures) != 0 {
		t.Errorf("reporter: %d successes, %d failures", reporter.successes, len(reporter.failures))
	}
}

func TestFetchEventsDeduplicatesFirstSeen(t *testing.T) {
	adapter := &calendarAdapter{
		events: map[string][]provider.Event{
			"a": {{ID: "shared", Summary: "from a"}, ev("a1")},
			"b": {{ID: "shared", Summary: "from b"}},
		},
	}
	agg := testAggregator(adapter, passthroughTokens{}, &recordingReporter{})

	result, err := agg.FetchEvents(context.Background(), selectedIntegration("a", "b"), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("events = %d, want 2 after dedup", len(result.Events))
	}
	for _, got := range result.Events {
		if got.ID == "shared" && got.Summary != "from a" {
			t.Errorf("dedup kept %q, want the first calendar's copy", got.Summary)
		}
	}
}

func TestFetchEventsAllCalendarsFail(t *testing.T) {
	failure := &provider.Error{Class: provider.ClassTransient, Message: "down"}
	adapter := &calendarAdapter{
		errs: map[string]error{"a": failure, "b": failure},
	}
	reporter := &recordingReporter{}
	agg := testAggregator(adapter, passthroughTokens{}, reporter)

	result, err := agg.FetchEvents(context.Background(), selectedIntegration("a", "b"), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("total failure must degrade, not error: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("events = %d, want none", len(result.Events))
	}
	if !result.AllFailed(2) {
		t.Error("AllFailed(2) should be true")
	}
	if len(reporter.failures) != 1 {
		t.Errorf("failures reported = %d, want 1", len(reporter.failures))
	}
}

func TestFetchEventsTokenFailureAborts(t *testing.T) {
	tokenErr := &provider.Error{Class: provider.ClassPermanent, Message: "refresh token revoked"}
	adapter := &calendarAdapter{}
	reporter := &recordingReporter{}
	agg := testAggregator(adapter, passthroughTokens{err: tokenErr}, reporter)

	_, err := agg.FetchEvents(context.Background(), selectedIntegration("a"), time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, tokenErr) {
		t.Fatalf("err = %v, want the token failure", err)
	}
	if len(adapter.calls) != 0 {
		t.Error("no calendar may be fetched without a valid token")
	}
	if len(reporter.failures) != 1 {
		t.Error("token failure must be reported")
	}
}

func TestCalendarIDsFallsBackToDefault(t *testing.T) {
	in := &integration.Integration{
		Provider: integration.ProviderGoogle,
		CalendarList: []integration.CalendarDescriptor{
			{ID: "one", Primary: true},
			{ID: "two"},
		},
	}
	if got := CalendarIDs(in); len(got) != 1 || got[0] != "one" {
		t.Errorf("CalendarIDs = %v, want the primary fallback", got)
	}

	// Nothing discovered at all: the provider literal.
	bare := &integration.Integration{Provider: integration.ProviderGoogle}
	if got := CalendarIDs(bare); len(got) != 1 || got[0] != "primary" {
		t.Errorf("CalendarIDs = %v, want [primary]", got)
	}
}

func TestCalendarIDsPrefersSelected(t *testing.T) {
	in := selectedIntegration("x", "y")
	in.CalendarList = append(in.CalendarList, integration.CalendarDescriptor{ID: "unselected"})
	got := CalendarIDs(in)
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("CalendarIDs = %v", got)
	}
}
