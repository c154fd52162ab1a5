package token

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
	"gitea.jw6.us/james/calsync/internal/refreshlock"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]*integration.Integration

	updateErr    error
	updateCalls  int
	syncErrors   map[int64]string
	deactivated  map[int64]bool
	getCallCount int
}

func newFakeStore(rows ...*integration.Integration) *fakeStore {
	s := &fakeStore{
		rows:        make(map[int64]*integration.Integration),
		syncErrors:  make(map[int64]string),
		deactivated: make(map[int64]bool),
	}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*integration.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCallCount++
	row, ok := s.rows[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStore) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updateErr != nil {
		return s.updateErr
	}
	row := s.rows[id]
	row.AccessToken = accessToken
	row.RefreshToken = refreshToken
	row.TokenExpiresAt = expiresAt
	row.SyncError = ""
	return nil
}

func (s *fakeStore) SetSyncError(ctx context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors[id] = message
	return nil
}

func (s *fakeStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated[id] = !active
	return nil
}

// fakeAdapter only implements RefreshToken meaningfully; the service never
// touches the event methods.
type fakeAdapter struct {
	creds provider.Credentials
	err   error
	calls int
}

func (f *fakeAdapter) RefreshToken(ctx context.Context, in *integration.Integration) (provider.Credentials, error) {
	f.calls++
	if f.err != nil {
		return provider.Credentials{}, f.err
	}
	return f.creds, nil
}

func (f *fakeAdapter) ListEvents(ctx context.Context, in *integration.Integration, calendarID string, start, end time.Time) ([]provider.Event, error) {
	panic("unexpected ListEvents")
}
func (f *fakeAdapter) CreateEvent(ctx context.Context, in *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	panic("unexpected CreateEvent")
}
func (f *fakeAdapter) UpdateEvent(ctx context.Context, in *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	panic("unexpected UpdateEvent")
}
func (f *fakeAdapter) DeleteEvent(ctx context.Context, in *integration.Integration, calendarID, eventID string) error {
	panic("unexpected DeleteEvent")
}
func (f *fakeAdapter) DiscoverCalendars(ctx context.Context, in *integration.Integration) ([]provider.Calendar, error) {
	panic("unexpected DiscoverCalendars")
}
func (f *fakeAdapter) TestConnection(ctx context.Context, in *integration.Integration) (string, error) {
	panic("unexpected TestConnection")
}

func testService(store Store, adapter provider.Adapter) (*Service, *refreshlock.Coordinator) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := provider.NewRegistry()
	registry.Register(integration.ProviderGoogle, adapter)
	locks := refreshlock.New(logger)
	return NewService(store, registry, locks, logger), locks
}

func expiringIntegration() *integration.Integration {
	return &integration.Integration{
		ID:             1,
		UserID:         10,
		Provider:       integration.ProviderGoogle,
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		TokenExpiresAt: time.Now().Add(time.Minute),
		IsActive:       true,
	}
}

func TestEnsureValidSkipsFreshToken(t *testing.T) {
	in := expiringIntegration()
	in.TokenExpiresAt = time.Now().Add(time.Hour)

	adapter := &fakeAdapter{}
	svc, _ := testService(newFakeStore(in), adapter)

	got, err := svc.EnsureValid(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got != in {
		t.Error("fresh integration should be returned unchanged")
	}
	if adapter.calls != 0 {
		t.Errorf("adapter called %d times, want 0", adapter.calls)
	}
}

func TestEnsureValidNeverRefreshesCalDAV(t *testing.T) {
	in := &integration.Integration{
		ID:       2,
		Provider: integration.ProviderNextcloud,
		BaseURL:  "https://cloud.example.com",
		// A stale expiry left over from a provider switch must not trigger
		// refresh attempts against basic-auth credentials.
		TokenExpiresAt: time.Now().Add(-time.Hour),
	}
	adapter := &fakeAdapter{}
	svc, _ := testService(newFakeStore(in), adapter)

	got, err := svc.EnsureValid(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got != in || adapter.calls != 0 {
		t.Error("CalDAV integrations must pass through untouched")
	}
}

func TestRefreshPersistsAndKeepsUnrotatedRefreshToken(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	adapter := &fakeAdapter{creds: provider.Credentials{
		AccessToken: "new-access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	svc, _ := testService(store, adapter)

	got, err := svc.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if got.RefreshToken != "old-refresh" {
		t.Errorf("refresh token = %q, want the old one kept", got.RefreshToken)
	}
	if store.rows[1].AccessToken != "new-access" {
		t.Error("new tokens not persisted")
	}
	if got.SyncError != "" {
		t.Error("successful refresh should clear sync error")
	}
}

func TestRefreshAdoptsRotatedRefreshToken(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	adapter := &fakeAdapter{creds: provider.Credentials{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	svc, _ := testService(store, adapter)

	got, err := svc.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.RefreshToken != "new-refresh" || store.rows[1].RefreshToken != "new-refresh" {
		t.Error("rotated refresh token must replace the old one everywhere")
	}
}

func TestRefreshDoubleCheckSkipsProviderCall(t *testing.T) {
	// The stored row was refreshed by someone else after our stale copy was
	// read: the lock holder must notice and skip the provider round trip.
	fresh := expiringIntegration()
	fresh.AccessToken = "already-refreshed"
	fresh.TokenExpiresAt = time.Now().Add(time.Hour)
	store := newFakeStore(fresh)

	stale := expiringIntegration()
	adapter := &fakeAdapter{}
	svc, _ := testService(store, adapter)

	got, err := svc.Refresh(context.Background(), stale)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if adapter.calls != 0 {
		t.Errorf("adapter called %d times, want 0", adapter.calls)
	}
	if got.AccessToken != "already-refreshed" {
		t.Errorf("access token = %q", got.AccessToken)
	}
}

func TestRefreshPersistenceFailureReturnsInMemoryTokens(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	store.updateErr = errors.New("connection reset")
	adapter := &fakeAdapter{creds: provider.Credentials{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	svc, _ := testService(store, adapter)

	got, err := svc.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("persistence failure must not fail the refresh: %v", err)
	}
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
		t.Errorf("in-memory credentials = %q/%q", got.AccessToken, got.RefreshToken)
	}
}

func TestRefreshPermanentFailureDeactivates(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	adapter := &fakeAdapter{err: &provider.Error{
		Class:    provider.ClassPermanent,
		Provider: integration.ProviderGoogle,
		Op:       "refresh_token",
		Message:  "refresh token rejected: invalid_grant",
	}}
	svc, _ := testService(store, adapter)

	_, err := svc.Refresh(context.Background(), in)
	if err == nil {
		t.Fatal("expected error")
	}
	if store.syncErrors[1] == "" {
		t.Error("sync error not recorded")
	}
	if !store.deactivated[1] {
		t.Error("permanent failure must deactivate the integration")
	}
}

func TestRefreshTransientFailureKeepsActive(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	adapter := &fakeAdapter{err: &provider.Error{
		Class:    provider.ClassTransient,
		Provider: integration.ProviderGoogle,
		Op:       "refresh_token",
		Message:  "token endpoint unavailable",
	}}
	svc, _ := testService(store, adapter)

	_, err := svc.Refresh(context.Background(), in)
	if err == nil {
		t.Fatal("expected error")
	}
	if store.deactivated[1] {
		t.Error("transient failure must not deactivate the integration")
	}
}

func TestEnsureValidWaitsForConcurrentRefresh(t *testing.T) {
	in := expiringIntegration()
	store := newFakeStore(in)
	adapter := &fakeAdapter{}
	svc, locks := testService(store, adapter)

	// Another goroutine holds the lock; the stored row already carries its
	// result by the time we poll.
	if _, err := locks.Acquire(integration.ProviderGoogle, in.ID); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.rows[1].AccessToken = "their-refresh-result"
	store.rows[1].TokenExpiresAt = time.Now().Add(time.Hour)
	store.mu.Unlock()

	got, err := svc.EnsureValid(context.Background(), in)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got.AccessToken != "their-refresh-result" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if adapter.calls != 0 {
		t.Error("waiter must not call the provider")
	}
}

func TestMask(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"short", "****"},
		{"exactly12chr", "****"},
		{"ya29.a0AfB_byExample", "ya29...mple"},
	}
	for _, tc := range cases {
		if got := Mask(tc.in); got != tc.want {
			t.Errorf("Mask(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
