package provider

import (
	"context"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
)

// Adapter is the uniform contract every provider implements. The aggregator,
// token service, and health monitor depend only on this interface.
type Adapter interface {
	// ListEvents returns events on one calendar overlapping [start, end).
	ListEvents(ctx context.Context, integ *integration.Integration, calendarID string, start, end time.Time) ([]Event, error)

	// CreateEvent writes a new event. Event.ID must already be normalized to
	// a provider-legal identifier so the call is idempotent.
	CreateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev Event) (Event, error)

	// UpdateEvent replaces an existing event identified by ev.ID.
	UpdateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev Event) (Event, error)

	// DeleteEvent removes an event. An already-gone event is success.
	DeleteEvent(ctx context.Context, integ *integration.Integration, calendarID, eventID string) error

	// DiscoverCalendars lists the calendars available to the credentialed
	// account.
	DiscoverCalendars(ctx context.Context, integ *integration.Integration) ([]Calendar, error)

	// RefreshToken exchanges the stored refresh token for new credentials.
	// CalDAV-family adapters return a configuration error: Basic auth has
	// nothing to refresh.
	RefreshToken(ctx context.Context, integ *integration.Integration) (Credentials, error)

	// TestConnection performs a lightweight provider probe and returns a
	// human-readable success message or a classified error.
	TestConnection(ctx context.Context, integ *integration.Integration) (string, error)
}

// Registry maps provider identifiers to adapter implementations. It is built
// once at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[integration.Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[integration.Provider]Adapter)}
}

func (r *Registry) Register(p integration.Provider, a Adapter) {
	r.adapters[p] = a
}

// Adapter resolves the implementation for p. A missing registration is a
// configuration error, not a crash.
func (r *Registry) Adapter(p integration.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, Errf(p, "registry", ClassConfig, "no adapter registered for provider %q", p)
	}
	return a, nil
}

// Providers returns the registered provider set, for diagnostics.
func (r *Registry) Providers() []integration.Provider {
	out := make([]integration.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
