package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
)

// Adapter speaks WebDAV/CalDAV over HTTP Basic auth for one server dialect.
// A single implementation parameterized by Profile covers the whole family;
// the registry holds one instance per provider enum value.
type Adapter struct {
	provider integration.Provider
	profile  Profile
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

var _ provider.Adapter = (*Adapter)(nil)

// serverTypeFor maps provider enum values onto server dialects. The bare
// "caldav" provider uses the generic profile.
func serverTypeFor(p integration.Provider) ServerType {
	switch p {
	case integration.ProviderNextcloud:
		return ServerNextcloud
	case integration.ProviderOwncloud:
		return ServerOwncloud
	case integration.ProviderRadicale:
		return ServerRadicale
	case integration.ProviderBaikal:
		return ServerBaikal
	case integration.ProviderSabreDAV:
		return ServerSabreDAV
	default:
		return ServerGeneric
	}
}

// New builds the adapter for one CalDAV-family provider. The http.Client
// carries the request timeout; per-call deadlines come from the context.
func New(p integration.Provider, hc *http.Client, logger *slog.Logger) *Adapter {
	return &Adapter{
		provider: p,
		profile:  ProfileFor(serverTypeFor(p)),
		http:     hc,
		logger:   logger.With("provider", string(p)),
		now:      time.Now,
	}
}

// Profile exposes the adapter's static server profile.
func (a *Adapter) Profile() Profile { return a.profile }

// clientFor builds the per-integration WebDAV client. CalDAV credentials are
// Basic auth: the username field plus the stored secret, which reuses the
// integration's access-token slot (encrypted at rest like OAuth tokens).
func (a *Adapter) clientFor(integ *integration.Integration) (*client, error) {
	if integ.BaseURL == "" {
		return nil, provider.Errf(a.provider, "connect", provider.ClassConfig, "integration has no server URL")
	}
	c, err := newClient(integ.BaseURL, integ.Username, integ.AccessToken, a.http, a.logger)
	if err != nil {
		return nil, provider.Errf(a.provider, "connect", provider.ClassConfig, "%v", err)
	}
	return c, nil
}

// DiscoverCalendars lists calendar collections under the profile's discovery
// path via a Depth:1 PROPFIND.
func (a *Adapter) DiscoverCalendars(ctx context.Context, integ *integration.Integration) ([]provider.Calendar, error) {
	c, err := a.clientFor(integ)
	if err != nil {
		return nil, err
	}

	target := a.profile.DiscoveryPath(integ.Username)
	resp, resources, err := c.propfind(ctx, target, 1,
		"resourcetype", "displayname", "calendar-color", "getetag")
	if err != nil {
		return nil, provider.WrapTransport(a.provider, "discover_calendars", err)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, provider.FromStatus(a.provider, "discover_calendars", resp, "")
	}

	var calendars []provider.Calendar
	for _, res := range resources {
		if !res.IsCalendar {
			continue
		}
		cal := provider.Calendar{
			ID:   res.Href,
			Name: res.DisplayName,
		}
		if a.profile.SupportsCalendarColor {
			cal.Color = res.Color
		}
		calendars = append(calendars, cal)
	}

	a.logger.Debug("calendar discovery complete", "count", len(calendars), "target", target)
	return calendars, nil
}

// ListEvents issues a calendar-query REPORT bounded by [start, end).
func (a *Adapter) ListEvents(ctx context.Context, integ *integration.Integration, calendarID string, start, end time.Time) ([]provider.Event, error) {
	c, err := a.clientFor(integ)
	if err != nil {
		return nil, err
	}

	target := a.profile.CalendarPath(integ.Username, calendarID)
	resp, resources, err := c.report(ctx, target, start, end)
	if err != nil {
		return nil, provider.WrapTransport(a.provider, "list_events", err)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, provider.FromStatus(a.provider, "list_events", resp, "")
	}

	var events []provider.Event
	for _, res := range resources {
		if strings.TrimSpace(res.CalendarData) == "" {
			continue
		}
		decoded, err := decodeEvents(res.CalendarData, res.ETag)
		if err != nil {
			// One malformed object must not hide the rest of the calendar.
			a.logger.Warn("skipping unparsable calendar object", "href", res.Href, "error", err)
			continue
		}
		events = append(events, decoded...)
	}
	return events, nil
}

// CreateEvent PUTs a new iCalendar object at the deterministic event path.
func (a *Adapter) CreateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	return a.putEvent(ctx, integ, calendarID, ev, "create_event", "")
}

// UpdateEvent overwrites the object, conditionally when an ETag is known.
func (a *Adapter) UpdateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	return a.putEvent(ctx, integ, calendarID, ev, "update_event", ev.ETag)
}

func (a *Adapter) putEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event, op, etag string) (provider.Event, error) {
	if ev.ID == "" {
		return provider.Event{}, provider.Errf(a.provider, op, provider.ClassConfig, "event has no UID")
	}
	c, err := a.clientFor(integ)
	if err != nil {
		return provider.Event{}, err
	}

	data, err := encodeEvent(ev, a.now())
	if err != nil {
		return provider.Event{}, provider.Errf(a.provider, op, provider.ClassConfig, "%v", err)
	}

	target := a.profile.EventPath(integ.Username, calendarID, ev.ID)
	resp, err := c.put(ctx, target, etag, data)
	if err != nil {
		return provider.Event{}, provider.WrapTransport(a.provider, op, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		ev.ETag = resp.Header.Get("ETag")
		return ev, nil
	}
	return provider.Event{}, provider.FromStatus(a.provider, op, resp, "")
}

// DeleteEvent removes the object. 404 and 410 mean it is already gone, which
// is the outcome the caller wanted.
func (a *Adapter) DeleteEvent(ctx context.Context, integ *integration.Integration, calendarID, eventID string) error {
	c, err := a.clientFor(integ)
	if err != nil {
		return err
	}

	target := a.profile.EventPath(integ.Username, calendarID, eventID)
	resp, err := c.delete(ctx, target, "")
	if err != nil {
		return provider.WrapTransport(a.provider, "delete_event", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return provider.FromStatus(a.provider, "delete_event", resp, "")
}

// RefreshToken is not meaningful for Basic auth servers.
func (a *Adapter) RefreshToken(ctx context.Context, integ *integration.Integration) (provider.Credentials, error) {
	return provider.Credentials{}, provider.Errf(a.provider, "refresh_token", provider.ClassConfig,
		"basic auth credentials cannot be refreshed")
}

// TestConnection probes the discovery path with OPTIONS and checks the DAV
// capability header for calendar-access.
func (a *Adapter) TestConnection(ctx context.Context, integ *integration.Integration) (string, error) {
	c, err := a.clientFor(integ)
	if err != nil {
		return "", err
	}

	resp, err := c.options(ctx, a.profile.DiscoveryPath(integ.Username))
	if err != nil {
		return "", provider.WrapTransport(a.provider, "test_connection", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", provider.FromStatus(a.provider, "test_connection", resp, "")
	case resp.StatusCode >= 400:
		return "", provider.FromStatus(a.provider, "test_connection", resp, "")
	}

	dav := resp.Header.Get("DAV")
	if dav != "" && !strings.Contains(strings.ToLower(dav), "calendar-access") {
		return "", provider.Errf(a.provider, "test_connection", provider.ClassConfig,
			"server does not advertise calendar-access (DAV: %s)", dav)
	}
	return fmt.Sprintf("CalDAV connection verified (%s)", a.profile.Type), nil
}
