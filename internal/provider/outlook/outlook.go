// Package outlook implements the provider adapter for Microsoft Outlook
// calendars via the Graph API.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/token/oautherr"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	// Graph emits fractional seconds; the fraction is split off before
	// parsing with this layout.
	graphTimeFormat = "2006-01-02T15:04:05"
)

// Adapter talks to Microsoft Graph with a bearer token from the integration.
type Adapter struct {
	clientID     string
	clientSecret string
	http         *http.Client
	logger       *slog.Logger

	baseURL  string
	tokenURL string
}

var _ provider.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

func WithBaseURL(api, token string) Option {
	return func(a *Adapter) {
		a.baseURL = api
		a.tokenURL = token
	}
}

func New(clientID, clientSecret string, hc *http.Client, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         hc,
		logger:       logger.With("provider", "outlook"),
		baseURL:      defaultBaseURL,
		tokenURL:     defaultTokenURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmail struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

type graphEvent struct {
	ID            string         `json:"id,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	BodyPreview   string         `json:"bodyPreview,omitempty"`
	Body          *graphBody     `json:"body,omitempty"`
	Location      *graphLocation `json:"location,omitempty"`
	Start         *graphDateTime `json:"start,omitempty"`
	End           *graphDateTime `json:"end,omitempty"`
	IsAllDay      bool           `json:"isAllDay,omitempty"`
	ShowAs        string         `json:"showAs,omitempty"`
	Organizer     *graphEmail    `json:"organizer,omitempty"`
	Attendees     []graphAttendee  `json:"attendees,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
}

type graphAttendee struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
	Type string `json:"type,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

func toGraphEvent(ev provider.Event) graphEvent {
	out := graphEvent{
		Subject:  ev.Summary,
		IsAllDay: ev.AllDay,
		Start:    &graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:      &graphDateTime{DateTime: ev.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		out.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		out.Location = &graphLocation{DisplayName: ev.Location}
	}
	for _, attendee := range ev.Attendees {
		var ga graphAttendee
		ga.EmailAddress.Address = attendee
		ga.Type = "required"
		out.Attendees = append(out.Attendees, ga)
	}
	return out
}

func fromGraphEvent(in graphEvent) provider.Event {
	ev := provider.Event{
		ID:      in.ID,
		Summary: in.Subject,
		AllDay:  in.IsAllDay,
		Status:  in.ShowAs,
	}
	if in.Body != nil {
		ev.Description = in.Body.Content
	} else {
		ev.Description = in.BodyPreview
	}
	if in.Location != nil {
		ev.Location = in.Location.DisplayName
	}
	if in.Organizer != nil {
		ev.Organizer = in.Organizer.EmailAddress.Address
	}
	for _, attendee := range in.Attendees {
		ev.Attendees = append(ev.Attendees, attendee.EmailAddress.Address)
	}
	if in.Start != nil {
		ev.Start = parseGraphTime(*in.Start)
	}
	if in.End != nil {
		ev.End = parseGraphTime(*in.End)
	}
	return ev
}

func parseGraphTime(g graphDateTime) time.Time {
	value := g.DateTime
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		value = value[:idx]
	}
	t, err := time.Parse(graphTimeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (a *Adapter) doJSON(ctx context.Context, integ *integration.Integration, op, method, target string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return provider.Errf(integration.ProviderOutlook, op, provider.ClassConfig, "encoding request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return provider.Errf(integration.ProviderOutlook, op, provider.ClassConfig, "%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+integ.AccessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return provider.WrapTransport(integration.ProviderOutlook, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.WrapTransport(integration.ProviderOutlook, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.FromStatus(integration.ProviderOutlook, op, resp, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return provider.Errf(integration.ProviderOutlook, op, provider.ClassTransient, "decoding response: %v", err)
		}
	}
	return nil
}

func (a *Adapter) ListEvents(ctx context.Context, integ *integration.Integration, calendarID string, start, end time.Time) ([]provider.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$top", "500")

	target := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", a.baseURL, url.PathEscape(calendarID), q.Encode())

	var events []provider.Event
	for target != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := a.doJSON(ctx, integ, "list_events", http.MethodGet, target, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			events = append(events, fromGraphEvent(item))
		}
		target = page.NextLink
	}
	return events, nil
}

// CreateEvent posts a new event carrying a deterministic transactionId so a
// retried create cannot duplicate the event.
func (a *Adapter) CreateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	payload := toGraphEvent(ev)
	payload.TransactionID = provider.NormalizeEventID(ev.ID, provider.OutlookEventIDMaxLen)

	target := fmt.Sprintf("%s/me/calendars/%s/events", a.baseURL, url.PathEscape(calendarID))
	var created graphEvent
	if err := a.doJSON(ctx, integ, "create_event", http.MethodPost, target, payload, &created); err != nil {
		return provider.Event{}, err
	}
	return fromGraphEvent(created), nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	target := fmt.Sprintf("%s/me/events/%s", a.baseURL, url.PathEscape(ev.ID))
	var updated graphEvent
	if err := a.doJSON(ctx, integ, "update_event", http.MethodPatch, target, toGraphEvent(ev), &updated); err != nil {
		return provider.Event{}, err
	}
	return fromGraphEvent(updated), nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, integ *integration.Integration, calendarID, eventID string) error {
	target := fmt.Sprintf("%s/me/events/%s", a.baseURL, url.PathEscape(eventID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return provider.Errf(integration.ProviderOutlook, "delete_event", provider.ClassConfig, "%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+integ.AccessToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return provider.WrapTransport(integration.ProviderOutlook, "delete_event", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return provider.FromStatus(integration.ProviderOutlook, "delete_event", resp, string(body))
}

func (a *Adapter) DiscoverCalendars(ctx context.Context, integ *integration.Integration) ([]provider.Calendar, error) {
	var result struct {
		Value []struct {
			ID                string `json:"id"`
			Name              string `json:"name"`
			HexColor          string `json:"hexColor"`
			IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			CanEdit           bool   `json:"canEdit"`
		} `json:"value"`
	}
	if err := a.doJSON(ctx, integ, "discover_calendars", http.MethodGet, a.baseURL+"/me/calendars", nil, &result); err != nil {
		return nil, err
	}

	calendars := make([]provider.Calendar, 0, len(result.Value))
	for _, item := range result.Value {
		calendars = append(calendars, provider.Calendar{
			ID:       item.ID,
			Name:     item.Name,
			Color:    item.HexColor,
			Primary:  item.IsDefaultCalendar,
			ReadOnly: !item.CanEdit,
		})
	}
	return calendars, nil
}

// RefreshToken exchanges the stored refresh token. Microsoft issues a fresh
// refresh token on every exchange, so the result always carries one.
func (a *Adapter) RefreshToken(ctx context.Context, integ *integration.Integration) (provider.Credentials, error) {
	if integ.RefreshToken == "" {
		return provider.Credentials{}, provider.Errf(integration.ProviderOutlook, "refresh_token", provider.ClassPermanent,
			"integration has no refresh token")
	}

	cfg := &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: a.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: integ.RefreshToken}).Token()
	if err != nil {
		return provider.Credentials{}, oautherr.Classify(integration.ProviderOutlook, err)
	}

	return provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, integ *integration.Integration) (string, error) {
	var result struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := a.doJSON(ctx, integ, "test_connection", http.MethodGet, a.baseURL+"/me/calendars?$top=1", nil, &result); err != nil {
		return "", err
	}
	return "Outlook connection verified", nil
}
