// Package google implements the provider adapter for the Google Calendar v3
// REST API.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/token/oautherr"
)

const (
	defaultBaseURL  = "https://www.googleapis.com/calendar/v3"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	rfc3339Millis = "2006-01-02T15:04:05Z07:00"
	dateOnly      = "2006-01-02"
)

// Adapter talks to the Google Calendar API with a bearer token taken from
// the integration. Token refresh goes through the standard OAuth2 endpoint.
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

// WithBaseURL points the adapter at a different API host. Test servers use
// this.
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
		logger:       logger.With("provider", "google"),
		baseURL:      defaultBaseURL,
		tokenURL:     defaultTokenURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// eventTime is the Google start/end shape: dateTime for timed events, date
// for all-day ones.
type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type apiEvent struct {
	ID          string      `json:"id,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Description string      `json:"description,omitempty"`
	Location    string      `json:"location,omitempty"`
	Status      string      `json:"status,omitempty"`
	Start       *eventTime  `json:"start,omitempty"`
	End         *eventTime  `json:"end,omitempty"`
	Organizer   *apiPerson  `json:"organizer,omitempty"`
	Attendees   []apiPerson `json:"attendees,omitempty"`
}

type apiPerson struct {
	Email string `json:"email"`
}

func toAPIEvent(ev provider.Event) apiEvent {
	out := apiEvent{
		ID:          provider.NormalizeEventID(ev.ID, provider.GoogleEventIDMaxLen),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
	}
	if ev.AllDay {
		out.Start = &eventTime{Date: ev.Start.UTC().Format(dateOnly)}
		out.End = &eventTime{Date: ev.End.UTC().Format(dateOnly)}
	} else {
		out.Start = &eventTime{DateTime: ev.Start.UTC().Format(rfc3339Millis), TimeZone: "UTC"}
		out.End = &eventTime{DateTime: ev.End.UTC().Format(rfc3339Millis), TimeZone: "UTC"}
	}
	for _, attendee := range ev.Attendees {
		out.Attendees = append(out.Attendees, apiPerson{Email: attendee})
	}
	return out
}

func fromAPIEvent(in apiEvent) provider.Event {
	ev := provider.Event{
		ID:          in.ID,
		Summary:     in.Summary,
		Description: in.Description,
		Location:    in.Location,
		Status:      in.Status,
	}
	if in.Organizer != nil {
		ev.Organizer = in.Organizer.Email
	}
	for _, attendee := range in.Attendees {
		ev.Attendees = append(ev.Attendees, attendee.Email)
	}
	if in.Start != nil {
		ev.Start, ev.AllDay = parseEventTime(*in.Start)
	}
	if in.End != nil {
		ev.End, _ = parseEventTime(*in.End)
	}
	return ev
}

func parseEventTime(et eventTime) (time.Time, bool) {
	if et.Date != "" {
		t, _ := time.Parse(dateOnly, et.Date)
		return t, true
	}
	t, _ := time.Parse(time.RFC3339, et.DateTime)
	return t.UTC(), false
}

// doJSON issues an authenticated request and decodes the response into out
// when the call succeeds. Non-2xx responses map through the failure
// taxonomy.
func (a *Adapter) doJSON(ctx context.Context, integ *integration.Integration, op, method, target string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return provider.Errf(integration.ProviderGoogle, op, provider.ClassConfig, "encoding request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return provider.Errf(integration.ProviderGoogle, op, provider.ClassConfig, "%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+integ.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return provider.WrapTransport(integration.ProviderGoogle, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.WrapTransport(integration.ProviderGoogle, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.FromStatus(integration.ProviderGoogle, op, resp, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return provider.Errf(integration.ProviderGoogle, op, provider.ClassTransient, "decoding response: %v", err)
		}
	}
	return nil
}

func (a *Adapter) ListEvents(ctx context.Context, integ *integration.Integration, calendarID string, start, end time.Time) ([]provider.Event, error) {
	q := url.Values{}
	q.Set("timeMin", start.UTC().Format(time.RFC3339))
	q.Set("timeMax", end.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("maxResults", "2500")

	var events []provider.Event
	pageToken := ""
	for {
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		target := fmt.Sprintf("%s/calendars/%s/events?%s", a.baseURL, url.PathEscape(calendarID), q.Encode())

		var page struct {
			Items         []apiEvent `json:"items"`
			NextPageToken string     `json:"nextPageToken"`
		}
		if err := a.doJSON(ctx, integ, "list_events", http.MethodGet, target, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			events = append(events, fromAPIEvent(item))
		}
		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (a *Adapter) CreateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	target := fmt.Sprintf("%s/calendars/%s/events", a.baseURL, url.PathEscape(calendarID))
	var created apiEvent
	if err := a.doJSON(ctx, integ, "create_event", http.MethodPost, target, toAPIEvent(ev), &created); err != nil {
		return provider.Event{}, err
	}
	return fromAPIEvent(created), nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, integ *integration.Integration, calendarID string, ev provider.Event) (provider.Event, error) {
	id := provider.NormalizeEventID(ev.ID, provider.GoogleEventIDMaxLen)
	target := fmt.Sprintf("%s/calendars/%s/events/%s", a.baseURL, url.PathEscape(calendarID), url.PathEscape(id))
	var updated apiEvent
	if err := a.doJSON(ctx, integ, "update_event", http.MethodPut, target, toAPIEvent(ev), &updated); err != nil {
		return provider.Event{}, err
	}
	return fromAPIEvent(updated), nil
}

// DeleteEvent removes the event; 410 Gone means someone beat us to it and is
// treated as success.
func (a *Adapter) DeleteEvent(ctx context.Context, integ *integration.Integration, calendarID, eventID string) error {
	id := provider.NormalizeEventID(eventID, provider.GoogleEventIDMaxLen)
	target := fmt.Sprintf("%s/calendars/%s/events/%s", a.baseURL, url.PathEscape(calendarID), url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return provider.Errf(integration.ProviderGoogle, "delete_event", provider.ClassConfig, "%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+integ.AccessToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return provider.WrapTransport(integration.ProviderGoogle, "delete_event", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusGone:
		return nil
	}
	return provider.FromStatus(integration.ProviderGoogle, "delete_event", resp, string(body))
}

func (a *Adapter) DiscoverCalendars(ctx context.Context, integ *integration.Integration) ([]provider.Calendar, error) {
	var result struct {
		Items []struct {
			ID              string `json:"id"`
			Summary         string `json:"summary"`
			BackgroundColor string `json:"backgroundColor"`
			Primary         bool   `json:"primary"`
			AccessRole      string `json:"accessRole"`
		} `json:"items"`
	}
	if err := a.doJSON(ctx, integ, "discover_calendars", http.MethodGet, a.baseURL+"/users/me/calendarList", nil, &result); err != nil {
		return nil, err
	}

	calendars := make([]provider.Calendar, 0, len(result.Items))
	for _, item := range result.Items {
		calendars = append(calendars, provider.Calendar{
			ID:       item.ID,
			Name:     item.Summary,
			Color:    item.BackgroundColor,
			Primary:  item.Primary,
			ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
		})
	}
	return calendars, nil
}

// RefreshToken exchanges the stored refresh token at the Google token
// endpoint. Google rotates the refresh token only occasionally; an empty
// RefreshToken in the result tells the caller to keep the old one.
func (a *Adapter) RefreshToken(ctx context.Context, integ *integration.Integration) (provider.Credentials, error) {
	if integ.RefreshToken == "" {
		return provider.Credentials{}, provider.Errf(integration.ProviderGoogle, "refresh_token", provider.ClassPermanent,
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
		return provider.Credentials{}, oautherr.Classify(integration.ProviderGoogle, err)
	}

	creds := provider.Credentials{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != integ.RefreshToken {
		creds.RefreshToken = tok.RefreshToken
	}
	return creds, nil
}

// TestConnection fetches one calendar-list entry as a cheap authenticated
// probe.
func (a *Adapter) TestConnection(ctx context.Context, integ *integration.Integration) (string, error) {
	var result struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := a.doJSON(ctx, integ, "test_connection", http.MethodGet, a.baseURL+"/users/me/calendarList?maxResults=1", nil, &result); err != nil {
		return "", err
	}
	return "Google Calendar connection verified", nil
}
