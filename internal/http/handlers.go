package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/fetch"
	"gitea.jw6.us/james/calsync/internal/health"
	httperr "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/provider/caldav"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/token"
)

// IntegrationStore is the slice of the persistence layer the API handlers
// touch. *store.IntegrationRepo satisfies it.
type IntegrationStore interface {
	GetByID(ctx context.Context, id int64) (*integration.Integration, error)
	GetByUserAndProvider(ctx context.Context, userID int64, p integration.Provider) (*integration.Integration, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]integration.Integration, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	Create(ctx context.Context, in *integration.Integration) (*integration.Integration, error)
	UpdateCalendarList(ctx context.Context, id int64, list []integration.CalendarDescriptor, defaultBookingCalendarID string) error
	SetActive(ctx context.Context, id int64, active bool) error
	SetPrimary(ctx context.Context, userID, id int64) error
	ClearPrimary(ctx context.Context, userID int64) error
	Delete(ctx context.Context, id int64) error
}

// Handler serves the integration management API. Callers are identified by
// the X-User-ID header, set by the authenticating gateway in front of this
// service.
type Handler struct {
	cfg          *config.Config
	integrations IntegrationStore
	registry     *provider.Registry
	tokens       *token.Service
	tracker      *health.Tracker
	fetcher      *fetch.Aggregator
	oauth        *OAuthFlow
	logger       *slog.Logger
}

func NewHandler(cfg *config.Config, integrations IntegrationStore, registry *provider.Registry, tokens *token.Service, tracker *health.Tracker, fetcher *fetch.Aggregator, oauth *OAuthFlow, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:          cfg,
		integrations: integrations,
		registry:     registry,
		tokens:       tokens,
		tracker:      tracker,
		fetcher:      fetcher,
		oauth:        oauth,
		logger:       logger,
	}
}

// integrationView is the JSON shape of an integration. Token material never
// appears here.
type integrationView struct {
	ID                       int64                            `json:"id"`
	Provider                 integration.Provider             `json:"provider"`
	BaseURL                  string                           `json:"base_url,omitempty"`
	Username                 string                           `json:"username,omitempty"`
	CalendarList             []integration.CalendarDescriptor `json:"calendar_list"`
	DefaultBookingCalendarID string                           `json:"default_booking_calendar_id"`
	IsPrimary                bool                             `json:"is_primary"`
	IsActive                 bool                             `json:"is_active"`
	SyncError                string                           `json:"sync_error,omitempty"`
	CreatedAt                time.Time                        `json:"created_at"`
	Health                   *healthView                      `json:"health,omitempty"`
}

type healthView struct {
	Status              health.Status     `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastError           string            `json:"last_error,omitempty"`
	LastErrorClass      health.ErrorClass `json:"last_error_class,omitempty"`
	LastCheckedAt       time.Time         `json:"last_checked_at"`
	NextCheckAt         time.Time         `json:"next_check_at"`
}

func (h *Handler) view(in *integration.Integration) integrationView {
	v := integrationView{
		ID:                       in.ID,
		Provider:                 in.Provider,
		BaseURL:                  in.BaseURL,
		Username:                 in.Username,
		CalendarList:             in.CalendarList,
		DefaultBookingCalendarID: in.DefaultBookingCalendarID,
		IsPrimary:                in.IsPrimary,
		IsActive:                 in.IsActive,
		SyncError:                in.SyncError,
		CreatedAt:                in.CreatedAt,
	}
	if state, ok := h.tracker.StateOf(in.ID); ok {
		v.Health = &healthView{
			Status:              state.Status,
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           state.LastError,
			LastErrorClass:      state.LastErrorClass,
			LastCheckedAt:       state.LastCheckedAt,
			NextCheckAt:         state.NextCheckAt,
		}
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func userID(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("missing or invalid user id")
	}
	return id, nil
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// ownedIntegration loads the integration and checks it belongs to the
// requesting user. Foreign ids answer 404, not 403, so ids are not probeable.
func (h *Handler) ownedIntegration(w http.ResponseWriter, r *http.Request) (*integration.Integration, bool) {
	uid, err := userID(r)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "user id required")
		return nil, false
	}
	id, err := pathID(r)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "invalid integration id")
		return nil, false
	}
	in, err := h.integrations.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperr.NotFound(w, "integration not found")
		return nil, false
	}
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "loading integration")
		return nil, false
	}
	if in.UserID != uid {
		httperr.NotFound(w, "integration not found")
		return nil, false
	}
	return in, true
}

// ListIntegrations answers the user's active integrations with health state.
func (h *Handler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "user id required")
		return
	}
	integrations, err := h.integrations.ListActiveByUser(r.Context(), uid)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "listing integrations")
		return
	}
	views := make([]integrationView, 0, len(integrations))
	for i := range integrations {
		views = append(views, h.view(&integrations[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

// GetIntegration answers one integration with its health state.
func (h *Handler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.view(in))
}

type connectCalDAVRequest struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	// ServerType optionally pins the dialect; empty means autodetect.
	ServerType string `json:"server_type,omitempty"`
}

// ConnectCalDAV validates submitted CalDAV credentials against the server,
// discovers calendars, and stores the integration.
func (h *Handler) ConnectCalDAV(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "user id required")
		return
	}
	var req connectCalDAVRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, r, h.logger, err, "invalid request body")
		return
	}
	if req.BaseURL == "" || req.Username == "" || req.Password == "" {
		httperr.BadRequest(w, r, h.logger, nil, "base_url, username, and password are required")
		return
	}

	p := integration.Provider(req.ServerType)
	if req.ServerType == "" {
		p = providerForServerType(caldav.Detect(req.BaseURL))
	}
	if !p.Valid() || !p.IsCalDAV() {
		httperr.BadRequest(w, r, h.logger, nil, fmt.Sprintf("unsupported server type %q", req.ServerType))
		return
	}

	in := &integration.Integration{
		UserID:      uid,
		Provider:    p,
		BaseURL:     req.BaseURL,
		Username:    req.Username,
		AccessToken: req.Password, // Basic auth secret rides in the token slot and is encrypted with it
		IsActive:    true,
	}

	adapter, err := h.registry.Adapter(p)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "resolving adapter")
		return
	}
	if _, err := adapter.TestConnection(r.Context(), in); err != nil {
		h.logger.Warn("caldav connection test failed", "user_id", uid, "server_type", p, "error", err)
		httperr.Unprocessable(w, "could not connect: "+publicMessage(err))
		return
	}

	h.finishConnect(w, r, in, adapter)
}

// finishConnect discovers calendars, persists the integration, and promotes
// it to primary when the user has no other active integration.
func (h *Handler) finishConnect(w http.ResponseWriter, r *http.Request, in *integration.Integration, adapter provider.Adapter) {
	calendars, err := adapter.DiscoverCalendars(r.Context(), in)
	if err != nil {
		// Discovery failing right after a successful connection test is
		// worth storing anyway; the list can be refreshed later.
		h.logger.Warn("calendar discovery failed on connect",
			"user_id", in.UserID, "provider", in.Provider, "error", err)
	}
	for _, cal := range calendars {
		in.CalendarList = append(in.CalendarList, integration.CalendarDescriptor{
			ID:      cal.ID,
			Name:    cal.Name,
			Primary: cal.Primary,
		})
		if in.Provider.IsCalDAV() {
			in.CalendarPaths = append(in.CalendarPaths, cal.ID)
		}
	}
	in.DefaultBookingCalendarID = integration.DefaultBookingCalendar(in)

	existing, err := h.integrations.ListActiveByUser(r.Context(), in.UserID)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "listing integrations")
		return
	}

	created, err := h.integrations.Create(r.Context(), in)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "storing integration")
		return
	}

	if len(existing) == 0 {
		if err := h.integrations.SetPrimary(r.Context(), created.UserID, created.ID); err != nil {
			h.logger.Error("promoting first integration", "integration_id", created.ID, "error", err)
		} else {
			created.IsPrimary = true
		}
	}

	h.logger.Info("integration connected",
		"integration_id", created.ID, "user_id", created.UserID,
		"provider", created.Provider, "calendars", len(created.CalendarList))
	respondJSON(w, http.StatusCreated, h.view(created))
}

type selectCalendarsRequest struct {
	Selected []string `json:"selected"`
}

// UpdateCalendarSelection stores which discovered calendars sync. The
// default booking calendar is re-resolved against the new selection.
func (h *Handler) UpdateCalendarSelection(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	var req selectCalendarsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, r, h.logger, err, "invalid request body")
		return
	}
	for _, id := range req.Selected {
		if !in.HasCalendar(id) {
			httperr.BadRequest(w, r, h.logger, nil, fmt.Sprintf("unknown calendar %q", id))
			return
		}
	}

	selected := make(map[string]bool, len(req.Selected))
	for _, id := range req.Selected {
		selected[id] = true
	}
	for i := range in.CalendarList {
		in.CalendarList[i].Selected = selected[in.CalendarList[i].ID]
	}
	in.DefaultBookingCalendarID = integration.DefaultBookingCalendar(in)

	if err := h.integrations.UpdateCalendarList(r.Context(), in.ID, in.CalendarList, in.DefaultBookingCalendarID); err != nil {
		httperr.InternalError(w, r, h.logger, err, "updating calendar selection")
		return
	}
	respondJSON(w, http.StatusOK, h.view(in))
}

// RefreshCalendars re-runs discovery against the provider and stores the
// fresh list, preserving selections for calendars that still exist.
func (h *Handler) RefreshCalendars(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	adapter, err := h.registry.Adapter(in.Provider)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "resolving adapter")
		return
	}
	in, err = h.tokens.EnsureValid(r.Context(), in)
	if err != nil {
		httperr.Unprocessable(w, "credentials unusable: "+publicMessage(err))
		return
	}

	calendars, err := adapter.DiscoverCalendars(r.Context(), in)
	if err != nil {
		httperr.Unprocessable(w, "discovery failed: "+publicMessage(err))
		return
	}

	wasSelected := make(map[string]bool, len(in.CalendarList))
	for _, cal := range in.CalendarList {
		wasSelected[cal.ID] = cal.Selected
	}
	in.CalendarList = in.CalendarList[:0]
	for _, cal := range calendars {
		in.CalendarList = append(in.CalendarList, integration.CalendarDescriptor{
			ID:       cal.ID,
			Name:     cal.Name,
			Primary:  cal.Primary,
			Selected: wasSelected[cal.ID],
		})
	}
	in.DefaultBookingCalendarID = integration.DefaultBookingCalendar(in)

	if err := h.integrations.UpdateCalendarList(r.Context(), in.ID, in.CalendarList, in.DefaultBookingCalendarID); err != nil {
		httperr.InternalError(w, r, h.logger, err, "storing calendar list")
		return
	}
	respondJSON(w, http.StatusOK, h.view(in))
}

// ForceRefresh refreshes the integration's tokens immediately.
func (h *Handler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	if in.Provider.IsCalDAV() {
		httperr.BadRequest(w, r, h.logger, nil, "caldav integrations have no refreshable token")
		return
	}
	refreshed, err := h.tokens.Refresh(r.Context(), in)
	if err != nil {
		httperr.Unprocessable(w, "refresh failed: "+publicMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, h.view(refreshed))
}

// Events answers the aggregated busy events of the integration for a window.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "start must be RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "end must be RFC 3339")
		return
	}
	if !end.After(start) {
		httperr.BadRequest(w, r, h.logger, nil, "end must be after start")
		return
	}

	result, err := h.fetcher.FetchEvents(r.Context(), in, start, end)
	if err != nil {
		httperr.Unprocessable(w, "fetch failed: "+publicMessage(err))
		return
	}

	failed := make([]string, 0, len(result.Failed))
	for id := range result.Failed {
		failed = append(failed, id)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events":           result.Events,
		"failed_calendars": failed,
	})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive pauses or resumes an integration. Reactivating promotes it to
// primary when the user is left without one.
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, r, h.logger, err, "invalid request body")
		return
	}

	if err := h.integrations.SetActive(r.Context(), in.ID, req.Active); err != nil {
		httperr.InternalError(w, r, h.logger, err, "updating integration")
		return
	}
	in.IsActive = req.Active

	if req.Active {
		if err := h.promoteOnReactivate(r, in); err != nil {
			h.logger.Error("promotion on reactivate", "integration_id", in.ID, "error", err)
		}
	} else if in.IsPrimary {
		in.IsPrimary = false
		if err := h.promoteSuccessor(r, in); err != nil {
			h.logger.Error("promotion after deactivate", "integration_id", in.ID, "error", err)
		}
	}
	respondJSON(w, http.StatusOK, h.view(in))
}

func (h *Handler) promoteOnReactivate(r *http.Request, in *integration.Integration) error {
	active, err := h.integrations.ListActiveByUser(r.Context(), in.UserID)
	if err != nil {
		return err
	}
	var currentPrimary *integration.Integration
	for i := range active {
		if active[i].IsPrimary {
			currentPrimary = &active[i]
			break
		}
	}
	if !integration.ShouldPromoteOnReactivate(currentPrimary) {
		return nil
	}
	if err := h.integrations.SetPrimary(r.Context(), in.UserID, in.ID); err != nil {
		return err
	}
	in.IsPrimary = true
	return nil
}

// promoteSuccessor hands the primary designation to the next candidate, or
// clears it when none remains.
func (h *Handler) promoteSuccessor(r *http.Request, departing *integration.Integration) error {
	active, err := h.integrations.ListActiveByUser(r.Context(), departing.UserID)
	if err != nil {
		return err
	}
	remaining := active[:0]
	for i := range active {
		if active[i].ID != departing.ID {
			remaining = append(remaining, active[i])
		}
	}
	if successor, ok := integration.NextPrimary(remaining); ok {
		return h.integrations.SetPrimary(r.Context(), departing.UserID, successor)
	}
	return h.integrations.ClearPrimary(r.Context(), departing.UserID)
}

// DeleteIntegration removes the integration and, when it was primary,
// promotes a successor.
func (h *Handler) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}

	if err := h.integrations.Delete(r.Context(), in.ID); err != nil {
		httperr.InternalError(w, r, h.logger, err, "deleting integration")
		return
	}
	h.tracker.Forget(in.ID)

	if in.IsPrimary {
		if err := h.promoteSuccessor(r, in); err != nil {
			h.logger.Error("promotion after delete", "integration_id", in.ID, "error", err)
		}
	}

	h.logger.Info("integration deleted",
		"integration_id", in.ID, "user_id", in.UserID, "provider", in.Provider)
	w.WriteHeader(http.StatusNoContent)
}

// BeginOAuth redirects the user into the provider's consent flow.
func (h *Handler) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "user id required")
		return
	}
	p := integration.Provider(chi.URLParam(r, "provider"))
	authURL, err := h.oauth.Begin(p, uid)
	if err != nil {
		httperr.BadRequest(w, r, h.logger, err, "provider not available")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback finishes the consent flow: exchange the code, discover
// calendars, store the integration.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	p := integration.Provider(chi.URLParam(r, "provider"))
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		httperr.Unprocessable(w, "authorization declined: "+errParam)
		return
	}

	uid, creds, scope, err := h.oauth.Complete(r.Context(), p, r.URL.Query().Get("state"), r.URL.Query().Get("code"))
	if errors.Is(err, ErrStateInvalid) {
		httperr.BadRequest(w, r, h.logger, err, "state invalid or expired, restart the flow")
		return
	}
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "completing oauth flow")
		return
	}

	// Re-authorizing an already-connected provider adopts the fresh tokens on
	// the existing row instead of creating a duplicate.
	existing, err := h.integrations.GetByUserAndProvider(r.Context(), uid, p)
	if err == nil {
		h.reconnect(w, r, existing, creds)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		httperr.InternalError(w, r, h.logger, err, "loading integration")
		return
	}

	in := &integration.Integration{
		UserID:         uid,
		Provider:       p,
		AccessToken:    creds.AccessToken,
		RefreshToken:   creds.RefreshToken,
		TokenExpiresAt: creds.ExpiresAt,
		OAuthScope:     scope,
		IsActive:       true,
	}
	adapter, err := h.registry.Adapter(p)
	if err != nil {
		httperr.InternalError(w, r, h.logger, err, "resolving adapter")
		return
	}
	h.finishConnect(w, r, in, adapter)
}

func (h *Handler) reconnect(w http.ResponseWriter, r *http.Request, in *integration.Integration, creds provider.Credentials) {
	refreshToken := in.RefreshToken
	if creds.RefreshToken != "" {
		refreshToken = creds.RefreshToken
	}
	if err := h.integrations.UpdateTokens(r.Context(), in.ID, creds.AccessToken, refreshToken, creds.ExpiresAt); err != nil {
		httperr.InternalError(w, r, h.logger, err, "storing refreshed credentials")
		return
	}
	if !in.IsActive {
		if err := h.integrations.SetActive(r.Context(), in.ID, true); err != nil {
			httperr.InternalError(w, r, h.logger, err, "reactivating integration")
			return
		}
		in.IsActive = true
		if err := h.promoteOnReactivate(r, in); err != nil {
			h.logger.Error("promotion on reconnect", "integration_id", in.ID, "error", err)
		}
	}
	in.AccessToken = creds.AccessToken
	in.RefreshToken = refreshToken
	in.TokenExpiresAt = creds.ExpiresAt
	in.SyncError = ""

	h.logger.Info("integration reconnected",
		"integration_id", in.ID, "user_id", in.UserID, "provider", in.Provider)
	respondJSON(w, http.StatusOK, h.view(in))
}

// providerForServerType maps a detected CalDAV dialect onto the provider enum.
func providerForServerType(t caldav.ServerType) integration.Provider {
	switch t {
	case caldav.ServerNextcloud:
		return integration.ProviderNextcloud
	case caldav.ServerOwncloud:
		return integration.ProviderOwncloud
	case caldav.ServerRadicale:
		return integration.ProviderRadicale
	case caldav.ServerBaikal:
		return integration.ProviderBaikal
	case caldav.ServerSabreDAV:
		return integration.ProviderSabreDAV
	default:
		return integration.ProviderCalDAV
	}
}

// publicMessage strips provider internals down to the typed message when one
// exists.
func publicMessage(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	return "provider request failed"
}
