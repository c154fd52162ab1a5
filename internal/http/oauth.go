package httpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/provider"
)

const (
	googleIssuer     = "https://accounts.google.com"
	googleAuthURL    = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL   = "https://oauth2.googleapis.com/token"
	outlookAuthURL   = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	outlookTokenURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	stateTTL         = 10 * time.Minute
	maxPendingStates = 10000
)

var (
	googleScopes  = []string{oidc.ScopeOpenID, "email", "https://www.googleapis.com/auth/calendar"}
	outlookScopes = []string{"offline_access", "https://graph.microsoft.com/Calendars.ReadWrite"}
)

// ErrStateInvalid reports an unknown, reused, or expired OAuth state.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

type pendingState struct {
	userID    int64
	provider  integration.Provider
	expiresAt time.Time
}

// OAuthFlow runs the authorization-code dance for the OAuth providers and
// verifies Google identity tokens through OIDC discovery.
type OAuthFlow struct {
	google  *oauth2.Config
	outlook *oauth2.Config

	googleVerifier *oidc.IDTokenVerifier

	mu     sync.Mutex
	states map[string]pendingState
	now    func() time.Time
}

// NewOAuthFlow builds configs for every enabled provider. Google OIDC
// discovery happens here so a bad issuer fails at startup, not mid-flow.
func NewOAuthFlow(ctx context.Context, cfg *config.Config) (*OAuthFlow, error) {
	f := &OAuthFlow{
		states: make(map[string]pendingState),
		now:    time.Now,
	}

	if cfg.GoogleEnabled() {
		oidcProvider, err := oidc.NewProvider(ctx, googleIssuer)
		if err != nil {
			return nil, fmt.Errorf("google oidc discovery: %w", err)
		}
		f.googleVerifier = oidcProvider.Verifier(&oidc.Config{ClientID: cfg.Google.ClientID})
		f.google = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: googleTokenURL},
			RedirectURL:  cfg.BaseURL + "/auth/google/callback",
			Scopes:       googleScopes,
		}
	}
	if cfg.OutlookEnabled() {
		f.outlook = &oauth2.Config{
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: outlookAuthURL, TokenURL: outlookTokenURL},
			RedirectURL:  cfg.BaseURL + "/auth/outlook/callback",
			Scopes:       outlookScopes,
		}
	}
	return f, nil
}

func (f *OAuthFlow) configFor(p integration.Provider) (*oauth2.Config, error) {
	switch p {
	case integration.ProviderGoogle:
		if f.google == nil {
			return nil, fmt.Errorf("google oauth is not configured")
		}
		return f.google, nil
	case integration.ProviderOutlook:
		if f.outlook == nil {
			return nil, fmt.Errorf("outlook oauth is not configured")
		}
		return f.outlook, nil
	}
	return nil, fmt.Errorf("provider %q does not use oauth", p)
}

// Begin creates a single-use state and returns the provider authorization
// URL to redirect the user to.
func (f *OAuthFlow) Begin(p integration.Provider, userID int64) (string, error) {
	cfg, err := f.configFor(p)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	f.mu.Lock()
	f.pruneLocked()
	if len(f.states) >= maxPendingStates {
		f.mu.Unlock()
		return "", fmt.Errorf("too many pending authorizations")
	}
	f.states[state] = pendingState{userID: userID, provider: p, expiresAt: f.now().Add(stateTTL)}
	f.mu.Unlock()

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p == integration.ProviderGoogle {
		// Google only reissues the refresh token when consent is re-prompted.
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Complete validates the state, exchanges the code, and hands back the new
// credentials together with the user the flow belongs to.
func (f *OAuthFlow) Complete(ctx context.Context, p integration.Provider, state, code string) (int64, provider.Credentials, string, error) {
	f.mu.Lock()
	pending, ok := f.states[state]
	delete(f.states, state)
	f.mu.Unlock()

	if !ok || pending.provider != p || f.now().After(pending.expiresAt) {
		return 0, provider.Credentials{}, "", ErrStateInvalid
	}

	cfg, err := f.configFor(p)
	if err != nil {
		return 0, provider.Credentials{}, "", err
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return 0, provider.Credentials{}, "", fmt.Errorf("code exchange: %w", err)
	}

	if p == integration.ProviderGoogle {
		rawIDToken, _ := tok.Extra("id_token").(string)
		if rawIDToken == "" {
			return 0, provider.Credentials{}, "", fmt.Errorf("google token response carried no id_token")
		}
		if _, err := f.googleVerifier.Verify(ctx, rawIDToken); err != nil {
			return 0, provider.Credentials{}, "", fmt.Errorf("id_token verification: %w", err)
		}
	}

	scope, _ := tok.Extra("scope").(string)
	creds := provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	return pending.userID, creds, scope, nil
}

// pruneLocked drops expired states. Caller holds the mutex.
func (f *OAuthFlow) pruneLocked() {
	now := f.now()
	for state, pending := range f.states {
		if now.After(pending.expiresAt) {
			delete(f.states, state)
		}
	}
}
