// Package token keeps integration credentials usable: it decides when a
// token needs refreshing, serializes refreshes through the lock coordinator,
// and persists rotated credentials.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/refreshlock"
)

// ExpiryBuffer is how long before actual expiry a token counts as expiring.
// Refreshing early keeps a fetch from racing the provider's clock.
const ExpiryBuffer = 5 * time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	GetByID(ctx context.Context, id int64) (*integration.Integration, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	SetSyncError(ctx context.Context, id int64, message string) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// Service refreshes OAuth credentials on demand.
type Service struct {
	store    Store
	registry *provider.Registry
	locks    *refreshlock.Coordinator
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, registry *provider.Registry, locks *refreshlock.Coordinator, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
	}
}

// NeedsRefresh reports whether the integration's access token is expired or
// inside the expiry buffer. CalDAV-family integrations use static credentials
// and never need refreshing.
func (s *Service) NeedsRefresh(in *integration.Integration) bool {
	if in.Provider.IsCalDAV() {
		return false
	}
	if in.TokenExpiresAt.IsZero() {
		return false
	}
	return !in.TokenExpiresAt.After(s.now().Add(ExpiryBuffer))
}

// EnsureValid returns an integration whose access token is usable. When the
// token is inside the expiry buffer it refreshes first; when another caller
// holds the refresh lock it waits for that refresh by re-reading the row.
func (s *Service) EnsureValid(ctx context.Context, in *integration.Integration) (*integration.Integration, error) {
	if !s.NeedsRefresh(in) {
		return in, nil
	}

	refreshed, err := s.Refresh(ctx, in)
	if err == nil {
		return refreshed, nil
	}
	if errors.Is(err, refreshlock.ErrRefreshInProgress) {
		return s.awaitConcurrentRefresh(ctx, in.ID)
	}
	return nil, err
}

// awaitConcurrentRefresh polls the stored row until the concurrent holder has
// written fresh tokens or the context expires. The holder is bounded by HTTP
// timeouts, so a short poll window is enough.
func (s *Service) awaitConcurrentRefresh(ctx context.Context, id int64) (*integration.Integration, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("token: timed out waiting for concurrent refresh of integration %d", id)
		case <-ticker.C:
			current, err := s.store.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if !s.NeedsRefresh(current) {
				return current, nil
			}
		}
	}
}

// Refresh exchanges the refresh token for new credentials under the
// per-integration lock. Inside the lock the row is re-read and the expiry
// double-checked, so a caller that lost the race returns the winner's tokens
// without a second provider round trip.
func (s *Service) Refresh(ctx context.Context, in *integration.Integration) (*integration.Integration, error) {
	adapter, err := s.registry.Adapter(in.Provider)
	if err != nil {
		return nil, err
	}

	var result *integration.Integration
	lockErr := s.locks.WithLock(in.Provider, in.ID, func() error {
		current, err := s.store.GetByID(ctx, in.ID)
		if err != nil {
			return err
		}
		if !s.NeedsRefresh(current) {
			result = current
			return nil
		}

		start := s.now()
		creds, err := adapter.RefreshToken(ctx, current)
		if err != nil {
			metrics.ObserveTokenRefresh(string(in.Provider), "failure", time.Since(start))
			return s.recordRefreshFailure(ctx, current, err)
		}
		metrics.ObserveTokenRefresh(string(in.Provider), "success", time.Since(start))

		refreshToken := current.RefreshToken
		if creds.RefreshToken != "" {
			refreshToken = creds.RefreshToken
		}

		updated := *current
		updated.AccessToken = creds.AccessToken
		updated.RefreshToken = refreshToken
		updated.TokenExpiresAt = creds.ExpiresAt
		updated.SyncError = ""
		result = &updated

		if err := s.store.UpdateTokens(ctx, current.ID, creds.AccessToken, refreshToken, creds.ExpiresAt); err != nil {
			// The provider already rotated; losing the new tokens now would
			// strand the integration. Hand the in-memory copy to the caller
			// and let the next refresh retry persistence.
			s.logger.Error("persisting refreshed tokens failed, continuing with in-memory credentials",
				"integration_id", current.ID, "provider", current.Provider,
				"access_token", Mask(creds.AccessToken), "error", err)
			return nil
		}

		s.logger.Info("token refreshed",
			"integration_id", current.ID, "provider", current.Provider,
			"expires_at", creds.ExpiresAt, "rotated", creds.RefreshToken != "",
			"access_token", Mask(creds.AccessToken))
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return result, nil
}

// recordRefreshFailure stores the failure on the row. A permanent failure
// also deactivates the integration: the refresh token is dead and every
// future attempt would fail the same way until the user reconnects.
func (s *Service) recordRefreshFailure(ctx context.Context, in *integration.Integration, refreshErr error) error {
	class := provider.ClassOf(refreshErr)

	if err := s.store.SetSyncError(ctx, in.ID, refreshErr.Error()); err != nil {
		s.logger.Error("recording refresh failure", "integration_id", in.ID, "error", err)
	}
	if class == provider.ClassPermanent {
		s.logger.Warn("refresh token permanently rejected, deactivating integration",
			"integration_id", in.ID, "provider", in.Provider, "error", refreshErr)
		if err := s.store.SetActive(ctx, in.ID, false); err != nil {
			s.logger.Error("deactivating integration", "integration_id", in.ID, "error", err)
		}
	}
	return refreshErr
}
