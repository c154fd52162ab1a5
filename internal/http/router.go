package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// NewRouter wires the management API and the OAuth connect flow.
func NewRouter(cfg *config.Config, st *store.Store, h *Handler) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// API endpoints: 20 requests per second, burst of 50
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/{provider}/connect", h.BeginOAuth)
		r.Get("/{provider}/callback", h.OAuthCallback)
	})

	r.Route("/api/integrations", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())

		r.Get("/", h.ListIntegrations)
		r.Post("/caldav", h.ConnectCalDAV)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetIntegration)
			r.Delete("/", h.DeleteIntegration)
			r.Put("/calendars", h.UpdateCalendarSelection)
			r.Post("/calendars/refresh", h.RefreshCalendars)
			r.Post("/refresh", h.ForceRefresh)
			r.Post("/active", h.SetActive)
			r.Get("/events", h.Events)
		})
	})

	return r
}
