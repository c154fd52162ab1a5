package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/integration"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
)

// Lister enumerates integrations the monitor should watch.
type Lister interface {
	ListActive(ctx context.Context) ([]integration.Integration, error)
}

// TokenSource matches the token service surface the monitor needs.
type TokenSource interface {
	EnsureValid(ctx context.Context, in *integration.Integration) (*integration.Integration, error)
}

// Monitor probes integration connections on a backoff schedule and folds
// ambient fetch outcomes into the same tracker.
type Monitor struct {
	tracker  *Tracker
	registry *provider.Registry
	tokens   TokenSource
	lister   Lister
	logger   *slog.Logger

	// failureLog throttles repeated failure logging; a provider outage
	// affecting hundreds of integrations should not flood the log.
	failureLog *rate.Limiter

	interval     time.Duration
	probeTimeout time.Duration
}

func NewMonitor(tracker *Tracker, registry *provider.Registry, tokens TokenSource, lister Lister, logger *slog.Logger) *Monitor {
	return &Monitor{
		tracker:      tracker,
		registry:     registry,
		tokens:       tokens,
		lister:       lister,
		logger:       logger,
		failureLog:   rate.NewLimiter(rate.Every(5*time.Second), 5),
		interval:     time.Minute,
		probeTimeout: 30 * time.Second,
	}
}

// Run drives the probe loop until the context ends. The loop tick is short;
// per-integration backoff lives in the tracker, so a tick only probes what
// DueForCheck admits.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	integrations, err := m.lister.ListActive(ctx)
	if err != nil {
		m.logger.Error("health sweep: listing integrations", "error", err)
		return
	}
	for i := range integrations {
		in := &integrations[i]
		if !m.tracker.DueForCheck(in.ID) {
			continue
		}
		m.Probe(ctx, in)
	}
}

// Probe runs one connection test and records the outcome.
func (m *Monitor) Probe(ctx context.Context, in *integration.Integration) {
	adapter, err := m.registry.Adapter(in.Provider)
	if err != nil {
		m.ReportFailure(in, err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if !in.Provider.IsCalDAV() {
		valid, err := m.tokens.EnsureValid(pctx, in)
		if err != nil {
			m.ReportFailure(in, err)
			return
		}
		in = valid
	}

	if _, err := adapter.TestConnection(pctx, in); err != nil {
		m.ReportFailure(in, err)
		return
	}
	m.ReportSuccess(in)
}

// ReportSuccess records a successful interaction. Implements the fetch
// aggregator's Reporter.
func (m *Monitor) ReportSuccess(in *integration.Integration) {
	transition := m.tracker.RecordSuccess(in.ID)
	if transition == TransitionNone {
		return
	}
	metrics.CountHealthTransition(string(in.Provider), string(transition))
	if transition == TransitionBecameHealthy {
		m.logger.Info("integration recovered",
			"integration_id", in.ID, "provider", in.Provider)
	}
}

// ReportFailure records a failed interaction.
func (m *Monitor) ReportFailure(in *integration.Integration, err error) {
	transition := m.tracker.RecordFailure(in.ID, err)
	if transition != TransitionNone {
		metrics.CountHealthTransition(string(in.Provider), string(transition))
	}

	// Transitions always log; repeats only within the rate budget.
	if transition == TransitionNone && !m.failureLog.Allow() {
		return
	}
	state, _ := m.tracker.StateOf(in.ID)
	m.logger.Warn("integration check failed",
		"integration_id", in.ID, "provider", in.Provider,
		"status", state.Status, "consecutive_failures", state.ConsecutiveFailures,
		"transition", transition, "next_check_at", state.NextCheckAt,
		"error", err)
}
