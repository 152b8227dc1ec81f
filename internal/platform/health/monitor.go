package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Monitor is a suture service that refreshes both routers' health on a
// fixed interval so failover decisions do not wait for the next request.
type Monitor struct {
	checker  *Checker
	interval time.Duration
	logger   zerolog.Logger
	last     string
}

func NewMonitor(checker *Checker, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		checker:  checker,
		interval: interval,
		logger:   logger.With().Str("component", "health-monitor").Logger(),
	}
}

// Serve implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	report, err := m.checker.Check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("health probe failed")
		}
		return
	}
	if report.Status != m.last {
		evt := m.logger.Info()
		if report.Status != StatusHealthy {
			evt = m.logger.Warn()
		}
		evt.Str("status", report.Status).
			Str("previous", m.last).
			Str("active_database", report.Database.ActiveDatabase).
			Str("active_storage", report.Storage.ActiveBackend).
			Msg("system health changed")
		m.last = report.Status
	}
}

// LastStatus returns the most recent classified status, or "" before the
// first probe. Not safe for use concurrently with Serve.
func (m *Monitor) LastStatus() string { return m.last }

func (m *Monitor) String() string { return "health-monitor" }
