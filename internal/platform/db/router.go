package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/intake/portal/internal/platform/telemetry"
)

const (
	primaryName = "primary"
	backupName  = "backup"
)

// RouterConfig controls mirroring and failover.
type RouterConfig struct {
	DualWrite         bool
	ForceBackup       bool
	CheckInterval     time.Duration
	FailoverThreshold int
	MirrorTimeout     time.Duration
}

func (c *RouterConfig) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = 3
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 30 * time.Second
	}
}

// BackendHealth is a point-in-time view of one backend's health record.
type BackendHealth struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Configured          bool      `json:"configured"`
}

// HealthStatus is the router-wide health report.
type HealthStatus struct {
	Primary          BackendHealth `json:"primary"`
	Backup           BackendHealth `json:"backup"`
	ActiveDatabase   string        `json:"activeDatabase"`
	DualWriteEnabled bool          `json:"dualWriteEnabled"`
}

// backendState tracks health for one backend. A backend starts healthy with
// a zero LastCheck so the first probe always reaches the database.
type backendState struct {
	name       string
	configured bool

	mu        sync.Mutex
	healthy   bool
	lastCheck time.Time
	failures  int
}

func newBackendState(name string, configured bool) *backendState {
	s := &backendState{name: name, configured: configured, healthy: configured}
	s.publish()
	return s
}

func (s *backendState) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *backendState) snapshot() BackendHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BackendHealth{
		Healthy:             s.healthy,
		LastCheck:           s.lastCheck,
		ConsecutiveFailures: s.failures,
		Configured:          s.configured,
	}
}

// cached returns the last verdict when it is younger than interval.
func (s *backendState) cached(now time.Time, interval time.Duration) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastCheck) < interval {
		return s.healthy, true
	}
	return false, false
}

func (s *backendState) recordSuccess(checkedAt time.Time) {
	s.mu.Lock()
	s.healthy = true
	s.failures = 0
	if !checkedAt.IsZero() {
		s.lastCheck = checkedAt
	}
	s.mu.Unlock()
	s.publish()
}

// recordFailure counts a failure and flips the backend unhealthy once the
// threshold is reached. A single failure never changes the verdict.
func (s *backendState) recordFailure(threshold int, checkedAt time.Time) {
	s.mu.Lock()
	s.failures++
	if s.failures >= threshold {
		s.healthy = false
	}
	if !checkedAt.IsZero() {
		s.lastCheck = checkedAt
	}
	s.mu.Unlock()
	s.publish()
}

func (s *backendState) markUnconfigured() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	s.publish()
}

func (s *backendState) publish() {
	h := s.snapshot()
	telemetry.DBBackendHealthy.WithLabelValues(s.name).Set(telemetry.BoolGauge(h.Healthy))
	telemetry.DBBackendFailures.WithLabelValues(s.name).Set(float64(h.ConsecutiveFailures))
}

// Router chooses between a primary and an optional backup database, mirrors
// writes and tracks the health of both.
type Router struct {
	primary Backend
	backup  Backend
	cfg     RouterConfig
	logger  zerolog.Logger
	now     func() time.Time

	primaryState *backendState
	backupState  *backendState
	failedOver   atomic.Bool

	mu      sync.Mutex
	closed  bool
	mirrors sync.WaitGroup
}

// NewRouter builds a router. backup may be nil when no backup database is
// configured; pass an untyped nil, not a nil pool.
func NewRouter(primary, backup Backend, cfg RouterConfig, logger zerolog.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		primary:      primary,
		backup:       backup,
		cfg:          cfg,
		logger:       logger.With().Str("component", "db-router").Logger(),
		now:          time.Now,
		primaryState: newBackendState(primaryName, true),
		backupState:  newBackendState(backupName, backup != nil),
	}
}

// Primary returns the primary backend.
func (r *Router) Primary() Backend { return r.primary }

// Backup returns the backup backend, or nil when none is configured.
func (r *Router) Backup() Backend { return r.backup }

// BackupConfigured reports whether a backup backend exists.
func (r *Router) BackupConfigured() bool { return r.backup != nil }

// Active returns the backend reads should use. Forced mode pins the backup;
// otherwise the backup is used only while the primary is unhealthy and the
// backup is not.
func (r *Router) Active() Backend {
	if r.cfg.ForceBackup {
		if r.backup != nil {
			r.logger.Debug().Msg("using backup database (forced)")
			return r.backup
		}
		r.logger.Warn().Msg("backup database not configured, using primary")
		return r.primary
	}

	if r.backup != nil && !r.primaryState.isHealthy() && r.backupState.isHealthy() {
		if r.failedOver.CompareAndSwap(false, true) {
			r.logger.Warn().Msg("primary database unhealthy, failing over to backup")
			telemetry.DBFailovers.Inc()
		}
		return r.backup
	}
	if r.failedOver.CompareAndSwap(true, false) {
		r.logger.Info().Msg("primary database recovered, reads back on primary")
	}
	return r.primary
}

func (r *Router) activeName() string {
	if r.backup == nil {
		return primaryName
	}
	if r.cfg.ForceBackup || (!r.primaryState.isHealthy() && r.backupState.isHealthy()) {
		return backupName
	}
	return primaryName
}

// CheckPrimary probes the primary with SELECT 1 unless a verdict younger than
// the check interval is cached.
func (r *Router) CheckPrimary(ctx context.Context) bool {
	return r.check(ctx, r.primary, r.primaryState)
}

// CheckBackup probes the backup. An unconfigured backup is always unhealthy.
func (r *Router) CheckBackup(ctx context.Context) bool {
	if r.backup == nil {
		r.backupState.markUnconfigured()
		return false
	}
	return r.check(ctx, r.backup, r.backupState)
}

func (r *Router) check(ctx context.Context, b Backend, s *backendState) bool {
	now := r.now()
	if healthy, ok := s.cached(now, r.cfg.CheckInterval); ok {
		return healthy
	}

	if _, err := b.Exec(ctx, "SELECT 1"); err != nil {
		r.logger.Error().Err(err).Str("backend", s.name).Msg("database health check failed")
		s.recordFailure(r.cfg.FailoverThreshold, r.now())
		return false
	}
	s.recordSuccess(r.now())
	return true
}

// HealthStatus probes both backends concurrently and reports their state.
func (r *Router) HealthStatus(ctx context.Context) HealthStatus {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.CheckPrimary(gctx)
		return nil
	})
	g.Go(func() error {
		r.CheckBackup(gctx)
		return nil
	})
	_ = g.Wait()

	return HealthStatus{
		Primary:          r.primaryState.snapshot(),
		Backup:           r.backupState.snapshot(),
		ActiveDatabase:   r.activeName(),
		DualWriteEnabled: r.cfg.DualWrite && r.backup != nil,
	}
}

// Wait blocks until all in-flight mirror writes have finished.
func (r *Router) Wait() {
	r.mirrors.Wait()
}

// Close stops accepting mirror writes, waits for in-flight ones and closes
// both backends.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.mirrors.Wait()
	r.primary.Close()
	if r.backup != nil {
		r.backup.Close()
	}
}

// startMirror registers a mirror write. It returns false once the router is
// closing.
func (r *Router) startMirror() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.mirrors.Add(1)
	return true
}
