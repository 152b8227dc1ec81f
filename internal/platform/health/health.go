// Package health reports the combined state of the database and storage
// routers and keeps their cached verdicts fresh in the background.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/intake/portal/internal/platform/blobstore"
	"github.com/intake/portal/internal/platform/db"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DatabaseChecker is satisfied by *db.Router.
type DatabaseChecker interface {
	HealthStatus(ctx context.Context) db.HealthStatus
}

// StorageChecker is satisfied by *blobstore.Router.
type StorageChecker interface {
	HealthStatus(ctx context.Context) blobstore.StorageHealth
	Config() blobstore.ConfigSnapshot
}

// Info is static build and deployment metadata echoed in reports.
type Info struct {
	Version     string
	Environment string
	ForceBackup bool
}

type ConfigReport struct {
	DualWriteEnabled bool                     `json:"dualWriteEnabled"`
	ForceBackupDB    bool                     `json:"forceBackupDb"`
	Storage          blobstore.ConfigSnapshot `json:"storage"`
}

// Report is the body of GET /api/health.
type Report struct {
	Status      string                  `json:"status"`
	Timestamp   string                  `json:"timestamp"`
	Version     string                  `json:"version"`
	Environment string                  `json:"environment"`
	Database    db.HealthStatus         `json:"database"`
	Storage     blobstore.StorageHealth `json:"storage"`
	Config      ConfigReport            `json:"config"`
}

// Checker assembles system health from both routers.
type Checker struct {
	db      DatabaseChecker
	storage StorageChecker
	info    Info
	timeout time.Duration
	now     func() time.Time
}

func NewChecker(dbc DatabaseChecker, sc StorageChecker, info Info) *Checker {
	return &Checker{db: dbc, storage: sc, info: info, timeout: 10 * time.Second, now: time.Now}
}

// Check probes both routers concurrently. It fails only when ctx expires
// before the probes complete.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		dbh db.HealthStatus
		sh  blobstore.StorageHealth
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dbh = c.db.HealthStatus(gctx)
		return nil
	})
	g.Go(func() error {
		sh = c.storage.HealthStatus(gctx)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Report{
		Status:      Classify(dbh, sh),
		Timestamp:   c.now().UTC().Format(time.RFC3339),
		Version:     c.info.Version,
		Environment: c.info.Environment,
		Database:    dbh,
		Storage:     sh,
		Config: ConfigReport{
			DualWriteEnabled: dbh.DualWriteEnabled,
			ForceBackupDB:    c.info.ForceBackup,
			Storage:          c.storage.Config(),
		},
	}, nil
}

// Classify returns unhealthy when both databases or both storage backends
// are down, degraded when any one of them is down, and healthy otherwise.
// An unconfigured backend counts as down.
func Classify(dbh db.HealthStatus, sh blobstore.StorageHealth) string {
	dbs := []db.BackendHealth{dbh.Primary, dbh.Backup}
	stores := []blobstore.StoreHealth{sh.GCS, sh.S3}

	dbUp, dbDown := countDB(dbs)
	stUp, stDown := countStores(stores)

	switch {
	case dbUp == 0 && dbDown > 0, stUp == 0 && stDown > 0:
		return StatusUnhealthy
	case dbDown > 0 || stDown > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func countDB(hs []db.BackendHealth) (up, down int) {
	for _, h := range hs {
		if h.Configured && h.Healthy {
			up++
		} else {
			down++
		}
	}
	return up, down
}

func countStores(hs []blobstore.StoreHealth) (up, down int) {
	for _, h := range hs {
		if h.Configured && h.Healthy {
			up++
		} else {
			down++
		}
	}
	return up, down
}

// Handler serves GET /api/health.
func (c *Checker) Handler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		report, err := c.Check(ec.Request().Context())
		if err != nil {
			msg := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				msg = "health check timed out"
			}
			return ec.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": StatusUnhealthy,
				"error":  msg,
			})
		}

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		ec.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		return ec.JSON(code, report)
	}
}
