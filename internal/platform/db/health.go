package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// BackendReport is the live ping result for one backend.
type BackendReport struct {
	Healthy bool       `json:"healthy"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// GetPoolStats returns pool statistics when b is a pgx pool, nil otherwise.
func GetPoolStats(b Backend) *PoolStats {
	pool, ok := b.(*pgxpool.Pool)
	if !ok {
		return nil
	}
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

func pingReport(ctx context.Context, b Backend) BackendReport {
	rep := BackendReport{Healthy: true, Pool: GetPoolStats(b)}
	if err := b.Ping(ctx); err != nil {
		rep.Healthy = false
		rep.Error = err.Error()
	}
	return rep
}

// HealthHandler pings both backends directly, bypassing the cached verdicts,
// and reports pool statistics. It answers 503 only when no backend responds.
func HealthHandler(r *Router) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		backends := map[string]BackendReport{
			primaryName: pingReport(ctx, r.primary),
		}
		if r.backup != nil {
			backends[backupName] = pingReport(ctx, r.backup)
		}

		up := 0
		for _, rep := range backends {
			if rep.Healthy {
				up++
			}
		}

		status, code := "healthy", http.StatusOK
		switch {
		case up == 0:
			status, code = "unhealthy", http.StatusServiceUnavailable
		case up < len(backends):
			status = "degraded"
		}

		return c.JSON(code, map[string]interface{}{
			"status":   status,
			"backends": backends,
		})
	}
}
