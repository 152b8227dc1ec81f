package db

import (
	"context"
	"fmt"
	"time"

	"github.com/intake/portal/internal/platform/telemetry"
)

// WriteFunc is a logical write that can be replayed against any backend.
// It must not mutate state shared with the caller: the mirror copy runs
// concurrently with whatever the caller does next. Keys are generated by the
// caller before the write so both backends store identical rows.
type WriteFunc[T any] func(ctx context.Context, q Querier) (T, error)

// MirrorResult is the outcome of a synchronous dual write.
type MirrorResult[T any] struct {
	Primary   T
	Backup    *T
	BackupErr error
}

// DualWrite runs op on the primary and returns its result. When the primary
// fails and the backup is healthy, op is retried on the backup. When the
// primary succeeds and mirroring is on, op is replayed on the backup in the
// background; mirror failures only affect the backup's health record.
//
// In forced-backup mode the backup is the only write target.
func DualWrite[T any](ctx context.Context, r *Router, op WriteFunc[T]) (T, error) {
	if r.cfg.ForceBackup && r.backup != nil {
		res, err := op(ctx, r.backup)
		if err != nil {
			r.backupState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
			telemetry.DBWrites.WithLabelValues(backupName, "forced", "failure").Inc()
			return res, fmt.Errorf("backup write: %w", err)
		}
		r.backupState.recordSuccess(time.Time{})
		telemetry.DBWrites.WithLabelValues(backupName, "forced", "success").Inc()
		return res, nil
	}

	res, err := op(ctx, r.primary)
	if err != nil {
		r.logger.Error().Err(err).Msg("primary write failed")
		r.primaryState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
		telemetry.DBWrites.WithLabelValues(primaryName, "primary", "failure").Inc()

		if r.backup != nil && r.backupState.isHealthy() {
			r.logger.Warn().Msg("attempting backup write as fallback")
			fallback, berr := op(ctx, r.backup)
			if berr != nil {
				r.backupState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
				telemetry.DBWrites.WithLabelValues(backupName, "fallback", "failure").Inc()
				return fallback, fmt.Errorf("fallback write after primary error (%v): %w", err, berr)
			}
			r.backupState.recordSuccess(time.Time{})
			telemetry.DBWrites.WithLabelValues(backupName, "fallback", "success").Inc()
			return fallback, nil
		}
		return res, err
	}

	r.primaryState.recordSuccess(time.Time{})
	telemetry.DBWrites.WithLabelValues(primaryName, "primary", "success").Inc()

	if r.cfg.DualWrite && r.backup != nil {
		mirror(ctx, r, op)
	}
	return res, nil
}

func mirror[T any](ctx context.Context, r *Router, op WriteFunc[T]) {
	if !r.startMirror() {
		r.logger.Warn().Msg("router closing, skipping backup mirror write")
		return
	}

	// The mirror outlives the request, so it keeps the request's values but
	// not its cancellation.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.MirrorTimeout)
	go func() {
		defer r.mirrors.Done()
		defer cancel()

		if _, err := op(mctx, r.backup); err != nil {
			r.logger.Error().Err(err).Msg("backup mirror write failed")
			r.backupState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
			telemetry.DBWrites.WithLabelValues(backupName, "mirror", "failure").Inc()
			return
		}
		r.logger.Debug().Msg("backup mirror write succeeded")
		r.backupState.recordSuccess(time.Time{})
		telemetry.DBWrites.WithLabelValues(backupName, "mirror", "success").Inc()
	}()
}

// DualWriteSync runs op on the primary, then on the backup, waiting for both.
// A primary error is returned; a backup error is logged and reported in the
// result only.
func DualWriteSync[T any](ctx context.Context, r *Router, op WriteFunc[T]) (MirrorResult[T], error) {
	var out MirrorResult[T]

	res, err := op(ctx, r.primary)
	if err != nil {
		r.primaryState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
		telemetry.DBWrites.WithLabelValues(primaryName, "sync", "failure").Inc()
		return out, fmt.Errorf("primary write: %w", err)
	}
	r.primaryState.recordSuccess(time.Time{})
	telemetry.DBWrites.WithLabelValues(primaryName, "sync", "success").Inc()
	out.Primary = res

	if !r.cfg.DualWrite || r.backup == nil {
		return out, nil
	}

	bres, err := op(ctx, r.backup)
	if err != nil {
		r.logger.Error().Err(err).Msg("synchronous backup write failed")
		r.backupState.recordFailure(r.cfg.FailoverThreshold, time.Time{})
		telemetry.DBWrites.WithLabelValues(backupName, "sync", "failure").Inc()
		out.BackupErr = err
		return out, nil
	}
	r.backupState.recordSuccess(time.Time{})
	telemetry.DBWrites.WithLabelValues(backupName, "sync", "success").Inc()
	out.Backup = &bres
	return out, nil
}
