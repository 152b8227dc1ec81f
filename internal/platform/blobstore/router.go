package blobstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/intake/portal/internal/platform/telemetry"
)

// RouterConfig controls how the router uses its two stores.
type RouterConfig struct {
	Failover      bool
	DualWrite     bool
	ForceBackup   bool
	CheckInterval time.Duration
	Bucket        string
}

// UploadResult reports where an upload landed.
type UploadResult struct {
	Success          bool   `json:"success"`
	Key              string `json:"key"`
	URL              string `json:"url,omitempty"`
	Backend          string `json:"backend"`
	DualWriteSuccess bool   `json:"dualWriteSuccess"`
}

// StoreHealth is the cached health of one backend.
type StoreHealth struct {
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"lastCheck"`
	Configured bool      `json:"configured"`
}

// StorageHealth is the router-wide health report.
type StorageHealth struct {
	GCS           StoreHealth `json:"gcs"`
	S3            StoreHealth `json:"s3"`
	ActiveBackend string      `json:"activeBackend"`
}

// ConfigSnapshot is the effective router configuration.
type ConfigSnapshot struct {
	PrimaryBackend   string `json:"primaryBackend"`
	ActiveBackend    string `json:"activeBackend"`
	FailoverEnabled  bool   `json:"failoverEnabled"`
	DualWriteEnabled bool   `json:"dualWriteEnabled"`
	ForceBackup      bool   `json:"forceBackup"`
	Bucket           string `json:"bucket"`
}

type storeState struct {
	mu        sync.Mutex
	healthy   bool
	lastCheck time.Time
}

func (s *storeState) get() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy, s.lastCheck
}

func (s *storeState) set(healthy bool, at time.Time) {
	s.mu.Lock()
	s.healthy = healthy
	s.lastCheck = at
	s.mu.Unlock()
}

// Router fronts a primary store and an optional secondary one. Unlike the
// database router a single failed check or upload marks a store unhealthy.
type Router struct {
	primary   ObjectStore
	secondary ObjectStore
	// secondaryName is the backend the secondary slot stands for, even when
	// it is not configured.
	secondaryName string

	cfg    RouterConfig
	logger zerolog.Logger
	now    func() time.Time

	primaryState   *storeState
	secondaryState *storeState
}

// NewRouter builds a storage router. secondary may be nil.
func NewRouter(primary, secondary ObjectStore, cfg RouterConfig, logger zerolog.Logger) *Router {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	r := &Router{
		primary:        primary,
		secondary:      secondary,
		secondaryName:  otherBackend(primary.Name()),
		cfg:            cfg,
		logger:         logger.With().Str("component", "storage-router").Logger(),
		now:            time.Now,
		primaryState:   &storeState{healthy: true},
		secondaryState: &storeState{healthy: secondary != nil},
	}
	if secondary != nil {
		r.secondaryName = secondary.Name()
	}
	r.publish()
	return r
}

func otherBackend(name string) string {
	if name == "s3" {
		return "gcs"
	}
	return "s3"
}

func (r *Router) publish() {
	ph, _ := r.primaryState.get()
	sh, _ := r.secondaryState.get()
	telemetry.StorageBackendHealthy.WithLabelValues(r.primary.Name()).Set(telemetry.BoolGauge(ph))
	telemetry.StorageBackendHealthy.WithLabelValues(r.secondaryName).Set(telemetry.BoolGauge(sh))
}

// target is the store an operation runs on, plus the one to fall back to.
type target struct {
	store ObjectStore
	state *storeState
	other ObjectStore
}

func (r *Router) pick() target {
	primary := target{r.primary, r.primaryState, r.secondary}
	secondary := target{r.secondary, r.secondaryState, r.primary}

	if r.cfg.ForceBackup {
		if r.secondary != nil {
			return secondary
		}
		r.logger.Warn().Msg("backup storage not configured, using primary")
		return primary
	}

	if r.cfg.Failover && r.secondary != nil {
		ph, _ := r.primaryState.get()
		sh, _ := r.secondaryState.get()
		if !ph && sh {
			r.logger.Debug().Str("backend", r.secondary.Name()).Msg("failover: primary storage unhealthy")
			return secondary
		}
	}
	return primary
}

// ActiveBackend names the backend operations currently go to.
func (r *Router) ActiveBackend() string {
	return r.pick().store.Name()
}

func (r *Router) canFailover(t target) bool {
	return r.cfg.Failover && t.other != nil
}

func (r *Router) count(backend, op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	telemetry.StorageOperations.WithLabelValues(backend, op, result).Inc()
}

func (r *Router) urlFor(s ObjectStore, key string) string {
	if u, ok := s.(URLer); ok {
		return u.URL(key)
	}
	return ""
}

// Upload writes to the active store. With dual write on it also writes to the
// other store and reports whether that succeeded; a mirror failure is only
// logged. If the active store fails and failover is on, it is marked unhealthy
// and the upload goes to the other store.
func (r *Router) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	t := r.pick()

	err := t.store.Put(ctx, key, data, contentType)
	r.count(t.store.Name(), "upload", err)
	if err != nil {
		if !r.canFailover(t) {
			return nil, err
		}
		r.logger.Error().Err(err).Str("backend", t.store.Name()).Str("key", key).Msg("primary upload failed, attempting failover")
		t.state.set(false, r.now())
		r.publish()
		telemetry.StorageFailovers.WithLabelValues("upload").Inc()

		ferr := t.other.Put(ctx, key, data, contentType)
		r.count(t.other.Name(), "upload", ferr)
		if ferr != nil {
			return nil, fmt.Errorf("failover upload to %s: %w", t.other.Name(), ferr)
		}
		return &UploadResult{Success: true, Key: key, URL: r.urlFor(t.other, key), Backend: t.other.Name()}, nil
	}
	r.logger.Info().Str("backend", t.store.Name()).Str("key", key).Int("bytes", len(data)).Msg("uploaded object")

	res := &UploadResult{Success: true, Key: key, URL: r.urlFor(t.store, key), Backend: t.store.Name()}
	if r.cfg.DualWrite && t.other != nil {
		merr := t.other.Put(ctx, key, data, contentType)
		r.count(t.other.Name(), "mirror_upload", merr)
		if merr != nil {
			r.logger.Error().Err(merr).Str("backend", t.other.Name()).Str("key", key).Msg("dual-write upload failed")
		} else {
			res.DualWriteSuccess = true
		}
	}
	return res, nil
}

// read runs fn on the active store, retrying on the other store when failover
// is enabled.
func read[T any](r *Router, op string, fn func(ObjectStore) (T, error)) (T, error) {
	t := r.pick()
	res, err := fn(t.store)
	r.count(t.store.Name(), op, err)
	if err == nil || !r.canFailover(t) {
		return res, err
	}

	r.logger.Warn().Err(err).Str("backend", t.store.Name()).Str("op", op).Msg("storage read failed, attempting failover")
	telemetry.StorageFailovers.WithLabelValues(op).Inc()
	res, err = fn(t.other)
	r.count(t.other.Name(), op, err)
	return res, err
}

type object struct {
	data []byte
	rc   io.ReadCloser
	info ObjectInfo
}

// Download returns the object's bytes.
func (r *Router) Download(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	obj, err := read(r, "download", func(s ObjectStore) (object, error) {
		data, info, err := s.Get(ctx, key)
		return object{data: data, info: info}, err
	})
	return obj.data, obj.info, err
}

// Open streams the object. The caller closes the reader.
func (r *Router) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := read(r, "stream", func(s ObjectStore) (object, error) {
		rc, info, err := s.Open(ctx, key)
		return object{rc: rc, info: info}, err
	})
	return obj.rc, obj.info, err
}

// Exists reports whether key is present.
func (r *Router) Exists(ctx context.Context, key string) (bool, error) {
	return read(r, "exists", func(s ObjectStore) (bool, error) {
		return s.Exists(ctx, key)
	})
}

// Delete removes key from the active store, and from the other store when
// dual write is on. If the active delete fails and failover is on, the delete
// goes to the other store instead.
func (r *Router) Delete(ctx context.Context, key string) error {
	t := r.pick()
	err := t.store.Delete(ctx, key)
	r.count(t.store.Name(), "delete", err)
	if err != nil {
		if !r.canFailover(t) {
			return err
		}
		r.logger.Error().Err(err).Str("backend", t.store.Name()).Str("key", key).Msg("delete failed, attempting failover")
		telemetry.StorageFailovers.WithLabelValues("delete").Inc()
		ferr := t.other.Delete(ctx, key)
		r.count(t.other.Name(), "delete", ferr)
		return ferr
	}

	if r.cfg.DualWrite && t.other != nil {
		merr := t.other.Delete(ctx, key)
		r.count(t.other.Name(), "mirror_delete", merr)
		if merr != nil {
			r.logger.Error().Err(merr).Str("backend", t.other.Name()).Str("key", key).Msg("dual-delete from backup failed")
		}
	}
	return nil
}

// SignedURL presigns a download URL, preferring the active store.
func (r *Router) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	t := r.pick()
	for _, s := range []ObjectStore{t.store, t.other} {
		if signer, ok := s.(Signer); ok {
			return signer.SignedURL(ctx, key, ttl)
		}
	}
	return "", ErrSigningUnsupported
}

func (r *Router) check(ctx context.Context, s ObjectStore, st *storeState, name string) {
	now := r.now()
	if _, last := st.get(); now.Sub(last) < r.cfg.CheckInterval {
		return
	}
	if s == nil {
		st.set(false, now)
		return
	}
	if err := s.Ping(ctx); err != nil {
		r.logger.Error().Err(err).Str("backend", name).Msg("storage health check failed")
		st.set(false, r.now())
		return
	}
	st.set(true, r.now())
}

// HealthStatus pings both stores concurrently unless their verdicts are
// younger than the check interval.
func (r *Router) HealthStatus(ctx context.Context) StorageHealth {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.check(gctx, r.primary, r.primaryState, r.primary.Name())
		return nil
	})
	g.Go(func() error {
		r.check(gctx, r.secondary, r.secondaryState, r.secondaryName)
		return nil
	})
	_ = g.Wait()
	r.publish()

	ph, pl := r.primaryState.get()
	sh, sl := r.secondaryState.get()
	byName := map[string]StoreHealth{
		r.primary.Name(): {Healthy: ph, LastCheck: pl, Configured: true},
		r.secondaryName:  {Healthy: sh, LastCheck: sl, Configured: r.secondary != nil},
	}
	return StorageHealth{
		GCS:           byName["gcs"],
		S3:            byName["s3"],
		ActiveBackend: r.ActiveBackend(),
	}
}

// Config returns the effective configuration.
func (r *Router) Config() ConfigSnapshot {
	return ConfigSnapshot{
		PrimaryBackend:   r.primary.Name(),
		ActiveBackend:    r.ActiveBackend(),
		FailoverEnabled:  r.cfg.Failover,
		DualWriteEnabled: r.cfg.DualWrite,
		ForceBackup:      r.cfg.ForceBackup,
		Bucket:           r.cfg.Bucket,
	}
}
