package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/intake/portal/internal/config"
	"github.com/intake/portal/internal/domain/assessment"
	"github.com/intake/portal/internal/domain/audio"
	"github.com/intake/portal/internal/domain/insights"
	"github.com/intake/portal/internal/domain/journal"
	"github.com/intake/portal/internal/domain/patient"
	"github.com/intake/portal/internal/domain/weather"
	"github.com/intake/portal/internal/platform/analysis"
	"github.com/intake/portal/internal/platform/auth"
	"github.com/intake/portal/internal/platform/blobstore"
	"github.com/intake/portal/internal/platform/db"
	"github.com/intake/portal/internal/platform/health"
	"github.com/intake/portal/internal/platform/middleware"
	"github.com/intake/portal/internal/platform/telemetry"
	"github.com/intake/portal/internal/platform/transcribe"
	"github.com/intake/portal/internal/platform/validation"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "portal-server",
		Short:        "Intake portal clinician API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(profileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "intake-portal").Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openDatabases connects the primary and, when configured, the backup. An
// unreachable backup is logged and left out rather than failing startup.
func openDatabases(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*db.Router, error) {
	pc := db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns, AppName: "intake-portal"}

	primary, err := db.NewPool(ctx, cfg.DatabaseURL, pc)
	if err != nil {
		return nil, fmt.Errorf("primary database: %w", err)
	}

	var backup db.Backend
	if cfg.BackupConfigured() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURLBackup, pc)
		if err != nil {
			logger.Error().Err(err).Msg("backup database unavailable, continuing without it")
		} else {
			backup = pool
		}
	}

	return db.NewRouter(primary, backup, db.RouterConfig{
		DualWrite:         cfg.EnableDualWrite,
		ForceBackup:       cfg.ForceBackupDB,
		CheckInterval:     cfg.DBHealthCheckInterval,
		FailoverThreshold: cfg.DBFailoverThreshold,
		MirrorTimeout:     cfg.DBMirrorTimeout,
	}, logger), nil
}

// openStorage builds both object stores and the router over them. Outside
// development the configured primary backend must come up.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*blobstore.Router, func(), error) {
	var (
		gcs, s3 blobstore.ObjectStore
		closers []func()
	)

	if g, err := blobstore.NewGCSStore(ctx, cfg.GCPProjectID, cfg.GCSBucketName); err != nil {
		logger.Warn().Err(err).Msg("gcs storage unavailable")
	} else {
		gcs = g
		closers = append(closers, func() { _ = g.Close() })
	}

	if s := cfg.S3(); s.Configured() {
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Options{
			Endpoint:        s.Endpoint,
			Region:          s.Region,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			Bucket:          s.Bucket,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("s3 storage unavailable")
		} else {
			s3 = store
		}
	}

	primary, secondary := gcs, s3
	bucket := cfg.GCSBucketName
	if cfg.StorageBackend == "s3" {
		primary, secondary = s3, gcs
		bucket = cfg.S3().Bucket
	}
	if primary == nil {
		if !cfg.IsDev() {
			return nil, nil, fmt.Errorf("storage backend %q is not available", cfg.StorageBackend)
		}
		logger.Warn().Str("backend", cfg.StorageBackend).Msg("using in-memory audio storage")
		primary = blobstore.NewMemoryStore(cfg.StorageBackend)
	}

	router := blobstore.NewRouter(primary, secondary, blobstore.RouterConfig{
		Failover:      cfg.StorageFailover,
		DualWrite:     cfg.StorageDualWrite,
		ForceBackup:   cfg.ForceBackupStorage,
		CheckInterval: cfg.StorageHealthCheckInterval,
		Bucket:        bucket,
	}, logger)

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return router, closeAll, nil
}

// newServer assembles the echo instance: middleware chain, domain routes
// and the infrastructure endpoints.
func newServer(cfg *config.Config, logger zerolog.Logger, dbr *db.Router, storage *blobstore.Router, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit("1M", "50M", "/api/audio"))
	// Transcription runs for minutes; the script has its own timeout.
	e.Use(middleware.RequestTimeout(60*time.Second, "/api/transcribe"))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: cfg.SigningKeyBytes(),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/api/health", checker.Handler())
	e.GET("/health", checker.Handler())
	e.GET("/health/db", db.HealthHandler(dbr))
	e.GET("/metrics", telemetry.Handler())

	api := e.Group("/api")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	clinician := api.Group("/clinician")

	patientSvc := patient.NewService(patient.NewRepo(dbr))
	patient.NewHandler(patientSvc).RegisterRoutes(clinician)

	assessment.NewHandler(assessment.NewService(assessment.NewRepo(dbr))).RegisterRoutes(clinician)
	journal.NewHandler(journal.NewRepo(dbr)).RegisterRoutes(clinician)

	analyzer := analysis.NewClient(analysis.Options{
		IntakeURL:   cfg.IntakeAnalysisURL,
		APIKey:      cfg.IntakeAnalysisAPIKey,
		InsightsURL: cfg.ClinicalInsightsServiceURL,
	}, logger)
	insights.NewHandler(analyzer, patientSvc, logger).RegisterRoutes(api, clinician)

	runner := transcribe.NewRunner(cfg.TranscribePython, cfg.TranscribeScript, 10*time.Minute, logger)
	audio.NewHandler(storage, runner, logger).RegisterRoutes(api)

	weather.NewHandler(weather.NewClient(cfg.WeatherAPIURL, nil), logger).RegisterRoutes(api)

	return e
}

func newChecker(cfg *config.Config, dbr *db.Router, storage *blobstore.Router) *health.Checker {
	return health.NewChecker(dbr, storage, health.Info{
		Version:     cfg.AppVersion,
		Environment: cfg.Env,
		ForceBackup: cfg.ForceBackupDB,
	})
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbr, err := openDatabases(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbr.Close()
	logger.Info().Bool("backup", dbr.BackupConfigured()).Msg("connected to database")

	storage, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()
	logger.Info().Str("backend", storage.ActiveBackend()).Msg("storage router ready")

	checker := newChecker(cfg, dbr, storage)
	e := newServer(cfg, logger, dbr, storage, checker)

	sup := suture.New("intake-portal", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn().Str("event", ev.String()).Msg("supervisor event")
		},
	})
	if cfg.HealthProbeInterval > 0 {
		sup.Add(health.NewMonitor(checker, cfg.HealthProbeInterval, logger))
	}
	supDone := sup.ServeBackground(ctx)

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			<-supDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stop()
	<-supDone
	logger.Info().Msg("server stopped")
	return nil
}
