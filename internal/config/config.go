package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultBucket = "intake-assessment-audio-files"

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AppVersion     string   `mapstructure:"APP_VERSION"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	// Database router
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DatabaseURLBackup     string        `mapstructure:"DATABASE_URL_BACKUP"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	EnableDualWrite       bool          `mapstructure:"ENABLE_DUAL_WRITE"`
	ForceBackupDB         bool          `mapstructure:"FORCE_BACKUP_DB"`
	DBHealthCheckInterval time.Duration `mapstructure:"DB_HEALTH_CHECK_INTERVAL"`
	DBFailoverThreshold   int           `mapstructure:"DB_FAILOVER_THRESHOLD"`
	DBMirrorTimeout       time.Duration `mapstructure:"DB_MIRROR_TIMEOUT"`

	// Storage router
	StorageBackend             string        `mapstructure:"STORAGE_BACKEND"`
	StorageFailover            bool          `mapstructure:"STORAGE_FAILOVER"`
	ForceBackupStorage         bool          `mapstructure:"FORCE_BACKUP_STORAGE"`
	StorageDualWrite           bool          `mapstructure:"STORAGE_DUAL_WRITE"`
	StorageHealthCheckInterval time.Duration `mapstructure:"STORAGE_HEALTH_CHECK_INTERVAL"`
	GCPProjectID               string        `mapstructure:"GCP_PROJECT_ID"`
	GCSBucketName              string        `mapstructure:"GCS_BUCKET_NAME"`
	S3Endpoint                 string        `mapstructure:"S3_ENDPOINT"`
	S3Region                   string        `mapstructure:"S3_REGION"`
	S3AccessKeyID              string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey          string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3BucketName               string        `mapstructure:"S3_BUCKET_NAME"`
	R2AccountID                string        `mapstructure:"R2_ACCOUNT_ID"`
	R2AccessKeyID              string        `mapstructure:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey          string        `mapstructure:"R2_SECRET_ACCESS_KEY"`
	R2BucketName               string        `mapstructure:"R2_BUCKET_NAME"`

	// Downstream services
	IntakeAnalysisURL          string        `mapstructure:"INTAKE_ANALYSIS_URL"`
	IntakeAnalysisAPIKey       string        `mapstructure:"INTAKE_ANALYSIS_API_KEY"`
	ClinicalInsightsServiceURL string        `mapstructure:"CLINICAL_INSIGHTS_SERVICE_URL"`
	TranscribePython           string        `mapstructure:"TRANSCRIBE_PYTHON"`
	TranscribeScript           string        `mapstructure:"TRANSCRIBE_SCRIPT"`
	WeatherAPIURL              string        `mapstructure:"WEATHER_API_URL"`
	HealthProbeInterval        time.Duration `mapstructure:"HEALTH_PROBE_INTERVAL"`
}

// S3Settings is the resolved S3-compatible connection info. Generic S3_*
// variables win over their R2_* counterparts.
type S3Settings struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

var envKeys = []string{
	"PORT", "ENV", "APP_VERSION", "AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"DATABASE_URL", "DATABASE_URL_BACKUP", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ENABLE_DUAL_WRITE", "FORCE_BACKUP_DB", "DB_HEALTH_CHECK_INTERVAL",
	"DB_FAILOVER_THRESHOLD", "DB_MIRROR_TIMEOUT",
	"STORAGE_BACKEND", "STORAGE_FAILOVER", "FORCE_BACKUP_STORAGE",
	"STORAGE_DUAL_WRITE", "STORAGE_HEALTH_CHECK_INTERVAL", "GCP_PROJECT_ID",
	"GCS_BUCKET_NAME", "S3_ENDPOINT", "S3_REGION", "S3_ACCESS_KEY_ID",
	"S3_SECRET_ACCESS_KEY", "S3_BUCKET_NAME", "R2_ACCOUNT_ID", "R2_ACCESS_KEY_ID",
	"R2_SECRET_ACCESS_KEY", "R2_BUCKET_NAME",
	"INTAKE_ANALYSIS_URL", "INTAKE_ANALYSIS_API_KEY", "CLINICAL_INSIGHTS_SERVICE_URL",
	"TRANSCRIBE_PYTHON", "TRANSCRIBE_SCRIPT", "WEATHER_API_URL", "HEALTH_PROBE_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("APP_VERSION", "unknown")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ENABLE_DUAL_WRITE", true)
	v.SetDefault("FORCE_BACKUP_DB", false)
	v.SetDefault("DB_HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("DB_FAILOVER_THRESHOLD", 3)
	v.SetDefault("DB_MIRROR_TIMEOUT", "30s")
	v.SetDefault("STORAGE_BACKEND", "gcs")
	v.SetDefault("STORAGE_FAILOVER", false)
	v.SetDefault("FORCE_BACKUP_STORAGE", false)
	v.SetDefault("STORAGE_DUAL_WRITE", false)
	v.SetDefault("STORAGE_HEALTH_CHECK_INTERVAL", "60s")
	v.SetDefault("GCS_BUCKET_NAME", defaultBucket)
	v.SetDefault("S3_REGION", "auto")
	v.SetDefault("CLINICAL_INSIGHTS_SERVICE_URL", "http://localhost:8080")
	v.SetDefault("TRANSCRIBE_PYTHON", "src/app/analysis/venv/bin/python3")
	v.SetDefault("TRANSCRIBE_SCRIPT", "src/app/analysis/audio_transcription.py")
	v.SetDefault("WEATHER_API_URL", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("HEALTH_PROBE_INTERVAL", "0s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.IntakeAnalysisAPIKey = strings.TrimSpace(cfg.IntakeAnalysisAPIKey)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, requests without a token pass.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development maps to "development" and
// everything else to "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// BackupConfigured reports whether a backup database URL is present.
func (c *Config) BackupConfigured() bool {
	return c.DatabaseURLBackup != ""
}

// SigningKeyBytes decodes AUTH_SIGNING_KEY. Hex is tried first; any other
// value is used verbatim.
func (c *Config) SigningKeyBytes() []byte {
	if c.AuthSigningKey == "" {
		return nil
	}
	if b, err := hex.DecodeString(c.AuthSigningKey); err == nil {
		return b
	}
	return []byte(c.AuthSigningKey)
}

// S3 resolves the S3-compatible settings, preferring explicit S3_* values and
// falling back to R2_* values. The endpoint is derived from R2_ACCOUNT_ID when
// S3_ENDPOINT is empty.
func (c *Config) S3() S3Settings {
	s := S3Settings{
		Endpoint:        c.S3Endpoint,
		Region:          c.S3Region,
		AccessKeyID:     firstNonEmpty(c.S3AccessKeyID, c.R2AccessKeyID),
		SecretAccessKey: firstNonEmpty(c.S3SecretAccessKey, c.R2SecretAccessKey),
		Bucket:          firstNonEmpty(c.S3BucketName, c.R2BucketName, defaultBucket),
	}
	if s.Endpoint == "" && c.R2AccountID != "" {
		s.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.R2AccountID)
	}
	if s.Region == "" {
		s.Region = "auto"
	}
	return s
}

// Configured reports whether enough S3 settings are present to build a client.
func (s S3Settings) Configured() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
	}

	if c.ForceBackupDB && !c.BackupConfigured() {
		return fmt.Errorf("FORCE_BACKUP_DB requires DATABASE_URL_BACKUP")
	}
	if c.DBFailoverThreshold <= 0 {
		return fmt.Errorf("DB_FAILOVER_THRESHOLD must be positive, got %d", c.DBFailoverThreshold)
	}
	if c.DBHealthCheckInterval < 0 || c.StorageHealthCheckInterval < 0 {
		return fmt.Errorf("health check intervals must not be negative")
	}

	if c.StorageBackend != "gcs" && c.StorageBackend != "s3" {
		return fmt.Errorf("STORAGE_BACKEND must be \"gcs\" or \"s3\", got %q", c.StorageBackend)
	}
	if c.StorageBackend == "s3" && !c.S3().Configured() {
		return fmt.Errorf("STORAGE_BACKEND=s3 requires S3_ENDPOINT (or R2_ACCOUNT_ID) and access keys")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
