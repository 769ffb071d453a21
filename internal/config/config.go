package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the auditd process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Crypto    CryptoConfig
	Ingest    IngestConfig
	Backlog   BacklogConfig
	Integrity IntegrityConfig
	Context   ContextConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	PoolSize    int           // default 20
	IdleTimeout time.Duration // default 30s
}

type RedisConfig struct {
	// Addr is optional. Empty disables the per-stream ingest cap and the
	// scheduled-validation leader lock; single-replica deployments need
	// neither.
	Addr string

	// StreamConcurrencyCap limits concurrent submitters per stream when
	// Redis is configured. 0 disables the cap.
	StreamConcurrencyCap int
}

type CryptoConfig struct {
	// Algorithm is the signing algorithm (default rsa-sha256).
	Algorithm string
	// HashAlgorithm is the digest algorithm (default sha256).
	HashAlgorithm string
	// PrivateKeyPEM signs events and seal receipts. Required unless the
	// process is verify-only.
	PrivateKeyPEM string
	// PublicKeyPEM verifies; derived from the private key when empty.
	PublicKeyPEM string
}

type IngestConfig struct {
	MaxBulkEvents      int           // default 1000
	CreateEventTimeout time.Duration // default 5s
}

type BacklogConfig struct {
	MaxAttempts  int           // default 10
	BatchSize    int           // default 100
	Tick         time.Duration // default 5s
	MaxPerStream int           // default 10000
}

type IntegrityConfig struct {
	PartitionDays               int // retention partitioning hint, default 7
	SealAfterDays               int // default 30
	WORMEnabled                 bool
	WORMStoragePath             string
	ValidateOnQuery             bool
	ScheduledValidationInterval time.Duration // 0 disables
}

// ContextConfig provides default stream identifiers applied by the client
// facade; core operations always take them explicitly.
type ContextConfig struct {
	ProjectID     string
	EnvironmentID string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	c.DB.PoolSize = intOr("DB_POOL_SIZE", 20)
	c.DB.IdleTimeout = msOr("DB_IDLE_TIMEOUT_MS", 30*time.Second)

	c.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	c.Redis.StreamConcurrencyCap = intOr("STREAM_CONCURRENCY_CAP", 0)

	c.Crypto.Algorithm = stringOr("AUDIT_SIGNING_ALGORITHM", "rsa-sha256")
	c.Crypto.HashAlgorithm = stringOr("AUDIT_HASH_ALGORITHM", "sha256")
	c.Crypto.PrivateKeyPEM = os.Getenv("AUDIT_PRIVATE_KEY")
	c.Crypto.PublicKeyPEM = os.Getenv("AUDIT_PUBLIC_KEY")

	c.Ingest.MaxBulkEvents = intOr("MAX_BULK_EVENTS", 1000)
	c.Ingest.CreateEventTimeout = msOr("CREATE_EVENT_TIMEOUT_MS", 5*time.Second)

	c.Backlog.MaxAttempts = intOr("BACKLOG_MAX_ATTEMPTS", 10)
	c.Backlog.BatchSize = intOr("BACKLOG_BATCH_SIZE", 100)
	c.Backlog.Tick = msOr("BACKLOG_TICK_MS", 5*time.Second)
	c.Backlog.MaxPerStream = intOr("BACKLOG_MAX_PER_STREAM", 10000)

	c.Integrity.PartitionDays = intOr("PARTITION_DAYS", 7)
	c.Integrity.SealAfterDays = intOr("SEAL_AFTER_DAYS", 30)
	c.Integrity.WORMEnabled = boolOr("WORM_ENABLED", false)
	c.Integrity.WORMStoragePath = strings.TrimSpace(os.Getenv("WORM_STORAGE_PATH"))
	c.Integrity.ValidateOnQuery = boolOr("VALIDATE_ON_QUERY", false)
	c.Integrity.ScheduledValidationInterval = time.Duration(intOr("SCHEDULED_VALIDATION_INTERVAL_S", 0)) * time.Second

	c.Context.ProjectID = strings.TrimSpace(os.Getenv("PROJECT_ID"))
	c.Context.EnvironmentID = strings.TrimSpace(os.Getenv("ENVIRONMENT_ID"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Crypto.PrivateKeyPEM == "" && c.Crypto.PublicKeyPEM == "" {
		errs = append(errs, errors.New("AUDIT_PRIVATE_KEY or AUDIT_PUBLIC_KEY is required"))
	}
	if c.Crypto.PrivateKeyPEM == "" && c.IsProduction() {
		// Verify-only replicas belong outside the production ingest path.
		errs = append(errs, errors.New("AUDIT_PRIVATE_KEY is required in production"))
	}

	if c.Ingest.MaxBulkEvents <= 0 {
		errs = append(errs, errors.New("MAX_BULK_EVENTS must be > 0"))
	}
	if c.Ingest.CreateEventTimeout <= 0 {
		errs = append(errs, errors.New("CREATE_EVENT_TIMEOUT_MS must be > 0"))
	}
	if c.Backlog.MaxAttempts <= 0 {
		errs = append(errs, errors.New("BACKLOG_MAX_ATTEMPTS must be > 0"))
	}

	if c.Integrity.WORMEnabled && c.Integrity.WORMStoragePath == "" {
		errs = append(errs, errors.New("WORM_STORAGE_PATH is required when WORM_ENABLED=true"))
	}
	if c.Redis.StreamConcurrencyCap > 0 && c.Redis.Addr == "" {
		errs = append(errs, errors.New("STREAM_CONCURRENCY_CAP requires REDIS_ADDR"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func intOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func msOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func boolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func stringOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
