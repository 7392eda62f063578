package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/courier/internal/vault"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	maxBatchSize        = 50
	minStateSecretBytes = 32
)

type Config struct {
	Port     int
	LogLevel string
	LogFile  string
	Env      string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config. RedisURL wins over the discrete fields.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion        string
	SQSTriggerURL    string // dispatch trigger queue consumed by `dispatch listen`
	SQSDLQURL        string // dead-letter notices for permanently failed jobs
	SESFromEmail     string
	AlertEmail       string // tenant-operations address for target health alerts
	SNSRegion        string
	SNSEndpointLocal string // optional endpoint override for local stacks

	// Dispatch
	WorkerToken         string
	BatchSize           int
	Concurrency         int
	RequestTimeout      time.Duration
	ClaimLease          time.Duration
	AlertThreshold      int
	BreakerMaxFailures  int
	BreakerRecoveryTime time.Duration

	// Secrets
	EncryptionKey    string
	SessionJWTSecret string

	// OAuth
	OAuthStateSecret      string
	OAuthStateMaxAge      time.Duration
	OAuthRedirectBaseURL  string
	OAuthAllowedHosts     []string
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// Inbound webhooks
	StripeWebhookSecret string
	SvixWebhookSecret   string
	WebhookTolerance    time.Duration
	ReplayTTL           time.Duration

	// API rate limit
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Tracing
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		// Local mode must be chosen explicitly with ENV=development.
		Env: "production",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBName:     "courier",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		BatchSize:           25,
		Concurrency:         4,
		RequestTimeout:      10 * time.Second,
		ClaimLease:          5 * time.Minute,
		AlertThreshold:      10,
		BreakerMaxFailures:  5,
		BreakerRecoveryTime: 30 * time.Second,

		OAuthStateMaxAge: 10 * time.Minute,
		MicrosoftTenant:  "common",

		WebhookTolerance: 5 * time.Minute,
		ReplayTTL:        24 * time.Hour,

		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,

		ServiceName: "courier",
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}
	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.SQSTriggerURL = os.Getenv("SQS_TRIGGER_QUEUE_URL")
	cfg.SQSDLQURL = os.Getenv("SQS_DLQ_URL")
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.AlertEmail = os.Getenv("ALERT_EMAIL")
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSEndpointLocal = os.Getenv("SNS_ENDPOINT_URL")

	// Dispatch
	cfg.WorkerToken = os.Getenv("WORKER_TOKEN")
	if cfg.BatchSize, err = intEnv("DISPATCH_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = intEnv("DISPATCH_CONCURRENCY", cfg.Concurrency); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("DISPATCH_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = durationEnv("DISPATCH_CLAIM_LEASE", cfg.ClaimLease); err != nil {
		return nil, err
	}
	if cfg.AlertThreshold, err = intEnv("ALERT_FAILURE_THRESHOLD", cfg.AlertThreshold); err != nil {
		return nil, err
	}
	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTime, err = durationEnv("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTime); err != nil {
		return nil, err
	}

	// Secrets
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.SessionJWTSecret = os.Getenv("SESSION_JWT_SECRET")

	// OAuth
	cfg.OAuthStateSecret = os.Getenv("OAUTH_STATE_SECRET")
	if cfg.OAuthStateMaxAge, err = durationEnv("OAUTH_STATE_MAX_AGE", cfg.OAuthStateMaxAge); err != nil {
		return nil, err
	}
	cfg.OAuthRedirectBaseURL = strings.TrimRight(os.Getenv("OAUTH_REDIRECT_BASE_URL"), "/")
	// Return URL hosts are compared lowercased.
	for _, host := range listEnv("OAUTH_ALLOWED_RETURN_HOSTS") {
		cfg.OAuthAllowedHosts = append(cfg.OAuthAllowedHosts, strings.ToLower(host))
	}
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.MicrosoftClientID = os.Getenv("MICROSOFT_CLIENT_ID")
	cfg.MicrosoftClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
	if tenant := os.Getenv("MICROSOFT_TENANT"); tenant != "" {
		cfg.MicrosoftTenant = tenant
	}

	// Inbound webhooks
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.SvixWebhookSecret = os.Getenv("SVIX_WEBHOOK_SECRET")
	if cfg.WebhookTolerance, err = durationEnv("WEBHOOK_TOLERANCE", cfg.WebhookTolerance); err != nil {
		return nil, err
	}
	if cfg.ReplayTTL, err = durationEnv("WEBHOOK_REPLAY_TTL", cfg.ReplayTTL); err != nil {
		return nil, err
	}

	// Rate limit
	if cfg.RateLimitRequests, err = intEnv("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	// Tracing
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}

	return cfg, nil
}

// IsDevelopment reports whether the documented local mode is active.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	var errs []error

	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	} else if _, err := vault.ParseKey(c.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY: %w", err))
	}

	if len(c.OAuthStateSecret) < minStateSecretBytes {
		errs = append(errs, fmt.Errorf("OAUTH_STATE_SECRET must be at least %d bytes", minStateSecretBytes))
	}

	if c.WorkerToken == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("WORKER_TOKEN is required outside ENV=development"))
	}

	if c.SessionJWTSecret == "" {
		errs = append(errs, errors.New("SESSION_JWT_SECRET is required"))
	}

	if c.BatchSize < 1 || c.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be between 1 and %d", maxBatchSize))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY must be at least 1"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_REQUEST_TIMEOUT must be positive"))
	}
	if c.ClaimLease <= c.RequestTimeout {
		errs = append(errs, errors.New("DISPATCH_CLAIM_LEASE must exceed DISPATCH_REQUEST_TIMEOUT"))
	}
	if c.OAuthStateMaxAge <= 0 {
		errs = append(errs, errors.New("OAUTH_STATE_MAX_AGE must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go duration strings ("10s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
