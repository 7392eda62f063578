// Package app assembles the gateway and dispatch processes from config.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/alert"
	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/oauth"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/vault"
	"github.com/lalithlochan/courier/internal/worker"
)

// App holds the long-lived dependencies shared by the processes.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *db.DB
	Repo     *db.Repository
	Redis    *redis.Client
	AWS      aws.Config
	Registry *worker.Registry

	vault     *vault.Vault
	providers []oauth.Provider
	refresher *oauth.Refresher
}

// New connects to Postgres, loads AWS credentials and builds one dispatcher
// per channel. Redis is optional; the API degrades without it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	v, err := vault.NewFromString(cfg.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("init vault: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		DB:     database,
		Repo:   db.NewRepository(database, logger),
		AWS:    awsCfg,
		vault:  v,
	}

	for _, p := range []oauth.Provider{
		oauth.Google(cfg.GoogleClientID, cfg.GoogleClientSecret),
		oauth.Microsoft(cfg.MicrosoftTenant, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret),
	} {
		if p.Configured() {
			a.providers = append(a.providers, p)
		}
	}
	a.refresher = oauth.NewRefresher(a.providers, a.Repo, v, cfg.RequestTimeout, logger)
	a.Registry = a.buildRegistry()

	redisClient, err := redis.New(ctx, redis.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, replay ledger and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		a.Redis = redisClient
	}

	logger.Info("courier initialised",
		zap.Int("oauth_providers", len(a.providers)),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("dead_letter_queue", cfg.SQSDLQURL != ""),
		zap.Bool("target_alerts", cfg.SESFromEmail != "" && cfg.AlertEmail != ""),
	)
	return a, nil
}

func (a *App) buildRegistry() *worker.Registry {
	cfg := a.Config
	dcfg := worker.Config{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		RequestTimeout: cfg.RequestTimeout,
		ClaimLease:     cfg.ClaimLease,
		AlertThreshold: cfg.AlertThreshold,
	}

	var opts []worker.Option
	if cfg.SQSDLQURL != "" {
		opts = append(opts, worker.WithDeadLetter(
			sqs.NewDeadLetterProducer(sqs.NewClient(a.AWS), cfg.SQSDLQURL, a.Logger),
		))
	}

	var webhookOpts []worker.Option
	if cfg.SESFromEmail != "" && cfg.AlertEmail != "" {
		notifier := alert.NewSESNotifier(alert.NewSESClient(a.AWS), alert.Config{
			FromEmail: cfg.SESFromEmail,
			ToEmail:   cfg.AlertEmail,
		}, a.Logger)
		webhookOpts = append(webhookOpts, worker.WithAlerter(notifier))
	}

	snsCfg := a.AWS.Copy()
	snsCfg.Region = cfg.SNSRegion
	push := worker.NewPushChannel(sns.NewPublisher(snsCfg, cfg.SNSEndpointLocal))
	calendar := worker.NewCalendarChannel(a.refresher, a.vault, worker.DefaultCalendarEndpoints(), cfg.RequestTimeout)

	return worker.NewRegistry(
		worker.New(a.Repo, worker.NewWebhookChannel(cfg.RequestTimeout), dcfg, a.Logger, append(opts, webhookOpts...)...),
		worker.New(a.Repo, worker.NewChatChannel(cfg.RequestTimeout), dcfg, a.Logger, opts...),
		worker.New(a.Repo, worker.Protect(push, a.breaker(db.ChannelPush)), dcfg, a.Logger, opts...),
		worker.New(a.Repo, worker.Protect(calendar, a.breaker(db.ChannelCalendar)), dcfg, a.Logger, opts...),
	)
}

func (a *App) breaker(ch db.Channel) *circuitbreaker.CircuitBreaker {
	bc := circuitbreaker.DefaultConfig(string(ch))
	bc.MaxFailures = a.Config.BreakerMaxFailures
	bc.RecoveryTimeout = a.Config.BreakerRecoveryTime
	bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	return circuitbreaker.New(bc, a.Logger)
}

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	cfg := a.Config

	signer := oauth.NewStateSigner(cfg.OAuthStateSecret, cfg.OAuthStateMaxAge)
	handshake := oauth.NewHandshake(a.providers, signer, a.Repo, a.vault, oauth.HandshakeConfig{
		RedirectBaseURL: cfg.OAuthRedirectBaseURL,
		AllowedHosts:    cfg.OAuthAllowedHosts,
		Timeout:         cfg.RequestTimeout,
	}, a.Logger)

	deps := api.Deps{
		Dispatcher: a.Registry,
		OAuth:      handshake,
		Store:      a.Repo,
		Health:     a.DB,
		Inbound: api.InboundConfig{
			StripeSecret: cfg.StripeWebhookSecret,
			SvixSecret:   cfg.SvixWebhookSecret,
			Tolerance:    cfg.WebhookTolerance,
		},
	}
	routerCfg := api.RouterConfig{
		Sessions:          auth.NewVerifier(cfg.SessionJWTSecret),
		WorkerToken:       cfg.WorkerToken,
		AllowOpenDispatch: cfg.IsDevelopment(),
	}

	// Interface fields stay nil without Redis so the handlers skip them.
	if a.Redis != nil {
		deps.Replay = redis.NewReplayLedger(a.Redis, a.Logger, cfg.ReplayTTL)
		routerCfg.Limiter = redis.NewRateLimiter(a.Redis, a.Logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitWindow,
		})
	}

	return api.NewRouter(api.NewHandler(a.Logger, deps), routerCfg, a.Logger)
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.DB.Close()
}
