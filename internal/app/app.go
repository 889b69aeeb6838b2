// Package app assembles the mailflow workers from a loaded configuration. The
// Lambda entry points, the replay server and the maintenance tool share it so
// every binary wires the same components the same way.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mailflow/internal/attachments"
	"mailflow/internal/config"
	"mailflow/internal/db"
	"mailflow/internal/dispatch"
	"mailflow/internal/email"
	"mailflow/internal/external"
	"mailflow/internal/idempotency"
	"mailflow/internal/queue"
	"mailflow/internal/retry"
	"mailflow/internal/routing"
	"mailflow/internal/security"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger.With returns *slog.Logger, not types.Logger, so an adapter is
// necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// NewLogger returns a JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level string) types.Logger {
	return &slogAdapter{logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))}
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig resolves configuration, through SSM outside local development.
func LoadConfig() (*config.Config, error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region, os.Getenv("AWS_ENDPOINT_URL"))
	}
	return config.LoadConfig(provider)
}

// Components holds the adapters shared by the orchestrators.
type Components struct {
	Config      *config.Config
	Logger      types.Logger
	Store       external.BlobStore
	Queue       queue.Queue
	Mail        external.MailDelivery
	Metrics     telemetry.Metrics
	Keys        idempotency.Store
	RateLimiter security.RateLimiter
	Clock       types.Clock

	// Pool is set when the postgres idempotency backend is in use.
	Pool *pgxpool.Pool

	closers []func()
}

// Close releases database and cache connections.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// NewAWS builds the production adapters: S3, SQS, SES v2, CloudWatch and the
// configured idempotency and rate-limit backends.
func NewAWS(ctx context.Context, cfg *config.Config, logger types.Logger) (*Components, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	c := &Components{
		Config: cfg,
		Logger: logger,
		Clock:  types.RealClock{},
		Store: external.NewS3Store(awsCfg, external.S3StoreConfig{
			Endpoint: cfg.AWS.EndpointURL,
			Logger:   logger,
		}),
		Queue: queue.NewSQSQueue(queue.NewSQSClient(awsCfg, cfg.AWS.EndpointURL), logger),
		Mail: external.NewSESClient(awsCfg, external.SESClientConfig{
			ConfigSetName: cfg.Delivery.ConfigurationSet,
			Endpoint:      cfg.AWS.EndpointURL,
			Logger:        logger,
		}),
		Metrics: telemetry.NopMetrics{},
	}

	if cfg.Observability.EnableMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		c.Metrics = telemetry.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, logger)
	}

	if err := c.connectBackends(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// connectBackends opens the Redis client and Postgres pool the configured
// backends need.
func (c *Components) connectBackends(ctx context.Context) error {
	cfg := c.Config

	var rdb *redis.Client
	if cfg.Idempotency.Backend == "redis" || cfg.Security.RateLimitBackend == "redis" {
		client, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		rdb = client
		c.closers = append(c.closers, func() { _ = client.Close() })
	}

	switch cfg.Idempotency.Backend {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		c.Pool = pool
		c.closers = append(c.closers, pool.Close)
		repo := db.NewIdempotencyRepository(pool)
		if cfg.Environment == "local" {
			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		c.Keys = repo
	case "redis":
		c.Keys = idempotency.NewRedisStore(rdb)
	default:
		c.Logger.Warn("Using in-memory idempotency store; duplicates are only detected within this instance")
		c.Keys = idempotency.NewMemoryStore(c.Clock)
	}

	if cfg.Security.RateLimitBackend == "redis" {
		c.RateLimiter = security.NewRedisRateLimiter(rdb, c.Clock)
	} else {
		c.RateLimiter = security.NewMemoryRateLimiter(c.Clock)
	}
	return nil
}

// NewMemory builds fully in-process adapters. Nothing leaves the process:
// sends are recorded by a stub and metrics are kept in memory.
func NewMemory(cfg *config.Config, logger types.Logger) *Components {
	clock := types.RealClock{}
	return &Components{
		Config:      cfg,
		Logger:      logger,
		Clock:       clock,
		Store:       external.NewMemoryBlobStore(),
		Queue:       queue.NewMemoryQueue(),
		Mail:        external.NewStubMailDelivery(logger),
		Metrics:     telemetry.NewMemoryMetrics(),
		Keys:        idempotency.NewMemoryStore(clock),
		RateLimiter: security.NewMemoryRateLimiter(clock),
	}
}

// DeadLetters builds the dead-letter publisher for both handlers.
func (c *Components) DeadLetters() *dispatch.DeadLetterPublisher {
	cfg := c.Config
	return dispatch.NewDeadLetterPublisher(c.Queue, c.Store, dispatch.DeadLetterConfig{
		QueueURLs: map[string]string{
			types.HandlerInbound:  cfg.AWS.InboundDLQURL,
			types.HandlerOutbound: cfg.AWS.OutboundDLQURL,
		},
		SpillBucket: cfg.AWS.DLQSpillBucket,
		Retry:       retry.PolicyFromConfig(cfg.Retry, cfg.Worker.CallTimeout),
	}, c.Metrics, c.Logger)
}

// InboundHandler wires the inbound orchestrator.
func (c *Components) InboundHandler() *dispatch.InboundHandler {
	cfg := c.Config
	return dispatch.NewInboundHandler(dispatch.InboundConfigFrom(cfg), dispatch.InboundDeps{
		Store:       c.Store,
		Queue:       c.Queue,
		Parser:      email.NewParser(c.Logger),
		Validator:   security.NewValidator(cfg.Security, c.RateLimiter, c.Logger),
		Attachments: attachments.NewProcessor(c.Store, attachments.ConfigFrom(cfg), c.Logger),
		Router:      routing.NewEngine(cfg.Routing.Table, c.Logger),
		DeadLetters: c.DeadLetters(),
		Metrics:     c.Metrics,
		Logger:      c.Logger.With("handler", types.HandlerInbound),
	})
}

// OutboundHandler wires the outbound orchestrator.
func (c *Components) OutboundHandler() *dispatch.OutboundHandler {
	cfg := c.Config
	return dispatch.NewOutboundHandler(dispatch.OutboundConfigFrom(cfg), dispatch.OutboundDeps{
		Store:       c.Store,
		Queue:       c.Queue,
		Mail:        c.Mail,
		Composer:    email.NewComposer(cfg.Delivery),
		Guard:       idempotency.NewGuard(c.Keys, c.Logger),
		DeadLetters: c.DeadLetters(),
		Metrics:     c.Metrics,
		Logger:      c.Logger.With("handler", types.HandlerOutbound),
	})
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
