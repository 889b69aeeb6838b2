// Package config defines the configuration snapshot for the mailflow workers.
// Configuration is loaded once per cold start and passed down explicitly; it is
// never mutated afterwards and there is no package-level singleton.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format makes LoadConfig return a
// ConfigError, and the worker refuses to start.
package config

import (
	"time"

	"mailflow/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration for the inbound and outbound workers.
// Each component receives only the subset it needs.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"mailflow"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	AWS           AWSConfig
	Routing       RoutingConfig
	Security      SecurityConfig
	Attachments   AttachmentConfig
	Retry         RetryConfig
	Idempotency   IdempotencyConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Delivery      DeliveryConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `ignored:"true"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Buckets
	RawEmailsBucket   string `envconfig:"RAW_EMAILS_BUCKET" validate:"required"`
	AttachmentsBucket string `envconfig:"ATTACHMENTS_BUCKET"` // Falls back to RawEmailsBucket
	DLQSpillBucket    string `envconfig:"DLQ_SPILL_BUCKET"`   // Oversized dead-letter contexts

	// Queues
	OutboundQueueURL string `envconfig:"OUTBOUND_QUEUE_URL"`
	InboundDLQURL    string `envconfig:"INBOUND_DLQ_URL"`
	OutboundDLQURL   string `envconfig:"OUTBOUND_DLQ_URL"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// AttachmentBucket returns the bucket attachments are written to.
func (c AWSConfig) AttachmentBucket() string {
	if c.AttachmentsBucket != "" {
		return c.AttachmentsBucket
	}
	return c.RawEmailsBucket
}

// RoutingConfig holds the raw routing table document. The parsed form is
// available through Config.RoutingTable after LoadConfig.
type RoutingConfig struct {
	// TableJSON accepts the structured form
	//   {"domains": [...], "apps": {"app1": {"queue_url": "...", "enabled": true, "aliases": [...]}}, "default_queue": "..."}
	// or the flat form {"app1": "https://sqs..."}.
	TableJSON string `envconfig:"ROUTING_CONFIG_JSON" default:"{}" validate:"json"`

	// Used when the document itself does not set them.
	DefaultQueueURL string   `envconfig:"DEFAULT_QUEUE_URL"`
	Domains         []string `envconfig:"ALLOWED_DOMAINS"`

	Table RoutingTable `ignored:"true"`
}

// SecurityConfig holds inbound sender and attachment policy.
type SecurityConfig struct {
	AllowedSenderDomains []string `envconfig:"ALLOWED_SENDER_DOMAINS"`
	RequireSPF           bool     `envconfig:"REQUIRE_SPF" default:"false"`
	RequireDKIM          bool     `envconfig:"REQUIRE_DKIM" default:"false"`
	RequireDMARC         bool     `envconfig:"REQUIRE_DMARC" default:"false"`
	RequireVirusPass     bool     `envconfig:"REQUIRE_VIRUS_PASS" default:"true"`

	BlockedContentTypes []string `envconfig:"BLOCKED_CONTENT_TYPES" default:"application/x-executable,application/x-msdownload,application/x-msdos-program,application/x-sh,application/x-shellscript"`
	BlockedExtensions   []string `envconfig:"BLOCKED_EXTENSIONS" default:"exe,bat,cmd,com,pif,scr,vbs,js,jar,msi,app,deb,rpm,dmg,pkg,sh,bash,ps1,dll,so,dylib,sys,ocx"`
	AllowedContentTypes []string `envconfig:"ALLOWED_CONTENT_TYPES"`

	MaxAttachmentSize         int64 `envconfig:"MAX_ATTACHMENT_SIZE_BYTES" default:"36700160" validate:"gt=0"`
	MaxAttachmentsPerEmail    int   `envconfig:"MAX_ATTACHMENTS_PER_EMAIL" default:"50" validate:"gt=0"`
	MaxEmailSize              int64 `envconfig:"MAX_EMAIL_SIZE_BYTES" default:"41943040" validate:"gt=0"`
	MaxEmailsPerSenderPerHour int   `envconfig:"MAX_EMAILS_PER_SENDER_PER_HOUR" default:"100" validate:"gt=0"`

	// StrictAttachments dead-letters the whole email when any attachment fails
	// a security check. Otherwise the attachment is marked failed and the email
	// still routes.
	StrictAttachments bool `envconfig:"STRICT_ATTACHMENTS" default:"false"`

	RateLimitBackend string `envconfig:"RATE_LIMIT_BACKEND" default:"memory" validate:"oneof=memory redis"`
}

// AttachmentConfig holds attachment storage settings.
type AttachmentConfig struct {
	PresignTTL  time.Duration `envconfig:"PRESIGNED_URL_TTL" default:"168h"`
	Concurrency int           `envconfig:"ATTACHMENT_CONCURRENCY" default:"4" validate:"gte=1"`
}

// RetryConfig configures the backoff executor.
type RetryConfig struct {
	MaxRetries   int           `envconfig:"RETRY_MAX_RETRIES" default:"5" validate:"gte=0"`
	BaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	JitterFactor float64       `envconfig:"RETRY_JITTER_FACTOR" default:"0.1" validate:"gte=0,lte=1"`
}

// IdempotencyConfig selects the deduplication store.
type IdempotencyConfig struct {
	Backend  string        `envconfig:"IDEMPOTENCY_BACKEND" default:"postgres" validate:"oneof=memory redis postgres"`
	TTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	LeaseTTL time.Duration `envconfig:"IDEMPOTENCY_LEASE_TTL" default:"5m"`
}

// DatabaseConfig holds database connection and pool tuning parameters for the
// Postgres idempotency store.
type DatabaseConfig struct {
	// Resolved from SSM or Env. Required when Idempotency.Backend is postgres.
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the Redis connection used by the rate limiter and the
// Redis idempotency store.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
	TLS      bool         `envconfig:"REDIS_TLS" default:"false"`
}

// DeliveryConfig holds outbound SES settings.
type DeliveryConfig struct {
	// SendingDomains restricts the From domain of outbound mail. Empty allows any.
	SendingDomains   []string `envconfig:"SENDING_DOMAINS"`
	ConfigurationSet string   `envconfig:"SES_CONFIGURATION_SET"`

	// SendRate is the per-instance ceiling in messages per second.
	SendRate float64 `envconfig:"SES_SEND_RATE" default:"14" validate:"gt=0"`

	MaxRawMessageSize    int64 `envconfig:"SES_MAX_RAW_MESSAGE_SIZE" default:"41943040"`
	MaxAttachmentsTotal  int64 `envconfig:"SES_MAX_ATTACHMENTS_TOTAL" default:"10485760"`
	CheckQuotaBeforeSend bool  `envconfig:"SES_CHECK_QUOTA" default:"true"`
}

// WorkerConfig bounds per-invocation work.
type WorkerConfig struct {
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"4" validate:"gte=1"`
	CallTimeout     time.Duration `envconfig:"WORKER_CALL_TIMEOUT" default:"10s"`
	DeadlineMargin  time.Duration `envconfig:"WORKER_DEADLINE_MARGIN" default:"5s"`
	MaxReceiveCount int           `envconfig:"MAX_RECEIVE_COUNT" default:"5" validate:"gte=1"`
	ReplayAddr      string        `envconfig:"REPLAY_ADDR" default:":8025"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Mailflow"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
