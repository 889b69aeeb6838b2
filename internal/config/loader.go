// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Load .env file via godotenv (non-fatal if absent).
//  2. If APP_ENV != "local", resolve _SSM_PARAM pointers via the SecretProvider
//     and inject the resolved values back into the environment.
//  3. Use envconfig to populate the Config struct.
//  4. Parse the routing table document.
//  5. Validate struct tags, then the cross-field rules.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks environment variables that point at an SSM path. For
// example, DATABASE_URL_SSM_PARAM holds the SSM path for DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmResolveTimeout bounds the SSM round trips during a cold start.
const ssmResolveTimeout = 30 * time.Second

type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the worker configuration.
//
// For local development the provider may be nil; SSM resolution is skipped.
// Outside local, a provider is required whenever _SSM_PARAM variables exist.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	// godotenv never overrides variables that are already set.
	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	table, err := ParseRoutingTable(cfg.Routing.TableJSON)
	if err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to parse ROUTING_CONFIG_JSON",
			Err:     err,
		}
	}
	if table.DefaultQueue == "" {
		table.DefaultQueue = strings.TrimSpace(cfg.Routing.DefaultQueueURL)
	}
	if len(table.Domains) == 0 {
		for _, d := range cfg.Routing.Domains {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				table.Domains = append(table.Domains, d)
			}
		}
	}
	cfg.Routing.Table = table

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// Validate enforces the rules struct tags cannot express.
func (c *Config) Validate() error {
	allowInsecure := c.AWS.EndpointURL != ""

	if err := c.Routing.Table.Validate(allowInsecure); err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	for name, url := range map[string]string{
		"OUTBOUND_QUEUE_URL": c.AWS.OutboundQueueURL,
		"INBOUND_DLQ_URL":    c.AWS.InboundDLQURL,
		"OUTBOUND_DLQ_URL":   c.AWS.OutboundDLQURL,
	} {
		if url == "" {
			continue
		}
		if err := ValidateQueueURL(url, allowInsecure); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.Idempotency.Backend {
	case "postgres":
		if !c.Database.URL.IsSet() {
			return fmt.Errorf("DATABASE_URL is required when IDEMPOTENCY_BACKEND=postgres")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when IDEMPOTENCY_BACKEND=redis")
		}
	}
	if c.Security.RateLimitBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
	}

	if c.Idempotency.TTL <= 0 || c.Idempotency.LeaseTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < RETRY_BASE_DELAY <= RETRY_MAX_DELAY")
	}
	if c.Worker.CallTimeout <= 0 {
		return fmt.Errorf("WORKER_CALL_TIMEOUT must be positive")
	}
	if c.Security.MaxAttachmentSize > c.Security.MaxEmailSize {
		return fmt.Errorf("MAX_ATTACHMENT_SIZE_BYTES exceeds MAX_EMAIL_SIZE_BYTES")
	}
	return nil
}

// ResolveSecrets performs only the SSM resolution step. Entry points that read
// a handful of variables directly call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams scans the environment for *_SSM_PARAM variables, fetches
// the referenced parameters in one batch and exports them under the target
// name. A target that is already set wins over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	targets := make(map[string]string) // ssm path -> target env var
	var order []string

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, dup := targets[path]; !dup {
			order = append(order, path)
		}
		targets[path] = target
	}

	if len(order) == 0 {
		return nil
	}

	if provider == nil {
		names := make([]string, 0, len(order))
		for _, p := range order {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, order)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(order)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range order {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := deps.setEnv(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
