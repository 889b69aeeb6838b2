package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecretProvider is a configurable mock for SSM resolution.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

const testRoutingJSON = `{
	"domains": ["acme.com"],
	"apps": {"app1": {"queue_url": "https://sqs.us-east-1.amazonaws.com/123/mailflow-app1", "enabled": true}},
	"default_queue": "https://sqs.us-east-1.amazonaws.com/123/mailflow-default"
}`

// setMinimalEnv sets the variables a local worker needs.
func setMinimalEnv(t *testing.T) {
	t.Helper()

	t.Setenv("APP_ENV", "local")
	t.Setenv("RAW_EMAILS_BUCKET", "mailflow-raw-emails")
	t.Setenv("ROUTING_CONFIG_JSON", testRoutingJSON)
	t.Setenv("IDEMPOTENCY_BACKEND", "memory")
}

func noDotenv(deps loaderDeps) loaderDeps {
	deps.dotenv = nil
	return deps
}

func TestLoadConfigLocalDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "mailflow", cfg.Service)

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxDelay)
	assert.InDelta(t, 0.1, cfg.Retry.JitterFactor, 1e-9)

	assert.Equal(t, int64(36700160), cfg.Security.MaxAttachmentSize)
	assert.Equal(t, int64(41943040), cfg.Security.MaxEmailSize)
	assert.Equal(t, 50, cfg.Security.MaxAttachmentsPerEmail)
	assert.Equal(t, 100, cfg.Security.MaxEmailsPerSenderPerHour)
	assert.True(t, cfg.Security.RequireVirusPass)
	assert.False(t, cfg.Security.StrictAttachments)
	assert.Contains(t, cfg.Security.BlockedExtensions, "exe")
	assert.Contains(t, cfg.Security.BlockedContentTypes, "application/x-msdownload")
	assert.Empty(t, cfg.Security.AllowedSenderDomains)

	assert.Equal(t, 7*24*time.Hour, cfg.Attachments.PresignTTL)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Worker.CallTimeout)
	assert.Equal(t, "Mailflow", cfg.Observability.MetricNamespace)

	assert.Equal(t, "mailflow-raw-emails", cfg.AWS.AttachmentBucket())
	assert.Equal(t, "dev", cfg.Build.Version)

	require.Contains(t, cfg.Routing.Table.Apps, "app1")
	assert.Equal(t, []string{"acme.com"}, cfg.Routing.Table.Domains)
}

func TestLoadConfigListsAndOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("ALLOWED_SENDER_DOMAINS", "acme.com,partner.io")
	t.Setenv("STRICT_ATTACHMENTS", "true")
	t.Setenv("RETRY_BASE_DELAY", "100ms")
	t.Setenv("RETRY_MAX_DELAY", "5s")
	t.Setenv("RETRY_JITTER_FACTOR", "0.2")

	cfg, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
	require.NoError(t, err)

	assert.Equal(t, []string{"acme.com", "partner.io"}, cfg.Security.AllowedSenderDomains)
	assert.True(t, cfg.Security.StrictAttachments)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.InDelta(t, 0.2, cfg.Retry.JitterFactor, 1e-9)
}

func TestLoadConfigLegacyRoutingEnv(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("ROUTING_CONFIG_JSON", `{"app1": "https://sqs.us-east-1.amazonaws.com/123/app1"}`)
	t.Setenv("DEFAULT_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123/default")
	t.Setenv("ALLOWED_DOMAINS", "Acme.com, example.com")

	cfg, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
	require.NoError(t, err)

	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/default", cfg.Routing.Table.DefaultQueue)
	assert.Equal(t, []string{"acme.com", "example.com"}, cfg.Routing.Table.Domains)
	assert.True(t, cfg.Routing.Table.Apps["app1"].Enabled)
}

func TestLoadConfigValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"invalid environment", map[string]string{"APP_ENV": "qa"}},
		{"missing bucket", map[string]string{"RAW_EMAILS_BUCKET": ""}},
		{"routing not json", map[string]string{"ROUTING_CONFIG_JSON": "{"}},
		{"non sqs queue url", map[string]string{"ROUTING_CONFIG_JSON": `{"app1": "https://evil.example.com/q"}`}},
		{"postgres without dsn", map[string]string{"IDEMPOTENCY_BACKEND": "postgres"}},
		{"redis without addr", map[string]string{"IDEMPOTENCY_BACKEND": "redis"}},
		{"redis rate limiter without addr", map[string]string{"RATE_LIMIT_BACKEND": "redis"}},
		{"jitter out of range", map[string]string{"RETRY_JITTER_FACTOR": "1.5"}},
		{"attachment larger than email", map[string]string{"MAX_ATTACHMENT_SIZE_BYTES": "999999999"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %T", err)
			assert.Contains(t, []ConfigErrorType{ErrValidation, ErrParsing}, cfgErr.Type)
		})
	}
}

func TestLoadConfigLocalStackAllowsHTTPQueues(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("AWS_ENDPOINT_URL", "http://localhost:4566")
	t.Setenv("ROUTING_CONFIG_JSON", `{"app1": "http://localhost:4566/000000000000/app1"}`)

	cfg, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4566", cfg.AWS.EndpointURL)
}

func TestLoadConfigSSMResolution(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("IDEMPOTENCY_BACKEND", "postgres")
	t.Setenv("DATABASE_URL_SSM_PARAM", "/prod/mailflow/database_url")
	t.Setenv("REDIS_PASSWORD_SSM_PARAM", "/prod/mailflow/redis_password")

	provider := &testSecretProvider{values: map[string]string{
		"/prod/mailflow/database_url":   "postgres://mailflow:pw@db:5432/mailflow",
		"/prod/mailflow/redis_password": "redis-secret",
	}}

	env := map[string]string{}
	deps := noDotenv(defaultDeps())
	baseLookup := deps.lookupEnv
	deps.lookupEnv = func(k string) (string, bool) {
		if v, ok := env[k]; ok {
			return v, true
		}
		return baseLookup(k)
	}
	deps.setEnv = func(k, v string) error {
		env[k] = v
		t.Setenv(k, v)
		return nil
	}

	cfg, err := loadConfigWithDeps(provider, deps)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.callCount)
	assert.ElementsMatch(t, []string{"/prod/mailflow/database_url", "/prod/mailflow/redis_password"}, provider.calledWith)
	assert.Equal(t, "postgres://mailflow:pw@db:5432/mailflow", cfg.Database.URL.Unmask())
	assert.Equal(t, "redis-secret", cfg.Redis.Password.Unmask())
}

func TestLoadConfigSSMDirectEnvWins(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("DATABASE_URL", "postgres://direct@db/mailflow")
	t.Setenv("DATABASE_URL_SSM_PARAM", "/dev/mailflow/database_url")

	provider := &testSecretProvider{values: map[string]string{"/dev/mailflow/database_url": "postgres://ssm@db/mailflow"}}

	cfg, err := loadConfigWithDeps(provider, noDotenv(defaultDeps()))
	require.NoError(t, err)

	assert.Zero(t, provider.callCount)
	assert.Equal(t, "postgres://direct@db/mailflow", cfg.Database.URL.Unmask())
}

func TestLoadConfigSSMFailures(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		setMinimalEnv(t)
		t.Setenv("APP_ENV", "staging")
		t.Setenv("DATABASE_URL_SSM_PARAM", "/staging/mailflow/database_url")

		_, err := loadConfigWithDeps(&testSecretProvider{err: errors.New("access denied")}, noDotenv(defaultDeps()))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, ErrSSMResolution, cfgErr.Type)
		assert.Contains(t, err.Error(), "access denied")
	})

	t.Run("nil provider outside local", func(t *testing.T) {
		setMinimalEnv(t)
		t.Setenv("APP_ENV", "prod")
		t.Setenv("DATABASE_URL_SSM_PARAM", "/prod/mailflow/database_url")

		_, err := loadConfigWithDeps(nil, noDotenv(defaultDeps()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DATABASE_URL")
	})

	t.Run("missing parameter", func(t *testing.T) {
		setMinimalEnv(t)
		t.Setenv("APP_ENV", "prod")
		t.Setenv("DATABASE_URL_SSM_PARAM", "/prod/mailflow/database_url")

		_, err := loadConfigWithDeps(&testSecretProvider{values: map[string]string{}}, noDotenv(defaultDeps()))
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "not found for: DATABASE_URL"), err.Error())
	})
}

func TestResolveSSMParamsSkipsEmptyPaths(t *testing.T) {
	provider := &testSecretProvider{}
	deps := loaderDeps{
		lookupEnv: func(string) (string, bool) { return "", false },
		setEnv:    func(string, string) error { return nil },
		environ:   func() []string { return []string{"DATABASE_URL_SSM_PARAM=", "PLAIN=1"} },
	}

	require.NoError(t, resolveSSMParams(provider, deps))
	assert.Zero(t, provider.callCount)
}

func TestConfigErrorFormatting(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Type: ErrValidation, Message: "bad", Err: inner}

	assert.Equal(t, "[VALIDATION_FAILED] bad: boom", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "[MISSING_ENV] x", (&ConfigError{Type: ErrMissingEnv, Message: "x"}).Error())
}
