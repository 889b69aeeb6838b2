package config

import (
	"context"
	"os"
	"path"
	"strings"
)

// EnvVarProvider resolves secret references from the process environment.
// It stands in for SSM during local runs and in the replay server.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up as an environment variable. A key shaped
// like an SSM path ("/local/mailflow/database_url") is also tried as the upper
// snake case of its last segment (DATABASE_URL). Unresolved keys are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
			continue
		}
		if strings.HasPrefix(key, "/") {
			name := strings.ToUpper(strings.ReplaceAll(path.Base(key), "-", "_"))
			if val, ok := os.LookupEnv(name); ok {
				result[key] = val
			}
		}
	}
	return result, nil
}
