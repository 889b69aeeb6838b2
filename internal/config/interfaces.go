package config

import "context"

// SecretProvider resolves secret references (SSM parameter paths in deployed
// environments, variable names locally) to plaintext values.
type SecretProvider interface {
	// GetParametersBatch resolves keys and returns key -> value for the ones
	// that exist. Missing keys are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
