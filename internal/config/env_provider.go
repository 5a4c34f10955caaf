package config

import (
	"context"
	"os"
)

// EnvProvider reads settings from the process environment. With a prefix set,
// NL2SQL_CLAUDE_API_KEY takes precedence over CLAUDE_API_KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider over unprefixed environment variables
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// WithPrefix returns a provider that checks prefix+key before key
func (e *EnvProvider) WithPrefix(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// GetSecret returns the variable's value, or "" when it is unset
func (e *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if e.prefix != "" {
		if value, ok := os.LookupEnv(e.prefix + key); ok && value != "" {
			return value, nil
		}
	}
	return os.Getenv(key), nil
}

// Name returns "env"
func (e *EnvProvider) Name() string {
	return "env"
}

// IsAvailable is always true
func (e *EnvProvider) IsAvailable(ctx context.Context) bool {
	return true
}
