package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SecretProvider resolves gateway settings (DSNs, API keys, tuning knobs) by
// their environment-style key
type SecretProvider interface {
	// GetSecret returns the raw value for key, or "" when the provider has none
	GetSecret(ctx context.Context, key string) (string, error)

	// Name identifies the provider in logs
	Name() string

	// IsAvailable reports whether the backing source is mounted or reachable
	IsAvailable(ctx context.Context) bool
}

// ChainProvider asks each available provider in turn and returns the first
// non-empty value
type ChainProvider struct {
	providers []SecretProvider
}

// NewChainProvider creates a chain that consults providers in order
func NewChainProvider(providers ...SecretProvider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// GetSecret returns the first non-empty value found for key
func (c *ChainProvider) GetSecret(ctx context.Context, key string) (string, error) {
	value, _, err := c.resolve(ctx, key)
	return value, err
}

// SourceOf names the provider that currently supplies key, or "" when none does
func (c *ChainProvider) SourceOf(ctx context.Context, key string) string {
	_, source, err := c.resolve(ctx, key)
	if err != nil {
		return ""
	}
	return source
}

func (c *ChainProvider) resolve(ctx context.Context, key string) (string, string, error) {
	var lastErr error
	for _, provider := range c.providers {
		if !provider.IsAvailable(ctx) {
			continue
		}
		value, err := provider.GetSecret(ctx, key)
		if err != nil {
			lastErr = fmt.Errorf("%s provider: %w", provider.Name(), err)
			continue
		}
		if value != "" {
			return value, provider.Name(), nil
		}
	}

	if lastErr != nil {
		return "", "", fmt.Errorf("no provider resolved %s: %w", key, lastErr)
	}
	return "", "", fmt.Errorf("no provider has a value for %s", key)
}

// Name returns "chain"
func (c *ChainProvider) Name() string {
	return "chain"
}

// IsAvailable reports whether any provider in the chain is available
func (c *ChainProvider) IsAvailable(ctx context.Context) bool {
	for _, provider := range c.providers {
		if provider.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// lookup parses the value stored under key, falling back to def when the key
// is unset or does not parse
func lookup[T any](ctx context.Context, p SecretProvider, key string, def T, parse func(string) (T, error)) T {
	raw, err := p.GetSecret(ctx, key)
	if err != nil {
		return def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func parseString(s string) (string, error) { return s, nil }

func parseInt(s string) (int, error) { return strconv.Atoi(s) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// parseList splits a comma separated value such as QUERY_ALLOW_LIST
func parseList(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}
