package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation error(s):\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are any validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate performs comprehensive validation on the configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	// Validate cache store and backend
	errors = append(errors, c.validateCache()...)

	// Validate data source
	errors = append(errors, c.validateDataSource()...)

	// Validate Redis config
	errors = append(errors, c.validateRedis()...)

	// Validate Claude config
	errors = append(errors, c.validateClaude()...)

	// Validate Embedding config
	errors = append(errors, c.validateEmbedding()...)

	// Validate Server config
	errors = append(errors, c.validateServer()...)

	// Validate Query config
	errors = append(errors, c.validateQuery()...)

	if errors.HasErrors() {
		return errors
	}

	return nil
}

func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError

	switch c.Cache.Backend {
	case "memory":
		// No store connection required
	case "postgres":
		errors = append(errors, c.validateDatabase()...)
	default:
		errors = append(errors, ValidationError{
			Field:   "Cache.Backend",
			Message: fmt.Sprintf("invalid cache backend: %s (must be 'memory' or 'postgres')", c.Cache.Backend),
		})
	}

	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "Cache.Threshold",
			Message: "confidence threshold must be between 0 and 1",
		})
	}

	if c.Cache.TopK <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Cache.TopK",
			Message: "top-K must be positive",
		})
	}

	return errors
}

func (c *Config) validateDatabase() []ValidationError {
	var errors []ValidationError

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Host",
			Message: "database host is required",
		})
	}

	if c.Database.Port == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Port",
			Message: "database port is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Database",
			Message: "database name is required",
		})
	}

	if c.Database.Username == "" {
		errors = append(errors, ValidationError{
			Field:   "Database.Username",
			Message: "database username is required",
		})
	}

	return errors
}

func (c *Config) validateDataSource() []ValidationError {
	var errors []ValidationError

	if c.DataSource.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "DataSource.DSN",
			Message: "data source DSN is required",
		})
	}

	if c.DataSource.PoolSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "DataSource.PoolSize",
			Message: "execution pool size must be positive",
		})
	}

	return errors
}

func (c *Config) validateRedis() []ValidationError {
	var errors []ValidationError

	if c.Curation.Enabled && c.Redis.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "Redis.Addr",
			Message: "redis address is required when curation is enabled",
		})
	}

	if c.Curation.Enabled && c.Curation.Retention <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Curation.Retention",
			Message: "curation retention must be positive",
		})
	}

	return errors
}

func (c *Config) validateClaude() []ValidationError {
	var errors []ValidationError

	if c.Claude.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "Claude.APIKey",
			Message: "Claude API key is required",
		})
	}

	if c.Claude.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "Claude.Model",
			Message: "Claude model is required",
		})
	}

	return errors
}

func (c *Config) validateEmbedding() []ValidationError {
	var errors []ValidationError

	switch c.Embedding.Provider {
	case "hash":
	case "http":
		if c.Embedding.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "Embedding.BaseURL",
				Message: "http embedding provider requires a base URL",
			})
		}
		if c.Embedding.Model == "" {
			errors = append(errors, ValidationError{
				Field:   "Embedding.Model",
				Message: "http embedding provider requires a model",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "Embedding.Provider",
			Message: fmt.Sprintf("invalid embedding provider: %s (must be 'hash' or 'http')", c.Embedding.Provider),
		})
	}

	if c.Embedding.Dimensions <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Embedding.Dimensions",
			Message: "embedding dimensions must be positive",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port == "" {
		errors = append(errors, ValidationError{
			Field:   "Server.Port",
			Message: "server port is required",
		})
	}

	// Validate GinMode
	validModes := []string{"debug", "release", "test"}
	isValid := false
	for _, mode := range validModes {
		if c.Server.GinMode == mode {
			isValid = true
			break
		}
	}
	if !isValid {
		errors = append(errors, ValidationError{
			Field:   "Server.GinMode",
			Message: fmt.Sprintf("invalid gin mode: %s (must be 'debug', 'release', or 'test')", c.Server.GinMode),
		})
	}

	switch strings.ToLower(c.Server.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "Server.LogLevel",
			Message: fmt.Sprintf("invalid log level: %s", c.Server.LogLevel),
		})
	}

	if c.Server.RateLimitPerMinute < 0 {
		errors = append(errors, ValidationError{
			Field:   "Server.RateLimitPerMinute",
			Message: "rate limit must not be negative",
		})
	}

	return errors
}

func (c *Config) validateQuery() []ValidationError {
	var errors []ValidationError

	if c.Query.MaxRows <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Query.MaxRows",
			Message: "max rows must be positive",
		})
	}

	if c.Query.ExecutionTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Query.ExecutionTimeout",
			Message: "execution timeout must be positive",
		})
	}

	if c.Query.SearchTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "Query.SearchTimeout",
			Message: "cache search timeout must be non-negative",
		})
	}

	if c.Query.SynthesisTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "Query.SynthesisTimeout",
			Message: "synthesis timeout must be non-negative",
		})
	}

	if c.Query.MaxQueryLength <= 0 {
		errors = append(errors, ValidationError{
			Field:   "Query.MaxQueryLength",
			Message: "max query length must be positive",
		})
	}

	for _, entry := range c.Query.AllowList {
		if strings.Count(entry, ".") > 1 {
			errors = append(errors, ValidationError{
				Field:   "Query.AllowList",
				Message: fmt.Sprintf("invalid allow-list entry: %s (use 'schema' or 'schema.table')", entry),
			})
		}
	}

	return errors
}

// ValidateProduction performs additional validation for production environments
// It checks for insecure default values that should not be used in production
func (c *Config) ValidateProduction() error {
	var errors ValidationErrors

	// Check for insecure database passwords
	if c.Cache.Backend == "postgres" && (c.Database.Password == "" || c.Database.Password == "changeme") {
		errors = append(errors, ValidationError{
			Field:   "Database.Password",
			Message: "production deployment must not use default or empty database password",
		})
	}

	// Check for insecure Redis passwords
	if c.Curation.Enabled && (c.Redis.Password == "" || c.Redis.Password == "changeme") {
		errors = append(errors, ValidationError{
			Field:   "Redis.Password",
			Message: "production deployment must not use default or empty Redis password",
		})
	}

	// Check for placeholder Claude API key
	if c.Claude.APIKey == "your-api-key-here" || c.Claude.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "Claude.APIKey",
			Message: "production deployment requires a valid Claude API key",
		})
	}

	// The in-memory cache is lost on restart
	if c.Cache.Backend == "memory" {
		errors = append(errors, ValidationError{
			Field:   "Cache.Backend",
			Message: "production deployment should use the 'postgres' cache backend",
		})
	}

	// The hash embedder only matches near-identical wording
	if c.Embedding.Provider == "hash" {
		errors = append(errors, ValidationError{
			Field:   "Embedding.Provider",
			Message: "production deployment should use the 'http' embedding provider",
		})
	}

	// Ensure Gin is in release mode for production
	if c.Server.GinMode != "release" {
		errors = append(errors, ValidationError{
			Field:   "Server.GinMode",
			Message: "production deployment should use 'release' mode",
		})
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// IsProduction determines if the current environment is production
// based on the GinMode setting
func (c *Config) IsProduction() bool {
	return c.Server.GinMode == "release"
}

// ValidateWithContext validates configuration and runs production checks if appropriate
func (c *Config) ValidateWithContext() error {
	// Always run basic validation
	if err := c.Validate(); err != nil {
		return err
	}

	// Run production validation if in production mode
	if c.IsProduction() {
		if err := c.ValidateProduction(); err != nil {
			return fmt.Errorf("production validation failed: %w", err)
		}
	}

	return nil
}
