package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Cache store (pgvector) configuration
	Database DatabaseConfig

	// Execution data source configuration
	DataSource DataSourceConfig

	// Redis configuration
	Redis RedisConfig

	// Claude LLM configuration
	Claude ClaudeConfig

	// Embedding configuration
	Embedding EmbeddingConfig

	// Cache configuration
	Cache CacheConfig

	// Schema discovery configuration
	Discovery DiscoveryConfig

	// Curation queue configuration
	Curation CurationConfig

	// Server configuration
	Server ServerConfig

	// Query configuration
	Query QueryConfig
}

// DatabaseConfig holds PostgreSQL configuration for the query cache
type DatabaseConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// DataSourceConfig holds the connection to the database questions are asked about
type DataSourceConfig struct {
	DSN      string
	PoolSize int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClaudeConfig holds Claude API configuration
type ClaudeConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// EmbeddingConfig selects and configures the question embedder
type EmbeddingConfig struct {
	Provider   string // "hash", "http"
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// CacheConfig holds semantic cache configuration
type CacheConfig struct {
	Backend   string // "memory", "postgres"
	Threshold float64
	TopK      int
}

// DiscoveryConfig holds schema discovery configuration
type DiscoveryConfig struct {
	Enabled         bool
	Interval        time.Duration
	ExcludeTables   []string
	MaxContextChars int
}

// CurationConfig holds curation candidate queue configuration
type CurationConfig struct {
	Enabled   bool
	Retention time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     string
	GinMode  string
	LogLevel string

	// Query requests per client per minute; zero disables limiting
	RateLimitPerMinute int
}

// QueryConfig holds query processing configuration
type QueryConfig struct {
	MaxRows          int
	ExecutionTimeout time.Duration
	SearchTimeout    time.Duration
	SynthesisTimeout time.Duration
	MaxQueryLength   int
	AllowList        []string
	DefaultSchema    string
}

// EnvPrefix namespaces gateway variables in a shared environment
const EnvPrefix = "NL2SQL_"

// Loader handles loading configuration from various sources
type Loader struct {
	provider SecretProvider
}

// NewLoader creates a new configuration loader with the given secret provider
func NewLoader(provider SecretProvider) *Loader {
	return &Loader{
		provider: provider,
	}
}

// NewDefaultLoader creates a loader with the default provider chain:
// 1. Kubernetes secrets (if available)
// 2. File-based secrets (if available)
// 3. Environment variables, NL2SQL_ prefixed first (fallback)
func NewDefaultLoader() *Loader {
	providers := []SecretProvider{
		NewK8sProvider("", ""),          // Auto-detect K8s environment
		NewFileProvider("/var/secrets"), // Common secret mount path
		NewEnvProvider().WithPrefix(EnvPrefix),
	}

	return &Loader{
		provider: NewChainProvider(providers...),
	}
}

// Load loads the complete configuration
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}

	// Load cache store config
	cfg.Database = DatabaseConfig{
		Host:     l.getString(ctx, "DB_HOST", "localhost"),
		Port:     l.getString(ctx, "DB_PORT", "5432"),
		Database: l.getString(ctx, "DB_NAME", "nl2sql_gateway"),
		Username: l.getString(ctx, "DB_USER", "nl2sql"),
		Password: l.getString(ctx, "DB_PASSWORD", ""),
		SSLMode:  l.getString(ctx, "DB_SSLMODE", "disable"),
	}

	// Load data source config
	cfg.DataSource = DataSourceConfig{
		DSN:      l.getString(ctx, "DATA_SOURCE_DSN", ""),
		PoolSize: l.getInt(ctx, "EXECUTION_POOL_SIZE", 10),
	}

	// Load Redis config
	cfg.Redis = RedisConfig{
		Addr:     l.getString(ctx, "REDIS_ADDR", "localhost:6379"),
		Password: l.getString(ctx, "REDIS_PASSWORD", ""),
		DB:       l.getInt(ctx, "REDIS_DB", 0),
	}

	// Load Claude config
	cfg.Claude = ClaudeConfig{
		APIKey:    l.getString(ctx, "CLAUDE_API_KEY", ""),
		Model:     l.getString(ctx, "CLAUDE_MODEL", "claude-3-haiku-20240307"),
		BaseURL:   l.getString(ctx, "CLAUDE_BASE_URL", ""),
		MaxTokens: l.getInt(ctx, "CLAUDE_MAX_TOKENS", 1024),
	}

	// Load Embedding config
	provider := strings.ToLower(l.getString(ctx, "EMBEDDING_PROVIDER", "hash"))
	defaultDims := 384
	if provider == "http" {
		defaultDims = 1536
	}
	cfg.Embedding = EmbeddingConfig{
		Provider:   provider,
		BaseURL:    l.getString(ctx, "EMBEDDING_BASE_URL", ""),
		APIKey:     l.getString(ctx, "EMBEDDING_API_KEY", ""),
		Model:      l.getString(ctx, "EMBEDDING_MODEL", "text-embedding-3-small"),
		Dimensions: l.getInt(ctx, "EMBEDDING_DIMENSIONS", defaultDims),
		Timeout:    l.getDuration(ctx, "EMBEDDING_TIMEOUT", 10*time.Second),
	}

	// Load Cache config
	cfg.Cache = CacheConfig{
		Backend:   strings.ToLower(l.getString(ctx, "CACHE_BACKEND", "postgres")),
		Threshold: l.getFloat(ctx, "QUERY_CONFIDENCE_THRESHOLD", 0.75),
		TopK:      l.getInt(ctx, "CACHE_TOP_K", 3),
	}

	// Load Discovery config
	cfg.Discovery = DiscoveryConfig{
		Enabled:         l.getBool(ctx, "DISCOVERY_ENABLED", true),
		Interval:        l.getDuration(ctx, "DISCOVERY_INTERVAL", 10*time.Minute),
		ExcludeTables:   l.getSlice(ctx, "DISCOVERY_EXCLUDE_TABLES", []string{`.*\.schema_migrations$`}),
		MaxContextChars: l.getInt(ctx, "SCHEMA_CONTEXT_MAX_CHARS", 12000),
	}

	// Load Curation config
	cfg.Curation = CurationConfig{
		Enabled:   l.getBool(ctx, "CURATION_ENABLED", true),
		Retention: l.getDuration(ctx, "CURATION_RETENTION", 30*24*time.Hour),
	}

	// Load Server config
	cfg.Server = ServerConfig{
		Port:     l.getString(ctx, "PORT", "8080"),
		GinMode:  l.getString(ctx, "GIN_MODE", "debug"),
		LogLevel: l.getString(ctx, "LOG_LEVEL", "info"),

		RateLimitPerMinute: l.getInt(ctx, "RATE_LIMIT_PER_MINUTE", 0),
	}

	// Load Query config
	cfg.Query = QueryConfig{
		MaxRows:          l.getInt(ctx, "MAX_ROWS", 500),
		ExecutionTimeout: l.getDuration(ctx, "EXECUTION_TIMEOUT", 30*time.Second),
		SearchTimeout:    l.getDuration(ctx, "CACHE_SEARCH_TIMEOUT", 2*time.Second),
		SynthesisTimeout: l.getDuration(ctx, "SYNTHESIS_TIMEOUT", 45*time.Second),
		MaxQueryLength:   l.getInt(ctx, "MAX_QUERY_LENGTH", 20000),
		AllowList:        l.getSlice(ctx, "QUERY_ALLOW_LIST", []string{}),
		DefaultSchema:    l.getString(ctx, "QUERY_DEFAULT_SCHEMA", "public"),
	}

	return cfg, nil
}

func (l *Loader) getString(ctx context.Context, key, defaultValue string) string {
	return lookup(ctx, l.provider, key, defaultValue, parseString)
}

func (l *Loader) getBool(ctx context.Context, key string, defaultValue bool) bool {
	return lookup(ctx, l.provider, key, defaultValue, strconv.ParseBool)
}

func (l *Loader) getInt(ctx context.Context, key string, defaultValue int) int {
	return lookup(ctx, l.provider, key, defaultValue, parseInt)
}

func (l *Loader) getFloat(ctx context.Context, key string, defaultValue float64) float64 {
	return lookup(ctx, l.provider, key, defaultValue, parseFloat)
}

func (l *Loader) getDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	return lookup(ctx, l.provider, key, defaultValue, time.ParseDuration)
}

func (l *Loader) getSlice(ctx context.Context, key string, defaultValue []string) []string {
	return lookup(ctx, l.provider, key, defaultValue, parseList)
}

// SourceOf names the provider that supplies key
func (l *Loader) SourceOf(ctx context.Context, key string) string {
	if chain, ok := l.provider.(*ChainProvider); ok {
		return chain.SourceOf(ctx, key)
	}
	if value, err := l.provider.GetSecret(ctx, key); err == nil && value != "" {
		return l.provider.Name()
	}
	return ""
}

// MustLoad loads configuration and panics on error
// Useful for application startup
func (l *Loader) MustLoad(ctx context.Context) *Config {
	cfg, err := l.Load(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
