package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mapProvider serves secrets from a map
type mapProvider struct {
	name      string
	values    map[string]string
	available bool
}

func (m *mapProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *mapProvider) Name() string { return m.name }

func (m *mapProvider) IsAvailable(ctx context.Context) bool { return m.available }

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TEST_SECRET", "test-value")

	provider := NewEnvProvider()

	value, err := provider.GetSecret(ctx, "TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "test-value" {
		t.Errorf("expected 'test-value', got '%s'", value)
	}

	value, err = provider.GetSecret(ctx, "NL2SQL_NON_EXISTENT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "" {
		t.Errorf("expected empty string, got '%s'", value)
	}

	if !provider.IsAvailable(ctx) {
		t.Error("env provider should always be available")
	}
	if provider.Name() != "env" {
		t.Errorf("expected name 'env', got '%s'", provider.Name())
	}
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "data-source-dsn"), []byte("postgres://reader@warehouse/sales\n"), 0600); err != nil {
		t.Fatalf("failed to create test secret file: %v", err)
	}

	provider := NewFileProvider(tmpDir)

	t.Run("maps key to kebab-case file name", func(t *testing.T) {
		value, err := provider.GetSecret(ctx, "DATA_SOURCE_DSN")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "postgres://reader@warehouse/sales" {
			t.Errorf("expected trimmed DSN, got '%s'", value)
		}
	})

	t.Run("returns empty for missing file", func(t *testing.T) {
		value, err := provider.GetSecret(ctx, "CLAUDE_API_KEY")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "" {
			t.Errorf("expected empty string, got '%s'", value)
		}
	})

	t.Run("availability", func(t *testing.T) {
		if !provider.IsAvailable(ctx) {
			t.Error("file provider should be available when directory exists")
		}
		if NewFileProvider("/non/existent/path").IsAvailable(ctx) {
			t.Error("file provider should not be available for non-existent directory")
		}
		if NewFileProvider("").IsAvailable(ctx) {
			t.Error("file provider should not be available with empty path")
		}

		notADir := filepath.Join(tmpDir, "not-a-directory")
		if err := os.WriteFile(notADir, []byte("content"), 0600); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		if NewFileProvider(notADir).IsAvailable(ctx) {
			t.Error("file provider should not be available when path is a file")
		}
	})
}

func TestChainProvider(t *testing.T) {
	ctx := context.Background()

	first := &mapProvider{name: "first", available: true, values: map[string]string{"CLAUDE_API_KEY": "from-first"}}
	offline := &mapProvider{name: "offline", available: false, values: map[string]string{"REDIS_ADDR": "from-offline"}}
	last := &mapProvider{name: "last", available: true, values: map[string]string{
		"CLAUDE_API_KEY": "from-last",
		"REDIS_ADDR":     "from-last",
	}}

	chain := NewChainProvider(first, offline, last)

	value, err := chain.GetSecret(ctx, "CLAUDE_API_KEY")
	if err != nil || value != "from-first" {
		t.Errorf("expected first provider to win, got '%s' (%v)", value, err)
	}

	value, err = chain.GetSecret(ctx, "REDIS_ADDR")
	if err != nil || value != "from-last" {
		t.Errorf("expected unavailable provider to be skipped, got '%s' (%v)", value, err)
	}

	if _, err := chain.GetSecret(ctx, "MISSING"); err == nil {
		t.Error("expected error when no provider has the key")
	}

	if !chain.IsAvailable(ctx) {
		t.Error("chain should be available when any provider is")
	}
	if NewChainProvider(offline).IsAvailable(ctx) {
		t.Error("chain of unavailable providers should be unavailable")
	}
	if chain.Name() != "chain" {
		t.Errorf("expected name 'chain', got '%s'", chain.Name())
	}
}

func TestConfigLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("loads all configuration sections", func(t *testing.T) {
		loader := NewLoader(&mapProvider{available: true, values: map[string]string{
			"DB_HOST":                    "cache-db",
			"DB_PASSWORD":                "cache-pass",
			"DATA_SOURCE_DSN":            "postgres://reader@warehouse:5432/sales",
			"EXECUTION_POOL_SIZE":        "4",
			"REDIS_ADDR":                 "redis:6379",
			"CLAUDE_API_KEY":             "sk-ant-test",
			"EMBEDDING_PROVIDER":         "HTTP",
			"EMBEDDING_BASE_URL":         "http://embeddings:8000/v1",
			"CACHE_BACKEND":              "memory",
			"QUERY_CONFIDENCE_THRESHOLD": "0.82",
			"CACHE_TOP_K":                "5",
			"MAX_ROWS":                   "1000",
			"EXECUTION_TIMEOUT":          "15s",
			"QUERY_ALLOW_LIST":           "sales, support.tickets",
			"QUERY_DEFAULT_SCHEMA":       "sales",
			"CURATION_RETENTION":         "72h",
			"DISCOVERY_ENABLED":          "false",
			"LOG_LEVEL":                  "debug",
		}})

		cfg, err := loader.Load(ctx)
		if err != nil {
			t.Fatalf("unexpected error loading config: %v", err)
		}

		if cfg.Database.Host != "cache-db" || cfg.Database.Password != "cache-pass" {
			t.Errorf("unexpected database config: %+v", cfg.Database)
		}
		if cfg.DataSource.DSN != "postgres://reader@warehouse:5432/sales" || cfg.DataSource.PoolSize != 4 {
			t.Errorf("unexpected data source config: %+v", cfg.DataSource)
		}
		if cfg.Embedding.Provider != "http" {
			t.Errorf("expected provider to be lowercased, got '%s'", cfg.Embedding.Provider)
		}
		if cfg.Embedding.Dimensions != 1536 {
			t.Errorf("expected http embedding default of 1536 dimensions, got %d", cfg.Embedding.Dimensions)
		}
		if cfg.Cache.Backend != "memory" || cfg.Cache.Threshold != 0.82 || cfg.Cache.TopK != 5 {
			t.Errorf("unexpected cache config: %+v", cfg.Cache)
		}
		if cfg.Query.MaxRows != 1000 || cfg.Query.ExecutionTimeout != 15*time.Second {
			t.Errorf("unexpected query limits: %+v", cfg.Query)
		}
		if len(cfg.Query.AllowList) != 2 || cfg.Query.AllowList[1] != "support.tickets" {
			t.Errorf("unexpected allow-list: %v", cfg.Query.AllowList)
		}
		if cfg.Query.DefaultSchema != "sales" {
			t.Errorf("expected default schema 'sales', got '%s'", cfg.Query.DefaultSchema)
		}
		if cfg.Curation.Retention != 72*time.Hour {
			t.Errorf("expected retention 72h, got %v", cfg.Curation.Retention)
		}
		if cfg.Discovery.Enabled {
			t.Error("expected discovery to be disabled")
		}
		if cfg.Server.LogLevel != "debug" {
			t.Errorf("expected log level 'debug', got '%s'", cfg.Server.LogLevel)
		}
	})

	t.Run("uses defaults when nothing is set", func(t *testing.T) {
		loader := NewLoader(&mapProvider{available: true})

		cfg, err := loader.Load(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Cache.Threshold != 0.75 {
			t.Errorf("expected default threshold 0.75, got %v", cfg.Cache.Threshold)
		}
		if cfg.Cache.TopK != 3 {
			t.Errorf("expected default top-K 3, got %d", cfg.Cache.TopK)
		}
		if cfg.Cache.Backend != "postgres" {
			t.Errorf("expected default backend 'postgres', got '%s'", cfg.Cache.Backend)
		}
		if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimensions != 384 {
			t.Errorf("expected hash embedder with 384 dimensions, got %+v", cfg.Embedding)
		}
		if cfg.Query.MaxRows != 500 {
			t.Errorf("expected default max rows 500, got %d", cfg.Query.MaxRows)
		}
		if cfg.DataSource.PoolSize != 10 {
			t.Errorf("expected default pool size 10, got %d", cfg.DataSource.PoolSize)
		}
		if len(cfg.Query.AllowList) != 0 {
			t.Errorf("expected empty allow-list, got %v", cfg.Query.AllowList)
		}
		if cfg.Server.Port != "8080" {
			t.Errorf("expected default port '8080', got '%s'", cfg.Server.Port)
		}
	})

	t.Run("falls back to defaults on unparsable values", func(t *testing.T) {
		loader := NewLoader(&mapProvider{available: true, values: map[string]string{
			"QUERY_CONFIDENCE_THRESHOLD": "high",
			"MAX_ROWS":                   "lots",
			"EXECUTION_TIMEOUT":          "soon",
			"DISCOVERY_ENABLED":          "maybe",
			"QUERY_ALLOW_LIST":           " , ",
		}})

		cfg, err := loader.Load(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Cache.Threshold != 0.75 {
			t.Errorf("expected default threshold, got %v", cfg.Cache.Threshold)
		}
		if cfg.Query.MaxRows != 500 {
			t.Errorf("expected default max rows, got %d", cfg.Query.MaxRows)
		}
		if cfg.Query.ExecutionTimeout != 30*time.Second {
			t.Errorf("expected default execution timeout, got %v", cfg.Query.ExecutionTimeout)
		}
		if !cfg.Discovery.Enabled {
			t.Error("expected default discovery setting")
		}
		if len(cfg.Query.AllowList) != 0 {
			t.Errorf("expected empty allow-list, got %v", cfg.Query.AllowList)
		}
	})

	t.Run("reads from the environment", func(t *testing.T) {
		t.Setenv("SYNTHESIS_TIMEOUT", "20s")

		cfg, err := NewLoader(NewEnvProvider()).Load(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Query.SynthesisTimeout != 20*time.Second {
			t.Errorf("expected synthesis timeout 20s, got %v", cfg.Query.SynthesisTimeout)
		}
	})
}

func TestK8sProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("reads secrets from mounted secret files", func(t *testing.T) {
		tmpDir := t.TempDir()
		secrets := map[string]string{
			"claude-api-key":  "sk-ant-k8s-test-key",
			"data-source-dsn": "postgres://reader@warehouse/sales",
			"db-password":     "secure-database-password",
			"redis-password":  "secure-redis-password",
		}
		for filename, content := range secrets {
			if err := os.WriteFile(filepath.Join(tmpDir, filename), []byte(content), 0600); err != nil {
				t.Fatalf("failed to create secret file %s: %v", filename, err)
			}
		}

		provider := NewK8sProvider(tmpDir, "test-namespace")

		tests := []struct {
			key  string
			want string
		}{
			{"CLAUDE_API_KEY", "sk-ant-k8s-test-key"},
			{"DATA_SOURCE_DSN", "postgres://reader@warehouse/sales"},
			{"DB_PASSWORD", "secure-database-password"},
			{"REDIS_PASSWORD", "secure-redis-password"},
			{"NON_EXISTENT_SECRET", ""},
		}
		for _, tt := range tests {
			t.Run(tt.key, func(t *testing.T) {
				value, err := provider.GetSecret(ctx, tt.key)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if value != tt.want {
					t.Errorf("expected '%s', got '%s'", tt.want, value)
				}
			})
		}

		if provider.Name() != "kubernetes" {
			t.Errorf("expected name 'kubernetes', got '%s'", provider.Name())
		}
	})

	t.Run("uses provided namespace", func(t *testing.T) {
		provider := NewK8sProvider("", "custom-namespace")
		if provider.GetNamespace() != "custom-namespace" {
			t.Errorf("expected 'custom-namespace', got '%s'", provider.GetNamespace())
		}
	})
}

func TestEnvProviderPrefix(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CLAUDE_MODEL", "bare")
	t.Setenv("NL2SQL_CLAUDE_MODEL", "prefixed")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NL2SQL_REDIS_ADDR", "")

	provider := NewEnvProvider().WithPrefix(EnvPrefix)

	if value, _ := provider.GetSecret(ctx, "CLAUDE_MODEL"); value != "prefixed" {
		t.Errorf("expected prefixed variable to win, got '%s'", value)
	}
	if value, _ := provider.GetSecret(ctx, "REDIS_ADDR"); value != "redis:6379" {
		t.Errorf("expected empty prefixed variable to fall through, got '%s'", value)
	}
	if value, _ := NewEnvProvider().GetSecret(ctx, "CLAUDE_MODEL"); value != "bare" {
		t.Errorf("expected unprefixed provider to ignore prefix, got '%s'", value)
	}
}

func TestChainProviderSourceOf(t *testing.T) {
	ctx := context.Background()

	files := &mapProvider{name: "file", available: true, values: map[string]string{"DATA_SOURCE_DSN": "postgres://files"}}
	env := &mapProvider{name: "env", available: true, values: map[string]string{
		"DATA_SOURCE_DSN": "postgres://env",
		"CLAUDE_API_KEY":  "sk-env",
	}}
	loader := NewLoader(NewChainProvider(files, env))

	if got := loader.SourceOf(ctx, "DATA_SOURCE_DSN"); got != "file" {
		t.Errorf("expected DSN from file provider, got '%s'", got)
	}
	if got := loader.SourceOf(ctx, "CLAUDE_API_KEY"); got != "env" {
		t.Errorf("expected API key from env provider, got '%s'", got)
	}
	if got := loader.SourceOf(ctx, "REDIS_PASSWORD"); got != "" {
		t.Errorf("expected no source for unset key, got '%s'", got)
	}
	if got := NewLoader(env).SourceOf(ctx, "CLAUDE_API_KEY"); got != "env" {
		t.Errorf("expected plain provider name, got '%s'", got)
	}
}

func TestLoaderTypedLookups(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader(&mapProvider{available: true, values: map[string]string{
		"CACHE_TOP_K":                " 7 ",
		"MAX_ROWS":                   "lots",
		"QUERY_CONFIDENCE_THRESHOLD": "0.9",
		"DISCOVERY_ENABLED":          "no",
		"EXECUTION_TIMEOUT":          "5s",
		"SYNTHESIS_TIMEOUT":          "soon",
		"QUERY_ALLOW_LIST":           " sales , ,support",
		"DISCOVERY_EXCLUDE_TABLES":   " , ",
	}})

	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Cache.TopK != 7 {
		t.Errorf("expected padded int to parse, got %d", cfg.Cache.TopK)
	}
	if cfg.Query.MaxRows != 500 {
		t.Errorf("expected malformed int to fall back to 500, got %d", cfg.Query.MaxRows)
	}
	if cfg.Cache.Threshold != 0.9 {
		t.Errorf("expected threshold 0.9, got %v", cfg.Cache.Threshold)
	}
	if !cfg.Discovery.Enabled {
		t.Error("expected malformed bool to fall back to true")
	}
	if cfg.Query.ExecutionTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Query.ExecutionTimeout)
	}
	if cfg.Query.SynthesisTimeout != 45*time.Second {
		t.Errorf("expected malformed duration to fall back to 45s, got %v", cfg.Query.SynthesisTimeout)
	}
	if len(cfg.Query.AllowList) != 2 || cfg.Query.AllowList[0] != "sales" || cfg.Query.AllowList[1] != "support" {
		t.Errorf("expected [sales support], got %v", cfg.Query.AllowList)
	}
	if len(cfg.Discovery.ExcludeTables) != 1 {
		t.Errorf("expected blank list to fall back to default, got %v", cfg.Discovery.ExcludeTables)
	}
}
