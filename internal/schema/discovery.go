package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

// Loader fetches raw table metadata
type Loader interface {
	LoadTables(ctx context.Context, schemas []string) ([]Table, error)
}

// DiscoveryConfig holds configuration for catalog discovery
type DiscoveryConfig struct {
	Enabled         bool
	Interval        time.Duration
	AllowList       []string
	ExcludeTables   []string
	MaxContextChars int
}

// DiscoveryService keeps a periodically refreshed catalog of the tables the
// gateway may query
type DiscoveryService struct {
	loader          Loader
	config          DiscoveryConfig
	allow           AllowList
	excludePatterns []*regexp.Regexp
	logger          *observability.Logger

	catalog atomic.Pointer[Catalog]

	stopChan chan struct{}
	ticker   *time.Ticker
	running  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewDiscoveryService creates a discovery service
func NewDiscoveryService(loader Loader, config DiscoveryConfig) *DiscoveryService {
	logger := observability.NewLogger("schema-discovery")

	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}

	var excludePatterns []*regexp.Regexp
	for _, pattern := range config.ExcludeTables {
		if re, err := regexp.Compile(pattern); err == nil {
			excludePatterns = append(excludePatterns, re)
		} else {
			logger.Warn(context.Background(), "Invalid exclude pattern", map[string]interface{}{
				"pattern": pattern,
				"error":   err.Error(),
			})
		}
	}

	return &DiscoveryService{
		loader:          loader,
		config:          config,
		allow:           NewAllowList(config.AllowList),
		excludePatterns: excludePatterns,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}
}

// Start loads the catalog once and then refreshes it on every interval
func (ds *DiscoveryService) Start(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.running {
		return fmt.Errorf("discovery service already running")
	}

	if !ds.config.Enabled {
		ds.logger.Info(ctx, "Schema discovery is disabled", nil)
		return nil
	}

	// The first load is synchronous so the first request has context
	if err := ds.Refresh(ctx); err != nil {
		ds.logger.Warn(ctx, "Initial schema discovery failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	ds.ticker = time.NewTicker(ds.config.Interval)
	ds.running = true

	ds.wg.Add(1)
	go ds.discoveryLoop(ctx)

	ds.logger.Info(ctx, "Schema discovery started", map[string]interface{}{
		"interval": ds.config.Interval.String(),
	})
	return nil
}

// Stop stops the refresh loop
func (ds *DiscoveryService) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.running {
		return
	}

	close(ds.stopChan)
	if ds.ticker != nil {
		ds.ticker.Stop()
	}
	ds.wg.Wait()
	ds.running = false

	ds.logger.Info(context.Background(), "Schema discovery stopped", nil)
}

func (ds *DiscoveryService) discoveryLoop(ctx context.Context) {
	defer ds.wg.Done()
	for {
		select {
		case <-ds.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ds.ticker.C:
			if err := ds.Refresh(ctx); err != nil {
				ds.logger.Warn(ctx, "Schema discovery failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Refresh performs a single discovery cycle. A failed cycle keeps the
// previous catalog.
func (ds *DiscoveryService) Refresh(ctx context.Context) error {
	start := time.Now()
	metrics := observability.GetGlobalMetrics()
	metrics.Inc(observability.MetricDiscoveryRuns, nil)

	tables, err := ds.loader.LoadTables(ctx, ds.allow.Schemas())
	if err != nil {
		metrics.Inc(observability.MetricDiscoveryErrors, nil)
		return fmt.Errorf("failed to load tables: %w", err)
	}

	tables = ds.filterTables(ds.allow.Filter(tables))
	ds.catalog.Store(&Catalog{Tables: tables, DiscoveredAt: time.Now()})

	duration := time.Since(start)
	metrics.Observe(observability.MetricDiscoveryDuration, duration.Seconds(), nil)
	metrics.Set(observability.MetricDiscoveryTables, float64(len(tables)), nil)

	ds.logger.Debug(ctx, "Schema discovery cycle completed", map[string]interface{}{
		"tables":      len(tables),
		"duration_ms": duration.Milliseconds(),
	})
	return nil
}

// filterTables drops tables matching exclude patterns
func (ds *DiscoveryService) filterTables(tables []Table) []Table {
	if len(ds.excludePatterns) == 0 {
		return tables
	}

	filtered := make([]Table, 0, len(tables))
	for _, t := range tables {
		excluded := false
		for _, pattern := range ds.excludePatterns {
			if pattern.MatchString(t.QualifiedName()) {
				excluded = true
				break
			}
		}
		if !excluded {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Catalog returns the latest snapshot, or nil before the first success
func (ds *DiscoveryService) Catalog() *Catalog {
	return ds.catalog.Load()
}

// SchemaContext renders the current catalog for the synthesis prompt
func (ds *DiscoveryService) SchemaContext(ctx context.Context) (string, error) {
	catalog := ds.catalog.Load()
	if catalog == nil {
		if !ds.config.Enabled {
			return "", nil
		}
		return "", errors.New(errors.ErrCodeSchemaUnavailable, "Schema context is unavailable").
			WithDetails("Catalog discovery has not completed yet")
	}
	return Render(catalog.Tables, ds.config.MaxContextChars), nil
}
