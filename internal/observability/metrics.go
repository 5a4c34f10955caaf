package observability

import (
	"strconv"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string                 `json:"name"`
	Type      MetricType             `json:"type"`
	Value     float64                `json:"value"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// MetricsCollector collects and stores application metrics
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

// metricKey generates a unique key for a metric
func metricKey(name string, labels map[string]string) string {
	key := name
	if len(labels) > 0 {
		for k, v := range labels {
			key += "." + k + "=" + v
		}
	}
	return key
}

// Inc increments a counter metric
func (mc *MetricsCollector) Inc(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		metric.Value++
		metric.Timestamp = time.Now()
	} else {
		mc.metrics[key] = &Metric{
			Name:      name,
			Type:      MetricTypeCounter,
			Value:     1,
			Labels:    labels,
			Timestamp: time.Now(),
		}
	}
}

// Add adds a value to a counter metric
func (mc *MetricsCollector) Add(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		metric.Value += value
		metric.Timestamp = time.Now()
	} else {
		mc.metrics[key] = &Metric{
			Name:      name,
			Type:      MetricTypeCounter,
			Value:     value,
			Labels:    labels,
			Timestamp: time.Now(),
		}
	}
}

// Set sets a gauge metric value
func (mc *MetricsCollector) Set(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      MetricTypeGauge,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

// Observe records a histogram observation
func (mc *MetricsCollector) Observe(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		// Simple histogram - just tracking count and sum for now
		// In production, you'd use proper histogram buckets
		if metric.Extra == nil {
			metric.Extra = make(map[string]interface{})
		}
		count := 1.0
		sum := value
		if c, ok := metric.Extra["count"].(float64); ok {
			count = c + 1
		}
		if s, ok := metric.Extra["sum"].(float64); ok {
			sum = s + value
		}
		metric.Extra["count"] = count
		metric.Extra["sum"] = sum
		metric.Value = sum / count // average
		metric.Timestamp = time.Now()
	} else {
		mc.metrics[key] = &Metric{
			Name:      name,
			Type:      MetricTypeHistogram,
			Value:     value,
			Labels:    labels,
			Timestamp: time.Now(),
			Extra: map[string]interface{}{
				"count": 1.0,
				"sum":   value,
			},
		}
	}
}

// Get retrieves a metric by name and labels
func (mc *MetricsCollector) Get(name string, labels map[string]string) (*Metric, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	key := metricKey(name, labels)
	metric, exists := mc.metrics[key]
	return metric, exists
}

// GetAll retrieves all metrics
func (mc *MetricsCollector) GetAll() map[string]*Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	// Create a copy to avoid race conditions
	result := make(map[string]*Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		result[k] = v
	}
	return result
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = make(map[string]*Metric)
}

// Standard metric names
const (
	// Query metrics
	MetricQueryTotal           = "query_gateway_queries_total"
	MetricQueryDuration        = "query_gateway_query_duration_seconds"
	MetricQuerySuccess         = "query_gateway_queries_success_total"
	MetricQueryFailure         = "query_gateway_queries_failure_total"
	MetricQueryCacheHits       = "query_gateway_cache_hits_total"
	MetricQueryCacheMisses     = "query_gateway_cache_misses_total"
	MetricQuerySafetyViolation = "query_gateway_safety_violations_total"

	// Cache index metrics
	MetricCacheSearches       = "cache_searches_total"
	MetricCacheSearchDuration = "cache_search_duration_seconds"
	MetricCacheUnavailable    = "cache_unavailable_total"
	MetricCacheTopScore       = "cache_top_score"
	MetricCacheEntriesStored  = "cache_entries_stored_total"
	MetricCacheHitsRecorded   = "cache_hits_recorded_total"

	// LLM metrics
	MetricLLMRequests      = "llm_requests_total"
	MetricLLMDuration      = "llm_request_duration_seconds"
	MetricLLMTokens        = "llm_tokens_total"
	MetricLLMCost          = "llm_cost_dollars"
	MetricLLMErrors        = "llm_errors_total"
	MetricEmbeddingRequest = "llm_embedding_requests_total"

	// Execution metrics
	MetricExecutions         = "execution_queries_total"
	MetricExecutionDuration  = "execution_duration_seconds"
	MetricExecutionRows      = "execution_rows_returned"
	MetricExecutionTruncated = "execution_truncated_total"
	MetricExecutionErrors    = "execution_errors_total"
	MetricExecutionPoolSize  = "execution_pool_size"
	MetricExecutionPoolInUse = "execution_pool_in_use"

	// Database metrics
	MetricDBQueries  = "database_queries_total"
	MetricDBDuration = "database_query_duration_seconds"
	MetricDBErrors   = "database_errors_total"

	// HTTP metrics
	MetricHTTPRequests     = "http_requests_total"
	MetricHTTPDuration     = "http_request_duration_seconds"
	MetricHTTPErrors       = "http_errors_total"
	MetricHTTPResponseSize = "http_response_size_bytes"
	MetricRateLimited      = "http_rate_limited_total"

	// Schema discovery metrics
	MetricDiscoveryRuns     = "schema_discovery_runs_total"
	MetricDiscoveryDuration = "schema_discovery_duration_seconds"
	MetricDiscoveryTables   = "schema_discovery_tables_found"
	MetricDiscoveryErrors   = "schema_discovery_errors_total"

	// Curation metrics
	MetricCandidatesSubmitted = "curation_candidates_submitted_total"
	MetricCandidateErrors     = "curation_candidate_errors_total"
)

// Global metrics collector instance
var globalMetrics = NewMetricsCollector()

// GetGlobalMetrics returns the global metrics collector
func GetGlobalMetrics() *MetricsCollector {
	return globalMetrics
}

// RecordQueryMetrics records metrics for a resolved request. errorType is the
// failure kind, empty on success.
func RecordQueryMetrics(duration time.Duration, success bool, cached bool, errorType string) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{}
	if errorType != "" {
		labels["error_type"] = errorType
	}

	// Total queries
	metrics.Inc(MetricQueryTotal, nil)

	// Success/failure
	if success {
		metrics.Inc(MetricQuerySuccess, nil)
	} else {
		metrics.Inc(MetricQueryFailure, labels)
	}

	// Cache hits/misses
	if cached {
		metrics.Inc(MetricQueryCacheHits, nil)
	} else {
		metrics.Inc(MetricQueryCacheMisses, nil)
	}

	// Duration
	metrics.Observe(MetricQueryDuration, duration.Seconds(), nil)
}

// RecordLLMMetrics records metrics for LLM operations
func RecordLLMMetrics(operation string, duration time.Duration, tokens int, cost float64, err error) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{"operation": operation}

	// Requests
	metrics.Inc(MetricLLMRequests, labels)

	// Duration
	metrics.Observe(MetricLLMDuration, duration.Seconds(), labels)

	// Tokens
	if tokens > 0 {
		metrics.Add(MetricLLMTokens, float64(tokens), labels)
	}

	// Cost
	if cost > 0 {
		metrics.Add(MetricLLMCost, cost, labels)
	}

	// Errors
	if err != nil {
		errorLabels := map[string]string{
			"operation": operation,
			"error":     err.Error(),
		}
		metrics.Inc(MetricLLMErrors, errorLabels)
	}
}

// RecordDBMetrics records metrics for database operations
func RecordDBMetrics(operation string, duration time.Duration, err error) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{"operation": operation}

	// Queries
	metrics.Inc(MetricDBQueries, labels)

	// Duration
	metrics.Observe(MetricDBDuration, duration.Seconds(), labels)

	// Errors
	if err != nil {
		errorLabels := map[string]string{
			"operation": operation,
			"error":     err.Error(),
		}
		metrics.Inc(MetricDBErrors, errorLabels)
	}
}

// RecordHTTPMetrics records metrics for HTTP requests
func RecordHTTPMetrics(method, path string, statusCode int, duration time.Duration, responseSize int) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(statusCode),
	}

	// Requests
	metrics.Inc(MetricHTTPRequests, labels)

	// Duration
	metrics.Observe(MetricHTTPDuration, duration.Seconds(), labels)

	// Errors (4xx, 5xx)
	if statusCode >= 400 {
		errorLabels := map[string]string{
			"method": method,
			"path":   path,
			"status": strconv.Itoa(statusCode),
		}
		metrics.Inc(MetricHTTPErrors, errorLabels)
	}

	// Response size
	if responseSize > 0 {
		metrics.Observe(MetricHTTPResponseSize, float64(responseSize), labels)
	}
}

// RecordCacheSearchMetrics records a cache index search and its best score
func RecordCacheSearchMetrics(duration time.Duration, matches int, topScore float64, err error) {
	metrics := GetGlobalMetrics()

	metrics.Inc(MetricCacheSearches, nil)
	metrics.Observe(MetricCacheSearchDuration, duration.Seconds(), nil)

	if err != nil {
		metrics.Inc(MetricCacheUnavailable, nil)
		return
	}
	if matches > 0 {
		metrics.Observe(MetricCacheTopScore, topScore, nil)
	}
}

// RecordExecutionMetrics records a gateway execution
func RecordExecutionMetrics(duration time.Duration, rows int, truncated bool, errorKind string) {
	metrics := GetGlobalMetrics()

	metrics.Inc(MetricExecutions, nil)
	metrics.Observe(MetricExecutionDuration, duration.Seconds(), nil)

	if errorKind != "" {
		metrics.Inc(MetricExecutionErrors, map[string]string{"kind": errorKind})
		return
	}

	metrics.Observe(MetricExecutionRows, float64(rows), nil)
	if truncated {
		metrics.Inc(MetricExecutionTruncated, nil)
	}
}

// RecordSafetyViolation records a query rejected by the safety validator
func RecordSafetyViolation(origin string) {
	GetGlobalMetrics().Inc(MetricQuerySafetyViolation, map[string]string{"origin": origin})
}
