package processor

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

const (
	rateWindow      = time.Minute
	idleClientAfter = 5 * time.Minute
)

// clientWindow holds the request times of one client inside the window
type clientWindow struct {
	mu       sync.Mutex
	requests []time.Time
	lastSeen time.Time
}

// RateLimiter admits at most limit query requests per client per minute
// using a sliding window. Clients are keyed by remote address, never by the
// caller supplied session id.
type RateLimiter struct {
	limit   int
	mu      sync.Mutex
	clients map[string]*clientWindow
	now     func() time.Time
}

// NewRateLimiter creates a limiter. A limit of zero or less admits everything.
func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limit:   limitPerMinute,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow records a request for clientID and reports whether it is admitted,
// with the time to wait before retrying when it is not
func (rl *RateLimiter) Allow(clientID string) (bool, time.Duration) {
	if rl == nil || rl.limit <= 0 {
		return true, 0
	}

	now := rl.now()
	rl.mu.Lock()
	client, ok := rl.clients[clientID]
	if !ok {
		client = &clientWindow{}
		rl.clients[clientID] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	windowStart := now.Add(-rateWindow)
	kept := client.requests[:0]
	for _, at := range client.requests {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}
	client.requests = kept
	client.lastSeen = now

	if len(client.requests) >= rl.limit {
		return false, client.requests[0].Add(rateWindow).Sub(now)
	}
	client.requests = append(client.requests, now)
	return true, 0
}

// Clients returns the number of tracked clients
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Prune forgets clients idle for longer than idleClientAfter
func (rl *RateLimiter) Prune() {
	cutoff := rl.now().Add(-idleClientAfter)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, client := range rl.clients {
		client.mu.Lock()
		idle := client.lastSeen.Before(cutoff)
		client.mu.Unlock()
		if idle {
			delete(rl.clients, id)
		}
	}
}

// Run prunes idle clients until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(idleClientAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()

		allowed, retryAfter := rl.Allow(client)
		if allowed {
			c.Next()
			return
		}

		seconds := int(retryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		observability.GetGlobalMetrics().Inc(observability.MetricRateLimited, nil)
		logger.Warn(c.Request.Context(), "Rate limit exceeded", map[string]interface{}{
			"client":      client,
			"session_id":  sessionIDFrom(c),
			"retry_after": seconds,
		})

		err := errors.New(errors.ErrCodeRateLimited, "Too many queries").
			WithSuggestion("Retry after " + strconv.Itoa(seconds) + " seconds")
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":       err.Code,
				"message":    err.Message,
				"suggestion": err.Suggestion,
			},
		})
	}
}
