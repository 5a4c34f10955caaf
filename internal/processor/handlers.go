package processor

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

const (
	// statusClientClosedRequest is reported when the caller went away
	statusClientClosedRequest = 499

	defaultCandidateLimit = 50
	maxCandidateLimit     = 500
)

// CandidateLister reads pending curation candidates
type CandidateLister interface {
	List(ctx context.Context, limit int) ([]curation.Candidate, error)
}

// QueryResponse is the body of the non-streaming endpoint
type QueryResponse struct {
	Events []StreamEvent `json:"events"`
	Result *FinalResult  `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// SetupRoutes configures HTTP routes
func (qp *QueryProcessor) SetupRoutes() *gin.Engine {
	r := gin.New()

	r.Use(observability.RecoveryMiddleware(qp.logger))
	r.Use(observability.RequestLoggingMiddleware(qp.logger))
	r.Use(observability.MetricsMiddleware())
	r.Use(observability.CORSWithLogging(qp.logger))

	r.GET("/health", qp.handleHealth)
	r.GET("/metrics", handleMetrics)

	api := r.Group("/api/v1")
	{
		query := api.Group("/query")
		if qp.limiter != nil {
			query.Use(qp.limiter.Middleware(qp.logger))
		}
		query.GET("/stream", qp.handleQueryStream)
		query.POST("", qp.handleQuery)

		api.GET("/candidates", qp.handleListCandidates)
	}

	return r
}

func (qp *QueryProcessor) handleHealth(c *gin.Context) {
	if qp.healthChecker == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "nl2sql-gateway",
		})
		return
	}

	response := qp.healthChecker.GetHealthResponse(c.Request.Context())
	statusCode := http.StatusOK
	if response.Status == observability.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

func handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, observability.GetGlobalMetrics().GetAll())
}

// handleQueryStream streams events as server-sent events, one frame per event
func (qp *QueryProcessor) handleQueryStream(c *gin.Context) {
	req := &QueryRequest{
		Question:  c.Query("question"),
		Scope:     c.Query("scope"),
		SessionID: sessionIDFrom(c),
	}
	if strings.TrimSpace(req.Question) == "" {
		err := errors.NewInvalidInputError("question", "query parameter is required")
		c.JSON(http.StatusBadRequest, formatErrorResponse(err))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events := qp.Stream(c.Request.Context(), req)
	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(event.Type), event)
		return !event.Terminal()
	})
}

// handleQuery runs a request to completion and returns every event at once
func (qp *QueryProcessor) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		enhancedErr := errors.NewInvalidInputError("request body", err.Error())
		c.JSON(http.StatusBadRequest, formatErrorResponse(enhancedErr))
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessionIDFrom(c)
	}

	events := make([]StreamEvent, 0, streamBuffer)
	terminal := qp.Run(c.Request.Context(), &req, func(event StreamEvent) {
		events = append(events, event)
	})

	response := QueryResponse{Events: events}
	if terminal.Type == EventError {
		response.Error = terminal.Error
		c.JSON(statusForKind(terminal.Error.Kind), response)
		return
	}

	response.Result = terminal.Result
	c.JSON(http.StatusOK, response)
}

func (qp *QueryProcessor) handleListCandidates(c *gin.Context) {
	if qp.candidates == nil {
		c.JSON(http.StatusOK, gin.H{"candidates": []curation.Candidate{}, "count": 0})
		return
	}

	limit := defaultCandidateLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			enhancedErr := errors.NewInvalidInputError("limit", "must be a positive integer")
			c.JSON(http.StatusBadRequest, formatErrorResponse(enhancedErr))
			return
		}
		limit = parsed
	}
	if limit > maxCandidateLimit {
		limit = maxCandidateLimit
	}

	candidates, err := qp.candidates.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(getErrorStatusCode(err), formatErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

func sessionIDFrom(c *gin.Context) string {
	if id := c.GetHeader(observability.SessionIDHeader); id != "" {
		return id
	}
	return c.Query("session_id")
}

// formatErrorResponse formats an error into a user-friendly response
func formatErrorResponse(err error) gin.H {
	if enhancedErr, ok := errors.As(err); ok {
		body := gin.H{
			"kind":    enhancedErr.Kind(),
			"code":    enhancedErr.Code,
			"message": enhancedErr.Message,
		}
		if enhancedErr.Details != "" {
			body["details"] = enhancedErr.Details
		}
		if enhancedErr.Suggestion != "" {
			body["suggestion"] = enhancedErr.Suggestion
		}
		if len(enhancedErr.Metadata) > 0 {
			body["metadata"] = enhancedErr.Metadata
		}
		return gin.H{"error": body}
	}

	// Fallback for regular errors
	return gin.H{
		"error": gin.H{
			"kind":    errors.KindInternal,
			"code":    "INTERNAL_ERROR",
			"message": err.Error(),
		},
	}
}

// getErrorStatusCode returns the appropriate HTTP status code for an error
func getErrorStatusCode(err error) int {
	return statusForKind(errors.KindOf(err))
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidInput:
		return http.StatusBadRequest
	case errors.KindUnsafeQuery:
		return http.StatusUnprocessableEntity
	case errors.KindDuplicateEntry:
		return http.StatusConflict
	case errors.KindSynthesisFailed, errors.KindExecutionError:
		return http.StatusBadGateway
	case errors.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case errors.KindCacheUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
