package processor

import (
	"context"
	"strings"
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/executor"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/safety"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

// streamBuffer holds every event a single request can emit
const streamBuffer = 16

// CacheIndex finds vetted queries for similar questions
type CacheIndex interface {
	Search(ctx context.Context, question string, topK int, scope string) ([]semantic.Match, error)
	RecordHit(ctx context.Context, id string) error
}

// Synthesizer proposes a query for a question
type Synthesizer interface {
	Synthesize(ctx context.Context, question, schemaContext string) (string, error)
}

// SchemaContextProvider describes the tables a synthesized query may use
type SchemaContextProvider interface {
	SchemaContext(ctx context.Context) (string, error)
}

// QueryValidator approves query text for execution
type QueryValidator interface {
	Validate(text string) (*safety.VettedQuery, error)
}

// Executor runs approved queries
type Executor interface {
	Execute(ctx context.Context, vq *safety.VettedQuery, limits executor.Limits) (*executor.Outcome, error)
}

// CandidateSink receives pairs from successful cache misses for review
type CandidateSink interface {
	Submit(ctx context.Context, s curation.Submission) error
}

// Dependencies are the collaborators of the query processor. Schema and
// Candidates may be nil.
type Dependencies struct {
	Index       CacheIndex
	Synthesizer Synthesizer
	Schema      SchemaContextProvider
	Validator   QueryValidator
	Executor    Executor
	Candidates  CandidateSink
}

// ProcessorConfig holds configuration for the query processor
type ProcessorConfig struct {
	Threshold        float64
	TopK             int
	Limits           executor.Limits
	SearchTimeout    time.Duration
	SynthesisTimeout time.Duration
}

// QueryProcessor resolves questions into executed, vetted queries
type QueryProcessor struct {
	deps          Dependencies
	config        ProcessorConfig
	evaluator     *Evaluator
	logger        *observability.Logger
	healthChecker *observability.HealthChecker
	candidates    CandidateLister
	limiter       *RateLimiter
}

// NewQueryProcessor creates a new query processor instance
func NewQueryProcessor(deps Dependencies, config ProcessorConfig) *QueryProcessor {
	return &QueryProcessor{
		deps:      deps,
		config:    config,
		evaluator: NewEvaluator(config.Threshold),
		logger:    observability.NewLogger("query-processor"),
	}
}

// SetHealthChecker sets the health checker for the processor
func (qp *QueryProcessor) SetHealthChecker(healthChecker *observability.HealthChecker) {
	qp.healthChecker = healthChecker
}

// SetCandidateLister exposes pending curation candidates over HTTP
func (qp *QueryProcessor) SetCandidateLister(lister CandidateLister) {
	qp.candidates = lister
}

// SetRateLimiter throttles the query endpoints per client
func (qp *QueryProcessor) SetRateLimiter(limiter *RateLimiter) {
	qp.limiter = limiter
}

// SetLogger replaces the processor logger
func (qp *QueryProcessor) SetLogger(logger *observability.Logger) {
	qp.logger = logger
}

// requestRun is the per-request state of the resolution machine
type requestRun struct {
	req      *QueryRequest
	emit     func(StreamEvent)
	sequence int
	stage    Stage
}

func (r *requestRun) send(event StreamEvent) StreamEvent {
	r.sequence++
	event.Sequence = r.sequence
	if r.emit != nil {
		r.emit(event)
	}
	return event
}

func (r *requestRun) status(stage Stage, message string) {
	r.stage = stage
	r.send(StreamEvent{Type: EventStatus, Stage: stage, Message: message})
}

// Stream runs the request in its own goroutine. The channel is closed after
// the terminal event.
func (qp *QueryProcessor) Stream(ctx context.Context, req *QueryRequest) <-chan StreamEvent {
	events := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(events)
		qp.Run(ctx, req, func(event StreamEvent) {
			events <- event
		})
	}()
	return events
}

// Run drives the request to completion, passing every event to emit in
// order. Exactly one terminal event is emitted and returned.
func (qp *QueryProcessor) Run(ctx context.Context, req *QueryRequest, emit func(StreamEvent)) StreamEvent {
	start := time.Now()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = start
	}
	if req.SessionID != "" {
		ctx = observability.WithSessionID(ctx, req.SessionID)
	} else {
		req.SessionID = observability.GetSessionID(ctx)
	}

	run := &requestRun{req: req, emit: emit}

	qp.logger.Info(ctx, "Processing question", map[string]interface{}{
		"question": req.Question,
		"scope":    req.Scope,
	})

	result, err := qp.resolve(ctx, run)
	duration := time.Since(start)

	if err != nil {
		failedAt := run.stage
		run.stage = StageError
		payload := newErrorPayload(err, req.SessionID)
		observability.RecordQueryMetrics(duration, false, false, string(payload.Kind))

		qp.logger.Error(ctx, "Question resolution failed", err, map[string]interface{}{
			"stage":       failedAt,
			"kind":        payload.Kind,
			"duration_ms": duration.Milliseconds(),
		})

		return run.send(StreamEvent{
			Type:    EventError,
			Stage:   StageError,
			Message: payload.Message,
			Error:   payload,
		})
	}

	result.ElapsedMs = duration.Milliseconds()
	run.stage = StageDone
	observability.RecordQueryMetrics(duration, true, result.CacheHit, "")

	qp.logger.Info(ctx, "Question resolved", map[string]interface{}{
		"cache_hit":   result.CacheHit,
		"rows":        result.RowCount,
		"truncated":   result.Truncated,
		"duration_ms": duration.Milliseconds(),
	})

	return run.send(StreamEvent{
		Type:   EventFinalResult,
		Stage:  StageDone,
		Result: result,
	})
}

// resolve walks RECEIVED through STREAMING and returns the final payload
func (qp *QueryProcessor) resolve(ctx context.Context, run *requestRun) (*FinalResult, error) {
	req := run.req

	run.status(StageReceived, "request received")
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errors.NewInvalidInputError("question", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err, "receiving the request")
	}

	run.status(StageSearching, "searching cache")
	matches, degraded, err := qp.search(ctx, question, req.Scope)
	if err != nil {
		return nil, err
	}

	if degraded {
		run.status(StageEvaluating, "cache unavailable, falling back to synthesis")
	} else {
		run.status(StageEvaluating, "evaluating cached matches")
	}
	match := qp.evaluator.Evaluate(matches, req.Scope)

	var candidate CandidateQuery
	var vq *safety.VettedQuery

	if match.IsHighConfidence {
		// Cached text still goes through the validator to mint the token
		candidate = CandidateQuery{Text: match.Entry.Query, Origin: OriginCached, Status: StatusUnvalidated}
		vq, err = qp.validate(ctx, &candidate)
		if err != nil {
			return nil, err
		}
	} else {
		run.status(StageSynthesizing, "synthesizing query")
		text, err := qp.synthesize(ctx, question)
		if err != nil {
			return nil, err
		}

		candidate = CandidateQuery{Text: text, Origin: OriginSynthesized, Status: StatusUnvalidated}
		run.status(StageValidating, "validating query")
		vq, err = qp.validate(ctx, &candidate)
		if err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err, "preparing execution")
	}

	run.status(StageExecuting, "executing query")
	outcome, err := qp.deps.Executor.Execute(ctx, vq, qp.config.Limits)
	if err != nil {
		return nil, err
	}

	// Follow-up writes must not be lost to a caller that hangs up right after
	// the rows arrive
	followUp := context.WithoutCancel(ctx)
	if match.IsHighConfidence {
		if err := qp.deps.Index.RecordHit(followUp, match.Entry.ID); err != nil {
			qp.logger.Warn(ctx, "Failed to record cache hit", map[string]interface{}{
				"entry_id": match.Entry.ID,
				"error":    err.Error(),
			})
		}
	} else {
		qp.submitCandidate(followUp, req, question, candidate.Text)
	}

	run.status(StageStreaming, "streaming results")

	return &FinalResult{
		Rows:       outcome.Rows,
		Columns:    outcome.Columns,
		QueryUsed:  candidate.Text,
		CacheHit:   match.IsHighConfidence,
		Confidence: match.Score,
		Truncated:  outcome.Truncated,
		RowCount:   outcome.RowCount,
		SessionID:  req.SessionID,
	}, nil
}

// search queries the cache index. Index failures degrade to synthesis;
// only cancellation is fatal.
func (qp *QueryProcessor) search(ctx context.Context, question, scope string) ([]semantic.Match, bool, error) {
	if qp.deps.Index == nil {
		return nil, true, nil
	}

	searchCtx := ctx
	if qp.config.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, qp.config.SearchTimeout)
		defer cancel()
	}

	matches, err := qp.deps.Index.Search(searchCtx, question, qp.config.TopK, scope)
	if err == nil {
		return matches, false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, errors.NewCancelledError(ctxErr, "searching the cache")
	}

	qp.logger.Warn(ctx, "Cache search failed, continuing without cache", map[string]interface{}{
		"error": err.Error(),
	})
	return nil, true, nil
}

// synthesize asks the synthesizer for a query, with schema context when
// available
func (qp *QueryProcessor) synthesize(ctx context.Context, question string) (string, error) {
	schemaContext := ""
	if qp.deps.Schema != nil {
		rendered, err := qp.deps.Schema.SchemaContext(ctx)
		if err != nil {
			qp.logger.Warn(ctx, "Schema context unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			schemaContext = rendered
		}
	}

	synthCtx := ctx
	if qp.config.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, qp.config.SynthesisTimeout)
		defer cancel()
	}

	text, err := qp.deps.Synthesizer.Synthesize(synthCtx, question, schemaContext)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errors.NewCancelledError(ctxErr, "synthesizing the query")
		}
		if errors.IsKind(err, errors.KindSynthesisFailed) {
			return "", err
		}
		return "", errors.NewSynthesisError(err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.NewEmptySynthesisError()
	}
	return text, nil
}

// validate runs the safety validator and records the verdict on candidate
func (qp *QueryProcessor) validate(ctx context.Context, candidate *CandidateQuery) (*safety.VettedQuery, error) {
	vq, err := qp.deps.Validator.Validate(candidate.Text)
	if err != nil {
		candidate.Status = StatusRejected
		observability.RecordSafetyViolation(string(candidate.Origin))
		qp.logger.Warn(ctx, "Query rejected by safety validation", map[string]interface{}{
			"origin": candidate.Origin,
			"error":  err.Error(),
		})
		return nil, err
	}

	candidate.Status = StatusApproved
	return vq, nil
}

func (qp *QueryProcessor) submitCandidate(ctx context.Context, req *QueryRequest, question, query string) {
	if qp.deps.Candidates == nil {
		return
	}

	metrics := observability.GetGlobalMetrics()
	err := qp.deps.Candidates.Submit(ctx, curation.Submission{
		Question:  question,
		Query:     query,
		Scope:     req.Scope,
		SessionID: req.SessionID,
	})
	if err != nil {
		metrics.Inc(observability.MetricCandidateErrors, nil)
		qp.logger.Warn(ctx, "Failed to submit curation candidate", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	metrics.Inc(observability.MetricCandidatesSubmitted, nil)
}
