package processor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLister struct {
	candidates []curation.Candidate
	err        error
	lastLimit  int
}

func (f *fakeLister) List(ctx context.Context, limit int) ([]curation.Candidate, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.candidates) {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

// streamRecorder adds the CloseNotifier that gin's Context.Stream requires
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func postQuery(t *testing.T, router *gin.Engine, body string, headers map[string]string) (*httptest.ResponseRecorder, QueryResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp QueryResponse
	if w.Code != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandleQuerySuccess(t *testing.T) {
	d := newTestProcessor(t)
	d.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]semantic.Match{cachedMatch(0.9, "SELECT 1 AS total")}, nil)
	d.index.On("RecordHit", mock.Anything, "entry-1").Return(nil)

	w, resp := postQuery(t, d.processor.SetupRoutes(), `{"question":"one?"}`,
		map[string]string{observability.SessionIDHeader: "abc-123"})

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Result)
	assert.Nil(t, resp.Error)
	assert.True(t, resp.Result.CacheHit)
	assert.Equal(t, "SELECT 1 AS total", resp.Result.QueryUsed)
	assert.Equal(t, "abc-123", resp.Result.SessionID)
	assertWellFormed(t, resp.Events)
}

func TestHandleQueryErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		synthText  string
		synthErr   error
		execErr    error
		wantStatus int
		wantKind   errors.Kind
	}{
		{
			name:       "unsafe query",
			synthText:  "DELETE FROM sales.orders",
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   errors.KindUnsafeQuery,
		},
		{
			name:       "synthesis failed",
			synthErr:   stderrors.New("upstream 500"),
			wantStatus: http.StatusBadGateway,
			wantKind:   errors.KindSynthesisFailed,
		},
		{
			name:       "execution timeout",
			synthText:  "SELECT 1",
			execErr:    errors.NewExecutionTimeoutError(context.DeadlineExceeded, "1s"),
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   errors.KindExecutionTimeout,
		},
		{
			name:       "execution error",
			synthText:  "SELECT 1",
			execErr:    errors.NewExecutionError(stderrors.New("syntax error")),
			wantStatus: http.StatusBadGateway,
			wantKind:   errors.KindExecutionError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestProcessor(t)
			d.executor.err = tt.execErr
			d.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]semantic.Match{}, nil)
			d.synth.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return(tt.synthText, tt.synthErr)

			w, resp := postQuery(t, d.processor.SetupRoutes(), `{"question":"anything"}`, nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			require.NotNil(t, resp.Error)
			assert.Nil(t, resp.Result)
			assert.Equal(t, tt.wantKind, resp.Error.Kind)
			assertWellFormed(t, resp.Events)
		})
	}
}

func TestHandleQueryBadRequest(t *testing.T) {
	d := newTestProcessor(t)
	router := d.processor.SetupRoutes()

	for _, body := range []string{`{}`, `not json`} {
		w, _ := postQuery(t, router, body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)

		var parsed map[string]map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
		assert.Equal(t, string(errors.KindInvalidInput), parsed["error"]["kind"])
	}
}

func TestHandleQueryStream(t *testing.T) {
	d := newTestProcessor(t)
	d.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]semantic.Match{}, nil)
	d.synth.On("Synthesize", mock.Anything, mock.Anything, mock.Anything).Return("SELECT 1 AS one", nil)

	router := d.processor.SetupRoutes()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/query/stream?question=one&scope=sales", nil)
	w := newStreamRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 7, strings.Count(body, "event:status"))
	assert.Equal(t, 1, strings.Count(body, "event:final_result"))
	assert.NotContains(t, body, "event:error")
	assert.Less(t, strings.Index(body, "event:status"), strings.Index(body, "event:final_result"))

	require.Eventually(t, func() bool {
		return len(d.sink.submissions) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleQueryStreamMissingQuestion(t *testing.T) {
	d := newTestProcessor(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/query/stream", nil)
	w := httptest.NewRecorder()
	d.processor.SetupRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListCandidates(t *testing.T) {
	d := newTestProcessor(t)
	lister := &fakeLister{candidates: []curation.Candidate{
		{ID: "c1", Question: "q1", Query: "SELECT 1", Occurrences: 2},
		{ID: "c2", Question: "q2", Query: "SELECT 2", Occurrences: 1},
	}}
	d.processor.SetCandidateLister(lister)
	router := d.processor.SetupRoutes()

	t.Run("default limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/candidates", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, defaultCandidateLimit, lister.lastLimit)

		var body struct {
			Candidates []curation.Candidate `json:"candidates"`
			Count      int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
		assert.Equal(t, "c1", body.Candidates[0].ID)
	})

	t.Run("limit is capped", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/candidates?limit=100000", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, maxCandidateLimit, lister.lastLimit)
	})

	t.Run("invalid limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/candidates?limit=-4", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("queue failure", func(t *testing.T) {
		lister.err = errors.New(errors.ErrCodeCandidateRead, "Failed to read curation candidates")
		defer func() { lister.err = nil }()

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/candidates", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	d := newTestProcessor(t)

	w := httptest.NewRecorder()
	d.processor.SetupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	checker := observability.NewHealthChecker()
	checker.Register("data_source", observability.DataSourceHealthCheck(func(ctx context.Context) error {
		return stderrors.New("connection refused")
	}))
	d.processor.SetHealthChecker(checker)

	w = httptest.NewRecorder()
	d.processor.SetupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForKind(errors.KindInvalidInput))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForKind(errors.KindUnsafeQuery))
	assert.Equal(t, http.StatusConflict, statusForKind(errors.KindDuplicateEntry))
	assert.Equal(t, http.StatusServiceUnavailable, statusForKind(errors.KindCacheUnavailable))
	assert.Equal(t, statusClientClosedRequest, statusForKind(errors.KindCancelled))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(errors.KindInternal))
	assert.Equal(t, http.StatusInternalServerError, getErrorStatusCode(stderrors.New("plain")))
}
