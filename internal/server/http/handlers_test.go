package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/engine"
	"github.com/SampleBias/Oxidized-Bio/internal/notify"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
)

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

type stubQueue struct {
	mu     sync.Mutex
	stages []domain.Stage
}

func (q *stubQueue) Enqueue(_ context.Context, _ uuid.UUID, stage domain.Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stages = append(q.stages, stage)
	return nil
}

func (q *stubQueue) enqueued() []domain.Stage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Stage(nil), q.stages...)
}

type stubHealth struct {
	status database.HealthStatus
}

func (h stubHealth) Health(context.Context) database.HealthStatus { return h.status }

type testServer struct {
	server *Server
	engine *engine.Engine
	hub    *notify.Hub
	queue  *stubQueue
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	hub := notify.NewHub(16, nil)
	t.Cleanup(hub.Close)

	queue := &stubQueue{}
	eng := engine.New(repository.NewMemoryWorkflowRepository(), queue,
		notify.NewBus(zerolog.Nop(), nil, hub), engine.Config{Logger: zerolog.Nop()})

	srv := NewServer(cfg, eng, hub, stubHealth{status: database.HealthStatus{Status: "healthy"}}, zerolog.Nop())
	return &testServer{server: srv, engine: eng, hub: hub, queue: queue}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rr)["error"]
}

// ---------------------------------------------------------------------------
// Workflow endpoints
// ---------------------------------------------------------------------------

func TestStartWorkflow(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"conversation_id": "conv-1",
		"payload":         map[string]any{"objective": "TP53 expression", "dataset": "120 rows"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	resp := decodeBody[startWorkflowResponse](t, rr)
	assert.Equal(t, "ingestion", resp.Stage)
	assert.Equal(t, "running", resp.Status)

	id, err := uuid.Parse(resp.WorkflowID)
	require.NoError(t, err)
	wf, err := ts.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "120 rows", wf.Input["dataset"])
	assert.Equal(t, []domain.Stage{domain.StageIngestion}, ts.queue.enqueued())
}

func TestStartWorkflow_Validation(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{name: "invalid json", body: `{"conversation_id":`, wantMsg: "invalid JSON request body"},
		{name: "missing conversation", body: map[string]any{"payload": map[string]any{"dataset": "1 row"}}, wantMsg: "conversation_id is required"},
		{name: "blank conversation", body: map[string]any{"conversation_id": "   ", "payload": map[string]any{}}, wantMsg: "conversation_id is required"},
		{name: "missing payload", body: map[string]any{"conversation_id": "conv"}, wantMsg: "payload is required"},
		{name: "conversation too long", body: map[string]any{"conversation_id": strings.Repeat("c", 257), "payload": map[string]any{}}, wantMsg: "conversation_id must be at most 256 characters"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/v1/workflows", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tc.wantMsg, errorMessage(t, rr))
		})
	}
	assert.Empty(t, ts.queue.enqueued())
}

func TestGetWorkflow(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()

	wf, err := ts.engine.Start(ctx, "conv-1", domain.Artifact{"dataset": "120 rows"})
	require.NoError(t, err)
	_, err = ts.engine.Advance(ctx, wf.ID, 0, domain.StageIngestion, domain.Artifact{"row_count": 120, "objective": "x"})
	require.NoError(t, err)

	rr := ts.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody[workflowResponse](t, rr)
	assert.Equal(t, wf.ID.String(), resp.WorkflowID)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "planning", resp.Stage)
	assert.Equal(t, int64(1), resp.Version)
	assert.Equal(t, []string{"ingestion"}, resp.CompletedStages)
	assert.Equal(t, map[string][]string{"ingestion": {"objective", "row_count"}}, resp.Payload)
	assert.Empty(t, resp.Error)

	t.Run("not found", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rr := ts.do(t, http.MethodGet, "/api/v1/workflows/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "workflow_id must be a valid UUID", errorMessage(t, rr))
	})
}

func TestCancelWorkflow(t *testing.T) {
	ts := newTestServer(t, Config{})
	wf, err := ts.engine.Start(context.Background(), "conv-1", domain.Artifact{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID.String()+"/cancel", nil)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		assert.Equal(t, "cancelled", decodeBody[transitionResponse](t, rr).Status)
	}

	rr := ts.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRetriggerStage(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()

	wf, err := ts.engine.Start(ctx, "conv-1", domain.Artifact{})
	require.NoError(t, err)
	path := "/api/v1/workflows/" + wf.ID.String() + "/stages/ingestion/retrigger"

	rr := ts.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "running workflows cannot be retriggered")

	require.NoError(t, ts.engine.Fail(ctx, wf.ID, domain.StageIngestion, errors.New("attempts exhausted"), true))

	rr = ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decodeBody[transitionResponse](t, rr)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "ingestion", resp.Stage)
	assert.Equal(t, []domain.Stage{domain.StageIngestion, domain.StageIngestion}, ts.queue.enqueued())

	rr = ts.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID.String()+"/stages/review/retrigger", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListWorkflows_Pagination(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ts.engine.Start(ctx, "conv-list", domain.Artifact{})
		require.NoError(t, err)
	}
	_, err := ts.engine.Start(ctx, "conv-other", domain.Artifact{})
	require.NoError(t, err)

	rr := ts.do(t, http.MethodGet, "/api/v1/conversations/conv-list/workflows?page_size=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	first := decodeBody[listWorkflowsResponse](t, rr)
	assert.Len(t, first.Workflows, 2)
	assert.Equal(t, 3, first.TotalCount)
	require.NotEmpty(t, first.NextPageToken)

	rr = ts.do(t, http.MethodGet, "/api/v1/conversations/conv-list/workflows?page_size=2&page_token="+first.NextPageToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	second := decodeBody[listWorkflowsResponse](t, rr)
	assert.Len(t, second.Workflows, 1)
	assert.Empty(t, second.NextPageToken)
	assert.NotEqual(t, first.Workflows[0].WorkflowID, second.Workflows[0].WorkflowID)
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageSize, 0},
		{"page_size=10", 10, 0},
		{"page_size=1000", maxPageSize, 0},
		{"page_size=-1", defaultPageSize, 0},
		{"page_token=" + encodeHTTPPageToken(0, 20, 100), defaultPageSize, 20},
		{"page_token=%%%", defaultPageSize, 0},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x?"+tc.query, nil)
		limit, offset := parsePaginationParams(req)
		assert.Equal(t, tc.wantLimit, limit, tc.query)
		assert.Equal(t, tc.wantOffset, offset, tc.query)
	}
	assert.Empty(t, encodeHTTPPageToken(80, 20, 100))
}

// ---------------------------------------------------------------------------
// Health and errors
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	unhealthy := NewServer(Config{}, ts.engine, ts.hub,
		stubHealth{status: database.HealthStatus{Status: "unhealthy", Error: "connection refused"}}, zerolog.Nop())
	rr = httptest.NewRecorder()
	unhealthy.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", decodeBody[map[string]string](t, rr)["status"])
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"not found", domain.NewNotFoundError("workflow", "x"), http.StatusNotFound, "resource not found"},
		{"validation", domain.NewValidationError("stage", "unknown"), http.StatusBadRequest, "validation error: stage: unknown"},
		{"bare invalid input", domain.ErrInvalidInput, http.StatusBadRequest, "invalid input"},
		{"conflict", domain.NewConflictError("wf", domain.StageDraft, 1, 2, "workflow is cancelled"), http.StatusConflict, "workflow is cancelled"},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests, "rate limited"},
		{"unavailable", domain.ErrServiceUnavailable, http.StatusServiceUnavailable, "service unavailable"},
		{"internal", errors.New("pq: password authentication failed for user oxbio"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeDomainError(rr, tc.err)
			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantMsg, errorMessage(t, rr))
			assert.NotContains(t, rr.Body.String(), "password")
		})
	}
}

func TestCorrelationIDMiddleware_UsesExistingHeader(t *testing.T) {
	ts := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "test-correlation-123")
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "test-correlation-123", rr.Header().Get("X-Correlation-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	ts := newTestServer(t, Config{CORSOrigins: []string{"https://app.example.org"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.org", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
