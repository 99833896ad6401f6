package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/archive"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/notifier"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

type fakeSource struct {
	history []*notifier.Record
	live    chan *notifier.Record
}

func (f *fakeSource) Replay(context.Context, string) ([]*notifier.Record, error) {
	return f.history, nil
}

func (f *fakeSource) Subscribe(context.Context, string) <-chan *notifier.Record {
	return f.live
}

func record(id string, t types.EventType) *notifier.Record {
	return &notifier.Record{ID: id, TriggerID: "trig", Type: t, Payload: json.RawMessage(`{"type":"` + string(t) + `"}`)}
}

func newTestServer(t *testing.T, opts Options, rl *RateLimitConfig) http.Handler {
	t.Helper()
	s := NewServer(NewHandlers(opts, nil), &ServerConfig{RateLimit: rl})
	t.Cleanup(s.Close)
	return s.Router()
}

func do(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func terminalContext(workflowID string) *types.ExecutionContext {
	now := time.Now().UTC()
	return &types.ExecutionContext{
		WorkflowID: workflowID,
		TriggerID:  "trig",
		NodeExecutions: map[string]*types.NodeExecution{
			"ask": {
				Status:  types.NodeStatusCompleted,
				Success: true,
				Inputs: map[string]interface{}{
					"prompt": "hi",
					"apiKey": "sk-secret",
					"nested": map[string]interface{}{"password": "hunter2", "keep": true},
				},
				Output: "hello",
			},
		},
		CompletedNodes: types.NewNodeSet("ask"),
		AllNodes:       types.NewNodeSet("ask"),
		Status:         types.RunStatusCompleted,
		CreatedAt:      now,
		UpdatedAt:      now,
		FinishedAt:     &now,
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newTestServer(t, Options{Checks: map[string]CheckFunc{
		"redis": func(context.Context) error { return nil },
	}}, nil)

	assert.Equal(t, http.StatusOK, do(h, "/health").Code)

	rec := do(h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)

	failing := newTestServer(t, Options{Checks: map[string]CheckFunc{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)
	rec = do(failing, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, Options{}, nil)
	rec := do(h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGetContextScrubsSecrets(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	_, _, err := store.CreateContext(context.Background(), terminalContext("wf-1"))
	require.NoError(t, err)

	h := newTestServer(t, Options{Contexts: store}, nil)
	rec := do(h, "/api/v1/workflows/wf-1/context")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := rec.Body.String()
	assert.Contains(t, body, `"prompt":"hi"`)
	assert.Contains(t, body, `"keep":true`)
	assert.NotContains(t, body, "sk-secret")
	assert.NotContains(t, body, "hunter2")
}

func TestGetContextFallsBackToArchive(t *testing.T) {
	arch := archive.NewWithBackend(archive.NewMemoryBackend(), nil)
	_, err := arch.Save(context.Background(), terminalContext("wf-old"))
	require.NoError(t, err)

	h := newTestServer(t, Options{Contexts: runstore.NewMemoryStore(nil), Archive: arch}, nil)

	rec := do(h, "/api/v1/workflows/wf-old/context")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workflowId":"wf-old"`)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	rec = do(h, "/api/v1/workflows/missing/context")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeNotFound, resp.Error)
	assert.NotEmpty(t, resp.RequestID)
}

func TestStreamEventsReplaysFinishedRun(t *testing.T) {
	src := &fakeSource{
		history: []*notifier.Record{
			record("1-0", types.EventWorkflowStarted),
			record("2-0", types.EventWorkflowCompleted),
		},
		live: make(chan *notifier.Record),
	}
	h := newTestServer(t, Options{Events: src}, nil)

	rec := do(h, "/api/v1/triggers/trig/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	started := strings.Index(body, "event: WORKFLOW_STARTED")
	completed := strings.Index(body, "event: WORKFLOW_COMPLETED")
	require.GreaterOrEqual(t, started, 0)
	assert.Greater(t, completed, started)
	assert.Contains(t, body, "id: 2-0\n")
}

func TestStreamEventsTailsUntilTerminal(t *testing.T) {
	src := &fakeSource{
		history: []*notifier.Record{record("1-0", types.EventWorkflowStarted)},
		live:    make(chan *notifier.Record, 3),
	}
	src.live <- record("2-0", types.EventNodeResult)
	src.live <- record("3-0", types.EventWorkflowFailed)
	src.live <- record("4-0", types.EventNodeLog)

	h := newTestServer(t, Options{Events: src}, nil)
	body := do(h, "/api/v1/triggers/trig/events").Body.String()

	assert.Contains(t, body, "event: NODE_RESULT")
	assert.Contains(t, body, "event: WORKFLOW_FAILED")
	assert.NotContains(t, body, "NODE_LOG")
	assert.Less(t, strings.Index(body, "NODE_RESULT"), strings.Index(body, "WORKFLOW_FAILED"))
}

func TestStreamEventsFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	n := notifier.NewRedisNotifier(client, nil, nil)
	ctx := context.Background()
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "trig", "", &types.WorkflowStarted{Nodes: []string{"a"}})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "other", "", &types.WorkflowStarted{Nodes: []string{"b"}})))
	require.NoError(t, n.Publish(ctx, types.NewEvent("wf", "trig", "", &types.WorkflowCompleted{Output: "done"})))

	h := newTestServer(t, Options{Events: n}, nil)
	body := do(h, "/api/v1/triggers/trig/events").Body.String()

	assert.Contains(t, body, `"nodes":["a"]`)
	assert.NotContains(t, body, `"nodes":["b"]`)
	assert.Contains(t, body, "event: WORKFLOW_COMPLETED")
}

func TestStreamEventsUnconfigured(t *testing.T) {
	h := newTestServer(t, Options{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, "/api/v1/triggers/trig/events").Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Options{Contexts: runstore.NewMemoryStore(nil)}, &RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		SkipPaths:         []string{"/health"},
	})

	assert.Equal(t, http.StatusNotFound, do(h, "/api/v1/workflows/a/context").Code)
	rec := do(h, "/api/v1/workflows/a/context")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Exempt paths are never limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(h, "/health").Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	hs := NewHandlers(Options{}, nil)
	h := hs.RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(h, "/anything")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrCodeInternalError)
}
