package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/internal/orchestrator"
	"github.com/codescout/internal/queue"
	"github.com/codescout/pkg/models"
)

type testEnv struct {
	server  *Server
	status  *queue.StatusBus
	results *queue.ResultStore
}

func newTestEnv(t *testing.T, highWater int64) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q, err := queue.New(context.Background(), client, queue.Options{
		StreamKey:      "codescout:reviews",
		ConsumerGroup:  "reviewers",
		ConsumerID:     "c1",
		ClaimBlockTime: 50 * time.Millisecond,
		HighWaterMark:  highWater,
	})
	require.NoError(t, err)

	status := queue.NewStatusBus(client, "codescout:status:%s")
	results := queue.NewResultStore(client, time.Hour)
	orch := orchestrator.New(q, status, results)
	return &testEnv{server: NewServer(":0", orch), status: status, results: results}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateReviewAccepted(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/reviews",
		`{"provider":"github","repository_id":"acme/widgets","change_request_number":7,"mode":"diff"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["requestId"], 26)
	assert.Equal(t, "QUEUED", body["status"])
}

func TestCreateReviewValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/reviews",
		`{"provider":"bitbucket","repository_id":"a/b","change_request_number":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/reviews", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateReviewBackpressure(t *testing.T) {
	env := newTestEnv(t, 1)
	body := `{"provider":"github","repository_id":"a/b","change_request_number":1}`

	rec := env.do(http.MethodPost, "/api/reviews", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(http.MethodPost, "/api/reviews", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetReview(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	record := &models.ResultRecord{
		Status:       models.StatusCompleted,
		RepositoryID: "acme/widgets",
		Result:       &models.ReviewResult{Summary: "all clear"},
	}
	_, err := env.results.Finalize(ctx, "req-1", record)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/reviews/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.ResultRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "all clear", got.Result.Summary)

	rec = env.do(http.MethodGet, "/api/reviews/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsEndsOnTerminalRecord(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.results.Finalize(ctx, "req-2", &models.ResultRecord{Status: models.StatusFailed, Error: "boom"})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/reviews/req-2/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":"FAILED"`)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
