package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/scheduler"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

type idleRunner struct{}

func (idleRunner) Run(_ context.Context, _, _ string, _ bool) error { return nil }

func newQueryRouter(t *testing.T) (*gin.Engine, *state.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := state.Open(state.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := &scheduler.Scheduler{Store: store, Runner: idleRunner{}}
	router := gin.New()
	router.POST("/v1/query", HandleQuery(sched))
	return router, store
}

func postQuery(t *testing.T, router *gin.Engine, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQuerySubmitReturnsStarted(t *testing.T) {
	router, _ := newQueryRouter(t)

	w := postQuery(t, router, datatypes.QueryRequest{Query: "what is sparse attention?"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.AsyncQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, datatypes.StatusStarted, resp.TaskStatus)
	assert.Nil(t, resp.TaskResult)
}

func TestHandleQueryRejectsEmptyQuery(t *testing.T) {
	router, _ := newQueryRouter(t)

	w := postQuery(t, router, datatypes.QueryRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryPollUnknownTask(t *testing.T) {
	router, _ := newQueryRouter(t)

	w := postQuery(t, router, datatypes.QueryRequest{TaskID: "missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "missing")
}

func TestHandleQueryPollRunningTask(t *testing.T) {
	router, _ := newQueryRouter(t)

	submit := postQuery(t, router, datatypes.QueryRequest{Query: "a question"})
	var created datatypes.AsyncQueryResponse
	require.NoError(t, json.Unmarshal(submit.Body.Bytes(), &created))

	// Poll ignores every field except task_id.
	w := postQuery(t, router, datatypes.QueryRequest{TaskID: created.TaskID, Query: "ignored"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.AsyncQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, created.TaskID, resp.TaskID)
	assert.Equal(t, "a question", resp.Query)
}

func TestHandleQueryPollCompletedTask(t *testing.T) {
	router, store := newQueryRouter(t)

	require.NoError(t, store.Create(state.TaskState{
		TaskID:     "done",
		Query:      "q",
		TaskStatus: datatypes.StatusCompleted,
		TaskResult: &datatypes.TaskResult{
			Iterations: []datatypes.GeneratedIteration{{Text: "answer [0]"}},
		},
	}))

	w := postQuery(t, router, datatypes.QueryRequest{TaskID: "done"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.TaskResult.Iterations, 1)
	assert.Equal(t, "answer [0]", resp.TaskResult.Iterations[0].Text)
}

func TestHandleQueryPollFailedTask(t *testing.T) {
	router, store := newQueryRouter(t)

	require.NoError(t, store.Create(state.TaskState{
		TaskID:     "broken",
		Query:      "q",
		TaskStatus: datatypes.StatusFailed,
		ExtraState: map[string]string{"error": "no relevant information found for this question"},
	}))

	w := postQuery(t, router, datatypes.QueryRequest{TaskID: "broken"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "no relevant information")
}
