package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"
)

// blockedRunner never touches the store, so tasks stay in STARTED.
type blockedRunner struct{}

func (blockedRunner) Run(_ context.Context, _, _ string, _ bool) error { return nil }

// completingRunner marks the task COMPLETED with a canned result.
type completingRunner struct {
	store *state.Store
	wg    sync.WaitGroup
}

func (r *completingRunner) Run(_ context.Context, taskID, _ string, _ bool) error {
	defer r.wg.Done()
	return r.store.Update(taskID, func(ts *state.TaskState) error {
		ts.TaskResult = &datatypes.TaskResult{
			Iterations: []datatypes.GeneratedIteration{{Text: "answer"}},
		}
		ts.TaskStatus = datatypes.StatusCompleted
		return nil
	})
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(state.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSubmitReturnsImmediatelyWithStartedRecord(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}}

	resp, err := s.Submit("a question", false)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, datatypes.StatusStarted, resp.TaskStatus)
	assert.Equal(t, "1 minute", resp.EstimatedTime)
	assert.Nil(t, resp.TaskResult)

	ts, err := store.Read(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "a question", ts.Query)
}

func TestSubmitEstimateGrowsWithFeedback(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}}

	resp, err := s.Submit("a question", true)
	require.NoError(t, err)
	assert.Equal(t, "3 minutes", resp.EstimatedTime)
}

func TestPollCompletedTaskIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	runner := &completingRunner{store: store}
	runner.wg.Add(1)
	s := &Scheduler{Store: store, Runner: runner}

	resp, err := s.Submit("a question", false)
	require.NoError(t, err)
	runner.wg.Wait()

	first, err := s.Poll(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, first.TaskStatus)

	for i := 0; i < 3; i++ {
		again, err := s.Poll(resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, first.TaskStatus, again.TaskStatus)
		assert.Equal(t, first.TaskResult, again.TaskResult)
	}
}

func TestPollUnknownTask(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}}

	_, err := s.Poll("no-such-id")
	require.ErrorIs(t, err, state.ErrNoSuchTask)
}

func TestPollTimesOutRunningTask(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}, Timeout: 50 * time.Millisecond}

	require.NoError(t, store.Create(state.TaskState{
		TaskID:     "stale",
		Query:      "q",
		TaskStatus: datatypes.StatusStarted,
		StartedAt:  time.Now().Add(-time.Second),
	}))

	ts, err := s.Poll("stale")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, ts.TaskStatus)
	assert.Contains(t, ts.ExtraState["error"], "timed out")

	// The transition is durable and visible to an independent read.
	fresh, err := store.Read("stale")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, fresh.TaskStatus)

	// Further polls return the same terminal payload.
	again, err := s.Poll("stale")
	require.NoError(t, err)
	assert.Equal(t, ts.TaskStatus, again.TaskStatus)
	assert.Equal(t, ts.ExtraState["error"], again.ExtraState["error"])
}

func TestPollDoesNotTimeOutFreshTask(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}, Timeout: time.Hour}

	resp, err := s.Submit("a question", false)
	require.NoError(t, err)

	ts, err := s.Poll(resp.TaskID)
	require.NoError(t, err)
	assert.NotEqual(t, datatypes.StatusFailed, ts.TaskStatus)
}

func TestWorkerWriteAfterTimeoutWins(t *testing.T) {
	store := newTestStore(t)
	s := &Scheduler{Store: store, Runner: blockedRunner{}, Timeout: 50 * time.Millisecond}

	require.NoError(t, store.Create(state.TaskState{
		TaskID:     "late",
		Query:      "q",
		TaskStatus: datatypes.StatusStarted,
		StartedAt:  time.Now().Add(-time.Second),
	}))

	ts, err := s.Poll("late")
	require.NoError(t, err)
	require.Equal(t, datatypes.StatusFailed, ts.TaskStatus)

	// A worker that outlived the timeout still gets its final write in.
	require.NoError(t, store.Update("late", func(cur *state.TaskState) error {
		cur.TaskStatus = datatypes.StatusCompleted
		return nil
	}))
	fresh, err := store.Read("late")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, fresh.TaskStatus)
}
