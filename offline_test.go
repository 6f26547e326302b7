package vitracka

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replayServer records replayed actions and can be told to reject specific
// endpoints.
type replayServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
	failing  map[string]bool
}

func newReplayServer(t *testing.T) *replayServer {
	t.Helper()
	rs := &replayServer{failing: make(map[string]bool)}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.Method+" "+r.URL.Path)
		fail := rs.failing[r.URL.Path]
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"ok":false}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *replayServer) setFailing(path string, fail bool) {
	rs.mu.Lock()
	rs.failing[path] = fail
	rs.mu.Unlock()
}

func (rs *replayServer) seen() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.requests...)
}

func newTestQueue(t *testing.T, store Store, srv *replayServer, opts *QueueOptions) *OfflineQueue {
	t.Helper()
	client := NewClient(StaticToken("test-token"), WithBaseURL(srv.srv.URL))
	q, err := NewOfflineQueue(store, client, opts)
	require.NoError(t, err)
	return q
}

func TestOfflineQueueEnqueuePersistsImmediately(t *testing.T) {
	srv := newReplayServer(t)
	store := NewMemoryStore()
	q := newTestQueue(t, store, srv, nil)

	id, err := q.Enqueue(ActionCreate, EndpointCoaching, map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.PendingCount())

	data, ok, err := store.Get("offline_actions")
	require.NoError(t, err)
	require.True(t, ok)
	var actions []OfflineAction
	require.NoError(t, json.Unmarshal(data, &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)
	assert.Equal(t, ActionPending, actions[0].Status)
}

func TestOfflineQueueDrainReplaysInOrder(t *testing.T) {
	srv := newReplayServer(t)
	q := newTestQueue(t, NewMemoryStore(), srv, nil)

	_, err := q.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ActionUpdate, "/agents/weight-analysis", map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = q.Enqueue(ActionDelete, "/agents/coaching", nil)
	require.NoError(t, err)

	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, 0, q.PendingCount())
	assert.Equal(t, []string{
		"POST /agents/coaching",
		"PATCH /agents/weight-analysis",
		"DELETE /agents/coaching",
	}, srv.seen())
}

func TestOfflineQueueDrainHaltsAtFailingAction(t *testing.T) {
	srv := newReplayServer(t)
	srv.setFailing("/agents/weight-analysis", true)
	q := newTestQueue(t, NewMemoryStore(), srv, nil)

	_, err := q.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 1})
	require.NoError(t, err)
	failingID, err := q.Enqueue(ActionCreate, "/agents/weight-analysis", map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = q.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 3})
	require.NoError(t, err)

	err = q.Drain(context.Background())
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, failingID, syncErr.ActionID)

	// The first action synced, the failing one and everything after it stay
	// queued; nothing was skipped over.
	assert.Equal(t, 2, q.PendingCount())
	assert.Equal(t, []string{
		"POST /agents/coaching",
		"POST /agents/weight-analysis",
	}, srv.seen())

	failed := q.FailedActions()
	require.Len(t, failed, 1)
	assert.Equal(t, failingID, failed[0].ID)
	assert.Equal(t, 1, failed[0].RetryCount)
	assert.NotEmpty(t, failed[0].LastError)
	assert.Greater(t, failed[0].NextAttemptAt, time.Now().UnixMilli())
}

func TestOfflineQueueDrainDefersDuringBackoff(t *testing.T) {
	srv := newReplayServer(t)
	srv.setFailing("/agents/coaching", true)
	q := newTestQueue(t, NewMemoryStore(), srv, &QueueOptions{RetryBaseDelay: time.Hour})

	_, err := q.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 1})
	require.NoError(t, err)

	err = q.Drain(context.Background())
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)

	// The head is backing off, so another drain does not touch the server.
	require.NoError(t, q.Drain(context.Background()))
	assert.Len(t, srv.seen(), 1)
	assert.Equal(t, 1, q.PendingCount())
}

func TestOfflineQueueResetClearsRetryState(t *testing.T) {
	srv := newReplayServer(t)
	srv.setFailing("/agents/coaching", true)
	q := newTestQueue(t, NewMemoryStore(), srv, &QueueOptions{RetryBaseDelay: time.Hour})

	_, err := q.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 1})
	require.NoError(t, err)
	var syncErr *SyncError
	require.ErrorAs(t, q.Drain(context.Background()), &syncErr)

	require.NoError(t, q.Reset())
	srv.setFailing("/agents/coaching", false)

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, 0, q.PendingCount())
}

func TestOfflineQueueRetryDelayGrowsLinearlyWithCap(t *testing.T) {
	q := &OfflineQueue{retryBase: 5 * time.Second, retryMax: 5 * time.Minute}

	assert.Equal(t, 5*time.Second, q.retryDelay(1))
	assert.Equal(t, 10*time.Second, q.retryDelay(2))
	assert.Equal(t, 50*time.Second, q.retryDelay(10))
	assert.Equal(t, 5*time.Minute, q.retryDelay(100))
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	srv := newReplayServer(t)
	store := NewMemoryStore()

	q1 := newTestQueue(t, store, srv, nil)
	_, err := q1.Enqueue(ActionCreate, "/agents/coaching", map[string]any{"n": 1})
	require.NoError(t, err)

	q2 := newTestQueue(t, store, srv, nil)
	assert.Equal(t, 1, q2.PendingCount())

	require.NoError(t, q2.Drain(context.Background()))
	assert.Equal(t, 0, q2.PendingCount())
}

func TestOfflineQueueResetsSyncingActionsOnLoad(t *testing.T) {
	srv := newReplayServer(t)
	store := NewMemoryStore()

	// Simulate a crash mid-drain: an action persisted in SYNCING state.
	actions := []OfflineAction{{
		ID:        "a1",
		Kind:      ActionCreate,
		Endpoint:  "/agents/coaching",
		Payload:   json.RawMessage(`{"n":1}`),
		CreatedAt: time.Now().UnixMilli(),
		Status:    ActionSyncing,
	}}
	data, err := json.Marshal(actions)
	require.NoError(t, err)
	require.NoError(t, store.Set("offline_actions", data))

	q := newTestQueue(t, store, srv, nil)
	require.Equal(t, 1, q.PendingCount())
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, 0, q.PendingCount())
}

func TestOfflineQueueRemoveDropsAction(t *testing.T) {
	srv := newReplayServer(t)
	q := newTestQueue(t, NewMemoryStore(), srv, nil)

	id, err := q.Enqueue(ActionCreate, "/agents/coaching", nil)
	require.NoError(t, err)

	require.NoError(t, q.Remove(id))
	assert.Equal(t, 0, q.PendingCount())
	assert.Error(t, q.Remove(id))
}
