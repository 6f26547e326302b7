package vitracka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Offline Actions
// ============================================================================

// ActionKind classifies a queued write.
type ActionKind string

const (
	ActionCreate ActionKind = "CREATE"
	ActionUpdate ActionKind = "UPDATE"
	ActionDelete ActionKind = "DELETE"
)

// ActionStatus is the replay lifecycle of a queued write.
type ActionStatus string

const (
	ActionPending ActionStatus = "PENDING"
	ActionSyncing ActionStatus = "SYNCING"
	ActionFailed  ActionStatus = "FAILED"
)

// OfflineAction is a durable pending write. Actions are replayed strictly in
// creation order and removed only after successful replay.
type OfflineAction struct {
	ID            string          `json:"id"`
	Kind          ActionKind      `json:"kind"`
	Endpoint      string          `json:"endpoint"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
	Status        ActionStatus    `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"`
}

// QueueOptions configures the OfflineQueue.
type QueueOptions struct {
	// RetryBaseDelay is multiplied by the retry count to space out replay
	// attempts of a failing action. Default 5s, capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Logger         logrus.FieldLogger
}

func (o *QueueOptions) defaults() {
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 5 * time.Second
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

const offlineActionsKey = "offline_actions"

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue guarantees no write is silently lost while connectivity is
// unavailable, preserving causal order: replay is FIFO across all endpoints,
// and a failing action halts the drain rather than being skipped.
type OfflineQueue struct {
	store     Store
	client    *Client
	log       logrus.FieldLogger
	retryBase time.Duration
	retryMax  time.Duration

	mu       sync.Mutex
	actions  []*OfflineAction
	draining bool
}

// NewOfflineQueue loads any persisted actions from the store. Actions left
// in SYNCING by a crash mid-drain are reset to PENDING; replay is
// at-least-once and idempotency is the caller's responsibility.
func NewOfflineQueue(store Store, client *Client, opts *QueueOptions) (*OfflineQueue, error) {
	var o QueueOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	q := &OfflineQueue{
		store:     store,
		client:    client,
		log:       o.Logger,
		retryBase: o.RetryBaseDelay,
		retryMax:  o.RetryMaxDelay,
	}

	data, ok, err := store.Get(offlineActionsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline actions: %w", err)
	}
	if ok {
		if err := json.Unmarshal(data, &q.actions); err != nil {
			return nil, fmt.Errorf("failed to decode offline actions: %w", err)
		}
		for _, a := range q.actions {
			if a.Status == ActionSyncing {
				a.Status = ActionPending
			}
		}
	}
	return q, nil
}

// Enqueue appends a write action and returns its id immediately; the caller
// may treat the operation as accepted.
func (q *OfflineQueue) Enqueue(kind ActionKind, endpoint string, payload any) (string, error) {
	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal action payload: %w", err)
		}
		body = b
	}

	a := &OfflineAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Endpoint:  endpoint,
		Payload:   body,
		CreatedAt: time.Now().UnixMilli(),
		Status:    ActionPending,
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.log.WithFields(logrus.Fields{"action": a.ID, "endpoint": endpoint}).Info("queued offline action")
	return a.ID, nil
}

// Drain replays queued actions through the secondary transport, strictly in
// creation order, one at a time. On failure the drain halts at the failing
// action; it is retried on the next drain once its backoff has elapsed.
// Drain is re-entrant-safe: overlapping calls are no-ops.
func (q *OfflineQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.actions) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.actions[0]
		if head.NextAttemptAt > time.Now().UnixMilli() {
			q.mu.Unlock()
			q.log.WithField("action", head.ID).Debug("head action backing off, drain deferred")
			return nil
		}
		head.Status = ActionSyncing
		if err := q.persistLocked(); err != nil {
			head.Status = ActionPending
			q.mu.Unlock()
			return err
		}
		q.mu.Unlock()

		err := q.replay(ctx, head)

		q.mu.Lock()
		if err == nil {
			q.actions = q.actions[1:]
			perr := q.persistLocked()
			q.mu.Unlock()
			if perr != nil {
				return perr
			}
			q.log.WithField("action", head.ID).Info("offline action synced")
			continue
		}

		head.Status = ActionFailed
		head.RetryCount++
		head.LastError = err.Error()
		head.NextAttemptAt = time.Now().Add(q.retryDelay(head.RetryCount)).UnixMilli()
		perr := q.persistLocked()
		q.mu.Unlock()

		q.log.WithError(err).WithFields(logrus.Fields{
			"action": head.ID,
			"retry":  head.RetryCount,
		}).Warn("offline action replay failed, drain halted")
		if perr != nil {
			return perr
		}
		return &SyncError{ActionID: head.ID, Err: err}
	}
}

func (q *OfflineQueue) replay(ctx context.Context, a *OfflineAction) error {
	var payload any
	if a.Payload != nil {
		payload = a.Payload
	}
	result, err := q.client.Invoke(ctx, methodForKind(a.Kind), a.Endpoint, payload)
	if err != nil {
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("service rejected action")
	}
	return nil
}

// retryDelay grows linearly with the retry count, bounded by the cap.
func (q *OfflineQueue) retryDelay(retries int) time.Duration {
	d := q.retryBase * time.Duration(retries)
	if d > q.retryMax {
		d = q.retryMax
	}
	return d
}

// PendingCount returns the number of actions awaiting replay.
func (q *OfflineQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// FailedActions returns copies of actions whose last replay attempt failed.
// Failed actions are never dropped; they stay queryable until they sync or
// are removed explicitly.
func (q *OfflineQueue) FailedActions() []OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []OfflineAction
	for _, a := range q.actions {
		if a.Status == ActionFailed {
			out = append(out, *a)
		}
	}
	return out
}

// Reset clears the retry state of all actions so the next drain attempts
// them immediately.
func (q *OfflineQueue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		a.Status = ActionPending
		a.RetryCount = 0
		a.NextAttemptAt = 0
		a.LastError = ""
	}
	return q.persistLocked()
}

// Remove drops a queued action without replaying it. This is the only way an
// action leaves the queue other than successful replay.
func (q *OfflineQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return q.persistLocked()
		}
	}
	return fmt.Errorf("action %s not found", id)
}

func (q *OfflineQueue) persistLocked() error {
	data, err := json.Marshal(q.actions)
	if err != nil {
		return fmt.Errorf("failed to encode offline actions: %w", err)
	}
	if err := q.store.Set(offlineActionsKey, data); err != nil {
		return fmt.Errorf("failed to persist offline actions: %w", err)
	}
	return nil
}

func methodForKind(kind ActionKind) string {
	switch kind {
	case ActionUpdate:
		return http.MethodPatch
	case ActionDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}
