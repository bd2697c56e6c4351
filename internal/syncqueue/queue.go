// Package syncqueue is the durable outbox for mutating actions performed
// while offline. Actions replay against the remote API in enqueue order
// with at-least-once semantics.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avenlo/handoffd/internal/remote"
	"github.com/avenlo/handoffd/internal/storage"
)

// MaxAttempts is the replay budget per action. An action that fails this
// many times is excluded from automatic replay but stays visible through
// Pending until purged, so an operator can see it never synced.
const MaxAttempts = 3

// Store is the slice of the persistent store the queue needs.
type Store interface {
	PutAction(a storage.QueuedAction) error
	PendingActions() ([]storage.QueuedAction, error)
	AllActions() ([]storage.QueuedAction, error)
	MarkActionSynced(id string) error
	RecordActionFailure(id, errMsg string, at time.Time) error
	PurgeSynced() (int, error)
	PurgeExhausted(maxAttempts int) (int, error)
}

// Sender replays one action against the remote API. remote.Client is the
// production implementation; tests use mocks.
type Sender interface {
	Send(ctx context.Context, action storage.QueuedAction) error
}

// Result is the outcome of one action during a drain.
type Result struct {
	ActionID       string `json:"action_id"`
	Synced         bool   `json:"synced"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
	Exhausted      bool   `json:"exhausted,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Queue owns durable enqueue and ordered replay of mutating actions.
type Queue struct {
	store  Store
	sender Sender
	now    func() time.Time
	logger *slog.Logger

	// drainMu serializes Drain. Connectivity restoration, worker wake-ups,
	// and operator commands all trigger drains independently; without
	// mutual exclusion two passes could read the same pending set and
	// replay an action twice.
	drainMu sync.Mutex
}

// New builds a queue. A nil now function defaults to time.Now.
func New(store Store, sender Sender, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:  store,
		sender: sender,
		now:    now,
		logger: slog.Default(),
	}
}

// Enqueue durably appends a new action and returns it so the caller can
// render optimistic UI immediately.
func (q *Queue) Enqueue(actionType storage.ActionType, payloadJSON string) (storage.QueuedAction, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	a := storage.QueuedAction{
		ID:          uuid.New().String(),
		Type:        actionType,
		PayloadJSON: payloadJSON,
		CreatedAt:   q.now().UTC(),
	}
	if err := q.store.PutAction(a); err != nil {
		return storage.QueuedAction{}, fmt.Errorf("enqueueing %s: %w", actionType, err)
	}
	return a, nil
}

// EnqueueAcknowledge is the typed entry point for the acknowledge_record
// action.
func (q *Queue) EnqueueAcknowledge(recordID, notes string) (storage.QueuedAction, error) {
	if recordID == "" {
		return storage.QueuedAction{}, errors.New("record id is required")
	}
	payload, err := json.Marshal(remote.AcknowledgePayload{RecordID: recordID, Notes: notes})
	if err != nil {
		return storage.QueuedAction{}, fmt.Errorf("marshalling payload: %w", err)
	}
	return q.Enqueue(storage.ActionAcknowledgeRecord, string(payload))
}

// Pending returns all unsynced actions, oldest first. Exhausted actions are
// included so failures stay visible.
func (q *Queue) Pending() ([]storage.QueuedAction, error) {
	return q.store.PendingActions()
}

// All returns every stored action including synced-but-not-yet-purged ones.
func (q *Queue) All() ([]storage.QueuedAction, error) {
	return q.store.AllActions()
}

// HasPending reports whether any unsynced action matches the predicate.
// Used to avoid duplicate enqueue from double-submission.
func (q *Queue) HasPending(pred func(storage.QueuedAction) bool) (bool, error) {
	pending, err := q.store.PendingActions()
	if err != nil {
		return false, err
	}
	for _, a := range pending {
		if pred(a) {
			return true, nil
		}
	}
	return false, nil
}

// PendingAcknowledge returns the queued acknowledgment for recordID, if one
// exists. Enqueue paths check this first so a double-submitted
// acknowledgment reuses the existing action instead of queueing a second.
func (q *Queue) PendingAcknowledge(recordID string) (storage.QueuedAction, bool, error) {
	pending, err := q.store.PendingActions()
	if err != nil {
		return storage.QueuedAction{}, false, err
	}
	for _, a := range pending {
		if a.Type != storage.ActionAcknowledgeRecord {
			continue
		}
		var p remote.AcknowledgePayload
		if json.Unmarshal([]byte(a.PayloadJSON), &p) != nil {
			continue
		}
		if p.RecordID == recordID {
			return a, true, nil
		}
	}
	return storage.QueuedAction{}, false, nil
}

// HasPendingAcknowledge reports whether an acknowledgment for recordID is
// already queued.
func (q *Queue) HasPendingAcknowledge(recordID string) (bool, error) {
	_, ok, err := q.PendingAcknowledge(recordID)
	return ok, err
}

// Drain replays every pending action with remaining attempts, strictly in
// enqueue order, then purges synced rows. A per-action failure increments
// its attempts and moves on; one bad action never aborts the rest. The only
// error Drain returns is failure to read the queue itself.
//
// There is deliberately no backoff between attempts: an action is retried
// at most once per drain pass, and attempts cap at MaxAttempts.
//
// Drains are serialized: a trigger that fires while a pass is running
// blocks until that pass finishes, then sees the already-drained state.
func (q *Queue) Drain(ctx context.Context) ([]Result, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	pending, err := q.store.PendingActions()
	if err != nil {
		return nil, fmt.Errorf("reading pending actions: %w", err)
	}

	results := make([]Result, 0, len(pending))
	for _, action := range pending {
		// Re-check before replay: a crash between mark-synced and purge
		// leaves a synced row behind, which must be skipped, never resent.
		if action.Synced {
			continue
		}
		if action.Attempts >= MaxAttempts {
			results = append(results, Result{ActionID: action.ID, Exhausted: true, Error: action.LastError})
			continue
		}
		results = append(results, q.replay(ctx, action))
	}

	if purged, err := q.store.PurgeSynced(); err != nil {
		q.logger.Warn("purging synced actions failed", "error", err)
	} else if purged > 0 {
		q.logger.Debug("purged synced actions", "count", purged)
	}

	return results, nil
}

func (q *Queue) replay(ctx context.Context, action storage.QueuedAction) Result {
	err := q.sender.Send(ctx, action)

	switch {
	case err == nil:
		if markErr := q.store.MarkActionSynced(action.ID); markErr != nil {
			q.logger.Error("marking action synced failed", "action", action.ID, "error", markErr)
			return Result{ActionID: action.ID, Error: markErr.Error()}
		}
		return Result{ActionID: action.ID, Synced: true}

	case errors.Is(err, remote.ErrAlreadyApplied):
		// Idempotent success: the effect already happened server-side.
		if markErr := q.store.MarkActionSynced(action.ID); markErr != nil {
			q.logger.Error("marking action synced failed", "action", action.ID, "error", markErr)
			return Result{ActionID: action.ID, Error: markErr.Error()}
		}
		return Result{ActionID: action.ID, Synced: true, AlreadyApplied: true}

	default:
		q.logger.Warn("action replay failed", "action", action.ID, "attempt", action.Attempts+1, "error", err)
		if failErr := q.store.RecordActionFailure(action.ID, err.Error(), q.now()); failErr != nil {
			q.logger.Error("recording action failure failed", "action", action.ID, "error", failErr)
		}
		return Result{
			ActionID:  action.ID,
			Error:     err.Error(),
			Exhausted: action.Attempts+1 >= MaxAttempts,
		}
	}
}

// PurgeExhausted removes actions that ran out of attempts. Operator-only.
func (q *Queue) PurgeExhausted() (int, error) {
	return q.store.PurgeExhausted(MaxAttempts)
}
