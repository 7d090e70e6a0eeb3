package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueKey is the store key the offline queue persists under.
const DefaultQueueKey = "chatsync/queue"

// DefaultEvictionHorizon is how long an unsent action may wait before it is dropped.
const DefaultEvictionHorizon = 7 * 24 * time.Hour

// OfflineQueue is the persisted, ordered backlog of mutations waiting for
// connectivity. Every change is written through to the Store, so the queue
// survives an application restart.
type OfflineQueue struct {
	store Store
	key   string
	now   func() time.Time

	mu    sync.Mutex
	items []PendingAction
}

// NewOfflineQueue creates a queue persisted under key (DefaultQueueKey if empty).
func NewOfflineQueue(store Store, key string) *OfflineQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &OfflineQueue{store: store, key: key, now: time.Now}
}

// NewAction builds a pending action with a fresh ID and the given payload.
func NewAction(typ ActionType, payload any) (PendingAction, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PendingAction{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return PendingAction{ID: uuid.NewString(), Type: typ, Payload: data}, nil
}

// Open loads the persisted backlog, replacing anything held in memory.
func (q *OfflineQueue) Open(ctx context.Context) error {
	items, _, err := Load[[]PendingAction](ctx, q.store, q.key)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// persist writes the backlog. Caller holds mu.
func (q *OfflineQueue) persist(ctx context.Context) error {
	return Save(ctx, q.store, q.key, q.items)
}

// Enqueue appends a to the backlog. Missing IDs and timestamps are filled in.
func (q *OfflineQueue) Enqueue(ctx context.Context, a PendingAction) (PendingAction, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = q.now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == a.ID {
			return it, nil
		}
	}
	q.items = append(q.items, a)
	return a, q.persist(ctx)
}

// DequeueAll returns every queued action in enqueue order. Actions stay in
// the queue until Remove is called for them.
func (q *OfflineQueue) DequeueAll(_ context.Context) []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingAction{}, q.items...)
}

// Remove deletes the action with the given ID. Unknown IDs are ignored.
func (q *OfflineQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persist(ctx)
		}
	}
	return nil
}

// Update stores new bookkeeping (attempts, last error) for a queued action.
func (q *OfflineQueue) Update(ctx context.Context, a PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == a.ID {
			q.items[i] = a
			return q.persist(ctx)
		}
	}
	return nil
}

// EvictOlderThan drops actions enqueued more than maxAge ago and returns them.
func (q *OfflineQueue) EvictOlderThan(ctx context.Context, maxAge time.Duration) ([]PendingAction, error) {
	cutoff := q.now().Add(-maxAge)
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept, evicted []PendingAction
	for _, it := range q.items {
		if it.EnqueuedAt.Before(cutoff) {
			evicted = append(evicted, it)
		} else {
			kept = append(kept, it)
		}
	}
	if len(evicted) == 0 {
		return nil, nil
	}
	q.items = kept
	return evicted, q.persist(ctx)
}

// Len returns the number of queued actions.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Has reports whether an action of type typ references entity id.
func (q *OfflineQueue) Has(typ ActionType, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Type == typ && actionEntityID(it) == id {
			return true
		}
	}
	return false
}

// Touches reports whether any queued action targets threadID or one of its
// messages. Later writes to such a thread must queue behind them.
func (q *OfflineQueue) Touches(threadID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		var ref struct {
			ID       string `json:"id"`
			ThreadID string `json:"thread_id"`
		}
		if it.Decode(&ref) != nil {
			continue
		}
		if ref.ThreadID == threadID || (it.Type == ActionCreateThread && ref.ID == threadID) {
			return true
		}
	}
	return false
}

// actionEntityID extracts the ID of the entity an action targets.
func actionEntityID(a PendingAction) string {
	var ref struct {
		ID       string `json:"id"`
		ThreadID string `json:"thread_id"`
	}
	if err := a.Decode(&ref); err != nil {
		return ""
	}
	switch a.Type {
	case ActionUpdateThread, ActionDeleteThread:
		return ref.ThreadID
	}
	return ref.ID
}
