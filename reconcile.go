package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Result of applying one change event.
const (
	ApplyApplied   = "applied"
	ApplyConfirmed = "confirmed"
	ApplyDuplicate = "duplicate"
	ApplyIgnored   = "ignored"
)

type watch struct {
	scope       Scope
	unsubscribe func()
}

// Reconciler merges realtime change events into the cache. Every event is
// applied by ID, so duplicate deliveries, reconnect replays and the echo of
// the engine's own writes never produce duplicate entities.
//
// It holds at most one subscription per table. Message events are only
// applied while their thread is the watched one.
type Reconciler struct {
	cache   *Cache
	feed    Feed
	log     zerolog.Logger
	metrics *Metrics
	ignore  func(table, id string) bool

	mu      sync.Mutex
	watches map[string]*watch
}

// NewReconciler creates a reconciler over cache. feed may be nil, in which
// case Watch only records the scope and events are fed through Apply.
func NewReconciler(cache *Cache, feed Feed, log zerolog.Logger, metrics *Metrics) *Reconciler {
	return &Reconciler{
		cache:   cache,
		feed:    feed,
		log:     log.With().Str("component", "reconciler").Logger(),
		metrics: metrics,
		watches: make(map[string]*watch),
	}
}

// SetIgnore installs a filter for entities that must not be resurrected,
// such as threads with a delete in flight.
func (r *Reconciler) SetIgnore(fn func(table, id string) bool) {
	r.mu.Lock()
	r.ignore = fn
	r.mu.Unlock()
}

// Watch makes scope the active subscription for its table. The previous
// subscription of that table is torn down first. Watching the current scope
// again is a no-op; a zero scope only tears down.
func (r *Reconciler) Watch(ctx context.Context, scope Scope) error {
	r.mu.Lock()
	prev := r.watches[scope.Table]
	if prev != nil && prev.scope.Key() == scope.Key() {
		r.mu.Unlock()
		return nil
	}
	delete(r.watches, scope.Table)
	r.mu.Unlock()

	if prev != nil && prev.unsubscribe != nil {
		prev.unsubscribe()
		r.log.Debug().Str("scope", prev.scope.Key()).Msg("unsubscribed")
	}
	if scope.IsZero() {
		return nil
	}

	w := &watch{scope: scope}
	if r.feed != nil {
		key := scope.Key()
		unsub, err := r.feed.Subscribe(ctx, scope, func(ev ChangeEvent) {
			// Late events of a replaced subscription are dropped.
			if !r.watching(key, ev.Table) {
				return
			}
			r.Apply(ev)
		})
		if err != nil {
			return err
		}
		w.unsubscribe = unsub
	}

	r.mu.Lock()
	if cur := r.watches[scope.Table]; cur != nil && cur.unsubscribe != nil {
		// A concurrent Watch won; keep the newest.
		defer cur.unsubscribe()
	}
	r.watches[scope.Table] = w
	r.mu.Unlock()
	r.log.Debug().Str("scope", scope.Key()).Msg("subscribed")
	return nil
}

// Unwatch tears down the subscription of table.
func (r *Reconciler) Unwatch(table string) {
	r.mu.Lock()
	w := r.watches[table]
	delete(r.watches, table)
	r.mu.Unlock()
	if w != nil && w.unsubscribe != nil {
		w.unsubscribe()
	}
}

// Scope returns the watched scope of table.
func (r *Reconciler) Scope(table string) (Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.watches[table]; w != nil {
		return w.scope, true
	}
	return Scope{}, false
}

func (r *Reconciler) watching(key, table string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[table]
	return w != nil && w.scope.Key() == key
}

// Close tears down every subscription.
func (r *Reconciler) Close() {
	r.mu.Lock()
	ws := r.watches
	r.watches = make(map[string]*watch)
	r.mu.Unlock()
	for _, w := range ws {
		if w.unsubscribe != nil {
			w.unsubscribe()
		}
	}
}

// Apply merges ev into the cache and reports what happened. Applying the
// same event twice leaves the cache as applying it once.
func (r *Reconciler) Apply(ev ChangeEvent) string {
	r.mu.Lock()
	w := r.watches[ev.Table]
	ignore := r.ignore
	r.mu.Unlock()

	result := ApplyIgnored
	switch {
	case w == nil || !w.scope.Matches(ev):
	case ev.Table == TableThreads:
		result = r.applyThread(ev, ignore)
	case ev.Table == TableMessages:
		result = r.applyMessage(ev, w.scope, ignore)
	}
	r.metrics.realtimeEvent(ev.Table, ev.Type, result)
	r.log.Debug().Str("table", ev.Table).Str("type", string(ev.Type)).Str("result", result).Msg("change")
	return result
}

func (r *Reconciler) applyThread(ev ChangeEvent, ignore func(string, string) bool) string {
	t, err := ev.Thread()
	if err != nil || t.ID == "" {
		r.log.Warn().Err(err).Msg("undecodable thread event")
		return ApplyIgnored
	}
	if ev.Type != EventDelete && ignore != nil && ignore(TableThreads, t.ID) {
		return ApplyIgnored
	}

	switch ev.Type {
	case EventInsert:
		cur, ok := r.cache.Thread(t.ID)
		if !ok {
			r.cache.PutThread(t)
			return ApplyApplied
		}
		if cur.Pending {
			r.cache.PutThread(t)
			return ApplyConfirmed
		}
		return ApplyDuplicate
	case EventUpdate:
		r.cache.PutThread(t)
		return ApplyApplied
	case EventDelete:
		if _, _, _, ok := r.cache.RemoveThread(t.ID); ok {
			return ApplyApplied
		}
		return ApplyDuplicate
	}
	return ApplyIgnored
}

func (r *Reconciler) applyMessage(ev ChangeEvent, scope Scope, ignore func(string, string) bool) string {
	m, err := ev.Message()
	if err != nil || m.ID == "" {
		r.log.Warn().Err(err).Msg("undecodable message event")
		return ApplyIgnored
	}
	if ev.Type != EventDelete && (m.ThreadID != scope.Value || (ignore != nil && ignore(TableMessages, m.ID))) {
		return ApplyIgnored
	}

	switch ev.Type {
	case EventInsert:
		if r.cache.InsertMessage(m) {
			return ApplyApplied
		}
		if cur, ok := r.cache.Message(m.ID); ok && cur.Pending {
			r.cache.UpsertMessage(m)
			return ApplyConfirmed
		}
		return ApplyDuplicate
	case EventUpdate:
		r.cache.UpsertMessage(m)
		return ApplyApplied
	case EventDelete:
		if _, ok := r.cache.RemoveMessage(m.ID); ok {
			return ApplyApplied
		}
		return ApplyDuplicate
	}
	return ApplyIgnored
}
