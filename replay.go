package chatsync

import (
	"context"
	"errors"
	"fmt"
)

// ReplayResult summarizes one pass over the offline queue.
type ReplayResult struct {
	Replayed  int
	Dropped   int
	Evicted   int
	Remaining int
}

// Replay sends queued writes in enqueue order. Actions older than the
// eviction horizon are dropped first and reported through EventQueueEvicted.
// The pass stops at the first write that fails transiently so later writes
// never overtake it; writes the server rejects are dropped and their
// optimistic effect is rolled back.
func (e *Engine) Replay(ctx context.Context) (ReplayResult, error) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	var res ReplayResult
	res.Evicted = e.evictExpired(ctx)

	for _, a := range e.queue.DequeueAll(ctx) {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Remaining = e.queue.Len()
			return res, err
		}

		err := e.replayOne(ctx, a)
		switch {
		case err == nil:
			if err := e.queue.Remove(ctx, a.ID); err != nil {
				e.log.Error().Err(err).Msg("persist offline queue")
			}
			res.Replayed++
			e.confirmed(a.Type, actionEntityID(a), "")
		case shouldQueue(err):
			a.Attempts++
			a.LastError = err.Error()
			if err := e.queue.Update(ctx, a); err != nil {
				e.log.Error().Err(err).Msg("persist offline queue")
			}
			e.log.Info().Err(err).Str("action", string(a.Type)).Int("attempts", a.Attempts).Msg("replay paused")
			return e.finishReplay(res), nil
		default:
			if err := e.queue.Remove(ctx, a.ID); err != nil {
				e.log.Error().Err(err).Msg("persist offline queue")
			}
			e.rollbackAction(a)
			res.Dropped++
			_ = e.fail(a.Type, actionEntityID(a), "replay "+string(a.Type), a.Attempts+1, err)
		}
	}
	return e.finishReplay(res), nil
}

// Evict drops queued actions older than the eviction horizon without
// replaying anything else, and returns how many were dropped.
func (e *Engine) Evict(ctx context.Context) int {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	n := e.evictExpired(ctx)
	e.metrics.queue(e.queue.Len())
	return n
}

func (e *Engine) evictExpired(ctx context.Context) int {
	evicted, err := e.queue.EvictOlderThan(ctx, e.cfg.EvictionHorizon)
	if err != nil {
		e.log.Error().Err(err).Msg("persist offline queue after eviction")
	}
	for _, a := range evicted {
		e.evict(a)
	}
	return len(evicted)
}

func (e *Engine) finishReplay(res ReplayResult) ReplayResult {
	res.Remaining = e.queue.Len()
	e.metrics.queue(res.Remaining)
	e.log.Info().Int("replayed", res.Replayed).Int("dropped", res.Dropped).Int("evicted", res.Evicted).
		Int("remaining", res.Remaining).Msg("queue replayed")
	e.events.emit(EventQueueReplayed, Notice{})
	return res
}

// evict reports an action that aged out unsent and undoes its local effect.
func (e *Engine) evict(a PendingAction) {
	e.metrics.evicted(1)
	e.log.Warn().Str("action", string(a.Type)).Str("entity_id", actionEntityID(a)).
		Time("enqueued_at", a.EnqueuedAt).Int("attempts", a.Attempts).Msg("dropping unsent action past eviction horizon")
	e.rollbackAction(a)
	pending := a
	e.events.emit(EventQueueEvicted, Notice{Action: a.Type, EntityID: actionEntityID(a), Pending: &pending})
}

func (e *Engine) replayOne(ctx context.Context, a PendingAction) error {
	ctx = WithIdempotencyKey(ctx, a.ID)
	label := "replay " + string(a.Type)

	switch a.Type {
	case ActionCreateThread:
		var t Thread
		if err := a.Decode(&t); err != nil {
			return &ValidationError{Field: "payload", Message: err.Error()}
		}
		got, _, err := mutate(ctx, e, label, func(ctx context.Context) (Thread, error) {
			return e.backend.CreateThread(ctx, t)
		})
		if isDuplicate(err) {
			e.alreadyCreated(TableThreads, t.ID)
			pending := e.hasLaterUpdate(a.ID, t.ID)
			e.cache.PatchThread(t.ID, func(cur *Thread) { cur.Pending = pending })
			return nil
		}
		if err != nil {
			return err
		}
		got.Pending = e.hasLaterUpdate(a.ID, t.ID)
		e.mapID(t.ID, got.ID)
		e.cache.ReplaceThread(t.ID, got)

	case ActionSendMessage:
		var m Message
		if err := a.Decode(&m); err != nil {
			return &ValidationError{Field: "payload", Message: err.Error()}
		}
		m.ThreadID = e.canonical(m.ThreadID)
		got, _, err := mutate(ctx, e, label, func(ctx context.Context) (Message, error) {
			return e.backend.CreateMessage(ctx, m)
		})
		if isDuplicate(err) {
			e.alreadyCreated(TableMessages, m.ID)
			if cur, ok := e.cache.Message(m.ID); ok && cur.Pending {
				cur.Pending = false
				e.cache.ReplaceMessage(m.ID, cur)
			}
			return nil
		}
		if err != nil {
			return err
		}
		got.Pending = false
		e.cache.ReplaceMessage(m.ID, got)

	case ActionUpdateThread:
		var p updatePayload
		if err := a.Decode(&p); err != nil {
			return &ValidationError{Field: "payload", Message: err.Error()}
		}
		id := e.canonical(p.ThreadID)
		got, _, err := mutate(ctx, e, label, func(ctx context.Context) (Thread, error) {
			return e.backend.UpdateThread(ctx, id, p.Patch)
		})
		if err != nil {
			return err
		}
		got.Pending = e.hasLaterUpdate(a.ID, id)
		e.cache.ReplaceThread(id, got)

	case ActionDeleteThread:
		var p deletePayload
		if err := a.Decode(&p); err != nil {
			return &ValidationError{Field: "payload", Message: err.Error()}
		}
		id := e.canonical(p.ThreadID)
		_, _, err := mutate(ctx, e, label, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.backend.DeleteThread(ctx, id)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		e.setDeleting(id, false)

	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown action %q", a.Type)}
	}
	return nil
}

// alreadyCreated logs a replayed create whose row the server already holds:
// an earlier attempt landed after its caller gave up on it.
func (e *Engine) alreadyCreated(table, id string) {
	e.log.Info().Str("table", table).Str("id", id).Msg("replayed create already applied, confirming")
}

// hasLaterUpdate reports whether an update to threadID is queued behind
// action id, in which case the thread stays pending after id replays.
func (e *Engine) hasLaterUpdate(id, threadID string) bool {
	after := false
	for _, it := range e.queue.DequeueAll(e.ctx) {
		if it.ID == id {
			after = true
			continue
		}
		if after && it.Type == ActionUpdateThread && actionEntityID(it) == threadID {
			return true
		}
	}
	return false
}

// rollbackAction undoes the optimistic effect of an action that will never
// be sent.
func (e *Engine) rollbackAction(a PendingAction) {
	switch a.Type {
	case ActionCreateThread:
		var t Thread
		if a.Decode(&t) == nil {
			e.cache.RemoveThread(t.ID)
		}
	case ActionSendMessage:
		var m Message
		if a.Decode(&m) == nil {
			e.cache.RemoveMessage(m.ID)
		}
	case ActionUpdateThread:
		var p updatePayload
		if a.Decode(&p) == nil {
			e.revertPatch(e.canonical(p.ThreadID), p.Patch, p.Previous)
		}
	case ActionDeleteThread:
		var p deletePayload
		if a.Decode(&p) == nil && p.Thread != nil {
			e.setDeleting(p.ThreadID, false)
			t := *p.Thread
			t.Pending = false
			e.cache.InsertThreadAt(p.Index, t)
		}
	}
}
