package chatsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// ============================================================================
// Optimistic mutations
// ============================================================================
//
// Every write follows the same protocol: apply the change to the cache,
// issue the remote call under MutationTimeout and then either confirm
// (replace the optimistic record with the server's), queue (timeout,
// network failure or offline, the record stays visible and Pending) or roll
// back (the server rejected the write).

// mutate runs one remote write under the mutation deadline. A permission
// error is retried once after the policy's PermissionDelay. It returns the
// number of attempts made.
func mutate[T any](ctx context.Context, e *Engine, label string, op func(context.Context) (T, error)) (T, int, error) {
	v, err := WithTimeout(ctx, e.cfg.MutationTimeout, label, op)
	attempts := 1
	if errors.Is(err, ErrPermissionDenied) {
		e.log.Warn().Err(err).Str("label", label).Msg("permission denied, retrying once")
		if sleepCtx(ctx, e.cfg.Retry.PermissionDelay) == nil {
			attempts++
			v, err = WithTimeout(ctx, e.cfg.MutationTimeout, label, op)
		}
	}
	if errors.Is(err, ErrTimeout) {
		e.metrics.timeout(label)
	}
	return v, attempts, err
}

// shouldQueue reports whether a failed write may still succeed later. A
// cancelled caller context is included: the request may or may not have
// reached the server, and the idempotency key makes a replay safe.
func shouldQueue(err error) bool {
	return isTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// mustQueue reports whether a write to threadID has to wait in the queue:
// the engine is offline or earlier writes to the thread are still queued.
func (e *Engine) mustQueue(threadID string) bool {
	return !e.IsOnline() || e.queue.Touches(threadID)
}

func mutationError(label string, attempts int, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var fe *FetchFailedError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchFailedError{Label: label, Attempts: attempts, Err: err}
}

// enqueue persists a write for replay and tells listeners about it.
func (e *Engine) enqueue(typ ActionType, key, entityID string, payload any, cause error) {
	a, err := NewAction(typ, payload)
	if err != nil {
		e.log.Error().Err(err).Str("action", string(typ)).Msg("cannot queue action")
		return
	}
	a.ID = key
	if cause != nil {
		a.LastError = cause.Error()
	}
	a, err = e.queue.Enqueue(e.ctx, a)
	if err != nil {
		// Still held in memory; the next successful write persists it.
		e.log.Error().Err(err).Str("action", string(typ)).Msg("persist offline queue")
	}
	e.metrics.queue(e.queue.Len())
	e.metrics.mutation(typ, "queued")
	e.log.Info().Str("action", string(typ)).Str("entity_id", entityID).AnErr("cause", cause).Msg("queued for replay")
	e.events.emit(EventMutationQueued, Notice{Action: typ, EntityID: entityID, Err: cause, Pending: &a})
}

func (e *Engine) confirmed(typ ActionType, entityID, threadID string) {
	e.metrics.mutation(typ, "confirmed")
	e.events.emit(EventMutationConfirmed, Notice{Action: typ, EntityID: entityID, ThreadID: threadID})
}

func (e *Engine) fail(typ ActionType, entityID, label string, attempts int, err error) error {
	err = mutationError(label, attempts, err)
	e.metrics.mutation(typ, "rolled_back")
	e.log.Warn().Err(err).Str("action", string(typ)).Str("entity_id", entityID).Msg("write rejected")
	e.events.emit(EventMutationFailed, Notice{Action: typ, EntityID: entityID, Err: err})
	return err
}

// ── Threads ──────────────────────────────────────────────

// CreateThread inserts a pending thread and creates it remotely. On timeout
// or while offline the pending thread is returned with a nil error and the
// write is queued.
func (e *Engine) CreateThread(ctx context.Context, in ThreadInput) (Thread, error) {
	if err := validateInput(in); err != nil {
		return Thread{}, err
	}
	if e.isClosed() {
		return Thread{}, ErrClosed
	}

	title := in.Title
	if title == "" {
		title = e.cfg.DefaultTitle
	}
	now := e.now().UTC()
	t := Thread{
		ID:        uuid.NewString(),
		Title:     title,
		OwnerID:   e.cfg.OwnerID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  in.Metadata,
	}
	opt := t
	opt.Pending = true
	e.cache.PutThread(opt)
	seq := e.beginSlot(t.ID)
	defer e.endSlot(t.ID, seq)

	if !e.IsOnline() {
		e.enqueue(ActionCreateThread, t.ID, t.ID, t, ErrNetwork)
		return opt, nil
	}

	got, attempts, err := mutate(WithIdempotencyKey(ctx, t.ID), e, "create thread", func(ctx context.Context) (Thread, error) {
		return e.backend.CreateThread(ctx, t)
	})
	switch {
	case err == nil:
		got.Pending = false
		e.mapID(t.ID, got.ID)
		if e.ownsSlot(t.ID, seq) {
			e.cache.ReplaceThread(t.ID, got)
		}
		e.confirmed(ActionCreateThread, got.ID, got.ID)
		return got, nil
	case shouldQueue(err):
		e.enqueue(ActionCreateThread, t.ID, t.ID, t, err)
		return opt, nil
	default:
		if e.ownsSlot(t.ID, seq) {
			e.cache.RemoveThread(t.ID)
		}
		return Thread{}, e.fail(ActionCreateThread, t.ID, "create thread", attempts, err)
	}
}

// UpdateThread patches a thread locally and remotely. A rejected update is
// rolled back for every field that still holds the value this update wrote.
func (e *Engine) UpdateThread(ctx context.Context, id string, patch ThreadPatch) (Thread, error) {
	if err := validateInput(patch); err != nil {
		return Thread{}, err
	}
	if e.isClosed() {
		return Thread{}, ErrClosed
	}
	id = e.canonical(id)

	var prev ThreadPatch
	now := e.now().UTC()
	_, after, ok := e.cache.PatchThread(id, func(t *Thread) {
		prev = previousValues(*t, patch)
		patch.apply(t)
		t.UpdatedAt = now
	})
	if !ok {
		return Thread{}, fmt.Errorf("update thread %s: %w", id, ErrNotFound)
	}
	seq := e.beginSlot(id)
	defer e.endSlot(id, seq)

	key := uuid.NewString()
	payload := updatePayload{ThreadID: id, Patch: patch, Previous: prev}
	queue := func(cause error) (Thread, error) {
		e.markThreadPending(id)
		e.enqueue(ActionUpdateThread, key, id, payload, cause)
		after.Pending = true
		return after, nil
	}
	if e.mustQueue(id) {
		return queue(ErrNetwork)
	}

	got, attempts, err := mutate(WithIdempotencyKey(ctx, key), e, "update thread", func(ctx context.Context) (Thread, error) {
		return e.backend.UpdateThread(ctx, id, patch)
	})
	switch {
	case err == nil:
		got.Pending = false
		if e.ownsSlot(id, seq) {
			e.cache.ReplaceThread(id, got)
		}
		e.confirmed(ActionUpdateThread, id, id)
		return got, nil
	case shouldQueue(err):
		return queue(err)
	default:
		if e.ownsSlot(id, seq) {
			e.revertPatch(id, patch, prev)
		}
		return Thread{}, e.fail(ActionUpdateThread, id, "update thread", attempts, err)
	}
}

// DeleteThread removes a thread and its messages locally and remotely. A
// rejected delete puts them back at the thread's original position.
func (e *Engine) DeleteThread(ctx context.Context, id string) error {
	if e.isClosed() {
		return ErrClosed
	}
	id = e.canonical(id)
	queued := e.mustQueue(id)

	t, idx, msgs, ok := e.cache.RemoveThread(id)
	if !ok {
		return nil
	}
	e.setDeleting(id, true)
	seq := e.beginSlot(id)
	defer e.endSlot(id, seq)

	key := uuid.NewString()
	removed := t
	removed.Pending = false
	payload := deletePayload{ThreadID: id, Thread: &removed, Index: idx}
	if queued {
		e.enqueue(ActionDeleteThread, key, id, payload, ErrNetwork)
		e.setDeleting(id, false)
		return nil
	}

	_, attempts, err := mutate(WithIdempotencyKey(ctx, key), e, "delete thread", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.DeleteThread(ctx, id)
	})
	switch {
	case err == nil || errors.Is(err, ErrNotFound):
		e.setDeleting(id, false)
		if e.ActiveThread() == id {
			e.mu.Lock()
			e.active = ""
			e.mu.Unlock()
			e.recon.Unwatch(TableMessages)
		}
		e.confirmed(ActionDeleteThread, id, id)
		return nil
	case shouldQueue(err):
		e.enqueue(ActionDeleteThread, key, id, payload, err)
		e.setDeleting(id, false)
		return nil
	default:
		e.setDeleting(id, false)
		if e.ownsSlot(id, seq) {
			e.cache.RestoreThread(t, idx, msgs)
		}
		return e.fail(ActionDeleteThread, id, "delete thread", attempts, err)
	}
}

func (e *Engine) markThreadPending(id string) {
	e.cache.PatchThread(id, func(t *Thread) { t.Pending = true })
}

// previousValues captures the fields of t that patch is about to overwrite.
func previousValues(t Thread, patch ThreadPatch) ThreadPatch {
	var prev ThreadPatch
	if patch.Title != nil {
		title := t.Title
		prev.Title = &title
	}
	if patch.Metadata != nil {
		prev.Metadata = t.Metadata
	}
	return prev
}

// revertPatch restores prev for every field that still holds the patched
// value. Fields changed since (by realtime or a later write) are kept.
func (e *Engine) revertPatch(id string, patch, prev ThreadPatch) {
	e.cache.PatchThread(id, func(t *Thread) {
		if patch.Title != nil && prev.Title != nil && t.Title == *patch.Title {
			t.Title = *prev.Title
		}
		if patch.Metadata != nil && reflect.DeepEqual(t.Metadata, patch.Metadata) {
			t.Metadata = prev.Metadata
		}
		t.Pending = false
	})
}

// ── Messages ─────────────────────────────────────────────

// SendMessage appends a pending user message to threadID and creates it
// remotely. threadID must be cached, confirmed or pending. The first message
// sent to a thread runs the FirstMessageHook.
func (e *Engine) SendMessage(ctx context.Context, threadID, content string) (Message, error) {
	threadID = e.canonical(threadID)
	if err := validateInput(MessageInput{ThreadID: threadID, Content: content, Role: RoleUser}); err != nil {
		return Message{}, err
	}
	if e.isClosed() {
		return Message{}, ErrClosed
	}
	if _, ok := e.cache.Thread(threadID); !ok {
		return Message{}, fmt.Errorf("send message %s: %w", threadID, ErrNotFound)
	}

	first := len(e.cache.Messages(threadID)) == 0
	m := Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: e.now().UTC(),
		OwnerID:   e.cfg.OwnerID,
	}
	opt := m
	opt.Pending = true
	e.cache.InsertMessage(opt)
	seq := e.beginSlot(m.ID)
	defer e.endSlot(m.ID, seq)

	if e.mustQueue(threadID) {
		e.enqueue(ActionSendMessage, m.ID, m.ID, m, ErrNetwork)
		e.firstMessage(ctx, first, opt)
		return opt, nil
	}

	got, attempts, err := mutate(WithIdempotencyKey(ctx, m.ID), e, "send message", func(ctx context.Context) (Message, error) {
		return e.backend.CreateMessage(ctx, m)
	})
	switch {
	case err == nil:
		got.Pending = false
		if e.ownsSlot(m.ID, seq) {
			e.cache.ReplaceMessage(m.ID, got)
		}
		e.confirmed(ActionSendMessage, got.ID, threadID)
		e.firstMessage(ctx, first, got)
		return got, nil
	case shouldQueue(err):
		e.enqueue(ActionSendMessage, m.ID, m.ID, m, err)
		e.firstMessage(ctx, first, opt)
		return opt, nil
	default:
		if e.ownsSlot(m.ID, seq) {
			e.cache.RemoveMessage(m.ID)
		}
		return Message{}, e.fail(ActionSendMessage, m.ID, "send message", attempts, err)
	}
}

// firstMessage fires the first-message side effect at most once per thread
// until the active thread changes.
func (e *Engine) firstMessage(ctx context.Context, first bool, m Message) {
	if !first {
		return
	}
	e.mu.Lock()
	if e.firstSent[m.ThreadID] {
		e.mu.Unlock()
		return
	}
	e.firstSent[m.ThreadID] = true
	e.mu.Unlock()

	e.events.emit(EventFirstMessage, Notice{Action: ActionSendMessage, EntityID: m.ID, ThreadID: m.ThreadID})
	if e.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("thread_id", m.ThreadID).Msg("first message hook panicked")
		}
	}()
	e.hook(ctx, m)
}
