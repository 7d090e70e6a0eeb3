// Package chatsync keeps a local view of chat threads and messages
// consistent with a hosted row store.
//
// The Engine applies writes optimistically, reconciles realtime change
// events by ID, retries reads with stale-response suppression, queues writes
// that cannot reach the server and replays them once the network is back.
//
// Example:
//
//	backend := chatsync.NewHTTPBackend("https://xyz.example.co", anonKey, chatsync.WithAccessToken(jwt))
//	feed := chatsync.NewWSFeed("https://xyz.example.co", chatsync.RealtimeConfig{Token: jwt, AutoReconnect: true})
//	engine := chatsync.New(backend,
//		chatsync.WithFeed(feed),
//		chatsync.WithStore(store),
//		chatsync.WithConfig(chatsync.Config{OwnerID: userID}),
//	)
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	engine.FetchThreads(ctx)
//	t, _ := engine.CreateThread(ctx, chatsync.ThreadInput{Title: "Contracts"})
//	engine.SelectThread(ctx, t.ID)
//	engine.SendMessage(ctx, t.ID, "Explain estoppel")
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// View names used by the loaders, metrics and notices.
const (
	ViewThreads  = "threads"
	ViewMessages = "messages"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the engine. Zero fields take the defaults noted below.
type Config struct {
	// OwnerID scopes thread reads and the thread subscription.
	OwnerID string
	// MutationTimeout bounds every remote write (8s).
	MutationTimeout time.Duration
	// Retry is the read retry policy (DefaultRetryPolicy).
	Retry RetryPolicy
	// Threads and Messages configure the loading safety deadlines
	// (10s and 8s, automatic retry after 10s).
	Threads  LoaderConfig
	Messages LoaderConfig
	// EvictionHorizon drops queued actions older than this on replay (7 days).
	EvictionHorizon time.Duration
	// ReplayInterval paces queue replay, one action per interval (200ms).
	ReplayInterval time.Duration
	ReplayBurst    int
	QueueKey       string
	SnapshotKey    string
	// SnapshotDelay debounces snapshot writes after cache changes (500ms).
	SnapshotDelay time.Duration
	// DefaultTitle names threads created without a title.
	DefaultTitle string
}

const DefaultSnapshotKey = "chatsync/snapshot"

func (c *Config) defaults() {
	if c.MutationTimeout == 0 {
		c.MutationTimeout = 8 * time.Second
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Threads.SafetyTimeout == 0 {
		c.Threads.SafetyTimeout = 10 * time.Second
	}
	if c.Messages.SafetyTimeout == 0 {
		c.Messages.SafetyTimeout = 8 * time.Second
	}
	if c.EvictionHorizon == 0 {
		c.EvictionHorizon = DefaultEvictionHorizon
	}
	if c.ReplayInterval == 0 {
		c.ReplayInterval = 200 * time.Millisecond
	}
	if c.ReplayBurst == 0 {
		c.ReplayBurst = 1
	}
	if c.QueueKey == "" {
		c.QueueKey = DefaultQueueKey
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = DefaultSnapshotKey
	}
	if c.SnapshotDelay == 0 {
		c.SnapshotDelay = 500 * time.Millisecond
	}
	if c.DefaultTitle == "" {
		c.DefaultTitle = "New chat"
	}
}

// FirstMessageHook runs once per thread after its first message is sent,
// typically to generate a title.
type FirstMessageHook func(ctx context.Context, m Message)

// ============================================================================
// Engine
// ============================================================================

// Engine is the sync engine behind one signed-in user's chat view.
type Engine struct {
	backend Backend
	feed    Feed
	store   Store
	log     zerolog.Logger
	metrics *Metrics
	cfg     Config
	hook    FirstMessageHook
	now     func() time.Time

	cache    *Cache
	gens     *Generations
	queue    *OfflineQueue
	recon    *Reconciler
	events   *emitter
	flight   singleflight.Group
	limiter  *rate.Limiter
	threads  *Loader
	messages *Loader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	online    bool
	closed    bool
	active    string
	err       error
	firstSent map[string]bool
	slots     map[string]uint64
	slotSeq   uint64
	idMap     map[string]string
	deleting  map[string]bool

	replayMu  sync.Mutex
	snapMu    sync.Mutex
	snapTimer *time.Timer
}

type Option func(*Engine)

// WithFeed sets the realtime feed. Without one the cache only changes
// through fetches and the engine's own writes.
func WithFeed(f Feed) Option {
	return func(e *Engine) { e.feed = f }
}

// WithStore sets the persistence port for the offline queue and snapshot.
// The default is an in-memory store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

func WithFirstMessageHook(h FirstMessageHook) Option {
	return func(e *Engine) { e.hook = h }
}

// New creates an engine over backend. Call Start before use.
func New(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		log:       zerolog.Nop(),
		now:       time.Now,
		online:    true,
		firstSent: make(map[string]bool),
		slots:     make(map[string]uint64),
		idMap:     make(map[string]string),
		deleting:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.cache = NewCache()
	e.gens = NewGenerations()
	e.queue = NewOfflineQueue(e.store, e.cfg.QueueKey)
	e.events = newEmitter()
	e.limiter = rate.NewLimiter(rate.Every(e.cfg.ReplayInterval), e.cfg.ReplayBurst)
	e.recon = NewReconciler(e.cache, e.feed, e.log, e.metrics)
	e.recon.SetIgnore(e.ignoreChange)

	e.threads = NewLoader(e.ctx, ViewThreads, e.cfg.Threads, e.fetchThreads, func() {
		e.loadingTimedOut(ViewThreads, e.threadsKey())
	}, e.log)
	e.messages = NewLoader(e.ctx, ViewMessages, e.cfg.Messages, e.fetchMessages, func() {
		e.loadingTimedOut(ViewMessages, messagesKey(e.ActiveThread()))
	}, e.log)
	for _, l := range []*Loader{e.threads, e.messages} {
		l.OnChange(func(view string, s LoadState) { e.metrics.loading(view, s) })
	}

	e.cache.OnChange(e.scheduleSnapshot)
	return e
}

// Start loads the persisted queue and snapshot so the UI can render before
// the first fetch resolves, then subscribes to the owner's threads.
func (e *Engine) Start(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.queue.Open(ctx); err != nil {
		return err
	}
	snap, ok, err := Load[Snapshot](ctx, e.store, e.cfg.SnapshotKey)
	switch {
	case err != nil:
		e.log.Warn().Err(err).Msg("discarding unreadable snapshot")
	case ok:
		e.cache.Restore(snap)
	}
	e.overlayQueued()
	e.metrics.queue(e.queue.Len())
	e.log.Info().Int("threads", len(e.cache.Threads())).Int("queued", e.queue.Len()).Msg("engine started")

	if e.cfg.OwnerID != "" {
		if err := e.recon.Watch(ctx, ThreadsScope(e.cfg.OwnerID)); err != nil {
			e.log.Warn().Err(err).Msg("thread subscription failed, continuing without realtime")
		}
	}
	return nil
}

// Close stops subscriptions and timers and writes a final snapshot. The
// backend, feed and store stay open; they belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.threads.Stop()
	e.messages.Stop()
	e.recon.Close()
	e.cancel()
	e.wg.Wait()

	e.snapMu.Lock()
	if e.snapTimer != nil {
		e.snapTimer.Stop()
		e.snapTimer = nil
	}
	e.snapMu.Unlock()
	err := e.saveSnapshot(context.Background())
	e.events.removeAll()
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// On registers handler for event ("*" for all).
func (e *Engine) On(event string, handler EventHandler) {
	e.events.On(event, handler)
}

// ── Upward state ─────────────────────────────────────────

// Threads returns the thread list in display order.
func (e *Engine) Threads() []Thread {
	return e.cache.Threads()
}

// Messages returns the messages of the active thread, oldest first.
func (e *Engine) Messages() []Message {
	return e.cache.Messages(e.ActiveThread())
}

// Loading reports whether any view is blocked on a load.
func (e *Engine) Loading() bool {
	return e.threads.Loading() || e.messages.Loading()
}

// Err returns the last read failure, cleared by the next successful read.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// ActiveThread returns the selected thread ID.
func (e *Engine) ActiveThread() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ThreadsState returns the loading state of the thread list.
func (e *Engine) ThreadsState() (LoadState, error) {
	return e.threads.State()
}

// MessagesState returns the loading state of the active thread's messages.
func (e *Engine) MessagesState() (LoadState, error) {
	return e.messages.State()
}

// Cache exposes the underlying cache for read access.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// PendingActions returns the offline queue in replay order.
func (e *Engine) PendingActions() []PendingAction {
	return e.queue.DequeueAll(e.ctx)
}

// ── Reads ────────────────────────────────────────────────

func (e *Engine) threadsKey() string {
	return "threads:" + e.cfg.OwnerID
}

func messagesKey(threadID string) string {
	return "messages:" + threadID
}

// FetchThreads loads the owner's threads. A result superseded by a newer
// fetch is dropped and reported as success.
func (e *Engine) FetchThreads(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	err := e.threads.Load(ctx)
	if isStale(err) {
		return nil
	}
	return err
}

func (e *Engine) fetchThreads(ctx context.Context) error {
	owner := e.cfg.OwnerID
	if owner == "" {
		return &ValidationError{Field: "owner_id", Message: "is required"}
	}
	key := e.threadsKey()
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return FetchApply(ctx, e.cfg.Retry, e.gens, key, "fetch threads", func(ctx context.Context) ([]Thread, error) {
			return e.backend.ListThreads(ctx, owner)
		}, func(list []Thread) {
			e.cache.SetThreads(list)
			e.overlayQueued()
		})
	})
	if err != nil {
		return e.readFailed(ViewThreads, err)
	}
	e.setErr(nil)
	e.metrics.fetch(ViewThreads, "ok")
	e.log.Debug().Bool("shared", shared).Int("threads", len(v.([]Thread))).Msg("threads fetched")
	return nil
}

func (e *Engine) fetchMessages(ctx context.Context) error {
	threadID := e.ActiveThread()
	if threadID == "" {
		return nil
	}
	key := messagesKey(threadID)
	_, err, _ := e.flight.Do(key, func() (any, error) {
		return FetchApply(ctx, e.cfg.Retry, e.gens, key, "fetch messages", func(ctx context.Context) ([]Message, error) {
			return e.backend.ListMessages(ctx, threadID)
		}, func(list []Message) {
			e.cache.SetMessages(threadID, list)
			e.overlayQueued()
		})
	})
	if err != nil {
		return e.readFailed(ViewMessages, err)
	}
	e.setErr(nil)
	e.metrics.fetch(ViewMessages, "ok")
	return nil
}

func (e *Engine) readFailed(view string, err error) error {
	if isStale(err) {
		e.metrics.stale()
		e.log.Debug().Str("view", view).Msg("discarded stale response")
		return err
	}
	e.setErr(err)
	e.metrics.fetch(view, "failed")
	e.log.Warn().Err(err).Str("view", view).Msg("fetch failed")
	e.events.emit(EventFetchFailed, Notice{View: view, Err: err})
	return err
}

// loadingTimedOut lets the automatic retry issue a fresh request instead of
// joining the hung one.
func (e *Engine) loadingTimedOut(view, key string) {
	e.flight.Forget(key)
	e.metrics.timeout(view + " loading")
	e.events.emit(EventLoadingTimeout, Notice{View: view})
}

// SelectThread makes threadID the active thread: it re-scopes the message
// subscription and loads the thread's messages. An empty ID deselects.
func (e *Engine) SelectThread(ctx context.Context, threadID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	threadID = e.canonical(threadID)
	e.mu.Lock()
	if e.active != threadID {
		e.active = threadID
		e.firstSent = make(map[string]bool)
	}
	e.mu.Unlock()

	if threadID == "" {
		e.recon.Unwatch(TableMessages)
		return nil
	}
	if err := e.recon.Watch(ctx, MessagesScope(threadID)); err != nil {
		e.log.Warn().Err(err).Str("thread_id", threadID).Msg("message subscription failed, continuing without realtime")
	}
	err := e.messages.Load(ctx)
	if isStale(err) {
		return nil
	}
	return err
}

// ── Network status ───────────────────────────────────────

// IsOnline reports the last network status passed to SetOnline.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records the network status. Going online replays the offline
// queue in the background.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online && !e.closed
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}

	if !online {
		e.log.Info().Msg("offline")
		e.events.emit(EventNetworkOffline, Notice{})
		return
	}
	e.log.Info().Int("queued", e.queue.Len()).Msg("online")
	e.events.emit(EventNetworkOnline, Notice{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Replay(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Msg("replay failed")
		}
	}()
}

// ── Bookkeeping ──────────────────────────────────────────

// beginSlot starts a mutation on id. Only the latest mutation of a slot may
// write its resolution into the cache.
func (e *Engine) beginSlot(id string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slotSeq++
	e.slots[id] = e.slotSeq
	return e.slotSeq
}

func (e *Engine) ownsSlot(id string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots[id] == seq
}

func (e *Engine) endSlot(id string, seq uint64) {
	e.mu.Lock()
	if e.slots[id] == seq {
		delete(e.slots, id)
	}
	e.mu.Unlock()
}

// mapID records that the server replaced an optimistic ID.
func (e *Engine) mapID(optimistic, canonical string) {
	if optimistic == canonical {
		return
	}
	e.mu.Lock()
	e.idMap[optimistic] = canonical
	if e.active == optimistic {
		e.active = canonical
	}
	e.mu.Unlock()
}

// canonical resolves an optimistic ID to the server's ID.
func (e *Engine) canonical(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < 8; i++ {
		next, ok := e.idMap[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

func (e *Engine) setDeleting(id string, on bool) {
	e.mu.Lock()
	if on {
		e.deleting[id] = true
	} else {
		delete(e.deleting, id)
	}
	e.mu.Unlock()
}

// ignoreChange keeps realtime events from resurrecting threads the user
// deleted while the delete is still unconfirmed.
func (e *Engine) ignoreChange(table, id string) bool {
	if table != TableThreads {
		return false
	}
	e.mu.Lock()
	deleting := e.deleting[id]
	e.mu.Unlock()
	return deleting || e.queue.Has(ActionDeleteThread, id)
}

// overlayQueued re-applies the effect of queued actions on top of the cache,
// after a restore or an authoritative server list.
func (e *Engine) overlayQueued() {
	for _, a := range e.queue.DequeueAll(e.ctx) {
		switch a.Type {
		case ActionCreateThread:
			var t Thread
			if a.Decode(&t) != nil || t.ID == "" {
				continue
			}
			t.Pending = true
			if _, _, ok := e.cache.PatchThread(t.ID, func(cur *Thread) { cur.Pending = true }); !ok {
				e.cache.PutThread(t)
			}
		case ActionSendMessage:
			var m Message
			if a.Decode(&m) != nil || m.ID == "" {
				continue
			}
			m.ThreadID = e.canonical(m.ThreadID)
			m.Pending = true
			if !e.cache.InsertMessage(m) {
				e.cache.UpsertMessage(m)
			}
		case ActionUpdateThread:
			var p updatePayload
			if a.Decode(&p) != nil {
				continue
			}
			e.cache.PatchThread(e.canonical(p.ThreadID), func(t *Thread) {
				p.Patch.apply(t)
				t.Pending = true
			})
		case ActionDeleteThread:
			var p deletePayload
			if a.Decode(&p) != nil {
				continue
			}
			e.cache.RemoveThread(e.canonical(p.ThreadID))
		}
	}
}

// ── Snapshot ─────────────────────────────────────────────

func (e *Engine) scheduleSnapshot(string, string) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	if e.snapTimer != nil || e.isClosed() {
		return
	}
	e.snapTimer = time.AfterFunc(e.cfg.SnapshotDelay, func() {
		e.snapMu.Lock()
		e.snapTimer = nil
		e.snapMu.Unlock()
		if err := e.saveSnapshot(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn().Err(err).Msg("snapshot write failed")
		}
	})
}

// saveSnapshot persists the confirmed threads and the active thread's
// messages. Pending records are left out; Start re-derives them from the
// queue.
func (e *Engine) saveSnapshot(ctx context.Context) error {
	full := e.cache.Snapshot()
	snap := Snapshot{Messages: make(map[string][]Message)}
	for _, t := range full.Threads {
		if !t.Pending {
			snap.Threads = append(snap.Threads, t)
		}
	}
	if active := e.ActiveThread(); active != "" {
		for _, m := range full.Messages[active] {
			if !m.Pending {
				snap.Messages[active] = append(snap.Messages[active], m)
			}
		}
	}
	return Save(ctx, e.store, e.cfg.SnapshotKey, snap)
}
