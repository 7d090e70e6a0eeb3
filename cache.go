package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Cache
// ============================================================================

// Cache is the in-memory view of threads and messages the UI renders from.
// It holds no network state. All methods are safe for concurrent use and
// return copies, so callers never alias cache internals.
//
// Threads keep their list position (a rolled back delete reappears where it
// was). Messages of a thread are sorted by CreatedAt; equal timestamps keep
// insertion order.
type Cache struct {
	mu       sync.RWMutex
	threads  []Thread
	messages map[string][]msgEntry
	owner    map[string]string // message ID -> thread ID
	seq      uint64

	listenersMu sync.RWMutex
	listeners   []func(table, id string)
}

type msgEntry struct {
	msg Message
	seq uint64
}

func (a msgEntry) before(b msgEntry) bool {
	if a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.seq < b.seq
	}
	return a.msg.CreatedAt.Before(b.msg.CreatedAt)
}

// Snapshot is a serializable copy of the cache.
type Snapshot struct {
	Threads  []Thread             `json:"threads"`
	Messages map[string][]Message `json:"messages"`
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		messages: make(map[string][]msgEntry),
		owner:    make(map[string]string),
	}
}

// OnChange registers fn to be called after every mutation with the table
// and the ID of the entity that changed.
func (c *Cache) OnChange(fn func(table, id string)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Cache) notify(table, id string) {
	c.listenersMu.RLock()
	fns := append([]func(string, string){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(table, id)
		}()
	}
}

// ── Threads ──────────────────────────────────────────────

func (c *Cache) threadIndex(id string) int {
	for i := range c.threads {
		if c.threads[i].ID == id {
			return i
		}
	}
	return -1
}

// Threads returns the thread list in display order.
func (c *Cache) Threads() []Thread {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Thread{}, c.threads...)
}

// Thread returns the thread with the given ID.
func (c *Cache) Thread(id string) (Thread, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.threadIndex(id); i >= 0 {
		return c.threads[i], true
	}
	return Thread{}, false
}

// PutThread replaces the thread in place, or inserts it at the top of the
// list when absent. It reports whether the thread was inserted.
func (c *Cache) PutThread(t Thread) bool {
	c.mu.Lock()
	inserted := false
	if i := c.threadIndex(t.ID); i >= 0 {
		c.threads[i] = t
	} else {
		c.threads = append([]Thread{t}, c.threads...)
		inserted = true
	}
	c.mu.Unlock()
	c.notify(TableThreads, t.ID)
	return inserted
}

// InsertThreadAt inserts t at position i (clamped to the list bounds).
// A thread already present is replaced where it is.
func (c *Cache) InsertThreadAt(i int, t Thread) {
	c.mu.Lock()
	if j := c.threadIndex(t.ID); j >= 0 {
		c.threads[j] = t
	} else {
		if i < 0 {
			i = 0
		}
		if i > len(c.threads) {
			i = len(c.threads)
		}
		c.threads = append(c.threads, Thread{})
		copy(c.threads[i+1:], c.threads[i:])
		c.threads[i] = t
	}
	c.mu.Unlock()
	c.notify(TableThreads, t.ID)
}

// RemoveThread deletes a thread together with its messages and returns what
// was removed so the caller can restore it. Absent IDs are a no-op.
func (c *Cache) RemoveThread(id string) (Thread, int, []Message, bool) {
	c.mu.Lock()
	i := c.threadIndex(id)
	if i < 0 {
		c.mu.Unlock()
		return Thread{}, -1, nil, false
	}
	t := c.threads[i]
	c.threads = append(c.threads[:i], c.threads[i+1:]...)

	entries := c.messages[id]
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.msg)
		delete(c.owner, e.msg.ID)
	}
	delete(c.messages, id)
	c.mu.Unlock()

	c.notify(TableThreads, id)
	return t, i, msgs, true
}

// RestoreThread undoes RemoveThread.
func (c *Cache) RestoreThread(t Thread, i int, msgs []Message) {
	c.InsertThreadAt(i, t)
	for _, m := range msgs {
		c.InsertMessage(m)
	}
}

// ReplaceThread swaps the thread stored under oldID for t, keeping its list
// position. t may carry a new ID; its messages are re-keyed. When t.ID is
// already present (the realtime echo won the race), the oldID slot is
// dropped and the existing entry takes t's fields.
func (c *Cache) ReplaceThread(oldID string, t Thread) bool {
	c.mu.Lock()
	i := c.threadIndex(oldID)
	if t.ID != oldID {
		if j := c.threadIndex(t.ID); j >= 0 {
			if i >= 0 {
				c.threads = append(c.threads[:i], c.threads[i+1:]...)
				if i < j {
					j--
				}
			}
			c.threads[j] = t
			c.rekeyMessages(oldID, t.ID)
			c.mu.Unlock()
			c.notify(TableThreads, t.ID)
			return true
		}
	}
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.threads[i] = t
	if t.ID != oldID {
		c.rekeyMessages(oldID, t.ID)
	}
	c.mu.Unlock()
	c.notify(TableThreads, t.ID)
	return true
}

// PatchThread applies fn to the stored thread and returns the values before
// and after the change.
func (c *Cache) PatchThread(id string, fn func(*Thread)) (before, after Thread, ok bool) {
	c.mu.Lock()
	i := c.threadIndex(id)
	if i < 0 {
		c.mu.Unlock()
		return Thread{}, Thread{}, false
	}
	before = c.threads[i]
	after = before
	fn(&after)
	c.threads[i] = after
	c.mu.Unlock()
	c.notify(TableThreads, id)
	return before, after, true
}

// SetThreads replaces the thread list with an authoritative server list.
// Pending optimistic threads the server does not know yet stay on top.
func (c *Cache) SetThreads(list []Thread) {
	c.mu.Lock()
	seen := make(map[string]bool, len(list))
	for _, t := range list {
		seen[t.ID] = true
	}
	next := make([]Thread, 0, len(list)+len(c.threads))
	for _, t := range c.threads {
		if t.Pending && !seen[t.ID] {
			next = append(next, t)
		}
	}
	c.threads = append(next, list...)
	c.mu.Unlock()
	c.notify(TableThreads, "")
}

// ── Messages ─────────────────────────────────────────────

// rekeyMessages moves the messages of oldID under newID. Caller holds mu.
func (c *Cache) rekeyMessages(oldID, newID string) {
	entries, ok := c.messages[oldID]
	if !ok {
		return
	}
	delete(c.messages, oldID)
	for _, e := range entries {
		e.msg.ThreadID = newID
		c.insertEntry(e)
	}
}

// insertEntry places e at its sorted position. Caller holds mu.
func (c *Cache) insertEntry(e msgEntry) {
	list := c.messages[e.msg.ThreadID]
	i := sort.Search(len(list), func(i int) bool { return e.before(list[i]) })
	list = append(list, msgEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	c.messages[e.msg.ThreadID] = list
	c.owner[e.msg.ID] = e.msg.ThreadID
}

// removeEntry unlinks the message with the given ID. Caller holds mu.
func (c *Cache) removeEntry(id string) (msgEntry, bool) {
	threadID, ok := c.owner[id]
	if !ok {
		return msgEntry{}, false
	}
	list := c.messages[threadID]
	for i := range list {
		if list[i].msg.ID == id {
			e := list[i]
			c.messages[threadID] = append(list[:i], list[i+1:]...)
			delete(c.owner, id)
			return e, true
		}
	}
	delete(c.owner, id)
	return msgEntry{}, false
}

// Messages returns the messages of a thread, oldest first.
func (c *Cache) Messages(threadID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.messages[threadID]
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}

// Message returns the message with the given ID.
func (c *Cache) Message(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	threadID, ok := c.owner[id]
	if !ok {
		return Message{}, false
	}
	for _, e := range c.messages[threadID] {
		if e.msg.ID == id {
			return e.msg, true
		}
	}
	return Message{}, false
}

// InsertMessage adds m at its creation-time position. Inserting an ID that is
// already cached is a no-op and reports false.
func (c *Cache) InsertMessage(m Message) bool {
	c.mu.Lock()
	if _, ok := c.owner[m.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.seq++
	c.insertEntry(msgEntry{msg: m, seq: c.seq})
	c.mu.Unlock()
	c.notify(TableMessages, m.ID)
	return true
}

// UpsertMessage replaces the cached message with the same ID, re-sorting it if
// its timestamp changed, or inserts it. It reports whether m was inserted.
func (c *Cache) UpsertMessage(m Message) bool {
	c.mu.Lock()
	e, ok := c.removeEntry(m.ID)
	if !ok {
		c.seq++
		e.seq = c.seq
	}
	e.msg = m
	c.insertEntry(e)
	c.mu.Unlock()
	c.notify(TableMessages, m.ID)
	return !ok
}

// ReplaceMessage swaps the message stored under oldID for m in the same slot.
// If m.ID is already cached (the realtime echo won the race) the oldID entry
// is dropped instead of duplicated.
func (c *Cache) ReplaceMessage(oldID string, m Message) bool {
	c.mu.Lock()
	old, ok := c.removeEntry(oldID)
	if !ok {
		c.mu.Unlock()
		return false
	}
	if existing, dup := c.removeEntry(m.ID); dup {
		old.seq = existing.seq
	}
	old.msg = m
	c.insertEntry(old)
	c.mu.Unlock()
	c.notify(TableMessages, m.ID)
	return true
}

// RemoveMessage deletes a message. Absent IDs are a no-op.
func (c *Cache) RemoveMessage(id string) (Message, bool) {
	c.mu.Lock()
	e, ok := c.removeEntry(id)
	c.mu.Unlock()
	if ok {
		c.notify(TableMessages, id)
	}
	return e.msg, ok
}

// SetMessages replaces a thread's messages with an authoritative server list.
// Pending optimistic messages the server does not return yet are kept.
func (c *Cache) SetMessages(threadID string, list []Message) {
	c.mu.Lock()
	seen := make(map[string]bool, len(list))
	for _, m := range list {
		seen[m.ID] = true
	}
	var keep []msgEntry
	for _, e := range c.messages[threadID] {
		delete(c.owner, e.msg.ID)
		if e.msg.Pending && !seen[e.msg.ID] {
			keep = append(keep, e)
		}
	}
	entries := keep
	for _, m := range list {
		if _, dup := c.owner[m.ID]; dup {
			continue
		}
		c.seq++
		entries = append(entries, msgEntry{msg: m, seq: c.seq})
		c.owner[m.ID] = threadID
	}
	for _, e := range keep {
		c.owner[e.msg.ID] = threadID
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].before(entries[j]) })
	c.messages[threadID] = entries
	c.mu.Unlock()
	c.notify(TableMessages, "")
}

// ── Snapshot ─────────────────────────────────────────────

// Snapshot copies the cache contents.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Threads:  append([]Thread{}, c.threads...),
		Messages: make(map[string][]Message, len(c.messages)),
	}
	for id, entries := range c.messages {
		msgs := make([]Message, 0, len(entries))
		for _, e := range entries {
			msgs = append(msgs, e.msg)
		}
		s.Messages[id] = msgs
	}
	return s
}

// Restore replaces the cache contents with s.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	c.threads = append([]Thread{}, s.Threads...)
	c.messages = make(map[string][]msgEntry, len(s.Messages))
	c.owner = make(map[string]string)
	for _, msgs := range s.Messages {
		for _, m := range msgs {
			if _, dup := c.owner[m.ID]; dup {
				continue
			}
			c.seq++
			c.insertEntry(msgEntry{msg: m, seq: c.seq})
		}
	}
	c.mu.Unlock()
	c.notify(TableThreads, "")
}
