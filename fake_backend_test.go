package chatsync

import (
	"context"
	"net/http"
	"sync"
)

// fakeBackend is an in-memory Backend. Errors and blocking can be scripted
// per method. Creating an ID that is already stored fails with a unique
// violation, as a row API does without an upsert.
type fakeBackend struct {
	mu       sync.Mutex
	threads  []Thread
	messages []Message
	calls    map[string]int
	keys     map[string][]string
	errs     map[string][]error
	holds    map[string][]chan struct{}

	// idPrefix, when set, makes the server assign its own thread IDs.
	idPrefix string
}

var errDuplicateKey = &APIError{Status: http.StatusConflict, Code: "23505", Message: "duplicate key value violates unique constraint"}

func newFakeBackend(threads ...Thread) *fakeBackend {
	return &fakeBackend{
		threads: threads,
		calls:   make(map[string]int),
		keys:    make(map[string][]string),
		errs:    make(map[string][]error),
		holds:   make(map[string][]chan struct{}),
	}
}

// failNext makes the next len(errs) calls of method fail in order.
func (f *fakeBackend) failNext(method string, errs ...error) {
	f.mu.Lock()
	f.errs[method] = append(f.errs[method], errs...)
	f.mu.Unlock()
}

// holdNext blocks the next call of method until the returned channel is
// closed. The response reflects server state at the time of the call.
func (f *fakeBackend) holdNext(method string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[method] = append(f.holds[method], ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeBackend) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBackend) idempotencyKeys(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys[method]...)
}

func (f *fakeBackend) setThreads(threads ...Thread) {
	f.mu.Lock()
	f.threads = threads
	f.mu.Unlock()
}

func (f *fakeBackend) serverMessages(threadID string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBackend) serverThread(id string) (Thread, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.threads {
		if t.ID == id {
			return t, true
		}
	}
	return Thread{}, false
}

// enter records the call and returns the scripted error and hold, if any.
func (f *fakeBackend) enter(ctx context.Context, method string) (error, chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if k := IdempotencyKey(ctx); k != "" {
		f.keys[method] = append(f.keys[method], k)
	}
	var err error
	if q := f.errs[method]; len(q) > 0 {
		err, f.errs[method] = q[0], q[1:]
	}
	var hold chan struct{}
	if q := f.holds[method]; len(q) > 0 {
		hold, f.holds[method] = q[0], q[1:]
	}
	return err, hold
}

func wait(ctx context.Context, hold chan struct{}) error {
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) ListThreads(ctx context.Context, ownerID string) ([]Thread, error) {
	err, hold := f.enter(ctx, "ListThreads")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	var out []Thread
	for _, t := range f.threads {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	f.mu.Unlock()
	if err := wait(ctx, hold); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeBackend) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	err, hold := f.enter(ctx, "CreateThread")
	if err != nil {
		return Thread{}, err
	}
	if err := wait(ctx, hold); err != nil {
		return Thread{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Pending = false
	if f.idPrefix != "" {
		t.ID = f.idPrefix + t.ID
	}
	for _, cur := range f.threads {
		if cur.ID == t.ID {
			return Thread{}, errDuplicateKey
		}
	}
	f.threads = append([]Thread{t}, f.threads...)
	return t, nil
}

func (f *fakeBackend) UpdateThread(ctx context.Context, id string, patch ThreadPatch) (Thread, error) {
	err, hold := f.enter(ctx, "UpdateThread")
	if err != nil {
		return Thread{}, err
	}
	if err := wait(ctx, hold); err != nil {
		return Thread{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.threads {
		if f.threads[i].ID == id {
			patch.apply(&f.threads[i])
			return f.threads[i], nil
		}
	}
	return Thread{}, &APIError{Status: http.StatusNotAcceptable, Code: "PGRST116", Message: "no rows returned"}
}

func (f *fakeBackend) DeleteThread(ctx context.Context, id string) error {
	err, hold := f.enter(ctx, "DeleteThread")
	if err != nil {
		return err
	}
	if err := wait(ctx, hold); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.threads {
		if f.threads[i].ID == id {
			f.threads = append(f.threads[:i], f.threads[i+1:]...)
			break
		}
	}
	kept := f.messages[:0]
	for _, m := range f.messages {
		if m.ThreadID != id {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	err, hold := f.enter(ctx, "ListMessages")
	if err != nil {
		return nil, err
	}
	out := f.serverMessages(threadID)
	if err := wait(ctx, hold); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeBackend) CreateMessage(ctx context.Context, m Message) (Message, error) {
	err, hold := f.enter(ctx, "CreateMessage")
	if err != nil {
		return Message{}, err
	}
	if err := wait(ctx, hold); err != nil {
		return Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Pending = false
	for _, cur := range f.messages {
		if cur.ID == m.ID {
			return Message{}, errDuplicateKey
		}
	}
	f.messages = append(f.messages, m)
	return m, nil
}
