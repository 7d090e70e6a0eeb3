package chatsync

import "sync"

// Event names emitted by the engine. They back the UI's toast notifications.
const (
	EventNetworkOnline     = "network.online"
	EventNetworkOffline    = "network.offline"
	EventMutationQueued    = "mutation.queued"
	EventMutationConfirmed = "mutation.confirmed"
	EventMutationFailed    = "mutation.failed"
	EventQueueReplayed     = "queue.replayed"
	EventQueueEvicted      = "queue.evicted"
	EventFetchFailed       = "fetch.failed"
	EventLoadingTimeout    = "loading.timeout"
	EventFirstMessage      = "thread.first_message"
)

// Notice is the payload of an engine event.
type Notice struct {
	Action   ActionType
	EntityID string
	ThreadID string
	View     string
	Err      error
	Pending  *PendingAction
}

// EventHandler handles engine events.
type EventHandler func(event string, n Notice)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event. "*" receives every event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, n Notice) {
	e.mu.RLock()
	handlers := append([]EventHandler{}, e.listeners[event]...)
	handlers = append(handlers, e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, n)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
