package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Entities
// ============================================================================

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Thread is a conversation owned by exactly one user.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	OwnerID   string         `json:"owner_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Pending marks an optimistic record whose write is not confirmed yet.
	Pending bool `json:"-"`
}

// Message belongs to exactly one thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	OwnerID   string    `json:"owner_id"`

	Pending bool `json:"-"`
}

// ThreadPatch carries the mutable fields of a thread. Nil fields are left alone.
type ThreadPatch struct {
	Title    *string        `json:"title,omitempty" validate:"omitempty,max=200"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p ThreadPatch) apply(t *Thread) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Metadata != nil {
		t.Metadata = p.Metadata
	}
}

// ============================================================================
// Pending actions
// ============================================================================

// ActionType names a queued mutation.
type ActionType string

const (
	ActionCreateThread ActionType = "CREATE_THREAD"
	ActionUpdateThread ActionType = "UPDATE_THREAD"
	ActionDeleteThread ActionType = "DELETE_THREAD"
	ActionSendMessage  ActionType = "SEND_MESSAGE"
)

// PendingAction is a mutation waiting for connectivity.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (a *PendingAction) Decode(v any) error {
	if a.Payload == nil {
		return nil
	}
	return json.Unmarshal(a.Payload, v)
}

// updatePayload is the payload of an UPDATE_THREAD action.
type updatePayload struct {
	ThreadID string      `json:"thread_id"`
	Patch    ThreadPatch `json:"patch"`
	// Previous holds the values the patch overwrote, for rollback.
	Previous ThreadPatch `json:"previous"`
}

// deletePayload is the payload of a DELETE_THREAD action.
type deletePayload struct {
	ThreadID string  `json:"thread_id"`
	Thread   *Thread `json:"thread,omitempty"`
	Index    int     `json:"index"`
}

// ============================================================================
// Change feed
// ============================================================================

// EventType is the kind of a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	TableThreads  = "threads"
	TableMessages = "messages"
)

// ChangeEvent is one row-level notification from the realtime feed.
type ChangeEvent struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Thread decodes the row carried by the event. Delete events carry only Old.
func (e ChangeEvent) Thread() (Thread, error) {
	var t Thread
	err := json.Unmarshal(e.row(), &t)
	return t, err
}

// Message decodes the row carried by the event.
func (e ChangeEvent) Message() (Message, error) {
	var m Message
	err := json.Unmarshal(e.row(), &m)
	return m, err
}

func (e ChangeEvent) row() json.RawMessage {
	if e.Type == EventDelete || len(e.New) == 0 {
		return e.Old
	}
	return e.New
}

// Scope filters a change feed to one table and one column value.
type Scope struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Value  string `json:"value"`
}

// ThreadsScope selects the threads owned by a user.
func ThreadsScope(ownerID string) Scope {
	return Scope{Table: TableThreads, Column: "owner_id", Value: ownerID}
}

// MessagesScope selects the messages of a thread.
func MessagesScope(threadID string) Scope {
	return Scope{Table: TableMessages, Column: "thread_id", Value: threadID}
}

// Key identifies the scope, e.g. "messages:thread_id=eq.abc".
func (s Scope) Key() string {
	return s.Table + ":" + s.Filter()
}

// Filter renders the PostgREST style filter expression.
func (s Scope) Filter() string {
	return s.Column + "=eq." + s.Value
}

// IsZero reports whether the scope selects nothing.
func (s Scope) IsZero() bool {
	return s.Value == ""
}

// Matches reports whether ev belongs to the scope.
func (s Scope) Matches(ev ChangeEvent) bool {
	if ev.Table != s.Table {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(ev.row(), &row); err != nil {
		return false
	}
	v, ok := row[s.Column].(string)
	// Delete events may carry only the primary key.
	if !ok && ev.Type == EventDelete {
		return true
	}
	return v == s.Value
}

// ============================================================================
// Inputs
// ============================================================================

// ThreadInput is the user input for CreateThread.
type ThreadInput struct {
	Title    string         `json:"title" validate:"max=200"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MessageInput is the user input for SendMessage.
type MessageInput struct {
	ThreadID string `json:"thread_id" validate:"required"`
	Content  string `json:"content" validate:"required,max=32000"`
	Role     Role   `json:"role" validate:"omitempty,oneof=user assistant"`
}
