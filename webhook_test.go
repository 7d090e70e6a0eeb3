package chatsync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"type":   "INSERT",
		"table":  "messages",
		"schema": "public",
		"record": map[string]any{
			"id":         "msg-001",
			"thread_id":  "thread-001",
			"role":       "user",
			"content":    "Hello from test",
			"owner_id":   "user-001",
			"created_at": "2026-01-01T00:00:00Z",
		},
		"old_record": nil,
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func newTestWebhookFeed(t *testing.T) *WebhookFeed {
	t.Helper()
	w, err := NewWebhookFeed(testSecret, zerolog.Nop())
	require.NoError(t, err)
	return w
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyWebhookSignature(body, SignWebhookBody(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignWebhookBody(body, testSecret), "sha256=")
		assert.True(t, VerifyWebhookSignature(body, sig, testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, SignWebhookBody(body, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignWebhookBody(body, testSecret)
		assert.False(t, VerifyWebhookSignature(body+" ", sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature("", "sha256=abc", testSecret))
		assert.False(t, VerifyWebhookSignature(body, "", testSecret))
		assert.False(t, VerifyWebhookSignature(body, "sha256=", testSecret))
		assert.False(t, VerifyWebhookSignature(body, "sha256=abc", ""))
	})

	t.Run("wrong length", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, "sha256=abcd", testSecret))
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid insert", func(t *testing.T) {
		p, err := ParseWebhookPayload(makeTestPayloadString())
		require.NoError(t, err)
		assert.Equal(t, EventInsert, p.Type)
		assert.Equal(t, TableMessages, p.Table)

		ev := p.ChangeEvent()
		assert.Empty(t, ev.Old)
		m, err := ev.Message()
		require.NoError(t, err)
		assert.Equal(t, "msg-001", m.ID)
		assert.Equal(t, "thread-001", m.ThreadID)
	})

	t.Run("delete carries old_record", func(t *testing.T) {
		body := `{"type":"DELETE","table":"threads","record":null,"old_record":{"id":"t1"}}`
		p, err := ParseWebhookPayload(body)
		require.NoError(t, err)
		ev := p.ChangeEvent()
		assert.Empty(t, ev.New)
		th, err := ev.Thread()
		require.NoError(t, err)
		assert.Equal(t, "t1", th.ID)
	})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{not json", "invalid JSON"},
		{"missing type", `{"table":"threads","record":{}}`, "missing type"},
		{"unknown type", `{"type":"TRUNCATE","table":"threads","record":{}}`, "unknown webhook event type"},
		{"unknown table", `{"type":"INSERT","table":"users","record":{}}`, "unknown webhook table"},
		{"insert without record", `{"type":"INSERT","table":"threads","record":null}`, "missing record"},
		{"delete without old_record", `{"type":"DELETE","table":"threads"}`, "missing old_record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhookPayload(tt.body)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// ============================================================================
// WebhookFeed
// ============================================================================

func TestNewWebhookFeed(t *testing.T) {
	_, err := NewWebhookFeed("", zerolog.Nop())
	assert.Error(t, err)

	w, err := NewWebhookFeed(testSecret, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, w.Verify("x", SignWebhookBody("x", testSecret)))
}

func TestWebhookFeedHandle(t *testing.T) {
	t.Run("fans out to matching scopes only", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		var got, other []ChangeEvent
		_, err := w.Subscribe(testContext(t), MessagesScope("thread-001"), func(ev ChangeEvent) { got = append(got, ev) })
		require.NoError(t, err)
		_, err = w.Subscribe(testContext(t), MessagesScope("thread-002"), func(ev ChangeEvent) { other = append(other, ev) })
		require.NoError(t, err)

		body := makeTestPayloadString()
		status, data := w.Handle(body, SignWebhookBody(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, map[string]any{"ok": true, "delivered": 1}, data)
		require.Len(t, got, 1)
		assert.Equal(t, EventInsert, got[0].Type)
		assert.Empty(t, other)
	})

	t.Run("bad signature", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		status, _ := w.Handle(makeTestPayloadString(), "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("bad payload", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		body := `{"type":"INSERT"}`
		status, _ := w.Handle(body, SignWebhookBody(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		calls := 0
		unsub, err := w.Subscribe(testContext(t), MessagesScope("thread-001"), func(ChangeEvent) { calls++ })
		require.NoError(t, err)
		unsub()

		body := makeTestPayloadString()
		status, _ := w.Handle(body, SignWebhookBody(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Zero(t, calls)
	})

	t.Run("panicking handler does not break delivery", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		calls := 0
		_, _ = w.Subscribe(testContext(t), MessagesScope("thread-001"), func(ChangeEvent) { panic("boom") })
		_, _ = w.Subscribe(testContext(t), MessagesScope("thread-001"), func(ChangeEvent) { calls++ })

		body := makeTestPayloadString()
		status, _ := w.Handle(body, SignWebhookBody(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, 1, calls)
	})

	t.Run("closed feed rejects subscriptions", func(t *testing.T) {
		w := newTestWebhookFeed(t)
		require.NoError(t, w.Close())
		_, err := w.Subscribe(testContext(t), ThreadsScope("u1"), func(ChangeEvent) {})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestWebhookFeedHTTPHandler(t *testing.T) {
	w := newTestWebhookFeed(t)
	delivered := 0
	_, err := w.Subscribe(testContext(t), MessagesScope("thread-001"), func(ChangeEvent) { delivered++ })
	require.NoError(t, err)

	srv := httptest.NewServer(w.HTTPHandler())
	defer srv.Close()

	t.Run("POST with valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignWebhookBody(body, testSecret))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"ok":true,"delivered":1}`, string(raw))
		assert.Equal(t, 1, delivered)
	})

	t.Run("GET is rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("missing signature", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(makeTestPayloadString()))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
