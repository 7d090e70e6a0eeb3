package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body of a database webhook: one changed row.
type WebhookPayload struct {
	Type      EventType       `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ChangeEvent converts the payload to the feed's event shape.
func (p *WebhookPayload) ChangeEvent() ChangeEvent {
	ev := ChangeEvent{Type: p.Type, Table: p.Table}
	if !isJSONNull(p.Record) {
		ev.New = p.Record
	}
	if !isJSONNull(p.OldRecord) {
		ev.Old = p.OldRecord
	}
	return ev
}

func isJSONNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature, with or without
// the "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)[len("sha256="):]
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and checks a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	switch payload.Type {
	case EventInsert, EventUpdate, EventDelete:
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event type: %s", payload.Type)
	}
	if payload.Table != TableThreads && payload.Table != TableMessages {
		return nil, fmt.Errorf("unknown webhook table: %q", payload.Table)
	}
	if payload.Type == EventDelete {
		if isJSONNull(payload.OldRecord) {
			return nil, fmt.Errorf("missing old_record in %s webhook", payload.Type)
		}
	} else if isJSONNull(payload.Record) {
		return nil, fmt.Errorf("missing record in %s webhook", payload.Type)
	}
	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

type webhookSubscription struct {
	scope   Scope
	handler ChangeHandler
}

// WebhookFeed is a Feed driven by signed database webhooks instead of a
// persistent connection. Mount HTTPHandler on a reachable endpoint; every
// verified row change is fanned out to the subscriptions whose scope it
// matches. Deliveries are serialized so handlers see them in arrival order.
type WebhookFeed struct {
	secret string
	log    zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	counter atomic.Uint64
	subs    map[uint64]webhookSubscription

	deliver sync.Mutex
}

// NewWebhookFeed creates a webhook feed that accepts bodies signed with secret.
func NewWebhookFeed(secret string, log zerolog.Logger) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookFeed{
		secret: secret,
		log:    log.With().Str("feed", "webhook").Logger(),
		subs:   make(map[uint64]webhookSubscription),
	}, nil
}

// Subscribe registers handler for scope. It never blocks on the network.
func (w *WebhookFeed) Subscribe(_ context.Context, scope Scope, handler ChangeHandler) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	id := w.counter.Add(1)
	w.subs[id] = webhookSubscription{scope: scope, handler: handler}
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}, nil
}

// Close drops every subscription. Later deliveries are acknowledged and ignored.
func (w *WebhookFeed) Close() error {
	w.mu.Lock()
	w.closed = true
	w.subs = make(map[uint64]webhookSubscription)
	w.mu.Unlock()
	return nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one delivery (verify + parse + fan out) and returns the
// status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ev := payload.ChangeEvent()
	w.mu.RLock()
	var targets []ChangeHandler
	for _, s := range w.subs {
		if s.scope.Matches(ev) {
			targets = append(targets, s.handler)
		}
	}
	w.mu.RUnlock()

	w.deliver.Lock()
	for _, h := range targets {
		callHandler(h, ev)
	}
	w.deliver.Unlock()

	w.log.Debug().Str("table", ev.Table).Str("type", string(ev.Type)).Int("delivered", len(targets)).Msg("webhook")
	return http.StatusOK, map[string]any{"ok": true, "delivered": len(targets)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
