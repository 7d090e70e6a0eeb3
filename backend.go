package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the remote side of the sync engine: row operations on threads
// and messages, each scoped by the caller's identity.
type Backend interface {
	ListThreads(ctx context.Context, ownerID string) ([]Thread, error)
	CreateThread(ctx context.Context, t Thread) (Thread, error)
	UpdateThread(ctx context.Context, id string, patch ThreadPatch) (Thread, error)
	DeleteThread(ctx context.Context, id string) error
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	CreateMessage(ctx context.Context, m Message) (Message, error)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches a key to ctx. Backends that support it send the
// key with the write so a replayed request is applied at most once.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return k
}

// ============================================================================
// HTTPBackend
// ============================================================================

const (
	DefaultRequestTimeout = 30 * time.Second
	restPrefix            = "/rest/v1"

	preferReturn = "return=representation"
	preferCreate = "return=representation,resolution=ignore-duplicates"
)

// HTTPBackend talks to a PostgREST style row API.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger

	mu          sync.Mutex
	token       string
	failures    int
	total       int
	lastFailure time.Time
}

type BackendOption func(*HTTPBackend)

func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

func WithRequestTimeout(timeout time.Duration) BackendOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = timeout }
}

// WithAccessToken sets the user's session token. Without one the API key is
// used as the bearer token.
func WithAccessToken(token string) BackendOption {
	return func(b *HTTPBackend) { b.token = token }
}

func WithBackendLogger(log zerolog.Logger) BackendOption {
	return func(b *HTTPBackend) { b.log = log }
}

// NewHTTPBackend creates a backend for the project at baseURL.
func NewHTTPBackend(baseURL, apiKey string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAccessToken replaces the session token, e.g. after a refresh.
func (b *HTTPBackend) SetAccessToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// ── Connection health ────────────────────────────────────

// ConsecutiveFailures is the number of failed requests since the last success.
func (b *HTTPBackend) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// TotalFailures is the number of failed requests over the backend's lifetime.
func (b *HTTPBackend) TotalFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// LastFailure returns when the most recent failure happened.
func (b *HTTPBackend) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// ResetFailures clears the consecutive failure count.
func (b *HTTPBackend) ResetFailures() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *HTTPBackend) recordFailure() {
	b.mu.Lock()
	b.failures++
	b.total++
	b.lastFailure = time.Now()
	b.mu.Unlock()
}

// ── Rows ─────────────────────────────────────────────────

func (b *HTTPBackend) ListThreads(ctx context.Context, ownerID string) ([]Thread, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("owner_id", "eq."+ownerID)
	q.Set("order", "updated_at.desc")
	data, err := b.doRequest(ctx, http.MethodGet, "/threads", nil, q, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[Thread](data)
}

func (b *HTTPBackend) CreateThread(ctx context.Context, t Thread) (Thread, error) {
	return createRow(ctx, b, "/threads", t.ID, t)
}

func (b *HTTPBackend) UpdateThread(ctx context.Context, id string, patch ThreadPatch) (Thread, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	data, err := b.doRequest(ctx, http.MethodPatch, "/threads", patch, q, preferReturn)
	if err != nil {
		return Thread{}, err
	}
	return decodeSingle[Thread](data)
}

func (b *HTTPBackend) DeleteThread(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	data, err := b.doRequest(ctx, http.MethodDelete, "/threads", nil, q, preferReturn)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	_, err = decodeSingle[Thread](data)
	return err
}

func (b *HTTPBackend) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("thread_id", "eq."+threadID)
	q.Set("order", "created_at.asc")
	data, err := b.doRequest(ctx, http.MethodGet, "/messages", nil, q, "")
	if err != nil {
		return nil, err
	}
	return decodeRows[Message](data)
}

func (b *HTTPBackend) CreateMessage(ctx context.Context, m Message) (Message, error) {
	return createRow(ctx, b, "/messages", m.ID, m)
}

// createRow inserts row keyed by its client ID. A row with that ID may
// already exist when an earlier attempt landed after its caller gave up;
// the insert then resolves to the stored row instead of failing, so a
// replayed create is applied at most once.
func createRow[T any](ctx context.Context, b *HTTPBackend, table, id string, row T) (T, error) {
	var zero T
	q := url.Values{}
	q.Set("on_conflict", "id")
	data, err := b.doRequest(ctx, http.MethodPost, table, row, q, preferCreate)
	if err == nil {
		v, err := decodeSingle[T](data)
		// ignore-duplicates answers a skipped insert with an empty array.
		if !errors.Is(err, ErrNotFound) || id == "" {
			return v, err
		}
	} else if !isDuplicate(err) || id == "" {
		return zero, err
	}

	b.log.Debug().Str("table", table).Str("id", id).Msg("create resolved to existing row")
	v, err := fetchRow[T](ctx, b, table, id)
	if errors.Is(err, ErrNotFound) {
		// The ID is taken by a row this caller cannot see.
		return zero, &ValidationError{Field: "id", Message: "already used by another row"}
	}
	return v, err
}

func fetchRow[T any](ctx context.Context, b *HTTPBackend, table, id string) (T, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	data, err := b.doRequest(ctx, http.MethodGet, table, nil, q, "")
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeSingle[T](data)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (b *HTTPBackend) doRequest(ctx context.Context, method, table string, body any, query url.Values, prefer string) ([]byte, error) {
	u := b.baseURL + restPrefix + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()
	if token == "" {
		token = b.apiKey
	}
	if b.apiKey != "" {
		req.Header.Set("apikey", b.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.recordFailure()
		b.log.Debug().Err(err).Str("method", method).Str("table", table).Msg("request failed")
		return nil, &NetworkError{Op: method + " " + table, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		b.recordFailure()
		return nil, &NetworkError{Op: method + " " + table, Err: err}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		apiErr.Status = resp.StatusCode
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
			b.recordFailure()
		}
		b.log.Debug().Int("status", resp.StatusCode).Str("code", apiErr.Code).Str("table", table).Msg("request rejected")
		return nil, apiErr
	}

	b.ResetFailures()
	return data, nil
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return rows, nil
}

// decodeSingle unwraps the one-row array returned for return=representation.
// No row means the filter matched nothing, reported as PGRST116.
func decodeSingle[T any](data []byte) (T, error) {
	var zero T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var v T
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return zero, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return v, nil
	}
	rows, err := decodeRows[T](trimmed)
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, &APIError{Status: http.StatusNotAcceptable, Code: "PGRST116", Message: "no rows returned"}
	}
	return rows[0], nil
}
