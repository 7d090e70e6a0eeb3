package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest captures what the backend sent.
type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   string
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		q := map[string]string{}
		for k, v := range r.URL.Query() {
			q[k] = v[0]
		}
		reqs = append(reqs, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: q, Header: r.Header.Clone(), Body: string(raw)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

// rowServer is a small row API keyed by primary key. Inserting an ID that
// is already stored fails with 409 unique_violation, unless ignoreDups is
// set and the client asked for resolution=ignore-duplicates, in which case
// the insert is skipped and answered with an empty array.
type rowServer struct {
	mu         sync.Mutex
	rows       map[string][]map[string]any
	posts      int
	ignoreDups bool
	delayFirst time.Duration
}

func newRowServer(t *testing.T) (*rowServer, *httptest.Server) {
	t.Helper()
	rs := &rowServer{rows: make(map[string][]map[string]any)}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	return rs, srv
}

func (rs *rowServer) seed(table string, row map[string]any) {
	rs.mu.Lock()
	rs.rows[table] = append(rs.rows[table], row)
	rs.mu.Unlock()
}

func (rs *rowServer) count(table string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rows[table])
}

func (rs *rowServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, restPrefix+"/")
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		out := []map[string]any{}
		rs.mu.Lock()
		for _, row := range rs.rows[table] {
			if rowMatches(row, r.URL.Query()) {
				out = append(out, row)
			}
		}
		rs.mu.Unlock()
		json.NewEncoder(w).Encode(out)

	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rs.mu.Lock()
		rs.posts++
		first := rs.posts == 1
		rs.mu.Unlock()
		if first && rs.delayFirst > 0 {
			time.Sleep(rs.delayFirst)
		}

		rs.mu.Lock()
		defer rs.mu.Unlock()
		for _, cur := range rs.rows[table] {
			if cur["id"] != row["id"] {
				continue
			}
			if rs.ignoreDups && strings.Contains(r.Header.Get("Prefer"), "resolution=ignore-duplicates") {
				w.WriteHeader(http.StatusCreated)
				io.WriteString(w, `[]`)
				return
			}
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"code":"23505","message":"duplicate key value violates unique constraint"}`)
			return
		}
		rs.rows[table] = append(rs.rows[table], row)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]map[string]any{row})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func rowMatches(row map[string]any, q url.Values) bool {
	for k, v := range q {
		want, ok := strings.CutPrefix(v[0], "eq.")
		if !ok {
			continue
		}
		if fmt.Sprint(row[k]) != want {
			return false
		}
	}
	return true
}

func TestHTTPBackendRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("list threads", func(t *testing.T) {
		srv, reqs := newTestServer(t, 200, `[{"id":"t1","title":"a","owner_id":"u1"}]`)
		b := NewHTTPBackend(srv.URL+"/", "anon-key")

		threads, err := b.ListThreads(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, threads, 1)
		assert.Equal(t, "t1", threads[0].ID)

		r := (*reqs)[0]
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/threads", r.Path)
		assert.Equal(t, "eq.u1", r.Query["owner_id"])
		assert.Equal(t, "updated_at.desc", r.Query["order"])
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Prefer"))
	})

	t.Run("list messages", func(t *testing.T) {
		srv, reqs := newTestServer(t, 200, `[{"id":"m1","thread_id":"t1"},{"id":"m2","thread_id":"t1"}]`)
		b := NewHTTPBackend(srv.URL, "anon-key")

		msgs, err := b.ListMessages(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
		assert.Equal(t, "/rest/v1/messages", (*reqs)[0].Path)
		assert.Equal(t, "eq.t1", (*reqs)[0].Query["thread_id"])
		assert.Equal(t, "created_at.asc", (*reqs)[0].Query["order"])
	})

	t.Run("create message sends token and idempotency key", func(t *testing.T) {
		srv, reqs := newTestServer(t, 201, `[{"id":"m1","thread_id":"t1","content":"hi","role":"user"}]`)
		b := NewHTTPBackend(srv.URL, "anon-key", WithAccessToken("user-jwt"))

		got, err := b.CreateMessage(WithIdempotencyKey(ctx, "m1"), Message{ID: "m1", ThreadID: "t1", Content: "hi", Role: RoleUser, Pending: true})
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Content)

		r := (*reqs)[0]
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))
		assert.Equal(t, "m1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "return=representation,resolution=ignore-duplicates", r.Header.Get("Prefer"))
		assert.Equal(t, "id", r.Query["on_conflict"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var sent map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Body), &sent))
		assert.Equal(t, "t1", sent["thread_id"])
		assert.NotContains(t, sent, "Pending")
	})

	t.Run("update thread sends only the patch", func(t *testing.T) {
		srv, reqs := newTestServer(t, 200, `{"id":"t1","title":"new"}`)
		b := NewHTTPBackend(srv.URL, "anon-key")
		title := "new"

		got, err := b.UpdateThread(ctx, "t1", ThreadPatch{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, "new", got.Title)
		assert.Equal(t, http.MethodPatch, (*reqs)[0].Method)
		assert.Equal(t, "eq.t1", (*reqs)[0].Query["id"])
		assert.JSONEq(t, `{"title":"new"}`, (*reqs)[0].Body)
		assert.Equal(t, "return=representation", (*reqs)[0].Header.Get("Prefer"))
	})

	t.Run("update matching no row is not found", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `[]`)
		b := NewHTTPBackend(srv.URL, "anon-key")
		title := "x"
		_, err := b.UpdateThread(ctx, "gone", ThreadPatch{Title: &title})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete accepts an empty body", func(t *testing.T) {
		srv, reqs := newTestServer(t, 204, ``)
		b := NewHTTPBackend(srv.URL, "anon-key")
		require.NoError(t, b.DeleteThread(ctx, "t1"))
		assert.Equal(t, http.MethodDelete, (*reqs)[0].Method)
	})

	t.Run("set access token", func(t *testing.T) {
		srv, reqs := newTestServer(t, 200, `[]`)
		b := NewHTTPBackend(srv.URL, "anon-key")
		b.SetAccessToken("refreshed")
		_, err := b.ListThreads(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Bearer refreshed", (*reqs)[0].Header.Get("Authorization"))
	})
}

func TestHTTPBackendErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status int
		body   string
		target error
		code   string
	}{
		{"rls violation", 403, `{"code":"42501","message":"new row violates row-level security policy"}`, ErrPermissionDenied, "42501"},
		{"unauthorized", 401, `{"message":"JWT expired"}`, ErrPermissionDenied, ""},
		{"check constraint", 400, `{"code":"23514","message":"violates check constraint"}`, ErrValidation, "23514"},
		{"unavailable", 503, `upstream down`, ErrNetwork, ""},
		{"not found", 404, ``, ErrNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)
			b := NewHTTPBackend(srv.URL, "anon-key")
			_, err := b.ListThreads(ctx, "u1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			var api *APIError
			require.ErrorAs(t, err, &api)
			assert.Equal(t, tt.status, api.Status)
			assert.Equal(t, tt.code, api.Code)
			assert.NotEmpty(t, api.Message)
		})
	}

	t.Run("transport failure is a network error and counted", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		b := NewHTTPBackend(url, "anon-key", WithRequestTimeout(time.Second))
		_, err := b.ListThreads(ctx, "u1")
		assert.ErrorIs(t, err, ErrNetwork)
		assert.True(t, isTransient(err))
		_, err = b.ListThreads(ctx, "u1")
		assert.ErrorIs(t, err, ErrNetwork)

		assert.Equal(t, 2, b.ConsecutiveFailures())
		assert.Equal(t, 2, b.TotalFailures())
		assert.False(t, b.LastFailure().IsZero())
		b.ResetFailures()
		assert.Zero(t, b.ConsecutiveFailures())
		assert.Equal(t, 2, b.TotalFailures())
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			io.WriteString(w, `[]`)
		}))
		defer srv.Close()

		b := NewHTTPBackend(srv.URL, "anon-key")
		_, err := b.ListThreads(ctx, "u1")
		assert.ErrorIs(t, err, ErrNetwork)
		assert.Equal(t, 1, b.ConsecutiveFailures())

		fail.Store(false)
		_, err = b.ListThreads(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, b.ConsecutiveFailures())
		assert.Equal(t, 1, b.TotalFailures())
	})

	t.Run("cancelled context is not a network error", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `[]`)
		b := NewHTTPBackend(srv.URL, "anon-key")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.ListThreads(cctx, "u1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, b.TotalFailures())
	})

	t.Run("malformed body", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `{not json`)
		b := NewHTTPBackend(srv.URL, "anon-key")
		_, err := b.ListThreads(ctx, "u1")
		assert.Error(t, err)
	})
}

func TestHTTPBackendDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	msg := Message{ID: "m1", ThreadID: "t1", Content: "hi", Role: RoleUser}

	for _, ignore := range []bool{false, true} {
		t.Run(fmt.Sprintf("repeated message create returns the stored row (ignore duplicates %v)", ignore), func(t *testing.T) {
			rs, srv := newRowServer(t)
			rs.ignoreDups = ignore
			b := NewHTTPBackend(srv.URL, "anon-key")

			first, err := b.CreateMessage(ctx, msg)
			require.NoError(t, err)
			again, err := b.CreateMessage(ctx, msg)
			require.NoError(t, err)

			assert.Equal(t, first.ID, again.ID)
			assert.Equal(t, "hi", again.Content)
			assert.Equal(t, 1, rs.count("messages"))
		})
	}

	t.Run("repeated thread create returns the stored row", func(t *testing.T) {
		rs, srv := newRowServer(t)
		rs.seed("threads", map[string]any{"id": "t1", "title": "stored", "owner_id": "u1"})
		b := NewHTTPBackend(srv.URL, "anon-key")

		got, err := b.CreateThread(ctx, Thread{ID: "t1", Title: "local", OwnerID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "stored", got.Title)
		assert.Equal(t, 1, rs.count("threads"))
	})

	t.Run("ID taken by an invisible row is a validation error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusConflict)
				io.WriteString(w, `{"code":"23505","message":"duplicate key"}`)
				return
			}
			io.WriteString(w, `[]`)
		}))
		defer srv.Close()
		b := NewHTTPBackend(srv.URL, "anon-key")

		_, err := b.CreateMessage(ctx, msg)
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrConflict)
	})
}

func TestIdempotencyKeyContext(t *testing.T) {
	assert.Empty(t, IdempotencyKey(context.Background()))
	assert.Equal(t, "k1", IdempotencyKey(WithIdempotencyKey(context.Background(), "k1")))
}
