package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeout(t *testing.T) {
	t.Run("returns the result when op wins", func(t *testing.T) {
		v, err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) (int, error) {
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("returns the op error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := WithTimeout(context.Background(), time.Second, "fail", func(context.Context) (int, error) {
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("deadline wins over a hung op", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		start := time.Now()
		_, err := WithTimeout(context.Background(), 30*time.Millisecond, "send message", func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "send message", te.Label)
		assert.Equal(t, 30*time.Millisecond, te.After)
		assert.Contains(t, err.Error(), "send message")
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("does not cancel the op", func(t *testing.T) {
		finished := make(chan error, 1)
		_, err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) (int, error) {
			time.Sleep(50 * time.Millisecond)
			finished <- ctx.Err()
			return 1, nil
		})
		assert.ErrorIs(t, err, ErrTimeout)
		select {
		case cerr := <-finished:
			assert.NoError(t, cerr)
		case <-time.After(time.Second):
			t.Fatal("op never finished")
		}
	})

	t.Run("caller cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := WithTimeout(ctx, time.Second, "cancelled", func(ctx context.Context) (int, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return 0, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("non-positive duration disables the deadline", func(t *testing.T) {
		v, err := WithTimeout(context.Background(), 0, "none", func(context.Context) (string, error) {
			time.Sleep(5 * time.Millisecond)
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		transient bool
	}{
		{"timeout", &TimeoutError{Label: "x", After: time.Second}, ErrTimeout, true},
		{"network", &NetworkError{Op: "GET /threads", Err: errors.New("refused")}, ErrNetwork, true},
		{"gateway", &APIError{Status: 503}, ErrNetwork, true},
		{"rate limited", &APIError{Status: 429}, ErrNetwork, true},
		{"forbidden", &APIError{Status: 403}, ErrPermissionDenied, false},
		{"rls", &APIError{Status: 400, Code: "42501"}, ErrPermissionDenied, false},
		{"not found", &APIError{Status: 404}, ErrNotFound, false},
		{"no rows", &APIError{Status: 406, Code: "PGRST116"}, ErrNotFound, false},
		{"constraint", &APIError{Status: 400, Code: "23514"}, ErrValidation, false},
		{"duplicate key", &APIError{Status: 409, Code: "23505"}, ErrConflict, false},
		{"conflict status", &APIError{Status: 409}, ErrConflict, false},
		{"validation", &ValidationError{Field: "title", Message: "too long"}, ErrValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.target)
			assert.Equal(t, tt.transient, isTransient(tt.err))
		})
	}

	t.Run("fetch failed unwraps", func(t *testing.T) {
		err := &FetchFailedError{Label: "load threads", Attempts: 3, Err: &APIError{Status: 500, Message: "down"}}
		assert.ErrorIs(t, err, ErrFetchFailed)
		var api *APIError
		require.ErrorAs(t, err, &api)
		assert.Equal(t, 500, api.Status)
		assert.Contains(t, err.Error(), "3 attempt(s)")
	})
}
