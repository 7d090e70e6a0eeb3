package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:         2,
		Base:            time.Millisecond,
		AttemptTimeout:  time.Second,
		PermissionDelay: time.Millisecond,
	}
}

func TestGenerations(t *testing.T) {
	g := NewGenerations()
	assert.Zero(t, g.Current("a"))
	first := g.Next("a")
	assert.True(t, g.IsCurrent("a", first))
	second := g.Next("a")
	assert.False(t, g.IsCurrent("a", first))
	assert.True(t, g.IsCurrent("a", second))
	assert.Equal(t, uint64(1), g.Next("b"))
}

func TestGenerationsApply(t *testing.T) {
	t.Run("only the current generation applies", func(t *testing.T) {
		g := NewGenerations()
		older := g.Next("k")
		newer := g.Next("k")
		var applied []string
		assert.True(t, g.Apply("k", newer, func() { applied = append(applied, "newer") }))
		assert.False(t, g.Apply("k", older, func() { applied = append(applied, "older") }))
		assert.Equal(t, []string{"newer"}, applied)
	})

	t.Run("a newer result waits for an apply in progress", func(t *testing.T) {
		g := NewGenerations()
		var value string
		a := g.Next("k")
		inApply := make(chan struct{})
		release := make(chan struct{})
		doneA := make(chan bool, 1)
		go func() {
			doneA <- g.Apply("k", a, func() {
				close(inApply)
				<-release
				value = "A"
			})
		}()
		<-inApply

		b := g.Next("k")
		doneB := make(chan bool, 1)
		go func() { doneB <- g.Apply("k", b, func() { value = "B" }) }()
		select {
		case <-doneB:
			t.Fatal("newer result applied during an older apply")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		assert.True(t, <-doneA)
		assert.True(t, <-doneB)
		assert.Equal(t, "B", value)
	})
}

func TestFetch(t *testing.T) {
	t.Run("apply receives only current results", func(t *testing.T) {
		gens := NewGenerations()
		var applied []string
		apply := func(v string) { applied = append(applied, v) }

		v, err := FetchApply(context.Background(), fastPolicy(), gens, "k", "load", func(context.Context) (string, error) {
			return "first", nil
		}, apply)
		require.NoError(t, err)
		assert.Equal(t, "first", v)

		_, err = FetchApply(context.Background(), fastPolicy(), gens, "k", "load", func(context.Context) (string, error) {
			gens.Next("k")
			return "superseded", nil
		}, apply)
		assert.True(t, isStale(err))
		assert.Equal(t, []string{"first"}, applied)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		v, err := Fetch(context.Background(), fastPolicy(), NewGenerations(), "k", "load", func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", &NetworkError{Op: "GET", Err: errors.New("reset")}
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("exhausted retries return FetchFailedError", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Fetch(context.Background(), fastPolicy(), NewGenerations(), "k", "load threads", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, &APIError{Status: 500, Message: "down"}
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFetchFailed)
		var ff *FetchFailedError
		require.ErrorAs(t, err, &ff)
		assert.Equal(t, 3, ff.Attempts)
		assert.Equal(t, "load threads", ff.Label)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("validation errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		_, err := Fetch(context.Background(), fastPolicy(), NewGenerations(), "k", "load", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, &ValidationError{Field: "owner_id", Message: "is required"}
		})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("permission denied is retried exactly once", func(t *testing.T) {
		var calls atomic.Int32
		p := fastPolicy()
		p.Retries = 5
		_, err := Fetch(context.Background(), p, NewGenerations(), "k", "load", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, &APIError{Status: 401}
		})
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("attempt timeout counts as a failed attempt", func(t *testing.T) {
		p := fastPolicy()
		p.Retries = 1
		p.AttemptTimeout = 10 * time.Millisecond
		var calls atomic.Int32
		_, err := Fetch(context.Background(), p, NewGenerations(), "k", "load", func(ctx context.Context) (int, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return 1, nil
		})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, ErrFetchFailed)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("superseded result is stale", func(t *testing.T) {
		gens := NewGenerations()
		started := make(chan struct{})
		release := make(chan struct{})
		type result struct {
			v   string
			err error
		}
		out := make(chan result, 1)
		go func() {
			v, err := Fetch(context.Background(), fastPolicy(), gens, "threads:u1", "load", func(context.Context) (string, error) {
				close(started)
				<-release
				return "old", nil
			})
			out <- result{v, err}
		}()
		<-started

		v, err := Fetch(context.Background(), fastPolicy(), gens, "threads:u1", "load", func(context.Context) (string, error) {
			return "new", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "new", v)

		close(release)
		r := <-out
		assert.True(t, isStale(r.err))
		assert.Empty(t, r.v)
	})

	t.Run("other keys are independent", func(t *testing.T) {
		gens := NewGenerations()
		gens.Next("messages:t1")
		v, err := Fetch(context.Background(), fastPolicy(), gens, "messages:t2", "load", func(context.Context) (int, error) {
			gens.Next("messages:t1")
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})
}
