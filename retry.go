package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Attempt generations
// ============================================================================

// Generations hands out a monotonically increasing attempt number per
// resource key. A fetch result is applied only while the generation it
// captured is still the current one.
type Generations struct {
	mu sync.Mutex
	m  map[string]uint64

	applyMu sync.Mutex
}

// NewGenerations creates an empty counter set.
func NewGenerations() *Generations {
	return &Generations{m: make(map[string]uint64)}
}

// Next starts a new attempt for key and returns its generation.
func (g *Generations) Next(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[key]++
	return g.m[key]
}

// Current returns the latest generation issued for key.
func (g *Generations) Current(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

// IsCurrent reports whether gen is still the latest generation for key.
func (g *Generations) IsCurrent(key string, gen uint64) bool {
	return g.Current(key) == gen
}

// Apply runs fn if gen is still current for key and reports whether it ran.
// Applies are serialized, so a result that passed its check cannot be
// overwritten by an older one. fn must not call Apply.
func (g *Generations) Apply(key string, gen uint64, fn func()) bool {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()
	if !g.IsCurrent(key, gen) {
		return false
	}
	fn()
	return true
}

// ============================================================================
// Retry policy
// ============================================================================

// RetryPolicy configures Fetch.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt.
	Retries int
	// Base is the backoff unit; attempt n waits Base*(n+1).
	Base time.Duration
	// AttemptTimeout bounds every single attempt. Zero disables it.
	AttemptTimeout time.Duration
	// PermissionDelay is the pause before the one retry granted to a
	// permission error, which often means the session has not propagated.
	PermissionDelay time.Duration
}

// DefaultRetryPolicy matches the production client.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:         2,
		Base:            time.Second,
		AttemptTimeout:  8 * time.Second,
		PermissionDelay: 500 * time.Millisecond,
	}
}

// Fetch runs op with bounded retries and linear backoff. The generation for
// key is captured up front; if a newer Fetch for the same key starts before
// this one resolves, the result is dropped and errStale is returned so the
// caller never applies superseded data.
//
// Validation errors are returned immediately. A permission error is retried
// once after PermissionDelay and then surfaces. Exhausted retries return a
// *FetchFailedError.
func Fetch[T any](ctx context.Context, p RetryPolicy, gens *Generations, key, label string, op func(context.Context) (T, error)) (T, error) {
	return FetchApply(ctx, p, gens, key, label, op, nil)
}

// FetchApply is Fetch with the result handed to apply under the generation
// check, so no newer fetch for key can start and finish between the check
// and apply.
func FetchApply[T any](ctx context.Context, p RetryPolicy, gens *Generations, key, label string, op func(context.Context) (T, error), apply func(T)) (T, error) {
	var zero T
	gen := gens.Next(key)

	var lastErr error
	attempts := 0
	permissionRetried := false

	for attempt := 0; ; attempt++ {
		attempts++
		v, err := WithTimeout(ctx, p.AttemptTimeout, label, op)
		if !gens.IsCurrent(key, gen) {
			return zero, errStale
		}
		if err == nil {
			if apply != nil && !gens.Apply(key, gen, func() { apply(v) }) {
				return zero, errStale
			}
			return v, nil
		}
		lastErr = err

		if errors.Is(err, ErrValidation) || ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrPermissionDenied) {
			if permissionRetried {
				break
			}
			permissionRetried = true
			if sleepCtx(ctx, p.PermissionDelay) != nil {
				break
			}
			continue
		}
		if attempt >= p.Retries {
			break
		}
		if sleepCtx(ctx, p.Base*time.Duration(attempt+1)) != nil {
			break
		}
	}

	if !gens.IsCurrent(key, gen) {
		return zero, errStale
	}
	var ve *ValidationError
	if errors.As(lastErr, &ve) {
		return zero, lastErr
	}
	return zero, &FetchFailedError{Label: label, Attempts: attempts, Err: lastErr}
}
