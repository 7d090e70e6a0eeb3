package chatsync

import (
	"context"
	"sync"
	"testing"
)

// testContexts backs testContext, a stand-in for testing.T.Context (Go 1.24+)
// so the tests build on older toolchains.
var testContexts sync.Map // *testing.T -> context.Context

// testContext returns a context that is canceled when t finishes. Repeated
// calls with the same t return the same context, like t.Context.
func testContext(t *testing.T) context.Context {
	if ctx, ok := testContexts.Load(t); ok {
		return ctx.(context.Context)
	}
	ctx, cancel := context.WithCancel(context.Background())
	testContexts.Store(t, ctx)
	t.Cleanup(func() {
		cancel()
		testContexts.Delete(t)
	})
	return ctx
}
