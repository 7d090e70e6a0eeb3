package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoadState is the life cycle state of a view's data.
type LoadState int

const (
	StateIdle LoadState = iota
	StateLoading
	StateLoaded
	StateErrored
	StateTimedOut
)

func (s LoadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// SafetyTimeout forces Loading into TimedOut when a fetch hangs.
	SafetyTimeout time.Duration
	// RetryDelay is the wait before the single automatic retry after a timeout.
	RetryDelay time.Duration
}

func (c *LoaderConfig) defaults() {
	if c.SafetyTimeout == 0 {
		c.SafetyTimeout = 10 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 10 * time.Second
	}
}

// Loader drives the loading state of one view so the UI never blocks on a
// hung request. A fetch that outlives SafetyTimeout moves the view to
// TimedOut (render best effort data, no spinner) and schedules exactly one
// background retry after RetryDelay. Loaded and Errored are terminal for the
// request that produced them; the next Load starts over.
type Loader struct {
	view   string
	cfg    LoaderConfig
	fetch  func(context.Context) error
	base   context.Context
	log    zerolog.Logger
	onTime func()

	mu          sync.Mutex
	state       LoadState
	err         error
	gen         uint64
	safety      *time.Timer
	retry       *time.Timer
	autoRetried bool
	stopped     bool
	listeners   []func(view string, s LoadState)
}

// NewLoader creates a loader for view. fetch performs the actual load; base
// is the context handed to automatic retries. onTimeout, if non-nil, runs
// whenever the safety deadline fires, before the retry is scheduled.
func NewLoader(base context.Context, view string, cfg LoaderConfig, fetch func(context.Context) error, onTimeout func(), log zerolog.Logger) *Loader {
	cfg.defaults()
	return &Loader{
		view:   view,
		cfg:    cfg,
		fetch:  fetch,
		base:   base,
		log:    log.With().Str("view", view).Logger(),
		onTime: onTimeout,
	}
}

// OnChange registers a state transition listener.
func (l *Loader) OnChange(fn func(view string, s LoadState)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// State returns the current state and the error of the last failed load.
func (l *Loader) State() (LoadState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.err
}

// Loading reports whether the view should show a blocking spinner.
func (l *Loader) Loading() bool {
	s, _ := l.State()
	return s == StateLoading
}

// Load runs an explicit fetch. It re-arms the automatic retry budget.
func (l *Loader) Load(ctx context.Context) error {
	gen := l.begin(false)
	err := l.fetch(ctx)
	l.finish(gen, err)
	return err
}

// Stop cancels pending timers and disables automatic retries.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.stopped = true
	l.stopTimers()
}

func (l *Loader) stopTimers() {
	if l.safety != nil {
		l.safety.Stop()
		l.safety = nil
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

func (l *Loader) begin(auto bool) uint64 {
	l.mu.Lock()
	if !auto {
		l.autoRetried = false
	}
	l.stopTimers()
	l.gen++
	gen := l.gen
	l.err = nil
	l.safety = time.AfterFunc(l.cfg.SafetyTimeout, func() { l.expire(gen) })
	fns := l.setLocked(StateLoading)
	l.mu.Unlock()

	l.notify(fns, StateLoading)
	return gen
}

func (l *Loader) finish(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || isStale(err) {
		l.mu.Unlock()
		return
	}
	if l.safety != nil {
		l.safety.Stop()
		l.safety = nil
	}
	state := StateLoaded
	if err != nil {
		state = StateErrored
		l.err = err
	} else if l.retry != nil {
		// A late success after a timeout makes the retry pointless.
		l.retry.Stop()
		l.retry = nil
	}
	fns := l.setLocked(state)
	l.mu.Unlock()
	l.notify(fns, state)
}

func (l *Loader) expire(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.state != StateLoading {
		l.mu.Unlock()
		return
	}
	l.safety = nil
	schedule := !l.autoRetried
	if schedule {
		l.autoRetried = true
		l.retry = time.AfterFunc(l.cfg.RetryDelay, l.autoRetry)
	}
	fns := l.setLocked(StateTimedOut)
	l.mu.Unlock()

	l.log.Warn().Dur("after", l.cfg.SafetyTimeout).Bool("retry_scheduled", schedule).Msg("loading timed out")
	if l.onTime != nil {
		l.onTime()
	}
	l.notify(fns, StateTimedOut)
}

func (l *Loader) autoRetry() {
	l.mu.Lock()
	l.retry = nil
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}

	l.log.Info().Msg("background retry after timeout")
	gen := l.begin(true)
	err := l.fetch(l.base)
	l.finish(gen, err)
}

// setLocked records s and returns the listeners to notify, or nil when the
// state did not change. Caller holds mu.
func (l *Loader) setLocked(s LoadState) []func(string, LoadState) {
	if l.state == s {
		return nil
	}
	l.state = s
	return append([]func(string, LoadState){}, l.listeners...)
}

func (l *Loader) notify(fns []func(string, LoadState), s LoadState) {
	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(l.view, s)
		}()
	}
}
