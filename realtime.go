package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Feed
// ============================================================================

// ChangeHandler receives change events. Calls for one subscription are
// sequential and in delivery order.
type ChangeHandler func(ev ChangeEvent)

// Feed is a realtime change feed. Subscribe starts delivering the events of
// scope to handler until the returned function is called.
type Feed interface {
	Subscribe(ctx context.Context, scope Scope, handler ChangeHandler) (unsubscribe func(), err error)
	Close() error
}

// RealtimeEnvelope is the wire format of every realtime frame.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// changePayload is the payload of a "change" frame. Subscription is empty
// when the server broadcasts without tracking subscription IDs.
type changePayload struct {
	Subscription string      `json:"subscription,omitempty"`
	Event        ChangeEvent `json:"event"`
}

type subscribePayload struct {
	ID string `json:"id"`
	Scope
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime feeds.
type RealtimeConfig struct {
	Token                string
	APIKey               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	// StaleTimeout closes an SSE stream that has been silent this long.
	StaleTimeout time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedState is the connection state of a feed.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the jittered exponential delay for the next attempt. A
// connection that stayed up for a minute starts the sequence over.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WSFeed
// ============================================================================

type wsSubscription struct {
	id      string
	scope   Scope
	handler ChangeHandler
}

// WSFeed multiplexes scope subscriptions over one WebSocket with heartbeat
// and automatic reconnect. Subscriptions survive reconnects: every live
// subscription is sent again once the new connection is authenticated.
type WSFeed struct {
	baseURL string
	config  RealtimeConfig
	log     zerolog.Logger
	recon   *reconnector

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	state        FeedState
	closed       bool
	reconnecting bool
	subs         map[string]*wsSubscription
	onState      []func(FeedState)

	counter      atomic.Uint64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewWSFeed creates a WebSocket feed for the project at baseURL. Nothing is
// dialed until Connect or the first Subscribe.
func NewWSFeed(baseURL string, config RealtimeConfig) *WSFeed {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WSFeed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		log:          config.Logger.With().Str("feed", "ws").Logger(),
		recon:        newReconnector(&config),
		ctx:          ctx,
		cancel:       cancel,
		state:        FeedDisconnected,
		subs:         make(map[string]*wsSubscription),
		pendingPings: make(map[string]chan struct{}),
	}
}

// OnStateChange registers a connection state listener.
func (f *WSFeed) OnStateChange(h func(FeedState)) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

// State returns the current connection state.
func (f *WSFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *WSFeed) setState(s FeedState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	hs := append([]func(FeedState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range hs {
		func() {
			defer func() { recover() }()
			h(s)
		}()
	}
}

func (f *WSFeed) dialURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	if f.config.APIKey != "" {
		q.Set("apikey", f.config.APIKey)
	}
	if f.config.Token != "" {
		q.Set("token", f.config.Token)
	}
	u += "/realtime/v1/websocket"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Connect dials and authenticates. The first frame from the server must be
// "authenticated". Live subscriptions are re-sent on success.
func (f *WSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.setState(FeedConnecting)

	conn, _, err := websocket.Dial(ctx, f.dialURL(), nil)
	if err != nil {
		f.setState(FeedDisconnected)
		return &NetworkError{Op: "websocket dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(FeedDisconnected)
		return &NetworkError{Op: "read auth message", Err: err}
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(FeedDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s': %w", env.Type, ErrPermissionDenied)
	}

	connCtx, cancel := context.WithCancel(f.ctx)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	f.conn = conn
	f.connCancel = cancel
	subs := make([]*wsSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	f.recon.markConnected()
	f.setState(FeedConnected)
	f.log.Debug().Int("subscriptions", len(subs)).Msg("connected")

	for _, s := range subs {
		if err := f.sendSubscribe(connCtx, conn, s); err != nil {
			f.log.Warn().Err(err).Str("scope", s.scope.Key()).Msg("resubscribe failed")
		}
	}

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx, conn)
	return nil
}

// Subscribe registers handler for scope, connecting first if needed.
func (f *WSFeed) Subscribe(ctx context.Context, scope Scope, handler ChangeHandler) (func(), error) {
	sub := &wsSubscription{
		id:      fmt.Sprintf("sub-%d", f.counter.Add(1)),
		scope:   scope,
		handler: handler,
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.subs[sub.id] = sub
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		if err := f.Connect(ctx); err != nil {
			f.mu.Lock()
			delete(f.subs, sub.id)
			f.mu.Unlock()
			return nil, err
		}
	} else if err := f.sendSubscribe(ctx, conn, sub); err != nil {
		// The reconnect path re-sends every live subscription.
		f.log.Warn().Err(err).Str("scope", scope.Key()).Msg("subscribe failed")
	}

	var once sync.Once
	return func() { once.Do(func() { f.unsubscribe(sub.id) }) }, nil
}

func (f *WSFeed) unsubscribe(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.config.PingTimeout)
	defer cancel()
	_ = f.send(ctx, conn, &RealtimeCommand{Type: "unsubscribe", Payload: map[string]string{"id": id}})
}

func (f *WSFeed) sendSubscribe(ctx context.Context, conn *websocket.Conn, s *wsSubscription) error {
	return f.send(ctx, conn, &RealtimeCommand{
		Type:    "subscribe",
		Payload: subscribePayload{ID: s.id, Scope: s.scope},
	})
}

func (f *WSFeed) send(ctx context.Context, conn *websocket.Conn, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (f *WSFeed) Ping(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return &NetworkError{Op: "ping", Err: errors.New("not connected")}
	}
	return f.ping(ctx, conn)
}

func (f *WSFeed) ping(ctx context.Context, conn *websocket.Conn) error {
	requestID := fmt.Sprintf("ping-%d", f.counter.Add(1))
	ch := make(chan struct{}, 1)
	f.pendingMu.Lock()
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()
	defer func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}()

	err := f.send(ctx, conn, &RealtimeCommand{
		Type:    "ping",
		Payload: pongPayload{RequestID: requestID},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(f.config.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return &TimeoutError{Label: "ping", After: f.config.PingTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.dropConn(conn, err)
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "change":
			var p changePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				f.log.Debug().Err(err).Msg("malformed change frame")
				continue
			}
			f.dispatch(p)
		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				f.pendingMu.Lock()
				ch, ok := f.pendingPings[p.RequestID]
				f.pendingMu.Unlock()
				if ok {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		case "error":
			f.log.Warn().RawJSON("payload", env.Payload).Msg("server error")
		}
	}
}

func (f *WSFeed) dispatch(p changePayload) {
	f.mu.Lock()
	var targets []*wsSubscription
	for _, s := range f.subs {
		if p.Subscription != "" && p.Subscription != s.id {
			continue
		}
		if s.scope.Matches(p.Event) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()
	for _, s := range targets {
		callHandler(s.handler, p.Event)
	}
}

// dropConn tears down a broken connection and starts the reconnect loop.
func (f *WSFeed) dropConn(conn *websocket.Conn, cause error) {
	f.mu.Lock()
	if f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	if f.connCancel != nil {
		f.connCancel()
		f.connCancel = nil
	}
	closed := f.closed
	start := !closed && f.config.AutoReconnect && !f.reconnecting
	if start {
		f.reconnecting = true
	}
	f.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "")

	if closed {
		return
	}
	f.setState(FeedDisconnected)
	f.log.Warn().Err(cause).Msg("connection lost")
	if start {
		go f.reconnectLoop()
	}
}

func (f *WSFeed) reconnectLoop() {
	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()
	for f.recon.shouldReconnect() {
		delay, attempt := f.recon.nextDelay()
		f.setState(FeedReconnecting)
		f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if sleepCtx(f.ctx, delay) != nil {
			return
		}
		err := f.Connect(f.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		f.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	f.setState(FeedDisconnected)
	f.log.Error().Msg("giving up on reconnect")
}

func (f *WSFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.ping(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force the read loop to notice.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// Close drops every subscription and closes the connection.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.subs = make(map[string]*wsSubscription)
	f.mu.Unlock()

	f.cancel()
	f.recon.reset()
	f.setState(FeedDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func callHandler(h ChangeHandler, ev ChangeEvent) {
	defer func() { recover() }()
	h(ev)
}

// ============================================================================
// SSEFeed
// ============================================================================

// SSEFeed opens one server-sent event stream per subscription. Each stream
// reconnects on its own and is dropped when it stays silent for
// StaleTimeout.
type SSEFeed struct {
	baseURL string
	config  RealtimeConfig
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewSSEFeed creates an SSE feed for the project at baseURL.
func NewSSEFeed(baseURL string, config RealtimeConfig) *SSEFeed {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SSEFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger.With().Str("feed", "sse").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe opens the stream for scope. The first connection is made before
// Subscribe returns so a bad URL or rejected token surfaces immediately.
func (f *SSEFeed) Subscribe(ctx context.Context, scope Scope, handler ChangeHandler) (func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(f.ctx)
	resp, connCancel, err := f.open(subCtx, scope)
	if err != nil {
		cancel()
		return nil, err
	}

	f.wg.Add(1)
	go f.run(subCtx, scope, handler, resp, connCancel)
	return cancel, nil
}

func (f *SSEFeed) streamURL(scope Scope) string {
	q := url.Values{}
	q.Set("table", scope.Table)
	q.Set("filter", scope.Filter())
	return f.baseURL + "/realtime/v1/sse?" + q.Encode()
}

func (f *SSEFeed) open(ctx context.Context, scope Scope) (*http.Response, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, f.streamURL(scope), nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if f.config.APIKey != "" {
		req.Header.Set("apikey", f.config.APIKey)
	}
	if f.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.Token)
	}

	resp, err := f.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, &NetworkError{Op: "SSE connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, nil, &APIError{Status: resp.StatusCode, Message: "SSE " + http.StatusText(resp.StatusCode)}
	}
	return resp, cancel, nil
}

func (f *SSEFeed) run(ctx context.Context, scope Scope, handler ChangeHandler, resp *http.Response, connCancel context.CancelFunc) {
	defer f.wg.Done()
	log := f.log.With().Str("scope", scope.Key()).Logger()
	recon := newReconnector(&f.config)
	recon.markConnected()

	for {
		f.consume(ctx, scope, handler, resp, connCancel)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("stream ended")
		if !f.config.AutoReconnect {
			return
		}

		for {
			if !recon.shouldReconnect() {
				log.Error().Msg("giving up on reconnect")
				return
			}
			delay, attempt := recon.nextDelay()
			log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			if sleepCtx(ctx, delay) != nil {
				return
			}
			var err error
			resp, connCancel, err = f.open(ctx, scope)
			if err == nil {
				recon.markConnected()
				break
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		}
	}
}

// consume reads one stream until it ends, is cancelled or goes stale.
func (f *SSEFeed) consume(ctx context.Context, scope Scope, handler ChangeHandler, resp *http.Response, connCancel context.CancelFunc) {
	defer connCancel()
	defer resp.Body.Close()

	var lastData atomic.Int64
	lastData.Store(time.Now().UnixNano())
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.config.StaleTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastData.Load())) > f.config.StaleTimeout {
					connCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lastData.Store(time.Now().UnixNano())
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var env RealtimeEnvelope
		if json.Unmarshal([]byte(payload), &env) != nil || env.Type != "change" {
			continue
		}
		var ev ChangeEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			continue
		}
		if scope.Matches(ev) {
			callHandler(handler, ev)
		}
	}
}

// Close stops every stream and waits for their goroutines to exit.
func (f *SSEFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
	return nil
}
