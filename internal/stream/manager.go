package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tick-alerts/internal/market"
	"tick-alerts/internal/metrics"
)

// ErrExhausted is the terminal error surfaced to subscribers once reconnect
// attempts exceed the configured maximum.
var ErrExhausted = errors.New("stream: reconnect attempts exhausted")

const subscriptionBuffer = 64

// Options tune connection behaviour. Zero values fall back to defaults.
type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	BaseDelay        time.Duration
	CapDelay         time.Duration
	MaxAttempts      int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.CapDelay <= 0 {
		o.CapDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Subscription is the unsubscribe handle returned by Connect. Ticks and
// errors arrive on channels; Close detaches from the connection without
// tearing the socket down.
type Subscription struct {
	ticks  chan market.Tick
	errs   chan error
	detach func(*Subscription)
	once   sync.Once
}

// Ticks streams normalized ticks from the feed.
func (s *Subscription) Ticks() <-chan market.Tick { return s.ticks }

// Errs streams terminal connection errors (ErrExhausted).
func (s *Subscription) Errs() <-chan error { return s.errs }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.detach(s) })
}

// Manager owns one persistent streaming connection per key. All connection
// state lives in the instance; DisconnectAll releases every entry.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	mets   *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager constructs a connection manager.
func NewManager(opts Options, mets *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "stream").Logger(),
		mets:   mets,
		conns:  make(map[string]*connection),
	}
}

// Connect returns a subscription on the connection for key, dialing url if
// no usable connection exists. Idempotent: an Open or Connecting connection
// is shared, never duplicated. An Exhausted connection is restarted with a
// fresh attempt budget.
func (m *Manager) Connect(ctx context.Context, key, url string) (*Subscription, error) {
	if key == "" || url == "" {
		return nil, fmt.Errorf("stream: key and url are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[key]
	if ok && !conn.terminal() {
		return conn.subscribe(), nil
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn = &connection{
		key:    key,
		url:    url,
		opts:   m.opts,
		logger: m.logger.With().Str("key", key).Logger(),
		mets:   m.mets,
		ctx:    connCtx,
		cancel: cancel,
		status: StatusConnecting,
		subs:   make(map[*Subscription]struct{}),
	}
	m.conns[key] = conn

	sub := conn.subscribe()
	go conn.run()
	return sub, nil
}

// Disconnect closes the connection for key gracefully and cancels any
// pending reconnect timer. A no-op when the key is unknown.
func (m *Manager) Disconnect(key string) {
	m.mu.Lock()
	conn, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()

	if ok {
		conn.shutdown()
	}
}

// DisconnectAll tears down every connection the manager owns.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}

// State reports the lifecycle status for key.
func (m *Manager) State(key string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[key]
	if !ok {
		return StatusIdle
	}
	return conn.state()
}

// connection drives one socket's dial/read/reconnect loop.
type connection struct {
	key    string
	url    string
	opts   Options
	logger zerolog.Logger
	mets   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	attempt int
	ws      *websocket.Conn
	subs    map[*Subscription]struct{}
}

func (c *connection) run() {
	delays := newBackoff(c.opts.BaseDelay, c.opts.CapDelay)

	for {
		c.setStatus(StatusConnecting)

		ws, err := c.dial()
		if c.ctx.Err() != nil {
			c.setStatus(StatusClosed)
			return
		}

		if err == nil {
			c.setOpen(ws)
			delays.Reset()
			err = c.readLoop(ws)
			c.clearSocket()
			if c.ctx.Err() != nil || isNormalClose(err) {
				c.setStatus(StatusClosed)
				return
			}
			c.logger.Warn().Err(err).Msg("connection dropped")
		} else {
			c.logger.Warn().Err(err).Msg("dial failed")
		}

		if !c.nextAttempt() {
			c.exhaust()
			return
		}

		delay := delays.NextBackOff()
		if c.mets != nil {
			c.mets.Reconnects.WithLabelValues(c.key).Inc()
		}
		c.logger.Info().Dur("delay", delay).Int("attempt", c.attemptCount()).Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.setStatus(StatusClosed)
			return
		case <-timer.C:
		}
	}
}

func (c *connection) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return ws, nil
}

// readLoop pumps frames until the socket errors. Keepalive frames are
// handled by the control handlers and never reach subscribers.
func (c *connection) readLoop(ws *websocket.Conn) error {
	resetDeadline := func() {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		resetDeadline()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		resetDeadline()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		tick, err := market.ParseTrade(payload)
		if err != nil {
			// Malformed frames are dropped, never propagated.
			if c.mets != nil {
				c.mets.MalformedFrames.WithLabelValues(c.key).Inc()
			}
			c.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		c.deliver(tick)
	}
}

func (c *connection) deliver(tick market.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		select {
		case sub.ticks <- tick:
		default:
			// Slow subscriber: drop rather than stall the read loop.
		}
	}
}

func (c *connection) subscribe() *Subscription {
	sub := &Subscription{
		ticks: make(chan market.Tick, subscriptionBuffer),
		errs:  make(chan error, 1),
	}
	sub.detach = c.removeSub

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}

	// A connection that already gave up reports the terminal error to the
	// late subscriber immediately.
	if c.status == StatusExhausted {
		sub.errs <- fmt.Errorf("%w: %s", ErrExhausted, c.key)
	}
	return sub
}

func (c *connection) removeSub(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

func (c *connection) setOpen(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusOpen
	c.attempt = 0
	c.ws = ws
	c.logger.Info().Msg("connection open")
}

func (c *connection) clearSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

func (c *connection) nextAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt < c.opts.MaxAttempts
}

func (c *connection) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *connection) exhaust() {
	c.mu.Lock()
	c.status = StatusExhausted
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	if c.mets != nil {
		c.mets.FeedExhausted.WithLabelValues(c.key).Inc()
	}
	c.logger.Error().Int("max_attempts", c.opts.MaxAttempts).Msg("reconnect attempts exhausted")

	err := fmt.Errorf("%w: %s", ErrExhausted, c.key)
	for _, sub := range subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

func (c *connection) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *connection) state() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *connection) terminal() bool {
	s := c.state()
	return s == StatusClosed || s == StatusExhausted
}

// shutdown sends a normal close frame, cancels pending reconnects, and
// closes the socket.
func (c *connection) shutdown() {
	c.cancel()

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			deadline,
		)
		ws.Close()
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
