// Package transport maintains one resilient websocket link to the relay.
// The link hides connection churn from the engine: envelopes are sent when
// connected, queued in order while the connection is down, and replayed
// wholesale after a reconnect. Reconnection follows a doubling backoff and
// gives up after a fixed budget of attempts, after which the link is
// terminally lost.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
)

// Config tunes one link. Zero fields take the defaults below.
type Config struct {
	// URL is the relay websocket endpoint for one room.
	URL string
	// ReconnectBase is the first backoff delay; each further attempt
	// doubles it.
	ReconnectBase time.Duration
	// MaxAttempts is the reconnect budget per disconnect. Spending it
	// makes the link terminally lost.
	MaxAttempts int

	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Handlers receive link activity. Both run on the link's goroutines and must
// not block; OnState may be called with a nil error for healthy transitions.
type Handlers struct {
	OnEnvelope func(protocol.Envelope)
	OnState    func(State, error)
}

// Option configures a Link beyond its Config.
type Option func(*Link)

// WithLogger sets the link's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Link) { l.logger = logger }
}

// WithClock substitutes the clock driving backoff and ping scheduling.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Link) { l.clock = clock }
}

// WithDialer substitutes the dialer, letting tests script dial outcomes.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// Link is one resilient connection to the relay.
type Link struct {
	cfg      Config
	handlers Handlers
	dialer   Dialer
	logger   *zap.Logger
	clock    clockwork.Clock

	mu     sync.Mutex
	state  State
	conn   Conn
	queue  queue
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLink builds a link; Start begins connecting.
func NewLink(cfg Config, handlers Handlers, opts ...Option) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		cfg:      cfg,
		handlers: handlers,
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		state:    Disconnected,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dialer == nil {
		l.dialer = &wsDialer{handshakeTimeout: cfg.HandshakeTimeout}
	}
	return l
}

// Start launches the connection loop. It returns immediately; the first
// state the handlers observe is Connecting.
func (l *Link) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.run(ctx)
}

// State reports the current lifecycle phase.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// QueueDepth reports how many envelopes wait for the next reconnect.
func (l *Link) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// Send delivers an envelope now or queues it until the link comes back.
// Order is preserved either way. It fails only once the link is closed or
// terminally lost.
func (l *Link) Send(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.state == ConnectionLost {
		return ErrConnectionLost
	}
	if l.state == Connected && l.conn != nil {
		err := l.writeLocked(env)
		if err == nil {
			return nil
		}
		// The connection is broken; the read loop will notice and start
		// the reconnect. Keep the envelope for replay.
		l.logger.Warn("write failed, queueing envelope",
			zap.String("type", string(env.Type)), zap.Error(err))
		l.conn.Close()
		l.conn = nil
	}
	l.queue.push(env)
	return nil
}

// Close stops the link for good. Anything still queued is dropped.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	cancel := l.cancel
	l.queue.clear()
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		<-l.done
	}
	return nil
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	l.setState(Connecting, nil)
	err := l.connect(ctx)
	for {
		if l.halted(ctx) {
			return
		}
		if err != nil {
			var hs *HandshakeError
			if errors.As(err, &hs) {
				// The relay answered and said no. Retrying cannot help.
				l.setState(ConnectionLost, err)
				return
			}
			if err = l.reconnect(ctx, err); err != nil {
				if !l.halted(ctx) {
					l.setState(ConnectionLost, err)
				}
				return
			}
		}
		err = l.serve(ctx)
	}
}

// connect performs one dial and, on success, installs the connection and
// replays the queued backlog in order.
func (l *Link) connect(ctx context.Context) error {
	conn, err := l.dialer.Dial(ctx, l.cfg.URL)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.state = Connected
	ferr := l.flushLocked()
	l.mu.Unlock()

	if ferr != nil {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		return fmt.Errorf("flush backlog: %w", ferr)
	}
	l.notify(Connected, nil)
	return nil
}

// reconnect walks the backoff schedule: base, 2x, 4x... one dial per step.
// It returns nil once a dial succeeds, or the final error when the budget is
// spent. Handshake rejections abort the schedule immediately.
func (l *Link) reconnect(ctx context.Context, cause error) error {
	l.setState(Reconnecting, cause)
	lastErr := cause

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		delay := l.cfg.ReconnectBase * time.Duration(1<<(attempt-1))
		l.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("budget", l.cfg.MaxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
		if l.halted(ctx) {
			return ErrClosed
		}

		err := l.connect(ctx)
		if err == nil {
			return nil
		}
		var hs *HandshakeError
		if errors.As(err, &hs) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("gave up after %d attempts: %w", l.cfg.MaxAttempts, lastErr)
}

// serve pumps inbound messages until the connection drops. Malformed frames
// are logged and skipped; they never cost the connection.
func (l *Link) serve(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("connection already gone")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go l.ping(conn, stop, &wg)

	conn.SetReadDeadline(l.clock.Now().Add(l.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(l.clock.Now().Add(l.cfg.PongTimeout))
	})

	var readErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		env, err := protocol.Unmarshal(raw)
		if err != nil {
			l.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if l.handlers.OnEnvelope != nil {
			l.handlers.OnEnvelope(env)
		}
	}

	close(stop)
	conn.Close()
	wg.Wait()

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	return readErr
}

// ping keeps intermediaries from timing the connection out and lets the read
// deadline detect a dead peer.
func (l *Link) ping(conn Conn, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	timer := l.clock.NewTimer(l.cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.Chan():
		}
		l.mu.Lock()
		current := l.conn == conn
		var err error
		if current {
			conn.SetWriteDeadline(l.clock.Now().Add(l.cfg.WriteTimeout))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		l.mu.Unlock()
		if !current || err != nil {
			conn.Close()
			return
		}
		timer.Reset(l.cfg.PingInterval)
	}
}

func (l *Link) writeLocked(env protocol.Envelope) error {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	l.conn.SetWriteDeadline(l.clock.Now().Add(l.cfg.WriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, raw)
}

// flushLocked replays the backlog in order. On a write failure the envelope
// goes back to the head so nothing is lost or reordered.
func (l *Link) flushLocked() error {
	for {
		env, ok := l.queue.pop()
		if !ok {
			return nil
		}
		if err := l.writeLocked(env); err != nil {
			l.queue.pushFront(env)
			return err
		}
	}
}

func (l *Link) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) setState(s State, err error) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.notify(s, err)
}

func (l *Link) notify(s State, err error) {
	if l.handlers.OnState != nil {
		l.handlers.OnState(s, err)
	}
}
