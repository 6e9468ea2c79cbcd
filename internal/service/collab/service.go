// Package collab implements the client-side engine for one collaborative
// measurement session. It owns the authoritative local copy of the session,
// keeps a resilient link to the relay, serializes every local and remote
// change through the session store, and surfaces activity to the embedding
// application as events.
//
// The engine manages one session at a time. All state flows through a
// single mutex plus the store's own lock; handlers never run concurrently
// with each other for the same session.
package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Paulmait/roomsnap-sub000/internal/eventbus"
	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
	"github.com/Paulmait/roomsnap-sub000/internal/snapshot"
	"github.com/Paulmait/roomsnap-sub000/internal/transport"
)

var (
	// ErrNoSession is returned by operations that need an attached session.
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive guards the one-session-at-a-time rule.
	ErrSessionActive = errors.New("a session is already active")
)

// Identity names the local user. It survives across sessions; the
// per-session participant id does not.
type Identity struct {
	UserID string
	Name   string
}

// Config tunes one engine instance.
type Config struct {
	// Endpoint is the relay base URL, e.g. ws://localhost:8080.
	Endpoint string
	Identity Identity
	// SyncInterval is the cadence of the full-state safety sync and of
	// conflict resolution passes.
	SyncInterval time.Duration
	// CursorInterval is the minimum spacing between cursor broadcasts;
	// extra motion inside the window is dropped, not queued.
	CursorInterval time.Duration
	// JoinTimeout bounds how long JoinSession waits for the relay's
	// authoritative state.
	JoinTimeout time.Duration
	// SnapshotDir persists sessions for Resume. Empty disables snapshots.
	SnapshotDir string
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.CursorInterval <= 0 {
		c.CursorInterval = 100 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	return c
}

// wire is the slice of transport.Link the engine drives; tests substitute a
// scripted fake.
type wire interface {
	Start(ctx context.Context)
	Send(protocol.Envelope) error
	State() transport.State
	Close() error
}

type wireFactory func(url string, h transport.Handlers) wire

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock substitutes the clock behind sync ticks, cursor throttling and
// timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// withWire swaps the transport factory; tests use it to script the relay.
func withWire(f wireFactory) Option {
	return func(s *Service) { s.newWire = f }
}

// Service is the collaboration engine.
type Service struct {
	cfg     Config
	logger  *zap.Logger
	clock   clockwork.Clock
	bus     *eventbus.Bus
	snaps   *snapshot.Store
	newWire wireFactory

	mu  sync.Mutex
	att *attached
}

// attached is everything bound to the currently joined room.
type attached struct {
	store    *collab.Store
	link     wire
	selfID   string
	roomCode string
	isHost   bool

	sessionID   string // empty for a joiner until the first sync lands
	seq         uint64
	lastSeen    map[string]uint64
	limiter     *rate.Limiter
	established bool
	lost        bool
	joinResult  chan error
	cancel      context.CancelFunc
}

// New builds an engine. Subscribe to Events before joining a session to see
// its first events.
func New(cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("collab: endpoint is required")
	}
	s := &Service{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = eventbus.New(s.logger.Named("events"))
	if s.newWire == nil {
		s.newWire = func(url string, h transport.Handlers) wire {
			return transport.NewLink(transport.Config{URL: url}, h,
				transport.WithLogger(s.logger.Named("transport")),
				transport.WithClock(s.clock))
		}
	}
	if cfg.SnapshotDir != "" {
		snaps, err := snapshot.NewStore(cfg.SnapshotDir, s.logger.Named("snapshot"))
		if err != nil {
			return nil, err
		}
		s.snaps = snaps
	}
	return s, nil
}

// Events exposes the engine's event bus.
func (s *Service) Events() *eventbus.Bus { return s.bus }

// Session returns a copy of the attached session state.
func (s *Service) Session() (collab.Session, error) {
	att, err := s.current()
	if err != nil {
		return collab.Session{}, err
	}
	return att.store.Snapshot(), nil
}

// ConnectionState reports the transport phase, Disconnected when idle.
func (s *Service) ConnectionState() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att == nil {
		return transport.Disconnected
	}
	return s.att.link.State()
}

func (s *Service) current() (*attached, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att == nil {
		return nil, ErrNoSession
	}
	return s.att, nil
}

// ready is current plus the terminal-loss gate every mutating operation
// shares: once the link is lost for good, the session is read-only.
func (s *Service) ready() (*attached, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att == nil {
		return nil, ErrNoSession
	}
	if s.att.lost {
		return nil, transport.ErrConnectionLost
	}
	return s.att, nil
}

// send frames a payload with the next sequence number and hands it to the
// link, which delivers now or queues for the reconnect flush.
func (s *Service) send(att *attached, t protocol.MessageType, payload any) error {
	s.mu.Lock()
	att.seq++
	seq := att.seq
	sessionID := att.sessionID
	if sessionID == "" {
		// A joiner does not learn the session id until the first sync;
		// the room code stands in and the relay scopes by room anyway.
		sessionID = att.roomCode
	}
	s.mu.Unlock()

	env, err := protocol.NewEnvelope(t, sessionID, att.selfID, seq, s.clock.Now(), payload)
	if err != nil {
		return err
	}
	return att.link.Send(env)
}

// roomURL names the relay endpoint for one room. The dial carries the
// participant id so the relay can tell a rejoin from a new joiner when it
// checks capacity before the upgrade.
func (s *Service) roomURL(att *attached) string {
	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/ws/rooms/" + att.roomCode +
		"?participant=" + att.selfID
	if att.isHost {
		url += "&host=1"
	}
	return url
}

// saveSnapshot persists the current state, quietly: snapshotting is a
// safety net and must never fail an operation.
func (s *Service) saveSnapshot(att *attached) {
	if s.snaps == nil {
		return
	}
	s.mu.Lock()
	seq := att.seq
	sessionID := att.sessionID
	selfID := att.selfID
	s.mu.Unlock()
	if sessionID == "" {
		return
	}
	doc := snapshot.Document{SelfID: selfID, Sequence: seq, Session: att.store.Snapshot()}
	if err := s.snaps.Save(doc); err != nil {
		s.logger.Warn("snapshot save failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (s *Service) isEstablished(att *attached) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return att.established
}

func newAttached(code string, selfID string, store *collab.Store, cursorInterval time.Duration) *attached {
	return &attached{
		store:      store,
		selfID:     selfID,
		roomCode:   code,
		lastSeen:   make(map[string]uint64),
		limiter:    rate.NewLimiter(rate.Every(cursorInterval), 1),
		joinResult: make(chan error, 1),
	}
}
