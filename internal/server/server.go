package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/pkg/utils"
)

// Config holds the relay's tunables. Zero values get sensible defaults.
type Config struct {
	Addr          string
	MaxRooms      int
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = 1024
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Server is the sync relay: it upgrades WebSocket connections into rooms,
// fans envelopes out between their participants and answers room lookups
// over plain HTTP.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	clock    clockwork.Clock
	registry *prometheus.Registry
	metrics  *metrics
	hub      *hub
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry)
	h, err := newHub(s.cfg.MaxRooms, s.clock, s.logger.Named("hub"), s.metrics)
	if err != nil {
		return nil, err
	}
	s.hub = h
	return s, nil
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/rooms/{roomCode}", s.handleRoomInfo)
	})
	r.Get("/ws/rooms/{roomCode}", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Run serves the relay until ctx is cancelled, then drains: the listener
// shuts down gracefully and every room disconnects its clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.hub.sweep(ctx, s.cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.hub.closeAll()
		return err
	})
	return g.Wait()
}

// roomInfo is the REST view of a live room.
type roomInfo struct {
	RoomCode           string    `json:"roomCode"`
	SessionID          string    `json:"sessionId,omitempty"`
	ActiveParticipants int       `json:"activeParticipants"`
	MaxParticipants    int       `json:"maxParticipants,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.hub.len(),
	})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "roomCode")
	rm, ok := s.hub.lookup(code)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, rm.info())
}

// handleWebSocket is the relay's front door. Refusals happen before the
// upgrade so the dialing client can read a status code and stop retrying:
// 404 for a room nobody hosts, 409 for a full one. A dial claiming host=1
// may create the room; the session itself arrives with the host's join.
// A dial naming an id already on the roster is a rejoin and is not counted
// against capacity.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "roomCode")
	if !collab.ValidRoomCode(code) {
		s.metrics.joinsRejected.WithLabelValues("bad_code").Inc()
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}
	host := r.URL.Query().Get("host") == "1"

	rm, err := s.hub.open(code, host)
	if err != nil {
		s.metrics.joinsRejected.WithLabelValues("unknown_room").Inc()
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}
	if !host && rm.full(r.URL.Query().Get("participant")) {
		s.metrics.joinsRejected.WithLabelValues("room_full").Inc()
		utils.RespondError(w, http.StatusConflict, "room is full")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(rm, conn, s.logger.Named("client"))
	rm.addClient(c)
	s.logger.Info("client connected", zap.String("room", code), zap.Bool("host", host))

	go c.writePump()
	go c.readPump()
}
