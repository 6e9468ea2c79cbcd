package server

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

// placeholderTTL bounds how long a room whose host dialed but never
// announced a session may linger before the sweeper reclaims it.
const placeholderTTL = time.Minute

// hub owns every live room, bounded by an LRU so the relay cannot grow
// without limit. An evicted room disconnects its clients; a host
// reconnecting later re-materializes it from its own session copy, so
// eviction costs a resync rather than the session.
type hub struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics

	mu    sync.Mutex
	rooms *lru.Cache[string, *room]
}

func newHub(maxRooms int, clock clockwork.Clock, logger *zap.Logger, m *metrics) (*hub, error) {
	h := &hub{logger: logger, clock: clock, metrics: m}
	rooms, err := lru.NewWithEvict[string, *room](maxRooms, h.onEvict)
	if err != nil {
		return nil, err
	}
	h.rooms = rooms
	return h, nil
}

// onEvict runs inside the cache's lock for both LRU pressure and explicit
// removal, so the actual teardown moves off to its own goroutine.
func (h *hub) onEvict(code string, rm *room) {
	h.metrics.roomsOpen.Dec()
	h.logger.Info("room closed", zap.String("room", code))
	go rm.close("room closed by relay")
}

// open returns the room for code, creating it when the dial claims the host
// role. Unknown rooms refuse everyone else, which becomes the pre-upgrade
// 404 the dialing client stops retrying on.
func (h *hub) open(code string, host bool) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rm, ok := h.rooms.Get(code); ok {
		return rm, nil
	}
	if !host {
		return nil, collab.ErrNotFound
	}
	rm := newRoom(code, h.clock, h.logger, h.metrics)
	if evicted := h.rooms.Add(code, rm); evicted {
		h.metrics.roomsEvicted.Inc()
	}
	h.metrics.roomsOpen.Inc()
	return rm, nil
}

// lookup peeks at a room without touching its recency.
func (h *hub) lookup(code string) (*room, bool) {
	return h.rooms.Peek(code)
}

func (h *hub) len() int {
	return h.rooms.Len()
}

// sweep reclaims expired rooms until ctx ends.
func (h *hub) sweep(ctx context.Context, every time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(every):
		}
		now := h.clock.Now()
		for _, code := range h.rooms.Keys() {
			rm, ok := h.rooms.Peek(code)
			if !ok || !rm.expired(now) {
				continue
			}
			h.metrics.roomsExpired.Inc()
			h.logger.Info("room expired", zap.String("room", code))
			h.rooms.Remove(code)
		}
	}
}

// closeAll empties the hub, disconnecting every client. Used on shutdown;
// the HTTP server's graceful drain does not cover hijacked connections.
func (h *hub) closeAll() {
	for _, code := range h.rooms.Keys() {
		h.rooms.Remove(code)
	}
}
