package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
)

// room is one fan-out domain: every envelope a client sends is forwarded to
// the room's other clients. A shadow store tracks the freshest state seen so
// late joiners can be brought up to date with a single sync; the store stays
// nil until a host announces its session, which is how rooms created offline
// get materialized on first contact.
type room struct {
	code    string
	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics

	mu        sync.Mutex
	store     *collab.Store
	sessionID string
	clients   map[*client]string // bound participant id, "" until the first envelope
	lastSeen  map[string]uint64
	waiting   []pendingJoin
	seq       uint64
	createdAt time.Time
}

// pendingJoin is a participant who announced before any host supplied the
// session. It is admitted the moment the session materializes.
type pendingJoin struct {
	c   *client
	env protocol.Envelope
	p   collab.Participant
}

func newRoom(code string, clock clockwork.Clock, logger *zap.Logger, m *metrics) *room {
	return &room{
		code:      code,
		logger:    logger.With(zap.String("room", code)),
		clock:     clock,
		metrics:   m,
		clients:   make(map[*client]string),
		lastSeen:  make(map[string]uint64),
		createdAt: clock.Now().UTC(),
	}
}

func (r *room) addClient(c *client) {
	r.mu.Lock()
	r.clients[c] = ""
	r.mu.Unlock()
	r.metrics.clientsOpen.Inc()
}

// dropClient detaches c. If it had announced a participant, the roster is
// updated and a leave is synthesized so the others learn about the
// disconnect even though the client never said goodbye.
func (r *room) dropClient(c *client) {
	r.mu.Lock()
	id, ok := r.clients[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	c.detach()

	var left collab.Participant
	var departed bool
	if id != "" && r.store != nil {
		left, departed = r.store.MarkParticipantLeft(id)
	}
	r.mu.Unlock()
	r.metrics.clientsOpen.Dec()

	if departed {
		r.broadcastServer(protocol.MessageLeave, protocol.LeavePayload{
			ParticipantID: left.ID,
			Reason:        protocol.LeaveReasonDisconnected,
		}, nil)
		r.logger.Info("participant disconnected", zap.String("participant", left.ID))
	}
}

// handleEnvelope is the relay switchboard, called from c's read pump. The
// first envelope binds the connection to its sender. A join on a fresh
// connection restarts that sender's sequence space, since a reconnecting
// client does not carry its counter across incarnations; any other frame
// with a stale per-sender sequence number is a replay and dies here.
func (r *room) handleEnvelope(c *client, env protocol.Envelope) {
	if env.ParticipantID == protocol.ServerParticipantID {
		r.logger.Warn("client trying to speak as the relay")
		return
	}

	r.mu.Lock()
	bound, ok := r.clients[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	fresh := false
	switch bound {
	case "":
		r.clients[c] = env.ParticipantID
		fresh = true
	case env.ParticipantID:
	default:
		r.mu.Unlock()
		r.logger.Warn("envelope sender does not match the connection",
			zap.String("bound", bound), zap.String("claimed", env.ParticipantID))
		return
	}
	if fresh && env.Type == protocol.MessageJoin {
		r.lastSeen[env.ParticipantID] = env.Sequence
	} else {
		if last := r.lastSeen[env.ParticipantID]; env.Sequence <= last {
			r.mu.Unlock()
			return
		}
		r.lastSeen[env.ParticipantID] = env.Sequence
	}
	r.mu.Unlock()

	r.metrics.envelopesIn.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.MessageJoin:
		r.onJoin(c, env)
	case protocol.MessageLeave:
		r.onLeave(c, env)
	case protocol.MessageMeasurement:
		r.onMeasurement(c, env)
	case protocol.MessageAnnotation:
		r.onAnnotation(c, env)
	case protocol.MessageSync:
		r.onSync(c, env)
	case protocol.MessageCursor, protocol.MessageChat:
		r.broadcast(env, c)
	}
}

// onJoin admits an announcing participant. Hosts carry their session copy,
// which materializes the room when the relay has never seen it (created
// offline, or evicted since); everyone who announced before that moment is
// parked and admitted right after.
func (r *room) onJoin(c *client, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		r.logger.Warn("bad join payload", zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.store == nil {
		if p.Session == nil {
			r.waiting = append(r.waiting, pendingJoin{c: c, env: env, p: p.Participant})
			r.mu.Unlock()
			r.logger.Debug("join parked until a host announces",
				zap.String("participant", p.Participant.ID))
			return
		}
		session := p.Session.Clone()
		r.store = collab.NewStore(session, r.clock)
		r.sessionID = session.ID
		r.logger.Info("room materialized from host session",
			zap.String("session", session.ID), zap.String("host", session.HostID))
	}
	waiting := r.waiting
	r.waiting = nil
	r.mu.Unlock()

	r.admit(c, env, p.Participant)
	for _, w := range waiting {
		r.admit(w.c, w.env, w.p)
	}
}

// admit applies the roster change, relays the announcement and answers the
// joiner with the authoritative session state. A full roster closes the
// connection; the dialer's next attempt is refused before the upgrade.
func (r *room) admit(c *client, env protocol.Envelope, p collab.Participant) {
	r.mu.Lock()
	if _, stillHere := r.clients[c]; !stillHere {
		r.mu.Unlock()
		return
	}
	store := r.store
	r.mu.Unlock()

	added, err := store.AddParticipant(p)
	if err != nil {
		r.logger.Warn("join refused", zap.String("participant", p.ID), zap.Error(err))
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room is full"),
			time.Now().Add(writeWait))
		r.dropClient(c)
		return
	}

	r.broadcast(env, c)
	r.sendSync(c)
	r.logger.Info("participant joined",
		zap.String("participant", added.ID), zap.String("role", string(added.Role)))
}

func (r *room) onLeave(c *client, env protocol.Envelope) {
	var p protocol.LeavePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		r.logger.Warn("bad leave payload", zap.Error(err))
		return
	}
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store != nil {
		store.MarkParticipantLeft(p.ParticipantID)
	}
	r.broadcast(env, c)
}

// onMeasurement forwards the edit untouched. The shadow store keeps the
// freshest version for late joiners, but stale edits still travel: conflict
// resolution belongs to the editors, not the relay.
func (r *room) onMeasurement(c *client, env protocol.Envelope) {
	var p protocol.MeasurementPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		r.logger.Warn("bad measurement payload", zap.Error(err))
		return
	}
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store != nil {
		store.ObserveMeasurement(p.Measurement)
	}
	r.broadcast(env, c)
}

func (r *room) onAnnotation(c *client, env protocol.Envelope) {
	var p protocol.AnnotationPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		r.logger.Warn("bad annotation payload", zap.Error(err))
		return
	}
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store != nil {
		store.ApplyRemoteAnnotation(p.Annotation)
	}
	r.broadcast(env, c)
}

// onSync folds a peer's periodic full-state heartbeat into the shadow store
// entity by entity, so the relay keeps the freshest union rather than
// letting one slow peer erase what it has not seen yet.
func (r *room) onSync(c *client, env protocol.Envelope) {
	var p protocol.SyncPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		r.logger.Warn("bad sync payload", zap.Error(err))
		return
	}
	if p.Session != nil {
		// Only the relay itself hands out authoritative sessions.
		r.logger.Warn("dropping client sync carrying a session",
			zap.String("participant", env.ParticipantID))
		return
	}
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store != nil {
		for _, m := range p.Measurements {
			store.ObserveMeasurement(m)
		}
		for _, a := range p.Annotations {
			store.ApplyRemoteAnnotation(a)
		}
	}
	r.broadcast(env, c)
}

// sendSync hands one client the full authoritative session state.
func (r *room) sendSync(c *client) {
	r.mu.Lock()
	if r.store == nil {
		r.mu.Unlock()
		return
	}
	r.seq++
	seq := r.seq
	sid := r.sessionID
	snap := r.store.Snapshot()
	r.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.MessageSync, sid, protocol.ServerParticipantID,
		seq, r.clock.Now(), protocol.SyncPayload{Session: &snap})
	if err != nil {
		r.logger.Error("encoding sync failed", zap.Error(err))
		return
	}
	r.deliver(c, env)
}

// broadcastServer fans out an envelope written by the relay itself.
func (r *room) broadcastServer(t protocol.MessageType, payload any, skip *client) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	sid := r.sessionID
	r.mu.Unlock()

	env, err := protocol.NewEnvelope(t, sid, protocol.ServerParticipantID, seq, r.clock.Now(), payload)
	if err != nil {
		r.logger.Error("encoding server envelope failed", zap.Error(err))
		return
	}
	r.broadcast(env, skip)
}

// broadcast fans env out to every client except skip. A client whose buffer
// is full has stopped draining; it is cut loose rather than stalling the
// room.
func (r *room) broadcast(env protocol.Envelope, skip *client) {
	data, err := protocol.Marshal(env)
	if err != nil {
		r.logger.Error("encoding envelope failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			r.metrics.slowClients.Inc()
			r.logger.Warn("dropping slow client")
			r.dropClient(c)
		}
	}
}

// deliver sends env to a single client.
func (r *room) deliver(c *client, env protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		r.logger.Error("encoding envelope failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		r.metrics.slowClients.Inc()
		r.dropClient(c)
	}
}

// full reports whether another participant would be refused. Capacity
// counts every roster entry, active or not, exactly as the store's own gate
// does — a dial naming a participant already on the roster is a rejoin and
// is never refused here. Rooms the host has not materialized yet cannot be
// full.
func (r *room) full(participantID string) bool {
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store == nil {
		return false
	}
	if participantID != "" {
		if _, ok := store.Participant(participantID); ok {
			return false
		}
	}
	snap := store.Snapshot()
	return len(snap.Participants) >= snap.Settings.MaxParticipants
}

// expired reports whether the sweeper should reclaim this room.
func (r *room) expired(now time.Time) bool {
	r.mu.Lock()
	store := r.store
	created := r.createdAt
	r.mu.Unlock()
	if store == nil {
		// The host dialed but never announced; give the handshake a
		// minute and reclaim.
		return now.Sub(created) > placeholderTTL
	}
	return store.Expired()
}

// close disconnects every client. The room is already out of the hub when
// this runs, so nothing new can arrive.
func (r *room) close(reason string) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(writeWait))
		r.dropClient(c)
		c.conn.Close()
	}
}

// info summarizes the room for the REST surface.
func (r *room) info() roomInfo {
	r.mu.Lock()
	store := r.store
	created := r.createdAt
	r.mu.Unlock()

	ri := roomInfo{RoomCode: r.code, CreatedAt: created}
	if store == nil {
		return ri
	}
	snap := store.Snapshot()
	ri.SessionID = snap.ID
	ri.ActiveParticipants = store.ActiveParticipants()
	ri.MaxParticipants = snap.Settings.MaxParticipants
	ri.CreatedAt = snap.CreatedAt
	return ri
}
