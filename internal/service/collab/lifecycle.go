package collab

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
	"github.com/Paulmait/roomsnap-sub000/internal/transport"
)

// CreateSession starts a new room with the local user as host. It works
// offline: the session is usable immediately, every change is queued, and
// sharing begins the moment the relay becomes reachable.
func (s *Service) CreateSession(_ context.Context, settings collab.Settings) (collab.Session, error) {
	code, err := collab.NewRoomCode()
	if err != nil {
		return collab.Session{}, err
	}

	selfID := uuid.NewString()
	now := s.clock.Now().UTC()
	store := collab.NewStore(collab.Session{
		ID:        uuid.NewString(),
		RoomCode:  code,
		HostID:    selfID,
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  settings.Normalize(),
	}, s.clock)
	if _, err := store.AddParticipant(collab.Participant{
		ID:     selfID,
		UserID: s.cfg.Identity.UserID,
		Name:   s.cfg.Identity.Name,
		Role:   collab.RoleHost,
	}); err != nil {
		return collab.Session{}, err
	}

	att := newAttached(code, selfID, store, s.cfg.CursorInterval)
	att.isHost = true
	att.sessionID = store.Snapshot().ID
	att.established = true
	if err := s.attach(att); err != nil {
		return collab.Session{}, err
	}

	s.saveSnapshot(att)
	snap := store.Snapshot()
	s.logger.Info("session created",
		zap.String("session", snap.ID), zap.String("room", snap.RoomCode))
	return snap, nil
}

// JoinSession connects to an existing room by its shareable code and blocks
// until the relay's authoritative state arrives. A bad or unknown code is
// collab.ErrNotFound, a full room collab.ErrCapacityExceeded.
func (s *Service) JoinSession(ctx context.Context, code string) (collab.Session, error) {
	if !collab.ValidRoomCode(code) {
		return collab.Session{}, fmt.Errorf("room code %q: %w", code, collab.ErrNotFound)
	}

	selfID := uuid.NewString()
	store := collab.NewStore(collab.Session{RoomCode: code, Settings: collab.DefaultSettings()}, s.clock)
	att := newAttached(code, selfID, store, s.cfg.CursorInterval)
	if err := s.attach(att); err != nil {
		return collab.Session{}, err
	}

	select {
	case err := <-att.joinResult:
		if err != nil {
			s.detach(att)
			return collab.Session{}, fmt.Errorf("join room %s: %w", code, err)
		}
	case <-ctx.Done():
		s.detach(att)
		return collab.Session{}, ctx.Err()
	case <-s.clock.After(s.cfg.JoinTimeout):
		s.detach(att)
		return collab.Session{}, fmt.Errorf("join room %s: no session state within %v: %w",
			code, s.cfg.JoinTimeout, transport.ErrConnectionLost)
	}

	s.saveSnapshot(att)
	snap := att.store.Snapshot()
	s.logger.Info("session joined",
		zap.String("session", snap.ID), zap.String("room", code))
	return snap, nil
}

// Resume reopens a previously snapshotted session: local state is restored
// immediately and the engine reconnects in the background, announcing the
// local participant again once the relay answers.
func (s *Service) Resume(_ context.Context, sessionID string) (collab.Session, error) {
	if s.snaps == nil {
		return collab.Session{}, fmt.Errorf("resume session %s: snapshots are disabled", sessionID)
	}
	doc, err := s.snaps.Load(sessionID)
	if err != nil {
		return collab.Session{}, err
	}
	if doc.Session.Expired(s.clock.Now()) {
		if err := s.snaps.Delete(sessionID); err != nil {
			s.logger.Warn("deleting expired snapshot failed", zap.Error(err))
		}
		return collab.Session{}, fmt.Errorf("session %s expired: %w", sessionID, collab.ErrNotFound)
	}

	store := collab.NewStore(doc.Session, s.clock)
	att := newAttached(doc.Session.RoomCode, doc.SelfID, store, s.cfg.CursorInterval)
	att.isHost = doc.Session.HostID == doc.SelfID
	att.sessionID = doc.Session.ID
	att.seq = doc.Sequence
	att.established = true
	if err := s.attach(att); err != nil {
		return collab.Session{}, err
	}

	s.logger.Info("session resumed",
		zap.String("session", sessionID), zap.String("room", doc.Session.RoomCode))
	return store.Snapshot(), nil
}

// LeaveSession announces the departure and tears the session down,
// discarding its snapshot. Leaving with nothing attached is a no-op.
func (s *Service) LeaveSession(_ context.Context) error {
	s.mu.Lock()
	att := s.att
	s.mu.Unlock()
	if att == nil {
		return nil
	}

	err := s.send(att, protocol.MessageLeave, protocol.LeavePayload{
		ParticipantID: att.selfID,
		Reason:        protocol.LeaveReasonLeft,
	})
	if err != nil {
		// Best effort; the relay synthesizes a leave when the socket drops.
		s.logger.Debug("leave announcement not delivered", zap.Error(err))
	}
	s.detach(att)

	if s.snaps != nil && att.sessionID != "" {
		if err := s.snaps.Delete(att.sessionID); err != nil {
			s.logger.Warn("snapshot delete failed", zap.Error(err))
		}
	}
	s.logger.Info("session left", zap.String("room", att.roomCode))
	return nil
}

// Close persists the session for a later Resume and shuts the engine down
// without announcing a leave.
func (s *Service) Close(_ context.Context) error {
	s.mu.Lock()
	att := s.att
	s.mu.Unlock()
	if att == nil {
		return nil
	}
	s.saveSnapshot(att)
	s.detach(att)
	return nil
}

// attach installs att as the one live session and starts its link and sync
// loop.
func (s *Service) attach(att *attached) error {
	s.mu.Lock()
	if s.att != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	link := s.newWire(s.roomURL(att), transport.Handlers{
		OnEnvelope: func(env protocol.Envelope) { s.handleEnvelope(att, env) },
		OnState:    func(state transport.State, err error) { s.handleState(att, state, err) },
	})
	att.link = link
	runCtx, cancel := context.WithCancel(context.Background())
	att.cancel = cancel
	s.att = att
	s.mu.Unlock()

	link.Start(runCtx)
	go s.syncLoop(runCtx, att)
	return nil
}

// detach stops att's loops and link and clears it if still current. Safe to
// call more than once.
func (s *Service) detach(att *attached) {
	s.mu.Lock()
	if s.att == att {
		s.att = nil
	}
	cancel := att.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if att.link != nil {
		att.link.Close()
	}
}
