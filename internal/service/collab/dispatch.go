package collab

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/eventbus"
	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
	"github.com/Paulmait/roomsnap-sub000/internal/transport"
)

// handleEnvelope applies one inbound envelope to the store and publishes the
// matching event. It runs on the link's read goroutine. Own echoes are
// ignored outright, a join restarts its sender's sequence space (rejoining
// peers do not carry their counter across incarnations), and any other frame
// with a stale per-sender sequence number is a dropped replay.
func (s *Service) handleEnvelope(att *attached, env protocol.Envelope) {
	s.mu.Lock()
	if s.att != att || att.lost {
		s.mu.Unlock()
		return
	}
	if env.ParticipantID == att.selfID {
		s.mu.Unlock()
		return
	}
	if env.Type == protocol.MessageJoin {
		att.lastSeen[env.ParticipantID] = env.Sequence
	} else if last, ok := att.lastSeen[env.ParticipantID]; ok && env.Sequence <= last {
		s.mu.Unlock()
		s.logger.Debug("dropping replayed envelope",
			zap.String("from", env.ParticipantID),
			zap.Uint64("sequence", env.Sequence),
			zap.Uint64("lastSeen", last))
		return
	} else {
		att.lastSeen[env.ParticipantID] = env.Sequence
	}
	s.mu.Unlock()

	switch env.Type {
	case protocol.MessageJoin:
		s.onJoin(att, env)
	case protocol.MessageLeave:
		s.onLeave(att, env)
	case protocol.MessageMeasurement:
		s.onMeasurement(att, env)
	case protocol.MessageCursor:
		s.onCursor(att, env)
	case protocol.MessageAnnotation:
		s.onAnnotation(att, env)
	case protocol.MessageSync:
		s.onSync(att, env)
	case protocol.MessageChat:
		s.onChat(att, env)
	}
}

func (s *Service) onJoin(att *attached, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad join payload", zap.Error(err))
		return
	}
	added, err := att.store.AddParticipant(p.Participant)
	if err != nil {
		// The relay enforces capacity; locally this means our copy drifted.
		s.logger.Warn("join not applied",
			zap.String("participant", p.Participant.ID), zap.Error(err))
		return
	}
	s.bus.Publish(eventbus.ParticipantJoined{Participant: added})
}

func (s *Service) onLeave(att *attached, env protocol.Envelope) {
	var p protocol.LeavePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad leave payload", zap.Error(err))
		return
	}
	left, ok := att.store.MarkParticipantLeft(p.ParticipantID)
	if !ok {
		return
	}
	s.bus.Publish(eventbus.ParticipantLeft{Participant: left, Reason: p.Reason})
}

func (s *Service) onMeasurement(att *attached, env protocol.Envelope) {
	var p protocol.MeasurementPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad measurement payload", zap.Error(err))
		return
	}
	if !att.store.ApplyRemoteMeasurement(p.Measurement) {
		// Stale version: parked on the conflict queue until the next
		// resolution pass re-broadcasts our copy.
		s.logger.Debug("stale measurement queued",
			zap.String("measurement", p.Measurement.ID),
			zap.Uint64("version", p.Measurement.Version))
		return
	}
	s.bus.Publish(eventbus.MeasurementUpdated{Measurement: p.Measurement, By: env.ParticipantID})
}

func (s *Service) onCursor(att *attached, env protocol.Envelope) {
	var p protocol.CursorPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad cursor payload", zap.Error(err))
		return
	}
	cursor := att.store.SetCursor(env.ParticipantID, p.Position)
	s.bus.Publish(eventbus.CursorUpdated{ParticipantID: env.ParticipantID, Cursor: cursor})
}

func (s *Service) onAnnotation(att *attached, env protocol.Envelope) {
	var p protocol.AnnotationPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad annotation payload", zap.Error(err))
		return
	}
	att.store.ApplyRemoteAnnotation(p.Annotation)
	s.bus.Publish(eventbus.AnnotationUpdated{Annotation: p.Annotation, By: env.ParticipantID})
}

func (s *Service) onSync(att *attached, env protocol.Envelope) {
	var p protocol.SyncPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad sync payload", zap.Error(err))
		return
	}

	if p.Session != nil {
		// The relay's authoritative answer to our join (or rejoin).
		att.store.Install(*p.Session)
		s.mu.Lock()
		att.sessionID = p.Session.ID
		first := !att.established
		att.established = true
		s.mu.Unlock()
		if first {
			att.joinResult <- nil
		}
	} else {
		// A peer's periodic full-state sync: overwrite wholesale. This is
		// the coarse net that catches anything incremental updates missed.
		att.store.ApplySync(p.Measurements, p.Annotations)
	}
	s.bus.Publish(eventbus.SessionSynced{Session: att.store.Snapshot()})
}

func (s *Service) onChat(att *attached, env protocol.Envelope) {
	var p protocol.ChatPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		s.logger.Warn("bad chat payload", zap.Error(err))
		return
	}
	name := p.Name
	if name == "" {
		if from, ok := att.store.Participant(env.ParticipantID); ok {
			name = from.Name
		}
	}
	s.bus.Publish(eventbus.ChatMessage{
		ParticipantID: env.ParticipantID,
		Name:          name,
		Text:          p.Text,
		At:            env.Time(),
	})
}

// handleState reacts to link transitions: every Connected re-announces the
// local participant, a terminal loss ends the session.
func (s *Service) handleState(att *attached, state transport.State, err error) {
	switch state {
	case transport.Connected:
		s.announce(att)
	case transport.ConnectionLost:
		s.onLost(att, err)
	default:
		s.logger.Debug("link state changed", zap.Stringer("state", state), zap.Error(err))
	}
}

// announce (re)introduces the local participant to the relay. A host
// attaches its full session copy so the relay can materialize a room it has
// never seen: one created offline, or one it has since evicted.
func (s *Service) announce(att *attached) {
	self, ok := att.store.Participant(att.selfID)
	if !ok {
		// Joiner before the first sync: the roster is still empty.
		self = collab.Participant{
			ID:     att.selfID,
			UserID: s.cfg.Identity.UserID,
			Name:   s.cfg.Identity.Name,
		}
	}
	payload := protocol.JoinPayload{Participant: self, RoomCode: att.roomCode}
	if att.isHost {
		session := att.store.Snapshot()
		payload.Session = &session
	}
	if err := s.send(att, protocol.MessageJoin, payload); err != nil {
		s.logger.Warn("join announcement failed", zap.Error(err))
	}
}

// onLost handles the terminal transport state, exactly once per session:
// a waiting JoinSession gets the mapped error, an established session gets
// the connectionLost event and a final snapshot for Resume.
func (s *Service) onLost(att *attached, cause error) {
	mapped := mapDialError(cause)

	s.mu.Lock()
	if att.lost {
		s.mu.Unlock()
		return
	}
	att.lost = true
	established := att.established
	cancel := att.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !established {
		att.joinResult <- mapped
		return
	}
	s.logger.Warn("connection terminally lost", zap.Error(cause))
	s.saveSnapshot(att)
	s.bus.Publish(eventbus.ConnectionLost{Err: mapped})
}

// mapDialError turns transport failures into the engine's error taxonomy.
// Pre-upgrade refusals carry the relay's verdict in their HTTP status.
func mapDialError(err error) error {
	var hs *transport.HandshakeError
	if errors.As(err, &hs) {
		switch hs.Status {
		case http.StatusNotFound:
			return fmt.Errorf("room not found: %w", collab.ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("room is full: %w", collab.ErrCapacityExceeded)
		case http.StatusForbidden:
			return fmt.Errorf("join refused: %w", collab.ErrPermissionDenied)
		}
		return err
	}
	if err == nil {
		return transport.ErrConnectionLost
	}
	return multierr.Append(transport.ErrConnectionLost, err)
}
