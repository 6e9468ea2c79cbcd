package collab

import (
	"context"

	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
	"github.com/Paulmait/roomsnap-sub000/internal/transport"
)

// syncLoop is the session heartbeat. Every tick it resolves queued version
// conflicts (re-broadcasting the winners), ships a full-state sync when the
// session wants one, and refreshes the on-disk snapshot. The loop stops when
// the session detaches or the link is terminally lost.
func (s *Service) syncLoop(ctx context.Context, att *attached) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.SyncInterval):
		}
		s.syncPass(att)
	}
}

func (s *Service) syncPass(att *attached) {
	// Contested entities: our copy won, stamped past every version seen.
	// The bumped copies go back on the wire so the losing editors converge.
	for _, m := range att.store.ResolveConflicts() {
		s.logger.Debug("re-broadcasting conflict winner",
			zap.String("measurement", m.ID), zap.Uint64("version", m.Version))
		if err := s.send(att, protocol.MessageMeasurement, protocol.MeasurementPayload{Measurement: m}); err != nil {
			s.logger.Warn("conflict re-broadcast failed",
				zap.String("measurement", m.ID), zap.Error(err))
		}
	}

	// The periodic sync is a live heartbeat, not an edit: sending it only
	// makes sense on a healthy link, and never before the session has its
	// authoritative state (a pre-join sync would overwrite peers with an
	// empty copy).
	snap := att.store.Snapshot()
	if snap.Settings.AutoSync && s.isEstablished(att) && att.link.State() == transport.Connected {
		payload := protocol.SyncPayload{
			Measurements: snap.Measurements,
			Annotations:  snap.Annotations,
		}
		if err := s.send(att, protocol.MessageSync, payload); err != nil {
			s.logger.Warn("periodic sync failed", zap.Error(err))
		}
	}

	s.saveSnapshot(att)
}
