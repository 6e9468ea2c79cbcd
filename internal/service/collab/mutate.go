package collab

import (
	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
)

// AddMeasurement shares a locally captured measurement with the session.
// The measurement starts at version 1 and is attributed to the local
// participant.
func (s *Service) AddMeasurement(points []collab.Point, distance float64, unit collab.Unit, label string) (collab.Measurement, error) {
	att, err := s.ready()
	if err != nil {
		return collab.Measurement{}, err
	}
	m, err := att.store.CreateMeasurement(att.selfID, points, distance, unit, label)
	if err != nil {
		return collab.Measurement{}, err
	}
	if err := s.send(att, protocol.MessageMeasurement, protocol.MeasurementPayload{Measurement: m}); err != nil {
		return collab.Measurement{}, err
	}
	return m, nil
}

// UpdateMeasurement applies a local edit to a shared measurement. The whole
// entity travels; the store bumps its version past the previous one.
func (s *Service) UpdateMeasurement(m collab.Measurement) (collab.Measurement, error) {
	att, err := s.ready()
	if err != nil {
		return collab.Measurement{}, err
	}
	updated, err := att.store.UpdateMeasurement(att.selfID, m)
	if err != nil {
		return collab.Measurement{}, err
	}
	if err := s.send(att, protocol.MessageMeasurement, protocol.MeasurementPayload{Measurement: updated}); err != nil {
		return collab.Measurement{}, err
	}
	return updated, nil
}

// SetMeasurementLocked toggles the host-only lock on a measurement.
func (s *Service) SetMeasurementLocked(id string, locked bool) (collab.Measurement, error) {
	att, err := s.ready()
	if err != nil {
		return collab.Measurement{}, err
	}
	m, err := att.store.SetMeasurementLocked(att.selfID, id, locked)
	if err != nil {
		return collab.Measurement{}, err
	}
	if err := s.send(att, protocol.MessageMeasurement, protocol.MeasurementPayload{Measurement: m}); err != nil {
		return collab.Measurement{}, err
	}
	return m, nil
}

// AddAnnotation shares a spatial note with the session.
func (s *Service) AddAnnotation(t collab.AnnotationType, pos collab.Point, content string, style collab.Style) (collab.Annotation, error) {
	att, err := s.ready()
	if err != nil {
		return collab.Annotation{}, err
	}
	a, err := att.store.AddAnnotation(att.selfID, t, pos, content, style)
	if err != nil {
		return collab.Annotation{}, err
	}
	if err := s.send(att, protocol.MessageAnnotation, protocol.AnnotationPayload{Annotation: a}); err != nil {
		return collab.Annotation{}, err
	}
	return a, nil
}

// UpdateCursor broadcasts the local cursor position. Updates inside the
// throttle window are dropped, not queued: only the freshest position is
// worth anything. A dropped update returns nil.
func (s *Service) UpdateCursor(pos collab.Point) error {
	att, err := s.ready()
	if err != nil {
		return err
	}
	if !att.limiter.AllowN(s.clock.Now(), 1) {
		return nil
	}
	att.store.SetCursor(att.selfID, pos)
	return s.send(att, protocol.MessageCursor, protocol.CursorPayload{Position: pos})
}

// SendChat sends a short text message to everyone in the session.
func (s *Service) SendChat(text string) error {
	att, err := s.ready()
	if err != nil {
		return err
	}
	return s.send(att, protocol.MessageChat, protocol.ChatPayload{
		Text: text,
		Name: s.cfg.Identity.Name,
	})
}
