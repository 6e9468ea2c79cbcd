package eventbus

import (
	"time"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

// EventType names one kind of session event.
type EventType string

const (
	EventParticipantJoined  EventType = "participantJoined"
	EventParticipantLeft    EventType = "participantLeft"
	EventMeasurementUpdated EventType = "measurementUpdated"
	EventAnnotationUpdated  EventType = "annotationUpdated"
	EventCursorUpdated      EventType = "cursorUpdated"
	EventChatMessage        EventType = "chatMessage"
	EventSessionSynced      EventType = "sessionSynced"
	EventConnectionLost     EventType = "connectionLost"
)

// Event is anything the bus can carry. Kind routes it to subscribers.
type Event interface {
	Kind() EventType
}

// ParticipantJoined fires when anyone, local or remote, enters the roster.
type ParticipantJoined struct {
	Participant collab.Participant
}

// ParticipantLeft fires when a participant leaves or the relay gives up on
// their connection.
type ParticipantLeft struct {
	Participant collab.Participant
	Reason      string
}

// MeasurementUpdated fires for every applied measurement change. By is the
// participant whose action caused it, which may differ from the author.
type MeasurementUpdated struct {
	Measurement collab.Measurement
	By          string
}

// AnnotationUpdated fires for every applied annotation change.
type AnnotationUpdated struct {
	Annotation collab.Annotation
	By         string
}

// CursorUpdated fires when a peer's cursor moves. Local cursor motion does
// not echo back.
type CursorUpdated struct {
	ParticipantID string
	Cursor        collab.CursorPosition
}

// ChatMessage fires for incoming chat text.
type ChatMessage struct {
	ParticipantID string
	Name          string
	Text          string
	At            time.Time
}

// SessionSynced fires after a full-state sync has been applied, carrying the
// post-sync session copy.
type SessionSynced struct {
	Session collab.Session
}

// ConnectionLost fires exactly once when the transport exhausts its
// reconnect budget. The session is over for this client.
type ConnectionLost struct {
	Err error
}

func (ParticipantJoined) Kind() EventType  { return EventParticipantJoined }
func (ParticipantLeft) Kind() EventType    { return EventParticipantLeft }
func (MeasurementUpdated) Kind() EventType { return EventMeasurementUpdated }
func (AnnotationUpdated) Kind() EventType  { return EventAnnotationUpdated }
func (CursorUpdated) Kind() EventType      { return EventCursorUpdated }
func (ChatMessage) Kind() EventType        { return EventChatMessage }
func (SessionSynced) Kind() EventType      { return EventSessionSynced }
func (ConnectionLost) Kind() EventType     { return EventConnectionLost }
