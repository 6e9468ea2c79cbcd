package protocol

import (
	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

// JoinPayload announces a participant. Sent by a client it carries the
// participant and the room code being claimed; relayed by the server it
// carries just the participant for the roster. A host's announcement also
// attaches its full session copy, which lets the relay materialize a room
// it has never seen: a room created offline, or one it evicted since.
type JoinPayload struct {
	Participant collab.Participant `json:"participant"`
	RoomCode    string             `json:"roomCode,omitempty"`
	Session     *collab.Session    `json:"session,omitempty"`
}

// LeavePayload retires a participant. Reason distinguishes a deliberate
// leave from a connection the relay gave up on.
type LeavePayload struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

// Leave reasons carried in LeavePayload.
const (
	LeaveReasonLeft         = "left"
	LeaveReasonDisconnected = "disconnected"
)

// MeasurementPayload shares one versioned measurement, whole. Updates carry
// the full entity, not a diff.
type MeasurementPayload struct {
	Measurement collab.Measurement `json:"measurement"`
}

// CursorPayload moves the sender's ephemeral cursor. The sender comes from
// the envelope, so the payload is just the position.
type CursorPayload struct {
	Position collab.Point `json:"position"`
}

// AnnotationPayload shares one annotation, whole.
type AnnotationPayload struct {
	Annotation collab.Annotation `json:"annotation"`
}

// SyncPayload is the full-state exchange. A client's periodic sync carries
// its measurement and annotation arrays for blind overwrite; the relay's
// join response carries the whole authoritative session instead.
type SyncPayload struct {
	Session      *collab.Session      `json:"session,omitempty"`
	Measurements []collab.Measurement `json:"measurements,omitempty"`
	Annotations  []collab.Annotation  `json:"annotations,omitempty"`
}

// ChatPayload is a lightweight text message between participants.
type ChatPayload struct {
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
}
